package eventhandler

import "sync/atomic"

// loopMetrics holds the loop's optional runtime counters, trimmed down from
// the teacher's richer metrics surface (tick counts, fast-path entries,
// p-square latency estimators) to the handful meaningful for an I/O
// multiplexer with no task queue of its own.
type loopMetrics struct {
	dispatched atomic.Int64 // total events dispatched by PollIO across the loop's lifetime
}

// Metrics is the read-only snapshot returned by Loop.Metrics.
type Metrics struct {
	// EventsDispatched counts backend-reported events handed to a callback,
	// across both readiness and completion backends.
	EventsDispatched int64
	// LiveHandles is the current size of the Handle Registry.
	LiveHandles int
}

// Metrics returns a point-in-time snapshot. Safe from any goroutine; reading
// LiveHandles off the loop goroutine is racy, matching the teacher's
// documented best-effort posture for diagnostic counters.
func (l *Loop) Metrics() Metrics {
	return Metrics{
		EventsDispatched: l.metrics.dispatched.Load(),
		LiveHandles:      l.registry.Len(),
	}
}
