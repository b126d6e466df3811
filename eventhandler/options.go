package eventhandler

import "time"

// loopOptions holds configuration resolved at Loop construction time.
type loopOptions struct {
	logger         *Logger
	metricsEnabled bool
	idleTimeout    time.Duration
}

// Option configures a Loop instance, mirroring the teacher's LoopOption
// pattern: a functional-option interface implemented by a single closure
// wrapper so options compose without an exported struct.
type Option interface {
	applyLoop(*loopOptions)
}

type optionFunc func(*loopOptions)

func (f optionFunc) applyLoop(o *loopOptions) { f(o) }

// WithLogger sets the Logger the loop reports diagnostics through. Passing
// nil is equivalent to WithNoopLogger.
func WithLogger(logger *Logger) Option {
	return optionFunc(func(o *loopOptions) {
		if logger == nil {
			logger = noopLogger()
		}
		o.logger = logger
	})
}

// WithNoopLogger disables logging entirely.
func WithNoopLogger() Option {
	return optionFunc(func(o *loopOptions) { o.logger = noopLogger() })
}

// WithMetrics enables the loop's dispatched-events counter, retrievable as
// Metrics.EventsDispatched via Loop.Metrics.
func WithMetrics(enabled bool) Option {
	return optionFunc(func(o *loopOptions) { o.metricsEnabled = enabled })
}

// WithIdleTimeout bounds how long PollIO may block when no timer is armed
// and the interrupt channel is empty, so the loop periodically wakes to
// re-check its shutdown flag even under a stalled backend. Zero disables the
// bound (block until a wakeup or timer fires).
func WithIdleTimeout(d time.Duration) Option {
	return optionFunc(func(o *loopOptions) { o.idleTimeout = d })
}

func resolveOptions(opts []Option) *loopOptions {
	cfg := &loopOptions{
		logger:      defaultLogger(),
		idleTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyLoop(cfg)
	}
	return cfg
}
