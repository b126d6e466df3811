package eventhandler

import "time"

// timerWheel holds a single armed one-shot wakeup timer, per spec §6.E's
// design note: the loop needs at most one pending timeout (the next message
// loop deadline or an explicit Timer_RegisterTimer call) at a time, so a heap
// is unwarranted — a later arm simply replaces an earlier one.
type timerWheel struct {
	armed   bool
	port    PortID
	data    int64
	deadline time.Time
}

func newTimerWheel() *timerWheel {
	return &timerWheel{}
}

// arm schedules a wakeup at deadline for the given port/data pair, discarding
// any previously armed timer.
func (t *timerWheel) arm(deadline time.Time, port PortID, data int64) {
	t.armed = true
	t.deadline = deadline
	t.port = port
	t.data = data
}

// disarm cancels the pending timer, if any.
func (t *timerWheel) disarm() {
	t.armed = false
}

// nextTimeoutMs returns the poll timeout, in milliseconds, implied by the
// armed timer: 0 if already due, -1 if nothing is armed (block forever),
// otherwise the remaining duration rounded up to the millisecond.
func (t *timerWheel) nextTimeoutMs(now time.Time) int {
	if !t.armed {
		return -1
	}
	remaining := t.deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	ms := remaining.Milliseconds()
	if remaining%time.Millisecond != 0 {
		ms++
	}
	if ms > int64(int(^uint(0)>>1)) {
		ms = int64(int(^uint(0) >> 1))
	}
	return int(ms)
}

// fire checks whether the armed timer is due at now; if so it disarms itself
// and returns the port/data pair to post, with ok=true.
func (t *timerWheel) fire(now time.Time) (port PortID, data int64, ok bool) {
	if !t.armed || now.Before(t.deadline) {
		return 0, 0, false
	}
	port, data = t.port, t.data
	t.armed = false
	return port, data, true
}
