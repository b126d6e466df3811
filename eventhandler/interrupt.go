package eventhandler

import "sync"

// interruptChannel is the in-process, thread-safe queue that carries control
// commands into the event loop (spec §4.C). It uses the same
// append-then-swap pattern the teacher's Loop uses for its auxiliary job
// queue: a single mutex, a single append per Wake call, and a single lock per
// batch drain rather than one lock per message. Waking the backend out of its
// blocking wait is a separate concern (each poller_*.go's Wakeup); this type only owns
// the message buffer.
type interruptChannel struct {
	mu     sync.Mutex
	active []controlMessage
	spare  []controlMessage
}

func newInterruptChannel() *interruptChannel {
	return &interruptChannel{
		active: make([]controlMessage, 0, 64),
		spare:  make([]controlMessage, 0, 64),
	}
}

// push enqueues a control message. Safe from any goroutine.
func (c *interruptChannel) push(msg controlMessage) {
	c.mu.Lock()
	c.active = append(c.active, msg)
	c.mu.Unlock()
}

// drain swaps out the active buffer and returns everything enqueued so far,
// for the Event Loop to apply one message at a time. Must only be called
// from the loop goroutine.
func (c *interruptChannel) drain() []controlMessage {
	c.mu.Lock()
	batch := c.active
	c.active, c.spare = c.spare[:0], c.active
	c.mu.Unlock()
	return batch
}
