// Package eventhandler — I/O readiness/completion backend.
//
// The Readiness Backend (spec §4.D) is implemented per platform:
//   - poller_linux.go:   epoll, Variant R (readiness)
//   - poller_darwin.go:  kqueue, Variant R (readiness)
//   - poller_windows.go: IOCP,   Variant C (completion)
//
// All three expose the same ioPoller type name and method set so loop.go
// needs no build tags of its own: the newIOPoller constructor, plus Close,
// RegisterFD, UnregisterFD, ModifyFD, TopUpAccepts, PollIO, and Wakeup. Each
// variant owns its own wake primitive
// internally (an eventfd on Linux, a self-pipe on Darwin, a completion post
// on Windows) so the Event Loop never has to know which one is in play.
//
// ioPoller methods other than Wakeup are called exclusively from the event
// loop goroutine and need no internal locking, matching the Handle Registry
// (spec §4.B): ownership is confined to one goroutine by construction.
package eventhandler

// ioEvents is the backend-local readiness/completion mask, translated to and
// from the wire-stable EventBit values by the Event Loop (spec §4.D).
type ioEvents uint32

const (
	ioEventIn ioEvents = 1 << iota
	ioEventOut
	ioEventErr
	ioEventHup
)

// ioCallback is invoked by PollIO for each ready/completed fd, on the loop
// goroutine. buf is always nil on the readiness backends (Linux/Darwin); on
// the completion backend (Windows) it identifies which outstanding ioBuffer
// (read, write, or accept) the completion belongs to, since a single fd can
// have both a read and a write outstanding at once.
type ioCallback func(events ioEvents, buf *ioBuffer)
