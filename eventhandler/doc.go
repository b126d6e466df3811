// Package eventhandler implements the cross-platform I/O event multiplexer
// embedded by the script host: it demultiplexes OS-level readiness
// (epoll/kqueue) or completion (IOCP) events for many registered handles and
// delivers them as discrete event messages to listener ports.
//
// # Architecture
//
// A [Loop] owns a [Registry] of [Handle] values (one per registered OS
// descriptor), a platform [poller] (epoll on Linux, kqueue on Darwin, IOCP on
// Windows), and an [interruptChannel] that carries [controlMessage] records
// from arbitrary goroutines into the loop goroutine. Listener code never
// blocks inside the core: it communicates only by sending control messages in
// and receiving [Message] values out, through a [PortID].
//
// # Platform support
//
//   - Linux: epoll, edge-armed level filters (Variant R)
//   - Darwin: kqueue, edge-armed level filters (Variant R)
//   - Windows: IOCP with pre-posted overlapped buffers (Variant C)
//
// # Level-triggered semantics
//
// Both backend variants reduce to one contract: interest is consumed on
// delivery, and the listener must re-assert it (via [Loop.SendCommand]) to
// receive further events of the same kind. This is deliberate — it prevents a
// slow listener from being flooded while draining a single handle.
//
// # Thread model
//
// Exactly one event loop goroutine runs [Loop.Run]. The [Registry] and each
// [Handle]'s interest/tracking flags are owned by that goroutine and require
// no locking from it. On the completion backend only, each [Handle] carries
// its own mutex because OS completions race with command application from
// arbitrary pool goroutines.
package eventhandler
