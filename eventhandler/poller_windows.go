//go:build windows

package eventhandler

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

const maxPollEvents = 16

// wakeCompletionKey is a sentinel completion key that never collides with a
// real handle value, used by Wakeup to post a no-op completion packet.
const wakeCompletionKey = ^uintptr(0)

// acceptBacklog is spec §4.D Variant C's "always top up to 5 outstanding
// accepts": the listen socket keeps this many AcceptEx calls in flight so a
// burst of connections never waits on the listener's next PollIO.
const acceptBacklog = 5

// acceptAddrSize is the per-endpoint address buffer AcceptEx requires: a
// sockaddr large enough for either address family, plus 16 reserved bytes
// (the documented AcceptEx padding requirement).
const acceptAddrSize = int(unsafe.Sizeof(windows.RawSockaddrAny{})) + 16

// windowsIOOperation is the OVERLAPPED-prefixed record the completion
// backend allocates for each outstanding ReadFile/AcceptEx call. overlapped
// must remain the first field: GetQueuedCompletionStatus hands back a
// *windows.Overlapped, and the completion is recovered by casting that
// pointer back to *windowsIOOperation.
type windowsIOOperation struct {
	overlapped windows.Overlapped
	buf        *ioBuffer
	listenFD   int // the listening socket, for ioOpAccept completions
}

// newWindowsIOOperation allocates an OVERLAPPED-prefixed record for buf and
// returns the OVERLAPPED pointer to pass into the Win32 call.
func newWindowsIOOperation(buf *ioBuffer) (*windowsIOOperation, *windows.Overlapped) {
	op := &windowsIOOperation{buf: buf}
	return op, &op.overlapped
}

type fdInfo struct {
	cb     ioCallback
	events ioEvents
	kind   HandleKind
	active bool

	// pendingAccepts counts in-flight AcceptEx calls issued for this fd
	// (listen sockets only); pendingRead is set while an overlapped
	// ReadFile is outstanding (pipes/exit pipes only). Both are confined
	// to the loop goroutine, same as the rest of ioPoller's state.
	pendingAccepts int
	pendingRead    bool
}

// ioPoller wraps an I/O completion port, implementing Variant C of spec §4.D.
// Unlike the readiness backends, completions are pushed rather than polled
// for: RegisterFD/ModifyFD issue whatever overlapped operation each Handle
// kind needs to realize its requested interest (AcceptEx for listen sockets,
// an overlapped ReadFile for pipes/exit pipes) so the Event Loop itself
// never has to know it is driving a completion backend. PollIO surfaces each
// completed packet to the Handle's callback, recovering the ioBuffer that
// identifies whether it completed a read or an accept.
type ioPoller struct {
	port windows.Handle
	fds  map[int]*fdInfo

	// pending keeps every in-flight windowsIOOperation reachable so the Go
	// GC never collects a buffer the kernel still holds a pointer to
	// between issuing the syscall and GetQueuedCompletionStatus returning
	// it.
	pending map[*windowsIOOperation]struct{}
}

func newIOPoller() (*ioPoller, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &ioPoller{port: port, fds: make(map[int]*fdInfo), pending: make(map[*windowsIOOperation]struct{})}, nil
}

func (p *ioPoller) Close() error {
	return windows.CloseHandle(p.port)
}

// Wakeup posts a zero-length completion packet tagged with wakeCompletionKey,
// unblocking a concurrent PollIO. Safe to call from any goroutine.
func (p *ioPoller) Wakeup() error {
	return windows.PostQueuedCompletionStatus(p.port, 0, wakeCompletionKey, nil)
}

// RegisterFD associates handle fd with the completion port. kind determines
// which overlapped operation ModifyFD/TopUpAccepts issue once interest is
// armed: AcceptEx for HandleKindListenSocket, an overlapped ReadFile for
// HandleKindPipe/HandleKindProcessExitPipe. Ordinary client sockets use
// synchronous WSARecv/WSASend instead (socket_windows.go) and need neither.
func (p *ioPoller) RegisterFD(fd int, kind HandleKind, events ioEvents, cb ioCallback) error {
	if _, exists := p.fds[fd]; exists {
		return ErrFDAlreadyRegistered
	}
	if _, err := windows.CreateIoCompletionPort(windows.Handle(fd), p.port, uintptr(fd), 0); err != nil {
		return err
	}
	p.fds[fd] = &fdInfo{cb: cb, events: events, kind: kind, active: true}
	return nil
}

func (p *ioPoller) UnregisterFD(fd int) error {
	if _, exists := p.fds[fd]; !exists {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	return nil // there is no IOCP disassociation API; closing the handle suffices
}

// ModifyFD updates the events an fd is armed for and, on the completion
// backend, issues whatever overlapped operation that arming requires:
// topping up the AcceptEx pool for a listen socket newly (or still) armed
// for IN, or issuing a fresh overlapped ReadFile for a pipe/exit-pipe Handle
// transitioning from unarmed to armed. This is the Variant C analogue of the
// readiness backends' EPOLL_CTL_MOD/EV_ADD: the actual mechanism by which
// "a Handle's backend registration reflects its interest" (invariant 1).
func (p *ioPoller) ModifyFD(fd int, events ioEvents) error {
	info, exists := p.fds[fd]
	if !exists {
		return ErrFDNotRegistered
	}
	wasArmed := info.events&ioEventIn != 0
	info.events = events
	if events&ioEventIn == 0 {
		return nil
	}
	switch info.kind {
	case HandleKindListenSocket:
		return p.topUpAccepts(fd, info)
	case HandleKindPipe, HandleKindProcessExitPipe:
		if !wasArmed && !info.pendingRead {
			return p.beginRead(fd, info)
		}
	}
	return nil
}

// TopUpAccepts issues additional AcceptEx calls for a listening socket until
// acceptBacklog are outstanding. Called both from ModifyFD (when IN is first
// armed) and from dispatchCompletion (loop.go) after each AcceptEx
// completion, to replenish the pool the completion consumed.
func (p *ioPoller) TopUpAccepts(fd int) error {
	info, exists := p.fds[fd]
	if !exists || info.kind != HandleKindListenSocket {
		return nil
	}
	return p.topUpAccepts(fd, info)
}

func (p *ioPoller) topUpAccepts(listenFD int, info *fdInfo) error {
	for info.pendingAccepts < acceptBacklog {
		if err := p.beginAccept(listenFD, info); err != nil {
			return err
		}
	}
	return nil
}

// beginAccept creates a fresh socket of the same family as listenFD and
// issues AcceptEx into it, per spec §4.D Variant C. The completion is
// recovered in PollIO via the windowsIOOperation's listenFD field.
func (p *ioPoller) beginAccept(listenFD int, info *fdInfo) error {
	family := windows.AF_INET
	if sa, err := windows.Getsockname(windows.Handle(listenFD)); err == nil {
		if _, ok := sa.(*windows.SockaddrInet6); ok {
			family = windows.AF_INET6
		}
	}
	acceptFD, err := windows.Socket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return err
	}
	_ = windows.SetNonblock(acceptFD, true)

	buf := newIOBuffer(ioOpAccept)
	buf.AcceptFD = int(acceptFD)
	op, ov := newWindowsIOOperation(buf)
	op.listenFD = listenFD
	p.pending[op] = struct{}{}

	var recvd uint32
	err = windows.AcceptEx(windows.Handle(listenFD), acceptFD, &buf.Data[0], 0,
		uint32(acceptAddrSize), uint32(acceptAddrSize), &recvd, ov)
	if err != nil && err != windows.ERROR_IO_PENDING {
		delete(p.pending, op)
		_ = windows.Closesocket(acceptFD)
		return err
	}
	info.pendingAccepts++
	return nil
}

// beginRead issues an overlapped ReadFile for a pipe/exit-pipe Handle, per
// spec §4.D Variant C. Unlike AcceptEx (always kept topped up), a read is
// re-issued only once ModifyFD observes a fresh IN assertion: the
// level-triggered synthesis rule ("interest is consumed on delivery") is
// enforced the same way on the completion backend as on the readiness
// backends (dispatchCompletion clears Interest/ReadArmed on completion).
func (p *ioPoller) beginRead(fd int, info *fdInfo) error {
	buf := newIOBuffer(ioOpRead)
	op, ov := newWindowsIOOperation(buf)
	p.pending[op] = struct{}{}

	var done uint32
	err := windows.ReadFile(windows.Handle(fd), buf.Data[:], &done, ov)
	if err != nil && err != windows.ERROR_IO_PENDING {
		delete(p.pending, op)
		return err
	}
	info.pendingRead = true
	return nil
}

// PollIO blocks for up to timeoutMs (negative means forever) retrieving a
// single completion packet. Unlike the readiness backends it dispatches at
// most one callback per call, mirroring GetQueuedCompletionStatus's contract.
func (p *ioPoller) PollIO(timeoutMs int) (int, error) {
	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped

	ms := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		ms = uint32(timeoutMs)
	}

	err := windows.GetQueuedCompletionStatus(p.port, &bytes, &key, &overlapped, ms)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return 0, nil
		}
		// A non-nil overlapped alongside an error means the operation itself
		// failed (e.g. ERROR_NETNAME_DELETED on disconnect); the failure is
		// surfaced to the owning Handle's ioBuffer rather than aborting.
		if overlapped == nil {
			return 0, err
		}
	}
	if key == wakeCompletionKey || overlapped == nil {
		return 0, nil
	}

	op := (*windowsIOOperation)(unsafe.Pointer(overlapped))
	delete(p.pending, op)
	buf := op.buf
	if err != nil {
		buf.Err = err
	}
	buf.Filled = int(bytes)

	// An accept completion's key is its own fresh socket, never registered
	// with the poller; the Handle it belongs to is keyed by the listening
	// socket recorded on the operation itself.
	fd := op.listenFD
	if buf.Op != ioOpAccept {
		fd = int(key)
	}
	info, ok := p.fds[fd]
	if !ok || !info.active {
		return 0, nil
	}

	switch buf.Op {
	case ioOpAccept:
		info.pendingAccepts--
		if buf.Err == nil {
			// SO_UPDATE_ACCEPT_CONTEXT is required before getsockname,
			// getpeername, setsockopt, etc. are valid on an AcceptEx'd
			// socket: it inherits the listening socket's properties.
			if err := windows.SetsockoptInt(windows.Handle(buf.AcceptFD), windows.SOL_SOCKET, windows.SO_UPDATE_ACCEPT_CONTEXT, fd); err != nil {
				buf.Err = err
			}
		}
	case ioOpRead:
		info.pendingRead = false
	}

	info.cb(ioEventIn, buf)
	return 1, nil
}
