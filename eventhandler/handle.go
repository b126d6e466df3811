package eventhandler

import "sync"

// HandleKind discriminates the OS primitive a Handle wraps. It is a tagged
// enum switched exhaustively at dispatch sites rather than modelled with
// interface embedding, per the design note on dynamic dispatch: the complete
// set of kinds must be visible at the switch, and a new kind forces every
// switch to be revisited.
type HandleKind uint8

const (
	HandleKindListenSocket HandleKind = iota
	HandleKindClientSocket
	HandleKindFile
	HandleKindPipe
	HandleKindProcessExitPipe
)

func (k HandleKind) String() string {
	switch k {
	case HandleKindListenSocket:
		return "listen_socket"
	case HandleKindClientSocket:
		return "client_socket"
	case HandleKindFile:
		return "file"
	case HandleKindPipe:
		return "pipe"
	case HandleKindProcessExitPipe:
		return "process_exit_pipe"
	default:
		return "unknown"
	}
}

// PortID opaquely identifies a listener port. Zero means "no listener bound".
type PortID uint64

// Handle is the per-registered-OS-primitive state record of spec §3.
//
// Ownership: the Registry exclusively owns the Handle; removal is the only
// path to destruction, performed by the Event Loop after the OS primitive is
// closed and no I/O is outstanding (invariant: it is a fatal error to remove
// a Handle whose pending I/O counts are nonzero on the completion backend).
type Handle struct { // betteralign:ignore
	OSID int // socket/file/process-pipe descriptor

	Port     PortID
	Interest EventBit // event bits the listener currently wants
	Kind     HandleKind

	// ShutdownFunc, when set, performs the OS-level half-close for the
	// given direction (e.g. shutdown(2) on a socket) the first time
	// SHUTDOWN_READ/SHUTDOWN_WRITE is applied in that direction. Left nil
	// for kinds with no OS-level half-close primitive (pipes, files),
	// where the ClosedRead/ClosedWrite bookkeeping flags alone are enough
	// to stop the backend registration from re-arming that direction.
	ShutdownFunc func(read bool) error

	// Per-direction backend-registration tracking: whether the backend
	// currently has an active read/write registration for this handle.
	ReadArmed  bool
	WriteArmed bool

	// Per-direction shutdown flags, persisting after the OS half-close.
	ClosedRead  bool
	ClosedWrite bool

	// Closing is set when teardown starts (CommandClose received), so that
	// invariant 3 (no further posts after CLOSE_CMD) can be enforced even
	// while the OS close and any deferred I/O complete.
	Closing bool

	// Accepted is the FIFO of child sockets that completed AcceptEx before
	// the listener asserted IN interest (completion backend, listen sockets
	// only).
	Accepted []int

	// Completion backend only: a Handle owns at most one pending read buffer
	// and one pending write buffer, protected by mu because OS completions
	// race with command application from arbitrary pool goroutines.
	mu          sync.Mutex
	pendingRead *ioBuffer
	pendingWrite *ioBuffer
	dataReady   *ioBuffer // a completed read buffer awaiting drain by Read
	lastError   error
}

// wantRegistration computes (interest & not closedDir) per Handle, per
// invariant 1: a Handle's backend registration reflects this at every point
// the loop is about to sleep.
func (h *Handle) wantRegistration() (read, write bool) {
	read = h.Interest&EventIn != 0 && !h.ClosedRead
	write = h.Interest&EventOut != 0 && !h.ClosedWrite
	return
}

// GetError returns the last permanent I/O error recorded for this handle, if
// any (spec §4.F get_error).
func (h *Handle) GetError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

func (h *Handle) setError(err error) {
	h.mu.Lock()
	h.lastError = err
	h.mu.Unlock()
}

// pendingIOCount reports outstanding completion-backend buffers, for the
// fatal-removal check (invariant: Registry.Remove with nonzero pending I/O is
// a programmer error on Variant C).
func (h *Handle) pendingIOCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	if h.pendingRead != nil {
		n++
	}
	if h.pendingWrite != nil {
		n++
	}
	return n
}

// PopAccepted pops the oldest completed AcceptEx result off the Accepted
// FIFO (completion backend, listen sockets only). Callers drain this before
// falling back to a synchronous accept(2)/AcceptEx-less path, since on the
// completion backend a connection may already have completed before the
// listener ever asked for one.
func (h *Handle) PopAccepted() (fd int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Accepted) == 0 {
		return 0, false
	}
	fd = h.Accepted[0]
	h.Accepted = h.Accepted[1:]
	return fd, true
}

// DrainReady copies unread bytes out of a completed overlapped read buffer
// (completion backend only) into p, returning ok=false if no read has
// completed since the last drain. Readiness-backend callers never see a
// dataReady buffer and should read(2)/ReadFile the descriptor directly
// instead.
func (h *Handle) DrainReady(p []byte) (n int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dataReady == nil {
		return 0, false
	}
	var empty bool
	n, empty = h.dataReady.drain(p)
	if empty {
		h.dataReady = nil
	}
	return n, true
}
