//go:build linux

package eventhandler

import "golang.org/x/sys/unix"

const maxPollEvents = 16 // spec §4.E step 2: "receiving up to K events (K=16 typical)"

type fdInfo struct {
	cb     ioCallback
	events ioEvents
	active bool
}

// ioPoller wraps epoll, implementing Variant R of spec §4.D: registrations
// are edge-armed level filters, removed by the Event Loop after each
// dispatch and re-added only when the listener re-asserts interest.
type ioPoller struct {
	epfd     int
	wakeFD   int
	eventBuf [maxPollEvents]unix.EpollEvent
	fds      map[int]*fdInfo
}

func newIOPoller() (*ioPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &ioPoller{epfd: epfd, wakeFD: wakeFD, fds: make(map[int]*fdInfo)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func (p *ioPoller) Close() error {
	_ = unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}

// Wakeup is the only ioPoller method safe to call off the loop goroutine: it
// increments the eventfd counter, unblocking a concurrent PollIO.
func (p *ioPoller) Wakeup() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wakeFD, buf[:])
	return err
}

// RegisterFD registers fd for the given events. kind is accepted only for
// signature parity with the completion backend (poller_windows.go), which
// uses it to decide whether a registration needs AcceptEx/ReadFile issued;
// Variant R has no equivalent need since epoll delivers readiness directly.
func (p *ioPoller) RegisterFD(fd int, kind HandleKind, events ioEvents, cb ioCallback) error {
	if _, exists := p.fds[fd]; exists {
		return ErrFDAlreadyRegistered
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	p.fds[fd] = &fdInfo{cb: cb, events: events, active: true}
	return nil
}

// TopUpAccepts is a no-op on Variant R: epoll reports listen-socket
// readiness directly, with no AcceptEx-style outstanding-operation pool to
// replenish.
func (p *ioPoller) TopUpAccepts(fd int) error { return nil }

func (p *ioPoller) UnregisterFD(fd int) error {
	if _, exists := p.fds[fd]; !exists {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	// EPOLL_CTL_DEL on an fd already closed by the caller returns EBADF,
	// which is expected and ignored: closing the fd implicitly removes it.
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

// ModifyFD updates the events an already-registered fd is armed for. Passing
// 0 for events fully disarms it (invariant 1: registration reflects
// interest&^closed at every point the loop is about to sleep).
func (p *ioPoller) ModifyFD(fd int, events ioEvents) error {
	info, exists := p.fds[fd]
	if !exists {
		return ErrFDNotRegistered
	}
	info.events = events
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// PollIO blocks for up to timeoutMs (negative means forever), dispatching
// each ready fd's callback inline on the loop goroutine. The internal wake fd
// is drained transparently and never dispatched to a caller callback.
func (p *ioPoller) PollIO(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeFD {
			drainWakeFD(p.wakeFD)
			continue
		}
		info, ok := p.fds[fd]
		if !ok || !info.active {
			continue
		}
		ev := epollToEvents(p.eventBuf[i].Events)
		// epoll reports an empty pipe whose writer has closed as EPOLLHUP
		// alone; for a descriptor armed for reading that is a readable EOF,
		// which the Event Loop translates to CLOSE just like kqueue's EV_EOF.
		if ev&ioEventHup != 0 {
			ev |= info.events & ioEventIn
		}
		info.cb(ev, nil)
		dispatched++
	}
	return dispatched, nil
}

func drainWakeFD(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func eventsToEpoll(events ioEvents) uint32 {
	var e uint32
	if events&ioEventIn != 0 {
		// EPOLLRDHUP is only reported when requested; it is how a peer's
		// FIN (close or write shutdown) on a socket becomes visible.
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&ioEventOut != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) ioEvents {
	var events ioEvents
	if e&unix.EPOLLIN != 0 {
		events |= ioEventIn
	}
	if e&unix.EPOLLOUT != 0 {
		events |= ioEventOut
	}
	if e&unix.EPOLLERR != 0 {
		events |= ioEventErr
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= ioEventHup
	}
	return events
}
