//go:build darwin

package eventhandler

import "golang.org/x/sys/unix"

const maxPollEvents = 16

type fdInfo struct {
	cb     ioCallback
	events ioEvents
	active bool
}

// ioPoller wraps kqueue, implementing Variant R of spec §4.D. Kqueue has no
// eventfd equivalent, so the internal wake primitive is a non-blocking
// self-pipe whose read end is registered for EVFILT_READ.
type ioPoller struct {
	kq       int
	wakeRead int
	wakeWrite int
	eventBuf [maxPollEvents]unix.Kevent_t
	fds      map[int]*fdInfo
}

func newIOPoller() (*ioPoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}

	p := &ioPoller{kq: kq, wakeRead: fds[0], wakeWrite: fds[1], fds: make(map[int]*fdInfo)}
	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  uint64(p.wakeRead),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(kq)
		return nil, err
	}
	return p, nil
}

func (p *ioPoller) Close() error {
	_ = unix.Close(p.wakeRead)
	_ = unix.Close(p.wakeWrite)
	return unix.Close(p.kq)
}

// Wakeup is the only ioPoller method safe to call off the loop goroutine.
func (p *ioPoller) Wakeup() error {
	for {
		_, err := unix.Write(p.wakeWrite, []byte{1})
		if err == nil || err == unix.EAGAIN {
			return nil
		}
		if err != unix.EINTR {
			return err
		}
	}
}

// RegisterFD registers fd for the given events. kind is accepted only for
// signature parity with the completion backend (poller_windows.go), which
// uses it to decide whether a registration needs AcceptEx/ReadFile issued;
// Variant R has no equivalent need since kqueue delivers readiness directly.
func (p *ioPoller) RegisterFD(fd int, kind HandleKind, events ioEvents, cb ioCallback) error {
	if _, exists := p.fds[fd]; exists {
		return ErrFDAlreadyRegistered
	}
	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = &fdInfo{cb: cb, events: events, active: true}
	return nil
}

// TopUpAccepts is a no-op on Variant R: kqueue reports listen-socket
// readiness directly, with no AcceptEx-style outstanding-operation pool to
// replenish.
func (p *ioPoller) TopUpAccepts(fd int) error { return nil }

func (p *ioPoller) UnregisterFD(fd int) error {
	if _, exists := p.fds[fd]; !exists {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	return nil // closing the fd implicitly drops it from the kqueue
}

func (p *ioPoller) ModifyFD(fd int, events ioEvents) error {
	info, exists := p.fds[fd]
	if !exists {
		return ErrFDNotRegistered
	}
	old := info.events
	info.events = events
	if del := old &^ events; del != 0 {
		if kevents := eventsToKevents(fd, del, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(p.kq, kevents, nil, nil)
		}
	}
	if add := events &^ old; add != 0 {
		if kevents := eventsToKevents(fd, add, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *ioPoller) PollIO(timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd == p.wakeRead {
			drainWakeFD(p.wakeRead)
			continue
		}
		info, ok := p.fds[fd]
		if !ok || !info.active {
			continue
		}
		info.cb(keventToEvents(&p.eventBuf[i]), nil)
		dispatched++
	}
	return dispatched, nil
}

func drainWakeFD(fd int) {
	var buf [512]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n == 0 {
			return
		}
	}
}

func eventsToKevents(fd int, events ioEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&ioEventIn != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&ioEventOut != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) ioEvents {
	var events ioEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= ioEventIn
	case unix.EVFILT_WRITE:
		events |= ioEventOut
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= ioEventErr
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= ioEventHup
	}
	return events
}
