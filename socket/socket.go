// Package socket implements the Socket Layer of spec §4.F: client and
// server sockets built directly over raw OS syscalls (not net.Conn, which
// hides the descriptor the event handler's Handle Registry needs) and
// integrated as Handles with the eventhandler package's Event Loop.
package socket

import (
	"fmt"
	"net"

	"github.com/MarkBennett/dart-sub003/eventhandler"
)

// TempFailure is the wire value (-2) of the transient accept-time condition
// (spec §4.F: "translates a documented set of transient protocol errors
// into TEMP_FAILURE so the listener may resume waiting on IN"). Accept
// itself reports that condition as an error that IsTempFailure recognises;
// it is not a Handle-level error and never populates GetError.
const TempFailure = -2

// Socket is a connected or listening socket registered as an
// eventhandler.Handle. It owns the OS descriptor; Close tears both down
// together.
type Socket struct {
	loop *eventhandler.Loop
	fd   int
	h    *eventhandler.Handle
}

// CreateConnect creates a non-blocking, close-on-exec socket and begins an
// asynchronous connect to addr. Per spec §4.F, success is signalled by a
// zero return from connect(2) or an in-progress error code (EINPROGRESS);
// any other OS error is returned wrapped in an ArgumentError (its Cause)
// rather than becoming an event, per the argument-error class of §7.
func CreateConnect(loop *eventhandler.Loop, addr *net.TCPAddr, port eventhandler.PortID) (*Socket, error) {
	fd, err := createConnect(addr)
	if err != nil {
		return nil, eventhandler.NewArgumentError("CreateConnect", addr.String(), err)
	}
	h, err := loop.RegisterHandle(fd, eventhandler.HandleKindClientSocket, port, eventhandler.EventOut)
	if err != nil {
		_ = closeFD(fd)
		return nil, err
	}
	h.ShutdownFunc = func(read bool) error { return shutdownSocket(fd, read) }
	return &Socket{loop: loop, fd: fd, h: h}, nil
}

// BindListen creates a listening socket bound to addr, per spec §4.F:
// SO_REUSEADDR always set, IPV6_V6ONLY set only when addr's family is IPv6,
// backlog defaulting to the system maximum when backlog<=0. Returns an
// ArgumentError with the message "unparsable bind address" and no cause
// when addr is nil (the distilled spec's literal "-5").
func BindListen(loop *eventhandler.Loop, addr *net.TCPAddr, backlog int, port eventhandler.PortID) (*Socket, error) {
	if addr == nil {
		return nil, eventhandler.NewArgumentError("BindListen", "unparsable bind address", nil)
	}
	fd, err := bindListen(addr, backlog)
	if err != nil {
		return nil, eventhandler.NewArgumentError("BindListen", addr.String(), err)
	}
	h, err := loop.RegisterHandle(fd, eventhandler.HandleKindListenSocket, port, eventhandler.EventIn)
	if err != nil {
		_ = closeFD(fd)
		return nil, err
	}
	return &Socket{loop: loop, fd: fd, h: h}, nil
}

// Accept drains pending connections on a listening Socket until the OS
// reports no more are available, per the original embedder's accept-loop
// backpressure pattern (SPEC_FULL §7): a single IN readiness notification
// may carry an arbitrarily deep backlog, so the caller should loop on
// Accept until IsTempFailure reports its error rather than re-arming IN
// after every single connection.
//
// On the completion backend a connection may already have finished its
// AcceptEx before the listener ever asked for one, so the Handle's Accepted
// FIFO (topped up continuously by dispatchCompletion) is drained first;
// accept(2)/AcceptEx-less fallback only runs when that FIFO is empty, which
// is always the case on the readiness backends.
func (s *Socket) Accept(port eventhandler.PortID) (*Socket, error) {
	fd, ok := s.h.PopAccepted()
	if !ok {
		var err error
		fd, err = accept(s.fd)
		if err != nil {
			if isTemporaryAcceptError(err) {
				return nil, errTempFailure
			}
			return nil, err
		}
	}
	h, err := s.loop.RegisterHandle(fd, eventhandler.HandleKindClientSocket, port, 0)
	if err != nil {
		_ = closeFD(fd)
		return nil, err
	}
	h.ShutdownFunc = func(read bool) error { return shutdownSocket(fd, read) }
	return &Socket{loop: s.loop, fd: fd, h: h}, nil
}

var errTempFailure = fmt.Errorf("socket: accept: temporary failure")

// IsTempFailure reports whether err is the sentinel Accept returns for a
// transient accept-time condition.
func IsTempFailure(err error) bool { return err == errTempFailure }

// Available reports the number of bytes a Read would currently return
// without blocking, without consuming them.
func (s *Socket) Available() int { return available(s.fd) }

// Read drains up to len(p) bytes. EWOULDBLOCK is normalised to (0, nil),
// per spec §7's transient-I/O class.
func (s *Socket) Read(p []byte) (int, error) { return read(s.fd, p) }

// Write makes one send of at most 16 KiB from the front of p, per spec §5's
// backpressure rule for script-originated writes through a scratch buffer,
// and returns how many bytes were sent; the rest of p is not sent.
func (s *Socket) Write(p []byte) (int, error) { return write(s.fd, p) }

// GetPort returns the local port number the socket is bound to.
func (s *Socket) GetPort() (int, error) { return getSockPort(s.fd) }

// GetRemotePeer returns the remote address of a connected socket.
func (s *Socket) GetRemotePeer() (*net.TCPAddr, error) { return getRemotePeer(s.fd) }

// GetError returns the last permanent I/O error recorded on the underlying
// Handle, if any.
func (s *Socket) GetError() error { return s.h.GetError() }

// GetType classifies the descriptor via stat-mode bits (POSIX) or
// GetFileType (Windows), per spec §4.F.
func (s *Socket) GetType() (eventhandler.HandleKind, error) { return getType(s.fd) }

// FD returns the raw OS descriptor, for callers that need it (e.g. process
// pipe wiring) outside the Socket abstraction.
func (s *Socket) FD() int { return s.fd }

// Handle returns the underlying eventhandler.Handle.
func (s *Socket) Handle() *eventhandler.Handle { return s.h }

// SetInterest sends an interest-update control message for this socket's
// Handle to the owning Loop.
func (s *Socket) SetInterest(port eventhandler.PortID, interest eventhandler.EventBit) error {
	return s.loop.SendCommand(s.fd, port, int64(interest))
}

// ShutdownRead half-closes the read direction.
func (s *Socket) ShutdownRead() error {
	return s.loop.SendCommand(s.fd, s.h.Port, int64(eventhandler.CommandShutdownRead))
}

// ShutdownWrite half-closes the write direction.
func (s *Socket) ShutdownWrite() error {
	return s.loop.SendCommand(s.fd, s.h.Port, int64(eventhandler.CommandShutdownWrite))
}

// Close tears the Socket down entirely (CLOSE_CMD).
func (s *Socket) Close() error {
	return s.loop.SendCommand(s.fd, s.h.Port, int64(eventhandler.CommandClose))
}
