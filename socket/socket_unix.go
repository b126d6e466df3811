//go:build linux || darwin

package socket

import (
	"net"

	"github.com/MarkBennett/dart-sub003/eventhandler"
	"golang.org/x/sys/unix"
)

func closeFD(fd int) error { return unix.Close(fd) }

// shutdownSocket performs the OS-level half-close a Handle's ShutdownFunc
// hook invokes on SHUTDOWN_READ/SHUTDOWN_WRITE, per scenario S6: the peer
// must observe an actual EOF, not just local bookkeeping.
func shutdownSocket(fd int, read bool) error {
	how := unix.SHUT_WR
	if read {
		how = unix.SHUT_RD
	}
	return unix.Shutdown(fd, how)
}

func createConnect(addr *net.TCPAddr) (int, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	sa, err := tcpAddrToSockaddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func bindListen(addr *net.TCPAddr, backlog int) (int, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	// SO_REUSEADDR is set unconditionally, matching socket_linux.cc.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	// IPV6_V6ONLY is set only when the parsed address family is IPv6
	// (SPEC_FULL §7's "conditional dual-stack" supplement).
	if domain == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}

	sa, err := tcpAddrToSockaddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func accept(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return nfd, nil
}

// isTemporaryAcceptError mirrors socket_linux.cc's IsTemporaryAcceptError:
// the documented set of transient protocol errors a listener should just
// retry on, rather than treat as a Handle-level failure.
func isTemporaryAcceptError(err error) bool {
	switch err {
	case unix.EAGAIN, unix.EWOULDBLOCK, unix.ECONNABORTED, unix.EPROTO, unix.EINTR:
		return true
	default:
		return false
	}
}

func available(fd int) int {
	n, err := unix.IoctlGetInt(fd, unix.FIONREAD)
	if err != nil {
		return 0
	}
	return n
}

func read(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

const writeChunkSize = 16 * 1024

func write(fd int, p []byte) (int, error) {
	if len(p) > writeChunkSize {
		p = p[:writeChunkSize]
	}
	n, err := unix.Write(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func getSockPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port, nil
	case *unix.SockaddrInet6:
		return sa.Port, nil
	default:
		return 0, unix.EAFNOSUPPORT
	}
}

func getRemotePeer(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, err
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}, nil
	default:
		return nil, unix.EAFNOSUPPORT
	}
}

// getType classifies fd via fstat mode bits, per spec §4.F.
func getType(fd int) (eventhandler.HandleKind, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFSOCK:
		return eventhandler.HandleKindClientSocket, nil
	case unix.S_IFIFO:
		return eventhandler.HandleKindPipe, nil
	default:
		return eventhandler.HandleKindFile, nil
	}
}

func tcpAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To16())
	return &sa, nil
}
