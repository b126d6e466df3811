//go:build windows

package socket

import (
	"net"

	"github.com/MarkBennett/dart-sub003/eventhandler"
	"golang.org/x/sys/windows"
)

func closeFD(fd int) error { return windows.Closesocket(windows.Handle(fd)) }

// shutdownSocket performs the OS-level half-close a Handle's ShutdownFunc
// hook invokes on SHUTDOWN_READ/SHUTDOWN_WRITE, per scenario S6.
func shutdownSocket(fd int, read bool) error {
	how := windows.SHUT_WR
	if read {
		how = windows.SHUT_RD
	}
	return windows.Shutdown(windows.Handle(fd), how)
}

func createConnect(addr *net.TCPAddr) (int, error) {
	family := windows.AF_INET
	if addr.IP.To4() == nil {
		family = windows.AF_INET6
	}
	fd, err := windows.Socket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := windows.SetNonblock(fd, true); err != nil {
		_ = windows.Closesocket(fd)
		return -1, err
	}
	sa, err := tcpAddrToSockaddr(addr)
	if err != nil {
		_ = windows.Closesocket(fd)
		return -1, err
	}
	err = windows.Connect(fd, sa)
	if err != nil && err != windows.WSAEWOULDBLOCK {
		_ = windows.Closesocket(fd)
		return -1, err
	}
	return int(fd), nil
}

func bindListen(addr *net.TCPAddr, backlog int) (int, error) {
	family := windows.AF_INET
	if addr.IP.To4() == nil {
		family = windows.AF_INET6
	}
	fd, err := windows.Socket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := windows.SetsockoptInt(fd, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); err != nil {
		_ = windows.Closesocket(fd)
		return -1, err
	}
	if family == windows.AF_INET6 {
		if err := windows.SetsockoptInt(fd, windows.IPPROTO_IPV6, windows.IPV6_V6ONLY, 1); err != nil {
			_ = windows.Closesocket(fd)
			return -1, err
		}
	}
	sa, err := tcpAddrToSockaddr(addr)
	if err != nil {
		_ = windows.Closesocket(fd)
		return -1, err
	}
	if err := windows.Bind(fd, sa); err != nil {
		_ = windows.Closesocket(fd)
		return -1, err
	}
	if backlog <= 0 {
		backlog = windows.SOMAXCONN
	}
	if err := windows.Listen(fd, backlog); err != nil {
		_ = windows.Closesocket(fd)
		return -1, err
	}
	if err := windows.SetNonblock(fd, true); err != nil {
		_ = windows.Closesocket(fd)
		return -1, err
	}
	return int(fd), nil
}

// accept is a synchronous fallback used when the listener hasn't yet topped
// up its AcceptEx queue (spec §4.D Variant C: "Always top up to 5
// outstanding accepts" — the steady-state path is serviced by
// dispatchCompletion's ioOpAccept case instead of this function).
func accept(fd int) (int, error) {
	nfd, _, err := windows.Accept(windows.Handle(fd))
	if err != nil {
		return -1, err
	}
	return int(nfd), nil
}

func isTemporaryAcceptError(err error) bool {
	switch err {
	case windows.WSAEWOULDBLOCK, windows.WSAECONNRESET:
		return true
	default:
		return false
	}
}

// available, read and write use synchronous WSARecv/WSASend against the
// non-blocking socket rather than routing through the Handle's completion
// machinery: the IOCP path (loop.go's dispatchCompletion) exists to
// classify accept/exit-pipe completions asynchronously, but ordinary data
// transfer on an already-readable/writable socket is simpler and
// sufficiently non-blocking this way, matching EWOULDBLOCK normalisation
// on the POSIX backends.
func available(fd int) int {
	var buf [1]byte
	var received, flags uint32
	wsabuf := windows.WSABuf{Len: 0, Buf: &buf[0]}
	if err := windows.WSARecv(windows.Handle(fd), &wsabuf, 1, &received, &flags, nil, nil); err != nil {
		return 0
	}
	return int(received)
}

func read(fd int, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var received, flags uint32
	wsabuf := windows.WSABuf{Len: uint32(len(p)), Buf: &p[0]}
	err := windows.WSARecv(windows.Handle(fd), &wsabuf, 1, &received, &flags, nil, nil)
	if err != nil {
		if err == windows.WSAEWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	return int(received), nil
}

const writeChunkSize = 16 * 1024

func write(fd int, p []byte) (int, error) {
	if len(p) > writeChunkSize {
		p = p[:writeChunkSize]
	}
	if len(p) == 0 {
		return 0, nil
	}
	var sent uint32
	wsabuf := windows.WSABuf{Len: uint32(len(p)), Buf: &p[0]}
	err := windows.WSASend(windows.Handle(fd), &wsabuf, 1, &sent, 0, nil, nil)
	if err != nil {
		if err == windows.WSAEWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	return int(sent), nil
}

func getSockPort(fd int) (int, error) {
	sa, err := windows.Getsockname(windows.Handle(fd))
	if err != nil {
		return 0, err
	}
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return sa.Port, nil
	case *windows.SockaddrInet6:
		return sa.Port, nil
	default:
		return 0, windows.WSAEAFNOSUPPORT
	}
}

func getRemotePeer(fd int) (*net.TCPAddr, error) {
	sa, err := windows.Getpeername(windows.Handle(fd))
	if err != nil {
		return nil, err
	}
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}, nil
	case *windows.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}, nil
	default:
		return nil, windows.WSAEAFNOSUPPORT
	}
}

// getType classifies fd via GetFileType, per spec §4.F. Sockets report
// FILE_TYPE_PIPE on Windows in some edge cases, so a socket created via
// this package is always known to be a socket by construction; GetType is
// provided mainly for the Process Launcher's pipe-vs-file pipes.
func getType(fd int) (eventhandler.HandleKind, error) {
	t, err := windows.GetFileType(windows.Handle(fd))
	if err != nil {
		return 0, err
	}
	switch t {
	case windows.FILE_TYPE_PIPE:
		return eventhandler.HandleKindPipe, nil
	case windows.FILE_TYPE_DISK:
		return eventhandler.HandleKindFile, nil
	default:
		return eventhandler.HandleKindClientSocket, nil
	}
}

func tcpAddrToSockaddr(addr *net.TCPAddr) (windows.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa windows.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	var sa windows.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To16())
	return &sa, nil
}
