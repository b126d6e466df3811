//go:build linux || darwin

package process

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal is the portable alias for an OS termination signal.
type Signal = syscall.Signal

const (
	SIGTERM = unix.SIGTERM
	SIGKILL = unix.SIGKILL
	SIGINT  = unix.SIGINT
)

func makePipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// makeOverlappedPipe is makePipe on POSIX: epoll/kqueue need no distinct
// pipe construction for a Handle that will be read asynchronously, unlike
// Windows where an anonymous-pipe read end can never be driven by IOCP.
func makeOverlappedPipe() (r, w int, err error) { return makePipe() }

func fileFromFD(fd int) *os.File {
	return os.NewFile(uintptr(fd), "")
}

func closeFD(fd int) error { return unix.Close(fd) }

func writeFD(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

func killProcess(rec *Record, sig Signal) error {
	return unix.Kill(rec.PID, sig)
}
