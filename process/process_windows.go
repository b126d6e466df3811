//go:build windows

package process

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Signal is a portable termination request; Windows has no POSIX signal
// delivery so only Kill (SIGKILL-equivalent, via TerminateProcess) is
// meaningful. SIGTERM/SIGINT are mapped onto the same forced termination,
// matching the original embedder's Windows fallback.
type Signal int

const (
	SIGTERM Signal = iota
	SIGKILL
	SIGINT
)

var pipeSerial atomic.Uint32

func securityAttributes() *windows.SecurityAttributes {
	return &windows.SecurityAttributes{
		Length:        uint32(unsafe.Sizeof(windows.SecurityAttributes{})),
		InheritHandle: 1,
	}
}

// makePipe creates a plain, synchronous anonymous pipe for ends the child
// process itself reads or writes (stdin's child-held read end): Windows
// anonymous pipes never support FILE_FLAG_OVERLAPPED, but nothing in this
// package ever issues an overlapped op against them, so the limitation
// doesn't matter here.
func makePipe() (r, w int, err error) {
	var rh, wh windows.Handle
	if err := windows.CreatePipe(&rh, &wh, securityAttributes(), 0); err != nil {
		return -1, -1, err
	}
	return int(rh), int(wh), nil
}

// makeOverlappedPipe creates a pipe whose read end (r) is overlapped-capable
// and whose write end (w) is a plain synchronous handle. Windows anonymous
// pipes (windows.CreatePipe) cannot be opened with FILE_FLAG_OVERLAPPED at
// all, so a read end that will be driven by the IOCP completion backend
// (poller_windows.go's beginRead, armed for HandleKindPipe/
// HandleKindProcessExitPipe) must instead be a uniquely-named byte-mode pipe
// with exactly one instance — the same technique Go's own os.Pipe uses on
// Windows to make one end overlapped-capable. Grounded in general Windows
// named-pipe API usage (CreateNamedPipe/CreateFile), since neither the
// teacher nor the pack ships an os.Pipe equivalent to read from directly in
// this sandboxed toolchain.
func makeOverlappedPipe() (r, w int, err error) {
	name, err := windows.UTF16PtrFromString(fmt.Sprintf(
		`\\.\pipe\dart-sub003-%d-%d`, windows.GetCurrentProcessId(), pipeSerial.Add(1)))
	if err != nil {
		return -1, -1, err
	}
	rh, err := windows.CreateNamedPipe(name,
		windows.PIPE_ACCESS_INBOUND|windows.FILE_FLAG_OVERLAPPED,
		windows.PIPE_TYPE_BYTE|windows.PIPE_WAIT,
		1, ioBufferHint, ioBufferHint, 0, securityAttributes())
	if err != nil {
		return -1, -1, err
	}
	wh, err := windows.CreateFile(name, windows.GENERIC_WRITE, 0, securityAttributes(),
		windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		_ = windows.CloseHandle(rh)
		return -1, -1, err
	}
	return int(rh), int(wh), nil
}

// ioBufferHint sizes the named pipe's internal kernel buffer; it need not
// match eventhandler's 32 KiB completion-read buffer exactly.
const ioBufferHint = 32 * 1024

func fileFromFD(fd int) *os.File {
	return os.NewFile(uintptr(fd), "")
}

func closeFD(fd int) error { return windows.CloseHandle(windows.Handle(fd)) }

func writeFD(fd int, p []byte) error {
	for len(p) > 0 {
		var written uint32
		if err := windows.WriteFile(windows.Handle(fd), p, &written, nil); err != nil {
			return err
		}
		p = p[written:]
	}
	return nil
}

// killProcess uses TerminateProcess; Windows has no signal-specific
// semantics so sig only affects the exit code reported to the parent.
func killProcess(rec *Record, sig Signal) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(rec.PID))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, uint32(128+int(sig)))
}
