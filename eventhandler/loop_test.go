//go:build linux || darwin

package eventhandler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := New(WithNoopLogger(), WithIdleTimeout(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("loop did not shut down within 1s")
		}
	})

	// Give the loop goroutine a moment to reach StateSleeping/Dispatching
	// before the test starts issuing requests against it.
	require.Eventually(t, func() bool {
		return loop.State() != StateIdle
	}, time.Second, time.Millisecond)

	return loop
}

// TestLoop_PipeReadWriteRoundTrip mirrors scenario S1 (echo loopback) using
// an OS pipe in place of a socket pair: write into one end, observe IN
// delivered on the listener port bound to the read end.
func TestLoop_PipeReadWriteRoundTrip(t *testing.T) {
	loop := newTestLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	port, ch := loop.Ports().NewPort()
	_, err = loop.RegisterHandle(int(r.Fd()), HandleKindPipe, port, EventIn)
	require.NoError(t, err)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case msg := <-ch:
		require.False(t, msg.Null)
		require.Equal(t, int32(EventIn), msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for IN event")
	}
}

// TestLoop_PeerClose mirrors scenario S2: closing the write end of a pipe
// must deliver CLOSE to a reader with IN interest asserted.
func TestLoop_PeerClose(t *testing.T) {
	loop := newTestLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	port, ch := loop.Ports().NewPort()
	_, err = loop.RegisterHandle(int(r.Fd()), HandleKindPipe, port, EventIn)
	require.NoError(t, err)

	require.NoError(t, w.Close())

	select {
	case msg := <-ch:
		require.False(t, msg.Null)
		require.Equal(t, int32(EventClose), msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CLOSE event")
	}
}

// TestLoop_LevelTriggeredReassert verifies the "interest is consumed on
// delivery; listener must re-assert" rule: after one IN delivery, a second
// write produces no further delivery until the listener re-sends interest.
func TestLoop_LevelTriggeredReassert(t *testing.T) {
	loop := newTestLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	port, ch := loop.Ports().NewPort()
	h, err := loop.RegisterHandle(int(r.Fd()), HandleKindPipe, port, EventIn)
	require.NoError(t, err)

	_, err = w.Write([]byte("a"))
	require.NoError(t, err)
	<-ch

	_, err = w.Write([]byte("b"))
	require.NoError(t, err)
	select {
	case msg := <-ch:
		t.Fatalf("unexpected delivery after interest was consumed: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, loop.SendCommand(h.OSID, port, int64(EventIn)))
	select {
	case msg := <-ch:
		require.Equal(t, int32(EventIn), msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for re-armed IN event")
	}
}

// TestLoop_Timer mirrors scenario S3: an armed timer posts a null message to
// its bound port once, at or after its deadline.
func TestLoop_Timer(t *testing.T) {
	loop := newTestLoop(t)
	port, ch := loop.Ports().NewPort()

	start := time.Now()
	require.NoError(t, loop.ArmTimer(start.Add(30*time.Millisecond), port))

	select {
	case msg := <-ch:
		require.True(t, msg.Null)
		require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer post")
	}
}

// TestLoop_CloseHandle_NoPostsAfterClose verifies invariant 3: once
// CLOSE_CMD has been applied, no further events are posted for that Handle.
func TestLoop_CloseHandle_NoPostsAfterClose(t *testing.T) {
	loop := newTestLoop(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	port, ch := loop.Ports().NewPort()
	h, err := loop.RegisterHandle(int(r.Fd()), HandleKindPipe, port, EventIn)
	require.NoError(t, err)

	require.NoError(t, loop.CloseHandle(h.OSID, port))
	time.Sleep(50 * time.Millisecond) // let the loop goroutine apply CLOSE_CMD

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case msg := <-ch:
		t.Fatalf("unexpected post after CLOSE_CMD: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoop_RunTwice_ReturnsAlreadyRunning(t *testing.T) {
	loop, err := New(WithNoopLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	require.Eventually(t, func() bool { return loop.State() != StateIdle }, time.Second, time.Millisecond)

	require.ErrorIs(t, loop.Run(context.Background()), ErrLoopAlreadyRunning)

	cancel()
	<-done
}
