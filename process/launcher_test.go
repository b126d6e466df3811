//go:build linux || darwin

package process

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/MarkBennett/dart-sub003/eventhandler"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *eventhandler.Loop {
	t.Helper()
	loop, err := eventhandler.New(eventhandler.WithNoopLogger(), eventhandler.WithIdleTimeout(50*time.Millisecond))
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
	require.Eventually(t, func() bool { return loop.State() != eventhandler.StateIdle }, time.Second, time.Millisecond)
	return loop
}

func TestExitPipeRecord_PositiveExit(t *testing.T) {
	rec := ExitPipeRecord(7)
	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(rec[0:4]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(rec[4:8]))
}

func TestExitPipeRecord_NegativeExit(t *testing.T) {
	rec := ExitPipeRecord(-3)
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(rec[0:4]))
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(rec[4:8]))
}

// TestLauncher_Spawn_ExitPipe mirrors scenario S5: spawning `sh -c "exit 7"`
// posts IN on the exit-pipe Handle's port once the exit record is written,
// and the process record is removed once the wait goroutine observes the
// child's exit. The record's bytes themselves are checked by the
// ExitPipeRecord tests above.
func TestLauncher_Spawn_ExitPipe(t *testing.T) {
	loop := newTestLoop(t)
	launcher := NewLauncher(loop)

	exitPort, exitCh := loop.Ports().NewPort()
	rec, err := launcher.Spawn("/bin/sh", []string{"-c", "exit 7"}, 0, 0, 0, exitPort)
	require.NoError(t, err)
	require.Positive(t, rec.PID)

	// First an IN notification that the exit-pipe record is ready...
	select {
	case msg := <-exitCh:
		require.Equal(t, int32(eventhandler.EventIn), msg.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit-pipe IN")
	}

	launcher.mu.Lock()
	_, stillTracked := launcher.records[rec.PID]
	launcher.mu.Unlock()
	require.False(t, stillTracked, "process record should be removed once the exit pipe write completes")
}

func TestLauncher_Kill_UnknownPID(t *testing.T) {
	loop := newTestLoop(t)
	launcher := NewLauncher(loop)
	err := launcher.Kill(999999, SIGTERM)
	require.Error(t, err)
}

// TestLauncher_SpawnRateLimited exercises the go-catrate wiring: repeated
// spawn attempts for the same program path are throttled once the rate
// (5/s) is exceeded, distinguishable from an ordinary spawn failure by its
// error message.
func TestLauncher_SpawnRateLimited(t *testing.T) {
	loop := newTestLoop(t)
	launcher := NewLauncher(loop)

	const program = "/nonexistent/program/for/rate/limit/test"
	var sawRateLimited bool
	for i := 0; i < 10; i++ {
		_, err := launcher.Spawn(program, nil, 0, 0, 0, 0)
		require.Error(t, err)
		if argErr, ok := err.(*eventhandler.ArgumentError); ok && argErr.Op == "Spawn" && argErr.Message != program {
			sawRateLimited = true
			break
		}
	}
	require.True(t, sawRateLimited, "expected the rate limiter to reject a spawn attempt within 10 rapid calls")
}
