package eventhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerWheel_Unarmed(t *testing.T) {
	w := newTimerWheel()
	require.Equal(t, -1, w.nextTimeoutMs(time.Now()))
	_, _, ok := w.fire(time.Now())
	require.False(t, ok)
}

func TestTimerWheel_ArmThenFire(t *testing.T) {
	w := newTimerWheel()
	now := time.Now()
	w.arm(now.Add(10*time.Millisecond), PortID(7), 42)

	require.Greater(t, w.nextTimeoutMs(now), 0)

	// Not yet due.
	_, _, ok := w.fire(now)
	require.False(t, ok)

	due := now.Add(11 * time.Millisecond)
	port, data, ok := w.fire(due)
	require.True(t, ok)
	require.Equal(t, PortID(7), port)
	require.Equal(t, int64(42), data)

	// Firing disarms; a second fire at the same time is a no-op.
	_, _, ok = w.fire(due)
	require.False(t, ok)
	require.Equal(t, -1, w.nextTimeoutMs(due))
}

func TestTimerWheel_LaterArmReplacesEarlier(t *testing.T) {
	w := newTimerWheel()
	now := time.Now()
	w.arm(now.Add(time.Second), PortID(1), 1)
	w.arm(now.Add(2*time.Second), PortID(2), 2)

	port, data, ok := w.fire(now.Add(3 * time.Second))
	require.True(t, ok)
	require.Equal(t, PortID(2), port)
	require.Equal(t, int64(2), data)
}

func TestTimerWheel_Disarm(t *testing.T) {
	w := newTimerWheel()
	w.arm(time.Now().Add(time.Millisecond), PortID(1), 1)
	w.disarm()
	require.Equal(t, -1, w.nextTimeoutMs(time.Now()))
}

func TestTimerWheel_NextTimeoutMs_DueIsZero(t *testing.T) {
	w := newTimerWheel()
	now := time.Now()
	w.arm(now.Add(-time.Second), PortID(1), 1)
	require.Equal(t, 0, w.nextTimeoutMs(now))
}
