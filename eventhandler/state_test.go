package eventhandler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopState_InitialIsIdle(t *testing.T) {
	s := newLoopState()
	require.Equal(t, StateIdle, s.Load())
}

func TestLoopState_TryTransition(t *testing.T) {
	s := newLoopState()
	require.True(t, s.TryTransition(StateIdle, StateDispatching))
	require.Equal(t, StateDispatching, s.Load())

	// Wrong "from" fails and leaves state untouched.
	require.False(t, s.TryTransition(StateIdle, StateSleeping))
	require.Equal(t, StateDispatching, s.Load())
}

func TestLoopState_Store(t *testing.T) {
	s := newLoopState()
	s.Store(StateTerminating)
	require.Equal(t, StateTerminating, s.Load())
}

func TestLoopState_String(t *testing.T) {
	require.Equal(t, "Idle", StateIdle.String())
	require.Equal(t, "Dispatching", StateDispatching.String())
	require.Equal(t, "Sleeping", StateSleeping.String())
	require.Equal(t, "Terminating", StateTerminating.String())
	require.Equal(t, "Unknown", LoopState(99).String())
}
