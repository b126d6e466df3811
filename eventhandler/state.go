package eventhandler

import "sync/atomic"

// LoopState is one state of the Event Loop's state machine, per spec §4.E:
//
//	IDLE -> DISPATCHING -> SLEEPING -> DISPATCHING -> ... -> IDLE (shutdown)
//
// Values are intentionally explicit (not iota-derived) so a serialized state
// value is stable across builds.
type LoopState uint32

const (
	// StateIdle is the state before Run is called, and the terminal state
	// once shutdown completes.
	StateIdle LoopState = 0
	// StateDispatching is set while the loop is draining interrupts and
	// translating/posting events; it never blocks in this state.
	StateDispatching LoopState = 1
	// StateSleeping is set while the loop is blocked in the backend wait.
	StateSleeping LoopState = 2
	// StateTerminating is set once shutdown has been requested but the final
	// iteration has not yet completed.
	StateTerminating LoopState = 3
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDispatching:
		return "Dispatching"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free state holder using atomic CAS, cache-line padded
// to avoid false sharing with neighbouring hot fields on the Loop.
type loopState struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

func newLoopState() *loopState {
	s := &loopState{}
	s.v.Store(uint32(StateIdle))
	return s
}

func (s *loopState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *loopState) Store(state LoopState) { s.v.Store(uint32(state)) }

// TryTransition attempts an atomic from->to transition, returning whether it
// succeeded.
func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
