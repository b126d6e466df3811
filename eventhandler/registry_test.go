package eventhandler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreate_ReturnsSameHandle(t *testing.T) {
	r := newRegistry()
	h1 := r.GetOrCreate(5, HandleKindClientSocket)
	h2 := r.GetOrCreate(5, HandleKindListenSocket)
	require.Same(t, h1, h2)
	require.Equal(t, HandleKindClientSocket, h1.Kind, "kind is fixed at creation, not updated on lookup")
	require.Equal(t, 1, r.Len())
}

func TestRegistry_Lookup_Unknown(t *testing.T) {
	r := newRegistry()
	require.Nil(t, r.Lookup(99))
}

func TestRegistry_Remove_NotFound(t *testing.T) {
	r := newRegistry()
	require.ErrorIs(t, r.Remove(1), ErrHandleNotFound)
}

func TestRegistry_Remove_BusyWithPendingIO(t *testing.T) {
	r := newRegistry()
	h := r.GetOrCreate(3, HandleKindClientSocket)
	h.pendingRead = &ioBuffer{}
	require.ErrorIs(t, r.Remove(3), ErrHandleBusy)
	require.Equal(t, 1, r.Len(), "busy handle must not be removed")
}

func TestRegistry_Remove_Succeeds(t *testing.T) {
	r := newRegistry()
	r.GetOrCreate(3, HandleKindClientSocket)
	require.NoError(t, r.Remove(3))
	require.Equal(t, 0, r.Len())
	require.Nil(t, r.Lookup(3))
}

func TestRegistry_Each(t *testing.T) {
	r := newRegistry()
	r.GetOrCreate(1, HandleKindFile)
	r.GetOrCreate(2, HandleKindPipe)
	seen := make(map[int]HandleKind)
	r.Each(func(h *Handle) { seen[h.OSID] = h.Kind })
	require.Equal(t, map[int]HandleKind{1: HandleKindFile, 2: HandleKindPipe}, seen)
}

func TestHandle_WantRegistration(t *testing.T) {
	h := &Handle{Interest: EventIn | EventOut}
	read, write := h.wantRegistration()
	require.True(t, read)
	require.True(t, write)

	h.ClosedRead = true
	read, write = h.wantRegistration()
	require.False(t, read)
	require.True(t, write)
}

func TestHandle_GetError_SetError(t *testing.T) {
	h := &Handle{}
	require.NoError(t, h.GetError())
	h.setError(ErrHandleBusy)
	require.ErrorIs(t, h.GetError(), ErrHandleBusy)
}

func TestHandle_PendingIOCount(t *testing.T) {
	h := &Handle{}
	require.Equal(t, 0, h.pendingIOCount())
	h.pendingRead = &ioBuffer{}
	require.Equal(t, 1, h.pendingIOCount())
	h.pendingWrite = &ioBuffer{}
	require.Equal(t, 2, h.pendingIOCount())
}
