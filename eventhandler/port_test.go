package eventhandler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortSink_NewPort_IDsStartAtOne(t *testing.T) {
	s := NewPortSink()
	id1, _ := s.NewPort()
	id2, _ := s.NewPort()
	require.Equal(t, PortID(1), id1)
	require.Equal(t, PortID(2), id2)
}

func TestPortSink_PostInt32_DeliversToLivePort(t *testing.T) {
	s := NewPortSink()
	id, ch := s.NewPort()
	s.PostInt32(id, int32(EventIn))

	msg := <-ch
	require.False(t, msg.Null)
	require.Equal(t, int32(EventIn), msg.Value)
}

func TestPortSink_PostNull_IsTimerShape(t *testing.T) {
	s := NewPortSink()
	id, ch := s.NewPort()
	s.PostNull(id)

	msg := <-ch
	require.True(t, msg.Null)
}

func TestPortSink_PostToUnknownPort_SilentlyDropped(t *testing.T) {
	s := NewPortSink()
	require.NotPanics(t, func() { s.PostInt32(PortID(999), 1) })
}

func TestPortSink_PostToClosedPort_SilentlyDropped(t *testing.T) {
	s := NewPortSink()
	id, _ := s.NewPort()
	s.ClosePort(id)
	require.NotPanics(t, func() { s.PostInt32(id, 1) })
}

func TestPortSink_FIFO_PerPort(t *testing.T) {
	s := NewPortSink()
	id, ch := s.NewPort()
	for i := int32(0); i < 5; i++ {
		s.PostInt32(id, i)
	}
	for i := int32(0); i < 5; i++ {
		require.Equal(t, i, (<-ch).Value)
	}
}
