//go:build linux || darwin

package socket

import (
	"context"
	"net"
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

func loopbackAddr(t *testing.T) *net.TCPAddr {
	t.Helper()
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

// TestSocket_EchoLoopback mirrors scenario S1: connect, write, read back on
// the peer, confirming IN is delivered to the listener bound to a
// connected socket's read direction.
func TestSocket_EchoLoopback(t *testing.T) {
	loop := newTestLoop(t)

	listenPort, listenCh := loop.Ports().NewPort()
	listener, err := BindListen(loop, loopbackAddr(t), 0, listenPort)
	require.NoError(t, err)
	defer listener.Close()

	boundPort, err := listener.GetPort()
	require.NoError(t, err)

	connPort, connCh := loop.Ports().NewPort()
	client, err := CreateConnect(loop, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: boundPort}, connPort)
	require.NoError(t, err)
	defer client.Close()

	// Drain the listener's IN for the pending accept.
	select {
	case msg := <-listenCh:
		require.Equal(t, int32(eventhandler.EventIn), msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for listener IN")
	}

	acceptPort, acceptCh := loop.Ports().NewPort()
	peer, err := listener.Accept(acceptPort)
	require.NoError(t, err)
	defer peer.Close()

	require.NoError(t, peer.SetInterest(acceptPort, eventhandler.EventIn))

	// The client side becomes writable once connected.
	select {
	case msg := <-connCh:
		require.Equal(t, int32(eventhandler.EventOut), msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client OUT (connected)")
	}

	n, err := client.Write([]byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	select {
	case msg := <-acceptCh:
		require.Equal(t, int32(eventhandler.EventIn), msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted-peer IN")
	}

	buf := make([]byte, 16)
	n, err = peer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

// TestSocket_PeerClose mirrors scenario S2: closing the client delivers
// CLOSE to the accepted peer's listener port.
func TestSocket_PeerClose(t *testing.T) {
	loop := newTestLoop(t)

	listenPort, listenCh := loop.Ports().NewPort()
	listener, err := BindListen(loop, loopbackAddr(t), 0, listenPort)
	require.NoError(t, err)
	defer listener.Close()

	boundPort, err := listener.GetPort()
	require.NoError(t, err)

	connPort, _ := loop.Ports().NewPort()
	client, err := CreateConnect(loop, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: boundPort}, connPort)
	require.NoError(t, err)

	<-listenCh // accept-pending IN

	acceptPort, acceptCh := loop.Ports().NewPort()
	peer, err := listener.Accept(acceptPort)
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.SetInterest(acceptPort, eventhandler.EventIn))

	require.NoError(t, client.Close())

	select {
	case msg := <-acceptCh:
		require.Equal(t, int32(eventhandler.EventClose), msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CLOSE on peer close")
	}
}

// TestSocket_Accept_DrainsUntilTempFailure mirrors scenario S4: a listener
// with multiple pending connections must be drained in a loop until
// TempFailure, not just once per IN notification.
func TestSocket_Accept_DrainsUntilTempFailure(t *testing.T) {
	loop := newTestLoop(t)

	listenPort, listenCh := loop.Ports().NewPort()
	listener, err := BindListen(loop, loopbackAddr(t), 0, listenPort)
	require.NoError(t, err)
	defer listener.Close()

	boundPort, err := listener.GetPort()
	require.NoError(t, err)
	dialAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: boundPort}

	const n = 3
	clients := make([]*Socket, 0, n)
	for i := 0; i < n; i++ {
		p, _ := loop.Ports().NewPort()
		c, err := CreateConnect(loop, dialAddr, p)
		require.NoError(t, err)
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	require.Eventually(t, func() bool { return len(listenCh) > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let remaining connections settle in the backlog

	accepted := 0
	acceptPort, _ := loop.Ports().NewPort()
	for {
		peer, err := listener.Accept(acceptPort)
		if err != nil {
			require.True(t, IsTempFailure(err))
			break
		}
		accepted++
		peer.Close()
	}
	require.Equal(t, n, accepted)
}

// TestSocket_HalfCloseWrite mirrors scenario S6: ShutdownWrite on the client
// performs a real OS half-close, so the accepted peer's listener receives
// CLOSE for its read direction.
func TestSocket_HalfCloseWrite(t *testing.T) {
	loop := newTestLoop(t)

	listenPort, listenCh := loop.Ports().NewPort()
	listener, err := BindListen(loop, loopbackAddr(t), 0, listenPort)
	require.NoError(t, err)
	defer listener.Close()

	boundPort, err := listener.GetPort()
	require.NoError(t, err)

	connPort, _ := loop.Ports().NewPort()
	client, err := CreateConnect(loop, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: boundPort}, connPort)
	require.NoError(t, err)
	defer client.Close()

	<-listenCh

	acceptPort, acceptCh := loop.Ports().NewPort()
	peer, err := listener.Accept(acceptPort)
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.SetInterest(acceptPort, eventhandler.EventIn))

	require.NoError(t, client.ShutdownWrite())

	select {
	case msg := <-acceptCh:
		require.Equal(t, int32(eventhandler.EventClose), msg.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CLOSE from half-closed write")
	}
}
