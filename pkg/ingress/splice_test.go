package ingress

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpliceRelaysBothDirections(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	done := make(chan struct{})
	go func() {
		splice(aServer, bServer)
		close(done)
	}()

	go func() {
		_, _ = aClient.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	_, err := io.ReadFull(bClient, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	go func() {
		_, _ = bClient.Write([]byte("pong"))
	}()
	buf2 := make([]byte, 4)
	_, err = io.ReadFull(aClient, buf2)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf2))

	aClient.Close()
	bClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not return after both ends closed")
	}
}

func TestIsClosedDetectsNetErrClosed(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, acceptErr := l.Accept()
	require.True(t, isClosed(acceptErr))
}
