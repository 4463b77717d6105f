package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPSendRecvLoopback(t *testing.T) {
	a, err := Listen(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer a.Close()

	b, err := Dial(nil, a.LocalAddr())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Send([]byte("hello")))

	raw, peer, err := a.RecvFrom(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
	assert.NotNil(t, peer)
}

func TestUDPRecvTimeout(t *testing.T) {
	a, err := Listen(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestUDPSendToExplicitPeer(t *testing.T) {
	a, err := Listen(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SendTo([]byte("ping"), b.LocalAddr()))

	raw, err := b.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(raw))
}
