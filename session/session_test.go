package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aj-web/weak-network-video-streaming/transport"
	"github.com/stretchr/testify/require"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestConnectSucceedsWhenReplyArrivesImmediately(t *testing.T) {
	s := New(testAddr(9200), 512, 8, 0.2, 100*time.Millisecond, 300*time.Millisecond, time.Now())

	err := s.Connect(context.Background(), func() error {
		s.OnReply(time.Now())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, transport.StateEstablished, s.State())
}

func TestConnectTimesOutWithNoReply(t *testing.T) {
	s := New(testAddr(9201), 512, 8, 0.2, 100*time.Millisecond, 300*time.Millisecond, time.Now())
	s.heartbeatInterval = 5 * time.Millisecond
	s.connectTimeout = 20 * time.Millisecond

	err := s.Connect(context.Background(), func() error {
		return nil // no reply ever observed
	})
	require.ErrorIs(t, err, ErrConnectTimeout)
	require.NotEqual(t, transport.StateEstablished, s.State())
}

func TestConnectRespectsContextCancellation(t *testing.T) {
	s := New(testAddr(9202), 512, 8, 0.2, 100*time.Millisecond, 300*time.Millisecond, time.Now())
	s.heartbeatInterval = 5 * time.Millisecond
	s.connectTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Connect(ctx, func() error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConnectSucceedsAfterSeveralHeartbeats(t *testing.T) {
	s := New(testAddr(9203), 512, 8, 0.2, 100*time.Millisecond, 300*time.Millisecond, time.Now())
	s.heartbeatInterval = 5 * time.Millisecond
	s.connectTimeout = 100 * time.Millisecond

	attempts := 0
	err := s.Connect(context.Background(), func() error {
		attempts++
		if attempts >= 3 {
			s.OnReply(time.Now())
		}
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, attempts, 3)
}
