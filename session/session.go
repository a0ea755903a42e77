// Package session implements the client side of C10: the heartbeat-driven
// connection lifecycle, layered on top of transport.PeerEntry's state
// machine (which already tracks Probing/Established/Stale/Expired for the
// server's per-client registry entries). A ClientSession treats the single
// server address as though it were one such peer.
//
// Grounded on fpv-sender/main.go's App state machine and its
// keepaliveLoop/receiveLoop cadence (1s keepalive ticker, session established
// once a valid reply is observed from the expected peer).
package session

import (
	"context"
	"net"
	"time"

	"github.com/aj-web/weak-network-video-streaming/transport"
)

// DefaultHeartbeatInterval is the 1 Hz cadence spec.md §4.10 requires.
const DefaultHeartbeatInterval = 1 * time.Second

// DefaultConnectTimeout is how long connect() waits for Established before
// declaring failure (spec.md §4.10).
const DefaultConnectTimeout = 5 * time.Second

// ClientSession tracks the client's single server peer through the
// connection lifecycle.
type ClientSession struct {
	peer              *transport.PeerEntry
	heartbeatInterval time.Duration
	connectTimeout    time.Duration
}

// New wraps serverAddr in a PeerEntry-backed session, starting in Probing.
func New(serverAddr *net.UDPAddr, sendCacheDepth, fecBlockSize int, fecOverhead float64, nackInterval, retransmitTimeout time.Duration, now time.Time) *ClientSession {
	return &ClientSession{
		peer:              transport.NewPeerEntry(serverAddr, sendCacheDepth, fecBlockSize, fecOverhead, nackInterval, retransmitTimeout, now),
		heartbeatInterval: DefaultHeartbeatInterval,
		connectTimeout:    DefaultConnectTimeout,
	}
}

// Peer exposes the underlying PeerEntry for the transport layer to drive.
func (s *ClientSession) Peer() *transport.PeerEntry { return s.peer }

// State reports the session's current lifecycle state.
func (s *ClientSession) State() transport.SessionState { return s.peer.CurrentState() }

// OnReply must be called whenever a datagram is observed from the server;
// it advances Probing/Stale back to Established (spec.md §4.10).
func (s *ClientSession) OnReply(now time.Time) { s.peer.Touch(now) }

// Connect sends heartbeats at heartbeatInterval via sendHeartbeat until the
// session reaches Established or connectTimeout elapses, returning an error
// on timeout or context cancellation (spec.md §4.10: "failure = no reply
// within 5 s").
func (s *ClientSession) Connect(ctx context.Context, sendHeartbeat func() error) error {
	deadline := time.Now().Add(s.connectTimeout)

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	if err := sendHeartbeat(); err != nil {
		return err
	}
	if s.State() == transport.StateEstablished {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if s.State() == transport.StateEstablished {
				return nil
			}
			if now.After(deadline) {
				return ErrConnectTimeout
			}
			if err := sendHeartbeat(); err != nil {
				return err
			}
		}
	}
}

// ErrConnectTimeout is returned by Connect when no reply arrives in time.
var ErrConnectTimeout = &connectTimeoutError{}

type connectTimeoutError struct{}

func (*connectTimeoutError) Error() string { return "session: connect timed out waiting for server reply" }
