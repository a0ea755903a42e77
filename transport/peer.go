// Package transport implements C6 (Transport Sender) and C7 (Transport
// Receiver): orchestration of the packet codec, fragmenter, FEC engine,
// and NACK controller over a UDP socket, grounded on
// roman01la-tether-rally/fpv-sender's sender/Sender and main.go's App
// structural style (state enum, goroutines with context cancellation).
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/aj-web/weak-network-video-streaming/fec"
	"github.com/aj-web/weak-network-video-streaming/nack"
	"github.com/aj-web/weak-network-video-streaming/netmon"
	"github.com/google/uuid"
)

// SessionState is a peer's position in the heartbeat lifecycle (C10).
type SessionState int

const (
	StateProbing SessionState = iota
	StateEstablished
	StateStale
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateEstablished:
		return "established"
	case StateStale:
		return "stale"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// PeerEntry is per-client state on the server (or the single server entry
// on the client), spec.md §3's PeerEntry record.
type PeerEntry struct {
	mu sync.Mutex

	// SessionID identifies this session independent of Addr, so a
	// reconnect from the same address (e.g. after a NAT rebind) is
	// distinguishable in logs/metrics from a session that simply never
	// went away.
	SessionID  uuid.UUID
	Addr       *net.UDPAddr
	LastSeenAt time.Time
	State      SessionState

	SeqCounter uint32 // per-peer monotonic seq for outbound packets

	Monitor   *netmon.Monitor
	SendCache *nack.SendCache
	Gap       *nack.GapTracker
	Queue     *nack.SendQueue
	FEC       *fec.BlockEncoder
	FECDecode *fec.BlockDecoder
}

// NewPeerEntry creates a peer in Probing state.
func NewPeerEntry(addr *net.UDPAddr, sendCacheDepth, fecBlockSize int, fecOverhead float64, nackInterval, retransmitTimeout time.Duration, now time.Time) *PeerEntry {
	fecEnc, _ := fec.NewBlockEncoder(fecBlockSize, fecOverhead)
	fecDec, _ := fec.NewBlockDecoder(fecBlockSize, fecBlockSize*8)
	return &PeerEntry{
		SessionID:  uuid.New(),
		Addr:       addr,
		LastSeenAt: now,
		State:      StateProbing,
		Monitor:    netmon.New(),
		SendCache:  nack.NewSendCache(sendCacheDepth),
		Gap:        nack.NewGapTracker(nackInterval, retransmitTimeout),
		Queue:      nack.NewSendQueue(),
		FEC:        fecEnc,
		FECDecode:  fecDec,
	}
}

// NextSeq returns the next outbound seq_num for this peer.
func (p *PeerEntry) NextSeq() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.SeqCounter
	p.SeqCounter++
	return s
}

// Touch refreshes LastSeenAt and advances Probing/Stale back to
// Established on any received packet (spec.md §4.10).
func (p *PeerEntry) Touch(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastSeenAt = now
	if p.State == StateProbing || p.State == StateStale {
		p.State = StateEstablished
	}
}

// AdvanceLifecycle transitions Established→Stale after half the inactivity
// timeout, and a peer in any state to Expired after the full timeout
// (spec.md §4.10).
func (p *PeerEntry) AdvanceLifecycle(now time.Time, inactivityTimeout time.Duration) SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := now.Sub(p.LastSeenAt)
	switch {
	case idle >= inactivityTimeout:
		p.State = StateExpired
	case idle >= inactivityTimeout/2 && p.State == StateEstablished:
		p.State = StateStale
	}
	return p.State
}

// CurrentState returns the peer's session state.
func (p *PeerEntry) CurrentState() SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

// Registry is the server's keyed-by-address peer table.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*PeerEntry
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*PeerEntry)}
}

// GetOrCreate returns the existing peer for addr, or creates one.
func (r *Registry) GetOrCreate(addr *net.UDPAddr, sendCacheDepth, fecBlockSize int, fecOverhead float64, nackInterval, retransmitTimeout time.Duration, now time.Time) *PeerEntry {
	key := addr.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[key]; ok {
		return p
	}
	p := NewPeerEntry(addr, sendCacheDepth, fecBlockSize, fecOverhead, nackInterval, retransmitTimeout, now)
	r.peers[key] = p
	return p
}

// Get returns the peer for addr, if present.
func (r *Registry) Get(addr *net.UDPAddr) (*PeerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr.String()]
	return p, ok
}

// Remove evicts a peer (socket failure or expiry).
func (r *Registry) Remove(addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, addr.String())
}

// Each calls fn for a snapshot of the current peers (safe to mutate the
// registry from within fn's caller after iteration completes).
func (r *Registry) Each(fn func(addr string, p *PeerEntry)) {
	r.mu.Lock()
	snapshot := make(map[string]*PeerEntry, len(r.peers))
	for k, v := range r.peers {
		snapshot[k] = v
	}
	r.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

// Len reports the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
