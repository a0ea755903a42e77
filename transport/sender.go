package transport

import (
	"math"
	"net"
	"sync"
	"time"

	"github.com/aj-web/weak-network-video-streaming/fragment"
	"github.com/aj-web/weak-network-video-streaming/metrics"
	"github.com/aj-web/weak-network-video-streaming/netmon"
	"github.com/aj-web/weak-network-video-streaming/wire"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// udpWriter is the subset of *net.UDPConn the sender needs, so tests can
// substitute a fake socket.
type udpWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// SenderConfig bundles the Sender's tunables (spec.md §6).
type SenderConfig struct {
	FECBlockSize   int
	FECOverhead    float64
	SendCacheDepth int

	NACKInterval      time.Duration
	RetransmitTimeout time.Duration
	InactivityTimeout time.Duration

	TargetBitrateBps float64 // governs the leaky-bucket pacing rate
}

// Sender implements C6: orchestrates the codec, fragmenter, and FEC engine
// on the server side, pacing the outbound socket and expiring idle peers.
type Sender struct {
	conn     udpWriter
	registry *Registry
	cfg      SenderConfig
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu sync.Mutex // guards TargetBitrateBps updates from the encoder controller
}

// NewSender creates a sender writing to conn, tracking peers in registry.
func NewSender(conn udpWriter, registry *Registry, cfg SenderConfig, m *metrics.Metrics, log zerolog.Logger) *Sender {
	limiter := rate.NewLimiter(rate.Limit(cfg.TargetBitrateBps*1.1/8), int(cfg.TargetBitrateBps*1.1/8/10+1500))
	return &Sender{conn: conn, registry: registry, cfg: cfg, limiter: limiter, metrics: m, log: log}
}

// SetTargetBitrate updates the pacing rate from the encoder controller.
func (s *Sender) SetTargetBitrate(bps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.TargetBitrateBps = bps
	s.limiter.SetLimit(rate.Limit(bps * 1.1 / 8))
}

// MaxPayload computes the dynamic fragment ceiling from a NetworkSnapshot
// (spec.md §4.6 step 1).
func MaxPayload(snap netmon.Snapshot) int {
	lossFactor := 1 - math.Min(0.5, 5*snap.LossRatio)
	rttFactor := 1.0
	if snap.RTTMs > 200 {
		rttFactor = math.Max(0.7, 1-(snap.RTTMs-200)/1000)
	}
	payload := 1200 * lossFactor * rttFactor
	return clampInt(int(payload), 500, 1400)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SendVideoFrame fragments, FEC-protects, and enqueues one compressed
// frame for peer.
func (s *Sender) SendVideoFrame(peer *PeerEntry, data []byte, frameIndex uint32, isKeyframe bool, now time.Time) error {
	maxPayload := MaxPayload(peer.Monitor.Snapshot())

	pkts, err := fragment.Fragment(data, frameIndex, isKeyframe, maxPayload, func(i int) uint32 { return peer.NextSeq() })
	if err != nil {
		return err
	}

	for _, pkt := range pkts {
		pkt.Header.TimestampMs = uint64(now.UnixMilli())
		s.emit(peer, &pkt, isKeyframe, now)

		// Protect the full video body (frame/fragment-index prefix plus
		// payload), not just the bare payload, so a recovered shard carries
		// enough to be re-decoded into a VideoPacket and reassembled
		// (spec.md §2's C2-recovers-via-C3 data flow).
		if peer.FEC.Add(pkt.Header.SeqNum, wire.EncodeVideoBody(pkt.Video)) {
			s.flushFEC(peer, now)
		}
	}
	return nil
}

func (s *Sender) flushFEC(peer *PeerEntry, now time.Time) {
	fecPkts, err := peer.FEC.Flush(func(int) uint32 { return peer.NextSeq() })
	if err != nil || len(fecPkts) == 0 {
		return
	}
	for _, pkt := range fecPkts {
		pkt.Header.TimestampMs = uint64(now.UnixMilli())
		s.emit(peer, &pkt, false, now)
	}
}

// FlushPendingFEC forces out parity for a short trailing block (e.g. at
// stream shutdown).
func (s *Sender) FlushPendingFEC(peer *PeerEntry, now time.Time) {
	if peer.FEC.Pending() > 0 {
		s.flushFEC(peer, now)
	}
}

// SendHeartbeat emits the sender's current view of the link to peer.
func (s *Sender) SendHeartbeat(peer *PeerEntry, body *wire.HeartbeatBody, now time.Time) error {
	pkt := wire.Packet{
		Header:    wire.CommonHeader{Kind: wire.KindHeartbeat, SeqNum: peer.NextSeq(), TimestampMs: uint64(now.UnixMilli())},
		Heartbeat: &wire.HeartbeatPacket{Body: wire.EncodeHeartbeat(body)},
	}
	return s.sendNow(peer, &pkt)
}

// HandleNACK re-enqueues cached copies of each requested seq still present
// in SendCache, at head-of-queue retransmit priority (spec.md §4.5).
func (s *Sender) HandleNACK(peer *PeerEntry, missingSeqs []uint32, now time.Time) {
	for _, seq := range missingSeqs {
		payload, flags, _, ok := peer.SendCache.Lookup(seq)
		if !ok {
			continue
		}
		peer.Queue.EnqueueRetransmit(seq, payload, flags, wire.IsKeyframe(flags), now)
	}
}

// emit serializes pkt and enqueues it on the peer's send queue, applying
// keyframe-preserving backpressure if the queue is saturated, and records
// the queue depth with the peer's monitor. Caching and the socket write
// happen later, in Drain.
func (s *Sender) emit(peer *PeerEntry, pkt *wire.Packet, isKeyframe bool, now time.Time) {
	const maxQueueDepth = 1000
	if peer.Queue.Len() >= maxQueueDepth {
		if !isKeyframe {
			if s.metrics != nil {
				s.metrics.QueueOverflows.WithLabelValues("send").Inc()
			}
			return // drop the new non-keyframe packet
		}
		if !peer.Queue.DropOldestNonKeyframe() {
			if s.metrics != nil {
				s.metrics.QueueOverflows.WithLabelValues("send").Inc()
			}
			return // nothing to evict; drop the keyframe fragment and count it
		}
	}
	peer.Queue.EnqueueFresh(pkt.Header.SeqNum, mustEncode(pkt), pkt.Header.Flags, isKeyframe, now)
	peer.Monitor.ObserveQueueDepth(peer.Queue.Len())
}

func mustEncode(pkt *wire.Packet) []byte {
	buf, err := wire.Encode(pkt)
	if err != nil {
		return nil
	}
	return buf
}

// Drain pops and transmits queued packets under the leaky-bucket pacing
// limit. Intended to run in the TX task's loop.
func (s *Sender) Drain(peer *PeerEntry, now time.Time) {
	for peer.Queue.Len() > 0 {
		seq, payload, flags, retransmit, ok := peer.Queue.Pop()
		if !ok || payload == nil {
			continue
		}
		if !s.limiter.AllowN(now, len(payload)) {
			// Re-enqueue at the front conceptually; simplest correct
			// behavior is to stop draining until the bucket refills. Put it
			// back at the priority it was popped with, or a retransmit
			// stuck behind a pacing stall would fall in behind fresh
			// traffic queued after it.
			if retransmit {
				peer.Queue.EnqueueRetransmit(seq, payload, flags, wire.IsKeyframe(flags), now)
			} else {
				peer.Queue.EnqueueFresh(seq, payload, flags, wire.IsKeyframe(flags), now)
			}
			return
		}
		if _, err := s.conn.WriteToUDP(payload, peer.Addr); err != nil {
			s.evictPeer(peer, err)
			return
		}
		peer.SendCache.Put(seq, payload, flags, now)
		peer.Monitor.TrackSent(seq, now)
	}
}

func (s *Sender) evictPeer(peer *PeerEntry, err error) {
	s.registry.Remove(peer.Addr)
	if s.metrics != nil {
		s.metrics.PeersEvicted.WithLabelValues("socket_error").Inc()
	}
	s.log.Warn().Err(err).Str("peer", peer.Addr.String()).Str("session", peer.SessionID.String()).Msg("peer socket write failed, evicted")
}

// sendNow writes a single packet immediately, bypassing the queue (used
// for heartbeats, which are small and time-sensitive).
func (s *Sender) sendNow(peer *PeerEntry, pkt *wire.Packet) error {
	buf, err := wire.Encode(pkt)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(buf, peer.Addr); err != nil {
		s.evictPeer(peer, err)
		return err
	}
	peer.Monitor.TrackSent(pkt.Header.SeqNum, time.Now())
	return nil
}

// ExpireStalePeers advances each peer's lifecycle and removes those past
// InactivityTimeout (spec.md §4.6 step 5, §4.10).
func (s *Sender) ExpireStalePeers(now time.Time) {
	s.registry.Each(func(_ string, p *PeerEntry) {
		if p.AdvanceLifecycle(now, s.cfg.InactivityTimeout) == StateExpired {
			s.registry.Remove(p.Addr)
			if s.metrics != nil {
				s.metrics.PeersEvicted.WithLabelValues("inactivity_timeout").Inc()
			}
		}
	})
}
