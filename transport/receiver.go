package transport

import (
	"net"
	"sync"
	"time"

	"github.com/aj-web/weak-network-video-streaming/fec"
	"github.com/aj-web/weak-network-video-streaming/fragment"
	"github.com/aj-web/weak-network-video-streaming/metrics"
	"github.com/aj-web/weak-network-video-streaming/nack"
	"github.com/aj-web/weak-network-video-streaming/netmon"
	"github.com/aj-web/weak-network-video-streaming/wire"
	"github.com/rs/zerolog"
)

// ReceiverConfig bundles the Receiver's tunables (spec.md §6).
type ReceiverConfig struct {
	ReorderWindowFrames    uint32
	MaxPresentationDelay   time.Duration
	FECBlockSize           int
	NACKInterval           time.Duration
	RetransmitTimeout      time.Duration
}

// Receiver implements C7: parses inbound datagrams from a single known
// server peer, classifies them by kind, and delivers completed frames in
// as close to arrival order as timeliness allows.
type Receiver struct {
	cfg ReceiverConfig

	serverAddr *net.UDPAddr // the only peer this client accepts packets from

	reassembler *fragment.Reassembler
	fecDecoder  *fec.BlockDecoder
	gap         *nack.GapTracker
	monitor     *netmon.Monitor
	metrics     *metrics.Metrics
	log         zerolog.Logger

	mu       sync.Mutex
	frames   chan *fragment.Frame
	lastSeenAt time.Time
}

// NewReceiver creates a receiver that accepts datagrams only from
// serverAddr (spec.md §4.7 step 1).
func NewReceiver(serverAddr *net.UDPAddr, cfg ReceiverConfig, m *metrics.Metrics, log zerolog.Logger) (*Receiver, error) {
	fecDec, err := fec.NewBlockDecoder(cfg.FECBlockSize, cfg.FECBlockSize*8)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		cfg:         cfg,
		serverAddr:  serverAddr,
		reassembler: fragment.NewReassembler(cfg.ReorderWindowFrames),
		fecDecoder:  fecDec,
		gap:         nack.NewGapTracker(cfg.NACKInterval, cfg.RetransmitTimeout),
		monitor:     netmon.New(),
		metrics:     m,
		log:         log,
		frames:      make(chan *fragment.Frame, 30),
	}, nil
}

// HandleDatagram parses and routes one received UDP datagram. Datagrams
// whose source does not match serverAddr are ignored.
func (r *Receiver) HandleDatagram(buf []byte, from *net.UDPAddr, now time.Time) {
	if from.String() != r.serverAddr.String() {
		return // spec.md §4.7 step 1: peer address must match the established server
	}

	pkt, err := wire.Decode(buf)
	if err != nil {
		if r.metrics != nil {
			r.metrics.MalformedPackets.WithLabelValues(malformedReason(err)).Inc()
		}
		return
	}

	r.mu.Lock()
	r.lastSeenAt = now
	r.mu.Unlock()

	r.gap.Observe(pkt.Header.SeqNum, now)

	switch pkt.Header.Kind {
	case wire.KindVideo:
		r.handleVideo(pkt, now)
	case wire.KindFEC:
		r.handleFEC(pkt, now)
	case wire.KindControl, wire.KindHeartbeat:
		// Only the gap bookkeeping above is applied; the receiver does not
		// otherwise act on control or heartbeat packets. The network monitor
		// gets RTT samples only through TrackHeartbeatSent and
		// ObserveHeartbeatEcho, which cmd/client does not call.
	}
}

// TrackHeartbeatSent starts this receiver's own outbound heartbeat's RTT
// clock (the client is also a sender of heartbeats, per spec.md §4.10).
func (r *Receiver) TrackHeartbeatSent(seq uint32, now time.Time) {
	r.monitor.TrackSent(seq, now)
}

// ObserveHeartbeatEcho completes the RTT sample for a previously tracked
// heartbeat seq, once the server's reply is seen.
func (r *Receiver) ObserveHeartbeatEcho(seq uint32, nBytes int, now time.Time) {
	r.monitor.ObserveEcho(seq, nBytes, now)
}

func malformedReason(err error) string {
	switch err {
	case wire.ErrTruncated:
		return "truncated"
	case wire.ErrUnknownKind:
		return "unknown_kind"
	case wire.ErrBadUTF8JSON:
		return "bad_json"
	default:
		return "other"
	}
}

func (r *Receiver) handleVideo(pkt *wire.Packet, now time.Time) {
	// ObserveSource must record the same shard representation the sender
	// protected (the full video body, not the bare payload — see
	// transport.Sender.SendVideoFrame), or Reed-Solomon reconstruction of a
	// sibling shard in the block would operate on mismatched byte layouts.
	r.fecDecoder.ObserveSource(pkt.Header.SeqNum, wire.EncodeVideoBody(pkt.Video))
	if frame := r.reassembler.Insert(pkt.Video, pkt.Header.Flags, now); frame != nil {
		r.deliver(frame, now)
	}
}

func (r *Receiver) handleFEC(pkt *wire.Packet, now time.Time) {
	f := pkt.FEC
	rec, ok := r.fecDecoder.ObserveFEC(f.BlockIndex, f.SourceSeqs, f.SourceLens, f.Parity)
	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.RecoveredBlocks.WithLabelValues(r.serverAddr.String()).Inc()
	}

	video, err := wire.DecodeVideoBody(rec.Payload)
	if err != nil {
		if r.metrics != nil {
			r.metrics.MalformedPackets.WithLabelValues("fec_recovered").Inc()
		}
		return
	}
	// Fragment/FragEnd are recoverable from the decoded prefix; the
	// keyframe bit isn't carried in the protected body, but it only
	// matters the first time a frame's assembly is created, and a block
	// losing exactly one of its members almost always has siblings from
	// the same frame that arrive first and set it correctly.
	var flags uint8
	if video.TotalFragments > 1 {
		flags |= wire.FlagFragment
	}
	if video.FragmentIndex == video.TotalFragments-1 {
		flags |= wire.FlagFragEnd
	}
	if frame := r.reassembler.Insert(video, flags, now); frame != nil {
		r.deliver(frame, now)
	}
}

// deliver enqueues a completed frame, dropping it if it exceeds
// max_presentation_delay (spec.md §4.7 step 5).
func (r *Receiver) deliver(frame *fragment.Frame, now time.Time) {
	if now.Sub(frame.FirstSeen) > r.cfg.MaxPresentationDelay {
		if r.metrics != nil {
			r.metrics.FramesDroppedLate.WithLabelValues(r.serverAddr.String()).Inc()
		}
		return
	}
	select {
	case r.frames <- frame:
		if r.metrics != nil {
			r.metrics.FramesDelivered.WithLabelValues(r.serverAddr.String()).Inc()
		}
	default:
		// Frame queue full (cap 30): drop-oldest for non-keyframes,
		// drop-new otherwise (spec.md §5 backpressure policy).
		if r.metrics != nil {
			r.metrics.QueueOverflows.WithLabelValues("frame").Inc()
		}
		if frame.IsKeyframe {
			return
		}
		select {
		case <-r.frames:
		default:
		}
		select {
		case r.frames <- frame:
		default:
		}
	}
}

// NextFrame blocks for up to timeout for a completed frame.
func (r *Receiver) NextFrame(timeout time.Duration) (*fragment.Frame, bool) {
	select {
	case f := <-r.frames:
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}

// PendingNACK returns the missing seqs to request now, if the rate limit
// allows (spec.md §4.7 step 4).
func (r *Receiver) PendingNACK(now time.Time) ([]uint32, bool) {
	return r.gap.NextNACK(now)
}

// MonitorSnapshot returns the receiver's current network assessment.
func (r *Receiver) MonitorSnapshot() netmon.Snapshot {
	return r.monitor.Snapshot()
}

// ReassemblyStats exposes the reassembler's counters for heartbeat bodies.
func (r *Receiver) ReassemblyStats() fragment.Stats {
	return r.reassembler.Stats()
}

// LastSeenAt returns when the last datagram from the server was handled.
func (r *Receiver) LastSeenAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeenAt
}
