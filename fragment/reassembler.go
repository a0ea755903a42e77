package fragment

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aj-web/weak-network-video-streaming/wire"
)

// Frame is a fully reassembled compressed frame ready for the decoder.
type Frame struct {
	FrameIndex uint32
	IsKeyframe bool
	Data       []byte
	FirstSeen  time.Time
}

// assembly is the sparse, in-progress reconstruction of one frame.
type assembly struct {
	frameIndex     uint32
	firstSeenTs    time.Time
	totalFragments uint16 // 0 until learned from any fragment
	fragments      map[uint16][]byte
	isKeyframe     bool
}

func (a *assembly) complete() bool {
	if a.totalFragments == 0 {
		return false
	}
	return len(a.fragments) == int(a.totalFragments)
}

func (a *assembly) concat() []byte {
	out := make([]byte, 0, 1500*len(a.fragments))
	for i := uint16(0); i < a.totalFragments; i++ {
		out = append(out, a.fragments[i]...)
	}
	return out
}

// Stats counts reassembly outcomes (spec.md §7 error taxonomy).
type Stats struct {
	DuplicateFragments  uint64
	DiscardedProtocolErr uint64
	LateFragmentsDropped uint64
	IncompleteFrames    uint64
	FramesDelivered     uint64
}

// Reassembler tracks in-progress frames, keyed by frame_index. It is owned
// entirely by the RX task; no external mutation (spec.md §5).
type Reassembler struct {
	mu             sync.Mutex
	frames         map[uint32]*assembly
	newestFrame    uint32
	haveNewest     bool
	reorderWindow  uint32

	stats Stats
}

// NewReassembler creates a Reassembler evicting frames more than
// reorderWindow behind the newest frame_index seen.
func NewReassembler(reorderWindow uint32) *Reassembler {
	return &Reassembler{
		frames:        make(map[uint32]*assembly),
		reorderWindow: reorderWindow,
	}
}

// Insert feeds one received VideoPacket into the reassembler. It returns a
// completed Frame when this packet was the one that finished it.
func (r *Reassembler) Insert(pkt *wire.VideoPacket, flags uint8, now time.Time) *Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveNewest || wire.IsNewer(pkt.FrameIndex, r.newestFrame) {
		r.newestFrame = pkt.FrameIndex
		r.haveNewest = true
		r.evictOld()
	} else if r.haveNewest && r.isTooOld(pkt.FrameIndex) {
		atomic.AddUint64(&r.stats.LateFragmentsDropped, 1)
		return nil
	}

	a, ok := r.frames[pkt.FrameIndex]
	if !ok {
		a = &assembly{
			frameIndex:  pkt.FrameIndex,
			firstSeenTs: now,
			fragments:   make(map[uint16][]byte),
			isKeyframe:  wire.IsKeyframe(flags),
		}
		r.frames[pkt.FrameIndex] = a
	}

	// Every fragment (not just FRAGMENT_END) carries total_fragments; a
	// mismatch against a previously learned value is a protocol error.
	if a.totalFragments != 0 && a.totalFragments != pkt.TotalFragments {
		delete(r.frames, pkt.FrameIndex)
		atomic.AddUint64(&r.stats.DiscardedProtocolErr, 1)
		return nil
	}
	a.totalFragments = pkt.TotalFragments

	if _, dup := a.fragments[pkt.FragmentIndex]; dup {
		atomic.AddUint64(&r.stats.DuplicateFragments, 1)
		return nil
	}
	a.fragments[pkt.FragmentIndex] = pkt.Payload

	if a.complete() {
		delete(r.frames, pkt.FrameIndex)
		atomic.AddUint64(&r.stats.FramesDelivered, 1)
		return &Frame{FrameIndex: a.frameIndex, IsKeyframe: a.isKeyframe, Data: a.concat(), FirstSeen: a.firstSeenTs}
	}
	return nil
}

func (r *Reassembler) isTooOld(frameIndex uint32) bool {
	if !r.haveNewest {
		return false
	}
	return int32(r.newestFrame-frameIndex) > int32(r.reorderWindow)
}

// evictOld discards any assembly more than reorderWindow frames behind the
// newest seen frame_index, counting each as an incomplete frame. Caller
// holds r.mu.
func (r *Reassembler) evictOld() {
	for idx, a := range r.frames {
		if r.isTooOld(idx) {
			delete(r.frames, idx)
			_ = a
			atomic.AddUint64(&r.stats.IncompleteFrames, 1)
		}
	}
}

// Stats returns a snapshot copy of reassembly counters.
func (r *Reassembler) Stats() Stats {
	return Stats{
		DuplicateFragments:   atomic.LoadUint64(&r.stats.DuplicateFragments),
		DiscardedProtocolErr: atomic.LoadUint64(&r.stats.DiscardedProtocolErr),
		LateFragmentsDropped: atomic.LoadUint64(&r.stats.LateFragmentsDropped),
		IncompleteFrames:     atomic.LoadUint64(&r.stats.IncompleteFrames),
		FramesDelivered:      atomic.LoadUint64(&r.stats.FramesDelivered),
	}
}
