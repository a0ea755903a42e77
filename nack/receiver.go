// Package nack implements C5: receiver-side gap detection and NACK
// batching, and sender-side retransmission from a send cache.
//
// The receiver half is grounded on spec.md §4.5's missing-set description;
// the sender's priority retransmit queue reuses the container/heap pattern
// from gtfodev-camsRelay/pkg/nest/queue.go's ticketHeap, repurposed from
// API-call priority to retransmit-over-fresh priority.
package nack

import (
	"sort"
	"time"

	"github.com/aj-web/weak-network-video-streaming/wire"
)

// MaxSeqsPerNACK bounds how many missing seqs a single NACK packet names
// (wire.MaxNACKSeqs mirrors this on the wire side).
const MaxSeqsPerNACK = wire.MaxNACKSeqs

// DefaultNACKInterval is the minimum spacing between emitted NACKs.
const DefaultNACKInterval = 100 * time.Millisecond

// DefaultRetransmitTimeout is how long a seq waits in "asked for" state
// before being re-queued as missing.
const DefaultRetransmitTimeout = 300 * time.Millisecond

type pendingAsk struct {
	seq    uint32
	askedAt time.Time
}

// GapTracker tracks a single peer's observed sequence numbers, maintaining
// the set of gaps and batching them into rate-limited NACKs.
type GapTracker struct {
	highestSeen    uint32
	haveHighest    bool
	missing        map[uint32]struct{}
	pendingAsks    []pendingAsk
	lastNACKSentAt time.Time
	nackInterval   time.Duration
	retransmitTTL  time.Duration
}

// NewGapTracker creates a tracker using the given NACK interval and
// retransmit timeout (zero values fall back to the spec defaults).
func NewGapTracker(nackInterval, retransmitTimeout time.Duration) *GapTracker {
	if nackInterval <= 0 {
		nackInterval = DefaultNACKInterval
	}
	if retransmitTimeout <= 0 {
		retransmitTimeout = DefaultRetransmitTimeout
	}
	return &GapTracker{
		missing:       make(map[uint32]struct{}),
		nackInterval:  nackInterval,
		retransmitTTL: retransmitTimeout,
	}
}

// Observe records a received seq, opening a gap for any skipped seqs and
// clearing it from missing/pending if it was outstanding.
func (g *GapTracker) Observe(seq uint32, now time.Time) {
	delete(g.missing, seq)
	g.removePending(seq)

	if !g.haveHighest {
		g.highestSeen = seq
		g.haveHighest = true
		return
	}
	if wire.IsNewer(seq, g.highestSeen) {
		for s := g.highestSeen + 1; s != seq; s++ {
			g.missing[s] = struct{}{}
		}
		g.highestSeen = seq
	}
}

func (g *GapTracker) removePending(seq uint32) {
	for i, p := range g.pendingAsks {
		if p.seq == seq {
			g.pendingAsks = append(g.pendingAsks[:i], g.pendingAsks[i+1:]...)
			return
		}
	}
}

// requeueExpired moves any pending ask older than retransmitTTL back into
// missing (spec.md §4.5: "if they do not arrive ... they are re-queued").
func (g *GapTracker) requeueExpired(now time.Time) {
	kept := g.pendingAsks[:0]
	for _, p := range g.pendingAsks {
		if now.Sub(p.askedAt) >= g.retransmitTTL {
			g.missing[p.seq] = struct{}{}
			continue
		}
		kept = append(kept, p)
	}
	g.pendingAsks = kept
}

// NextNACK returns the up-to-100 oldest-missing seqs to ask for, if the
// rate limit allows sending one now. Returned seqs move from missing to
// pending ("asked for").
func (g *GapTracker) NextNACK(now time.Time) ([]uint32, bool) {
	g.requeueExpired(now)

	if !g.lastNACKSentAt.IsZero() && now.Sub(g.lastNACKSentAt) < g.nackInterval {
		return nil, false
	}
	if len(g.missing) == 0 {
		return nil, false
	}

	seqs := make([]uint32, 0, len(g.missing))
	for s := range g.missing {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return wire.IsOlder(seqs[i], seqs[j]) })
	if len(seqs) > MaxSeqsPerNACK {
		seqs = seqs[:MaxSeqsPerNACK]
	}

	for _, s := range seqs {
		delete(g.missing, s)
		g.pendingAsks = append(g.pendingAsks, pendingAsk{seq: s, askedAt: now})
	}
	g.lastNACKSentAt = now
	return seqs, true
}

// MissingCount reports the current size of the missing set, for
// diagnostics/metrics.
func (g *GapTracker) MissingCount() int { return len(g.missing) }
