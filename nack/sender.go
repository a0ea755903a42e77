package nack

import (
	"container/heap"
	"time"
)

// DefaultSendCacheDepth is the ring buffer depth for recently sent packets
// eligible for retransmission.
const DefaultSendCacheDepth = 512

type cachedPacket struct {
	seq     uint32
	payload []byte
	flags   uint8
	sentAt  time.Time
}

// SendCache is a fixed-depth ring buffer of recently transmitted packets,
// keyed by seq, used to answer NACKs without re-encoding (spec.md §4.5).
type SendCache struct {
	depth   int
	entries map[uint32]cachedPacket
	order   []uint32 // insertion order, for age-based eviction
}

// NewSendCache creates a cache retaining at most depth packets.
func NewSendCache(depth int) *SendCache {
	if depth <= 0 {
		depth = DefaultSendCacheDepth
	}
	return &SendCache{depth: depth, entries: make(map[uint32]cachedPacket)}
}

// Put records a freshly sent packet, evicting the oldest entry if the
// cache is at capacity.
func (c *SendCache) Put(seq uint32, payload []byte, flags uint8, sentAt time.Time) {
	if _, exists := c.entries[seq]; !exists {
		c.order = append(c.order, seq)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.entries[seq] = cachedPacket{seq: seq, payload: cp, flags: flags, sentAt: sentAt}

	for len(c.order) > c.depth {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, old)
	}
}

// Lookup returns the cached packet for seq, and whether it is still
// present. Seqs evicted from the cache are "silently dropped" per
// spec.md §4.5 — the receiver eventually times them out as declared
// losses.
func (c *SendCache) Lookup(seq uint32) (payload []byte, flags uint8, sentAt time.Time, ok bool) {
	cp, found := c.entries[seq]
	if !found {
		return nil, 0, time.Time{}, false
	}
	return cp.payload, cp.flags, cp.sentAt, true
}

// retransmitTicket is one queued packet, either a retransmission or a fresh
// send. Priority 0 (retransmits) always outranks priority 1 (fresh sends) so
// stale NACKed packets don't starve new frames. Within a priority tier,
// keyframes go first, then tickets leave in queuedAt order, and tickets
// queued at the same instant leave in seq order.
type retransmitTicket struct {
	seq       uint32
	payload   []byte
	flags     uint8
	keyframe  bool
	priority  int
	queuedAt  time.Time
	index     int
}

type ticketHeap []*retransmitTicket

func (h ticketHeap) Len() int { return len(h) }
func (h ticketHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	// Keyframes jump ahead of non-keyframes within the same priority tier
	// so a retransmitted or freshly queued keyframe is never starved
	// behind ordinary frame data (spec.md §4.6's keyframe-preserving drop
	// policy extended to ordering).
	if h[i].keyframe != h[j].keyframe {
		return h[i].keyframe
	}
	if !h[i].queuedAt.Equal(h[j].queuedAt) {
		return h[i].queuedAt.Before(h[j].queuedAt)
	}
	return int32(h[i].seq-h[j].seq) < 0
}
func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *ticketHeap) Push(x interface{}) {
	t := x.(*retransmitTicket)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *ticketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

const (
	priorityRetransmit = 0
	priorityFresh       = 1
)

// SendQueue orders outgoing packets, giving retransmits head-of-queue
// priority over fresh traffic.
type SendQueue struct {
	h ticketHeap
}

// NewSendQueue creates an empty priority send queue.
func NewSendQueue() *SendQueue {
	q := &SendQueue{}
	heap.Init(&q.h)
	return q
}

// EnqueueFresh adds a newly produced packet at the fresh-traffic priority.
func (q *SendQueue) EnqueueFresh(seq uint32, payload []byte, flags uint8, keyframe bool, now time.Time) {
	heap.Push(&q.h, &retransmitTicket{seq: seq, payload: payload, flags: flags, keyframe: keyframe, priority: priorityFresh, queuedAt: now})
}

// EnqueueRetransmit adds a cached packet at retransmit priority, keeping
// its original seq, flags, and payload (spec.md §4.5: "retransmitted
// packets keep their original seq_num, flags, and timestamps").
func (q *SendQueue) EnqueueRetransmit(seq uint32, payload []byte, flags uint8, keyframe bool, now time.Time) {
	heap.Push(&q.h, &retransmitTicket{seq: seq, payload: payload, flags: flags, keyframe: keyframe, priority: priorityRetransmit, queuedAt: now})
}

// Len reports the current queue depth.
func (q *SendQueue) Len() int { return q.h.Len() }

// Pop removes and returns the highest-priority ticket, if any. retransmit
// reports whether the ticket was queued via EnqueueRetransmit rather than
// EnqueueFresh, so a caller that has to put it back (e.g. a pacer rejecting
// it) can preserve its original priority instead of silently demoting it.
func (q *SendQueue) Pop() (seq uint32, payload []byte, flags uint8, retransmit bool, ok bool) {
	if q.h.Len() == 0 {
		return 0, nil, 0, false, false
	}
	t := heap.Pop(&q.h).(*retransmitTicket)
	return t.seq, t.payload, t.flags, t.priority == priorityRetransmit, true
}

// DropOldestNonKeyframe evicts the oldest queued non-keyframe fresh ticket
// to relieve backpressure, preserving keyframes and pending retransmits
// (spec.md §4.6's keyframe-preserving drop policy). It reports whether a
// ticket was dropped.
func (q *SendQueue) DropOldestNonKeyframe() bool {
	oldestIdx := -1
	var oldestTime time.Time
	for i, t := range q.h {
		if t.priority != priorityFresh || t.keyframe {
			continue
		}
		if oldestIdx == -1 || t.queuedAt.Before(oldestTime) {
			oldestIdx = i
			oldestTime = t.queuedAt
		}
	}
	if oldestIdx == -1 {
		return false
	}
	heap.Remove(&q.h, oldestIdx)
	return true
}
