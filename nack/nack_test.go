package nack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGapTrackerDetectsMissingRange(t *testing.T) {
	g := NewGapTracker(0, 0)
	now := time.Now()
	g.Observe(1, now)
	g.Observe(5, now)
	require.Equal(t, 3, g.MissingCount()) // 2,3,4
}

func TestGapTrackerClearsOnObserve(t *testing.T) {
	g := NewGapTracker(0, 0)
	now := time.Now()
	g.Observe(1, now)
	g.Observe(5, now)
	g.Observe(3, now)
	require.Equal(t, 2, g.MissingCount()) // 2,4
}

func TestNACKRespectsRateLimit(t *testing.T) {
	g := NewGapTracker(100*time.Millisecond, 300*time.Millisecond)
	now := time.Now()
	g.Observe(1, now)
	g.Observe(10, now)

	seqs, ok := g.NextNACK(now)
	require.True(t, ok)
	require.NotEmpty(t, seqs)

	_, ok = g.NextNACK(now.Add(10 * time.Millisecond))
	require.False(t, ok)

	seqs2, ok := g.NextNACK(now.Add(150 * time.Millisecond))
	require.False(t, ok) // nothing new missing (all asked-for already)
	require.Empty(t, seqs2)
}

func TestNACKCapsAt100Seqs(t *testing.T) {
	g := NewGapTracker(0, 0)
	now := time.Now()
	g.Observe(0, now)
	g.Observe(200, now)

	seqs, ok := g.NextNACK(now)
	require.True(t, ok)
	require.Len(t, seqs, MaxSeqsPerNACK)
}

func TestAskedForSeqsRequeueAfterTimeout(t *testing.T) {
	g := NewGapTracker(0, 50*time.Millisecond)
	now := time.Now()
	g.Observe(1, now)
	g.Observe(3, now)

	seqs, ok := g.NextNACK(now)
	require.True(t, ok)
	require.Contains(t, seqs, uint32(2))
	require.Equal(t, 0, g.MissingCount())

	later := now.Add(100 * time.Millisecond)
	seqs2, ok := g.NextNACK(later)
	require.True(t, ok)
	require.Contains(t, seqs2, uint32(2))
}

func TestSendCacheEvictsOldestBeyondDepth(t *testing.T) {
	c := NewSendCache(3)
	now := time.Now()
	c.Put(1, []byte("a"), 0, now)
	c.Put(2, []byte("b"), 0, now)
	c.Put(3, []byte("c"), 0, now)
	c.Put(4, []byte("d"), 0, now)

	_, _, _, ok := c.Lookup(1)
	require.False(t, ok)
	_, _, _, ok = c.Lookup(4)
	require.True(t, ok)
}

func TestSendQueueRetransmitOutranksFresh(t *testing.T) {
	q := NewSendQueue()
	now := time.Now()
	q.EnqueueFresh(10, []byte("fresh"), 0, false, now)
	q.EnqueueRetransmit(5, []byte("retx"), 0, false, now.Add(time.Millisecond))

	seq, _, _, retx, ok := q.Pop()
	require.True(t, ok)
	require.True(t, retx)
	require.Equal(t, uint32(5), seq)

	seq2, _, _, retx2, ok := q.Pop()
	require.True(t, ok)
	require.False(t, retx2)
	require.Equal(t, uint32(10), seq2)
}

func TestSendQueueKeyframeJumpsAheadWithinTier(t *testing.T) {
	q := NewSendQueue()
	now := time.Now()
	q.EnqueueFresh(1, nil, 0, false, now)
	q.EnqueueFresh(2, nil, 0, true, now.Add(time.Millisecond))

	seq, _, _, _, _ := q.Pop()
	require.Equal(t, uint32(2), seq)
}

func TestDropOldestNonKeyframePreservesKeyframesAndRetransmits(t *testing.T) {
	q := NewSendQueue()
	now := time.Now()
	q.EnqueueRetransmit(1, nil, 0, false, now)
	q.EnqueueFresh(2, nil, 0, true, now.Add(time.Millisecond))
	q.EnqueueFresh(3, nil, 0, false, now.Add(2*time.Millisecond))

	dropped := q.DropOldestNonKeyframe()
	require.True(t, dropped)
	require.Equal(t, 2, q.Len())

	dropped2 := q.DropOldestNonKeyframe()
	require.False(t, dropped2)
}
