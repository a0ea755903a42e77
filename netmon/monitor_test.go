package netmon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRTTAccumulatesFromEchoes(t *testing.T) {
	m := New()
	base := time.Now()

	// Bandwidth is sampled only once a second has passed since New, so the
	// echoes are spread over 1.25 s.
	for i := uint32(0); i < 5; i++ {
		sentAt := base.Add(time.Duration(i) * 300 * time.Millisecond)
		m.TrackSent(i, sentAt)
		m.ObserveEcho(i, 1200, sentAt.Add(50*time.Millisecond))
	}

	snap := m.Snapshot()
	require.InDelta(t, 50, snap.RTTMs, 1)
	require.Greater(t, snap.BandwidthBps, 0.0)
}

func TestUnmatchedEchoIgnored(t *testing.T) {
	m := New()
	m.ObserveEcho(999, 100, time.Now())
	snap := m.Snapshot()
	require.Equal(t, 0.0, snap.RTTMs)
}

func TestLossRatioReflectsUnacked(t *testing.T) {
	m := New()
	base := time.Now()
	for i := uint32(0); i < 10; i++ {
		m.TrackSent(i, base)
	}
	for i := uint32(0); i < 8; i++ {
		m.ObserveEcho(i, 100, base.Add(10*time.Millisecond))
	}

	// LossRatio is the sliding mean of the cumulative loss after each echo
	// (0.9, 0.8, ..., 0.2), which is 0.55.
	snap := m.Snapshot()
	require.InDelta(t, 0.55, snap.LossRatio, 0.01)
}

func TestQualityClassHysteresisPreventsFlapping(t *testing.T) {
	m := New()
	base := time.Now()

	goodRTT := func(i uint32, t time.Time) {
		m.TrackSent(i, t)
		m.ObserveEcho(i, 1200, t.Add(20*time.Millisecond))
	}
	for i := uint32(0); i < 20; i++ {
		goodRTT(i, base.Add(time.Duration(i)*time.Millisecond))
	}
	require.Equal(t, Excellent, m.Snapshot().QualityClass)

	// A single spiky sample should not flip the class immediately.
	spikeT := base.Add(100 * time.Millisecond)
	m.TrackSent(100, spikeT)
	m.ObserveEcho(100, 1200, spikeT.Add(350*time.Millisecond))
	require.Equal(t, Excellent, m.Snapshot().QualityClass)

	// Three consecutive matching samples commit the class change.
	for i := uint32(101); i < 104; i++ {
		t2 := spikeT.Add(time.Duration(i) * time.Millisecond)
		m.TrackSent(i, t2)
		m.ObserveEcho(i, 1200, t2.Add(350*time.Millisecond))
	}
	require.NotEqual(t, Excellent, m.Snapshot().QualityClass)
}

func TestPredictExtrapolatesLinearTrend(t *testing.T) {
	m := New()
	base := time.Now()
	for i := uint32(0); i < 15; i++ {
		t2 := base.Add(time.Duration(i) * 100 * time.Millisecond)
		m.TrackSent(i, t2)
		rtt := time.Duration(20+i*5) * time.Millisecond
		m.ObserveEcho(i, 1200, t2.Add(rtt))
	}

	current := m.Snapshot()
	predicted := m.Predict(DefaultPredictHorizon)
	require.GreaterOrEqual(t, predicted.RTTMs, current.RTTMs)
}

func TestPredictWithInsufficientHistoryReturnsLast(t *testing.T) {
	m := New()
	predicted := m.Predict(DefaultPredictHorizon)
	require.Equal(t, m.Snapshot(), predicted)
}

func TestCongestionClampedToUnitRange(t *testing.T) {
	m := New()
	base := time.Now()
	for i := uint32(0); i < 5; i++ {
		m.TrackSent(i, base)
		m.ObserveEcho(i, 1200, base.Add(time.Duration(i*50)*time.Millisecond))
	}
	m.ObserveQueueDepth(100)
	m.ObserveQueueDepth(5)

	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.Congestion, 0.0)
	require.LessOrEqual(t, snap.Congestion, 1.0)
}
