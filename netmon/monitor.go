// Package netmon implements C4: per-peer network condition tracking. RTT,
// loss, and bandwidth are kept as sliding windows over the last 100
// observations, combined into a congestion score and a hysteresis-gated
// quality class, with a short-horizon linear predictor.
//
// Grounded on common/network_utils/monitoring.py's NetworkMonitor /
// NetworkClassifier / SimpleNetworkPredictor from the original
// implementation this transport was distilled from; restructured around a
// single mutex-guarded struct per Go idiom instead of three cooperating
// objects, with Prometheus gauges standing in for the original's in-memory
// history list.
package netmon

import (
	"math"
	"sync"
	"time"
)

// QualityClass is a coarse network health label, descending from best to
// worst.
type QualityClass int

const (
	Excellent QualityClass = iota
	Good
	Fair
	Poor
	VeryPoor
)

func (q QualityClass) String() string {
	switch q {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Fair:
		return "fair"
	case Poor:
		return "poor"
	case VeryPoor:
		return "very_poor"
	default:
		return "unknown"
	}
}

type qualityThreshold struct {
	class        QualityClass
	rttMs        float64
	packetLoss   float64
	bandwidthBps float64
}

// Descending thresholds: a class applies when rtt/loss are at or below its
// ceiling and bandwidth is at or above its floor. Values follow the
// original monitor's NETWORK_THRESHOLDS table.
var qualityThresholds = []qualityThreshold{
	{Excellent, 50, 0.01, 10_000_000},
	{Good, 100, 0.02, 5_000_000},
	{Fair, 200, 0.05, 2_000_000},
	{Poor, 300, 0.10, 1_000_000},
}

// hysteresisThreshold is the saturating counter's ceiling: the number of
// consecutive agreeing samples needed to fully re-stabilize, and also the
// number of consecutive differing samples needed to force a switch from
// a fully-stable class (spec.md §4.4).
const hysteresisThreshold = 3

// WindowSize bounds the RTT/loss/bandwidth sliding windows.
const WindowSize = 100

// PredictorWindow bounds the short-horizon linear predictor's history.
const PredictorWindow = 10

// DefaultPredictHorizon is the default extrapolation distance.
const DefaultPredictHorizon = 500 * time.Millisecond

// Snapshot is a read-only copy of a Monitor's current network assessment
// (spec.md's NetworkSnapshot).
type Snapshot struct {
	RTTMs        float64
	RTTJitterMs  float64
	LossRatio    float64
	BandwidthBps float64
	Congestion   float64
	QualityClass QualityClass
	Timestamp    time.Time
}

type sample struct {
	rtt  float64
	loss float64
	bw   float64
	t    time.Time
}

// Monitor tracks network conditions for a single peer. All exported methods
// are non-blocking and safe for concurrent use; readers get a cheap
// snapshot copy (spec.md §4.4, §5).
type Monitor struct {
	mu sync.Mutex

	inFlight map[uint32]time.Time
	sentSeqs int64
	ackSeqs  int64

	rttWindow   []float64
	lossWindow  []float64
	bwWindow    []float64
	queueWindow []int

	bytesAccum    uint64
	lastBWSampleT time.Time

	currentClass QualityClass
	stability    int

	predictorHistory []sample

	last Snapshot
}

// New creates a Monitor with empty history and an initial quality class of
// Good (matches the original classifier's default). Stability starts at
// zero, so the first sample that classifies differently replaces it.
func New() *Monitor {
	now := time.Now()
	return &Monitor{
		inFlight:      make(map[uint32]time.Time),
		lastBWSampleT: now,
		currentClass:  Good,
		last:          Snapshot{QualityClass: Good, Timestamp: now},
	}
}

// TrackSent records that seq was just sent, starting its RTT clock.
func (m *Monitor) TrackSent(seq uint32, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[seq] = now
	m.sentSeqs++
}

// ObserveEcho reports that seq's round trip completed (a heartbeat echo or
// any tracked in-flight seq observed back at the peer), with nBytes the
// size of the original payload for bandwidth accounting.
func (m *Monitor) ObserveEcho(seq uint32, nBytes int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sentAt, ok := m.inFlight[seq]
	if !ok {
		return
	}
	delete(m.inFlight, seq)

	rtt := float64(now.Sub(sentAt).Microseconds()) / 1000.0
	m.pushWindow(&m.rttWindow, rtt, WindowSize)
	m.bytesAccum += uint64(nBytes)
	m.ackSeqs++

	m.updateLoss()
	m.updateBandwidth(now)
	m.recompute(now)
}

// ObserveQueueDepth records the current send-queue depth, feeding the
// congestion score's queue-normalization term.
func (m *Monitor) ObserveQueueDepth(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueWindow = append(m.queueWindow, depth)
	if len(m.queueWindow) > WindowSize {
		m.queueWindow = m.queueWindow[1:]
	}
}

func (m *Monitor) updateLoss() {
	if m.sentSeqs <= 0 {
		return
	}
	loss := 1.0 - float64(m.ackSeqs)/float64(m.sentSeqs)
	if loss < 0 {
		loss = 0
	}
	m.pushWindow(&m.lossWindow, loss, WindowSize)
}

func (m *Monitor) updateBandwidth(now time.Time) {
	elapsed := now.Sub(m.lastBWSampleT)
	if elapsed < time.Second {
		return
	}
	bw := float64(m.bytesAccum*8) / elapsed.Seconds()
	m.pushWindow(&m.bwWindow, bw, WindowSize)
	m.bytesAccum = 0
	m.lastBWSampleT = now
}

func (m *Monitor) pushWindow(w *[]float64, v float64, cap int) {
	*w = append(*w, v)
	if len(*w) > cap {
		*w = (*w)[1:]
	}
}

// recompute refreshes rtt/loss/bandwidth/congestion/class and appends to
// the predictor's history. Caller holds m.mu.
func (m *Monitor) recompute(now time.Time) {
	rttMean, rttStd := meanStd(m.rttWindow)
	lossMean, _ := meanStd(m.lossWindow)
	bwMean, _ := meanStd(m.bwWindow)
	congestion := m.congestion(rttMean)

	class := classify(rttMean, lossMean, bwMean)
	m.advanceClass(class)

	m.last = Snapshot{
		RTTMs:        rttMean,
		RTTJitterMs:  rttStd,
		LossRatio:    lossMean,
		BandwidthBps: bwMean,
		Congestion:   congestion,
		QualityClass: m.currentClass,
		Timestamp:    now,
	}

	if len(m.predictorHistory) == 0 || now.Sub(m.predictorHistory[len(m.predictorHistory)-1].t) >= 100*time.Millisecond {
		m.predictorHistory = append(m.predictorHistory, sample{rtt: rttMean, loss: lossMean, bw: bwMean, t: now})
		if len(m.predictorHistory) > PredictorWindow {
			m.predictorHistory = m.predictorHistory[1:]
		}
	}
}

// congestion computes 0.7·rtt_norm + 0.3·queue_norm, clamped to [0,1].
// Caller holds m.mu.
func (m *Monitor) congestion(rttMean float64) float64 {
	if len(m.rttWindow) == 0 {
		return 0
	}
	rttMin, rttMax := m.rttWindow[0], m.rttWindow[0]
	for _, v := range m.rttWindow {
		if v < rttMin {
			rttMin = v
		}
		if v > rttMax {
			rttMax = v
		}
	}
	var rttNorm float64
	if rttMax > rttMin {
		rttNorm = (rttMean - rttMin) / (rttMax - rttMin)
	}

	var queueNorm float64
	if len(m.queueWindow) > 0 {
		queueMax := 0
		sum := 0
		for _, q := range m.queueWindow {
			if q > queueMax {
				queueMax = q
			}
			sum += q
		}
		if queueMax > 0 {
			queueNorm = float64(sum) / (float64(len(m.queueWindow)) * float64(queueMax))
		}
	}

	c := 0.7*rttNorm + 0.3*queueNorm
	return clamp01(c)
}

func classify(rttMean, lossMean, bwMean float64) QualityClass {
	for _, th := range qualityThresholds {
		if rttMean <= th.rttMs && lossMean <= th.packetLoss && bwMean >= th.bandwidthBps {
			return th.class
		}
	}
	return VeryPoor
}

// advanceClass applies the saturating-counter hysteresis gate described in
// spec.md §4.4 and scenario S3: a sample agreeing with the current class
// saturates stability back up towards hysteresisThreshold, while a
// disagreeing sample only decrements it. The class only switches once
// stability is driven down to zero, so a single blip never demotes on its
// own but does erode the cushion a following blip can exploit. Caller
// holds m.mu.
func (m *Monitor) advanceClass(detected QualityClass) {
	if detected == m.currentClass {
		if m.stability < hysteresisThreshold {
			m.stability++
		}
		return
	}
	m.stability--
	if m.stability <= 0 {
		m.currentClass = detected
		m.stability = 0
	}
}

// Snapshot returns a copy of the current network assessment.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Predict extrapolates (rtt, loss, bandwidth) horizon ahead using linear
// trend over the recent predictor history, clamped to valid ranges.
func (m *Monitor) Predict(horizon time.Duration) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.predictorHistory) < 2 {
		return m.last
	}
	first := m.predictorHistory[0]
	last := m.predictorHistory[len(m.predictorHistory)-1]
	dt := last.t.Sub(first.t).Seconds()
	if dt <= 0 {
		return m.last
	}

	rttRate := (last.rtt - first.rtt) / dt
	lossRate := (last.loss - first.loss) / dt
	bwRate := (last.bw - first.bw) / dt

	ahead := horizon.Seconds()
	rtt := math.Max(0, last.rtt+rttRate*ahead)
	loss := clamp01(last.loss + lossRate*ahead)
	bw := math.Max(0, last.bw+bwRate*ahead)

	return Snapshot{
		RTTMs:        rtt,
		RTTJitterMs:  m.last.RTTJitterMs,
		LossRatio:    loss,
		BandwidthBps: bw,
		Congestion:   m.congestion(rtt),
		QualityClass: classify(rtt, loss, bw),
		Timestamp:    last.t.Add(horizon),
	}
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(len(xs)))
	return mean, std
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
