// Package encoder implements C8: the adaptive encoder controller. It
// consumes NetworkSnapshots (and, per frame, an ROI grid) and drives the
// external codec collaborator through reconfigure/encode/request_keyframe,
// picking a {width, height, fps, bitrate, gop, base_qp} tier by thresholds
// on rtt and loss.
//
// Grounded on server/encoder/adaptive_encoder.py's AdaptiveEncoder:
// _adapt_to_network's ±50%/step bitrate clamp and GOP-based keyframe
// cadence (frame_index % gop == 0) are carried over verbatim; the Python
// class's direct GStreamer/x264 construction is replaced by the Codec
// interface since the codec engine is an external collaborator per
// spec.md §1.
package encoder

import (
	"time"

	"github.com/aj-web/weak-network-video-streaming/metrics"
	"github.com/aj-web/weak-network-video-streaming/netmon"
	"github.com/aj-web/weak-network-video-streaming/roi"
	"github.com/rs/zerolog"
)

// Tier names the controller's discrete quality level.
type Tier int

const (
	TierHigh Tier = iota
	TierBalanced
	TierLow
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierBalanced:
		return "balanced"
	case TierLow:
		return "low"
	case TierEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Params is one tier's concrete encode configuration.
type Params struct {
	Width, Height int
	FPS           int
	BitrateBps    float64
	GOP           int
	BaseQP        int
}

// Codec is the external collaborator contract spec.md §1 and §4.8 require:
// the actual encode engine (e.g. x264/x265 via GStreamer, as in the
// original Python implementation) lives outside this package.
type Codec interface {
	Reconfigure(p Params) error
	RequestKeyframe()
}

// sustainedLossWindow is how long loss must exceed 10% before a forced
// keyframe is triggered outside of a reinit (spec.md §4.8 step 4).
const sustainedLossWindow = 1 * time.Second
const sustainedLossThreshold = 0.10

// Controller runs at ~1 Hz on the server, mutating codec parameters from
// NetworkSnapshots.
type Controller struct {
	nativeWidth, nativeHeight int
	targetFPS                 int

	current      Params
	currentTier  Tier
	codec        Codec
	log          zerolog.Logger
	metrics      *metrics.Metrics
	roiMaxDelta  int

	lossHighSince time.Time
	haveLossHigh  bool

	degradedROILogged bool
}

// New creates a controller seeded at TierHigh with the given native
// capture resolution and an initial bitrate. m may be nil.
func New(nativeWidth, nativeHeight, targetFPS int, initialBitrate float64, roiMaxDelta int, codec Codec, m *metrics.Metrics, log zerolog.Logger) *Controller {
	c := &Controller{
		nativeWidth: nativeWidth, nativeHeight: nativeHeight, targetFPS: targetFPS,
		codec: codec, log: log, metrics: m, roiMaxDelta: roiMaxDelta,
		currentTier: TierHigh,
	}
	c.current = tierParams(TierHigh, nativeWidth, nativeHeight, targetFPS, initialBitrate)
	return c
}

func tierParams(tier Tier, nativeW, nativeH, targetFPS int, bitrate float64) Params {
	switch tier {
	case TierHigh:
		return Params{Width: nativeW, Height: nativeH, FPS: targetFPS, BitrateBps: bitrate, GOP: targetFPS, BaseQP: 23}
	case TierBalanced:
		return Params{Width: scale(nativeW, 0.75), Height: scale(nativeH, 0.75), FPS: minInt(targetFPS, 30), BitrateBps: bitrate, GOP: targetFPS, BaseQP: 26}
	case TierLow:
		return Params{Width: scale(nativeW, 0.5), Height: scale(nativeH, 0.5), FPS: minInt(targetFPS, 20), BitrateBps: bitrate, GOP: targetFPS, BaseQP: 29}
	default: // TierEmergency
		return Params{Width: scale(nativeW, 0.35), Height: scale(nativeH, 0.35), FPS: minInt(targetFPS, 10), BitrateBps: bitrate, GOP: targetFPS, BaseQP: 32}
	}
}

func scale(v int, f float64) int {
	n := int(float64(v) * f)
	if n%2 == 1 {
		n++ // keep dimensions even, as most codecs require
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func chooseTier(rttMs, loss float64) Tier {
	switch {
	case rttMs < 100 && loss < 0.02:
		return TierHigh
	case rttMs < 200 && loss < 0.05:
		return TierBalanced
	case rttMs < 300 && loss < 0.10:
		return TierLow
	default:
		return TierEmergency
	}
}

// Step runs one controller iteration from the latest snapshot, returning
// whether a forced keyframe was requested this step.
func (c *Controller) Step(snap netmon.Snapshot, now time.Time) bool {
	availableBW := snap.BandwidthBps * (1 - snap.LossRatio)
	targetBitrate := clampF(0.8*availableBW, 0.5*c.current.BitrateBps, 1.5*c.current.BitrateBps)

	tier := chooseTier(snap.RTTMs, snap.LossRatio)
	next := tierParams(tier, c.nativeWidth, c.nativeHeight, c.targetFPS, targetBitrate)

	forcedKeyframe := false
	resolutionChanged := next.Width != c.current.Width || next.Height != c.current.Height || next.FPS != c.current.FPS
	if resolutionChanged {
		if err := c.codec.Reconfigure(next); err != nil {
			c.log.Warn().Err(err).Str("tier", tier.String()).Msg("encoder reconfigure rejected, keeping previous tier")
			if c.metrics != nil {
				c.metrics.EncoderReconfigFail.WithLabelValues().Inc()
			}
			return false
		}
		c.current = next
		c.currentTier = tier
		c.codec.RequestKeyframe()
		forcedKeyframe = true
	} else {
		c.current.BitrateBps = next.BitrateBps
		c.currentTier = tier
	}

	if snap.LossRatio > sustainedLossThreshold {
		if !c.haveLossHigh {
			c.lossHighSince = now
			c.haveLossHigh = true
		} else if now.Sub(c.lossHighSince) > sustainedLossWindow && !forcedKeyframe {
			c.codec.RequestKeyframe()
			forcedKeyframe = true
		}
	} else {
		c.haveLossHigh = false
	}

	return forcedKeyframe
}

// ShouldKeyframe reports whether frameIndex lands on the GOP boundary
// (server/encoder/adaptive_encoder.py: `frame_index % gop == 0`).
func (c *Controller) ShouldKeyframe(frameIndex uint32) bool {
	if c.current.GOP <= 0 {
		return false
	}
	return frameIndex%uint32(c.current.GOP) == 0
}

// QPDeltaForGrid maps an ROI grid's weights to a QP-delta matrix, or
// reports degraded mode if the codec cannot accept one (spec.md §4.8's
// ROI hinting, logged once).
func (c *Controller) QPDeltaForGrid(grid *roi.Grid, codecSupportsPerBlockQP bool) *roi.QPDeltaMap {
	if !codecSupportsPerBlockQP {
		if !c.degradedROILogged {
			c.log.Warn().Msg("codec does not accept per-block QP, discarding ROI hint")
			c.degradedROILogged = true
		}
		return nil
	}
	return roi.ToQPDelta(grid, c.roiMaxDelta)
}

// Current returns the active tier and its parameters.
func (c *Controller) Current() (Tier, Params) { return c.currentTier, c.current }

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
