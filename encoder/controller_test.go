package encoder

import (
	"testing"
	"time"

	"github.com/aj-web/weak-network-video-streaming/netmon"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeCodec struct {
	reconfigures   []Params
	keyframes      int
	rejectNextErr  error
}

func (f *fakeCodec) Reconfigure(p Params) error {
	if f.rejectNextErr != nil {
		err := f.rejectNextErr
		f.rejectNextErr = nil
		return err
	}
	f.reconfigures = append(f.reconfigures, p)
	return nil
}

func (f *fakeCodec) RequestKeyframe() { f.keyframes++ }

func TestChooseTierCleanLinkIsHigh(t *testing.T) {
	require.Equal(t, TierHigh, chooseTier(50, 0.0))
}

func TestChooseTierDegradesWithRTTAndLoss(t *testing.T) {
	require.Equal(t, TierBalanced, chooseTier(150, 0.03))
	require.Equal(t, TierLow, chooseTier(250, 0.08))
	require.Equal(t, TierEmergency, chooseTier(500, 0.2))
}

func TestStepReinitializesOnResolutionChangeAndRequestsKeyframe(t *testing.T) {
	codec := &fakeCodec{}
	c := New(1920, 1080, 30, 3_000_000, 10, codec, nil, zerolog.Nop())

	now := time.Now()
	forced := c.Step(netmon.Snapshot{RTTMs: 500, LossRatio: 0.3, BandwidthBps: 500_000}, now)
	require.True(t, forced)
	require.Equal(t, 1, codec.keyframes)
	require.Equal(t, TierEmergency, c.currentTier)
}

func TestStepClampsBitrateChangeToHalfAndOnePointFivePerStep(t *testing.T) {
	codec := &fakeCodec{}
	c := New(1920, 1080, 30, 3_000_000, 10, codec, nil, zerolog.Nop())

	// Same tier (High) across the step so only the bitrate path is exercised.
	snap := netmon.Snapshot{RTTMs: 20, LossRatio: 0.0, BandwidthBps: 100_000_000}
	c.Step(snap, time.Now())

	_, params := c.Current()
	require.LessOrEqual(t, params.BitrateBps, 1.5*3_000_000)
	require.GreaterOrEqual(t, params.BitrateBps, 0.5*3_000_000)
}

func TestStepKeepsPreviousTierWhenReconfigureRejected(t *testing.T) {
	codec := &fakeCodec{rejectNextErr: errTest}
	c := New(1920, 1080, 30, 3_000_000, 10, codec, nil, zerolog.Nop())

	forced := c.Step(netmon.Snapshot{RTTMs: 500, LossRatio: 0.3, BandwidthBps: 500_000}, time.Now())
	require.False(t, forced)
	require.Equal(t, TierHigh, c.currentTier)
	require.Equal(t, 0, codec.keyframes)
}

func TestSustainedLossForcesKeyframeAfterOneSecond(t *testing.T) {
	codec := &fakeCodec{}
	c := New(960, 540, 30, 2_000_000, 10, codec, nil, zerolog.Nop())

	start := time.Now()
	snap := netmon.Snapshot{RTTMs: 50, LossRatio: 0.15, BandwidthBps: 2_000_000}

	// First sample over threshold also reinitializes into Emergency tier,
	// which forces its own keyframe; consume that before isolating the
	// sustained-loss path.
	forced := c.Step(snap, start)
	require.True(t, forced)
	require.Equal(t, TierEmergency, c.currentTier)
	codec.keyframes = 0

	// Still in Emergency (no further reinit) and under the 1s sustained
	// window: no forced keyframe yet.
	forced = c.Step(snap, start.Add(500*time.Millisecond))
	require.False(t, forced)

	// Past the window: forced keyframe from the sustained-loss path.
	forced = c.Step(snap, start.Add(1200*time.Millisecond))
	require.True(t, forced)
	require.Equal(t, 1, codec.keyframes)
}

func TestShouldKeyframeFollowsGOPCadence(t *testing.T) {
	c := New(1920, 1080, 30, 3_000_000, 10, &fakeCodec{}, nil, zerolog.Nop())
	_, params := c.Current()
	require.True(t, c.ShouldKeyframe(0))
	require.True(t, c.ShouldKeyframe(uint32(params.GOP)))
	require.False(t, c.ShouldKeyframe(1))
}

func TestQPDeltaForGridReturnsNilWhenCodecLacksSupport(t *testing.T) {
	c := New(960, 540, 30, 2_000_000, 10, &fakeCodec{}, nil, zerolog.Nop())
	require.Nil(t, c.QPDeltaForGrid(nil, false))
}

var errTest = &testError{"reconfigure rejected"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
