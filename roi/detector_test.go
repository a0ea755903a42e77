package roi

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func solidFrame(width, height int, b, g, r uint8) gocv.Mat {
	buf := make([]byte, width*height*3)
	for i := 0; i < width*height; i++ {
		buf[i*3+0] = b
		buf[i*3+1] = g
		buf[i*3+2] = r
	}
	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, buf)
	if err != nil {
		panic(err)
	}
	return mat
}

func TestPointerProximityPeaksAtCursorCell(t *testing.T) {
	d := NewDetector(400, 400, 4)
	defer d.Close()

	frame := solidFrame(400, 400, 0, 0, 0)
	defer frame.Close()

	grid := d.Detect(frame, Point{X: 50, Y: 50}) // cell (0,0) of a 4x4 grid of 100x100-pixel cells
	require.Equal(t, 4, grid.Size)

	cursorCellWeight := grid.Weights[0][0]
	farCellWeight := grid.Weights[3][3]
	require.Greater(t, cursorCellWeight, farCellWeight)
	require.Greater(t, cursorCellWeight, 0.0)
}

func TestMotionCueZeroOnFirstFrame(t *testing.T) {
	d := NewDetector(200, 200, 4)
	defer d.Close()

	frame := solidFrame(200, 200, 10, 10, 10)
	defer frame.Close()

	// First frame has no previous grayscale to diff against, so the motion
	// cue contributes nothing; only the (out-of-range) pointer cue could.
	grid := d.Detect(frame, Point{X: -1000, Y: -1000})
	for _, row := range grid.Weights {
		for _, w := range row {
			require.Equal(t, 0.0, w)
		}
	}
}

func TestMotionCueDetectsChangedRegion(t *testing.T) {
	d := NewDetector(200, 200, 4)
	defer d.Close()

	first := solidFrame(200, 200, 0, 0, 0)
	defer first.Close()
	d.Detect(first, Point{X: -1000, Y: -1000})

	second := solidFrame(200, 200, 0, 0, 0)
	defer second.Close()
	// Paint the top-left cell (0..50, 0..50) bright to create a frame diff
	// localized to grid cell (0,0).
	region := second.Region(image.Rect(0, 0, 50, 50))
	region.SetTo(gocv.NewScalar(255, 255, 255, 0))
	region.Close()

	grid := d.Detect(second, Point{X: -1000, Y: -1000})
	require.Greater(t, grid.Weights[0][0], grid.Weights[3][3])
}

func TestToQPDeltaMapsFullWeightToZeroDelta(t *testing.T) {
	g := NewGrid(2)
	g.Weights[0][0] = 1.0
	g.Weights[0][1] = 0.0
	g.Weights[1][0] = 0.5
	g.Weights[1][1] = 0.5

	qp := ToQPDelta(g, 10)
	require.Equal(t, 0, qp.Deltas[0][0])
	require.Equal(t, 10, qp.Deltas[0][1])
	require.Equal(t, 5, qp.Deltas[1][0])
}

func TestGridNormalizationLeavesAllZeroGridUnchanged(t *testing.T) {
	g := NewGrid(3)
	g.normalize()
	for _, row := range g.Weights {
		for _, w := range row {
			require.Equal(t, 0.0, w)
		}
	}
}
