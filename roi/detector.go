// Package roi implements C9: the region-of-interest detector. Per captured
// raw frame it produces a G×G grid of importance weights combining pointer
// proximity, interframe motion, and edge density, then maps that grid to a
// per-cell QP-delta for the encoder controller.
//
// Grounded on server/roi_detector.py's ROIDetector (_detect_mouse_roi,
// _detect_motion_roi, _detect_text_roi, get_qp_delta_map) for the cue
// formulas, and on n0remac-robot-webrtc's cvpipe.Pipeline for the gocv.Mat
// handling idiom (reused working Mats, explicit Close, grayscale/Canny via
// gocv.CvtColor/gocv.Canny).
package roi

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

const (
	// DefaultGridSize is G, the grid's side length (spec.md §3 ROIGrid).
	DefaultGridSize = 8
	// DefaultMouseRadius is the pointer-proximity falloff radius in pixels.
	DefaultMouseRadius = 200.0
	// motionThreshold is the grayscale absdiff cutoff for the motion cue.
	motionThreshold = 20
	// edgeDensityScale and edgeDensityCap bound the edge-density cue.
	edgeDensityScale = 0.5
	edgeDensityCap   = 1.0
)

// Grid is a G×G matrix of importance weights in [0, 1].
type Grid struct {
	Size    int
	Weights [][]float64 // Weights[row][col], row = y, col = x, matching the Python [j][i] convention
}

// NewGrid allocates a zeroed size×size grid.
func NewGrid(size int) *Grid {
	w := make([][]float64, size)
	for i := range w {
		w[i] = make([]float64, size)
	}
	return &Grid{Size: size, Weights: w}
}

func (g *Grid) max() float64 {
	m := 0.0
	for _, row := range g.Weights {
		for _, v := range row {
			if v > m {
				m = v
			}
		}
	}
	return m
}

// normalize divides every weight by the grid's maximum, if >0 (spec.md §4.9).
func (g *Grid) normalize() {
	m := g.max()
	if m <= 0 {
		return
	}
	for _, row := range g.Weights {
		for i := range row {
			row[i] /= m
		}
	}
}

// QPDeltaMap is a G×G matrix of integer QP adjustments; lower (more
// negative relative to base) means better quality for more important cells.
type QPDeltaMap struct {
	Size   int
	Deltas [][]int
}

// ToQPDelta maps a Grid to a QPDeltaMap via
// qp_delta = round((1 - weight) * max_delta) (spec.md §3 ROIGrid).
func ToQPDelta(grid *Grid, maxDelta int) *QPDeltaMap {
	d := make([][]int, grid.Size)
	for j, row := range grid.Weights {
		d[j] = make([]int, grid.Size)
		for i, w := range row {
			d[j][i] = int(math.Round((1 - w) * float64(maxDelta)))
		}
	}
	return &QPDeltaMap{Size: grid.Size, Deltas: d}
}

// Point is a pointer position in frame pixel coordinates.
type Point struct {
	X, Y int
}

// Detector computes ROI grids from successive raw BGR frames. Pure with
// respect to its inputs plus the bounded internal state of the previous
// frame's grayscale Mat (spec.md §4.9).
type Detector struct {
	width, height int
	gridSize      int
	cellW, cellH  int
	mouseRadius   float64

	prevGray gocv.Mat
	havePrev bool

	gray, diff, thresh, edges gocv.Mat
}

// NewDetector creates a detector for frames of width×height, divided into a
// gridSize×gridSize grid.
func NewDetector(width, height, gridSize int) *Detector {
	if gridSize <= 0 {
		gridSize = DefaultGridSize
	}
	return &Detector{
		width: width, height: height, gridSize: gridSize,
		cellW: width / gridSize, cellH: height / gridSize,
		mouseRadius: DefaultMouseRadius,
		prevGray:    gocv.NewMat(),
		gray:        gocv.NewMat(),
		diff:        gocv.NewMat(),
		thresh:      gocv.NewMat(),
		edges:       gocv.NewMat(),
	}
}

// Close releases the detector's working Mats.
func (d *Detector) Close() {
	d.prevGray.Close()
	d.gray.Close()
	d.diff.Close()
	d.thresh.Close()
	d.edges.Close()
}

// cellBounds returns the pixel rectangle for grid cell (col, row), clamped
// to the frame.
func (d *Detector) cellBounds(col, row int) image.Rectangle {
	x1 := col * d.cellW
	y1 := row * d.cellH
	x2 := x1 + d.cellW
	y2 := y1 + d.cellH
	if x2 > d.width {
		x2 = d.width
	}
	if y2 > d.height {
		y2 = d.height
	}
	return image.Rect(x1, y1, x2, y2)
}

// Detect computes one frame's ROI grid from a BGR frame and the current
// pointer position. frame must be width×height CV_8UC3, as produced by the
// capture collaborator (spec.md §1's out-of-scope screen capture).
func (d *Detector) Detect(frame gocv.Mat, pointer Point) *Grid {
	g := NewGrid(d.gridSize)

	d.mouseROI(g, pointer)

	gocv.CvtColor(frame, &d.gray, gocv.ColorBGRToGray)
	d.motionROI(g)
	d.edgeROI(g)

	g.normalize()

	d.gray.CopyTo(&d.prevGray)
	d.havePrev = true

	return g
}

// mouseROI applies the pointer-proximity cue: cell weight =
// max(0, 1 - dist(cell_center, pointer)/mouse_radius), only evaluated over
// the 3x3 neighborhood of the pointer's own cell as the Python original does
// (_detect_mouse_roi). Cells outside that neighborhood get no pointer weight,
// even when their centers lie within mouse_radius.
func (d *Detector) mouseROI(g *Grid, p Point) {
	if d.cellW <= 0 || d.cellH <= 0 {
		return
	}
	gridX := clampInt(p.X/d.cellW, 0, d.gridSize-1)
	gridY := clampInt(p.Y/d.cellH, 0, d.gridSize-1)

	for col := maxInt(0, gridX-1); col <= minInt(d.gridSize-1, gridX+1); col++ {
		for row := maxInt(0, gridY-1); row <= minInt(d.gridSize-1, gridY+1); row++ {
			centerX := (float64(col) + 0.5) * float64(d.cellW)
			centerY := (float64(row) + 0.5) * float64(d.cellH)
			dist := math.Hypot(centerX-float64(p.X), centerY-float64(p.Y))
			if dist < d.mouseRadius {
				w := 1.0 - dist/d.mouseRadius
				if w > g.Weights[row][col] {
					g.Weights[row][col] = w
				}
			}
		}
	}
}

// motionROI applies the motion cue: grayscale absdiff with the previous
// frame, thresholded, per-cell fraction of above-threshold pixels.
func (d *Detector) motionROI(g *Grid) {
	if !d.havePrev {
		return
	}
	gocv.AbsDiff(d.gray, d.prevGray, &d.diff)
	gocv.Threshold(d.diff, &d.thresh, motionThreshold, 255, gocv.ThresholdBinary)

	for row := 0; row < d.gridSize; row++ {
		for col := 0; col < d.gridSize; col++ {
			r := d.cellBounds(col, row)
			if r.Dx() <= 0 || r.Dy() <= 0 {
				continue
			}
			cell := d.thresh.Region(r)
			ratio := float64(gocv.CountNonZero(cell)) / float64(r.Dx()*r.Dy())
			cell.Close()
			if ratio > g.Weights[row][col] {
				g.Weights[row][col] = ratio
			}
		}
	}
}

// edgeROI applies the edge-density (text-likely surrogate) cue: Canny edge
// ratio per cell, scaled by edgeDensityScale, capped at edgeDensityCap.
func (d *Detector) edgeROI(g *Grid) {
	gocv.Canny(d.gray, &d.edges, 50, 150)

	for row := 0; row < d.gridSize; row++ {
		for col := 0; col < d.gridSize; col++ {
			r := d.cellBounds(col, row)
			if r.Dx() <= 0 || r.Dy() <= 0 {
				continue
			}
			cell := d.edges.Region(r)
			ratio := float64(gocv.CountNonZero(cell)) / float64(r.Dx()*r.Dy())
			cell.Close()
			weight := math.Min(edgeDensityCap, ratio*edgeDensityScale)
			if weight > g.Weights[row][col] {
				g.Weights[row][col] = weight
			}
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
