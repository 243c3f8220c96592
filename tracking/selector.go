package tracking

import (
	"image"
	"math"

	"gonum.org/v1/gonum/floats"

	"gatecam/detection"
)

// Selector picks the subject out of a frame's detections
type Selector struct {
	// MaxJumpRatio rejects re-identification beyond this fraction of the frame diagonal
	MaxJumpRatio float64
}

// NewSelector uses the default 0.3 diagonal radius when ratio is not positive
func NewSelector(ratio float64) Selector {
	if ratio <= 0 {
		ratio = 0.3
	}
	return Selector{MaxJumpRatio: ratio}
}

// Select returns the subject, or false when there is none.
//
// With a previous box the candidate nearest to its centroid wins, unless it
// lies further than MaxJumpRatio of the frame diagonal away. Without one the
// largest box wins. Ties go to the earliest detection.
func (s Selector) Select(dets []detection.Detection, prev *detection.BBox, frame image.Point) (detection.Detection, bool) {
	if len(dets) == 0 {
		return detection.Detection{}, false
	}

	if prev == nil {
		best := 0
		for i := 1; i < len(dets); i++ {
			if dets[i].Box.Area() > dets[best].Box.Area() {
				best = i
			}
		}
		return dets[best], true
	}

	px, py := prev.Center()
	anchor := []float64{px, py}
	best, bestDist := -1, math.Inf(1)
	for i, d := range dets {
		cx, cy := d.Box.Center()
		dist := floats.Distance([]float64{cx, cy}, anchor, 2)
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}

	diagonal := math.Hypot(float64(frame.X), float64(frame.Y))
	if bestDist > s.MaxJumpRatio*diagonal {
		return detection.Detection{}, false
	}
	return dets[best], true
}
