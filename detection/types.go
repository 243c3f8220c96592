package detection

import (
	"image"

	"gocv.io/x/gocv"
)

// BBox is an axis-aligned box in frame pixels
type BBox struct {
	X1, Y1, X2, Y2 float64
}

func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Area is zero for degenerate boxes
func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect rounds the box to integer pixels for drawing
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1+0.5), int(b.Y1+0.5), int(b.X2+0.5), int(b.Y2+0.5))
}

// IoU is intersection over union of two boxes
func (b BBox) IoU(o BBox) float64 {
	ix := minF(b.X2, o.X2) - maxF(b.X1, o.X1)
	iy := minF(b.Y2, o.Y2) - maxF(b.Y1, o.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one person found in a frame
type Detection struct {
	Box        BBox
	Confidence float64
}

// Detector finds people in a frame. Implementations must not retain frame.
type Detector interface {
	Detect(frame gocv.Mat, confidence float64) ([]Detection, error)
	Close() error
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
