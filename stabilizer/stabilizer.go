// Package stabilizer crops the camera frame around the subject and smooths
// the crop window over time. The camera is zoomed slightly wider than the
// output so there is margin to move the window in.
package stabilizer

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"gatecam/course"
	"gatecam/detection"
)

// Global debug function for stabilizer package
var debugMsgFunc func(string, string, ...string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string, ...string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string, runID ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, runID...)
	}
}

type Config struct {
	// Overscan is the fraction of each frame dimension trimmed by the crop
	Overscan float64
	// Alpha is the EMA weight of the newest sample
	Alpha float64
	// FramePosition places the subject this far in from the trailing edge
	FramePosition float64
	OutputWidth   int
	OutputHeight  int
}

func ConfigFromCourse(s course.StabilizationConfig) Config {
	return Config{
		Overscan:      s.OverscanPct,
		Alpha:         s.SmoothingAlpha,
		FramePosition: s.RacerFramePosition,
		OutputWidth:   s.OutputWidth,
		OutputHeight:  s.OutputHeight,
	}
}

// Stabilizer holds the smoothed crop origin. Not safe for concurrent use.
type Stabilizer struct {
	cfg    Config
	emaX   float64
	emaY   float64
	primed bool
}

func New(cfg Config) *Stabilizer {
	debugMsg("STABILIZER", fmt.Sprintf("overscan=%.2f alpha=%.2f position=%.2f output=%dx%d",
		cfg.Overscan, cfg.Alpha, cfg.FramePosition, cfg.OutputWidth, cfg.OutputHeight))
	return &Stabilizer{cfg: cfg}
}

// Reset forgets the smoothed origin; the next Window snaps to its target
func (s *Stabilizer) Reset() {
	s.primed = false
	s.emaX, s.emaY = 0, 0
}

// Smoothed returns the current crop origin before clamping
func (s *Stabilizer) Smoothed() (x, y float64, ok bool) {
	return s.emaX, s.emaY, s.primed
}

// Window advances the filter with one subject box and returns the crop
// rectangle in frame pixels. dirSign < 0 puts the subject on the right so
// the left of the window shows where the course goes next.
func (s *Stabilizer) Window(frameW, frameH int, box detection.BBox, dirSign int) image.Rectangle {
	cropW, cropH := s.cropSize(frameW, frameH)
	cx, cy := box.Center()

	desiredX := cx - float64(cropW)*s.cfg.FramePosition
	if dirSign < 0 {
		desiredX = cx - float64(cropW)*(1-s.cfg.FramePosition)
	}
	desiredY := cy - float64(cropH)*0.5

	if !s.primed {
		s.emaX, s.emaY = desiredX, desiredY
		s.primed = true
	} else {
		s.emaX = s.cfg.Alpha*desiredX + (1-s.cfg.Alpha)*s.emaX
		s.emaY = s.cfg.Alpha*desiredY + (1-s.cfg.Alpha)*s.emaY
	}

	x := int(math.Max(0, math.Min(s.emaX, float64(frameW-cropW))))
	y := int(math.Max(0, math.Min(s.emaY, float64(frameH-cropH))))
	return image.Rect(x, y, x+cropW, y+cropH)
}

func (s *Stabilizer) cropSize(frameW, frameH int) (int, int) {
	keep := 1 - s.cfg.Overscan
	w := int(float64(frameW) * keep)
	h := int(float64(frameH) * keep)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// Update is Window followed by Render. The caller owns the returned Mat.
func (s *Stabilizer) Update(frame gocv.Mat, box detection.BBox, dirSign int) gocv.Mat {
	return s.Render(frame, s.Window(frame.Cols(), frame.Rows(), box, dirSign))
}

// Render cuts window out of frame and scales it to the output size.
// The caller owns the returned Mat.
func (s *Stabilizer) Render(frame gocv.Mat, window image.Rectangle) gocv.Mat {
	window = window.Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows()))
	if window.Empty() {
		return s.Passthrough(frame)
	}
	roi := frame.Region(window)
	defer roi.Close()
	return s.toOutput(roi)
}

// Passthrough scales the whole frame to the output size without touching
// the filter state. The caller owns the returned Mat.
func (s *Stabilizer) Passthrough(frame gocv.Mat) gocv.Mat {
	return s.toOutput(frame)
}

func (s *Stabilizer) toOutput(src gocv.Mat) gocv.Mat {
	if s.cfg.OutputWidth <= 0 || s.cfg.OutputHeight <= 0 ||
		(src.Cols() == s.cfg.OutputWidth && src.Rows() == s.cfg.OutputHeight) {
		return src.Clone()
	}
	out := gocv.NewMat()
	gocv.Resize(src, &out, image.Pt(s.cfg.OutputWidth, s.cfg.OutputHeight), 0, 0, gocv.InterpolationLinear)
	return out
}
