package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"gocv.io/x/gocv"

	"gatecam/course"
	"gatecam/detection"
	"gatecam/tracking"
)

// debugMsgFunc is a function that will be set by main package to use unified logging
var debugMsgFunc func(component, message string, runID ...string)

// SetDebugFunction allows main package to provide the debug logger
func SetDebugFunction(fn func(component, message string, runID ...string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string, runID ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, runID...)
	}
}

var (
	detectionBlue = color.RGBA{R: 0x00, G: 0x7f, B: 0xff, A: 180}
	subjectGreen  = color.RGBA{R: 0x11, G: 0x8a, B: 0x28, A: 255}
	targetYellow  = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	zoneOrange    = color.RGBA{R: 255, G: 140, B: 0, A: 255}
	cropWhite     = color.RGBA{R: 255, G: 255, B: 255, A: 160}
	barBlack      = color.RGBA{A: 255}
)

// Frame is everything drawn on one preview frame
type Frame struct {
	Number     int64
	Detections []detection.Detection
	Result     tracking.StepResult
	Status     tracking.Snapshot
	Zone       *course.TriggerZone
}

// Renderer draws the debug preview. It is only used when a preview window
// is open, so it may allocate freely.
type Renderer struct {
	animationTime float64
	lastDraw      time.Time
	frames        int64
}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Draw annotates img in place
func (r *Renderer) Draw(img *gocv.Mat, f Frame) {
	if img.Empty() {
		return
	}
	now := time.Now()
	if !r.lastDraw.IsZero() {
		r.animationTime += now.Sub(r.lastDraw).Seconds()
	}
	r.lastDraw = now
	r.frames++

	size := image.Pt(img.Cols(), img.Rows())
	if r.frames == 1 {
		debugMsg("OVERLAY", fmt.Sprintf("Preview overlay active at %dx%d", size.X, size.Y))
	}

	if f.Status.State == tracking.StateWaiting && f.Zone != nil && f.Zone.Enabled {
		r.drawZone(img, zoneRect(*f.Zone, size), f.Zone.Direction, f.Status.FramesInZone)
	}

	for _, d := range f.Detections {
		r.drawDetection(img, d)
	}

	if f.Result.Subject != nil {
		r.drawSubject(img, f.Result.Subject.Box.Rect())
	}

	if f.Status.State == tracking.StateTracking && f.Result.Subject != nil {
		r.drawTarget(img, f.Result.Desired)
	}

	if f.Result.Crop != nil {
		gocv.Rectangle(img, *f.Result.Crop, cropWhite, 1)
	}

	r.drawStatusBar(img, f)
}

func (r *Renderer) drawDetection(img *gocv.Mat, d detection.Detection) {
	rect := d.Box.Rect()
	gocv.Rectangle(img, rect, detectionBlue, 2)

	label := fmt.Sprintf("person %.0f%%", d.Confidence*100)
	labelPos := image.Pt(rect.Min.X, rect.Min.Y-8)
	if labelPos.Y < 15 {
		labelPos.Y = rect.Max.Y + 20
	}
	gocv.PutText(img, label, labelPos, gocv.FontHersheySimplex, 0.4, detectionBlue, 1)
}

// drawSubject marks the selected racer with pulsing corner brackets
func (r *Renderer) drawSubject(img *gocv.Mat, rect image.Rectangle) {
	intensity := math.Sin(r.animationTime*4.0)*0.3 + 0.7
	c := subjectGreen
	c.A = uint8(float64(c.A) * intensity)
	drawCornerBrackets(img, rect, c, 2, 15)

	cx, cy := rect.Min.X+rect.Dx()/2, rect.Min.Y+rect.Dy()/2
	drawCrosshair(img, image.Pt(cx, cy), 12, 3, subjectGreen)
	gocv.PutText(img, "RACER", image.Pt(rect.Min.X, rect.Min.Y-25), gocv.FontHersheySimplex, 0.6, subjectGreen, 2)
}

// drawTarget marks where the controller wants the racer to sit
func (r *Renderer) drawTarget(img *gocv.Mat, p image.Point) {
	gocv.Circle(img, p, 8, targetYellow, 2)
	drawCrosshair(img, p, 20, 10, targetYellow)
	gocv.PutText(img, "TARGET", image.Pt(p.X+15, p.Y-10), gocv.FontHersheySimplex, 0.5, targetYellow, 1)
}

func (r *Renderer) drawZone(img *gocv.Mat, rect image.Rectangle, dir course.Direction, inZone int) {
	drawDashedRect(img, rect, zoneOrange, 2)
	label := fmt.Sprintf("START (%s) %d", dir, inZone)
	gocv.PutText(img, label, image.Pt(rect.Min.X+5, rect.Min.Y+20), gocv.FontHersheySimplex, 0.6, zoneOrange, 2)
}

func (r *Renderer) drawStatusBar(img *gocv.Mat, f Frame) {
	w := img.Cols()
	gocv.Rectangle(img, image.Rect(0, 0, w, 36), barBlack, -1)

	c := stateColor(f.Status.State)
	gocv.PutText(img, statusLine(f), image.Pt(10, 24), gocv.FontHersheySimplex, 0.6, c, 2)

	frameText := fmt.Sprintf("#%d", f.Number)
	textSize := gocv.GetTextSize(frameText, gocv.FontHersheySimplex, 0.5, 1)
	gocv.PutText(img, frameText, image.Pt(w-textSize.X-10, 24), gocv.FontHersheySimplex, 0.5, cropWhite, 1)
}

// statusLine is the text of the top bar
func statusLine(f Frame) string {
	s := f.Status
	line := s.StateName
	if s.NumGates > 0 {
		line += fmt.Sprintf(" | Gate %d/%d", s.GateIndex+1, s.NumGates)
	}
	if s.State == tracking.StateTracking || s.State == tracking.StateFinished {
		line += fmt.Sprintf(" | %.2fs", s.Elapsed.Seconds())
	}
	if f.Result.Info != "" {
		line += " | " + f.Result.Info
	}
	return line
}

func stateColor(s tracking.State) color.RGBA {
	switch s {
	case tracking.StateTracking:
		return color.RGBA{G: 255, A: 255}
	case tracking.StateFinished:
		return color.RGBA{R: 0, G: 200, B: 255, A: 255}
	case tracking.StateWaiting:
		return color.RGBA{R: 255, G: 200, A: 255}
	}
	return color.RGBA{R: 160, G: 160, B: 160, A: 255}
}

// zoneRect converts fractional zone bounds to pixels
func zoneRect(z course.TriggerZone, size image.Point) image.Rectangle {
	w, h := float64(size.X), float64(size.Y)
	return image.Rect(
		int(z.BBoxPct[0]*w), int(z.BBoxPct[1]*h),
		int(z.BBoxPct[2]*w), int(z.BBoxPct[3]*h),
	).Intersect(image.Rectangle{Max: size})
}

func drawCrosshair(img *gocv.Mat, center image.Point, size, gap int, c color.RGBA) {
	gocv.Line(img, image.Pt(center.X-size, center.Y), image.Pt(center.X-gap, center.Y), c, 2)
	gocv.Line(img, image.Pt(center.X+gap, center.Y), image.Pt(center.X+size, center.Y), c, 2)
	gocv.Line(img, image.Pt(center.X, center.Y-size), image.Pt(center.X, center.Y-gap), c, 2)
	gocv.Line(img, image.Pt(center.X, center.Y+gap), image.Pt(center.X, center.Y+size), c, 2)
	gocv.Circle(img, center, 2, c, -1)
}

func drawCornerBrackets(img *gocv.Mat, rect image.Rectangle, c color.RGBA, thickness, length int) {
	corners := []struct {
		at     image.Point
		dx, dy int
	}{
		{rect.Min, 1, 1},
		{image.Pt(rect.Max.X, rect.Min.Y), -1, 1},
		{image.Pt(rect.Min.X, rect.Max.Y), 1, -1},
		{rect.Max, -1, -1},
	}
	for _, k := range corners {
		gocv.Line(img, k.at, image.Pt(k.at.X+k.dx*length, k.at.Y), c, thickness)
		gocv.Line(img, k.at, image.Pt(k.at.X, k.at.Y+k.dy*length), c, thickness)
	}
}

func drawDashedRect(img *gocv.Mat, rect image.Rectangle, c color.RGBA, thickness int) {
	drawDashedLine(img, rect.Min, image.Pt(rect.Max.X, rect.Min.Y), c, thickness)
	drawDashedLine(img, image.Pt(rect.Max.X, rect.Min.Y), rect.Max, c, thickness)
	drawDashedLine(img, rect.Max, image.Pt(rect.Min.X, rect.Max.Y), c, thickness)
	drawDashedLine(img, image.Pt(rect.Min.X, rect.Max.Y), rect.Min, c, thickness)
}

func drawDashedLine(img *gocv.Mat, start, end image.Point, c color.RGBA, thickness int) {
	for _, seg := range dashes(start, end, 10, 5) {
		gocv.Line(img, seg[0], seg[1], c, thickness)
	}
}

// dashes splits start..end into dash segments
func dashes(start, end image.Point, dash, gap float64) [][2]image.Point {
	dx := float64(end.X - start.X)
	dy := float64(end.Y - start.Y)
	length := math.Hypot(dx, dy)
	if length == 0 {
		return nil
	}
	ux, uy := dx/length, dy/length

	var out [][2]image.Point
	for at := 0.0; at < length; at += dash + gap {
		stop := math.Min(at+dash, length)
		out = append(out, [2]image.Point{
			{X: start.X + int(at*ux), Y: start.Y + int(at*uy)},
			{X: start.X + int(stop*ux), Y: start.Y + int(stop*uy)},
		})
	}
	return out
}

// Frames reports how many frames have been drawn
func (r *Renderer) Frames() int64 {
	return r.frames
}
