package main

import (
	"context"
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"gatecam/capture"
	"gatecam/detection"
	"gatecam/output"
	"gatecam/overlay"
	"gatecam/ptz"
	"gatecam/stabilizer"
	"gatecam/tracking"
)

const (
	heartbeatFrames = 100
	frameTimeout    = time.Second
)

// frameSource is the part of capture.Source the loop reads from
type frameSource interface {
	Next(ctx context.Context, timeout time.Duration) (capture.Frame, bool)
}

// Preview is the optional debug window
type Preview interface {
	Show(img gocv.Mat) int
	Close() error
}

// Runner owns the controller and drives one iteration per frame:
// acquire, detect, step, render, hand to sinks.
type Runner struct {
	source     frameSource
	detector   detection.Detector
	confidence float64
	ctrl       *tracking.Controller
	stab       *stabilizer.Stabilizer
	sink       output.Sink
	device     ptz.Device
	dryRun     bool

	// optional
	events   <-chan tracking.Event
	status   func(tracking.Snapshot)
	preview  Preview
	renderer *overlay.Renderer

	frames     int64
	detectErrs int64
	lastState  tracking.State
	now        func() time.Time
}

// Run loops until ctx is cancelled or the preview asks to quit
func (r *Runner) Run(ctx context.Context) {
	if r.now == nil {
		r.now = time.Now
	}
	r.ctrl.Begin()
	r.lastState = r.ctrl.State()

	for ctx.Err() == nil {
		r.drainEvents()

		frame, ok := r.source.Next(ctx, frameTimeout)
		if !ok {
			continue
		}
		quit := r.process(frame)
		frame.Mat.Close()
		if quit {
			debugMsg("MAIN", "Quit requested from preview window")
			return
		}
	}
}

// drainEvents applies queued operator commands without blocking
func (r *Runner) drainEvents() {
	for {
		select {
		case ev := <-r.events:
			if !r.ctrl.Apply(r.now(), ev) {
				debugMsg("OPERATOR", fmt.Sprintf("%s ignored in %s", ev, r.ctrl.State()))
			}
		default:
			return
		}
	}
}

// process handles one frame and reports whether the operator asked to quit
func (r *Runner) process(frame capture.Frame) bool {
	r.frames++
	now := r.now()
	size := image.Pt(frame.Mat.Cols(), frame.Mat.Rows())

	dets, err := r.detector.Detect(frame.Mat, r.confidence)
	if err != nil {
		r.detectErrs++
		debugMsgVerbose("DETECT", fmt.Sprintf("detection failed: %v", err))
		dets = nil
	}

	res := r.ctrl.Step(now, size, dets)
	snap := r.ctrl.Snapshot(now)
	if res.State != r.lastState {
		debugMsg("TRACKER", fmt.Sprintf("%s -> %s (gate %d/%d)", r.lastState, res.State, snap.GateIndex+1, snap.NumGates), snap.RunID)
		r.lastState = res.State
	}

	out := r.render(frame.Mat, res)
	if r.sink != nil {
		r.sink.WriteFrame(out)
	}
	out.Close()

	if r.status != nil {
		r.status(snap)
	}

	quit := false
	if r.preview != nil {
		quit = r.showPreview(frame.Mat, dets, res, snap)
	}

	if r.frames%heartbeatFrames == 0 {
		r.heartbeat(snap)
	}
	return quit
}

// render produces the output frame. The caller closes it.
func (r *Runner) render(frame gocv.Mat, res tracking.StepResult) gocv.Mat {
	if r.stab == nil {
		return frame.Clone()
	}
	if res.Crop != nil {
		return r.stab.Render(frame, *res.Crop)
	}
	return r.stab.Passthrough(frame)
}

func (r *Runner) showPreview(frame gocv.Mat, dets []detection.Detection, res tracking.StepResult, snap tracking.Snapshot) bool {
	view := frame.Clone()
	defer view.Close()

	r.renderer.Draw(&view, overlay.Frame{
		Number:     r.frames,
		Detections: dets,
		Result:     res,
		Status:     snap,
		Zone:       r.ctrl.StartGate().TriggerZone,
	})

	ev, quit := keyAction(r.ctrl.State(), r.preview.Show(view))
	if ev != 0 {
		r.ctrl.Apply(r.now(), ev)
	}
	return quit
}

// keyAction maps preview keys: space starts a run while waiting, esc
// finishes a run (or quits when not tracking), r resets, q quits.
func keyAction(state tracking.State, key int) (tracking.Event, bool) {
	switch key {
	case ' ':
		if state == tracking.StateWaiting {
			return tracking.EventForceStart, false
		}
	case 27:
		if state == tracking.StateTracking {
			return tracking.EventForceFinish, false
		}
		return 0, true
	case 'r', 'R':
		return tracking.EventForceReset, false
	case 'q', 'Q':
		return 0, true
	}
	return 0, false
}

func (r *Runner) heartbeat(snap tracking.Snapshot) {
	posStr := "N/A"
	if !r.dryRun && r.device != nil {
		if pos, ok := r.device.Position(); ok {
			posStr = pos.String()
		}
	}
	debugMsg("HEARTBEAT", fmt.Sprintf("Frame #%d | %s | gate %d/%d | PTZ: %s | detect errors: %d",
		r.frames, snap.StateName, snap.GateIndex+1, snap.NumGates, posStr, r.detectErrs), snap.RunID)
	if csm, ok := r.device.(interface{ GetStateInfo() string }); ok {
		debugMsgVerbose("CAMERA_STATE", csm.GetStateInfo())
	}
}

// window is the gocv preview
type window struct {
	w *gocv.Window
}

func newWindow(title string) *window {
	w := gocv.NewWindow(title)
	w.ResizeWindow(960, 540)
	return &window{w: w}
}

func (w *window) Show(img gocv.Mat) int {
	w.w.IMShow(img)
	return w.w.WaitKey(1)
}

func (w *window) Close() error {
	return w.w.Close()
}
