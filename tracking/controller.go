package tracking

import (
	"fmt"
	"image"
	"math"
	"time"

	"github.com/google/uuid"

	"gatecam/course"
	"gatecam/detection"
	"gatecam/ptz"
)

// Controller owns the run state machine and drives the camera from it.
// It is not safe for concurrent use; the capture loop is its only caller.
type Controller struct {
	cfg      Config
	course   *course.Course
	device   ptz.Device
	framer   Framer
	selector Selector
	recorder RunRecorder

	ts       TrackState
	info     string
	newRunID func() string
}

// NewController builds a controller in IDLE. framer may be nil when
// stabilization is disabled.
func NewController(c *course.Course, device ptz.Device, framer Framer, cfg Config) *Controller {
	return &Controller{
		cfg:      cfg,
		course:   c,
		device:   device,
		framer:   framer,
		selector: NewSelector(cfg.MaxJumpRatio),
		ts:       TrackState{State: StateIdle},
		newRunID: uuid.NewString,
	}
}

// SetRecorder installs the sink for finished and abandoned runs
func (c *Controller) SetRecorder(r RunRecorder) {
	c.recorder = r
}

// State returns the current run phase
func (c *Controller) State() State {
	return c.ts.State
}

// Begin leaves IDLE and parks the camera at the start gate
func (c *Controller) Begin() {
	if c.ts.State == StateIdle {
		c.enterWaiting()
	}
}

// Step runs one iteration of the state machine against a frame's detections
func (c *Controller) Step(now time.Time, frame image.Point, dets []detection.Detection) StepResult {
	if c.ts.State == StateIdle {
		c.enterWaiting()
	}

	var res StepResult
	switch c.ts.State {
	case StateWaiting:
		res = c.stepWaiting(now, frame, dets)
	case StateTracking:
		res = c.stepTracking(now, frame, dets)
	case StateFinished:
		res = c.stepFinished(now)
	}
	res.State = c.ts.State
	c.info = res.Info
	return res
}

// Apply injects an operator override. It reports whether the event caused
// a transition.
func (c *Controller) Apply(now time.Time, ev Event) bool {
	debugMsg("TRACKER", fmt.Sprintf("Operator event %s in %s", ev, c.ts.State))
	switch ev {
	case EventForceStart:
		if c.ts.State == StateWaiting || c.ts.State == StateIdle {
			c.enterTracking(now)
			return true
		}
	case EventForceFinish:
		if c.ts.State == StateTracking {
			c.enterFinished(now, OutcomeForced)
			return true
		}
	case EventForceReset:
		if c.ts.State == StateTracking {
			c.endRun(now, OutcomeAborted)
		}
		c.enterWaiting()
		return true
	}
	return false
}

// Snapshot returns a copy of the state for status feeds
func (c *Controller) Snapshot(now time.Time) Snapshot {
	gate := c.CurrentGate()
	s := Snapshot{
		State:        c.ts.State,
		StateName:    c.ts.State.String(),
		RunID:        c.ts.RunID,
		Course:       c.course.Name,
		GateIndex:    c.ts.CurrentGateIndex,
		GateID:       gate.ID,
		GateName:     gate.Name,
		NumGates:     c.course.NumGates(),
		FramesInZone: c.ts.FramesInZone,
		Info:         c.info,
	}
	switch c.ts.State {
	case StateTracking:
		s.Elapsed = now.Sub(c.ts.TrackingStart)
		s.SinceSeen = now.Sub(c.ts.LastDetection)
	case StateFinished:
		if c.ts.FinishedAt != nil {
			s.Elapsed = c.ts.FinishedAt.Sub(c.ts.TrackingStart)
		}
	}
	return s
}

// Shutdown stops all motion. Called once on every exit path of the loop.
func (c *Controller) Shutdown(now time.Time) {
	if c.ts.State == StateTracking {
		c.endRun(now, OutcomeAborted)
	}
	if !c.device.Stop() {
		debugMsg("TRACKER", "Stop on shutdown failed")
	}
}

// StartGate is the gate whose trigger zone arms a run
func (c *Controller) StartGate() course.Gate {
	return c.course.StartGate()
}

// CurrentGate is the gate the subject is heading toward
func (c *Controller) CurrentGate() course.Gate {
	g, _ := c.course.GateByIndex(c.ts.CurrentGateIndex)
	return g
}

func (c *Controller) stepWaiting(now time.Time, frame image.Point, dets []detection.Detection) StepResult {
	if c.checkStartTrigger(frame, dets) {
		debugMsg("TRACKER", "Start trigger fired")
		c.enterTracking(now)
		return StepResult{Info: "Start triggered", DirSign: c.course.TravelSign(c.ts.CurrentGateIndex)}
	}
	return StepResult{Info: fmt.Sprintf("Waiting... (zone frames: %d)", c.ts.FramesInZone)}
}

// checkStartTrigger evaluates the start gate's zone against one frame.
// Without an enabled zone only an operator can start a run.
func (c *Controller) checkStartTrigger(frame image.Point, dets []detection.Detection) bool {
	start := c.course.StartGate()
	if !start.HasTrigger() {
		return false
	}
	zone := start.TriggerZone

	fw, fh := float64(frame.X), float64(frame.Y)
	x1, y1 := fw*zone.BBoxPct[0], fh*zone.BBoxPct[1]
	x2, y2 := fw*zone.BBoxPct[2], fh*zone.BBoxPct[3]

	inZone := false
	for _, d := range dets {
		cx, cy := d.Box.Center()
		if cx >= x1 && cx <= x2 && cy >= y1 && cy <= y2 {
			inZone = true
			break
		}
	}
	inFrame := len(dets) > 0
	need := c.cfg.TriggerFrames

	switch zone.Direction {
	case course.DirectionEnter:
		if !inZone {
			c.ts.FramesInZone = 0
			return false
		}
		c.ts.FramesInZone++
		if c.ts.FramesInZone >= need {
			c.ts.FramesInZone = 0
			return true
		}
	default:
		if inZone {
			c.ts.FramesInZone++
			return false
		}
		fired := inFrame && c.ts.FramesInZone >= need
		c.ts.FramesInZone = 0
		return fired
	}
	return false
}

func (c *Controller) stepTracking(now time.Time, frame image.Point, dets []detection.Detection) StepResult {
	subject, ok := c.selector.Select(dets, c.ts.PrevBox, frame)
	if !ok {
		return c.handleLost(now)
	}

	box := subject.Box
	c.ts.PrevBox = &box
	c.ts.LastDetection = now

	dir := c.course.TravelSign(c.ts.CurrentGateIndex)
	res := c.correction(box, frame, dir)
	res.Subject = &subject

	if c.commandDue(now) {
		res.CommandSent = true
		c.ts.LastCommand = now
		if !c.device.MoveContinuous(res.PanSpeed, res.TiltSpeed) {
			debugMsgVerbose(fmt.Sprintf("MoveContinuous(%d, %d) not acknowledged", res.PanSpeed, res.TiltSpeed))
		}
	}

	if c.framer != nil {
		crop := c.framer.Window(frame.X, frame.Y, box, dir)
		res.Crop = &crop
	}

	if c.passedGate(box, frame, dir) {
		c.advanceGate(now)
	}
	res.Info = fmt.Sprintf("Gate %d/%d | PTZ: pan=%+d tilt=%+d",
		c.ts.CurrentGateIndex+1, c.course.NumGates(), res.PanSpeed, res.TiltSpeed)
	return res
}

// correction is the proportional control law. The subject is held on the
// trailing side of the frame so the course ahead stays visible.
func (c *Controller) correction(box detection.BBox, frame image.Point, dir int) StepResult {
	fw, fh := float64(frame.X), float64(frame.Y)
	cx, cy := box.Center()

	desiredX := fw * c.cfg.FramePosition
	if dir < 0 {
		desiredX = fw * (1 - c.cfg.FramePosition)
	}
	desiredY := fh * 0.5

	errX := (cx - desiredX) / (fw / 2)
	errY := (cy - desiredY) / (fh / 2)

	if math.Abs(errX) < c.cfg.PanDeadZone {
		errX = 0
	}
	if math.Abs(errY) < c.cfg.TiltDeadZone {
		errY = 0
	}

	// anticipation only acts once the pan axis is outside its dead zone
	if errX != 0 {
		if dir < 0 {
			errX += c.cfg.Anticipation
		} else {
			errX -= c.cfg.Anticipation
		}
	}

	return StepResult{
		DirSign:   dir,
		Desired:   image.Pt(int(desiredX), int(desiredY)),
		PanSpeed:  axisSpeed(errX, c.cfg.MaxPanSpeed),
		TiltSpeed: axisSpeed(errY, c.cfg.MaxTiltSpeed),
	}
}

// axisSpeed maps a normalized error onto a speed command. An error of 0.7
// saturates the axis.
func axisSpeed(err float64, max int) int {
	if err == 0 || max <= 0 {
		return 0
	}
	limit := float64(max)
	speed := err * (limit / 0.7)
	speed = math.Max(-limit, math.Min(limit, speed))
	return int(speed)
}

// passedGate reports whether the subject reached the leading edge band
func (c *Controller) passedGate(box detection.BBox, frame image.Point, dir int) bool {
	if c.ts.CurrentGateIndex >= c.course.LastIndex() {
		return false
	}
	cx, _ := box.Center()
	fw := float64(frame.X)
	if dir < 0 {
		return cx < fw*c.cfg.GateAdvancePct
	}
	return cx > fw*(1-c.cfg.GateAdvancePct)
}

func (c *Controller) advanceGate(now time.Time) {
	old := c.ts.CurrentGateIndex
	next := old + 1
	if next > c.course.LastIndex() {
		next = c.course.LastIndex()
	}
	c.ts.CurrentGateIndex = next
	if next != old {
		zoom := c.course.ZoomForSpan(next)
		debugMsg("TRACKER", fmt.Sprintf("Gate advanced: %d -> %d, zoom=%d", old+1, next+1, zoom), c.ts.RunID)
		c.device.SetZoom(zoom)
	}
	if next >= c.course.LastIndex() {
		c.enterFinished(now, OutcomeFinished)
	}
}

// handleLost holds position briefly, then dead-reckons toward the next gate,
// and finally abandons the run.
func (c *Controller) handleLost(now time.Time) StepResult {
	elapsed := now.Sub(c.ts.LastDetection)
	lost := c.cfg.LostTimeout

	if elapsed > lost*time.Duration(hardLossFactor) {
		debugMsg("TRACKER", fmt.Sprintf("Subject lost for %.1fs, returning to WAITING", elapsed.Seconds()), c.ts.RunID)
		c.device.Stop()
		c.endRun(now, OutcomeLost)
		c.enterWaiting()
		return StepResult{Info: fmt.Sprintf("LOST %.1fs, run abandoned", elapsed.Seconds())}
	}

	if elapsed <= lost {
		return StepResult{Info: fmt.Sprintf("LOST %.1fs", elapsed.Seconds())}
	}

	cur, _ := c.course.GateByIndex(c.ts.CurrentGateIndex)
	nextIdx := c.ts.CurrentGateIndex + 1
	if nextIdx > c.course.LastIndex() {
		nextIdx = c.course.LastIndex()
	}
	next, _ := c.course.GateByIndex(nextIdx)

	progress := 1.0
	if c.cfg.SegmentTime > 0 {
		progress = float64(elapsed-lost) / float64(c.cfg.SegmentTime)
	}
	progress = math.Max(0, math.Min(1, progress))
	pose := course.Interpolate(cur, next, progress)

	res := StepResult{
		DirSign: c.course.TravelSign(c.ts.CurrentGateIndex),
		Info:    fmt.Sprintf("LOST %.1fs, dead-reckoning progress=%.2f", elapsed.Seconds(), progress),
	}
	if c.commandDue(now) {
		res.CommandSent = true
		c.ts.LastCommand = now
		c.device.MoveAbsolute(pose.Pan, pose.Tilt, pose.Zoom, c.cfg.DeadReckonSpeed)
	}
	return res
}

func (c *Controller) stepFinished(now time.Time) StepResult {
	if c.ts.FinishedAt != nil && now.Sub(*c.ts.FinishedAt) >= c.cfg.FinishHold {
		c.enterWaiting()
		return StepResult{Info: "Finish hold elapsed"}
	}
	return StepResult{Info: fmt.Sprintf("FINISHED in %.1fs", c.ts.FinishedAt.Sub(c.ts.TrackingStart).Seconds())}
}

// commandDue enforces the device update rate. Commands that are not due
// are dropped by the caller.
func (c *Controller) commandDue(now time.Time) bool {
	return c.ts.LastCommand.IsZero() || now.Sub(c.ts.LastCommand) >= c.cfg.commandInterval()
}

func (c *Controller) transition(to State) {
	debugMsg("TRACKER", fmt.Sprintf("STATE: %s -> %s", c.ts.State, to), c.ts.RunID)
	c.ts.State = to
}

func (c *Controller) enterWaiting() {
	c.transition(StateWaiting)
	c.ts.CurrentGateIndex = c.course.StartIndex()
	c.ts.FramesInZone = 0
	c.ts.PrevBox = nil
	c.ts.FinishedAt = nil
	c.ts.RunID = ""
	if c.framer != nil {
		c.framer.Reset()
	}

	start := c.course.StartGate()
	if c.device.MoveAbsolute(start.Pan, start.Tilt, start.Zoom, c.cfg.ParkSpeed) {
		debugMsg("TRACKER", fmt.Sprintf("Parking at start gate #%d: pan=%.1f tilt=%.1f zoom=%d",
			start.ID, start.Pan, start.Tilt, start.Zoom))
	} else {
		debugMsg("TRACKER", "Park command to start gate not acknowledged")
	}
}

func (c *Controller) enterTracking(now time.Time) {
	c.ts.RunID = c.newRunID()
	c.transition(StateTracking)
	c.ts.CurrentGateIndex = c.course.StartIndex()
	c.ts.TrackingStart = now
	c.ts.LastDetection = now
	c.ts.PrevBox = nil
	c.ts.FramesInZone = 0
	if c.framer != nil {
		c.framer.Reset()
	}

	zoom := c.course.ZoomForSpan(c.ts.CurrentGateIndex)
	c.device.SetZoom(zoom)
	debugMsg("TRACKER", fmt.Sprintf("Tracking started at gate %d, initial zoom=%d",
		c.ts.CurrentGateIndex+1, zoom), c.ts.RunID)
}

func (c *Controller) enterFinished(now time.Time, outcome Outcome) {
	c.transition(StateFinished)
	c.device.Stop()
	finished := now
	c.ts.FinishedAt = &finished
	debugMsg("TRACKER", fmt.Sprintf("Run finished in %.1fs", now.Sub(c.ts.TrackingStart).Seconds()), c.ts.RunID)
	c.endRun(now, outcome)
}

// endRun reports the session that is ending to the recorder
func (c *Controller) endRun(now time.Time, outcome Outcome) {
	if c.recorder == nil {
		return
	}
	start := c.course.StartIndex()
	c.recorder.RecordRun(Run{
		ID:          c.ts.RunID,
		Course:      c.course.Name,
		Started:     c.ts.TrackingStart,
		Ended:       now,
		Duration:    now.Sub(c.ts.TrackingStart),
		Outcome:     outcome,
		StartGate:   start,
		LastGate:    c.ts.CurrentGateIndex,
		GatesPassed: c.ts.CurrentGateIndex - start,
	})
}
