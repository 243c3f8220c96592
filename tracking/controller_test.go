package tracking

import (
	"image"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatecam/course"
	"gatecam/detection"
	"gatecam/ptz"
)

type absoluteMove struct {
	Pan, Tilt   float64
	Zoom, Speed int
}

type fakeDevice struct {
	absolute   []absoluteMove
	continuous [][2]int
	zooms      []int
	stops      int
}

func (d *fakeDevice) MoveAbsolute(pan, tilt float64, zoom, speed int) bool {
	d.absolute = append(d.absolute, absoluteMove{pan, tilt, zoom, speed})
	return true
}

func (d *fakeDevice) MoveContinuous(p, t int) bool {
	d.continuous = append(d.continuous, [2]int{p, t})
	return true
}

func (d *fakeDevice) SetZoom(z int) bool {
	d.zooms = append(d.zooms, z)
	return true
}

func (d *fakeDevice) Stop() bool {
	d.stops++
	return true
}

func (d *fakeDevice) Position() (ptz.Position, bool) { return ptz.Position{}, false }
func (d *fakeDevice) Limits() (ptz.Limits, bool)     { return ptz.Limits{}, false }

type fakeFramer struct {
	resets int
	calls  int
}

func (f *fakeFramer) Window(w, h int, box detection.BBox, dir int) image.Rectangle {
	f.calls++
	return image.Rect(0, 0, w/2, h/2)
}

func (f *fakeFramer) Reset() { f.resets++ }

type runLog struct{ runs []Run }

func (r *runLog) RecordRun(run Run) { r.runs = append(r.runs, run) }

var (
	frame = image.Pt(1000, 500)
	t0    = time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
)

// testCourse runs toward decreasing pan, so the subject is held on the
// right and the leading edge is the left side of the frame.
func testCourse(dir course.Direction) *course.Course {
	return course.New("test", []course.Gate{
		{ID: 1, Name: "G1", Pan: 0, Tilt: 0, Zoom: 3000, TriggerZone: &course.TriggerZone{
			Enabled: true, BBoxPct: course.DefaultTriggerBBox, Direction: dir,
		}},
		{ID: 2, Name: "G2", Pan: -10, Tilt: -2, Zoom: 3000},
		{ID: 3, Name: "G3", Pan: -20, Tilt: -4, Zoom: 3000},
	}, 2, 1.2)
}

func newTestController(dir course.Direction) (*Controller, *fakeDevice, *fakeFramer, *runLog) {
	dev := &fakeDevice{}
	fr := &fakeFramer{}
	runs := &runLog{}
	c := NewController(testCourse(dir), dev, fr, DefaultConfig())
	c.SetRecorder(runs)
	c.newRunID = func() string { return "run-1" }
	return c, dev, fr, runs
}

// at returns a 20x40 detection centred on (cx, cy)
func at(cx, cy float64) []detection.Detection {
	return []detection.Detection{det(cx-10, cy-20, cx+10, cy+20, 0.9)}
}

func TestBeginParksAtStartGate(t *testing.T) {
	c, dev, fr, _ := newTestController(course.DirectionExit)
	assert.Equal(t, StateIdle, c.State())

	c.Begin()
	assert.Equal(t, StateWaiting, c.State())
	assert.Equal(t, []absoluteMove{{0, 0, 3000, 50}}, dev.absolute)
	assert.Equal(t, 1, fr.resets)
}

func TestStepLeavesIdle(t *testing.T) {
	c, _, _, _ := newTestController(course.DirectionExit)
	res := c.Step(t0, frame, nil)
	assert.Equal(t, StateWaiting, res.State)
	assert.Nil(t, res.Crop)
}

func TestExitTriggerFiresAfterDebounce(t *testing.T) {
	c, dev, _, _ := newTestController(course.DirectionExit)
	c.Begin()

	for i := 0; i < 3; i++ {
		res := c.Step(t0, frame, at(500, 250))
		require.Equal(t, StateWaiting, res.State)
	}
	assert.Equal(t, 3, c.ts.FramesInZone)

	res := c.Step(t0, frame, at(100, 250))
	assert.Equal(t, StateTracking, res.State)
	assert.Equal(t, 0, c.ts.FramesInZone)
	assert.Equal(t, 0, c.ts.CurrentGateIndex)
	assert.Equal(t, []int{2500}, dev.zooms)
	assert.Equal(t, "run-1", c.ts.RunID)
}

func TestExitTriggerResetsWhenSubjectVanishes(t *testing.T) {
	c, _, _, _ := newTestController(course.DirectionExit)
	c.Begin()

	c.Step(t0, frame, at(500, 250))
	c.Step(t0, frame, at(500, 250))
	res := c.Step(t0, frame, nil)
	assert.Equal(t, StateWaiting, res.State)
	assert.Equal(t, 0, c.ts.FramesInZone)

	// a debounced subject that disappears does not count as an exit
	for i := 0; i < 3; i++ {
		c.Step(t0, frame, at(500, 250))
	}
	c.Step(t0, frame, nil)
	res = c.Step(t0, frame, at(100, 250))
	assert.Equal(t, StateWaiting, res.State)
}

func TestExitTriggerNeedsDebounce(t *testing.T) {
	c, _, _, _ := newTestController(course.DirectionExit)
	c.Begin()

	c.Step(t0, frame, at(500, 250))
	c.Step(t0, frame, at(500, 250))
	res := c.Step(t0, frame, at(100, 250))
	assert.Equal(t, StateWaiting, res.State)
	assert.Equal(t, 0, c.ts.FramesInZone)
}

func TestEnterTrigger(t *testing.T) {
	c, _, _, _ := newTestController(course.DirectionEnter)
	c.Begin()

	c.Step(t0, frame, at(500, 250))
	c.Step(t0, frame, at(500, 250))
	c.Step(t0, frame, at(100, 250))
	assert.Equal(t, 0, c.ts.FramesInZone, "leaving the zone breaks the streak")

	c.Step(t0, frame, at(500, 250))
	c.Step(t0, frame, at(500, 250))
	res := c.Step(t0, frame, at(500, 250))
	assert.Equal(t, StateTracking, res.State)
}

func TestNoTriggerZoneWaitsForOperator(t *testing.T) {
	c := NewController(course.New("plain", []course.Gate{
		{ID: 1, Pan: 0, Zoom: 100},
		{ID: 2, Pan: 10, Zoom: 100},
	}, 2, 1.2), &fakeDevice{}, nil, DefaultConfig())
	c.Begin()

	for i := 0; i < 5; i++ {
		c.Step(t0, frame, at(500, 250))
	}
	c.Step(t0, frame, at(50, 250))
	assert.Equal(t, StateWaiting, c.State())

	assert.True(t, c.Apply(t0, EventForceStart))
	assert.Equal(t, StateTracking, c.State())
}

func TestDeadZoneYieldsZeroSpeed(t *testing.T) {
	c, dev, _, _ := newTestController(course.DirectionExit)
	c.Begin()
	require.True(t, c.Apply(t0, EventForceStart))

	// desired point is (600, 250): the subject is held right of centre
	res := c.Step(t0, frame, at(610, 260))
	assert.Equal(t, -1, res.DirSign)
	assert.Equal(t, image.Pt(600, 250), res.Desired)
	assert.Equal(t, 0, res.PanSpeed)
	assert.Equal(t, 0, res.TiltSpeed)
	assert.True(t, res.CommandSent)
	assert.Equal(t, [][2]int{{0, 0}}, dev.continuous)
}

func TestControlLaw(t *testing.T) {
	tests := []struct {
		name     string
		cx, cy   float64
		pan      int
		tilt     int
		tolerant bool
	}{
		{name: "saturates pan", cx: 950, cy: 250, pan: 70, tilt: 0},
		{name: "proportional pan with anticipation", cx: 700, cy: 250, pan: 40, tilt: 0, tolerant: true},
		{name: "behind the target", cx: 350, cy: 250, pan: -30, tilt: 0, tolerant: true},
		{name: "saturates tilt downward", cx: 600, cy: 480, pan: 0, tilt: 40},
		{name: "tilt upward", cx: 600, cy: 150, pan: 0, tilt: -22, tolerant: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _, _ := newTestController(course.DirectionExit)
			c.Begin()
			c.Apply(t0, EventForceStart)

			res := c.Step(t0, frame, at(tt.cx, tt.cy))
			if tt.tolerant {
				assert.InDelta(t, tt.pan, res.PanSpeed, 1)
				assert.InDelta(t, tt.tilt, res.TiltSpeed, 1)
			} else {
				assert.Equal(t, tt.pan, res.PanSpeed)
				assert.Equal(t, tt.tilt, res.TiltSpeed)
			}
		})
	}
}

func TestCommandsAreRateLimited(t *testing.T) {
	c, dev, _, _ := newTestController(course.DirectionExit)
	c.Begin()
	c.Apply(t0, EventForceStart)

	first := c.Step(t0, frame, at(700, 250))
	second := c.Step(t0.Add(10*time.Millisecond), frame, at(700, 250))
	third := c.Step(t0.Add(70*time.Millisecond), frame, at(700, 250))

	assert.True(t, first.CommandSent)
	assert.False(t, second.CommandSent)
	assert.True(t, third.CommandSent)
	assert.Len(t, dev.continuous, 2)
}

func TestGateAdvanceAndFinish(t *testing.T) {
	c, dev, _, runs := newTestController(course.DirectionExit)
	c.Begin()
	c.Apply(t0, EventForceStart)
	dev.zooms = nil

	// a centroid inside the left 15% band passes the gate
	res := c.Step(t0.Add(time.Second), frame, at(100, 250))
	assert.Equal(t, StateTracking, res.State)
	assert.Equal(t, 1, c.ts.CurrentGateIndex)
	assert.Equal(t, []int{2500}, dev.zooms)

	res = c.Step(t0.Add(2*time.Second), frame, at(300, 250))
	require.NotNil(t, res.Subject)
	assert.Equal(t, 1, c.ts.CurrentGateIndex)

	res = c.Step(t0.Add(3*time.Second), frame, at(120, 250))
	assert.Equal(t, StateFinished, res.State)
	assert.Equal(t, 2, c.ts.CurrentGateIndex)
	assert.Equal(t, 1, dev.stops)

	require.Len(t, runs.runs, 1)
	want := Run{
		ID:          "run-1",
		Course:      "test",
		Started:     t0,
		Ended:       t0.Add(3 * time.Second),
		Duration:    3 * time.Second,
		Outcome:     OutcomeFinished,
		StartGate:   0,
		LastGate:    2,
		GatesPassed: 2,
	}
	if diff := cmp.Diff(want, runs.runs[0]); diff != "" {
		t.Errorf("recorded run mismatch (-want +got):\n%s", diff)
	}

	finishedAt := t0.Add(3 * time.Second)
	res = c.Step(finishedAt.Add(2999*time.Millisecond), frame, at(500, 250))
	assert.Equal(t, StateFinished, res.State)
	assert.Nil(t, res.Crop)

	res = c.Step(finishedAt.Add(3*time.Second), frame, nil)
	assert.Equal(t, StateWaiting, res.State)
	assert.Nil(t, c.ts.FinishedAt)
}

func TestGateIndexNeverDecreases(t *testing.T) {
	c, _, _, _ := newTestController(course.DirectionExit)
	c.Begin()
	c.Apply(t0, EventForceStart)

	// each step stays within the re-identification radius
	xs := []float64{500, 250, 120, 300, 140, 400}
	last := 0
	for i, x := range xs {
		c.Step(t0.Add(time.Duration(i)*100*time.Millisecond), frame, at(x, 250))
		require.GreaterOrEqual(t, c.ts.CurrentGateIndex, last)
		require.LessOrEqual(t, c.ts.CurrentGateIndex, 2)
		last = c.ts.CurrentGateIndex
	}
	assert.Equal(t, StateFinished, c.State())
}

func TestLostSubject(t *testing.T) {
	c, dev, _, runs := newTestController(course.DirectionExit)
	c.Begin()
	c.Apply(t0, EventForceStart)
	dev.absolute = nil

	res := c.Step(t0.Add(time.Second), frame, nil)
	assert.Equal(t, StateTracking, res.State)
	assert.Equal(t, "LOST 1.0s", res.Info)
	assert.Nil(t, res.Crop)
	assert.Empty(t, dev.absolute)
	assert.Empty(t, dev.continuous)

	res = c.Step(t0.Add(4500*time.Millisecond), frame, nil)
	assert.Equal(t, StateTracking, res.State)
	assert.Equal(t, "LOST 4.5s, dead-reckoning progress=0.50", res.Info)
	require.Len(t, dev.absolute, 1)
	assert.Equal(t, absoluteMove{Pan: -5, Tilt: -1, Zoom: 3000, Speed: 30}, dev.absolute[0])

	res = c.Step(t0.Add(8*time.Second), frame, nil)
	assert.Equal(t, StateTracking, res.State)
	assert.Equal(t, absoluteMove{Pan: -10, Tilt: -2, Zoom: 3000, Speed: 30}, dev.absolute[1])

	res = c.Step(t0.Add(9100*time.Millisecond), frame, nil)
	assert.Equal(t, StateWaiting, res.State)
	assert.Equal(t, 1, dev.stops)
	assert.Equal(t, absoluteMove{Pan: 0, Tilt: 0, Zoom: 3000, Speed: 50}, dev.absolute[len(dev.absolute)-1])
	require.Len(t, runs.runs, 1)
	assert.Equal(t, OutcomeLost, runs.runs[0].Outcome)
}

func TestReacquireAfterLossResetsTimer(t *testing.T) {
	c, _, _, _ := newTestController(course.DirectionExit)
	c.Begin()
	c.Apply(t0, EventForceStart)

	c.Step(t0.Add(8*time.Second), frame, nil)
	res := c.Step(t0.Add(8500*time.Millisecond), frame, at(600, 250))
	require.NotNil(t, res.Subject)
	res = c.Step(t0.Add(10*time.Second), frame, nil)
	assert.Equal(t, StateTracking, res.State)
	assert.Equal(t, "LOST 1.5s", res.Info)
}

func TestStabilizerWindowAndResets(t *testing.T) {
	c, _, fr, _ := newTestController(course.DirectionExit)
	c.Begin()
	assert.Equal(t, 1, fr.resets)

	res := c.Step(t0, frame, at(500, 250))
	assert.Nil(t, res.Crop)

	c.Apply(t0, EventForceStart)
	assert.Equal(t, 2, fr.resets)

	res = c.Step(t0, frame, at(600, 250))
	require.NotNil(t, res.Crop)
	assert.Equal(t, image.Rect(0, 0, 500, 250), *res.Crop)

	res = c.Step(t0.Add(time.Second), frame, nil)
	assert.Nil(t, res.Crop)

	c.Apply(t0, EventForceReset)
	assert.Equal(t, 3, fr.resets)
}

func TestOperatorEvents(t *testing.T) {
	c, dev, _, runs := newTestController(course.DirectionExit)
	c.Begin()

	assert.False(t, c.Apply(t0, EventForceFinish))
	assert.Equal(t, StateWaiting, c.State())

	assert.True(t, c.Apply(t0, EventForceStart))
	assert.False(t, c.Apply(t0, EventForceStart))

	assert.True(t, c.Apply(t0.Add(2*time.Second), EventForceReset))
	assert.Equal(t, StateWaiting, c.State())
	require.Len(t, runs.runs, 1)
	assert.Equal(t, OutcomeAborted, runs.runs[0].Outcome)

	c.Apply(t0, EventForceStart)
	assert.True(t, c.Apply(t0.Add(5*time.Second), EventForceFinish))
	assert.Equal(t, StateFinished, c.State())
	assert.Equal(t, 1, dev.stops)
	require.Len(t, runs.runs, 2)
	assert.Equal(t, OutcomeForced, runs.runs[1].Outcome)
	assert.Equal(t, 5*time.Second, runs.runs[1].Duration)
}

func TestShutdownStopsMotion(t *testing.T) {
	c, dev, _, runs := newTestController(course.DirectionExit)
	c.Begin()
	c.Apply(t0, EventForceStart)

	c.Shutdown(t0.Add(time.Second))
	assert.Equal(t, 1, dev.stops)
	require.Len(t, runs.runs, 1)
	assert.Equal(t, OutcomeAborted, runs.runs[0].Outcome)
}

func TestSnapshot(t *testing.T) {
	c, _, _, _ := newTestController(course.DirectionExit)
	c.Begin()
	c.Apply(t0, EventForceStart)
	c.Step(t0.Add(500*time.Millisecond), frame, at(600, 250))

	s := c.Snapshot(t0.Add(time.Second))
	assert.Equal(t, "TRACKING", s.StateName)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, "G1", s.GateName)
	assert.Equal(t, 3, s.NumGates)
	assert.Equal(t, time.Second, s.Elapsed)
	assert.Equal(t, 500*time.Millisecond, s.SinceSeen)
}

func TestParseEvent(t *testing.T) {
	for in, want := range map[string]Event{
		"force_start": EventForceStart,
		" FINISH ":    EventForceFinish,
		"reset":       EventForceReset,
	} {
		got, err := ParseEvent(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseEvent("jump")
	assert.Error(t, err)
}

func TestConfigFromCourse(t *testing.T) {
	cfg := ConfigFromCourse(course.DefaultConfig().Tracking)
	assert.Equal(t, time.Duration(float64(time.Second)/cfg.PTZUpdateHz), cfg.commandInterval())
	assert.Equal(t, 3*time.Second, cfg.SegmentTime)
	assert.Equal(t, 3, cfg.TriggerFrames)
}

func TestWaitingReturnsToStartGate(t *testing.T) {
	tests := []struct {
		name string
		end  func(c *Controller)
	}{
		{"finish hold", func(c *Controller) {
			c.Step(t0.Add(time.Second), frame, at(100, 250))
			c.Step(t0.Add(2*time.Second), frame, at(120, 250))
			require.Equal(t, StateFinished, c.State())
			c.Step(t0.Add(5*time.Second), frame, nil)
		}},
		{"operator reset", func(c *Controller) {
			c.Step(t0.Add(time.Second), frame, at(100, 250))
			require.Equal(t, 1, c.ts.CurrentGateIndex)
			c.Apply(t0.Add(2*time.Second), EventForceReset)
		}},
		{"hard loss", func(c *Controller) {
			c.Step(t0.Add(time.Second), frame, at(100, 250))
			require.Equal(t, 1, c.ts.CurrentGateIndex)
			c.Step(t0.Add(20*time.Second), frame, nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _, _ := newTestController(course.DirectionExit)
			c.Begin()
			require.True(t, c.Apply(t0, EventForceStart))

			tt.end(c)
			require.Equal(t, StateWaiting, c.State())

			s := c.Snapshot(t0.Add(30 * time.Second))
			assert.Equal(t, c.course.StartIndex(), s.GateIndex)
			assert.Equal(t, "G1", s.GateName)
			assert.Equal(t, "G1", c.CurrentGate().Name)
			assert.NotNil(t, c.StartGate().TriggerZone)
		})
	}
}
