package course

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Global debug function for course package
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

// Direction selects which crossing of a trigger zone starts a run
type Direction string

const (
	DirectionEnter Direction = "enter"
	DirectionExit  Direction = "exit"
)

// DefaultTriggerBBox is the zone assigned when a gate is marked as start
var DefaultTriggerBBox = [4]float64{0.3, 0.2, 0.7, 0.8}

// TriggerZone is a rectangle in frame fractions (x1, y1, x2, y2)
type TriggerZone struct {
	Enabled   bool       `json:"enabled"`
	BBoxPct   [4]float64 `json:"bbox_pct"`
	Direction Direction  `json:"direction"`
}

// Gate is a recorded camera pose along the course
type Gate struct {
	ID          int          `json:"id"`
	Name        string       `json:"name"`
	Pan         float64      `json:"pan"`
	Tilt        float64      `json:"tilt"`
	Zoom        int          `json:"zoom"`
	TriggerZone *TriggerZone `json:"trigger_zone"`
}

// HasTrigger reports whether the gate carries an enabled start trigger
func (g Gate) HasTrigger() bool {
	return g.TriggerZone != nil && g.TriggerZone.Enabled
}

// Pose is an interpolated camera target between two gates
type Pose struct {
	Pan  float64
	Tilt float64
	Zoom int
}

// Course is the ordered gate list. It is not modified after load.
type Course struct {
	Name       string
	Gates      []Gate
	GatesAhead int
	ZoomMargin float64
}

// New builds a course, falling back to the default look-ahead and margin
func New(name string, gates []Gate, gatesAhead int, zoomMargin float64) *Course {
	if gatesAhead < 0 {
		gatesAhead = DefaultGatesAhead
	}
	if zoomMargin <= 0 {
		zoomMargin = DefaultZoomMargin
	}
	c := &Course{
		Name:       name,
		Gates:      gates,
		GatesAhead: gatesAhead,
		ZoomMargin: zoomMargin,
	}
	debugMsg("COURSE", fmt.Sprintf("Loaded course %q: %d gates, start=#%d, gates_ahead=%d, zoom_margin=%.2f",
		name, len(gates), c.StartGate().ID, gatesAhead, zoomMargin))
	return c
}

func (c *Course) NumGates() int  { return len(c.Gates) }
func (c *Course) LastIndex() int { return len(c.Gates) - 1 }

// GateByID looks a gate up by its recorded id
func (c *Course) GateByID(id int) (Gate, bool) {
	for _, g := range c.Gates {
		if g.ID == id {
			return g, true
		}
	}
	return Gate{}, false
}

// GateByIndex returns the gate at position i in course order
func (c *Course) GateByIndex(i int) (Gate, bool) {
	if i < 0 || i >= len(c.Gates) {
		return Gate{}, false
	}
	return c.Gates[i], true
}

// StartIndex is the first gate with an enabled trigger zone, else 0
func (c *Course) StartIndex() int {
	for i, g := range c.Gates {
		if g.HasTrigger() {
			return i
		}
	}
	return 0
}

func (c *Course) StartGate() Gate {
	if len(c.Gates) == 0 {
		return Gate{}
	}
	return c.Gates[c.StartIndex()]
}

func (c *Course) FinishGate() Gate {
	if len(c.Gates) == 0 {
		return Gate{}
	}
	return c.Gates[len(c.Gates)-1]
}

// Interpolate blends two gate poses. Progress is clamped to [0, 1].
func Interpolate(a, b Gate, progress float64) Pose {
	t := math.Max(0, math.Min(1, progress))
	return Pose{
		Pan:  a.Pan + (b.Pan-a.Pan)*t,
		Tilt: a.Tilt + (b.Tilt-a.Tilt)*t,
		Zoom: int(math.Round(float64(a.Zoom) + float64(b.Zoom-a.Zoom)*t)),
	}
}

// ZoomForSpan picks a zoom wide enough to keep the next GatesAhead gates in view.
// The result is never below 1.
func (c *Course) ZoomForSpan(i int) int {
	if len(c.Gates) == 0 {
		return 1
	}
	if i < 0 {
		i = 0
	}
	last := c.LastIndex()
	if i > last {
		i = last
	}
	j := i + c.GatesAhead
	if j > last {
		j = last
	}
	if j <= i {
		return c.Gates[i].Zoom
	}

	zooms := make([]float64, 0, j-i+1)
	for _, g := range c.Gates[i : j+1] {
		zooms = append(zooms, float64(g.Zoom))
	}
	zoom := int(math.Round(stat.Mean(zooms, nil) / c.ZoomMargin))
	if zoom < 1 {
		return 1
	}
	return zoom
}

// TravelSign is -1 when the course runs toward decreasing pan at gate i, else +1
func (c *Course) TravelSign(i int) int {
	cur, ok := c.GateByIndex(i)
	if !ok {
		return 1
	}
	next := i + 1
	if next > c.LastIndex() {
		next = c.LastIndex()
	}
	if c.Gates[next].Pan-cur.Pan < 0 {
		return -1
	}
	return 1
}
