package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"gatecam/course"
	"gatecam/ptz"
)

// Speed presets for jogging, slowest first
var speedPresets = []int{10, 25, 50, 75, 100}

const (
	defaultSpeedIndex = 2
	panStep           = 2.0
	tiltStep          = 1.0
	zoomStep          = 200
	previewSpeed      = 50
)

// CourseCalibrator records gate poses from the live camera position
type CourseCalibrator struct {
	device     ptz.Device
	gates      []course.Gate
	speedIndex int
	out        io.Writer
	scanner    *bufio.Scanner

	// settle waits for the camera after an absolute move
	settle func(ctx context.Context) bool
}

func NewCourseCalibrator(device ptz.Device, in io.Reader, out io.Writer) *CourseCalibrator {
	return &CourseCalibrator{
		device:     device,
		speedIndex: defaultSpeedIndex,
		out:        out,
		scanner:    bufio.NewScanner(in),
		settle: func(ctx context.Context) bool {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(1500 * time.Millisecond):
				return true
			}
		},
	}
}

// Gates returns the recorded gates in order
func (cc *CourseCalibrator) Gates() []course.Gate {
	return cc.gates
}

func (cc *CourseCalibrator) speed() int {
	return speedPresets[cc.speedIndex]
}

// stepScale grows the jog step with the selected speed
func (cc *CourseCalibrator) stepScale() float64 {
	return float64(cc.speedIndex+1) / 3
}

func (cc *CourseCalibrator) jogPan(direction int) {
	pos, ok := cc.device.Position()
	if !ok {
		fmt.Fprintln(cc.out, "  ERROR: Could not read PTZ position")
		return
	}
	cc.device.MoveAbsolute(pos.Pan+panStep*float64(direction)*cc.stepScale(), pos.Tilt, pos.Zoom, cc.speed())
}

func (cc *CourseCalibrator) jogTilt(direction int) {
	pos, ok := cc.device.Position()
	if !ok {
		fmt.Fprintln(cc.out, "  ERROR: Could not read PTZ position")
		return
	}
	cc.device.MoveAbsolute(pos.Pan, pos.Tilt+tiltStep*float64(direction)*cc.stepScale(), pos.Zoom, cc.speed())
}

func (cc *CourseCalibrator) jogZoom(direction int) {
	if !ptz.ZoomBy(cc.device, int(zoomStep*float64(direction)*cc.stepScale())) {
		fmt.Fprintln(cc.out, "  ERROR: Zoom command failed")
	}
}

// RecordGate appends the current camera pose as the next gate
func (cc *CourseCalibrator) RecordGate() bool {
	pos, ok := cc.device.Position()
	if !ok {
		fmt.Fprintln(cc.out, "  ERROR: Could not read PTZ position")
		return false
	}
	id := len(cc.gates) + 1
	g := course.Gate{
		ID:   id,
		Name: fmt.Sprintf("Gate %d", id),
		Pan:  round1(pos.Pan),
		Tilt: round1(pos.Tilt),
		Zoom: pos.Zoom,
	}
	cc.gates = append(cc.gates, g)
	fmt.Fprintf(cc.out, "  GATE #%d recorded: pan=%.1f tilt=%.1f zoom=%d\n", id, g.Pan, g.Tilt, g.Zoom)
	return true
}

// MarkStart gives the last gate the default exit trigger zone
func (cc *CourseCalibrator) MarkStart() bool {
	if len(cc.gates) == 0 {
		fmt.Fprintln(cc.out, "  No gates recorded yet")
		return false
	}
	g := &cc.gates[len(cc.gates)-1]
	g.Name = "Start"
	g.TriggerZone = &course.TriggerZone{
		Enabled:   true,
		BBoxPct:   course.DefaultTriggerBBox,
		Direction: course.DirectionExit,
	}
	fmt.Fprintf(cc.out, "  Gate #%d marked as START trigger\n", g.ID)
	fmt.Fprintf(cc.out, "  Default trigger zone: %v (edit the course file to adjust)\n", course.DefaultTriggerBBox)
	return true
}

func (cc *CourseCalibrator) MarkFinish() bool {
	if len(cc.gates) == 0 {
		fmt.Fprintln(cc.out, "  No gates recorded yet")
		return false
	}
	g := &cc.gates[len(cc.gates)-1]
	g.Name = "Finish"
	fmt.Fprintf(cc.out, "  Gate #%d marked as FINISH\n", g.ID)
	return true
}

func (cc *CourseCalibrator) DeleteLast() bool {
	if len(cc.gates) == 0 {
		fmt.Fprintln(cc.out, "  No gates to delete")
		return false
	}
	removed := cc.gates[len(cc.gates)-1]
	cc.gates = cc.gates[:len(cc.gates)-1]
	fmt.Fprintf(cc.out, "  Deleted gate #%d (%s)\n", removed.ID, removed.Name)
	return true
}

func (cc *CourseCalibrator) ListGates() {
	if len(cc.gates) == 0 {
		fmt.Fprintln(cc.out, "  No gates recorded")
		return
	}
	fmt.Fprintf(cc.out, "  %3s  %-10s  %8s  %8s  %6s  %s\n", "ID", "Name", "Pan", "Tilt", "Zoom", "Trigger")
	fmt.Fprintf(cc.out, "  %3s  %-10s  %8s  %8s  %6s  %s\n", "---", "----", "---", "----", "----", "-------")
	for _, g := range cc.gates {
		marker := ""
		if g.HasTrigger() {
			marker = "START"
		}
		if g.Name == "Finish" {
			marker = "FINISH"
		}
		fmt.Fprintf(cc.out, "  %3d  %-10s  %8.1f  %8.1f  %6d  %s\n", g.ID, g.Name, g.Pan, g.Tilt, g.Zoom, marker)
	}
}

// VisitGates drives the camera through gates in order. When confirm is set
// it waits for Enter at each gate and stops on "q".
func (cc *CourseCalibrator) VisitGates(ctx context.Context, gates []course.Gate, confirm bool) int {
	visited := 0
	for _, g := range gates {
		if ctx.Err() != nil {
			break
		}
		fmt.Fprintf(cc.out, "  -> Gate #%d (%s): pan=%.1f tilt=%.1f zoom=%d\n", g.ID, g.Name, g.Pan, g.Tilt, g.Zoom)
		if !cc.device.MoveAbsolute(g.Pan, g.Tilt, g.Zoom, previewSpeed) {
			fmt.Fprintln(cc.out, "     move failed")
		}
		if !cc.settle(ctx) {
			break
		}
		visited++
		if confirm {
			fmt.Fprint(cc.out, "     Enter for next gate, q to stop: ")
			if !cc.scanner.Scan() || strings.EqualFold(strings.TrimSpace(cc.scanner.Text()), "q") {
				break
			}
		}
	}
	return visited
}

// SaveCourse writes the recorded gates into a course file with stock tuning
func (cc *CourseCalibrator) SaveCourse(path, name, cameraIP string) error {
	if len(cc.gates) == 0 {
		return course.ErrNoGates
	}
	cfg := course.DefaultConfig()
	if name != "" {
		cfg.CourseName = name
	}
	cfg.Camera.IP = cameraIP
	cfg.Gates = cc.gates
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := course.Save(path, &cfg); err != nil {
		return err
	}
	fmt.Fprintf(cc.out, "\nConfig saved to: %s\n  %d gates recorded\n", path, len(cc.gates))
	return nil
}

// Run reads commands until save, quit or end of input. It reports whether
// the course should be saved.
func (cc *CourseCalibrator) Run(ctx context.Context) bool {
	cc.printHelp()
	for {
		fmt.Fprintf(cc.out, "[%d gates, speed %d]> ", len(cc.gates), cc.speed())
		if !cc.scanner.Scan() {
			return false
		}
		save, done := cc.Execute(ctx, cc.scanner.Text())
		if done {
			return save
		}
	}
}

// Execute runs one command line
func (cc *CourseCalibrator) Execute(ctx context.Context, line string) (save, done bool) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return false, false
	}
	repeat := 1
	if len(fields) > 1 {
		fmt.Sscanf(fields[1], "%d", &repeat)
		repeat = min(max(repeat, 1), 20)
	}

	switch fields[0] {
	case "left", "a":
		for i := 0; i < repeat; i++ {
			cc.jogPan(-1)
		}
	case "right", "d":
		for i := 0; i < repeat; i++ {
			cc.jogPan(1)
		}
	case "up", "w":
		for i := 0; i < repeat; i++ {
			cc.jogTilt(1)
		}
	case "down", "s":
		for i := 0; i < repeat; i++ {
			cc.jogTilt(-1)
		}
	case "in", "+":
		for i := 0; i < repeat; i++ {
			cc.jogZoom(1)
		}
	case "out", "-":
		for i := 0; i < repeat; i++ {
			cc.jogZoom(-1)
		}
	case "faster":
		cc.speedIndex = min(len(speedPresets)-1, cc.speedIndex+1)
		fmt.Fprintf(cc.out, "  Speed: %d\n", cc.speed())
	case "slower":
		cc.speedIndex = max(0, cc.speedIndex-1)
		fmt.Fprintf(cc.out, "  Speed: %d\n", cc.speed())
	case "g", "gate":
		cc.RecordGate()
	case "start":
		cc.MarkStart()
	case "finish":
		cc.MarkFinish()
	case "del", "delete":
		cc.DeleteLast()
	case "l", "list":
		cc.ListGates()
	case "p", "preview":
		fmt.Fprintln(cc.out, "  Previewing all gates...")
		cc.VisitGates(ctx, cc.gates, false)
		fmt.Fprintln(cc.out, "  Preview complete")
	case "v", "pos":
		if pos, ok := cc.device.Position(); ok {
			fmt.Fprintf(cc.out, "  Position: %s\n", pos)
		} else {
			fmt.Fprintln(cc.out, "  ERROR: Could not read PTZ position")
		}
	case "stop":
		cc.device.Stop()
	case "q", "save":
		if len(cc.gates) == 0 {
			fmt.Fprintln(cc.out, "No gates recorded, nothing to save")
			return false, true
		}
		return true, true
	case "quit", "exit":
		fmt.Fprintln(cc.out, "Quitting without saving")
		return false, true
	case "h", "help", "?":
		cc.printHelp()
	default:
		fmt.Fprintf(cc.out, "  unknown command %q (help lists commands)\n", fields[0])
	}
	return false, false
}

func (cc *CourseCalibrator) printHelp() {
	fmt.Fprintln(cc.out, strings.Join([]string{
		"",
		"COURSE CALIBRATION",
		strings.Repeat("=", 60),
		"  left/right/up/down [n]  jog pan/tilt (a/d/w/s)",
		"  in/out [n]              zoom (+/-)",
		"  faster/slower           change jog speed",
		"  gate                    record current position as a gate (g)",
		"  start                   mark last gate as START trigger",
		"  finish                  mark last gate as FINISH",
		"  del                     delete last gate",
		"  list                    list recorded gates (l)",
		"  preview                 visit every recorded gate (p)",
		"  pos                     show current position (v)",
		"  save                    save and quit (q)",
		"  quit                    quit without saving",
		strings.Repeat("=", 60),
	}, "\n"))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
