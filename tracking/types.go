package tracking

import (
	"fmt"
	"image"
	"strings"
	"time"

	"gatecam/course"
	"gatecam/detection"
)

// Global debug function for tracking package
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

var verbose bool

// SetVerbose enables per-command logging
func SetVerbose(v bool) {
	verbose = v
}

func debugMsgVerbose(message string) {
	if verbose {
		debugMsg("TRACKER", message)
	}
}

const hardLossFactor = 3

// State is the run phase of the controller
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateTracking
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaiting:
		return "WAITING"
	case StateTracking:
		return "TRACKING"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Event is an operator override injected from outside the control law
type Event int

const (
	EventForceStart Event = iota + 1
	EventForceFinish
	EventForceReset
)

func (e Event) String() string {
	switch e {
	case EventForceStart:
		return "FORCE_START"
	case EventForceFinish:
		return "FORCE_FINISH"
	case EventForceReset:
		return "FORCE_RESET"
	default:
		return "UNKNOWN"
	}
}

// ParseEvent accepts the wire names used by the operator channel
func ParseEvent(s string) (Event, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FORCE_START", "START":
		return EventForceStart, nil
	case "FORCE_FINISH", "FINISH":
		return EventForceFinish, nil
	case "FORCE_RESET", "RESET":
		return EventForceReset, nil
	}
	return 0, fmt.Errorf("unknown operator event %q", s)
}

// Config holds the control-loop tuning
type Config struct {
	PTZUpdateHz     float64
	PanDeadZone     float64
	TiltDeadZone    float64
	MaxPanSpeed     int
	MaxTiltSpeed    int
	Anticipation    float64
	GateAdvancePct  float64
	LostTimeout     time.Duration
	FramePosition   float64
	ParkSpeed       int
	DeadReckonSpeed int
	SegmentTime     time.Duration
	FinishHold      time.Duration
	TriggerFrames   int
	// MaxJumpRatio is the re-identification radius as a fraction of the frame diagonal
	MaxJumpRatio float64
}

// DefaultConfig returns the stock tuning
func DefaultConfig() Config {
	return Config{
		PTZUpdateHz:     15,
		PanDeadZone:     0.05,
		TiltDeadZone:    0.08,
		MaxPanSpeed:     70,
		MaxTiltSpeed:    40,
		Anticipation:    0.2,
		GateAdvancePct:  0.15,
		LostTimeout:     3 * time.Second,
		FramePosition:   0.4,
		ParkSpeed:       50,
		DeadReckonSpeed: 30,
		SegmentTime:     3 * time.Second,
		FinishHold:      3 * time.Second,
		TriggerFrames:   3,
		MaxJumpRatio:    0.3,
	}
}

// ConfigFromCourse maps the tracking section of a course file onto Config
func ConfigFromCourse(t course.TrackingConfig) Config {
	cfg := DefaultConfig()
	cfg.PTZUpdateHz = t.PTZUpdateHz
	cfg.PanDeadZone = t.PanDeadZonePct
	cfg.TiltDeadZone = t.TiltDeadZonePct
	cfg.MaxPanSpeed = t.MaxPanSpeed
	cfg.MaxTiltSpeed = t.MaxTiltSpeed
	cfg.Anticipation = t.AnticipationFactor
	cfg.GateAdvancePct = t.GateAdvanceThresholdPct
	cfg.LostTimeout = time.Duration(t.LostRacerTimeoutS * float64(time.Second))
	cfg.FramePosition = t.RacerFramePosition
	return cfg
}

// commandInterval is the minimum spacing of device motion commands
func (c Config) commandInterval() time.Duration {
	if c.PTZUpdateHz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.PTZUpdateHz)
}

// TrackState is all mutable run state. It is owned by the Controller.
type TrackState struct {
	State            State
	CurrentGateIndex int
	PrevBox          *detection.BBox
	LastDetection    time.Time
	TrackingStart    time.Time
	LastCommand      time.Time
	FramesInZone     int
	FinishedAt       *time.Time
	RunID            string
}

// Framer computes the stabilized crop window. It is reset on every entry
// to WAITING or TRACKING.
type Framer interface {
	Window(frameW, frameH int, box detection.BBox, dirSign int) image.Rectangle
	Reset()
}

// StepResult is what one iteration decided
type StepResult struct {
	State   State
	Subject *detection.Detection
	DirSign int
	// Crop is the stabilized window; nil means pass the full frame through
	Crop *image.Rectangle
	// Desired is where the control law wants the subject centroid
	Desired     image.Point
	PanSpeed    int
	TiltSpeed   int
	CommandSent bool
	Info        string
}

// Snapshot is a read-only view of the controller for status feeds and overlays
type Snapshot struct {
	State        State         `json:"-"`
	StateName    string        `json:"state"`
	RunID        string        `json:"run_id,omitempty"`
	Course       string        `json:"course"`
	GateIndex    int           `json:"gate_index"`
	GateID       int           `json:"gate_id"`
	GateName     string        `json:"gate_name"`
	NumGates     int           `json:"num_gates"`
	FramesInZone int           `json:"frames_in_zone"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	SinceSeen    time.Duration `json:"since_seen_ns"`
	Info         string        `json:"info"`
}

// Outcome classifies how a run ended
type Outcome string

const (
	OutcomeFinished Outcome = "finished"
	OutcomeLost     Outcome = "lost"
	OutcomeAborted  Outcome = "aborted"
	OutcomeForced   Outcome = "forced_finish"
)

// Run is a completed or abandoned TRACKING session
type Run struct {
	ID          string        `json:"run_id"`
	Course      string        `json:"course"`
	Started     time.Time     `json:"started"`
	Ended       time.Time     `json:"ended"`
	Duration    time.Duration `json:"duration_ns"`
	Outcome     Outcome       `json:"outcome"`
	StartGate   int           `json:"start_gate"`
	LastGate    int           `json:"last_gate"`
	GatesPassed int           `json:"gates_passed"`
}

// RunRecorder receives runs as they end. Implementations must not block.
type RunRecorder interface {
	RecordRun(Run)
}
