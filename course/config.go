package course

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const (
	DefaultGatesAhead = 2
	DefaultZoomMargin = 1.2
)

var (
	ErrNoGates     = errors.New("course has no gates")
	ErrInvalidZone = errors.New("invalid trigger zone")
)

// CameraConfig holds the camera section of the course file
type CameraConfig struct {
	IP            string `json:"ip"`
	StreamProfile string `json:"stream_profile"`
	FrameWidth    int    `json:"frame_width,omitempty"`
	FrameHeight   int    `json:"frame_height,omitempty"`
}

// ModelConfig holds the detector section
type ModelConfig struct {
	Path       string  `json:"path"`
	Config     string  `json:"config,omitempty"`
	Confidence float64 `json:"confidence"`
	ImgSize    int     `json:"imgsz"`
	Backend    string  `json:"backend,omitempty"`
}

// TrackingConfig holds control-loop tuning. Missing keys keep their defaults.
type TrackingConfig struct {
	PTZUpdateHz             float64 `json:"ptz_update_hz"`
	PanDeadZonePct          float64 `json:"pan_dead_zone_pct"`
	TiltDeadZonePct         float64 `json:"tilt_dead_zone_pct"`
	MaxPanSpeed             int     `json:"max_pan_speed"`
	MaxTiltSpeed            int     `json:"max_tilt_speed"`
	AnticipationFactor      float64 `json:"anticipation_factor"`
	GateAdvanceThresholdPct float64 `json:"gate_advance_threshold_pct"`
	LostRacerTimeoutS       float64 `json:"lost_racer_timeout_s"`
	RacerFramePosition      float64 `json:"racer_frame_position"`
	GatesAhead              int     `json:"gates_ahead"`
	ZoomMargin              float64 `json:"zoom_margin"`
}

// StabilizationConfig holds the digital_stabilization section
type StabilizationConfig struct {
	Enabled            bool    `json:"enabled"`
	OverscanPct        float64 `json:"overscan_pct"`
	SmoothingAlpha     float64 `json:"smoothing_alpha"`
	RacerFramePosition float64 `json:"racer_frame_position"`
	OutputWidth        int     `json:"output_width"`
	OutputHeight       int     `json:"output_height"`
}

// OutputConfig names the optional sinks
type OutputConfig struct {
	RTMPURL      string `json:"rtmp_url,omitempty"`
	RecordPath   string `json:"record_path,omitempty"`
	DebugDisplay bool   `json:"debug_display"`
}

// Config is the on-disk course file written by the calibrator
type Config struct {
	Version       int                 `json:"version"`
	CourseName    string              `json:"course_name"`
	Camera        CameraConfig        `json:"camera"`
	Model         ModelConfig         `json:"model"`
	Gates         []Gate              `json:"gates"`
	Tracking      TrackingConfig      `json:"tracking"`
	Stabilization StabilizationConfig `json:"digital_stabilization"`
	Output        OutputConfig        `json:"output"`
}

// DefaultConfig returns a config populated with the stock tuning values
func DefaultConfig() Config {
	return Config{
		Version:    1,
		CourseName: "Unnamed Course",
		Camera: CameraConfig{
			IP:            "192.168.0.100",
			StreamProfile: "h264-60fps",
			FrameWidth:    1920,
			FrameHeight:   1080,
		},
		Model: ModelConfig{
			Path:       "yolov8n.onnx",
			Confidence: 0.45,
			ImgSize:    640,
		},
		Tracking: TrackingConfig{
			PTZUpdateHz:             15,
			PanDeadZonePct:          0.05,
			TiltDeadZonePct:         0.08,
			MaxPanSpeed:             70,
			MaxTiltSpeed:            40,
			AnticipationFactor:      0.2,
			GateAdvanceThresholdPct: 0.15,
			LostRacerTimeoutS:       3.0,
			RacerFramePosition:      0.4,
			GatesAhead:              DefaultGatesAhead,
			ZoomMargin:              DefaultZoomMargin,
		},
		Stabilization: StabilizationConfig{
			Enabled:            true,
			OverscanPct:        0.15,
			SmoothingAlpha:     0.25,
			RacerFramePosition: 0.4,
			OutputWidth:        1920,
			OutputHeight:       1080,
		},
	}
}

// Load reads and validates a course file. Keys absent from the file keep
// the values from DefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read course file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates course file contents
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse course file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the tracker cannot run with
func (cfg *Config) Validate() error {
	if len(cfg.Gates) == 0 {
		return ErrNoGates
	}
	for _, g := range cfg.Gates {
		if g.TriggerZone == nil || !g.TriggerZone.Enabled {
			continue
		}
		b := g.TriggerZone.BBoxPct
		if b[0] < 0 || b[1] < 0 || b[2] > 1 || b[3] > 1 || b[0] >= b[2] || b[1] >= b[3] {
			return fmt.Errorf("gate #%d: %w: bbox_pct %v", g.ID, ErrInvalidZone, b)
		}
		switch g.TriggerZone.Direction {
		case DirectionEnter, DirectionExit:
		case "":
			g.TriggerZone.Direction = DirectionExit
		default:
			return fmt.Errorf("gate #%d: %w: direction %q", g.ID, ErrInvalidZone, g.TriggerZone.Direction)
		}
	}

	t := cfg.Tracking
	switch {
	case t.PTZUpdateHz <= 0:
		return fmt.Errorf("tracking.ptz_update_hz must be positive, got %v", t.PTZUpdateHz)
	case t.ZoomMargin <= 0:
		return fmt.Errorf("tracking.zoom_margin must be positive, got %v", t.ZoomMargin)
	case t.GatesAhead < 0:
		return fmt.Errorf("tracking.gates_ahead must not be negative, got %d", t.GatesAhead)
	case t.LostRacerTimeoutS <= 0:
		return fmt.Errorf("tracking.lost_racer_timeout_s must be positive, got %v", t.LostRacerTimeoutS)
	}

	s := cfg.Stabilization
	if s.OverscanPct < 0 || s.OverscanPct >= 1 {
		return fmt.Errorf("digital_stabilization.overscan_pct must be in [0,1), got %v", s.OverscanPct)
	}
	if s.SmoothingAlpha <= 0 || s.SmoothingAlpha > 1 {
		return fmt.Errorf("digital_stabilization.smoothing_alpha must be in (0,1], got %v", s.SmoothingAlpha)
	}
	if s.OutputWidth <= 0 || s.OutputHeight <= 0 {
		return fmt.Errorf("digital_stabilization output size must be positive, got %dx%d", s.OutputWidth, s.OutputHeight)
	}
	return nil
}

// Course builds the read-only course map from the file
func (cfg *Config) Course() *Course {
	return New(cfg.CourseName, cfg.Gates, cfg.Tracking.GatesAhead, cfg.Tracking.ZoomMargin)
}

// Save writes the config as indented JSON
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode course file: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write course file: %w", err)
	}
	debugMsg("COURSE", fmt.Sprintf("Saved %d gates to %s", len(cfg.Gates), path))
	return nil
}
