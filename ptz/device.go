package ptz

import (
	"fmt"
	"strconv"
	"strings"
)

// Global debug function for PTZ package
var debugMsgFunc func(string, string, ...string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string, ...string)) {
	debugMsgFunc = fn
}

// debugMsg is a wrapper that handles nil checks
func debugMsg(component, message string, runID ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, runID...)
	}
}

var verbose bool

// SetVerbose enables per-command debug output
func SetVerbose(on bool) {
	verbose = on
}

func debugMsgVerbose(component, message string, runID ...string) {
	if verbose {
		debugMsg(component, message, runID...)
	}
}

// MaxSpeed bounds continuous pan/tilt speeds in both directions
const MaxSpeed = 100

// Device is the camera-control surface used by the tracker.
//
// Every call is best-effort: a transport failure is logged by the
// implementation and reported as false. Callers are expected to carry on.
type Device interface {
	MoveAbsolute(pan, tilt float64, zoom, speed int) bool
	// MoveContinuous clamps both axes to [-MaxSpeed, MaxSpeed]. (0, 0) stops.
	MoveContinuous(panSpeed, tiltSpeed int) bool
	SetZoom(zoom int) bool
	Stop() bool
	Position() (Position, bool)
	// Limits is cached after the first successful query.
	Limits() (Limits, bool)
}

// RelativeZoomer is a device that can zoom by an offset without a
// position round trip
type RelativeZoomer interface {
	RelativeZoom(amount int) bool
}

// ZoomBy zooms by amount steps, natively when d supports it and otherwise
// from the current position. The absolute target never drops below 1.
func ZoomBy(d Device, amount int) bool {
	if rz, ok := d.(RelativeZoomer); ok {
		return rz.RelativeZoom(amount)
	}
	pos, ok := d.Position()
	if !ok {
		return false
	}
	return d.SetZoom(max(1, pos.Zoom+amount))
}

// Position is a pan/tilt/zoom sample in camera units (degrees, zoom steps)
type Position struct {
	Pan  float64
	Tilt float64
	Zoom int
}

func (p Position) String() string {
	return fmt.Sprintf("pan=%.1f tilt=%.1f zoom=%d", p.Pan, p.Tilt, p.Zoom)
}

// Limits is the mechanical range reported by the camera
type Limits struct {
	MinPan  float64
	MaxPan  float64
	MinTilt float64
	MaxTilt float64
	MinZoom int
	MaxZoom int
	// Raw keeps every key the camera returned, including ones not mapped above
	Raw map[string]string
}

// ClampSpeed limits a continuous speed to the device range
func ClampSpeed(v int) int {
	if v > MaxSpeed {
		return MaxSpeed
	}
	if v < -MaxSpeed {
		return -MaxSpeed
	}
	return v
}

// clamp ensures a value stays within the specified range
func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// parseKeyValues reads the "key=value" line format the camera answers queries with
func parseKeyValues(body string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return out
}

func parsePosition(body string) (Position, error) {
	kv := parseKeyValues(body)
	var pos Position
	var err error

	pan, ok := kv["pan"]
	if !ok {
		return pos, fmt.Errorf("position response missing pan: %q", body)
	}
	if pos.Pan, err = strconv.ParseFloat(pan, 64); err != nil {
		return pos, fmt.Errorf("bad pan value %q: %w", pan, err)
	}
	if tilt, ok := kv["tilt"]; ok {
		if pos.Tilt, err = strconv.ParseFloat(tilt, 64); err != nil {
			return pos, fmt.Errorf("bad tilt value %q: %w", tilt, err)
		}
	}
	if zoom, ok := kv["zoom"]; ok {
		z, err := strconv.ParseFloat(zoom, 64)
		if err != nil {
			return pos, fmt.Errorf("bad zoom value %q: %w", zoom, err)
		}
		pos.Zoom = int(z)
	}
	return pos, nil
}

func parseLimits(body string) (Limits, error) {
	kv := parseKeyValues(body)
	if len(kv) == 0 {
		return Limits{}, fmt.Errorf("empty limits response")
	}
	l := Limits{Raw: kv}
	floatKey := func(key string, dst *float64) {
		if v, ok := kv[key]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	intKey := func(key string, dst *int) {
		if v, ok := kv[key]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = int(f)
			}
		}
	}
	floatKey("MinPan", &l.MinPan)
	floatKey("MaxPan", &l.MaxPan)
	floatKey("MinTilt", &l.MinTilt)
	floatKey("MaxTilt", &l.MaxTilt)
	intKey("MinZoom", &l.MinZoom)
	intKey("MaxZoom", &l.MaxZoom)
	return l, nil
}
