package ptz

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// CameraState represents the motion state of the camera
type CameraState int

const (
	IDLE CameraState = iota
	MOVING
)

func (s CameraState) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case MOVING:
		return "MOVING"
	default:
		return "UNKNOWN"
	}
}

// PTZLimits defines the camera position limits
type PTZLimits struct {
	// Software limits - operator-restricted range for the course
	SoftMinPan  float64
	SoftMaxPan  float64
	SoftMinTilt float64
	SoftMaxTilt float64
	SoftMinZoom float64
	SoftMaxZoom float64

	// Hardware limits - reported by the camera, full range until queried
	HardMinPan  float64
	HardMaxPan  float64
	HardMinTilt float64
	HardMaxTilt float64
	HardMinZoom float64
	HardMaxZoom float64
}

// DefaultPTZLimits covers the full Axis range on both layers
func DefaultPTZLimits() PTZLimits {
	return PTZLimits{
		SoftMinPan: -180, SoftMaxPan: 180,
		SoftMinTilt: -180, SoftMaxTilt: 180,
		SoftMinZoom: 1, SoftMaxZoom: 9999,

		HardMinPan: -180, HardMaxPan: 180,
		HardMinTilt: -180, HardMaxTilt: 180,
		HardMinZoom: 1, HardMaxZoom: 9999,
	}
}

const (
	panTolerance  = 0.5
	tiltTolerance = 0.5
	zoomTolerance = 20
)

// CameraStateManager wraps a Device, clamping absolute targets to the
// configured limits and tracking whether the camera is in motion.
// It satisfies Device itself so the controller never sees the difference.
type CameraStateManager struct {
	device         Device
	state          CameraState
	targetPosition *Position
	lastPosition   *Position
	mutex          sync.RWMutex
	limits         PTZLimits

	// Monitoring
	monitorInterval time.Duration
	onStateChanged  func(oldState, newState CameraState)

	// Timeout handling
	commandStartTime time.Time
	maxCommandTime   time.Duration

	// Settling delay - time to wait after arrival before transitioning to IDLE
	settlingDelay time.Duration
	arrivalTime   time.Time

	now func() time.Time
}

// NewCameraStateManager creates a new camera state manager
func NewCameraStateManager(device Device) *CameraStateManager {
	csm := &CameraStateManager{
		device:          device,
		state:           IDLE,
		limits:          DefaultPTZLimits(),
		monitorInterval: 250 * time.Millisecond,
		maxCommandTime:  15 * time.Second,
		settlingDelay:   100 * time.Millisecond,
		now:             time.Now,
	}
	return csm
}

// SetLimits replaces the software limits, keeping the hardware ones
func (csm *CameraStateManager) SetLimits(minPan, maxPan, minTilt, maxTilt float64) {
	csm.mutex.Lock()
	defer csm.mutex.Unlock()

	csm.limits.SoftMinPan, csm.limits.SoftMaxPan = minPan, maxPan
	csm.limits.SoftMinTilt, csm.limits.SoftMaxTilt = minTilt, maxTilt
	debugMsg("CAMERA_STATE", fmt.Sprintf("Software limits: Pan(%.1f..%.1f) Tilt(%.1f..%.1f)",
		minPan, maxPan, minTilt, maxTilt))
}

// SyncHardLimits pulls the mechanical range from the device
func (csm *CameraStateManager) SyncHardLimits() bool {
	l, ok := csm.device.Limits()
	if !ok {
		return false
	}
	csm.mutex.Lock()
	defer csm.mutex.Unlock()

	if l.MaxPan > l.MinPan {
		csm.limits.HardMinPan, csm.limits.HardMaxPan = l.MinPan, l.MaxPan
	}
	if l.MaxTilt > l.MinTilt {
		csm.limits.HardMinTilt, csm.limits.HardMaxTilt = l.MinTilt, l.MaxTilt
	}
	if l.MaxZoom > l.MinZoom {
		csm.limits.HardMinZoom, csm.limits.HardMaxZoom = float64(l.MinZoom), float64(l.MaxZoom)
	}
	debugMsg("CAMERA_STATE", fmt.Sprintf("Hardware limits: Pan(%.1f..%.1f) Tilt(%.1f..%.1f) Zoom(%.0f..%.0f)",
		csm.limits.HardMinPan, csm.limits.HardMaxPan,
		csm.limits.HardMinTilt, csm.limits.HardMaxTilt,
		csm.limits.HardMinZoom, csm.limits.HardMaxZoom))
	return true
}

// GetLimits returns the current camera limits
func (csm *CameraStateManager) GetLimits() PTZLimits {
	csm.mutex.RLock()
	defer csm.mutex.RUnlock()
	return csm.limits
}

// validateAndClampPosition validates and clamps position to limits
func (csm *CameraStateManager) validateAndClampPosition(pan, tilt, zoom float64) (float64, float64, float64, bool) {
	originalPan, originalTilt, originalZoom := pan, tilt, zoom

	// Software limits first, then hardware as the final bound
	pan = clamp(pan, csm.limits.SoftMinPan, csm.limits.SoftMaxPan)
	tilt = clamp(tilt, csm.limits.SoftMinTilt, csm.limits.SoftMaxTilt)
	zoom = clamp(zoom, csm.limits.SoftMinZoom, csm.limits.SoftMaxZoom)

	pan = clamp(pan, csm.limits.HardMinPan, csm.limits.HardMaxPan)
	tilt = clamp(tilt, csm.limits.HardMinTilt, csm.limits.HardMaxTilt)
	zoom = clamp(zoom, csm.limits.HardMinZoom, csm.limits.HardMaxZoom)

	clamped := (originalPan != pan) || (originalTilt != tilt) || (originalZoom != zoom)
	if clamped {
		debugMsg("CAMERA_STATE", fmt.Sprintf("Position clamped: (%.1f,%.1f,%.0f) -> (%.1f,%.1f,%.0f)",
			originalPan, originalTilt, originalZoom, pan, tilt, zoom))
	}
	return pan, tilt, zoom, clamped
}

// SetOnStateChanged sets callback for state change notifications
func (csm *CameraStateManager) SetOnStateChanged(callback func(oldState, newState CameraState)) {
	csm.mutex.Lock()
	defer csm.mutex.Unlock()
	csm.onStateChanged = callback
}

// GetState returns the current camera state
func (csm *CameraStateManager) GetState() CameraState {
	csm.mutex.RLock()
	defer csm.mutex.RUnlock()
	return csm.state
}

func (csm *CameraStateManager) IsIdle() bool { return csm.GetState() == IDLE }

// GetTargetPosition returns the current absolute target (if any)
func (csm *CameraStateManager) GetTargetPosition() *Position {
	csm.mutex.RLock()
	defer csm.mutex.RUnlock()

	if csm.targetPosition == nil {
		return nil
	}
	target := *csm.targetPosition
	return &target
}

func (csm *CameraStateManager) MoveAbsolute(pan, tilt float64, zoom, speed int) bool {
	csm.mutex.Lock()
	defer csm.mutex.Unlock()

	p, t, z, _ := csm.validateAndClampPosition(pan, tilt, float64(zoom))
	target := Position{Pan: p, Tilt: t, Zoom: int(math.Round(z))}

	if !csm.device.MoveAbsolute(target.Pan, target.Tilt, target.Zoom, speed) {
		return false
	}
	csm.targetPosition = &target
	csm.commandStartTime = csm.now()
	csm.arrivalTime = time.Time{}
	csm.changeState(MOVING)
	return true
}

func (csm *CameraStateManager) MoveContinuous(panSpeed, tiltSpeed int) bool {
	csm.mutex.Lock()
	defer csm.mutex.Unlock()

	if !csm.device.MoveContinuous(panSpeed, tiltSpeed) {
		return false
	}
	csm.targetPosition = nil
	if panSpeed == 0 && tiltSpeed == 0 {
		csm.commandStartTime = time.Time{}
		csm.changeState(IDLE)
	} else {
		csm.commandStartTime = csm.now()
		csm.changeState(MOVING)
	}
	return true
}

func (csm *CameraStateManager) SetZoom(zoom int) bool {
	csm.mutex.RLock()
	z := clamp(float64(zoom), csm.limits.SoftMinZoom, csm.limits.SoftMaxZoom)
	z = clamp(z, csm.limits.HardMinZoom, csm.limits.HardMaxZoom)
	csm.mutex.RUnlock()

	return csm.device.SetZoom(int(math.Round(z)))
}

// RelativeZoom forwards to the wrapped device when it zooms natively.
// Otherwise the offset becomes a clamped absolute SetZoom.
func (csm *CameraStateManager) RelativeZoom(amount int) bool {
	if rz, ok := csm.device.(RelativeZoomer); ok {
		return rz.RelativeZoom(amount)
	}
	pos, ok := csm.Position()
	if !ok {
		return false
	}
	return csm.SetZoom(pos.Zoom + amount)
}

func (csm *CameraStateManager) Stop() bool {
	return csm.MoveContinuous(0, 0)
}

// Position queries the device and remembers the sample for StateInfo
func (csm *CameraStateManager) Position() (Position, bool) {
	pos, ok := csm.device.Position()
	if ok {
		csm.mutex.Lock()
		csm.lastPosition = &pos
		csm.mutex.Unlock()
	}
	return pos, ok
}

func (csm *CameraStateManager) Limits() (Limits, bool) {
	return csm.device.Limits()
}

// Start polls position in the background to detect arrival at absolute targets
func (csm *CameraStateManager) Start(ctx context.Context) {
	debugMsg("CAMERA_STATE", "Starting camera state monitor")
	go csm.monitorPosition(ctx)
}

// WaitIdle blocks until an absolute move has settled or ctx is done.
// Requires Start.
func (csm *CameraStateManager) WaitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(csm.monitorInterval)
	defer ticker.Stop()
	for {
		if csm.IsIdle() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// isAtTarget checks if current position is within tolerance of the target
func isAtTarget(current, target Position) bool {
	return math.Abs(current.Pan-target.Pan) <= panTolerance &&
		math.Abs(current.Tilt-target.Tilt) <= tiltTolerance &&
		absInt(current.Zoom-target.Zoom) <= zoomTolerance
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// changeState transitions to a new state and triggers callbacks
func (csm *CameraStateManager) changeState(newState CameraState) {
	oldState := csm.state
	if oldState == newState {
		return
	}
	csm.state = newState
	debugMsgVerbose("CAMERA_STATE", fmt.Sprintf("State change: %s -> %s", oldState, newState))

	if csm.onStateChanged != nil {
		go csm.onStateChanged(oldState, newState)
	}
}

// monitorPosition continuously monitors camera position for arrival detection
func (csm *CameraStateManager) monitorPosition(ctx context.Context) {
	ticker := time.NewTicker(csm.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			debugMsg("CAMERA_STATE", "Position monitoring stopped")
			return
		case <-ticker.C:
			if csm.GetTargetPosition() == nil {
				continue
			}
			if pos, ok := csm.Position(); ok {
				csm.checkArrival(pos)
			}
		}
	}
}

// checkArrival transitions to IDLE once the camera has settled on its target
func (csm *CameraStateManager) checkArrival(current Position) {
	csm.mutex.Lock()
	defer csm.mutex.Unlock()

	if csm.state != MOVING || csm.targetPosition == nil {
		return
	}

	now := csm.now()
	if !csm.commandStartTime.IsZero() && now.Sub(csm.commandStartTime) > csm.maxCommandTime {
		debugMsg("CAMERA_STATE", fmt.Sprintf("Command timeout after %.1fs - forcing IDLE state",
			now.Sub(csm.commandStartTime).Seconds()))
		csm.declareArrival()
		return
	}

	if !isAtTarget(current, *csm.targetPosition) {
		csm.arrivalTime = time.Time{}
		return
	}
	if csm.arrivalTime.IsZero() {
		csm.arrivalTime = now
		return
	}
	if now.Sub(csm.arrivalTime) >= csm.settlingDelay {
		csm.declareArrival()
	}
}

// declareArrival transitions to IDLE
func (csm *CameraStateManager) declareArrival() {
	csm.targetPosition = nil
	csm.commandStartTime = time.Time{}
	csm.arrivalTime = time.Time{}
	csm.changeState(IDLE)
}

// ForceIdle forces the camera state to IDLE (emergency reset)
func (csm *CameraStateManager) ForceIdle() {
	csm.mutex.Lock()
	defer csm.mutex.Unlock()

	if csm.state != IDLE {
		debugMsg("CAMERA_STATE", "Force resetting to IDLE state")
		csm.declareArrival()
	}
}

// GetStateInfo returns detailed state information for debugging
func (csm *CameraStateManager) GetStateInfo() string {
	csm.mutex.RLock()
	defer csm.mutex.RUnlock()

	current := "unknown"
	if csm.lastPosition != nil {
		current = csm.lastPosition.String()
	}
	if csm.targetPosition == nil {
		return fmt.Sprintf("State: %s, Current: %s, Target: none", csm.state, current)
	}

	elapsed := ""
	if !csm.commandStartTime.IsZero() {
		elapsed = fmt.Sprintf(", Elapsed: %.1fs", csm.now().Sub(csm.commandStartTime).Seconds())
	}
	return fmt.Sprintf("State: %s, Current: %s, Target: %s%s", csm.state, current, csm.targetPosition, elapsed)
}
