package ptz

import (
	"fmt"
	"sync"
)

// DryRunDevice logs the commands it would send and keeps a simulated pose,
// so the rest of the pipeline behaves as if a camera were attached.
type DryRunDevice struct {
	mu     sync.Mutex
	pos    Position
	limits Limits
}

// NewDryRunDevice starts at the given pose
func NewDryRunDevice(start Position) *DryRunDevice {
	return &DryRunDevice{
		pos: start,
		limits: Limits{
			MinPan: -180, MaxPan: 180,
			MinTilt: -90, MaxTilt: 90,
			MinZoom: 1, MaxZoom: 9999,
		},
	}
}

func (d *DryRunDevice) MoveAbsolute(pan, tilt float64, zoom, speed int) bool {
	d.mu.Lock()
	d.pos = Position{Pan: pan, Tilt: tilt, Zoom: zoom}
	d.mu.Unlock()
	debugMsg("PTZ_DRYRUN", fmt.Sprintf("absolute pan=%.1f tilt=%.1f zoom=%d speed=%d", pan, tilt, zoom, speed))
	return true
}

func (d *DryRunDevice) MoveContinuous(panSpeed, tiltSpeed int) bool {
	debugMsgVerbose("PTZ_DRYRUN", fmt.Sprintf("continuous %d,%d", ClampSpeed(panSpeed), ClampSpeed(tiltSpeed)))
	return true
}

func (d *DryRunDevice) SetZoom(zoom int) bool {
	d.mu.Lock()
	d.pos.Zoom = zoom
	d.mu.Unlock()
	debugMsg("PTZ_DRYRUN", fmt.Sprintf("zoom=%d", zoom))
	return true
}

func (d *DryRunDevice) Stop() bool {
	return d.MoveContinuous(0, 0)
}

func (d *DryRunDevice) Position() (Position, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos, true
}

func (d *DryRunDevice) Limits() (Limits, bool) {
	return d.limits, true
}
