// Package capture reads frames from the camera stream on a background
// goroutine and hands the newest one to the control loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Global debug function for capture package
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

// ErrNoSource means there is nothing to connect to; it is the only fatal error
var ErrNoSource = errors.New("no stream source configured")

const (
	reconnectDelay = 5 * time.Second
	retryDelay     = 10 * time.Second
)

// Frame is one decoded image. The receiver owns Mat and must Close it.
type Frame struct {
	Mat      gocv.Mat
	Sequence int64
	Time     time.Time
}

// reader is the part of gocv.VideoCapture the source uses
type reader interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Stats are cumulative counters since the source started
type Stats struct {
	Frames     int64
	Dropped    int64
	Reconnects int64
}

// Source owns the stream connection. Frames that the loop has not picked up
// are replaced by newer ones, so the slot never holds more than one.
type Source struct {
	url  string
	open func(string) (reader, error)
	slot chan Frame

	reconnectDelay time.Duration
	retryDelay     time.Duration

	frames     atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
}

// NewSource prepares a source for url, which may be an RTSP URL or a file path
func NewSource(url string) *Source {
	return &Source{
		url:            url,
		open:           openCapture,
		slot:           make(chan Frame, 1),
		reconnectDelay: reconnectDelay,
		retryDelay:     retryDelay,
	}
}

func openCapture(u string) (reader, error) {
	vc, err := gocv.OpenVideoCapture(u)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("stream did not open")
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	debugMsg("CAPTURE", fmt.Sprintf("Stream connected: %.0fx%.0f @ %.0ffps",
		vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight), vc.Get(gocv.VideoCaptureFPS)))
	return vc, nil
}

// AxisStreamURL builds the RTSP URL for an Axis camera media profile
func AxisStreamURL(host, user, pass, profile string) string {
	u := url.URL{
		Scheme:   "rtsp",
		Host:     host,
		Path:     "/axis-media/media.amp",
		RawQuery: url.Values{"profile": {profile}}.Encode(),
	}
	if user != "" {
		u.User = url.UserPassword(user, pass)
	}
	return u.String()
}

// Run connects and reads until ctx is cancelled. Read failures and failed
// connects are retried after a delay; only a missing source is fatal.
func (s *Source) Run(ctx context.Context) error {
	if s.url == "" {
		return ErrNoSource
	}
	defer s.drain()

	first := true
	for ctx.Err() == nil {
		if !first {
			s.reconnects.Add(1)
		}
		first = false

		debugMsg("CAPTURE", fmt.Sprintf("Connecting to %s", redact(s.url)))
		r, err := s.open(s.url)
		if err != nil {
			debugMsg("CAPTURE", fmt.Sprintf("Connect failed: %v, retrying in %v", err, s.retryDelay))
			if !sleep(ctx, s.retryDelay) {
				return nil
			}
			continue
		}

		s.readLoop(ctx, r)
		r.Close()
		if ctx.Err() != nil {
			return nil
		}
		debugMsg("CAPTURE", fmt.Sprintf("Stream lost, reconnecting in %v", s.reconnectDelay))
		if !sleep(ctx, s.reconnectDelay) {
			return nil
		}
	}
	return nil
}

func (s *Source) readLoop(ctx context.Context, r reader) {
	for ctx.Err() == nil {
		img := gocv.NewMat()
		if ok := r.Read(&img); !ok {
			img.Close()
			return
		}
		if img.Empty() || img.Type() != gocv.MatTypeCV8UC3 {
			img.Close()
			continue
		}
		s.publish(Frame{Mat: img, Sequence: s.frames.Add(1), Time: time.Now()})
	}
}

// publish puts f in the slot, evicting an unread older frame
func (s *Source) publish(f Frame) {
	select {
	case s.slot <- f:
		return
	default:
	}
	select {
	case old := <-s.slot:
		old.Mat.Close()
		s.dropped.Add(1)
	default:
	}
	select {
	case s.slot <- f:
	default:
		f.Mat.Close()
		s.dropped.Add(1)
	}
}

// Next waits up to timeout for a frame. ok is false on timeout or cancellation.
func (s *Source) Next(ctx context.Context, timeout time.Duration) (Frame, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-s.slot:
		return f, true
	case <-t.C:
		return Frame{}, false
	case <-ctx.Done():
		return Frame{}, false
	}
}

// Stats returns the current counters
func (s *Source) Stats() Stats {
	return Stats{
		Frames:     s.frames.Load(),
		Dropped:    s.dropped.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

func (s *Source) drain() {
	for {
		select {
		case f := <-s.slot:
			f.Mat.Close()
		default:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// redact hides credentials embedded in a stream URL
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
