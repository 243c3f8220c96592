// Package ffmpeg watches an encoder subprocess through its stderr and
// reports when it stops making progress.
package ffmpeg

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Global debug function for ffmpeg package
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

var (
	frameRegex          = regexp.MustCompile(`frame=\s*(\d+)`)
	timestampErrorRegex = regexp.MustCompile(`(?i)((DTS|PTS)\s+\d+,\s+next:\d+.*invalid dropping|Non-monotonic DTS.*previous:.*current:.*changing to)`)
)

// OutputBuffer is a ring of the most recent output lines
type OutputBuffer struct {
	mu    sync.RWMutex
	lines []string
	next  int
	full  bool
}

func NewOutputBuffer(size int) *OutputBuffer {
	if size < 1 {
		size = 1
	}
	return &OutputBuffer{lines: make([]string, size)}
}

func (ob *OutputBuffer) Add(line string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.lines[ob.next] = line
	ob.next = (ob.next + 1) % len(ob.lines)
	if ob.next == 0 {
		ob.full = true
	}
}

// Recent returns the buffered lines, oldest first
func (ob *OutputBuffer) Recent() []string {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if !ob.full {
		return append([]string(nil), ob.lines[:ob.next]...)
	}
	out := make([]string, 0, len(ob.lines))
	out = append(out, ob.lines[ob.next:]...)
	return append(out, ob.lines[:ob.next]...)
}

// HealthMonitor tracks encoder output. The process is unhealthy when it goes
// quiet, stops advancing its frame counter, or logs three timestamp errors
// within 30 seconds.
type HealthMonitor struct {
	mu              sync.Mutex
	started         time.Time
	lastOutput      time.Time
	lastProgress    time.Time
	lastFrame       int
	timestampErrors int
	lastErrorAt     time.Time
	forced          bool

	outputTimeout   time.Duration
	progressTimeout time.Duration
	checkInterval   time.Duration

	recent      *OutputBuffer
	stderr      io.ReadCloser
	onUnhealthy func(reason string)
	stop        chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewHealthMonitor sizes the progress timeout to 200 frames at fps
func NewHealthMonitor(fps float64) *HealthMonitor {
	if fps <= 0 {
		fps = 30
	}
	return &HealthMonitor{
		outputTimeout:   30 * time.Second,
		progressTimeout: time.Duration(200 / fps * float64(time.Second)),
		checkInterval:   5 * time.Second,
		recent:          NewOutputBuffer(100),
		stop:            make(chan struct{}),
		now:             time.Now,
	}
}

// Attach takes the command's stderr. It must run before cmd.Start.
func (m *HealthMonitor) Attach(cmd *exec.Cmd, onUnhealthy func(reason string)) error {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	m.stderr = stderr
	m.onUnhealthy = onUnhealthy
	return nil
}

// Run starts reading output and checking health. Call after cmd.Start.
func (m *HealthMonitor) Run() {
	m.mu.Lock()
	now := m.now()
	m.started, m.lastOutput, m.lastProgress = now, now, now
	m.mu.Unlock()

	if m.stderr != nil {
		go m.readOutput(m.stderr)
	}
	go m.checkLoop()
}

// Stop ends the check loop. Safe to call more than once.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *HealthMonitor) readOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	// ffmpeg ends progress lines with a bare carriage return
	scanner.Split(scanLinesOrReturns)
	lines := 0
	for scanner.Scan() {
		lines++
		m.ProcessLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		debugMsg("FFMPEG_MONITOR", fmt.Sprintf("stderr scanner error after %d lines: %v", lines, err))
	}
	debugMsg("FFMPEG_MONITOR", fmt.Sprintf("stderr closed after %d lines", lines))
}

// ProcessLine records one line of encoder output
func (m *HealthMonitor) ProcessLine(line string) {
	if line == "" {
		return
	}
	m.recent.Add(line)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastOutput = now

	if timestampErrorRegex.MatchString(line) {
		if now.Sub(m.lastErrorAt) > 30*time.Second {
			m.timestampErrors = 0
		}
		m.timestampErrors++
		m.lastErrorAt = now
		debugMsg("FFMPEG_MONITOR", fmt.Sprintf("timestamp error #%d: %s", m.timestampErrors, line))
		if m.timestampErrors >= 3 {
			m.forced = true
		}
		return
	}

	if match := frameRegex.FindStringSubmatch(line); len(match) > 1 {
		if n, err := strconv.Atoi(match[1]); err == nil && n > m.lastFrame {
			m.lastFrame = n
			m.lastProgress = now
		}
	}
}

// Check reports whether the encoder is healthy and, if not, why
func (m *HealthMonitor) Check() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	switch {
	case m.forced:
		return false, "repeated timestamp errors"
	case now.Sub(m.lastOutput) > m.outputTimeout:
		return false, fmt.Sprintf("no output for %v", now.Sub(m.lastOutput).Round(time.Second))
	case now.Sub(m.lastProgress) > m.progressTimeout:
		return false, fmt.Sprintf("no frame progress for %v (last frame %d)",
			now.Sub(m.lastProgress).Round(time.Second), m.lastFrame)
	}
	return true, ""
}

// Recent returns the last lines of output for post-mortem logging
func (m *HealthMonitor) Recent() []string {
	return m.recent.Recent()
}

func (m *HealthMonitor) checkLoop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ok, reason := m.Check()
			if ok {
				continue
			}
			debugMsg("FFMPEG_MONITOR", "encoder unhealthy: "+reason)
			for _, line := range m.Recent() {
				debugMsg("FFMPEG_STDERR", line)
			}
			if m.onUnhealthy != nil {
				m.onUnhealthy(reason)
			}
			return
		}
	}
}

func scanLinesOrReturns(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
