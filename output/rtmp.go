package output

import (
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"gocv.io/x/gocv"

	"gatecam/pkg/ffmpeg"
)

const (
	queueFrames    = 60
	restartBackoff = 5 * time.Second
)

// RTMPSink pipes raw BGR frames into an ffmpeg process that encodes H.264
// and publishes FLV to an RTMP URL. The encoder starts on the first frame,
// since that fixes the picture size, and is restarted after it dies.
type RTMPSink struct {
	url    string
	fps    int
	binary string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	monitor  *ffmpeg.HealthMonitor
	size     image.Point
	queue    chan []byte
	done     chan struct{}
	writers  sync.WaitGroup
	broken   atomic.Bool
	retryAt  time.Time
	closed   bool
	dropped  atomic.Int64
	written  atomic.Int64
	starts   int
	newQueue func() chan []byte
}

// NewRTMPSink does not start ffmpeg
func NewRTMPSink(url string, fps int) *RTMPSink {
	if fps <= 0 {
		fps = 30
	}
	return &RTMPSink{
		url:      url,
		fps:      fps,
		binary:   "ffmpeg",
		newQueue: func() chan []byte { return make(chan []byte, queueFrames) },
	}
}

// encoderArgs is the ffmpeg command line for a w x h bgr24 input
func encoderArgs(w, h, fps int, url string) []string {
	return []string{
		"-y",
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", strconv.Itoa(fps),
		"-keyint_min", strconv.Itoa(fps),
		"-sc_threshold", "0",
		"-pix_fmt", "yuv420p",
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		url,
	}
}

// WriteFrame queues a copy of frame. Frames are dropped when the encoder
// falls behind or is down.
func (s *RTMPSink) WriteFrame(frame gocv.Mat) {
	if frame.Empty() {
		return
	}
	size := image.Pt(frame.Cols(), frame.Rows())
	if !s.ensureRunning(size) {
		s.dropped.Add(1)
		return
	}
	if size != s.size {
		debugMsgVerbose("RTMP", fmt.Sprintf("frame %dx%d does not match stream %dx%d, dropped",
			size.X, size.Y, s.size.X, s.size.Y))
		s.dropped.Add(1)
		return
	}
	if !s.enqueue(frame.ToBytes()) {
		debugMsgVerbose("RTMP", "write queue full, frame dropped")
	}
}

// enqueue never blocks
func (s *RTMPSink) enqueue(data []byte) bool {
	select {
	case s.queue <- data:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *RTMPSink) ensureRunning(size image.Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.cmd != nil && !s.broken.Load() {
		return true
	}
	if s.cmd != nil {
		s.stopLocked()
		s.retryAt = time.Now().Add(restartBackoff)
		debugMsg("RTMP", fmt.Sprintf("encoder down, restarting in %v", restartBackoff))
	}
	if time.Now().Before(s.retryAt) {
		return false
	}
	if err := s.startLocked(size); err != nil {
		debugMsg("RTMP", fmt.Sprintf("could not start encoder: %v", err))
		s.retryAt = time.Now().Add(restartBackoff)
		return false
	}
	return true
}

func (s *RTMPSink) startLocked(size image.Point) error {
	cmd := exec.Command(s.binary, encoderArgs(size.X, size.Y, s.fps, s.url)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin pipe: %w", err)
	}
	monitor := ffmpeg.NewHealthMonitor(float64(s.fps))
	if err := monitor.Attach(cmd, func(reason string) {
		debugMsg("RTMP", "encoder unhealthy: "+reason)
		s.broken.Store(true)
	}); err != nil {
		return err
	}

	debugMsg("RTMP", fmt.Sprintf("Executing: %s %s", s.binary, strings.Join(cmd.Args[1:], " ")))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	monitor.Run()

	s.cmd, s.stdin, s.monitor, s.size = cmd, stdin, monitor, size
	s.queue = s.newQueue()
	s.done = make(chan struct{})
	s.broken.Store(false)
	s.starts++

	s.writers.Add(1)
	go s.writeWorker(stdin, s.queue, s.done)

	debugMsg("RTMP", fmt.Sprintf("Output stream %s (%dx%d @ %dfps, PID %d)",
		s.url, size.X, size.Y, s.fps, cmd.Process.Pid))
	return nil
}

func (s *RTMPSink) writeWorker(w io.Writer, queue <-chan []byte, done <-chan struct{}) {
	defer s.writers.Done()
	for {
		select {
		case <-done:
			return
		case data := <-queue:
			if _, err := w.Write(data); err != nil {
				debugMsg("RTMP", fmt.Sprintf("pipe write failed: %v", err))
				s.broken.Store(true)
				return
			}
			s.written.Add(1)
		}
	}
}

// stopLocked ends the writer and the process group
func (s *RTMPSink) stopLocked() {
	if s.cmd == nil {
		return
	}
	s.monitor.Stop()
	// closing stdin unblocks a writer stuck on a full pipe
	s.stdin.Close()
	close(s.done)
	s.writers.Wait()

	exited := make(chan struct{})
	go func() {
		s.cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
		<-exited
	}
	s.cmd, s.stdin, s.monitor = nil, nil, nil
}

// Stats returns frames handed to ffmpeg and frames dropped
func (s *RTMPSink) Stats() (written, dropped int64) {
	return s.written.Load(), s.dropped.Load()
}

// Close flushes nothing; queued frames are discarded
func (s *RTMPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopLocked()
	written, dropped := s.Stats()
	debugMsg("RTMP", fmt.Sprintf("Output stream closed: %d frames written, %d dropped, %d encoder starts",
		written, dropped, s.starts))
	return nil
}
