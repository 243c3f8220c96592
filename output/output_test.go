package output

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type countingSink struct {
	frames int
	err    error
}

func (c *countingSink) WriteFrame(gocv.Mat) { c.frames++ }
func (c *countingSink) Close() error        { return c.err }

func TestFanout(t *testing.T) {
	a, b := &countingSink{}, &countingSink{err: errors.New("disk full")}
	f := Fanout{a, b}

	frame := gocv.NewMatWithSize(2, 2, gocv.MatTypeCV8UC3)
	defer frame.Close()
	f.WriteFrame(frame)
	f.WriteFrame(gocv.NewMat())

	assert.Equal(t, 1, a.frames)
	assert.Equal(t, 1, b.frames)
	assert.EqualError(t, f.Close(), "disk full")
}

func TestEncoderArgs(t *testing.T) {
	args := encoderArgs(1280, 720, 30, "rtmp://localhost/live/gate")
	assert.Equal(t, "rtmp://localhost/live/gate", args[len(args)-1])
	assert.Contains(t, args, "1280x720")
	assert.Contains(t, args, "bgr24")
	assert.Contains(t, args, "libx264")

	// the input size must precede the stdin input marker
	var sizeAt, inputAt int
	for i, a := range args {
		switch a {
		case "-s":
			sizeAt = i
		case "-i":
			inputAt = i
		}
	}
	assert.Less(t, sizeAt, inputAt)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	s := NewRTMPSink("rtmp://localhost/live/gate", 30)
	s.queue = make(chan []byte, 2)

	assert.True(t, s.enqueue([]byte{1}))
	assert.True(t, s.enqueue([]byte{2}))
	assert.False(t, s.enqueue([]byte{3}))

	_, dropped := s.Stats()
	assert.Equal(t, int64(1), dropped)
}

func TestMissingEncoderBacksOff(t *testing.T) {
	s := NewRTMPSink("rtmp://localhost/live/gate", 30)
	s.binary = "/nonexistent/ffmpeg"

	assert.False(t, s.ensureRunning(image.Pt(4, 4)))
	assert.False(t, s.retryAt.IsZero())

	frame := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer frame.Close()
	s.WriteFrame(frame)
	_, dropped := s.Stats()
	assert.Equal(t, int64(1), dropped)

	require.NoError(t, s.Close())
	assert.False(t, s.ensureRunning(image.Pt(4, 4)))
}

func TestRecorderIdleClose(t *testing.T) {
	r := NewRecorder(t.TempDir()+"/run.mp4", 0)
	r.WriteFrame(gocv.NewMat())
	assert.Nil(t, r.writer)
	assert.NoError(t, r.Close())
}
