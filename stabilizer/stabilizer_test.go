package stabilizer

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"gatecam/course"
	"gatecam/detection"
)

func boxAt(cx, cy float64) detection.BBox {
	return detection.BBox{X1: cx - 10, Y1: cy - 20, X2: cx + 10, Y2: cy + 20}
}

func testStabilizer() *Stabilizer {
	return New(Config{Overscan: 0.2, Alpha: 0.5, FramePosition: 0.25, OutputWidth: 400, OutputHeight: 200})
}

func TestFirstWindowIsUnsmoothed(t *testing.T) {
	s := testStabilizer()
	_, _, ok := s.Smoothed()
	assert.False(t, ok)

	r := s.Window(1000, 500, boxAt(350, 250), 1)
	assert.Equal(t, image.Rect(150, 50, 950, 450), r)

	x, y, ok := s.Smoothed()
	require.True(t, ok)
	assert.Equal(t, 150.0, x)
	assert.Equal(t, 50.0, y)
}

func TestWindowSmoothing(t *testing.T) {
	s := testStabilizer()
	s.Window(1000, 500, boxAt(350, 250), 1)

	r := s.Window(1000, 500, boxAt(450, 250), 1)
	assert.Equal(t, 200, r.Min.X, "halfway between 150 and 250")

	s.Reset()
	r = s.Window(1000, 500, boxAt(450, 250), 1)
	assert.Equal(t, 250, r.Min.X, "after reset the window snaps to its target")
}

func TestWindowTravelDirection(t *testing.T) {
	s := testStabilizer()
	// leftward travel keeps the subject 3/4 of the way across the window
	r := s.Window(1000, 500, boxAt(800, 250), -1)
	assert.Equal(t, 200, r.Min.X)
	assert.Equal(t, 800, r.Dx())
	assert.Equal(t, 400, r.Dy())
}

func TestWindowStaysInsideFrame(t *testing.T) {
	tests := []struct {
		name   string
		cx, cy float64
		dir    int
		want   image.Rectangle
	}{
		{"top left", 50, 20, 1, image.Rect(0, 0, 800, 400)},
		{"bottom right", 990, 490, -1, image.Rect(200, 100, 1000, 500)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStabilizer()
			assert.Equal(t, tt.want, s.Window(1000, 500, boxAt(tt.cx, tt.cy), tt.dir))
		})
	}
}

func TestRenderAndPassthroughResize(t *testing.T) {
	s := testStabilizer()
	frame := gocv.NewMatWithSize(500, 1000, gocv.MatTypeCV8UC3)
	defer frame.Close()

	out := s.Update(frame, boxAt(350, 250), 1)
	defer out.Close()
	assert.Equal(t, 400, out.Cols())
	assert.Equal(t, 200, out.Rows())

	pass := s.Passthrough(frame)
	defer pass.Close()
	assert.Equal(t, 400, pass.Cols())
	assert.Equal(t, 200, pass.Rows())

	x, _, _ := s.Smoothed()
	assert.Equal(t, 150.0, x, "passthrough leaves the filter alone")
}

func TestRenderKeepsMatchingSize(t *testing.T) {
	s := New(Config{Overscan: 0.2, Alpha: 1, FramePosition: 0.5, OutputWidth: 800, OutputHeight: 400})
	frame := gocv.NewMatWithSize(500, 1000, gocv.MatTypeCV8UC3)
	defer frame.Close()

	out := s.Render(frame, image.Rect(100, 50, 900, 450))
	defer out.Close()
	assert.Equal(t, 800, out.Cols())
	assert.Equal(t, 400, out.Rows())
}

func TestConfigFromCourse(t *testing.T) {
	cfg := ConfigFromCourse(course.DefaultConfig().Stabilization)
	assert.Equal(t, Config{Overscan: 0.15, Alpha: 0.25, FramePosition: 0.4, OutputWidth: 1920, OutputHeight: 1080}, cfg)
}
