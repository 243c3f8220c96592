package output

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Recorder writes frames to a local MP4 through OpenCV. The writer opens on
// the first frame.
type Recorder struct {
	path   string
	fps    float64
	writer *gocv.VideoWriter
	size   image.Point
	failed bool
	frames int64
}

func NewRecorder(path string, fps float64) *Recorder {
	if fps <= 0 {
		fps = 30
	}
	return &Recorder{path: path, fps: fps}
}

func (r *Recorder) WriteFrame(frame gocv.Mat) {
	if frame.Empty() || r.failed {
		return
	}
	size := image.Pt(frame.Cols(), frame.Rows())
	if r.writer == nil {
		w, err := gocv.VideoWriterFile(r.path, "mp4v", r.fps, size.X, size.Y, true)
		if err != nil {
			debugMsg("RECORDER", fmt.Sprintf("could not open %s: %v", r.path, err))
			r.failed = true
			return
		}
		r.writer, r.size = w, size
		debugMsg("RECORDER", fmt.Sprintf("Recording to %s (%dx%d)", r.path, size.X, size.Y))
	}
	if size != r.size {
		debugMsgVerbose("RECORDER", "frame size changed, frame skipped")
		return
	}
	if err := r.writer.Write(frame); err != nil {
		debugMsgVerbose("RECORDER", fmt.Sprintf("write failed: %v", err))
		return
	}
	r.frames++
}

func (r *Recorder) Close() error {
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	debugMsg("RECORDER", fmt.Sprintf("Recording closed: %d frames in %s", r.frames, r.path))
	return err
}
