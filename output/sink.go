// Package output delivers stabilized frames to the stream encoder and the
// local recorder. Sinks never block the control loop and never return
// per-frame errors to it.
package output

import (
	"errors"

	"gocv.io/x/gocv"
)

// Global debug function for output package
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

var verbose bool

// SetVerbose enables per-frame drop logging
func SetVerbose(v bool) {
	verbose = v
}

func debugMsgVerbose(component, message string) {
	if verbose {
		debugMsg(component, message)
	}
}

// Sink consumes output frames. WriteFrame does not retain frame.
type Sink interface {
	WriteFrame(frame gocv.Mat)
	Close() error
}

// Fanout sends every frame to each sink in order
type Fanout []Sink

func (f Fanout) WriteFrame(frame gocv.Mat) {
	if frame.Empty() {
		return
	}
	for _, s := range f {
		s.WriteFrame(frame)
	}
}

// Close closes every sink and joins their errors
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
