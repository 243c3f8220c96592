package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gatecam/capture"
	"gatecam/course"
	"gatecam/detection"
	"gatecam/operator"
	"gatecam/output"
	"gatecam/overlay"
	"gatecam/pkg/ffmpeg"
	"gatecam/ptz"
	"gatecam/runstore"
	"gatecam/stabilizer"
	"gatecam/tracking"
)

const outputFPS = 30

var (
	// Command-line flags
	configPath   = flag.String("config", "course_config.json", "Course file written by the course calibrator")
	cameraIP     = flag.String("camera", "", "Axis camera IP (overrides camera.ip from the course file)")
	modelPath    = flag.String("model", "", "Detector model path (overrides model.path)")
	debugMode    = flag.Bool("debug", false, "Show the preview window with tracking overlay")
	debugVerbose = flag.Bool("debug-verbose", false, "Enable verbose debug output (per-command PTZ and per-frame sink logging)")
	dryRun       = flag.Bool("dry-run", false, "Compute PTZ commands but never send them")
	rtmpURL      = flag.String("output", "", "RTMP URL for the output stream (overrides output.rtmp_url)")
	recordPath   = flag.String("record", "", "Record the output to a local MP4 (overrides output.record_path)")
	sourceURL    = flag.String("source", "", "Video file or stream URL instead of the camera RTSP stream")
	operatorAddr = flag.String("operator-addr", "", "Listen address for the operator WebSocket, e.g. :8090 (empty disables)")
	runsDB       = flag.String("runs-db", "gatecam_runs.db", "SQLite file for run history (empty disables)")
	logDir       = flag.String("log-dir", "", "Directory for per-run log files (empty logs to console only)")
	credentials  = flag.String("credentials", "credentials.local", "dotenv file with AXIS_USER and AXIS_PASS")

	// PTZ Movement Limits (soft limits for course safety) - degrees
	minPan  = flag.Float64("min-pan", math.NaN(), "Minimum pan in degrees (omit for hardware minimum)")
	maxPan  = flag.Float64("max-pan", math.NaN(), "Maximum pan in degrees (omit for hardware maximum)")
	minTilt = flag.Float64("min-tilt", math.NaN(), "Minimum tilt in degrees (omit for hardware minimum)")
	maxTilt = flag.Float64("max-tilt", math.NaN(), "Maximum tilt in degrees (omit for hardware maximum)")

	// Global debug logger instance
	globalDebugLogger *DebugLogger
)

// debugMsg is the global convenience function for unified debug logging
func debugMsg(component, message string, runID ...string) {
	if globalDebugLogger != nil {
		globalDebugLogger.Msg(component, message, runID...)
	} else {
		fmt.Printf("[%s][%s] %s\n", time.Now().Format("15:04:05.000"), component, message)
	}
}

// debugMsgVerbose only outputs if debug-verbose flag is enabled
func debugMsgVerbose(component, message string, runID ...string) {
	if globalDebugLogger != nil {
		globalDebugLogger.Verbose(component, message, runID...)
	}
}

func main() {
	flag.Parse()

	globalDebugLogger = NewDebugLogger(os.Stdout, *logDir, *debugVerbose)
	defer globalDebugLogger.Close()
	wireDebug(*debugVerbose)

	if err := run(); err != nil {
		debugMsg("ERROR", err.Error())
		globalDebugLogger.Close()
		os.Exit(1)
	}
}

// wireDebug connects every package to the unified logger
func wireDebug(verbose bool) {
	capture.SetDebugFunction(debugMsg)
	course.SetDebugFunction(debugMsg)
	detection.SetDebugFunction(debugMsg)
	ffmpeg.SetDebugFunction(debugMsg)
	operator.SetDebugFunction(debugMsg)
	output.SetDebugFunction(debugMsg)
	overlay.SetDebugFunction(debugMsg)
	ptz.SetDebugFunction(debugMsg)
	runstore.SetDebugFunction(debugMsg)
	stabilizer.SetDebugFunction(debugMsg)
	tracking.SetDebugFunction(debugMsg)

	output.SetVerbose(verbose)
	ptz.SetVerbose(verbose)
	tracking.SetVerbose(verbose)
}

func run() error {
	cfg, err := course.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load course %s: %w", *configPath, err)
	}
	applyOverrides(cfg)
	c := cfg.Course()

	user, pass := loadCredentials(*credentials)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Detector: construct, then warm up before anything moves
	detector := detection.NewProviderManager(detection.ModelFiles{
		Path:    cfg.Model.Path,
		Config:  cfg.Model.Config,
		ImgSize: cfg.Model.ImgSize,
		Backend: cfg.Model.Backend,
	})
	if err := detector.Warmup(); err != nil {
		return err
	}
	info := detector.GetProviderInfo()
	debugMsg("MAIN", fmt.Sprintf("Detector ready: %s (%s) ~%d FPS, init %v", info.Type, info.Backend, info.EstimatedFPS, info.InitTime))
	defer func() { _ = detector.Close() }()

	device := openDevice(ctx, cfg.Camera.IP, c.StartGate(), user, pass)

	// Frame source
	src := *sourceURL
	if src == "" {
		if cfg.Camera.IP == "" {
			return fmt.Errorf("no video source: set camera.ip, -camera or -source: %w", capture.ErrNoSource)
		}
		src = capture.AxisStreamURL(cfg.Camera.IP, user, pass, cfg.Camera.StreamProfile)
	}
	source := capture.NewSource(src)
	captureErr := make(chan error, 1)
	go func() { captureErr <- source.Run(ctx) }()

	// Stabilizer doubles as the controller's crop framer
	var stab *stabilizer.Stabilizer
	var framer tracking.Framer
	if cfg.Stabilization.Enabled {
		stab = stabilizer.New(stabilizer.ConfigFromCourse(cfg.Stabilization))
		framer = stab
	} else {
		debugMsg("MAIN", "Digital stabilization disabled, output is the raw frame")
	}

	ctrl := tracking.NewController(c, device, framer, tracking.ConfigFromCourse(cfg.Tracking))

	recorders := multiRecorder{logRecorder{}}
	var store *runstore.Store
	if *runsDB != "" {
		store, err = runstore.Open(*runsDB)
		if err != nil {
			debugMsg("MAIN", fmt.Sprintf("Run history disabled: %v", err))
		} else {
			defer store.Close()
			recorders = append(recorders, store)
			if best, ok, err := store.Best(ctx, c.Name); err == nil && ok {
				debugMsg("MAIN", fmt.Sprintf("Course record on %q: %.2fs", c.Name, best.Duration.Seconds()))
			}
		}
	}
	ctrl.SetRecorder(recorders)

	// Sinks
	var sinks output.Fanout
	if cfg.Output.RTMPURL != "" {
		sinks = append(sinks, output.NewRTMPSink(cfg.Output.RTMPURL, outputFPS))
	}
	if cfg.Output.RecordPath != "" {
		sinks = append(sinks, output.NewRecorder(cfg.Output.RecordPath, outputFPS))
	}
	if len(sinks) == 0 {
		debugMsg("MAIN", "No output configured; tracking only")
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			debugMsg("MAIN", fmt.Sprintf("Closing outputs: %v", err))
		}
	}()

	runner := &Runner{
		source:     source,
		detector:   detector,
		confidence: cfg.Model.Confidence,
		ctrl:       ctrl,
		stab:       stab,
		sink:       sinks,
		device:     device,
		dryRun:     *dryRun,
		renderer:   overlay.NewRenderer(),
	}

	if *operatorAddr != "" {
		var history operator.History
		if store != nil {
			history = store
		}
		srv := operator.NewServer(*operatorAddr, history)
		runner.events = srv.Events()
		runner.status = srv.Publish
		go func() {
			if err := srv.Run(ctx); err != nil {
				debugMsg("OPERATOR", err.Error())
			}
		}()
	}

	if previewEnabled(*debugMode, cfg.Output, os.Getenv("DISPLAY")) {
		win := newWindow("gatecam")
		defer win.Close()
		runner.preview = win
	}

	debugMsg("MAIN", fmt.Sprintf("Tracking %q: %d gates, start gate #%d", c.Name, c.NumGates(), c.StartGate().ID))
	runner.Run(ctx)
	// records an in-flight run before the store closes
	ctrl.Shutdown(time.Now())

	stop()
	if err := <-captureErr; err != nil {
		return err
	}
	stats := source.Stats()
	debugMsg("MAIN", fmt.Sprintf("Stopped after %d frames (%d dropped, %d reconnects)", stats.Frames, stats.Dropped, stats.Reconnects))
	return nil
}

// applyOverrides folds command-line overrides into the course file values
func applyOverrides(cfg *course.Config) {
	if *cameraIP != "" {
		cfg.Camera.IP = *cameraIP
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *rtmpURL != "" {
		cfg.Output.RTMPURL = *rtmpURL
	}
	if *recordPath != "" {
		cfg.Output.RecordPath = *recordPath
	}
}

// previewEnabled decides whether to open the highgui window. -debug always
// does; debug_display in the course file only counts with a display attached.
func previewEnabled(debug bool, out course.OutputConfig, display string) bool {
	if debug {
		return true
	}
	if out.DebugDisplay && display == "" {
		debugMsg("MAIN", "debug_display set but no DISPLAY, running headless")
		return false
	}
	return out.DebugDisplay
}

// loadCredentials reads the dotenv file; the process environment wins
func loadCredentials(path string) (user, pass string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		debugMsg("MAIN", fmt.Sprintf("Could not read %s: %v", path, err))
	}
	user = os.Getenv("AXIS_USER")
	if user == "" {
		user = "root"
	}
	return user, os.Getenv("AXIS_PASS")
}

// openDevice returns the PTZ device the controller drives. An unreachable
// camera is not fatal: the loop still detects and streams.
func openDevice(ctx context.Context, ip string, start course.Gate, user, pass string) ptz.Device {
	var base ptz.Device
	if *dryRun {
		base = ptz.NewDryRunDevice(ptz.Position{Pan: start.Pan, Tilt: start.Tilt, Zoom: start.Zoom})
		debugMsg("MAIN", "Dry run: PTZ commands are logged, not sent")
	} else {
		axis := ptz.NewAxisController(ip, user, pass, 0)
		if pos, ok := axis.Ping(); ok {
			debugMsg("MAIN", fmt.Sprintf("PTZ camera %s connected at %s", ip, pos))
		} else {
			debugMsg("MAIN", fmt.Sprintf("WARNING: PTZ camera %s not reachable, continuing detection-only", ip))
		}
		base = axis
	}

	csm := ptz.NewCameraStateManager(base)
	csm.SyncHardLimits()
	if lo, hi, lt, ht, ok := softLimits(csm.GetLimits(), *minPan, *maxPan, *minTilt, *maxTilt); ok {
		csm.SetLimits(lo, hi, lt, ht)
	}
	csm.SetOnStateChanged(func(oldState, newState ptz.CameraState) {
		debugMsgVerbose("CAMERA_STATE", fmt.Sprintf("State changed: %s -> %s", oldState, newState))
	})
	csm.Start(ctx)
	return csm
}

// softLimits merges the limit flags with the current limits. Unset flags
// (NaN) keep the hardware range; set flags never exceed it.
func softLimits(cur ptz.PTZLimits, minP, maxP, minT, maxT float64) (float64, float64, float64, float64, bool) {
	if math.IsNaN(minP) && math.IsNaN(maxP) && math.IsNaN(minT) && math.IsNaN(maxT) {
		return 0, 0, 0, 0, false
	}
	pick := func(v, hard float64, lower bool) float64 {
		if math.IsNaN(v) {
			return hard
		}
		if lower {
			return math.Max(v, hard)
		}
		return math.Min(v, hard)
	}
	return pick(minP, cur.HardMinPan, true), pick(maxP, cur.HardMaxPan, false),
		pick(minT, cur.HardMinTilt, true), pick(maxT, cur.HardMaxTilt, false), true
}

// logRecorder closes the per-run log file and prints the result
type logRecorder struct{}

func (logRecorder) RecordRun(run tracking.Run) {
	debugMsg("RUN", fmt.Sprintf("Run %s: %s in %.2fs, gates %d..%d (%d passed)",
		run.ID, run.Outcome, run.Duration.Seconds(), run.StartGate+1, run.LastGate+1, run.GatesPassed), run.ID)
	if globalDebugLogger != nil {
		globalDebugLogger.EndRun(run.ID)
	}
}

// multiRecorder hands each run to every recorder in order
type multiRecorder []tracking.RunRecorder

func (m multiRecorder) RecordRun(run tracking.Run) {
	for _, r := range m {
		r.RecordRun(run)
	}
}
