package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gatecam/course"
	"gatecam/ptz"
)

func main() {
	cameraIP := flag.String("camera", "192.168.0.100", "Axis camera IP address")
	output := flag.String("output", "course_config.json", "Course file to write")
	name := flag.String("name", "", "Course name stored in the file")
	validate := flag.String("validate", "", "Visit every gate of an existing course file")
	credentials := flag.String("credentials", "credentials.local", "dotenv file with AXIS_USER and AXIS_PASS")
	flag.Parse()

	// a missing credentials file is fine, the environment may carry them
	_ = godotenv.Load(*credentials)
	user := os.Getenv("AXIS_USER")
	if user == "" {
		user = "root"
	}
	pass := os.Getenv("AXIS_PASS")

	logf := func(component, message string, runID ...string) {
		fmt.Printf("[%s][%s] %s\n", time.Now().Format("15:04:05.000"), component, message)
	}
	ptz.SetDebugFunction(logf)
	course.SetDebugFunction(logf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	axis := ptz.NewAxisController(*cameraIP, user, pass, time.Second)
	pos, ok := axis.Ping()
	if !ok {
		fmt.Printf("ERROR: Cannot connect to PTZ camera at %s\n", *cameraIP)
		os.Exit(1)
	}
	fmt.Printf("📷 Camera: %s (%s)\n", *cameraIP, pos)

	state := ptz.NewCameraStateManager(axis)
	state.Start(ctx)
	calibrator := NewCourseCalibrator(state, os.Stdin, os.Stdout)
	calibrator.settle = func(ctx context.Context) bool {
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if !state.WaitIdle(waitCtx) && ctx.Err() == nil {
			// the camera never reported arrival; do not block the next command
			state.ForceIdle()
		}
		return ctx.Err() == nil
	}

	if *validate != "" {
		cfg, err := course.Load(*validate)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nValidating %d gates from %s\n", len(cfg.Gates), *validate)
		n := calibrator.VisitGates(ctx, cfg.Gates, true)
		fmt.Printf("\nValidation complete: %d/%d gates visited\n", n, len(cfg.Gates))
		return
	}

	if !calibrator.Run(ctx) {
		return
	}
	if err := calibrator.SaveCourse(*output, *name, *cameraIP); err != nil {
		fmt.Printf("❌ Save failed: %v\n", err)
		os.Exit(1)
	}
}
