package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger is the single sink for every package's debugMsg. Lines go to
// the console; lines tagged with a run ID are also appended to
// <dir>/<runID>.txt by a background writer.
type DebugLogger struct {
	console io.Writer
	dir     string
	verbose bool

	mu       sync.Mutex
	runFiles map[string]*os.File
	closed   bool

	writeQueue    chan debugWriteTask
	workerStopped sync.WaitGroup
	dropped       int64

	now func() time.Time
}

type debugWriteTask struct {
	file    *os.File
	content string
}

// NewDebugLogger writes run files under dir. An empty dir keeps output on
// the console only.
func NewDebugLogger(console io.Writer, dir string, verbose bool) *DebugLogger {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(console, "[DEBUG_LOGGER] Failed to create log directory: %v\n", err)
			dir = ""
		}
	}

	dl := &DebugLogger{
		console:    console,
		dir:        dir,
		verbose:    verbose,
		runFiles:   make(map[string]*os.File),
		writeQueue: make(chan debugWriteTask, 256),
		now:        time.Now,
	}
	if dir != "" {
		dl.workerStopped.Add(1)
		go dl.fileWriteWorker()
	}
	return dl
}

// Msg is handed to every package through SetDebugFunction
func (dl *DebugLogger) Msg(component, message string, runID ...string) {
	timestamp := dl.now()
	line := fmt.Sprintf("[%s][%s] %s", timestamp.Format("15:04:05.000"), component, message)

	dl.mu.Lock()
	defer dl.mu.Unlock()

	fmt.Fprintln(dl.console, line)

	if dl.dir == "" || dl.closed || len(runID) == 0 || runID[0] == "" {
		return
	}
	file := dl.runFile(runID[0], timestamp)
	if file == nil {
		return
	}
	select {
	case dl.writeQueue <- debugWriteTask{file: file, content: line + "\n"}:
	default:
		// never block the control loop on disk
		dl.dropped++
	}
}

// Verbose is Msg gated on -debug-verbose
func (dl *DebugLogger) Verbose(component, message string, runID ...string) {
	if dl.verbose {
		dl.Msg(component, message, runID...)
	}
}

// runFile must be called with mu held
func (dl *DebugLogger) runFile(runID string, started time.Time) *os.File {
	if file, ok := dl.runFiles[runID]; ok {
		return file
	}

	path := filepath.Join(dl.dir, runID+".txt")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(dl.console, "[DEBUG_LOGGER] Failed to open run log %s: %v\n", path, err)
		return nil
	}
	if info, err := file.Stat(); err == nil && info.Size() == 0 {
		fmt.Fprintf(file, "=== RUN LOG: %s ===\nStarted: %s\n========================================\n\n",
			runID, started.Format("2006-01-02 15:04:05"))
	}
	dl.runFiles[runID] = file
	return file
}

// EndRun closes the file for a finished run once its queued lines are out
func (dl *DebugLogger) EndRun(runID string) {
	if dl.dir == "" {
		return
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	file, ok := dl.runFiles[runID]
	if !ok || dl.closed {
		return
	}
	delete(dl.runFiles, runID)
	// an empty task closes the file after the lines queued before it
	dl.writeQueue <- debugWriteTask{file: file}
}

func (dl *DebugLogger) fileWriteWorker() {
	defer dl.workerStopped.Done()
	for task := range dl.writeQueue {
		if task.content == "" {
			task.file.Close()
			continue
		}
		task.file.WriteString(task.content)
	}
}

// Close flushes queued lines and closes every run file
func (dl *DebugLogger) Close() {
	dl.mu.Lock()
	if dl.closed {
		dl.mu.Unlock()
		return
	}
	dl.closed = true
	files := dl.runFiles
	dl.runFiles = nil
	dl.mu.Unlock()

	if dl.dir == "" {
		return
	}
	close(dl.writeQueue)
	dl.workerStopped.Wait()
	for _, file := range files {
		file.Close()
	}
	if dl.dropped > 0 {
		fmt.Fprintf(dl.console, "[DEBUG_LOGGER] %d log lines dropped while the writer was busy\n", dl.dropped)
	}
}
