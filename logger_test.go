package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 2, 7, 9, 30, 15, 250e6, time.UTC)
}

func TestDebugLoggerConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	dl := NewDebugLogger(&console, "", false)
	dl.now = fixedClock

	dl.Msg("TRACKER", "hello", "run-1")
	dl.Verbose("PTZ", "suppressed")
	dl.EndRun("run-1")
	dl.Close()

	assert.Equal(t, "[09:30:15.250][TRACKER] hello\n", console.String())
}

func TestDebugLoggerVerbose(t *testing.T) {
	var console bytes.Buffer
	dl := NewDebugLogger(&console, "", true)
	dl.now = fixedClock
	dl.Verbose("PTZ", "shown")
	dl.Close()

	assert.Contains(t, console.String(), "[PTZ] shown")
}

func TestDebugLoggerRunFiles(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	dl := NewDebugLogger(&console, dir, false)
	dl.now = fixedClock

	dl.Msg("MAIN", "no run")
	dl.Msg("TRACKER", "started", "run-a")
	dl.Msg("TRACKER", "gate 2", "run-a")
	dl.Msg("TRACKER", "other", "run-b")
	dl.EndRun("run-a")
	dl.Msg("TRACKER", "after end", "run-a")
	dl.Close()

	// Close is idempotent
	dl.Close()

	a, err := os.ReadFile(filepath.Join(dir, "run-a.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(a), "=== RUN LOG: run-a ===")
	assert.Contains(t, string(a), "Started: 2026-02-07 09:30:15")
	assert.Contains(t, string(a), "[TRACKER] started\n")
	assert.Contains(t, string(a), "[TRACKER] gate 2\n")
	// a line after EndRun reopens the file in append mode without a new header
	assert.Contains(t, string(a), "[TRACKER] after end\n")
	assert.Equal(t, 1, bytes.Count(a, []byte("=== RUN LOG")))
	assert.NotContains(t, string(a), "other")

	b, err := os.ReadFile(filepath.Join(dir, "run-b.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "[TRACKER] other\n")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	assert.Equal(t, 5, bytes.Count(console.Bytes(), []byte("\n")))
}

func TestDebugLoggerAfterClose(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	dl := NewDebugLogger(&console, dir, false)
	dl.Close()

	dl.Msg("TRACKER", "late", "run-z")
	dl.EndRun("run-z")

	assert.Contains(t, console.String(), "late")
	_, err := os.Stat(filepath.Join(dir, "run-z.txt"))
	assert.True(t, os.IsNotExist(err))
}
