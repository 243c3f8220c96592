// Package runstore keeps a history of tracked runs in a local SQLite file.
package runstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"gatecam/tracking"
)

// Global debug function for runstore package
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

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pendingRuns = 32

// Store is the run history. RecordRun hands runs to a background writer so
// the control loop never waits on disk.
type Store struct {
	db      *sql.DB
	pending chan tracking.Run
	wg      sync.WaitGroup
	once    sync.Once
}

// Open opens or creates the database at path and migrates it to the latest schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run history %s: %w", path, err)
	}
	// one connection keeps the single-writer sqlite file free of lock contention
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, pending: make(chan tracking.Run, pendingRuns)}
	s.wg.Add(1)
	go s.writer()
	debugMsg("RUNSTORE", fmt.Sprintf("Run history at %s", path))
	return s, nil
}

func migrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	// m is not closed: that would close db
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// SchemaVersion reports the applied migration version
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := newMigrate(s.db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	debugMsg("MIGRATE", fmt.Sprintf(format, v...))
}

func (migrateLogger) Verbose() bool { return false }

// Save writes one run synchronously. A run without an ID gets a fresh one.
func (s *Store) Save(ctx context.Context, run tracking.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, course, started_ns, ended_ns, duration_ms, outcome, start_gate, last_gate, gates_passed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			ended_ns = excluded.ended_ns,
			duration_ms = excluded.duration_ms,
			outcome = excluded.outcome,
			last_gate = excluded.last_gate,
			gates_passed = excluded.gates_passed`,
		run.ID, run.Course, run.Started.UnixNano(), run.Ended.UnixNano(), run.Duration.Milliseconds(),
		string(run.Outcome), run.StartGate, run.LastGate, run.GatesPassed)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// RecordRun queues run for the background writer. When the queue is full the
// run is logged and dropped.
func (s *Store) RecordRun(run tracking.Run) {
	select {
	case s.pending <- run:
	default:
		debugMsg("RUNSTORE", fmt.Sprintf("history queue full, run %s not saved", run.ID), run.ID)
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for run := range s.pending {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Save(ctx, run); err != nil {
			debugMsg("RUNSTORE", err.Error(), run.ID)
		} else {
			debugMsg("RUNSTORE", fmt.Sprintf("Saved run: %s in %.2fs, %d gates", run.Outcome, run.Duration.Seconds(), run.GatesPassed), run.ID)
		}
		cancel()
	}
}

const selectRuns = `SELECT run_id, course, started_ns, ended_ns, duration_ms, outcome, start_gate, last_gate, gates_passed FROM runs`

// Recent returns up to limit runs, newest first. An empty course matches all.
func (s *Store) Recent(ctx context.Context, course string, limit int) ([]tracking.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRuns+` WHERE (? = '' OR course = ?) ORDER BY started_ns DESC LIMIT ?`,
		course, course, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []tracking.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// Best returns the fastest finished run on course
func (s *Store) Best(ctx context.Context, course string) (tracking.Run, bool, error) {
	row := s.db.QueryRowContext(ctx,
		selectRuns+` WHERE course = ? AND outcome = ? ORDER BY duration_ms ASC LIMIT 1`,
		course, string(tracking.OutcomeFinished))
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.Run{}, false, nil
	}
	if err != nil {
		return tracking.Run{}, false, err
	}
	return run, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (tracking.Run, error) {
	var (
		run                tracking.Run
		startedNs, endedNs int64
		durationMs         int64
		outcome            string
	)
	if err := sc.Scan(&run.ID, &run.Course, &startedNs, &endedNs, &durationMs, &outcome,
		&run.StartGate, &run.LastGate, &run.GatesPassed); err != nil {
		return tracking.Run{}, err
	}
	run.Started = time.Unix(0, startedNs)
	run.Ended = time.Unix(0, endedNs)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	run.Outcome = tracking.Outcome(outcome)
	return run, nil
}

// Close drains queued runs and closes the database
func (s *Store) Close() error {
	s.once.Do(func() { close(s.pending) })
	s.wg.Wait()
	return s.db.Close()
}
