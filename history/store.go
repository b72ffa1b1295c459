// Package history provides SQLite storage for detector runs and mode switches.
package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// Run is one detector child process, from launch to exit.
type Run struct {
	ID         string
	Mode       string
	Profile    string
	PID        int
	CPUPercent float64
	RAMPercent float64
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Error      string
	Stopped    bool
}

// Switch is a committed mode change.
type Switch struct {
	ID         int64
	From       string
	To         string
	CPUPercent float64
	RAMPercent float64
	At         time.Time
}

// Recorder receives run and switch events from the supervisor.
type Recorder interface {
	RecordRun(ctx context.Context, run *Run) error
	RecordSwitch(ctx context.Context, sw *Switch) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

// RecordRun does nothing.
func (NopRecorder) RecordRun(context.Context, *Run) error { return nil }

// RecordSwitch does nothing.
func (NopRecorder) RecordSwitch(context.Context, *Switch) error { return nil }

// Store represents a SQLite database connection for the run ledger.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// The ledger is written from one goroutine; a single connection also keeps
	// ":memory:" databases consistent across queries.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) runMigrations() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL CHECK(mode IN ('heavy', 'light')),
			profile TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			cpu_percent REAL NOT NULL DEFAULT 0,
			ram_percent REAL NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			exit_code INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			stopped INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS switches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_mode TEXT NOT NULL,
			to_mode TEXT NOT NULL,
			cpu_percent REAL NOT NULL,
			ram_percent REAL NOT NULL,
			at DATETIME NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_switches_at ON switches(at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}

// RecordRun inserts a finished run. An empty ID is filled with a new UUID.
func (s *Store) RecordRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, profile, pid, cpu_percent, ram_percent, started_at, finished_at, exit_code, error, stopped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Mode, r.Profile, r.PID, r.CPUPercent, r.RAMPercent,
		r.StartedAt.UTC(), r.FinishedAt.UTC(), r.ExitCode, r.Error, r.Stopped,
	)
	return errors.Wrap(err, "insert run")
}

// RecordSwitch inserts a committed mode switch.
func (s *Store) RecordSwitch(ctx context.Context, sw *Switch) error {
	if sw.At.IsZero() {
		sw.At = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO switches (from_mode, to_mode, cpu_percent, ram_percent, at) VALUES (?, ?, ?, ?, ?)`,
		sw.From, sw.To, sw.CPUPercent, sw.RAMPercent, sw.At.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "insert switch")
	}

	sw.ID, err = res.LastInsertId()
	return errors.Wrap(err, "switch id")
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, profile, pid, cpu_percent, ram_percent, started_at, finished_at, exit_code, error, stopped
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var stopped int
		if err := rows.Scan(&r.ID, &r.Mode, &r.Profile, &r.PID, &r.CPUPercent, &r.RAMPercent,
			&r.StartedAt, &r.FinishedAt, &r.ExitCode, &r.Error, &stopped); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		r.Stopped = stopped != 0
		runs = append(runs, r)
	}

	return runs, errors.Wrap(rows.Err(), "iterate runs")
}

// RecentSwitches returns up to limit switches, newest first.
func (s *Store) RecentSwitches(ctx context.Context, limit int) ([]Switch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_mode, to_mode, cpu_percent, ram_percent, at
		 FROM switches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query switches")
	}
	defer rows.Close()

	var switches []Switch
	for rows.Next() {
		var sw Switch
		if err := rows.Scan(&sw.ID, &sw.From, &sw.To, &sw.CPUPercent, &sw.RAMPercent, &sw.At); err != nil {
			return nil, errors.Wrap(err, "scan switch")
		}
		switches = append(switches, sw)
	}

	return switches, errors.Wrap(rows.Err(), "iterate switches")
}

// ModeCounts returns the number of recorded runs per mode.
func (s *Store) ModeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mode, COUNT(*) FROM runs GROUP BY mode`)
	if err != nil {
		return nil, errors.Wrap(err, "query mode counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var mode string
		var n int
		if err := rows.Scan(&mode, &n); err != nil {
			return nil, errors.Wrap(err, "scan mode count")
		}
		counts[mode] = n
	}

	return counts, errors.Wrap(rows.Err(), "iterate mode counts")
}
