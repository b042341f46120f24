// Package runlog keeps a durable history of narration runs in SQLite. The
// store observes pipeline state transitions and answers status queries for the
// HTTP API and the CLI.
package runlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fsutil"

	// SQLite driver registered as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// DefaultRecentLimit bounds Recent when the caller passes no limit.
	DefaultRecentLimit = 20
	maxRecentLimit     = 500
	interruptedMessage = "interrupted by service restart"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned by Get for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the run history.
type Run struct {
	ID        string     `json:"id"`
	VideoPath string     `json:"video_path"`
	State     core.State `json:"state"`
	Title     string     `json:"title,omitempty"`
	Phrases   int        `json:"phrases"`
	Duration  float64    `json:"duration_seconds"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store is the SQLite run history.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string, log *logger.Logger) (*Store, error) {
	if path != ":memory:" {
		dirErr := fsutil.EnsureDir(filepath.Dir(path))
		if dirErr != nil {
			return nil, dirErr
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Serialises writers; observers fire from concurrent runs.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, log: log}

	err = store.init()
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		_, err := s.db.Exec(pragma)
		if err != nil {
			return fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	return s.migrate()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS _migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	for _, name := range names {
		var count int

		err = s.db.QueryRow("SELECT COUNT(*) FROM _migrations WHERE name = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}

		if count > 0 {
			continue
		}

		script, readErr := migrationsFS.ReadFile("migrations/" + name)
		if readErr != nil {
			return fmt.Errorf("read migration %s: %w", name, readErr)
		}

		_, err = s.db.Exec(string(script))
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		_, err = s.db.Exec("INSERT INTO _migrations (name) VALUES (?)", name)
		if err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		s.logInfo("Applied migration %s", name)
	}

	return nil
}

// RecoverInterrupted marks runs left unfinished by a previous process as
// failed. Only the process that owns the runs may call it.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, error = ?, updated_at = ? WHERE state NOT IN (?, ?)`,
		string(core.StateFailed), interruptedMessage, time.Now().UTC().Format(timeLayout),
		string(core.StateDone), string(core.StateFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count interrupted runs: %w", err)
	}

	if affected > 0 {
		s.logInfo("Marked %d interrupted runs as failed", affected)
	}

	return affected, nil
}

// Observe records a pipeline state transition. Failures are logged rather than
// returned so that history problems never abort a run.
func (s *Store) Observe(event core.StageEvent) {
	err := s.Record(context.Background(), event)
	if err != nil && s.log != nil {
		s.log.Warn("Failed to record run %s at %s: %v", event.RunID, event.State, err)
	}
}

// Record upserts the run row for event. Title, phrase count and duration only
// overwrite stored values when the event carries them.
func (s *Store) Record(ctx context.Context, event core.StageEvent) error {
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	stamp := at.UTC().Format(timeLayout)

	errText := ""
	if event.Err != nil {
		errText = event.Err.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, video_path, state, title, phrases, duration, error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE runs.title END,
			phrases = CASE WHEN excluded.phrases > 0 THEN excluded.phrases ELSE runs.phrases END,
			duration = CASE WHEN excluded.duration > 0 THEN excluded.duration ELSE runs.duration END,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		event.RunID, event.VideoPath, string(event.State), event.Title,
		event.Phrases, event.Duration, errText, stamp, stamp,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", event.RunID, err)
	}

	return nil
}

// Get returns one run by ID.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, video_path, state, title, phrases, duration, error, started_at, updated_at
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return run, err
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	limit = min(limit, maxRecentLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, video_path, state, title, phrases, duration, error, started_at, updated_at
		FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)

	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run                  Run
		state                string
		startedAt, updatedAt string
	)

	err := row.Scan(&run.ID, &run.VideoPath, &state, &run.Title, &run.Phrases, &run.Duration,
		&run.Error, &startedAt, &updatedAt)
	if err != nil {
		return Run{}, err
	}

	run.State = core.State(state)
	run.StartedAt, _ = time.Parse(timeLayout, startedAt)
	run.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)

	return run, nil
}

func (s *Store) logInfo(format string, args ...any) {
	if s.log != nil {
		s.log.Info(format, args...)
	}
}
