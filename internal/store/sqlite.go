package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// SQLiteStore journals runs in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating when needed) the database file at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand sqlite path: %w", err)
	}
	cleanPath := filepath.Clean(expanded)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Batch runs journal concurrently; one writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &SQLiteStore{db: db, log: logger.Named("store")}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS replay_runs (
	id          TEXT PRIMARY KEY,
	executor    TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL,
	answer      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	error_code  TEXT NOT NULL DEFAULT '',
	bundle_path TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '[]',
	outcomes    TEXT NOT NULL DEFAULT '[]',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS replay_runs_executor_started_idx ON replay_runs (executor, started_at DESC);
`

// EnsureSchema creates the replay_runs table.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveRun inserts a run, or updates its result columns when the ID exists.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRun(run); err != nil {
		return err
	}
	path, outcomes, err := encodeDetail(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO replay_runs (
	id, executor, prompt, mode, status, answer, error, error_code,
	bundle_path, path, outcomes, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	answer = excluded.answer,
	error = excluded.error,
	error_code = excluded.error_code,
	bundle_path = excluded.bundle_path,
	path = excluded.path,
	outcomes = excluded.outcomes,
	finished_at = excluded.finished_at
`,
		run.ID, run.Executor, run.Prompt, run.Mode, string(run.Status),
		run.Answer, run.Error, string(run.ErrorCode), run.BundlePath,
		string(path), string(outcomes),
		run.StartedAt.UTC().UnixMilli(), run.FinishedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	s.log.Debug("Run journaled.", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
	return nil
}

const sqliteRunColumns = `id, executor, prompt, mode, status, answer, error, error_code, bundle_path, path, outcomes, started_at, finished_at`

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM replay_runs WHERE id = ?`, id)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the newest runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter Filter) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sqliteRunColumns+`
FROM replay_runs
WHERE (? = '' OR executor = ?)
ORDER BY started_at DESC, id DESC
LIMIT ?
`, filter.Executor, filter.Executor, filter.limit())
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, filter.limit())
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*Run, error) {
	var (
		run               Run
		status, code      string
		path, outcomes    string
		started, finished int64
	)
	err := row.Scan(
		&run.ID, &run.Executor, &run.Prompt, &run.Mode, &status,
		&run.Answer, &run.Error, &code, &run.BundlePath,
		&path, &outcomes,
		&started, &finished,
	)
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.ErrorCode = schemas.ErrorCode(code)
	run.StartedAt = time.UnixMilli(started).UTC()
	run.FinishedAt = time.UnixMilli(finished).UTC()
	if err := decodeDetail(&run, []byte(path), []byte(outcomes)); err != nil {
		return nil, err
	}
	return &run, nil
}
