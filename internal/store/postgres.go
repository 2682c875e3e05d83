package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore journals runs in PostgreSQL.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to url with a pgx pool.
func OpenPostgres(ctx context.Context, url string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := NewPostgres(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing pool and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const pgSchema = `
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
    path        JSONB NOT NULL DEFAULT '[]',
    outcomes    JSONB NOT NULL DEFAULT '[]',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS replay_runs_executor_started_idx ON replay_runs (executor, started_at DESC);
`

// EnsureSchema creates the replay_runs table.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const pgUpsertRun = `
INSERT INTO replay_runs (id, executor, prompt, mode, status, answer, error, error_code, bundle_path, path, outcomes, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    answer = EXCLUDED.answer,
    error = EXCLUDED.error,
    error_code = EXCLUDED.error_code,
    bundle_path = EXCLUDED.bundle_path,
    path = EXCLUDED.path,
    outcomes = EXCLUDED.outcomes,
    finished_at = EXCLUDED.finished_at;
`

// SaveRun inserts a run, or updates its result columns when the ID exists.
func (s *PostgresStore) SaveRun(ctx context.Context, run *Run) error {
	if err := validateRun(run); err != nil {
		return err
	}
	path, outcomes, err := encodeDetail(run)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, pgUpsertRun,
		run.ID, run.Executor, run.Prompt, run.Mode, string(run.Status),
		run.Answer, run.Error, string(run.ErrorCode), run.BundlePath,
		path, outcomes,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	s.log.Debug("Run journaled.", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
	return nil
}

const pgRunColumns = `id, executor, prompt, mode, status, answer, error, error_code, bundle_path, path, outcomes, started_at, finished_at`

// GetRun loads one run.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM replay_runs WHERE id = $1`, id)
	run, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the newest runs first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter Filter) ([]Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM replay_runs
WHERE ($1 = '' OR executor = $1)
ORDER BY started_at DESC
LIMIT $2`
	rows, err := s.pool.Query(ctx, query, filter.Executor, filter.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgRun(row pgx.Row) (*Run, error) {
	var (
		run            Run
		status, code   string
		path, outcomes []byte
	)
	err := row.Scan(
		&run.ID, &run.Executor, &run.Prompt, &run.Mode, &status,
		&run.Answer, &run.Error, &code, &run.BundlePath,
		&path, &outcomes,
		&run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = Status(status)
	run.ErrorCode = schemas.ErrorCode(code)
	if err := decodeDetail(&run, path, outcomes); err != nil {
		return nil, err
	}
	return &run, nil
}
