package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/internal/config"
)

// ErrNotFound is returned by GetRun for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Status is the final state of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is one journaled executor run.
type Run struct {
	ID         string
	Executor   string
	Prompt     string
	Mode       string
	Status     Status
	Answer     string
	Error      string
	ErrorCode  schemas.ErrorCode
	BundlePath string
	// Path is the replay path, with backtrack markers for trees.
	Path       []int
	Outcomes   []schemas.ActionOutcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of the run.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Filter narrows ListRuns.
type Filter struct {
	// Executor restricts the result to one executor when non-empty.
	Executor string
	Limit    int
}

const defaultListLimit = 20

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Store journals runs.
type Store interface {
	EnsureSchema(ctx context.Context) error
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter Filter) ([]Run, error)
	Close() error
}

// Open connects the backend selected by cfg and makes sure its schema
// exists. Driver "none" (or empty) returns a store that discards runs.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		s, err = OpenSQLite(ctx, cfg.URL, logger)
	case "postgres":
		s, err = OpenPostgres(ctx, cfg.URL, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func validateRun(run *Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(run.Executor) == "" {
		return errors.New("run executor is required")
	}
	if run.Status == "" {
		return errors.New("run status is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = run.StartedAt
	}
	return nil
}

// encodeDetail serialises the path and outcomes columns. Empty slices are
// stored as JSON arrays, never null.
func encodeDetail(run *Run) (path, outcomes []byte, err error) {
	p := run.Path
	if p == nil {
		p = []int{}
	}
	o := run.Outcomes
	if o == nil {
		o = []schemas.ActionOutcome{}
	}
	if path, err = json.Marshal(p); err != nil {
		return nil, nil, fmt.Errorf("encode run path: %w", err)
	}
	if outcomes, err = json.Marshal(o); err != nil {
		return nil, nil, fmt.Errorf("encode run outcomes: %w", err)
	}
	return path, outcomes, nil
}

func decodeDetail(run *Run, path, outcomes []byte) error {
	if len(path) > 0 {
		if err := json.Unmarshal(path, &run.Path); err != nil {
			return fmt.Errorf("decode run path: %w", err)
		}
	}
	if len(outcomes) > 0 {
		if err := json.Unmarshal(outcomes, &run.Outcomes); err != nil {
			return fmt.Errorf("decode run outcomes: %w", err)
		}
	}
	return nil
}

// Nop discards runs. It backs database.driver=none.
type Nop struct{}

func (Nop) EnsureSchema(context.Context) error { return nil }

func (Nop) SaveRun(context.Context, *Run) error { return nil }

func (Nop) GetRun(context.Context, string) (*Run, error) { return nil, ErrNotFound }

func (Nop) ListRuns(context.Context, Filter) ([]Run, error) { return nil, nil }

func (Nop) Close() error { return nil }
