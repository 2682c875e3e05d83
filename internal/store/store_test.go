package store

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/internal/config"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func sampleRun(id string, started time.Time) *Run {
	return &Run{
		ID:       id,
		Executor: "yuanbao",
		Prompt:   "What is the capital of France?",
		Mode:     "tree",
		Status:   StatusSucceeded,
		Answer:   "Paris",
		Path:     []int{0, -2, 1},
		Outcomes: []schemas.ActionOutcome{
			{Action: "input_text", Status: schemas.OutcomeSuccess, ExtractedContent: "Input 30 characters into index 3"},
			{Action: "click_element", Status: schemas.OutcomeFailed, ErrorCode: schemas.ErrCodeTargetLost, Error: "lost"},
		},
		StartedAt:  started,
		FinishedAt: started.Add(42 * time.Second),
	}
}

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := NewPostgres(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNewPostgres(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgres(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(pgSchema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresSaveRun(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("should upsert the run with encoded detail columns", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		run := sampleRun("run-1", started)

		mockPool.ExpectExec(flexibleSQLMatcher(pgUpsertRun)).
			WithArgs(
				"run-1", "yuanbao", run.Prompt, "tree", "succeeded",
				"Paris", "", "", "",
				[]byte(`[0,-2,1]`), pgxmock.AnyArg(),
				started, started.Add(42*time.Second),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.SaveRun(ctx, run))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a run without an ID", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		err := s.SaveRun(ctx, &Run{Executor: "yuanbao", Status: StatusFailed})
		assert.ErrorContains(t, err, "run id is required")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap database errors", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(flexibleSQLMatcher(pgUpsertRun)).WillReturnError(dbErr)

		err := s.SaveRun(ctx, sampleRun("run-2", started))
		assert.ErrorIs(t, err, dbErr)
		assert.ErrorContains(t, err, "run-2")
	})
}

func pgRunRows(runs ...*Run) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"id", "executor", "prompt", "mode", "status", "answer", "error", "error_code",
		"bundle_path", "path", "outcomes", "started_at", "finished_at",
	})
	for _, r := range runs {
		path, outcomes, _ := encodeDetail(r)
		rows.AddRow(
			r.ID, r.Executor, r.Prompt, r.Mode, string(r.Status), r.Answer, r.Error, string(r.ErrorCode),
			r.BundlePath, path, outcomes, r.StartedAt, r.FinishedAt,
		)
	}
	return rows
}

func TestPostgresGetRun(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		want := sampleRun("run-1", started)
		mockPool.ExpectQuery(`SELECT .* FROM replay_runs WHERE id = \$1`).
			WithArgs("run-1").
			WillReturnRows(pgRunRows(want))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("GetRun mismatch (-want +got):\n%s", diff)
		}
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectQuery(`SELECT .* FROM replay_runs WHERE id = \$1`).
			WithArgs("nope").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresListRuns(t *testing.T) {
	s, mockPool := newMockStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := sampleRun("run-2", started.Add(time.Hour))
	older := sampleRun("run-1", started)

	mockPool.ExpectQuery(`SELECT .* FROM replay_runs\s+WHERE \(\$1 = '' OR executor = \$1\)\s+ORDER BY started_at DESC\s+LIMIT \$2`).
		WithArgs("yuanbao", defaultListLimit).
		WillReturnRows(pgRunRows(newer, older))

	runs, err := s.ListRuns(context.Background(), Filter{Executor: "yuanbao"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, []int{0, -2, 1}, runs[1].Path)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func openTempSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "runs.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("SaveAndGet", func(t *testing.T) {
		s := openTempSQLite(t)
		want := sampleRun("run-1", started)
		require.NoError(t, s.SaveRun(ctx, want))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("GetRun mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, 42*time.Second, got.Duration())
	})

	t.Run("UpsertUpdatesResult", func(t *testing.T) {
		s := openTempSQLite(t)
		run := sampleRun("run-1", started)
		run.Status = StatusFailed
		run.Answer = ""
		require.NoError(t, s.SaveRun(ctx, run))

		run.Status = StatusSucceeded
		run.Answer = "Paris"
		require.NoError(t, s.SaveRun(ctx, run))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, got.Status)
		assert.Equal(t, "Paris", got.Answer)
	})

	t.Run("Missing", func(t *testing.T) {
		s := openTempSQLite(t)
		_, err := s.GetRun(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListNewestFirstWithFilter", func(t *testing.T) {
		s := openTempSQLite(t)
		for i, executor := range []string{"yuanbao", "yuanbao-list", "yuanbao"} {
			run := sampleRun("run-"+string(rune('a'+i)), started.Add(time.Duration(i)*time.Minute))
			run.Executor = executor
			require.NoError(t, s.SaveRun(ctx, run))
		}

		runs, err := s.ListRuns(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, "run-c", runs[0].ID)

		runs, err = s.ListRuns(ctx, Filter{Executor: "yuanbao", Limit: 1})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-c", runs[0].ID)
	})

	t.Run("NilDetailStoredAsEmpty", func(t *testing.T) {
		s := openTempSQLite(t)
		require.NoError(t, s.SaveRun(ctx, &Run{ID: "bare", Executor: "yuanbao", Status: StatusCancelled, StartedAt: started}))
		got, err := s.GetRun(ctx, "bare")
		require.NoError(t, err)
		assert.Empty(t, got.Path)
		assert.Empty(t, got.Outcomes)
		assert.Equal(t, started, got.FinishedAt, "finish defaults to start")
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.DatabaseConfig{Driver: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)
	assert.NoError(t, s.SaveRun(ctx, &Run{}))

	s, err = Open(ctx, config.DatabaseConfig{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "runs.db")}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(ctx, Filter{})
	require.NoError(t, err, "the schema exists after Open")
	assert.Empty(t, runs)

	_, err = Open(ctx, config.DatabaseConfig{Driver: "mongo"}, zap.NewNop())
	assert.ErrorContains(t, err, "unknown database driver")
}
