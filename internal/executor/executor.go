// Package executor runs a prompt against a configured site: it substitutes the
// prompt into the site's recording, replays it in a fresh browser session and
// reads the answer back. Failed runs leave a diagnostics bundle and every run
// is journaled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/internal/browser"
	"github.com/xkilldash9x/replaydock/internal/config"
	"github.com/xkilldash9x/replaydock/internal/diagnostics"
	"github.com/xkilldash9x/replaydock/internal/observability"
	"github.com/xkilldash9x/replaydock/internal/replay"
	"github.com/xkilldash9x/replaydock/internal/store"
	"github.com/xkilldash9x/replaydock/pkg/contextutil"
)

const (
	tracerName     = "github.com/xkilldash9x/replaydock/internal/executor"
	releaseTimeout = 15 * time.Second
	journalTimeout = 10 * time.Second
)

// Page is a live browser tab as the executor uses it.
type Page interface {
	schemas.Environment
	schemas.Snapshotter
	Navigate(ctx context.Context, url string) error
	Close(ctx context.Context) error
}

// SessionFactory opens pages. The caller closes every page it gets.
type SessionFactory interface {
	NewSession(ctx context.Context, opts browser.SessionOptions) (Page, error)
}

// ManagerFactory adapts a browser.Manager to SessionFactory.
type ManagerFactory struct {
	Manager *browser.Manager
}

func (f ManagerFactory) NewSession(ctx context.Context, opts browser.SessionOptions) (Page, error) {
	s, err := f.Manager.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Answer is the result of a successful run.
type Answer struct {
	RunID    string                  `json:"run_id"`
	Executor string                  `json:"executor"`
	Prompt   string                  `json:"prompt"`
	Text     string                  `json:"answer"`
	Path     []int                   `json:"path"`
	Outcomes []schemas.ActionOutcome `json:"outcomes"`
	Duration time.Duration           `json:"duration"`
}

// ExecutionError is returned by a failed or cancelled run.
type ExecutionError struct {
	RunID    string
	Executor string
	Err      error
	// BundlePath is the diagnostics bundle, empty when none was written.
	BundlePath string
}

func (e *ExecutionError) Error() string {
	if e.BundlePath != "" {
		return fmt.Sprintf("executor %s run %s failed: %v (diagnostics: %s)", e.Executor, e.RunID, e.Err, e.BundlePath)
	}
	return fmt.Sprintf("executor %s run %s failed: %v", e.Executor, e.RunID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Cancelled reports whether the run stopped because its context ended.
func (e *ExecutionError) Cancelled() bool {
	return replay.IsCancelled(e.Err) || errors.Is(e.Err, context.Canceled)
}

// Executor runs prompts for one named executor configuration.
type Executor struct {
	name    string
	cfg     config.ExecutorConfig
	replay  config.ReplayConfig
	session config.SessionConfig
	kind    replay.Kind

	factory SessionFactory
	store   store.Store
	diag    *diagnostics.Writer
	logger  *zap.Logger
	now     func() time.Time
}

// New builds the executor called name. A nil store disables journaling.
func New(cfg config.Interface, name string, factory SessionFactory, st store.Store, logger *zap.Logger) (*Executor, error) {
	ecfg, err := cfg.Executor(name)
	if err != nil {
		return nil, err
	}
	if err := ecfg.Validate(); err != nil {
		return nil, fmt.Errorf("executor %s: %w", name, err)
	}
	kind, err := replay.ParseKind(ecfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("executor %s: %w", name, err)
	}
	if st == nil {
		st = store.Nop{}
	}

	e := &Executor{
		name:    name,
		cfg:     ecfg,
		replay:  cfg.Replay(),
		session: cfg.Session(),
		kind:    kind,
		factory: factory,
		store:   st,
		logger:  logger.Named("executor").With(zap.String("executor", name)),
		now:     time.Now,
	}
	if dcfg := cfg.Diagnostics(); dcfg.Enabled {
		e.diag = diagnostics.NewWriter(dcfg, logger)
	}
	return e, nil
}

// Name returns the executor's configured name.
func (e *Executor) Name() string { return e.name }

func (e *Executor) placeholder() string {
	if e.cfg.Placeholder != "" {
		return e.cfg.Placeholder
	}
	return e.replay.Placeholder
}

func (e *Executor) selection() string {
	if e.cfg.Selection != "" {
		return e.cfg.Selection
	}
	return e.replay.Selection
}

func (e *Executor) options() replay.Options {
	return replay.Options{
		MaxRetries:         e.replay.MaxRetries,
		RetryDelay:         e.replay.RetryDelay,
		ActionTimeout:      e.replay.ActionTimeout,
		WaitBetweenActions: e.replay.WaitBetweenActions,
		CheckNewElements:   e.replay.CheckNewElements,
	}
}

// run is the state of one Execute call.
type run struct {
	record  *store.Run
	logger  *zap.Logger
	capture *observability.Capture
	page    Page
}

// Execute runs prompt through the recording and returns the extracted answer.
// Errors are *ExecutionError. The browser session is released before Execute
// returns, whatever the outcome.
func (e *Executor) Execute(ctx context.Context, prompt string) (*Answer, error) {
	capture := observability.NewCapture()
	r := &run{
		record: &store.Run{
			ID:        uuid.NewString(),
			Executor:  e.name,
			Prompt:    prompt,
			Mode:      string(e.kind),
			StartedAt: e.now(),
		},
		capture: capture,
	}
	r.logger = observability.WithCapture(e.logger, capture).With(zap.String("run_id", r.record.ID))
	// Covers panics; the normal paths release earlier, after diagnostics.
	defer e.release(ctx, r)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "executor.execute")
	span.SetAttributes(
		attribute.String("executor.name", e.name),
		attribute.String("executor.run_id", r.record.ID),
	)
	defer span.End()

	answer, err := e.execute(ctx, r, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		return nil, e.fail(ctx, r, err)
	}

	r.record.Status = store.StatusSucceeded
	r.record.Answer = answer.Text
	r.record.FinishedAt = e.now()
	answer.Duration = r.record.Duration()
	e.journal(ctx, r)
	r.logger.Info("Run completed.", zap.Duration("duration", answer.Duration), zap.Int("answer_length", len(answer.Text)))
	return answer, nil
}

func (e *Executor) execute(ctx context.Context, r *run, prompt string) (*Answer, error) {
	rec, err := replay.LoadRecording(e.cfg.Recording, e.kind, e.placeholder(), prompt+e.cfg.PromptSuffix)
	if err != nil {
		return nil, fmt.Errorf("load recording: %w", err)
	}
	r.record.Mode = string(rec.Kind)
	policy, err := replay.NewSelectionPolicy(e.selection(), e.replay.Seed)
	if err != nil {
		return nil, err
	}
	replayer, err := rec.Replayer(e.options(), policy, r.logger)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Starting run.", zap.String("mode", string(rec.Kind)), zap.Int("steps", rec.Steps()), zap.String("selection", policy.Name()))

	page, err := e.factory.NewSession(ctx, browser.SessionOptions{
		AvailableActions: e.cfg.AvailableActions,
		CookiesPath:      e.session.CookiesPath,
		SaveCookies:      e.session.SaveCookies,
		Logger:           r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	r.page = page

	if err := page.Navigate(ctx, e.cfg.URL); err != nil {
		return nil, fmt.Errorf("navigate to %s: %w", e.cfg.URL, err)
	}

	res, err := replayer.Replay(ctx, page)
	if err != nil {
		return nil, err
	}
	r.record.Path = res.Path
	r.record.Outcomes = res.Outcomes

	text, err := page.ExtractVisibleAnswer(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract answer: %w", err)
	}
	e.release(ctx, r)
	return &Answer{
		RunID:    r.record.ID,
		Executor: e.name,
		Prompt:   prompt,
		Text:     text,
		Path:     res.Path,
		Outcomes: res.Outcomes,
	}, nil
}

// release closes the run's page. It is safe to call more than once.
func (e *Executor) release(ctx context.Context, r *run) {
	if r.page == nil {
		return
	}
	page := r.page
	r.page = nil

	closeCtx, cancel := context.WithTimeout(contextutil.Detach(ctx), releaseTimeout)
	defer cancel()
	if err := page.Close(closeCtx); err != nil {
		r.logger.Warn("Failed to close browser session.", zap.Error(err))
	}
}

// fail records a failed or cancelled run: diagnostics first, while the page
// is still open, then the session is released and the run journaled.
func (e *Executor) fail(ctx context.Context, r *run, err error) error {
	execErr := &ExecutionError{RunID: r.record.ID, Executor: e.name, Err: err}
	cancelled := execErr.Cancelled() || ctx.Err() != nil

	var runErr *replay.RunError
	if errors.As(err, &runErr) {
		r.record.Path = runErr.Path
		r.record.Outcomes = runErr.Outcomes
	}

	if cancelled {
		r.record.Status = store.StatusCancelled
		r.record.ErrorCode = schemas.ErrCodeCancelled
		r.logger.Info("Run cancelled.", zap.Error(err))
	} else {
		r.record.Status = store.StatusFailed
		r.record.ErrorCode = errorCode(err)
		r.logger.Error("Run failed.", zap.Error(err))
		execErr.BundlePath = e.writeDiagnostics(ctx, r, err, runErr)
	}

	e.release(ctx, r)
	r.record.Error = err.Error()
	r.record.BundlePath = execErr.BundlePath
	r.record.FinishedAt = e.now()
	e.journal(ctx, r)
	return execErr
}

func (e *Executor) writeDiagnostics(ctx context.Context, r *run, err error, runErr *replay.RunError) string {
	if e.diag == nil {
		return ""
	}
	report := diagnostics.Report{
		RunID:    r.record.ID,
		Executor: e.name,
		Err:      err,
		Path:     r.record.Path,
		Outcomes: r.record.Outcomes,
		Log:      r.capture.Bytes(),
		Extra: map[string]interface{}{
			"prompt":    r.record.Prompt,
			"url":       e.cfg.URL,
			"recording": e.cfg.Recording,
			"mode":      r.record.Mode,
		},
	}
	if runErr != nil {
		report.Step = runErr.Step
		report.Action = runErr.Action
	}
	if r.page != nil {
		report.Page = r.page
		report.Env = r.page
	}

	path, werr := e.diag.Write(ctx, report)
	if werr != nil {
		r.logger.Warn("Failed to write diagnostics bundle.", zap.Error(werr))
		return ""
	}
	r.logger.Info("Diagnostics bundle saved.", zap.String("path", path))
	return path
}

// journal saves the run record. Journal failures never change the run's result.
func (e *Executor) journal(ctx context.Context, r *run) {
	jctx, cancel := context.WithTimeout(contextutil.Detach(ctx), journalTimeout)
	defer cancel()
	if err := e.store.SaveRun(jctx, r.record); err != nil {
		r.logger.Warn("Failed to journal run.", zap.Error(err))
	}
}

func errorCode(err error) schemas.ErrorCode {
	var (
		exec   *replay.ActionExecutionError
		target *replay.TargetingError
	)
	switch {
	case errors.As(err, &target):
		return schemas.ErrCodeTargetLost
	case errors.Is(err, replay.ErrNoViablePath):
		return schemas.ErrCodeNoViablePath
	case errors.Is(err, replay.ErrRetriesExhausted):
		return schemas.ErrCodeRetriesExhausted
	case errors.As(err, &exec):
		return exec.Code
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.ErrCodeTimeoutError
	}
	return schemas.ErrCodeActionFailed
}

// Registry builds executors by name from the configuration.
type Registry struct {
	cfg     config.Interface
	factory SessionFactory
	store   store.Store
	logger  *zap.Logger
}

// NewRegistry returns a registry sharing one session factory and store.
func NewRegistry(cfg config.Interface, factory SessionFactory, st store.Store, logger *zap.Logger) *Registry {
	return &Registry{cfg: cfg, factory: factory, store: st, logger: logger}
}

// Get builds the executor called name.
func (r *Registry) Get(name string) (*Executor, error) {
	return New(r.cfg, strings.TrimSpace(name), r.factory, r.store, r.logger)
}

// Names lists the configured executors.
func (r *Registry) Names() []string {
	return r.cfg.ExecutorNames()
}
