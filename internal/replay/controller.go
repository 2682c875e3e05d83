package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
	"github.com/xkilldash9x/replaydock/pkg/contextutil"
)

const tracerName = "github.com/xkilldash9x/replaydock/internal/replay"

// Options tune a replay run.
type Options struct {
	// MaxRetries is the number of attempts per step, and the attempt cap after
	// which a tree child counts as exhausted.
	MaxRetries int
	// RetryDelay separates two attempts of the same step.
	RetryDelay time.Duration
	// ActionTimeout bounds a single environment action. Zero means unbounded.
	ActionTimeout time.Duration
	// WaitBetweenActions separates consecutive actions of one step.
	WaitBetweenActions time.Duration
	// CheckNewElements enables truncating a step when new structural
	// positions appear before an index-targeting action.
	CheckNewElements bool
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		ActionTimeout:      120 * time.Second,
		WaitBetweenActions: 500 * time.Millisecond,
		CheckNewElements:   true,
	}
}

// Result is the outcome of a successful run.
type Result struct {
	// Outcomes holds one entry per action of the committed run. For trees
	// that is the root-to-leaf path that completed.
	Outcomes []schemas.ActionOutcome
	// Transcript holds every outcome recorded during the run, including the
	// failure entries of abandoned branches.
	Transcript []schemas.ActionOutcome
	// Path is the sequence of chosen child positions, with AllExhausted
	// marking each backtrack. Linear runs record step indices.
	Path []int
}

// Replayer drives one recording through an environment.
type Replayer interface {
	Replay(ctx context.Context, env schemas.Environment) (*Result, error)
}

// controller holds the step execution and retry logic shared by both
// replayer variants. It is owned by a single run and not safe for
// concurrent use.
type controller struct {
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
	sleep  func(context.Context, time.Duration) error

	// What is executing right now, for diagnostics.
	currentStep   *schemas.RecordedStep
	currentAction *schemas.Action
}

func newController(opts Options, logger *zap.Logger) controller {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return controller{
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		sleep:  contextutil.Sleep,
	}
}

// stepResult is what one successful (possibly truncated) step produced.
type stepResult struct {
	outcomes  []schemas.ActionOutcome
	truncated *UnexpectedPageChangeError
}

// executeStep runs one recorded step: snapshot, resolve every target, run the
// actions in order, then wait the step's settle delay. On error the returned
// result still holds the outcomes of the actions that ran.
func (c *controller) executeStep(ctx context.Context, env schemas.Environment, step schemas.RecordedStep) (stepResult, error) {
	var res stepResult
	c.currentStep = &step
	c.currentAction = nil

	if err := ctx.Err(); err != nil {
		return res, &CancelledError{Cause: err}
	}

	snapshot, err := env.SelectorMap(ctx)
	if err != nil {
		return res, c.environmentError(ctx, "read selector map", err)
	}
	baseline := snapshot.StructuralKeys()

	tree, err := env.ElementTree(ctx)
	if err != nil {
		return res, c.environmentError(ctx, "read element tree", err)
	}

	actions, err := resolveActions(step, tree, func(a schemas.Action, from, to int) {
		c.logger.Info("Element moved in DOM", zap.String("action", a.Name), zap.Int("from", from), zap.Int("to", to))
	})
	if err != nil {
		var target *TargetingError
		if errors.As(err, &target) {
			res.outcomes = append(res.outcomes, failureOutcome(target.Action, schemas.ErrCodeTargetLost, err))
		}
		return res, err
	}

	for i := range actions {
		action := actions[i]
		if err := ctx.Err(); err != nil {
			return res, &CancelledError{Cause: err}
		}

		if _, targeted := action.Index(); i > 0 && targeted && c.opts.CheckNewElements {
			current, err := env.SelectorMap(ctx)
			if err != nil {
				return res, c.environmentError(ctx, "read selector map", err)
			}
			if added := countNew(baseline, current.StructuralKeys()); added > 0 {
				res.truncated = &UnexpectedPageChangeError{Completed: i, Total: len(actions), NewElements: added}
				res.outcomes = append(res.outcomes, schemas.ActionOutcome{
					Action:    action.Name,
					Status:    schemas.OutcomeTruncated,
					ErrorCode: schemas.ErrCodeUnexpectedPageChange,
					Error:     res.truncated.Error(),
				})
				c.logger.Info("Something new appeared after action, stopping step",
					zap.Int("completed", i), zap.Int("total", len(actions)), zap.Int("new_elements", added))
				break
			}
		}

		c.currentAction = &action
		outcome, err := c.perform(ctx, env, action)
		if err != nil {
			res.outcomes = append(res.outcomes, failureOutcome(action.Name, codeFor(err), err))
			return res, &ActionExecutionError{Action: action.Name, Position: i, Code: codeFor(err), Err: err}
		}
		if outcome.Failed() && outcome.ErrorCode == "" {
			outcome.ErrorCode = schemas.ErrCodeActionFailed
		}
		res.outcomes = append(res.outcomes, outcome)
		if outcome.Failed() {
			return res, &ActionExecutionError{Action: action.Name, Position: i, Code: outcome.ErrorCode, Err: errors.New(outcome.Error)}
		}
		if outcome.IsDone {
			break
		}
		if i < len(actions)-1 {
			if err := c.sleep(ctx, c.opts.WaitBetweenActions); err != nil {
				return res, &CancelledError{Cause: err}
			}
		}
	}

	if err := c.sleep(ctx, contextutil.Seconds(step.Delay)); err != nil {
		return res, &CancelledError{Cause: err}
	}
	return res, nil
}

// perform runs a single action under a context that the run's cancellation
// cannot interrupt, bounded by the action timeout.
func (c *controller) perform(ctx context.Context, env schemas.Environment, action schemas.Action) (schemas.ActionOutcome, error) {
	actx := contextutil.Detach(ctx)
	if c.opts.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, c.opts.ActionTimeout)
		defer cancel()
	}
	outcome, err := env.PerformAction(actx, action)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return outcome, fmt.Errorf("action %s timed out after %s: %w", action.Name, c.opts.ActionTimeout, err)
		}
		return outcome, err
	}
	if outcome.Action == "" {
		outcome.Action = action.Name
	}
	if outcome.Status == "" {
		outcome.Status = schemas.OutcomeSuccess
	}
	return outcome, nil
}

// environmentError classifies a failed environment read: cancellation stays
// cancellation, anything else is a retryable execution error.
func (c *controller) environmentError(ctx context.Context, what string, err error) error {
	if ctx.Err() != nil {
		return &CancelledError{Cause: ctx.Err()}
	}
	return &ActionExecutionError{Action: what, Position: -1, Code: codeFor(err), Err: err}
}

// attemptStep calls executeStep up to MaxRetries times. before runs ahead of
// every attempt. Only a cancellation stops the loop early. On failure the
// returned result holds the outcomes of the last attempt.
func (c *controller) attemptStep(ctx context.Context, env schemas.Environment, step schemas.RecordedStep, label int, before func()) (stepResult, error) {
	ctx, span := c.tracer.Start(ctx, "replay.step", trace.WithAttributes(
		attribute.Int("replay.step", label),
		attribute.Int("replay.actions", len(step.Actions)),
	))
	defer span.End()

	var (
		last    stepResult
		lastErr error
	)
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		if before != nil {
			before()
		}
		res, err := c.executeStep(ctx, env, step)
		if err == nil {
			span.SetAttributes(attribute.Int("replay.attempts", attempt))
			if res.truncated != nil {
				span.AddEvent("truncated", trace.WithAttributes(attribute.Int("replay.new_elements", res.truncated.NewElements)))
			}
			return res, nil
		}
		if IsCancelled(err) {
			span.SetStatus(codes.Error, "cancelled")
			return res, err
		}

		last, lastErr = res, err
		c.logger.Warn("Step attempt failed",
			zap.Int("step", label),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.opts.MaxRetries),
			zap.Error(err))

		if attempt < c.opts.MaxRetries {
			if err := c.sleep(ctx, c.opts.RetryDelay); err != nil {
				return last, &CancelledError{Cause: err}
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retries exhausted")
	return last, &RetriesExhaustedError{Step: label, Attempts: c.opts.MaxRetries, Err: lastErr}
}

// runError wraps a fatal error with the progress made so far.
func (c *controller) runError(err error, transcript []schemas.ActionOutcome, path []int) *RunError {
	return &RunError{
		Err:      err,
		Outcomes: append([]schemas.ActionOutcome(nil), transcript...),
		Path:     append([]int(nil), path...),
		Step:     c.currentStep,
		Action:   c.currentAction,
	}
}

// countNew returns how many keys of current are missing from baseline.
func countNew(baseline, current map[string]struct{}) int {
	n := 0
	for k := range current {
		if _, ok := baseline[k]; !ok {
			n++
		}
	}
	return n
}

func codeFor(err error) schemas.ErrorCode {
	var target *TargetingError
	switch {
	case errors.As(err, &target):
		return schemas.ErrCodeTargetLost
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.ErrCodeTimeoutError
	default:
		return schemas.ErrCodeActionFailed
	}
}

func failureOutcome(action string, code schemas.ErrorCode, err error) schemas.ActionOutcome {
	return schemas.ActionOutcome{
		Action:    action,
		Status:    schemas.OutcomeFailed,
		ErrorCode: code,
		Error:     err.Error(),
	}
}

func noopOutcome() schemas.ActionOutcome {
	return schemas.ActionOutcome{
		Status:           schemas.OutcomeNoop,
		ErrorCode:        schemas.ErrCodeNoAction,
		ExtractedContent: "No action to replay",
	}
}

func cancelledOutcome(err error) schemas.ActionOutcome {
	return schemas.ActionOutcome{
		Status:    schemas.OutcomeCancelled,
		ErrorCode: schemas.ErrCodeCancelled,
		Error:     err.Error(),
	}
}
