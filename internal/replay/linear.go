package replay

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// LinearReplayer replays a flat recording top to bottom. A step that exhausts
// its retries ends the run.
type LinearReplayer struct {
	controller
	steps []schemas.RecordedStep
}

// NewLinearReplayer validates the steps and prepares a replayer for one run.
func NewLinearReplayer(history schemas.LinearHistory, opts Options, logger *zap.Logger) (*LinearReplayer, error) {
	for i, step := range history.Steps {
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinearReplayer{
		controller: newController(opts, logger.Named("linear")),
		steps:      history.Steps,
	}, nil
}

// Replay runs every step in order. On failure the returned error is a
// *RunError holding the outcomes recorded so far.
func (r *LinearReplayer) Replay(ctx context.Context, env schemas.Environment) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "replay.linear", trace.WithAttributes(attribute.Int("replay.steps", len(r.steps))))
	defer span.End()

	var (
		outcomes []schemas.ActionOutcome
		path     []int
	)
	for i, step := range r.steps {
		if err := ctx.Err(); err != nil {
			cancelled := &CancelledError{Cause: err}
			outcomes = append(outcomes, cancelledOutcome(cancelled))
			span.SetStatus(codes.Error, "cancelled")
			return nil, r.runError(cancelled, outcomes, path)
		}
		path = append(path, i)

		if step.IsNoop() {
			r.logger.Debug("Step has no action", zap.Int("step", i))
			outcomes = append(outcomes, noopOutcome())
			continue
		}

		r.logger.Info("Replaying step", zap.Int("step", i+1), zap.Int("total", len(r.steps)))
		res, err := r.attemptStep(ctx, env, step, i, nil)
		outcomes = append(outcomes, res.outcomes...)
		if err != nil {
			span.RecordError(err)
			if IsCancelled(err) {
				outcomes = append(outcomes, cancelledOutcome(err))
				span.SetStatus(codes.Error, "cancelled")
				return nil, r.runError(err, outcomes, path)
			}
			outcomes = append(outcomes, failureOutcome("", schemas.ErrCodeRetriesExhausted, err))
			span.SetStatus(codes.Error, err.Error())
			r.logger.Error("Step failed, aborting replay", zap.Int("step", i), zap.Error(err))
			return nil, r.runError(err, outcomes, path)
		}
	}

	return &Result{
		Outcomes:   outcomes,
		Transcript: outcomes,
		Path:       path,
	}, nil
}
