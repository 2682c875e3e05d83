package replay

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/api/schemas"
)

// TreeReplayer replays a branching recording depth first. When a branch
// fails it backtracks and tries a sibling, until a leaf is reached or every
// branch is exhausted.
type TreeReplayer struct {
	controller
	root   *schemas.TreeRecord
	policy SelectionPolicy
	tree   *Tree
}

// frame is one committed node on the current root-to-leaf path.
type frame struct {
	id       NodeID
	position int
	outcomes []schemas.ActionOutcome
}

// NewTreeReplayer validates the recording. A nil policy means FixedPolicy.
func NewTreeReplayer(root *schemas.TreeRecord, policy SelectionPolicy, opts Options, logger *zap.Logger) (*TreeReplayer, error) {
	tree, err := NewTree(root)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		policy = FixedPolicy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TreeReplayer{
		controller: newController(opts, logger.Named("tree")),
		root:       root,
		policy:     policy,
		tree:       tree,
	}, nil
}

// Tree returns the search state of the latest run.
func (r *TreeReplayer) Tree() *Tree { return r.tree }

// Replay searches for a root-to-leaf path that completes. Every call starts
// from fresh search state. On failure the returned error is a *RunError whose
// Outcomes is the full transcript.
func (r *TreeReplayer) Replay(ctx context.Context, env schemas.Environment) (*Result, error) {
	tree, err := NewTree(r.root)
	if err != nil {
		return nil, err
	}
	r.tree = tree

	ctx, span := r.tracer.Start(ctx, "replay.tree", trace.WithAttributes(
		attribute.Int("replay.nodes", tree.Len()-1),
		attribute.String("replay.policy", r.policy.Name()),
	))
	defer span.End()

	var (
		stack      = []frame{{id: RootID, position: -1}}
		transcript []schemas.ActionOutcome
		path       []int
		exhausted  int
	)
	fail := func(err error, outcome schemas.ActionOutcome) (*Result, error) {
		transcript = append(transcript, outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, r.runError(err, transcript, path)
	}

	for {
		if err := ctx.Err(); err != nil {
			cancelled := &CancelledError{Cause: err}
			return fail(cancelled, cancelledOutcome(cancelled))
		}

		top := stack[len(stack)-1]
		pos := tree.NextChild(top.id, r.policy, r.opts.MaxRetries)
		switch pos {
		case NoChildren:
			span.SetAttributes(attribute.Int("replay.depth", len(stack)-1), attribute.Int("replay.backtracks", exhausted))
			return &Result{
				Outcomes:   flatten(stack),
				Transcript: transcript,
				Path:       path,
			}, nil

		case AllExhausted:
			path = append(path, AllExhausted)
			if top.id == RootID {
				err := &NoViablePathError{Exhausted: exhausted}
				r.logger.Error("All branches exhausted", zap.Int("exhausted", exhausted))
				return fail(err, failureOutcome("", schemas.ErrCodeNoViablePath, err))
			}
			stack = stack[:len(stack)-1]
			parent := stack[len(stack)-1]
			tree.MarkExhausted(parent.id, top.position)
			exhausted++
			r.logger.Info("Branch exhausted, backtracking",
				zap.Int("node", int(top.id)), zap.Int("parent", int(parent.id)))
			continue
		}

		path = append(path, pos)
		child := tree.Child(top.id, pos)
		step := tree.Step(child)

		if step.IsNoop() {
			outcome := noopOutcome()
			transcript = append(transcript, outcome)
			stack = append(stack, frame{id: child, position: pos, outcomes: []schemas.ActionOutcome{outcome}})
			continue
		}

		r.logger.Info("Replaying node",
			zap.Int("node", int(child)), zap.Int("depth", len(stack)), zap.Int("attempts", tree.Attempts(top.id, pos)))
		res, err := r.attemptStep(ctx, env, step, int(child), func() {
			tree.RecordAttempt(top.id, pos)
		})
		transcript = append(transcript, res.outcomes...)
		if err != nil {
			if IsCancelled(err) {
				return fail(err, cancelledOutcome(err))
			}
			tree.MarkExhausted(top.id, pos)
			exhausted++
			transcript = append(transcript, failureOutcome("", schemas.ErrCodeRetriesExhausted, err))
			r.logger.Warn("Node failed, trying siblings", zap.Int("node", int(child)), zap.Error(err))
			continue
		}
		stack = append(stack, frame{id: child, position: pos, outcomes: res.outcomes})
	}
}

func flatten(stack []frame) []schemas.ActionOutcome {
	var out []schemas.ActionOutcome
	for _, f := range stack {
		out = append(out, f.outcomes...)
	}
	return out
}
