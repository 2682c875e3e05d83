package executor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/replaydock/internal/config"
)

// Runner executes a single prompt. *Executor implements it.
type Runner interface {
	Execute(ctx context.Context, prompt string) (*Answer, error)
}

// BatchResult is the outcome of one prompt of a batch. Exactly one of Answer
// and Err is set.
type BatchResult struct {
	Index  int     `json:"index"`
	Prompt string  `json:"prompt"`
	Answer *Answer `json:"answer,omitempty"`
	Err    error   `json:"-"`
}

// Batch runs prompts in parallel, each in its own session.
type Batch struct {
	runner      Runner
	concurrency int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewBatch bounds parallel runs by cfg.Concurrency and paces run starts by
// cfg.LaunchRate.
func NewBatch(runner Runner, cfg config.BatchConfig, logger *zap.Logger) *Batch {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	limit := rate.Inf
	if cfg.LaunchRate > 0 {
		limit = rate.Limit(cfg.LaunchRate)
	}
	burst := cfg.LaunchBurst
	if burst <= 0 {
		burst = 1
	}
	return &Batch{
		runner:      runner,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger.Named("batch"),
	}
}

// Run executes every prompt and returns the results in prompt order. A failed
// run never stops the others; cancelling ctx stops new runs from starting and
// marks them with ctx's error.
func (b *Batch) Run(ctx context.Context, prompts []string) []BatchResult {
	results := make([]BatchResult, len(prompts))
	for i, p := range prompts {
		results[i] = BatchResult{Index: i, Prompt: p}
	}

	start := time.Now()
	b.logger.Info("Starting batch.", zap.Int("prompts", len(prompts)), zap.Int("concurrency", b.concurrency))

	// A plain group: one failure must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for i := range prompts {
		if err := b.limiter.Wait(ctx); err != nil {
			for j := i; j < len(prompts); j++ {
				results[j].Err = err
			}
			break
		}
		res := &results[i]
		g.Go(func() error {
			res.Answer, res.Err = b.runner.Execute(ctx, res.Prompt)
			if res.Err != nil {
				b.logger.Warn("Batch run failed.", zap.Int("index", res.Index), zap.Error(res.Err))
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	b.logger.Info("Batch finished.",
		zap.Int("prompts", len(prompts)),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)))
	return results
}
