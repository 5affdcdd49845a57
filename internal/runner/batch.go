// internal/runner/batch.go
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// RunBatch executes independent runs, at most Concurrency at a time, with
// launches spaced at least LaunchInterval apart. Results are returned in
// input order. A failing run never stops the others; runs not yet launched
// when ctx ends are reported as canceled.
func (r *Runner) RunBatch(ctx context.Context, batch []schemas.RunParams) []schemas.RunResult {
	results := make([]schemas.RunResult, len(batch))

	limit := rate.Inf
	if r.opts.LaunchInterval > 0 {
		limit = rate.Every(r.opts.LaunchInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	g := new(errgroup.Group)
	g.SetLimit(r.opts.Concurrency)
	for i, params := range batch {
		g.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				results[i] = r.canceled(params, err)
				return nil
			}
			results[i] = r.Run(ctx, params)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, res := range results {
		if res.Success {
			ok++
		}
	}
	r.logger.Info("Batch finished", zap.Int("runs", len(batch)), zap.Int("succeeded", ok))
	return results
}

// canceled is the result of a run that never launched. It is not audited
// because nothing ran.
func (r *Runner) canceled(params schemas.RunParams, err error) schemas.RunResult {
	return schemas.RunResult{
		RunID:     r.newID(),
		Params:    params,
		Error:     err.Error(),
		ErrorKind: schemas.KindOf(err),
		Timestamp: r.now().UTC().Format(time.RFC3339Nano),
	}
}
