package fit

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Outcome is the complete result of one problem.
type Outcome struct {
	Tag    string
	Result *Result
	// Bounds is nil when error estimation was skipped or the fit did not converge.
	Bounds *ErrorBounds
	Err    error
}

// Run fits p and, when the fit converged and withBounds is set, estimates
// its error bounds.
func (f *Fitter) Run(ctx context.Context, p Problem, withBounds bool) Outcome {
	out := Outcome{Tag: p.Tag}
	out.Result, out.Err = f.Fit(ctx, p)
	if out.Err != nil || !withBounds || !out.Result.Converged {
		return out
	}
	out.Bounds, out.Err = f.Errors(p, out.Result)
	return out
}

// RunBatch runs independent problems on up to workers goroutines. Each
// problem gets its own working copies and random generator, so one failing
// or non-converging problem never affects another. Outcomes are returned in
// input order.
func (f *Fitter) RunBatch(ctx context.Context, problems []Problem, workers int, withBounds bool) []Outcome {
	if workers < 1 {
		workers = 1
	}
	if workers > len(problems) {
		workers = len(problems)
	}

	outcomes := make([]Outcome, len(problems))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = f.Run(ctx, problems[i], withBounds)
				if err := outcomes[i].Err; err != nil {
					f.logger.Error("fit failed", zap.String("tag", problems[i].Tag), zap.Error(err))
				}
			}
		}()
	}

	for i := range problems {
		select {
		case jobs <- i:
		case <-ctx.Done():
			for j := i; j < len(problems); j++ {
				outcomes[j] = Outcome{Tag: problems[j].Tag, Err: ctx.Err()}
			}
			close(jobs)
			wg.Wait()
			return outcomes
		}
	}
	close(jobs)
	wg.Wait()
	return outcomes
}
