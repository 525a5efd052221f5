package fit

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/globalfit/internal/optimization"
)

func TestRunWithBounds(t *testing.T) {
	f := newTestFitter(t, nil)

	out := f.Run(context.Background(), linearProblem(), true)
	require.NoError(t, out.Err)
	assert.Equal(t, "linear", out.Tag)
	require.NotNil(t, out.Result)
	require.NotNil(t, out.Bounds)
	assert.InDelta(t, 2*math.Sqrt(0.5/2280), out.Bounds.Up.At(0, 0), 1e-5)

	out = f.Run(context.Background(), linearProblem(), false)
	require.NoError(t, out.Err)
	assert.Nil(t, out.Bounds)
}

func TestRunBatch(t *testing.T) {
	f := newTestFitter(t, func(c *Config) { c.BasinHops = 1 })

	var problems []Problem
	for i := 0; i < 5; i++ {
		p := linearProblem()
		p.Tag = fmt.Sprintf("series-%d", i)
		p.Seed = 0
		problems = append(problems, p)
	}
	problems[2].Model = nil

	outcomes := f.RunBatch(context.Background(), problems, 3, true)
	require.Len(t, outcomes, len(problems))

	seeds := make(map[int64]bool)
	for i, out := range outcomes {
		assert.Equal(t, problems[i].Tag, out.Tag)
		if i == 2 {
			assert.ErrorIs(t, out.Err, optimization.ErrConfiguration)
			continue
		}
		require.NoError(t, out.Err)
		require.True(t, out.Result.Converged, out.Result.Message)
		assert.InDelta(t, 2, out.Result.Values[0], 1e-6)
		assert.NotNil(t, out.Bounds)
		seeds[out.Result.Seed] = true
	}
	assert.Len(t, seeds, 4, "each problem gets its own seed")
}

func TestRunBatchCancelled(t *testing.T) {
	f := newTestFitter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	problems := []Problem{linearProblem(), linearProblem(), linearProblem()}
	outcomes := f.RunBatch(ctx, problems, 2, false)
	require.Len(t, outcomes, 3)
	for _, out := range outcomes {
		assert.ErrorIs(t, out.Err, context.Canceled)
	}
}

func TestRunBatchEmpty(t *testing.T) {
	f := newTestFitter(t, nil)
	assert.Empty(t, f.RunBatch(context.Background(), nil, 4, false))
}
