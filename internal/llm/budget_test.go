package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

func fakeBudget(cfg BudgetConfig) (*Budget, *fakeClock, *[]time.Time) {
	clock := &fakeClock{t: time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)}
	b := NewBudget(cfg)
	b.now = clock.now
	b.sleep = clock.sleep
	var grants []time.Time
	b.observe = func(at time.Time, _ int) { grants = append(grants, at) }
	return b, clock, &grants
}

func TestBudgetRollingWindowUnderConcurrency(t *testing.T) {
	const (
		window  = 100 * time.Millisecond
		ceiling = 100
		each    = 30
		workers = 12
	)
	b := NewBudget(BudgetConfig{TokensPerWindow: ceiling, Window: window})

	type rec struct {
		at     time.Time
		tokens int
	}
	var grants []rec
	b.observe = func(at time.Time, tokens int) { grants = append(grants, rec{at, tokens}) }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Acquire(ctx, each))
		}()
	}
	wg.Wait()

	require.Len(t, grants, workers)
	for i, g := range grants {
		sum := 0
		for _, other := range grants[:i+1] {
			if other.at.After(g.at.Add(-window)) {
				sum += other.tokens
			}
		}
		assert.LessOrEqual(t, sum, ceiling, "window ending at grant %d", i)
	}
}

func TestBudgetWaitsForTokensToExpire(t *testing.T) {
	b, clock, grants := fakeBudget(BudgetConfig{TokensPerWindow: 100, Window: time.Minute})
	start := clock.now()

	require.NoError(t, b.Acquire(context.Background(), 60))
	require.NoError(t, b.Acquire(context.Background(), 60))

	require.Len(t, *grants, 2)
	assert.Equal(t, start, (*grants)[0])
	assert.Equal(t, start.Add(time.Minute), (*grants)[1])
}

func TestBudgetSpacesRequests(t *testing.T) {
	b, _, grants := fakeBudget(BudgetConfig{RequestsPerWindow: 2, Window: time.Minute})

	for range 3 {
		require.NoError(t, b.Acquire(context.Background(), 1))
	}
	require.Len(t, *grants, 3)
	for i := 1; i < len(*grants); i++ {
		assert.GreaterOrEqual(t, (*grants)[i].Sub((*grants)[i-1]), 30*time.Second)
	}
}

func TestBudgetRejectsOversizedRequest(t *testing.T) {
	b := NewBudget(BudgetConfig{TokensPerWindow: 100})
	assert.ErrorIs(t, b.Acquire(context.Background(), 101), ErrBudgetExceeded)

	requests, tokens := b.Usage()
	assert.Zero(t, requests)
	assert.Zero(t, tokens)
}

func TestBudgetAcquireCancelled(t *testing.T) {
	b, _, _ := fakeBudget(BudgetConfig{TokensPerWindow: 100, Window: time.Minute})
	require.NoError(t, b.Acquire(context.Background(), 100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Acquire(ctx, 10), context.Canceled)
}

func TestBudgetUsage(t *testing.T) {
	b, clock, _ := fakeBudget(BudgetConfig{TokensPerWindow: 1000, Window: time.Minute})
	require.NoError(t, b.Acquire(context.Background(), 200))
	require.NoError(t, b.Acquire(context.Background(), 300))

	requests, tokens := b.Usage()
	assert.Equal(t, 2, requests)
	assert.Equal(t, 500, tokens)

	_ = clock.sleep(context.Background(), time.Minute)
	requests, tokens = b.Usage()
	assert.Zero(t, requests)
	assert.Zero(t, tokens)
}
