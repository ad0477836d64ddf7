package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BudgetConfig bounds provider usage. Zero limits disable that dimension.
type BudgetConfig struct {
	RequestsPerWindow int
	TokensPerWindow   int
	Window            time.Duration
}

type grant struct {
	at     time.Time
	tokens int
}

// Budget is a process-wide admission gate for generation requests. Token
// usage is tracked in a rolling ledger so that the grants inside any window
// never sum past TokensPerWindow. Request spacing comes from a rate.Limiter
// reserved under the same lock.
type Budget struct {
	mu      sync.Mutex
	cfg     BudgetConfig
	limiter *rate.Limiter
	ledger  []grant

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// observe, if set, is called under the lock for every grant.
	observe func(at time.Time, tokens int)
}

// NewBudget creates a budget. A zero Window means one minute.
func NewBudget(cfg BudgetConfig) *Budget {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	limit := rate.Inf
	if cfg.RequestsPerWindow > 0 {
		limit = rate.Every(cfg.Window / time.Duration(cfg.RequestsPerWindow))
	}
	return &Budget{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Acquire blocks until tokens can be spent without breaching the budget, or
// ctx is done. A request larger than the whole window budget fails with
// ErrBudgetExceeded instead of waiting forever.
func (b *Budget) Acquire(ctx context.Context, tokens int) error {
	if b.cfg.TokensPerWindow > 0 && tokens > b.cfg.TokensPerWindow {
		return ErrBudgetExceeded
	}
	for {
		wait := b.tryReserve(tokens)
		if wait <= 0 {
			return nil
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryReserve records a grant and returns 0, or returns how long to wait
// before trying again.
func (b *Budget) tryReserve(tokens int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evict(now)

	if b.cfg.TokensPerWindow > 0 {
		used := 0
		for _, g := range b.ledger {
			used += g.tokens
		}
		if over := used + tokens - b.cfg.TokensPerWindow; over > 0 {
			freed := 0
			for _, g := range b.ledger {
				freed += g.tokens
				if freed >= over {
					return g.at.Add(b.cfg.Window).Sub(now)
				}
			}
		}
	}

	r := b.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}

	b.ledger = append(b.ledger, grant{at: now, tokens: tokens})
	if b.observe != nil {
		b.observe(now, tokens)
	}
	return 0
}

// evict drops grants that have left the window ending at now.
func (b *Budget) evict(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.ledger) && !b.ledger[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.ledger = append(b.ledger[:0], b.ledger[i:]...)
	}
}

// Usage returns the grants and tokens currently inside the window.
func (b *Budget) Usage() (requests, tokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evict(b.now())
	for _, g := range b.ledger {
		tokens += g.tokens
	}
	return len(b.ledger), tokens
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
