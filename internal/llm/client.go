package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig holds generation parameters and the retry policy.
type ClientConfig struct {
	Temperature float64
	MaxTokens   int
	MaxRetries  int
	RetryMargin time.Duration
	BackoffBase time.Duration
}

// Client is the single entry point for generation. All callers share one
// Budget.
type Client struct {
	provider Provider
	budget   *Budget
	cfg      ClientConfig
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. provider may be nil, in which case every call
// fails permanently with ErrNotConfigured.
func NewClient(provider Provider, budget *Budget, cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryMargin <= 0 {
		cfg.RetryMargin = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if budget == nil {
		budget = NewBudget(BudgetConfig{})
	}
	return &Client{
		provider: provider,
		budget:   budget,
		cfg:      cfg,
		log:      log,
		sleep:    sleepCtx,
	}
}

// MaxTokens is the completion limit sent with every request.
func (c *Client) MaxTokens() int { return c.cfg.MaxTokens }

// Budget returns the shared budget.
func (c *Client) Budget() *Budget { return c.budget }

// Generate admits the request through the budget and calls the provider,
// retrying failures. Rate-limit responses with a retry hint wait at least the
// hint plus a margin; other failures back off exponentially. The returned
// error is always a *GenerationError.
func (c *Client) Generate(ctx context.Context, system, user string, estimatedTokens int) (string, error) {
	if c.provider == nil {
		return "", &GenerationError{Kind: Permanent, Err: ErrNotConfigured}
	}

	req := Request{
		System:      system,
		User:        user,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.budget.Acquire(ctx, estimatedTokens); err != nil {
			if errors.Is(err, ErrBudgetExceeded) {
				return "", &GenerationError{Kind: Permanent, Attempts: attempts, Err: err}
			}
			return "", &GenerationError{Kind: Transient, Attempts: attempts, Err: err}
		}

		attempts++
		text, err := c.provider.Complete(ctx, req)
		if err == nil && strings.TrimSpace(text) == "" {
			err = errEmptyResponse
		}
		if err == nil {
			return text, nil
		}
		lastErr = err

		if errors.Is(err, ErrNotConfigured) {
			return "", &GenerationError{Kind: Permanent, Attempts: attempts, Err: err}
		}
		if ctx.Err() != nil {
			return "", &GenerationError{Kind: Transient, Attempts: attempts, Err: ctx.Err()}
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		wait := c.cfg.BackoffBase << attempt
		var rl *RateLimitError
		if errors.As(err, &rl) {
			wait = rl.RetryAfter + c.cfg.RetryMargin
		}
		c.log.Warn().Err(err).
			Str("provider", c.provider.Name()).
			Int("attempt", attempts).
			Dur("wait", wait).
			Msg("generation failed, retrying")
		if err := c.sleep(ctx, wait); err != nil {
			return "", &GenerationError{Kind: Transient, Attempts: attempts, Err: err}
		}
	}

	return "", &GenerationError{Kind: Transient, Attempts: attempts, Err: lastErr}
}
