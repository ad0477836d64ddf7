package llm

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotConfigured is returned when a provider lacks credentials.
	ErrNotConfigured = errors.New("generation provider not configured")

	// ErrBudgetExceeded is returned when one request needs more tokens than
	// the whole per-window budget.
	ErrBudgetExceeded = errors.New("request exceeds token budget")

	errEmptyResponse = errors.New("empty response from provider")
)

// Kind classifies a GenerationError.
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// GenerationError is the only error type Client.Generate returns.
type GenerationError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s, %d attempts): %v", e.Kind, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient GenerationError; the next
// scheduled cycle may succeed.
func IsTransient(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Kind == Transient
}

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.Code, e.Body)
}

// RateLimitError is a rate-limit response that carried a retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

var tryAgainRe = regexp.MustCompile(`(?i)try again in\s+([0-9.]+)\s*(ms|s|m)\b`)

// retryHint extracts a retry delay from rate-limit headers or an error
// message body.
func retryHint(h http.Header, body string) (time.Duration, bool) {
	if h != nil {
		if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
			if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
				return time.Duration(ms * float64(time.Millisecond)), true
			}
		}
		if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
				return time.Duration(secs * float64(time.Second)), true
			}
			if at, err := http.ParseTime(v); err == nil {
				if d := time.Until(at); d > 0 {
					return d, true
				}
				return 0, true
			}
		}
		for _, key := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
			if v := strings.TrimSpace(h.Get(key)); v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					return d, true
				}
			}
		}
	}

	if m := tryAgainRe.FindStringSubmatch(body); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			unit := time.Second
			switch strings.ToLower(m[2]) {
			case "ms":
				unit = time.Millisecond
			case "m":
				unit = time.Minute
			}
			return time.Duration(n * float64(unit)), true
		}
	}
	return 0, false
}

// classifyStatus builds the error for a non-2xx provider response.
func classifyStatus(provider string, code int, h http.Header, body string) error {
	se := &StatusError{Provider: provider, Code: code, Body: truncateBody(body)}
	if code == http.StatusTooManyRequests {
		if d, ok := retryHint(h, body); ok {
			return &RateLimitError{RetryAfter: d, Err: se}
		}
	}
	return se
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
