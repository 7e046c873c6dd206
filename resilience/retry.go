package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// Retry defaults.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0
)

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxRetries     int           `json:"max_retries" toml:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `json:"initial_backoff" toml:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" toml:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64       `json:"multiplier" toml:"multiplier" yaml:"multiplier"`
	// Classifier decides whether an error is transient. Defaults to IsRetryable.
	Classifier func(error) bool `json:"-" toml:"-" yaml:"-"`
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration) `json:"-" toml:"-" yaml:"-"`
}

// DefaultRetryConfig returns 3 retries, 1s initial, 30s max and multiplier 2.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Classifier == nil {
		c.Classifier = IsRetryable
	}
	return c
}

// Backoff returns the wait before retry number attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	wait := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * c.Multiplier)
		if wait >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if wait > c.MaxBackoff {
		return c.MaxBackoff
	}
	return wait
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// retry budget is spent. Cancellation of ctx ends the wait immediately.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= cfg.MaxRetries || !cfg.Classifier(err) {
			return zero, lastErr
		}

		wait := cfg.Backoff(attempt + 1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, wait)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// IsRetryable classifies transient failures: timeouts, storage and network
// errors, rate limits and 5xx responses. Semantic kinds such as invalid
// input, permission denied, not found and open circuits are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var k interface{ ErrorKind() core.ErrorKind }
	if errors.As(err, &k) {
		switch k.ErrorKind() {
		case core.KindInvalidInput, core.KindNotFound, core.KindPermissionDenied,
			core.KindValidationFailed, core.KindDependency, core.KindCircuitOpen,
			core.KindCancelled:
			return false
		case core.KindTimeout, core.KindStorage:
			return true
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}

	return isRateLimitError(err) || isServerError(err)
}

func isRateLimitError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded")
}

func isServerError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "temporarily unavailable")
}
