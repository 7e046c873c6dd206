package resilience

import (
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// Circuit breaker defaults.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
)

// BreakerState is the observable state of a CircuitBreaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" toml:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown" toml:"cooldown" yaml:"cooldown"`
}

// DefaultBreakerConfig returns threshold 3 and a 60s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: DefaultFailureThreshold, Cooldown: DefaultCooldown}
}

// CircuitBreaker fails fast after consecutive failures. Once the cooldown has
// elapsed the breaker turns half-open and admits exactly one trial; a trial
// success closes the circuit and a trial failure reopens it for another
// cooldown.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	open      bool
	halfOpen  bool
	now       func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(optFns ...func(o *BreakerConfig)) *CircuitBreaker {
	cfg := DefaultBreakerConfig()
	for _, fn := range optFns {
		fn(&cfg)
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &CircuitBreaker{threshold: cfg.FailureThreshold, cooldown: cfg.Cooldown, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (b *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// AllowRequest reports whether a call may proceed.
func (b *CircuitBreaker) AllowRequest() bool {
	ok, _ := b.Admit()
	return ok
}

// Admit reports whether a call may proceed and whether it was admitted as
// the half-open trial. A trial must end in RecordSuccess, RecordFailure or
// ReleaseTrial.
func (b *CircuitBreaker) Admit() (ok, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true, false
	}
	if b.halfOpen || b.now().Sub(b.openedAt) < b.cooldown {
		return false, false
	}
	b.halfOpen = true
	return true, true
}

// ReleaseTrial ends an outstanding trial without an outcome. The circuit
// stays open with its cooldown elapsed, so the next call becomes the trial.
func (b *CircuitBreaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpen = false
}

// Record settles an admitted call: nil is a success, errors that say nothing
// about the health of the protected dependency release the trial, anything
// else is a failure.
func (b *CircuitBreaker) Record(err error) {
	switch {
	case err == nil:
		b.RecordSuccess()
	case IsBreakerFailure(err):
		b.RecordFailure()
	default:
		b.ReleaseTrial()
	}
}

// IsBreakerFailure reports whether err counts against a circuit. Cancellation
// and caller mistakes (invalid input, unknown targets, rejected validation)
// do not.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch core.KindOf(err) {
	case core.KindCancelled, core.KindNotFound, core.KindInvalidInput,
		core.KindValidationFailed, core.KindPermissionDenied:
		return false
	}
	return true
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
	b.halfOpen = false
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.halfOpen || b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		b.halfOpen = false
	}
}

// RemainingCooldown returns how long the circuit stays open, or zero.
func (b *CircuitBreaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open || b.halfOpen {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.open:
		return StateClosed
	case b.halfOpen || b.now().Sub(b.openedAt) >= b.cooldown:
		return StateHalfOpen
	default:
		return StateOpen
	}
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
