package core

import (
	"sync"
)

// IterationLimiter enforces the maximum number of tool-loop iterations per execution.
type IterationLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewIterationLimiter creates a limiter. If max <= 0 the default cap is used.
func NewIterationLimiter(max int) *IterationLimiter {
	if max <= 0 {
		max = DefaultMaxToolIterations
	}
	return &IterationLimiter{max: max}
}

// Increment starts the next iteration and returns an error naming the cap
// once it has been reached.
func (l *IterationLimiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count >= l.max {
		return Errorf(KindExecutionFailed, "exceeded max tool iterations: %d", l.max).
			WithRemedy("raise max_tool_iterations or simplify the task")
	}
	l.count++

	return nil
}

// Count returns the number of started iterations.
func (l *IterationLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Max returns the configured cap.
func (l *IterationLimiter) Max() int { return l.max }

// Remaining returns how many iterations are left.
func (l *IterationLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.max - l.count
}
