package stream

import (
	"context"
	"sync"
	"time"
)

// CompletionTracker guarantees at most one terminal event per workflow.
type CompletionTracker struct {
	emitter *Emitter
	mu      sync.Mutex
	done    map[string]CompletionStatus
}

// NewCompletionTracker creates a tracker emitting through e.
func NewCompletionTracker(e *Emitter) *CompletionTracker {
	return &CompletionTracker{emitter: e, done: make(map[string]CompletionStatus)}
}

// Finish emits the terminal event for workflowID unless one was already
// emitted. It reports whether this call emitted.
func (t *CompletionTracker) Finish(ctx context.Context, workflowID string, status CompletionStatus, message string) bool {
	t.mu.Lock()
	if _, ok := t.done[workflowID]; ok {
		t.mu.Unlock()
		return false
	}
	t.done[workflowID] = status
	t.mu.Unlock()

	t.emitter.Complete(ctx, Completion{
		WorkflowID: workflowID,
		Status:     status,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	})
	return true
}

// Status returns the terminal status of a finished workflow.
func (t *CompletionTracker) Status(workflowID string) (CompletionStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.done[workflowID]
	return s, ok
}

// Forget drops the bookkeeping for workflowID.
func (t *CompletionTracker) Forget(workflowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.done, workflowID)
}
