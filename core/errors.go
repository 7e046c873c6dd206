package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed error taxonomy shared by tools, the tool loop, the
// sub-agent subsystem and the remote-tool manager.
type ErrorKind string

const (
	// KindInvalidInput signals a shape violation of caller supplied input.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindNotFound signals that the looked-up resource does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindPermissionDenied signals a rejected validation or a primary-only operation.
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindValidationFailed signals a semantic rule violation.
	KindValidationFailed ErrorKind = "validation_failed"
	// KindDependency signals an unsatisfied precondition elsewhere.
	KindDependency ErrorKind = "dependency_error"
	// KindExecutionFailed signals a downstream failure (LLM, remote tool, DML).
	KindExecutionFailed ErrorKind = "execution_failed"
	// KindTimeout signals that a bounded wait elapsed.
	KindTimeout ErrorKind = "timeout"
	// KindStorage signals a persistence layer failure.
	KindStorage ErrorKind = "storage_error"
	// KindCircuitOpen signals a fail-fast rejection by a circuit breaker.
	KindCircuitOpen ErrorKind = "circuit_breaker_open"
	// KindCancelled signals that the workflow cancellation token was observed.
	KindCancelled ErrorKind = "cancelled"
)

// ErrAgentNotFound is wrapped by every agent lookup failure.
var ErrAgentNotFound = errors.New("agent not found")

// Error is the structured error carried across the execution core.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Remedy is a short hint naming the likely fix.
	Remedy string `json:"remedy,omitempty"`
	// RemainingCooldown is set for KindCircuitOpen.
	RemainingCooldown time.Duration `json:"remaining_cooldown,omitempty"`
	Cause             error         `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Remedy != "" {
		msg += " (" + e.Remedy + ")"
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// ErrorKind reports the taxonomy kind of the error.
func (e *Error) ErrorKind() ErrorKind { return e.Kind }

// RemainingCooldownSecs returns the cooldown in whole seconds, rounded up.
func (e *Error) RemainingCooldownSecs() int64 {
	if e.RemainingCooldown <= 0 {
		return 0
	}
	return int64((e.RemainingCooldown + time.Second - 1) / time.Second)
}

// WithRemedy returns a copy of the error carrying the remedy hint.
func (e *Error) WithRemedy(remedy string) *Error {
	cp := *e
	cp.Remedy = remedy
	return &cp
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewAgentNotFoundError returns the distinguished agent-not-found error.
func NewAgentNotFoundError(agentID string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("agent %q not found", agentID),
		Remedy:  "register the agent before executing tasks against it",
		Cause:   ErrAgentNotFound,
	}
}

// NewCircuitOpenError returns a fail-fast error carrying the remaining cooldown.
func NewCircuitOpenError(subject string, remaining time.Duration) *Error {
	return &Error{
		Kind:              KindCircuitOpen,
		Message:           fmt.Sprintf("circuit breaker open for %s, retry in %ds", subject, int64((remaining+time.Second-1)/time.Second)),
		RemainingCooldown: remaining,
	}
}

type kinded interface {
	ErrorKind() ErrorKind
}

// KindOf extracts the taxonomy kind from err. Context errors map to
// KindCancelled and KindTimeout; anything else unknown is KindExecutionFailed.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindExecutionFailed
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
