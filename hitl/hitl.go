// Package hitl implements human-in-the-loop validation: a pending request is
// stored and announced on the workflow stream, then storage is polled until
// a reviewer approves or rejects it. There is no internal timeout; the wait
// ends when the caller's context is cancelled.
package hitl

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/storage"
	"github.com/hupe1980/agentcrew/stream"
)

// DefaultPollInterval is the delay between storage polls.
const DefaultPollInterval = 500 * time.Millisecond

// RiskLevel is recorded with a request for display purposes only.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Operation kinds gated by validation.
const (
	OpSpawn         = "spawn"
	OpDelegate      = "delegate"
	OpParallelBatch = "parallel_batch"
	OpToolCall      = "tool_call"
)

// RiskFor derives the risk level from the operation kind.
func RiskFor(operation string) RiskLevel {
	switch operation {
	case OpParallelBatch:
		return RiskHigh
	case OpSpawn, OpDelegate, OpToolCall:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Request describes an operation awaiting approval.
type Request struct {
	WorkflowID  string
	AgentID     string
	Operation   string
	Description string
	Details     any
}

// Gate approves or rejects operations. A nil error means approved.
type Gate interface {
	Confirm(ctx context.Context, req Request) error
}

// AutoApprove approves every request without storing it.
type AutoApprove struct{}

// Confirm implements Gate.
func (AutoApprove) Confirm(context.Context, Request) error { return nil }

// Options configures a Validator.
type Options struct {
	PollInterval time.Duration
	Emitter      *stream.Emitter
	Logger       logging.Logger
}

// Validator is the storage-backed Gate.
type Validator struct {
	store storage.ValidationStore
	opts  Options
}

// NewValidator creates a Validator polling store.
func NewValidator(store storage.ValidationStore, optFns ...func(o *Options)) *Validator {
	opts := Options{PollInterval: DefaultPollInterval}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Validator{store: store, opts: opts}
}

// Confirm stores a pending request, emits a validation_request chunk and
// waits for the decision. Rejection yields KindPermissionDenied carrying the
// reviewer's reason; cancellation yields KindCancelled.
func (v *Validator) Confirm(ctx context.Context, req Request) error {
	if req.WorkflowID == "" {
		req.WorkflowID = core.WorkflowID(ctx)
	}
	risk := RiskFor(req.Operation)

	var details json.RawMessage
	if req.Details != nil {
		raw, err := json.Marshal(req.Details)
		if err != nil {
			return core.Wrap(core.KindInvalidInput, err, "encode validation details")
		}
		details = raw
	}

	vr := storage.ValidationRequest{
		ID:          uuid.NewString(),
		WorkflowID:  req.WorkflowID,
		AgentID:     req.AgentID,
		Operation:   req.Operation,
		RiskLevel:   string(risk),
		Description: req.Description,
		Details:     details,
		Status:      storage.ValidationPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := v.store.CreateValidation(ctx, vr); err != nil {
		return core.Wrap(core.KindStorage, err, "create validation request")
	}

	v.opts.Logger.Info("hitl.validation.requested",
		"validation_id", vr.ID,
		"workflow_id", vr.WorkflowID,
		"operation", vr.Operation,
		"risk_level", vr.RiskLevel,
	)
	v.opts.Emitter.Emit(ctx, stream.ValidationRequest(vr.WorkflowID, vr.ID, vr.Operation, vr.RiskLevel, vr.Description))

	return v.await(ctx, vr.ID, vr.Operation)
}

func (v *Validator) await(ctx context.Context, id, operation string) error {
	ticker := time.NewTicker(v.opts.PollInterval)
	defer ticker.Stop()

	for {
		got, err := v.store.GetValidation(ctx, id)
		switch {
		case err != nil:
			v.opts.Logger.Warn("hitl.validation.poll_failed", "validation_id", id, "error", err)
		case got.Status == storage.ValidationApproved:
			v.opts.Logger.Info("hitl.validation.approved", "validation_id", id)
			return nil
		case got.Status == storage.ValidationRejected:
			v.opts.Logger.Info("hitl.validation.rejected", "validation_id", id, "reason", got.Reason)
			reason := got.Reason
			if reason == "" {
				reason = "no reason given"
			}
			return core.Errorf(core.KindPermissionDenied, "%s rejected by reviewer: %s", operation, reason)
		}

		select {
		case <-ctx.Done():
			return core.Wrap(core.KindCancelled, ctx.Err(), "validation wait cancelled")
		case <-ticker.C:
		}
	}
}
