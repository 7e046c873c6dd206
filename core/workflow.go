package core

import "context"

type workflowKey struct{}

type subAgentKey struct{}

// WorkflowInfo identifies the user-initiated execution a call belongs to.
type WorkflowInfo struct {
	ID             string
	PrimaryAgentID string
}

// WithWorkflow attaches workflow identity to ctx.
func WithWorkflow(ctx context.Context, info WorkflowInfo) context.Context {
	return context.WithValue(ctx, workflowKey{}, info)
}

// WorkflowFrom returns the workflow identity carried by ctx.
func WorkflowFrom(ctx context.Context) (WorkflowInfo, bool) {
	info, ok := ctx.Value(workflowKey{}).(WorkflowInfo)
	return info, ok
}

// WorkflowID returns the workflow id carried by ctx or "".
func WorkflowID(ctx context.Context) string {
	info, _ := WorkflowFrom(ctx)
	return info.ID
}

// WithSubAgent marks ctx as running inside a sub-agent execution.
func WithSubAgent(ctx context.Context, parentAgentID string) context.Context {
	return context.WithValue(ctx, subAgentKey{}, parentAgentID)
}

// SubAgentParent returns the parent agent id when ctx runs inside a sub-agent.
func SubAgentParent(ctx context.Context) (string, bool) {
	parent, ok := ctx.Value(subAgentKey{}).(string)
	return parent, ok
}
