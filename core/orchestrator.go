package core

import "context"

// Assignment pairs an agent with a task for parallel execution.
type Assignment struct {
	AgentID string
	Task    Task
	// Context, when set, replaces the batch context for this assignment. It
	// must derive from the batch context.
	Context context.Context
}

// Outcome is the result of one parallel assignment. Exactly one of Report
// and Err is set.
type Outcome struct {
	AgentID string
	Report  *Report
	Err     error
}

// Orchestrator executes tasks against registered agents.
type Orchestrator interface {
	Execute(ctx context.Context, agentID string, task Task) (*Report, error)
	ExecuteWithRemoteTools(ctx context.Context, agentID string, task Task, remote RemoteTools) (*Report, error)
	// ExecuteParallel runs every assignment concurrently and returns the
	// outcomes in input order.
	ExecuteParallel(ctx context.Context, assignments []Assignment, remote RemoteTools) []Outcome
}

// AgentRegistry is the concurrent id to agent map shared by the orchestrator
// and the sub-agent subsystem.
type AgentRegistry interface {
	Register(id string, agent Agent)
	Get(id string) (Agent, bool)
	List() []string
	Unregister(id string) error
}
