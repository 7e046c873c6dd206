// Package engine implements the orchestration layer of the execution core.
//
// # Core Responsibilities
//
// Agent Management:
//   - Thread-safe agent registry with id-based lookup (Registry)
//   - Registration and removal of temporary sub-agents while executions run
//
// Execution Orchestration:
//   - Execute and ExecuteWithRemoteTools run one task on one agent
//   - ExecuteParallel runs assignments concurrently and returns outcomes in
//     input order; one failure never cancels the others
//   - Context-aware cancellation flows into the agent's tool loop
//   - Optional bound on concurrent executions
//
// Cross-cutting hooks:
//   - before_agent, after_agent and on_error callbacks
//   - TaskValidationCallback with ValidateTask enforces the task boundary rules
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│            runner / sub-agent executor                  │
//	├─────────────────────────────────────────────────────────┤
//	│                      Engine                             │
//	│  ┌─────────────┐ ┌──────────────────┐ ┌─────────────┐  │
//	│  │   Execute   │ │ ExecuteParallel  │ │  Callbacks  │  │
//	│  └─────────────┘ └──────────────────┘ └─────────────┘  │
//	├─────────────────────────────────────────────────────────┤
//	│             Registry (RWMutex map of agents)            │
//	└─────────────────────────────────────────────────────────┘
//
// # Errors
//
// A missing agent fails with a not-found *core.Error that wraps
// core.ErrAgentNotFound, so callers can use errors.Is.
package engine
