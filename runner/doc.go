// Package runner manages the lifecycle of workflows.
//
// A workflow is one user-initiated execution: the Runner mints a UUID for it,
// derives a cancellable context that acts as the workflow's cancellation
// token, runs the primary agent through the orchestrator and emits exactly
// one terminal completion event (completed, error or cancelled).
//
// # Responsibilities
//   - Workflow identity carried on the context (core.WithWorkflow)
//   - Cancellation by workflow id
//   - Bounded workflow concurrency
//   - The single completion event per workflow
package runner
