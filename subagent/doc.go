// Package subagent lets the primary agent of a workflow hand work to other
// agents.
//
// Three tools are built on a shared Executor:
//
//   - spawn_subagent creates a temporary agent from the caller's configuration
//     (without sub-agent tools), runs one task on it and unregisters it.
//   - delegate_to_agent runs a task on a pre-registered agent other than the caller.
//   - parallel_tasks runs one to three tasks concurrently through the
//     orchestrator and returns a combined markdown report in input order.
//
// Every operation passes the same checks before anything runs: the caller
// must be the primary agent and must not itself run as a sub-agent, at most
// MaxConcurrent operations may be active per executor, a human may have to
// approve the operation and the sub-agent circuit breaker must be closed.
// Each child execution gets one execution record, created as running and
// completed exactly once, and a start event followed by a complete or error
// event on the workflow stream.
//
// A sub-agent only sees its prompt and only returns its report and metrics.
package subagent
