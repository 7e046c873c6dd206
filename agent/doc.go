// Package agent contains the model-backed agent of the execution core and
// the builder that assembles agents from configuration.
//
// A ModelAgent executes one task by driving a tool loop:
//
//  1. The system prompt is rendered from the agent config and the task
//  2. The model is asked for the next turn with the exposed tool definitions
//  3. Tool calls are validated, confirmed when required, executed in order
//     and appended to the conversation as tool-result messages
//  4. The loop ends on a turn without tool calls, at the iteration cap or
//     when the workflow context is cancelled
//
// Local tools are dispatched directly. Names of the form "<server>__<tool>"
// are routed to the remote-tool manager handed to Execute. Sub-agent tools
// are ordinary local tools that call back into the orchestrator.
package agent
