// Package core provides the foundational domain types and contracts of the
// agentcrew execution core:
//
//   - Agents, their immutable configuration and the Execute contract
//   - Tasks, Reports, Metrics and tool-call audit entries
//   - Sub-agent execution records
//   - The closed error taxonomy shared by every subsystem
//   - The RemoteTools contract consumed by the tool loop
//   - Workflow identity carried through context.Context
//
// The package keeps implementation concerns (storage, transports, concrete
// agents) out of scope and exposes small interfaces for them.
package core
