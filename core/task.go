package core

import (
	"encoding/json"
)

// Task is one unit of work submitted to an agent.
type Task struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// ContextMap decodes the opaque task context into a map. Non-object contexts
// are returned under the "value" key.
func (t Task) ContextMap() map[string]any {
	if len(t.Context) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(t.Context, &m); err == nil && m != nil {
		return m
	}
	var v any
	if err := json.Unmarshal(t.Context, &v); err != nil {
		return map[string]any{}
	}
	return map[string]any{"value": v}
}

// ReportStatus is the terminal status of an agent execution.
type ReportStatus string

const (
	StatusSuccess   ReportStatus = "success"
	StatusFailure   ReportStatus = "failure"
	StatusCancelled ReportStatus = "cancelled"
)

// ToolType tells local and remote tool calls apart in audit entries.
type ToolType string

const (
	ToolTypeLocal  ToolType = "local"
	ToolTypeRemote ToolType = "remote"
)

// ToolCallAudit records one tool execution inside the tool loop.
type ToolCallAudit struct {
	Type       ToolType        `json:"type"`
	Name       string          `json:"name"`
	Server     string          `json:"server,omitempty"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Iteration  int             `json:"iteration"`
}

// RemoteCallSummary is the compact view of a remote-tool call kept in metrics.
type RemoteCallSummary struct {
	Server     string `json:"server"`
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

// Metrics aggregates the cost and trace of one execution.
type Metrics struct {
	DurationMs   int64               `json:"duration_ms"`
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
	ToolsUsed    []string            `json:"tools_used"`
	RemoteCalls  []RemoteCallSummary `json:"remote_calls"`
	ToolCalls    []ToolCallAudit     `json:"tool_calls"`
}

// RecordTool appends an audit entry and maintains the derived lists.
func (m *Metrics) RecordTool(a ToolCallAudit) {
	m.ToolCalls = append(m.ToolCalls, a)
	name := a.Name
	if a.Type == ToolTypeRemote {
		name = a.Server + "__" + a.Name
		m.RemoteCalls = append(m.RemoteCalls, RemoteCallSummary{
			Server:     a.Server,
			Tool:       a.Name,
			Success:    a.Success,
			DurationMs: a.DurationMs,
		})
	}
	for _, used := range m.ToolsUsed {
		if used == name {
			return
		}
	}
	m.ToolsUsed = append(m.ToolsUsed, name)
}

// Report is the outcome of an agent execution.
type Report struct {
	TaskID  string       `json:"task_id"`
	Status  ReportStatus `json:"status"`
	Content string       `json:"content"`
	Metrics Metrics      `json:"metrics"`
}
