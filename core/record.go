package core

import "time"

// RecordStatus is the lifecycle state of a sub-agent execution record.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordRunning   RecordStatus = "running"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
	RecordCancelled RecordStatus = "cancelled"
)

// Terminal reports whether no further update is expected.
func (s RecordStatus) Terminal() bool {
	return s == RecordCompleted || s == RecordFailed || s == RecordCancelled
}

// ExecutionRecord is the audit row of one sub-agent invocation. It is created
// with status running and updated exactly once.
type ExecutionRecord struct {
	ID              string       `json:"id"`
	WorkflowID      string       `json:"workflow_id"`
	ParentAgentID   string       `json:"parent_agent_id"`
	ChildAgentID    string       `json:"child_agent_id"`
	ChildAgentName  string       `json:"child_agent_name"`
	TaskDescription string       `json:"task_description"`
	Status          RecordStatus `json:"status"`
	DurationMs      *int64       `json:"duration_ms,omitempty"`
	InputTokens     *int         `json:"input_tokens,omitempty"`
	OutputTokens    *int         `json:"output_tokens,omitempty"`
	ResultSummary   *string      `json:"result_summary,omitempty"`
	ErrorMessage    *string      `json:"error_message,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// RecordCompletion carries the single update applied to an execution record.
type RecordCompletion struct {
	Status        RecordStatus
	DurationMs    int64
	InputTokens   int
	OutputTokens  int
	ResultSummary string
	ErrorMessage  string
	CompletedAt   time.Time
}

// Apply writes the completion onto the record.
func (r *ExecutionRecord) Apply(c RecordCompletion) {
	r.Status = c.Status
	d := c.DurationMs
	r.DurationMs = &d
	in, out := c.InputTokens, c.OutputTokens
	r.InputTokens = &in
	r.OutputTokens = &out
	if c.ResultSummary != "" {
		s := c.ResultSummary
		r.ResultSummary = &s
	}
	if c.ErrorMessage != "" {
		e := c.ErrorMessage
		r.ErrorMessage = &e
	}
	at := c.CompletedAt
	r.CompletedAt = &at
}
