package stream

import (
	"time"
)

// ChunkType discriminates streaming events.
type ChunkType string

const (
	ChunkToken             ChunkType = "token"
	ChunkToolStart         ChunkType = "tool_start"
	ChunkToolEnd           ChunkType = "tool_end"
	ChunkReasoning         ChunkType = "reasoning"
	ChunkSubAgentStart     ChunkType = "sub_agent_start"
	ChunkSubAgentComplete  ChunkType = "sub_agent_complete"
	ChunkSubAgentError     ChunkType = "sub_agent_error"
	ChunkError             ChunkType = "error"
	ChunkValidationRequest ChunkType = "validation_request"
)

// SubAgentMetrics is the compact metrics block of a sub_agent_complete chunk.
type SubAgentMetrics struct {
	DurationMs   int64 `json:"duration_ms"`
	TokensInput  int   `json:"tokens_input"`
	TokensOutput int   `json:"tokens_output"`
}

// Chunk is one event on a workflow stream. Which fields are set depends on
// ChunkType; consumers switch on it.
type Chunk struct {
	ChunkType  ChunkType `json:"chunk_type"`
	WorkflowID string    `json:"workflow_id"`
	Content    string    `json:"content,omitempty"`

	Tool     string `json:"tool,omitempty"`
	Duration *int64 `json:"duration,omitempty"`

	SubAgentID    string           `json:"sub_agent_id,omitempty"`
	SubAgentName  string           `json:"sub_agent_name,omitempty"`
	ParentAgentID string           `json:"parent_agent_id,omitempty"`
	Task          string           `json:"task,omitempty"`
	Report        string           `json:"report,omitempty"`
	Metrics       *SubAgentMetrics `json:"metrics,omitempty"`
	Error         string           `json:"error,omitempty"`
	DurationMs    *int64           `json:"duration_ms,omitempty"`

	ValidationID string `json:"validation_id,omitempty"`
	Operation    string `json:"operation,omitempty"`
	RiskLevel    string `json:"risk_level,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// SubAgentInfo identifies the sub-agent operation a chunk belongs to.
type SubAgentInfo struct {
	ID            string
	Name          string
	ParentAgentID string
	Task          string
}

func newChunk(t ChunkType, workflowID string) Chunk {
	return Chunk{ChunkType: t, WorkflowID: workflowID, Timestamp: time.Now().UTC()}
}

// Token builds a token chunk.
func Token(workflowID, content string) Chunk {
	c := newChunk(ChunkToken, workflowID)
	c.Content = content
	return c
}

// Reasoning builds a reasoning chunk.
func Reasoning(workflowID, content string) Chunk {
	c := newChunk(ChunkReasoning, workflowID)
	c.Content = content
	return c
}

// ToolStart builds a tool_start chunk.
func ToolStart(workflowID, tool string) Chunk {
	c := newChunk(ChunkToolStart, workflowID)
	c.Tool = tool
	return c
}

// ToolEnd builds a tool_end chunk; duration is reported in milliseconds.
func ToolEnd(workflowID, tool string, d time.Duration) Chunk {
	c := newChunk(ChunkToolEnd, workflowID)
	c.Tool = tool
	ms := d.Milliseconds()
	c.Duration = &ms
	return c
}

// ErrorChunk builds an error chunk.
func ErrorChunk(workflowID, content string) Chunk {
	c := newChunk(ChunkError, workflowID)
	c.Content = content
	return c
}

func subAgentChunk(t ChunkType, workflowID string, info SubAgentInfo) Chunk {
	c := newChunk(t, workflowID)
	c.SubAgentID = info.ID
	c.SubAgentName = info.Name
	c.ParentAgentID = info.ParentAgentID
	c.Task = info.Task
	return c
}

// SubAgentStart builds a sub_agent_start chunk.
func SubAgentStart(workflowID string, info SubAgentInfo) Chunk {
	return subAgentChunk(ChunkSubAgentStart, workflowID, info)
}

// SubAgentComplete builds a sub_agent_complete chunk.
func SubAgentComplete(workflowID string, info SubAgentInfo, report string, m SubAgentMetrics) Chunk {
	c := subAgentChunk(ChunkSubAgentComplete, workflowID, info)
	c.Report = report
	c.Metrics = &m
	return c
}

// SubAgentError builds a sub_agent_error chunk.
func SubAgentError(workflowID string, info SubAgentInfo, errMsg string, durationMs int64) Chunk {
	c := subAgentChunk(ChunkSubAgentError, workflowID, info)
	c.Error = errMsg
	c.DurationMs = &durationMs
	return c
}

// ValidationRequest builds a validation_request chunk announcing a pending
// human-in-the-loop decision.
func ValidationRequest(workflowID, validationID, operation, riskLevel, description string) Chunk {
	c := newChunk(ChunkValidationRequest, workflowID)
	c.ValidationID = validationID
	c.Operation = operation
	c.RiskLevel = riskLevel
	c.Content = description
	return c
}

// CompletionStatus is the terminal status of a workflow.
type CompletionStatus string

const (
	CompletionCompleted CompletionStatus = "completed"
	CompletionError     CompletionStatus = "error"
	CompletionCancelled CompletionStatus = "cancelled"
)

// Completion is the single terminal event emitted per workflow.
type Completion struct {
	WorkflowID string           `json:"workflow_id"`
	Status     CompletionStatus `json:"status"`
	Message    string           `json:"message,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
