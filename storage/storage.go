package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// Facade is the untyped storage handle the core consumes: parameterised
// queries returning rows as JSON values, DML execution and keyed creation.
// SQL text must never be built from user input; values go through args.
type Facade interface {
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Create(ctx context.Context, table, id string, payload map[string]any) error
}

// RecordStore persists sub-agent execution records.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec core.ExecutionRecord) error
	// CompleteRecord applies the single terminal update. It fails with
	// KindValidationFailed when the record is already terminal.
	CompleteRecord(ctx context.Context, id string, c core.RecordCompletion) error
	GetRecord(ctx context.Context, id string) (core.ExecutionRecord, error)
	ListRecords(ctx context.Context, workflowID string) ([]core.ExecutionRecord, error)
}

// ValidationStatus is the decision state of a human-in-the-loop request.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "pending"
	ValidationApproved ValidationStatus = "approved"
	ValidationRejected ValidationStatus = "rejected"
)

// ValidationRequest is a pending human-in-the-loop decision keyed by workflow.
type ValidationRequest struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	AgentID     string           `json:"agent_id"`
	Operation   string           `json:"operation"`
	RiskLevel   string           `json:"risk_level"`
	Description string           `json:"description"`
	Details     json.RawMessage  `json:"details,omitempty"`
	Status      ValidationStatus `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty"`
}

// ValidationStore persists validation requests and decisions.
type ValidationStore interface {
	CreateValidation(ctx context.Context, req ValidationRequest) error
	GetValidation(ctx context.Context, id string) (ValidationRequest, error)
	DecideValidation(ctx context.Context, id string, approved bool, reason string) error
	ListPendingValidations(ctx context.Context, workflowID string) ([]ValidationRequest, error)
}

// MemoryEntry is one item of the memory tool. An empty WorkflowID marks a
// general memory visible to every workflow.
type MemoryEntry struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// MemoryFilter narrows memory listings. Workflow-scoped listings include
// general memories.
type MemoryFilter struct {
	WorkflowID string
	Type       string
	Tag        string
	Limit      int
}

// MemoryUpdate carries optional field replacements.
type MemoryUpdate struct {
	Content  *string
	Type     *string
	Tags     []string
	Metadata map[string]any
}

// MemoryStore persists memory tool entries.
type MemoryStore interface {
	AddMemory(ctx context.Context, m MemoryEntry) error
	GetMemory(ctx context.Context, id string) (MemoryEntry, error)
	ListMemories(ctx context.Context, f MemoryFilter) ([]MemoryEntry, error)
	SearchMemories(ctx context.Context, query string, f MemoryFilter) ([]MemoryEntry, error)
	UpdateMemory(ctx context.Context, id string, u MemoryUpdate) (MemoryEntry, error)
	DeleteMemory(ctx context.Context, id string) error
}

// TaskStatus is the state of a task-list item.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskItem is one entry of a workflow task list.
type TaskItem struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    string     `json:"priority,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskStore persists task-list items.
type TaskStore interface {
	CreateTask(ctx context.Context, t TaskItem) error
	GetTask(ctx context.Context, id string) (TaskItem, error)
	UpdateTask(ctx context.Context, t TaskItem) error
	ListTasks(ctx context.Context, workflowID string) ([]TaskItem, error)
}

// QuestionStatus is the state of a user question.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
)

// Question is a pending prompt to the user raised by the ask-user tool.
type Question struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	AgentID    string         `json:"agent_id"`
	Question   string         `json:"question"`
	Options    []string       `json:"options,omitempty"`
	Status     QuestionStatus `json:"status"`
	Answer     string         `json:"answer,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	AnsweredAt *time.Time     `json:"answered_at,omitempty"`
}

// QuestionStore persists user questions.
type QuestionStore interface {
	CreateQuestion(ctx context.Context, q Question) error
	GetQuestion(ctx context.Context, id string) (Question, error)
	AnswerQuestion(ctx context.Context, id, answer string) error
	ListPendingQuestions(ctx context.Context, workflowID string) ([]Question, error)
}

// Store bundles every store the core uses.
type Store interface {
	RecordStore
	ValidationStore
	MemoryStore
	TaskStore
	QuestionStore
}
