package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/storage"
)

// Store implements storage.Store on postgres.
type Store struct {
	db DBTX
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps db. The schema is created by Migrate.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

func storageErr(err error, msg string) error {
	return core.Wrap(core.KindStorage, err, msg)
}

func lookupErr(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Errorf(core.KindNotFound, "%s %q not found", what, id)
	}
	return storageErr(err, "load "+what+" failed")
}

func jsonb(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return data
}

const recordColumns = `id, workflow_id, parent_agent_id, child_agent_id, child_agent_name, task_description,
	status, duration_ms, input_tokens, output_tokens, result_summary, error_message, created_at, completed_at`

func scanRecord(row pgx.Row) (core.ExecutionRecord, error) {
	var (
		r      core.ExecutionRecord
		status string
	)
	err := row.Scan(&r.ID, &r.WorkflowID, &r.ParentAgentID, &r.ChildAgentID, &r.ChildAgentName, &r.TaskDescription,
		&status, &r.DurationMs, &r.InputTokens, &r.OutputTokens, &r.ResultSummary, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt)
	r.Status = core.RecordStatus(status)
	return r, err
}

// CreateRecord implements storage.RecordStore.
func (s *Store) CreateRecord(ctx context.Context, rec core.ExecutionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `INSERT INTO subagent_executions
		(id, workflow_id, parent_agent_id, child_agent_id, child_agent_name, task_description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.WorkflowID, rec.ParentAgentID, rec.ChildAgentID, rec.ChildAgentName, rec.TaskDescription,
		string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return storageErr(err, "create execution record failed")
	}
	return nil
}

// CompleteRecord implements storage.RecordStore. The status guard in the
// WHERE clause keeps the update single-shot under concurrency.
func (s *Store) CompleteRecord(ctx context.Context, id string, c core.RecordCompletion) error {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `UPDATE subagent_executions SET
		status = $2, duration_ms = $3, input_tokens = $4, output_tokens = $5,
		result_summary = NULLIF($6, ''), error_message = NULLIF($7, ''), completed_at = $8
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, string(c.Status), c.DurationMs, c.InputTokens, c.OutputTokens, c.ResultSummary, c.ErrorMessage, c.CompletedAt,
	)
	if err != nil {
		return storageErr(err, "complete execution record failed")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	if err := s.db.QueryRow(ctx, `SELECT status FROM subagent_executions WHERE id = $1`, id).Scan(&status); err != nil {
		return lookupErr(err, "execution record", id)
	}
	return core.Errorf(core.KindValidationFailed, "execution record %q already %s", id, status)
}

// GetRecord implements storage.RecordStore.
func (s *Store) GetRecord(ctx context.Context, id string) (core.ExecutionRecord, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM subagent_executions WHERE id = $1`, id))
	if err != nil {
		return core.ExecutionRecord{}, lookupErr(err, "execution record", id)
	}
	return r, nil
}

// ListRecords implements storage.RecordStore.
func (s *Store) ListRecords(ctx context.Context, workflowID string) ([]core.ExecutionRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM subagent_executions
		WHERE ($1 = '' OR workflow_id = $1) ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, storageErr(err, "list execution records failed")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.ExecutionRecord, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, storageErr(err, "scan execution records failed")
	}
	return out, nil
}

const validationColumns = `id, workflow_id, agent_id, operation, risk_level, description, details, status, reason, created_at, decided_at`

func scanValidation(row pgx.Row) (storage.ValidationRequest, error) {
	var (
		v       storage.ValidationRequest
		status  string
		details []byte
	)
	err := row.Scan(&v.ID, &v.WorkflowID, &v.AgentID, &v.Operation, &v.RiskLevel, &v.Description,
		&details, &status, &v.Reason, &v.CreatedAt, &v.DecidedAt)
	v.Status = storage.ValidationStatus(status)
	if len(details) > 0 {
		v.Details = json.RawMessage(details)
	}
	return v, err
}

// CreateValidation implements storage.ValidationStore.
func (s *Store) CreateValidation(ctx context.Context, req storage.ValidationRequest) error {
	if req.Status == "" {
		req.Status = storage.ValidationPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	var details []byte
	if len(req.Details) > 0 {
		details = req.Details
	}
	_, err := s.db.Exec(ctx, `INSERT INTO validation_requests
		(id, workflow_id, agent_id, operation, risk_level, description, details, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.WorkflowID, req.AgentID, req.Operation, req.RiskLevel, req.Description, details,
		string(req.Status), req.CreatedAt,
	)
	if err != nil {
		return storageErr(err, "create validation request failed")
	}
	return nil
}

// GetValidation implements storage.ValidationStore.
func (s *Store) GetValidation(ctx context.Context, id string) (storage.ValidationRequest, error) {
	v, err := scanValidation(s.db.QueryRow(ctx, `SELECT `+validationColumns+` FROM validation_requests WHERE id = $1`, id))
	if err != nil {
		return storage.ValidationRequest{}, lookupErr(err, "validation request", id)
	}
	return v, nil
}

// DecideValidation implements storage.ValidationStore.
func (s *Store) DecideValidation(ctx context.Context, id string, approved bool, reason string) error {
	status := storage.ValidationRejected
	if approved {
		status = storage.ValidationApproved
	}
	tag, err := s.db.Exec(ctx, `UPDATE validation_requests SET status = $2, reason = $3, decided_at = now()
		WHERE id = $1 AND status = 'pending'`, id, string(status), reason)
	if err != nil {
		return storageErr(err, "decide validation request failed")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current string
	if err := s.db.QueryRow(ctx, `SELECT status FROM validation_requests WHERE id = $1`, id).Scan(&current); err != nil {
		return lookupErr(err, "validation request", id)
	}
	return core.Errorf(core.KindValidationFailed, "validation request %q already %s", id, current)
}

// ListPendingValidations implements storage.ValidationStore.
func (s *Store) ListPendingValidations(ctx context.Context, workflowID string) ([]storage.ValidationRequest, error) {
	rows, err := s.db.Query(ctx, `SELECT `+validationColumns+` FROM validation_requests
		WHERE status = 'pending' AND ($1 = '' OR workflow_id = $1) ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, storageErr(err, "list validation requests failed")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ValidationRequest, error) {
		return scanValidation(row)
	})
	if err != nil {
		return nil, storageErr(err, "scan validation requests failed")
	}
	return out, nil
}

const memoryColumns = `id, workflow_id, type, content, tags, metadata, created_at, updated_at`

func scanMemory(row pgx.Row) (storage.MemoryEntry, error) {
	var (
		m              storage.MemoryEntry
		tags, metadata []byte
	)
	if err := row.Scan(&m.ID, &m.WorkflowID, &m.Type, &m.Content, &tags, &metadata, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, err
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &m.Tags)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &m.Metadata)
	}
	return m, nil
}

// AddMemory implements storage.MemoryStore.
func (s *Store) AddMemory(ctx context.Context, m storage.MemoryEntry) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	tags := jsonb(m.Tags)
	if tags == nil {
		tags = []byte("[]")
	}
	metadata := jsonb(m.Metadata)
	if metadata == nil {
		metadata = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `INSERT INTO memories (id, workflow_id, type, content, tags, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.WorkflowID, m.Type, m.Content, tags, metadata, m.CreatedAt, now,
	)
	if err != nil {
		return storageErr(err, "add memory failed")
	}
	return nil
}

// GetMemory implements storage.MemoryStore.
func (s *Store) GetMemory(ctx context.Context, id string) (storage.MemoryEntry, error) {
	m, err := scanMemory(s.db.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id))
	if err != nil {
		return storage.MemoryEntry{}, lookupErr(err, "memory", id)
	}
	return m, nil
}

// ListMemories implements storage.MemoryStore.
func (s *Store) ListMemories(ctx context.Context, f storage.MemoryFilter) ([]storage.MemoryEntry, error) {
	return s.SearchMemories(ctx, "", f)
}

// SearchMemories implements storage.MemoryStore. Matching is a
// case-insensitive substring over content plus exact tag match.
func (s *Store) SearchMemories(ctx context.Context, query string, f storage.MemoryFilter) ([]storage.MemoryEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+memoryColumns+` FROM memories
		WHERE ($1 = '' OR workflow_id = '' OR workflow_id = $1)
		  AND ($2 = '' OR type = $2)
		  AND ($3 = '' OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) t WHERE lower(t) = lower($3)))
		  AND ($4 = '' OR content ILIKE '%' || $4 || '%'
		       OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) t WHERE lower(t) = lower($4)))
		ORDER BY created_at DESC
		LIMIT NULLIF($5, 0)`,
		f.WorkflowID, f.Type, f.Tag, query, f.Limit,
	)
	if err != nil {
		return nil, storageErr(err, "search memories failed")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.MemoryEntry, error) {
		return scanMemory(row)
	})
	if err != nil {
		return nil, storageErr(err, "scan memories failed")
	}
	return out, nil
}

// UpdateMemory implements storage.MemoryStore. Metadata is merged.
func (s *Store) UpdateMemory(ctx context.Context, id string, u storage.MemoryUpdate) (storage.MemoryEntry, error) {
	m, err := scanMemory(s.db.QueryRow(ctx, `UPDATE memories SET
		content = COALESCE($2, content),
		type = COALESCE($3, type),
		tags = COALESCE($4::jsonb, tags),
		metadata = metadata || COALESCE($5::jsonb, '{}'::jsonb),
		updated_at = now()
		WHERE id = $1
		RETURNING `+memoryColumns,
		id, u.Content, u.Type, jsonb(u.Tags), jsonb(u.Metadata),
	))
	if err != nil {
		return storage.MemoryEntry{}, lookupErr(err, "memory", id)
	}
	return m, nil
}

// DeleteMemory implements storage.MemoryStore.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return storageErr(err, "delete memory failed")
	}
	if tag.RowsAffected() == 0 {
		return core.Errorf(core.KindNotFound, "memory %q not found", id)
	}
	return nil
}

const taskColumns = `id, workflow_id, title, description, status, priority, depends_on, created_at, updated_at`

func scanTask(row pgx.Row) (storage.TaskItem, error) {
	var (
		t         storage.TaskItem
		status    string
		dependsOn []byte
	)
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.Title, &t.Description, &status, &t.Priority, &dependsOn, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	t.Status = storage.TaskStatus(status)
	if len(dependsOn) > 0 {
		_ = json.Unmarshal(dependsOn, &t.DependsOn)
	}
	return t, nil
}

func dependsOnJSON(ids []string) []byte {
	if len(ids) == 0 {
		return []byte("[]")
	}
	return jsonb(ids)
}

// CreateTask implements storage.TaskStore.
func (s *Store) CreateTask(ctx context.Context, t storage.TaskItem) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err := s.db.Exec(ctx, `INSERT INTO tasks (id, workflow_id, title, description, status, priority, depends_on, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.WorkflowID, t.Title, t.Description, string(t.Status), t.Priority, dependsOnJSON(t.DependsOn), t.CreatedAt, now,
	)
	if err != nil {
		return storageErr(err, "create task failed")
	}
	return nil
}

// GetTask implements storage.TaskStore.
func (s *Store) GetTask(ctx context.Context, id string) (storage.TaskItem, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return storage.TaskItem{}, lookupErr(err, "task", id)
	}
	return t, nil
}

// UpdateTask implements storage.TaskStore.
func (s *Store) UpdateTask(ctx context.Context, t storage.TaskItem) error {
	tag, err := s.db.Exec(ctx, `UPDATE tasks SET title = $2, description = $3, status = $4, priority = $5,
		depends_on = $6, updated_at = now() WHERE id = $1`,
		t.ID, t.Title, t.Description, string(t.Status), t.Priority, dependsOnJSON(t.DependsOn),
	)
	if err != nil {
		return storageErr(err, "update task failed")
	}
	if tag.RowsAffected() == 0 {
		return core.Errorf(core.KindNotFound, "task %q not found", t.ID)
	}
	return nil
}

// ListTasks implements storage.TaskStore.
func (s *Store) ListTasks(ctx context.Context, workflowID string) ([]storage.TaskItem, error) {
	rows, err := s.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE ($1 = '' OR workflow_id = $1) ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, storageErr(err, "list tasks failed")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.TaskItem, error) {
		return scanTask(row)
	})
	if err != nil {
		return nil, storageErr(err, "scan tasks failed")
	}
	return out, nil
}

// CreateQuestion implements storage.QuestionStore.
func (s *Store) CreateQuestion(ctx context.Context, q storage.Question) error {
	if q.Status == "" {
		q.Status = storage.QuestionPending
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	options := jsonb(q.Options)
	if options == nil {
		options = []byte("[]")
	}
	_, err := s.db.Exec(ctx, `INSERT INTO user_questions (id, workflow_id, agent_id, question, options, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		q.ID, q.WorkflowID, q.AgentID, q.Question, options, string(q.Status), q.CreatedAt,
	)
	if err != nil {
		return storageErr(err, "create question failed")
	}
	return nil
}

const questionColumns = `id, workflow_id, agent_id, question, options, status, answer, created_at, answered_at`

func scanQuestion(row pgx.Row) (storage.Question, error) {
	var (
		q       storage.Question
		status  string
		options []byte
	)
	if err := row.Scan(&q.ID, &q.WorkflowID, &q.AgentID, &q.Question, &options, &status, &q.Answer, &q.CreatedAt, &q.AnsweredAt); err != nil {
		return q, err
	}
	q.Status = storage.QuestionStatus(status)
	if len(options) > 0 {
		_ = json.Unmarshal(options, &q.Options)
	}
	return q, nil
}

// GetQuestion implements storage.QuestionStore.
func (s *Store) GetQuestion(ctx context.Context, id string) (storage.Question, error) {
	q, err := scanQuestion(s.db.QueryRow(ctx, `SELECT `+questionColumns+` FROM user_questions WHERE id = $1`, id))
	if err != nil {
		return storage.Question{}, lookupErr(err, "question", id)
	}
	return q, nil
}

// ListPendingQuestions implements storage.QuestionStore.
func (s *Store) ListPendingQuestions(ctx context.Context, workflowID string) ([]storage.Question, error) {
	rows, err := s.db.Query(ctx, `SELECT `+questionColumns+` FROM user_questions
		WHERE status = 'pending' AND ($1 = '' OR workflow_id = $1) ORDER BY created_at`, workflowID)
	if err != nil {
		return nil, storageErr(err, "list questions failed")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Question, error) {
		return scanQuestion(row)
	})
	if err != nil {
		return nil, storageErr(err, "scan questions failed")
	}
	return out, nil
}

// AnswerQuestion implements storage.QuestionStore.
func (s *Store) AnswerQuestion(ctx context.Context, id, answer string) error {
	tag, err := s.db.Exec(ctx, `UPDATE user_questions SET status = 'answered', answer = $2, answered_at = now()
		WHERE id = $1 AND status = 'pending'`, id, answer)
	if err != nil {
		return storageErr(err, "answer question failed")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	if err := s.db.QueryRow(ctx, `SELECT status FROM user_questions WHERE id = $1`, id).Scan(&status); err != nil {
		return lookupErr(err, "question", id)
	}
	return core.Errorf(core.KindValidationFailed, "question %q already answered", id)
}
