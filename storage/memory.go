package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// MemoryBackend is a process-local Store. Search is a case-insensitive
// substring scan, suitable for tests and single-process runs.
//
// Concurrency: protected by RWMutex.
type MemoryBackend struct {
	mu          sync.RWMutex
	records     map[string]core.ExecutionRecord
	validations map[string]ValidationRequest
	memories    map[string]MemoryEntry
	tasks       map[string]TaskItem
	questions   map[string]Question
	now         func() time.Time
}

var _ Store = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:     make(map[string]core.ExecutionRecord),
		validations: make(map[string]ValidationRequest),
		memories:    make(map[string]MemoryEntry),
		tasks:       make(map[string]TaskItem),
		questions:   make(map[string]Question),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func notFound(what, id string) error {
	return core.Errorf(core.KindNotFound, "%s %q not found", what, id)
}

func duplicate(what, id string) error {
	return core.Errorf(core.KindValidationFailed, "%s %q already exists", what, id)
}

// CreateRecord implements RecordStore.
func (m *MemoryBackend) CreateRecord(_ context.Context, rec core.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.ID]; exists {
		return duplicate("execution record", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	m.records[rec.ID] = rec
	return nil
}

// CompleteRecord implements RecordStore.
func (m *MemoryBackend) CompleteRecord(_ context.Context, id string, c core.RecordCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return notFound("execution record", id)
	}
	if rec.Status.Terminal() {
		return core.Errorf(core.KindValidationFailed, "execution record %q already %s", id, rec.Status)
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = m.now()
	}
	rec.Apply(c)
	m.records[id] = rec
	return nil
}

// GetRecord implements RecordStore.
func (m *MemoryBackend) GetRecord(_ context.Context, id string) (core.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return core.ExecutionRecord{}, notFound("execution record", id)
	}
	return rec, nil
}

// ListRecords implements RecordStore. Records are ordered by creation time.
func (m *MemoryBackend) ListRecords(_ context.Context, workflowID string) ([]core.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.ExecutionRecord, 0)
	for _, rec := range m.records {
		if workflowID == "" || rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateValidation implements ValidationStore.
func (m *MemoryBackend) CreateValidation(_ context.Context, req ValidationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.validations[req.ID]; exists {
		return duplicate("validation request", req.ID)
	}
	if req.Status == "" {
		req.Status = ValidationPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}
	m.validations[req.ID] = req
	return nil
}

// GetValidation implements ValidationStore.
func (m *MemoryBackend) GetValidation(_ context.Context, id string) (ValidationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.validations[id]
	if !ok {
		return ValidationRequest{}, notFound("validation request", id)
	}
	return req, nil
}

// DecideValidation implements ValidationStore.
func (m *MemoryBackend) DecideValidation(_ context.Context, id string, approved bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.validations[id]
	if !ok {
		return notFound("validation request", id)
	}
	if req.Status != ValidationPending {
		return core.Errorf(core.KindValidationFailed, "validation request %q already %s", id, req.Status)
	}
	req.Status = ValidationRejected
	if approved {
		req.Status = ValidationApproved
	}
	req.Reason = reason
	at := m.now()
	req.DecidedAt = &at
	m.validations[id] = req
	return nil
}

// ListPendingValidations implements ValidationStore.
func (m *MemoryBackend) ListPendingValidations(_ context.Context, workflowID string) ([]ValidationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ValidationRequest, 0)
	for _, req := range m.validations {
		if req.Status == ValidationPending && (workflowID == "" || req.WorkflowID == workflowID) {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AddMemory implements MemoryStore.
func (m *MemoryBackend) AddMemory(_ context.Context, e MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.memories[e.ID]; exists {
		return duplicate("memory", e.ID)
	}
	now := m.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	m.memories[e.ID] = copyMemory(e)
	return nil
}

// GetMemory implements MemoryStore.
func (m *MemoryBackend) GetMemory(_ context.Context, id string) (MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.memories[id]
	if !ok {
		return MemoryEntry{}, notFound("memory", id)
	}
	return copyMemory(e), nil
}

// ListMemories implements MemoryStore. Newest entries come first.
func (m *MemoryBackend) ListMemories(ctx context.Context, f MemoryFilter) ([]MemoryEntry, error) {
	return m.SearchMemories(ctx, "", f)
}

// SearchMemories implements MemoryStore.
func (m *MemoryBackend) SearchMemories(_ context.Context, query string, f MemoryFilter) ([]MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]MemoryEntry, 0)
	for _, e := range m.memories {
		if !matchesMemory(e, f) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(e.Content), q) && !containsTag(e.Tags, q) {
			continue
		}
		out = append(out, copyMemory(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// UpdateMemory implements MemoryStore.
func (m *MemoryBackend) UpdateMemory(_ context.Context, id string, u MemoryUpdate) (MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.memories[id]
	if !ok {
		return MemoryEntry{}, notFound("memory", id)
	}
	if u.Content != nil {
		e.Content = *u.Content
	}
	if u.Type != nil {
		e.Type = *u.Type
	}
	if u.Tags != nil {
		e.Tags = append([]string(nil), u.Tags...)
	}
	if u.Metadata != nil {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			e.Metadata[k] = v
		}
	}
	e.UpdatedAt = m.now()
	m.memories[id] = e
	return copyMemory(e), nil
}

// DeleteMemory implements MemoryStore.
func (m *MemoryBackend) DeleteMemory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[id]; !ok {
		return notFound("memory", id)
	}
	delete(m.memories, id)
	return nil
}

// CreateTask implements TaskStore.
func (m *MemoryBackend) CreateTask(_ context.Context, t TaskItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return duplicate("task", t.ID)
	}
	now := m.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.DependsOn = append([]string(nil), t.DependsOn...)
	m.tasks[t.ID] = t
	return nil
}

// GetTask implements TaskStore.
func (m *MemoryBackend) GetTask(_ context.Context, id string) (TaskItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return TaskItem{}, notFound("task", id)
	}
	t.DependsOn = append([]string(nil), t.DependsOn...)
	return t, nil
}

// UpdateTask implements TaskStore.
func (m *MemoryBackend) UpdateTask(_ context.Context, t TaskItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.tasks[t.ID]
	if !ok {
		return notFound("task", t.ID)
	}
	t.CreatedAt = prev.CreatedAt
	t.UpdatedAt = m.now()
	t.DependsOn = append([]string(nil), t.DependsOn...)
	m.tasks[t.ID] = t
	return nil
}

// ListTasks implements TaskStore. Tasks are ordered by creation time.
func (m *MemoryBackend) ListTasks(_ context.Context, workflowID string) ([]TaskItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskItem, 0)
	for _, t := range m.tasks {
		if workflowID == "" || t.WorkflowID == workflowID {
			t.DependsOn = append([]string(nil), t.DependsOn...)
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateQuestion implements QuestionStore.
func (m *MemoryBackend) CreateQuestion(_ context.Context, q Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.questions[q.ID]; exists {
		return duplicate("question", q.ID)
	}
	if q.Status == "" {
		q.Status = QuestionPending
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = m.now()
	}
	m.questions[q.ID] = q
	return nil
}

// GetQuestion implements QuestionStore.
func (m *MemoryBackend) GetQuestion(_ context.Context, id string) (Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.questions[id]
	if !ok {
		return Question{}, notFound("question", id)
	}
	return q, nil
}

// AnswerQuestion implements QuestionStore.
func (m *MemoryBackend) AnswerQuestion(_ context.Context, id, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return notFound("question", id)
	}
	if q.Status == QuestionAnswered {
		return core.Errorf(core.KindValidationFailed, "question %q already answered", id)
	}
	q.Status = QuestionAnswered
	q.Answer = answer
	at := m.now()
	q.AnsweredAt = &at
	m.questions[id] = q
	return nil
}

// ListPendingQuestions implements QuestionStore. Oldest questions come first.
func (m *MemoryBackend) ListPendingQuestions(_ context.Context, workflowID string) ([]Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Question, 0)
	for _, q := range m.questions {
		if q.Status != QuestionPending {
			continue
		}
		if workflowID != "" && q.WorkflowID != workflowID {
			continue
		}
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchesMemory(e MemoryEntry, f MemoryFilter) bool {
	if f.WorkflowID != "" && e.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Tag != "" && !containsTag(e.Tags, strings.ToLower(f.Tag)) {
		return false
	}
	return true
}

func containsTag(tags []string, lowered string) bool {
	for _, t := range tags {
		if strings.ToLower(t) == lowered {
			return true
		}
	}
	return false
}

func copyMemory(e MemoryEntry) MemoryEntry {
	e.Tags = append([]string(nil), e.Tags...)
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}
