package builtin

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/storage"
	"github.com/hupe1980/agentcrew/tool"
)

const defaultMemoryLimit = 20

type memoryInput struct {
	Operation string   `json:"operation" jsonschema:"enum=add,enum=list,enum=search,enum=update,enum=delete,description=Memory operation to perform"`
	Content   string   `json:"content,omitempty" jsonschema:"description=Memory text for add and update"`
	Type      string   `json:"memory_type,omitempty" jsonschema:"description=Category such as fact or preference or decision"`
	Tags      []string `json:"tags,omitempty" jsonschema:"description=Tags used for filtering and search"`
	Scope     string   `json:"scope,omitempty" jsonschema:"enum=workflow,enum=general,description=workflow keeps the memory private to this workflow; general shares it"`
	MemoryID  string   `json:"memory_id,omitempty" jsonschema:"description=Target memory for update and delete"`
	Query     string   `json:"query,omitempty" jsonschema:"description=Search text"`
	Limit     int      `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,description=Maximum number of results"`
}

type memoryOutput struct {
	MemoryID string                `json:"memory_id,omitempty"`
	Status   string                `json:"status"`
	Memories []storage.MemoryEntry `json:"memories,omitempty"`
	Count    int                   `json:"count"`
}

// MemoryTool stores and recalls memories, workflow-scoped or general.
type MemoryTool struct {
	tool.Base
	deps tool.Deps
	now  func() time.Time
}

// NewMemoryTool creates the memory tool.
func NewMemoryTool(deps tool.Deps) (*MemoryTool, error) {
	if err := requireStore(MemoryToolName, deps); err != nil {
		return nil, err
	}
	return &MemoryTool{
		Base: tool.Base{Def: tool.Definition{
			ID:   MemoryToolName,
			Name: "Memory",
			Description: "Store and recall long-lived notes. Use add to remember facts or decisions, " +
				"list or search to recall them, update to correct one and delete to forget one. " +
				"Workflow scope keeps a memory private to the current workflow; general scope shares it.",
			InputSchema:  util.SchemaFor(memoryInput{}),
			OutputSchema: util.SchemaFor(memoryOutput{}),
		}},
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// NeedsConfirmation gates the destructive delete operation.
func (t *MemoryTool) NeedsConfirmation(input map[string]any) bool {
	return stringArg(input, "operation") == "delete"
}

// ValidateInput implements tool.Tool.
func (t *MemoryTool) ValidateInput(input map[string]any) error {
	if err := t.Base.ValidateInput(input); err != nil {
		return err
	}
	in, err := decode[memoryInput](MemoryToolName, input)
	if err != nil {
		return err
	}
	switch in.Operation {
	case "add":
		if err := util.ValidateMessage("content", in.Content); err != nil {
			return tool.InvalidInput(MemoryToolName, "%v", err)
		}
	case "update":
		if in.MemoryID == "" {
			return tool.InvalidInput(MemoryToolName, "memory_id is required for update")
		}
		if in.Content == "" && in.Type == "" && in.Tags == nil {
			return tool.InvalidInput(MemoryToolName, "update needs content, memory_type or tags")
		}
	case "delete":
		if in.MemoryID == "" {
			return tool.InvalidInput(MemoryToolName, "memory_id is required for delete")
		}
	case "search":
		if strings.TrimSpace(in.Query) == "" {
			return tool.InvalidInput(MemoryToolName, "query is required for search")
		}
	}
	return nil
}

// Execute implements tool.Tool.
func (t *MemoryTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[memoryInput](MemoryToolName, input)
	if err != nil {
		return nil, err
	}
	store := t.deps.Store
	wf := workflowID(ctx, t.deps)

	filter := storage.MemoryFilter{WorkflowID: wf, Type: in.Type, Limit: in.Limit}
	if filter.Limit <= 0 {
		filter.Limit = defaultMemoryLimit
	}

	switch in.Operation {
	case "add":
		entry := storage.MemoryEntry{
			ID:       uuid.NewString(),
			Type:     in.Type,
			Content:  in.Content,
			Tags:     in.Tags,
			Metadata: map[string]any{"agent_id": t.deps.AgentID},
		}
		if entry.Type == "" {
			entry.Type = "note"
		}
		if in.Scope != "general" {
			entry.WorkflowID = wf
		}
		now := t.now()
		entry.CreatedAt, entry.UpdatedAt = now, now
		if err := store.AddMemory(ctx, entry); err != nil {
			return nil, storageErr(MemoryToolName, err)
		}
		return memoryOutput{MemoryID: entry.ID, Status: "stored", Count: 1}, nil

	case "list":
		if len(in.Tags) > 0 {
			filter.Tag = in.Tags[0]
		}
		entries, err := store.ListMemories(ctx, filter)
		if err != nil {
			return nil, storageErr(MemoryToolName, err)
		}
		return memoryOutput{Status: "ok", Memories: entries, Count: len(entries)}, nil

	case "search":
		entries, err := store.SearchMemories(ctx, in.Query, filter)
		if err != nil {
			return nil, storageErr(MemoryToolName, err)
		}
		return memoryOutput{Status: "ok", Memories: entries, Count: len(entries)}, nil

	case "update":
		upd := storage.MemoryUpdate{Tags: in.Tags}
		if in.Content != "" {
			upd.Content = &in.Content
		}
		if in.Type != "" {
			upd.Type = &in.Type
		}
		entry, err := store.UpdateMemory(ctx, in.MemoryID, upd)
		if err != nil {
			return nil, storageErr(MemoryToolName, err)
		}
		return memoryOutput{MemoryID: entry.ID, Status: "updated", Memories: []storage.MemoryEntry{entry}, Count: 1}, nil

	case "delete":
		if err := store.DeleteMemory(ctx, in.MemoryID); err != nil {
			return nil, storageErr(MemoryToolName, err)
		}
		return memoryOutput{MemoryID: in.MemoryID, Status: "deleted"}, nil
	}

	return nil, tool.InvalidInput(MemoryToolName, "unknown operation %q", in.Operation)
}

// storageErr keeps not-found and validation kinds and maps the rest to
// storage errors.
func storageErr(name string, err error) error {
	switch core.KindOf(err) {
	case core.KindNotFound, core.KindValidationFailed, core.KindInvalidInput, core.KindCancelled:
		return tool.AsToolError(name, err)
	}
	return tool.NewToolError(name, err.Error()+"; retry later", core.KindStorage)
}
