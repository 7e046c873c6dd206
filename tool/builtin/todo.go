package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/storage"
	"github.com/hupe1980/agentcrew/tool"
)

type todoInput struct {
	Operation   string   `json:"operation" jsonschema:"enum=create,enum=update,enum=set_status,enum=list,enum=get,description=Task list operation"`
	TaskID      string   `json:"task_id,omitempty" jsonschema:"description=Target task for update and set_status and get"`
	Title       string   `json:"title,omitempty" jsonschema:"maxLength=200,description=Short task title"`
	Description string   `json:"description,omitempty" jsonschema:"description=Details of the task"`
	Status      string   `json:"status,omitempty" jsonschema:"enum=pending,enum=in_progress,enum=completed,enum=blocked,enum=cancelled"`
	Priority    string   `json:"priority,omitempty" jsonschema:"enum=low,enum=medium,enum=high"`
	DependsOn   []string `json:"depends_on,omitempty" jsonschema:"description=Ids of tasks that must complete first"`
}

type todoOutput struct {
	Status string             `json:"status"`
	Task   *storage.TaskItem  `json:"task,omitempty"`
	Tasks  []storage.TaskItem `json:"tasks,omitempty"`
	Count  int                `json:"count"`
}

// allowed status transitions; completed and cancelled are terminal.
var transitions = map[storage.TaskStatus][]storage.TaskStatus{
	storage.TaskPending:    {storage.TaskInProgress, storage.TaskBlocked, storage.TaskCancelled, storage.TaskCompleted},
	storage.TaskInProgress: {storage.TaskCompleted, storage.TaskBlocked, storage.TaskPending, storage.TaskCancelled},
	storage.TaskBlocked:    {storage.TaskPending, storage.TaskInProgress, storage.TaskCancelled},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to storage.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TodoTool manages the task list of a workflow.
type TodoTool struct {
	tool.Base
	deps tool.Deps
}

// NewTodoTool creates the task list tool.
func NewTodoTool(deps tool.Deps) (*TodoTool, error) {
	if err := requireStore(TodoToolName, deps); err != nil {
		return nil, err
	}
	return &TodoTool{
		Base: tool.Base{Def: tool.Definition{
			ID:   TodoToolName,
			Name: "Task list",
			Description: "Plan multi-step work as a task list for this workflow. Create tasks with optional " +
				"dependencies, move them through pending, in_progress, completed, blocked or cancelled with " +
				"set_status, and list them to track progress. A task cannot start or complete before its dependencies complete.",
			InputSchema:  util.SchemaFor(todoInput{}),
			OutputSchema: util.SchemaFor(todoOutput{}),
		}},
		deps: deps,
	}, nil
}

// ValidateInput implements tool.Tool.
func (t *TodoTool) ValidateInput(input map[string]any) error {
	if err := t.Base.ValidateInput(input); err != nil {
		return err
	}
	in, err := decode[todoInput](TodoToolName, input)
	if err != nil {
		return err
	}
	switch in.Operation {
	case "create":
		if strings.TrimSpace(in.Title) == "" {
			return tool.InvalidInput(TodoToolName, "title is required for create")
		}
	case "update", "get":
		if in.TaskID == "" {
			return tool.InvalidInput(TodoToolName, "task_id is required for %s", in.Operation)
		}
	case "set_status":
		if in.TaskID == "" || in.Status == "" {
			return tool.InvalidInput(TodoToolName, "task_id and status are required for set_status")
		}
	}
	for _, dep := range in.DependsOn {
		if dep == in.TaskID && dep != "" {
			return tool.NewToolError(TodoToolName, "a task cannot depend on itself", core.KindValidationFailed)
		}
	}
	return nil
}

// Execute implements tool.Tool.
func (t *TodoTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[todoInput](TodoToolName, input)
	if err != nil {
		return nil, err
	}
	store := t.deps.Store
	wf := workflowID(ctx, t.deps)

	switch in.Operation {
	case "create":
		if err := t.checkDependenciesExist(ctx, wf, in.DependsOn); err != nil {
			return nil, err
		}
		item := storage.TaskItem{
			ID:          uuid.NewString(),
			WorkflowID:  wf,
			Title:       in.Title,
			Description: in.Description,
			Status:      storage.TaskPending,
			Priority:    in.Priority,
			DependsOn:   in.DependsOn,
		}
		if in.Status != "" {
			item.Status = storage.TaskStatus(in.Status)
			if err := t.checkDependenciesDone(ctx, item); err != nil {
				return nil, err
			}
		}
		if err := store.CreateTask(ctx, item); err != nil {
			return nil, storageErr(TodoToolName, err)
		}
		return todoOutput{Status: "created", Task: &item, Count: 1}, nil

	case "get":
		item, err := t.load(ctx, wf, in.TaskID)
		if err != nil {
			return nil, err
		}
		return todoOutput{Status: "ok", Task: &item, Count: 1}, nil

	case "list":
		items, err := store.ListTasks(ctx, wf)
		if err != nil {
			return nil, storageErr(TodoToolName, err)
		}
		return todoOutput{Status: "ok", Tasks: items, Count: len(items)}, nil

	case "update":
		item, err := t.load(ctx, wf, in.TaskID)
		if err != nil {
			return nil, err
		}
		if in.Title != "" {
			item.Title = in.Title
		}
		if in.Description != "" {
			item.Description = in.Description
		}
		if in.Priority != "" {
			item.Priority = in.Priority
		}
		if in.DependsOn != nil {
			if err := t.checkDependenciesExist(ctx, wf, in.DependsOn); err != nil {
				return nil, err
			}
			if err := t.checkNoCycle(ctx, item.ID, in.DependsOn); err != nil {
				return nil, err
			}
			item.DependsOn = in.DependsOn
		}
		if in.Status != "" {
			if err := t.applyStatus(ctx, &item, storage.TaskStatus(in.Status)); err != nil {
				return nil, err
			}
		}
		if err := store.UpdateTask(ctx, item); err != nil {
			return nil, storageErr(TodoToolName, err)
		}
		return todoOutput{Status: "updated", Task: &item, Count: 1}, nil

	case "set_status":
		item, err := t.load(ctx, wf, in.TaskID)
		if err != nil {
			return nil, err
		}
		if err := t.applyStatus(ctx, &item, storage.TaskStatus(in.Status)); err != nil {
			return nil, err
		}
		if err := store.UpdateTask(ctx, item); err != nil {
			return nil, storageErr(TodoToolName, err)
		}
		return todoOutput{Status: "updated", Task: &item, Count: 1}, nil
	}

	return nil, tool.InvalidInput(TodoToolName, "unknown operation %q", in.Operation)
}

func (t *TodoTool) load(ctx context.Context, wf, id string) (storage.TaskItem, error) {
	item, err := t.deps.Store.GetTask(ctx, id)
	if err != nil {
		return storage.TaskItem{}, storageErr(TodoToolName, err)
	}
	if wf != "" && item.WorkflowID != wf {
		return storage.TaskItem{}, tool.NewToolError(TodoToolName, fmt.Sprintf("task %s not found in this workflow", id), core.KindNotFound)
	}
	return item, nil
}

func (t *TodoTool) applyStatus(ctx context.Context, item *storage.TaskItem, to storage.TaskStatus) error {
	if !CanTransition(item.Status, to) {
		return tool.NewToolError(TodoToolName,
			fmt.Sprintf("cannot move task %s from %s to %s", item.ID, item.Status, to), core.KindValidationFailed)
	}
	prev := item.Status
	item.Status = to
	if err := t.checkDependenciesDone(ctx, *item); err != nil {
		item.Status = prev
		return err
	}
	return nil
}

// checkDependenciesDone requires completed dependencies before a task starts
// or completes.
func (t *TodoTool) checkDependenciesDone(ctx context.Context, item storage.TaskItem) error {
	if item.Status != storage.TaskInProgress && item.Status != storage.TaskCompleted {
		return nil
	}
	var open []string
	for _, depID := range item.DependsOn {
		dep, err := t.deps.Store.GetTask(ctx, depID)
		if err != nil {
			return storageErr(TodoToolName, err)
		}
		if dep.Status != storage.TaskCompleted {
			open = append(open, fmt.Sprintf("%s (%s)", dep.ID, dep.Status))
		}
	}
	if len(open) > 0 {
		return tool.NewToolError(TodoToolName,
			"complete dependencies first: "+strings.Join(open, ", "), core.KindDependency)
	}
	return nil
}

func (t *TodoTool) checkDependenciesExist(ctx context.Context, wf string, deps []string) error {
	for _, depID := range deps {
		if _, err := t.load(ctx, wf, depID); err != nil {
			return tool.NewToolError(TodoToolName, fmt.Sprintf("dependency %s does not exist", depID), core.KindDependency)
		}
	}
	return nil
}

// checkNoCycle rejects dependency edges that would make id reachable from itself.
func (t *TodoTool) checkNoCycle(ctx context.Context, id string, deps []string) error {
	seen := map[string]bool{}
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return tool.NewToolError(TodoToolName, "dependencies would form a cycle", core.KindValidationFailed)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		item, err := t.deps.Store.GetTask(ctx, cur)
		if err != nil {
			continue
		}
		stack = append(stack, item.DependsOn...)
	}
	return nil
}
