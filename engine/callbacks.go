package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/logging"
)

// CallbackType identifies the execution phase a callback runs in.
type CallbackType string

const (
	// CallbackBeforeAgent is triggered before an agent begins execution.
	// Returning an error aborts the execution.
	CallbackBeforeAgent CallbackType = "before_agent"

	// CallbackAfterAgent is triggered after an agent completes successfully.
	CallbackAfterAgent CallbackType = "after_agent"

	// CallbackOnError is triggered when an execution ends with an error,
	// including cancellation.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries the execution data handed to callbacks.
type CallbackContext struct {
	AgentID      string
	Task         core.Task
	WorkflowID   string
	Report       *core.Report
	Err          error
	CallbackType CallbackType
	// Metadata is shared between the callbacks of one execution.
	Metadata map[string]any
}

// Callback is a hook around agent executions.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback adapts a plain function to the Callback interface.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a callback for callbackType.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager keeps callbacks by type and runs them in registration order.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback appends callback to the list of its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs the callbacks of callbackType and stops at the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}
	return nil
}

// LoggingCallback writes one log line per execution phase.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logging.OrNoOp(logger),
	}
}

// Type implements Callback.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	args := []any{
		"agent_id", callbackCtx.AgentID,
		"task_id", callbackCtx.Task.ID,
		"workflow_id", callbackCtx.WorkflowID,
	}
	if callbackCtx.Report != nil {
		args = append(args, "status", callbackCtx.Report.Status)
	}
	if callbackCtx.Err != nil {
		args = append(args, "error", callbackCtx.Err)
	}
	c.logger.Info("engine.callback."+string(c.callbackType), args...)
	return nil
}

// TaskValidationCallback rejects tasks before the agent runs.
type TaskValidationCallback struct {
	validator func(task core.Task) error
}

// NewTaskValidationCallback creates a before_agent callback from validator.
func NewTaskValidationCallback(validator func(task core.Task) error) *TaskValidationCallback {
	return &TaskValidationCallback{
		validator: validator,
	}
}

// Type implements Callback.
func (c *TaskValidationCallback) Type() CallbackType {
	return CallbackBeforeAgent
}

// Execute implements Callback.
func (c *TaskValidationCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.validator != nil {
		return c.validator(callbackCtx.Task)
	}
	return nil
}

// ValidateTask enforces the boundary rules on a submitted task: the
// description is a bounded message and the context, when set, is JSON.
func ValidateTask(task core.Task) error {
	if err := util.ValidateMessage("task.description", task.Description); err != nil {
		return core.Wrap(core.KindInvalidInput, err, "invalid task")
	}
	if len(task.Context) > util.MaxMessageBytes {
		return core.Errorf(core.KindInvalidInput, "task context exceeds %d bytes", util.MaxMessageBytes)
	}
	return nil
}
