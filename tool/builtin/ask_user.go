package builtin

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/storage"
	"github.com/hupe1980/agentcrew/tool"
)

// DefaultQuestionPollInterval is the delay between answer polls.
const DefaultQuestionPollInterval = time.Second

type askUserInput struct {
	Question string   `json:"question" jsonschema:"minLength=1,description=The question to show the user"`
	Options  []string `json:"options,omitempty" jsonschema:"maxItems=10,description=Optional suggested answers"`
}

type askUserOutput struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// AskUserTool raises a pending question and waits for the user's answer.
// The wait has no timeout; cancelling the workflow ends it.
type AskUserTool struct {
	tool.Base
	deps     tool.Deps
	interval time.Duration
	logger   logging.Logger
}

// NewAskUserTool creates the ask-user tool. A non-positive interval uses
// DefaultQuestionPollInterval.
func NewAskUserTool(deps tool.Deps, interval time.Duration) (*AskUserTool, error) {
	if err := requireStore(AskUserToolName, deps); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultQuestionPollInterval
	}
	return &AskUserTool{
		Base: tool.Base{Def: tool.Definition{
			ID:   AskUserToolName,
			Name: "Ask user",
			Description: "Ask the user a clarifying question and wait for the answer. Use only when the task " +
				"cannot proceed without information the user has to provide.",
			InputSchema:  util.SchemaFor(askUserInput{}),
			OutputSchema: util.SchemaFor(askUserOutput{}),
		}},
		deps:     deps,
		interval: interval,
		logger:   logging.OrNoOp(deps.Logger),
	}, nil
}

// ValidateInput implements tool.Tool.
func (t *AskUserTool) ValidateInput(input map[string]any) error {
	if err := t.Base.ValidateInput(input); err != nil {
		return err
	}
	if err := util.ValidateMessage("question", stringArg(input, "question")); err != nil {
		return tool.InvalidInput(AskUserToolName, "%v", err)
	}
	return nil
}

// Execute implements tool.Tool.
func (t *AskUserTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	in, err := decode[askUserInput](AskUserToolName, input)
	if err != nil {
		return nil, err
	}

	q := storage.Question{
		ID:         uuid.NewString(),
		WorkflowID: workflowID(ctx, t.deps),
		AgentID:    t.deps.AgentID,
		Question:   in.Question,
		Options:    in.Options,
		Status:     storage.QuestionPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := t.deps.Store.CreateQuestion(ctx, q); err != nil {
		return nil, storageErr(AskUserToolName, err)
	}
	t.logger.Info("tool.ask_user.pending", "question_id", q.ID, "workflow_id", q.WorkflowID)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		got, err := t.deps.Store.GetQuestion(ctx, q.ID)
		if err != nil {
			t.logger.Warn("tool.ask_user.poll_failed", "question_id", q.ID, "error", err)
		} else if got.Status == storage.QuestionAnswered {
			return askUserOutput{QuestionID: q.ID, Answer: got.Answer}, nil
		}

		select {
		case <-ctx.Done():
			return nil, tool.AsToolError(AskUserToolName, core.Wrap(core.KindCancelled, ctx.Err(), "question wait cancelled"))
		case <-ticker.C:
		}
	}
}
