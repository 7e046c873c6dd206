package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentcrew/core"
)

// StubAgent is a core.Agent whose behaviour is a plain function.
type StubAgent struct {
	cfg   core.AgentConfig
	fn    func(ctx context.Context, task core.Task, remote core.RemoteTools) (*core.Report, error)
	calls atomic.Int64

	mu    sync.Mutex
	tasks []core.Task
}

// NewStubAgent creates a stub agent running fn.
func NewStubAgent(cfg core.AgentConfig, fn func(ctx context.Context, task core.Task, remote core.RemoteTools) (*core.Report, error)) *StubAgent {
	return &StubAgent{cfg: cfg.WithDefaults(), fn: fn}
}

// TextAgent answers every task with text after delay.
func TextAgent(id, text string, delay time.Duration) *StubAgent {
	return NewStubAgent(NewConfigBuilder(id).Build(), func(ctx context.Context, task core.Task, _ core.RemoteTools) (*core.Report, error) {
		if err := Sleep(ctx, delay); err != nil {
			return &core.Report{TaskID: task.ID, Status: core.StatusCancelled}, core.Wrap(core.KindCancelled, err, "stub cancelled")
		}
		return &core.Report{
			TaskID:  task.ID,
			Status:  core.StatusSuccess,
			Content: text,
			Metrics: core.Metrics{InputTokens: 3, OutputTokens: 1},
		}, nil
	})
}

// FailingAgent fails every task with err after delay.
func FailingAgent(id string, err error, delay time.Duration) *StubAgent {
	return NewStubAgent(NewConfigBuilder(id).Build(), func(ctx context.Context, task core.Task, _ core.RemoteTools) (*core.Report, error) {
		_ = Sleep(ctx, delay)
		return &core.Report{TaskID: task.ID, Status: core.StatusFailure, Content: err.Error()}, err
	})
}

// BlockingAgent waits until release is closed or ctx ends. started receives
// one value per execution when non-nil.
func BlockingAgent(id string, started chan<- string, release <-chan struct{}) *StubAgent {
	return NewStubAgent(NewConfigBuilder(id).Build(), func(ctx context.Context, task core.Task, _ core.RemoteTools) (*core.Report, error) {
		if started != nil {
			started <- task.ID
		}
		select {
		case <-release:
			return &core.Report{TaskID: task.ID, Status: core.StatusSuccess, Content: "released"}, nil
		case <-ctx.Done():
			return &core.Report{TaskID: task.ID, Status: core.StatusCancelled}, core.Wrap(core.KindCancelled, ctx.Err(), "stub cancelled")
		}
	})
}

// ID implements core.Agent.
func (s *StubAgent) ID() string { return s.cfg.ID }

// Config implements core.Agent.
func (s *StubAgent) Config() core.AgentConfig { return s.cfg.Clone() }

// Execute implements core.Agent.
func (s *StubAgent) Execute(ctx context.Context, task core.Task, remote core.RemoteTools) (*core.Report, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	return s.fn(ctx, task, remote)
}

// Calls returns the number of Execute calls.
func (s *StubAgent) Calls() int { return int(s.calls.Load()) }

// Tasks returns the received tasks.
func (s *StubAgent) Tasks() []core.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Task(nil), s.tasks...)
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
