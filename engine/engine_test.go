package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/agent"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/testutil"
	"github.com/hupe1980/agentcrew/model"
)

func TestEngine_SingleSuccess(t *testing.T) {
	eng := New(NewRegistry())
	echo := agent.NewModelAgent(testutil.NewConfigBuilder("echo").Build(), model.NewScriptedModel("m", model.TextStep("ok")))
	eng.Register(echo)

	report, err := eng.Execute(context.Background(), "echo", core.Task{ID: "t1", Description: "hi"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, report.Status)
	assert.Equal(t, "ok", report.Content)
	assert.Empty(t, report.Metrics.ToolCalls)
}

func TestEngine_MissingAgent(t *testing.T) {
	var before int
	callbacks := NewCallbackManager()
	callbacks.RegisterCallback(NewFunctionCallback(CallbackBeforeAgent, func(context.Context, *CallbackContext) error {
		before++
		return nil
	}))
	eng := New(NewRegistry(), func(o *Options) { o.Callbacks = callbacks })

	report, err := eng.Execute(context.Background(), "ghost", core.Task{ID: "t2"})
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
	assert.Contains(t, err.Error(), "ghost")
	assert.Zero(t, before)
}

func TestEngine_ParallelWithOneFailure(t *testing.T) {
	eng := New(NewRegistry())
	eng.Register(testutil.TextAgent("good", "A", 50*time.Millisecond))
	eng.Register(testutil.FailingAgent("bad", core.Errorf(core.KindExecutionFailed, "bad agent"), 50*time.Millisecond))

	start := time.Now()
	outcomes := eng.ExecuteParallel(context.Background(), []core.Assignment{
		{AgentID: "good", Task: core.Task{ID: "t3", Description: "a"}},
		{AgentID: "bad", Task: core.Task{ID: "t4", Description: "b"}},
		{AgentID: "good", Task: core.Task{ID: "t5", Description: "c"}},
	}, nil)
	elapsed := time.Since(start)

	require.Len(t, outcomes, 3)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, "t3", outcomes[0].Report.TaskID)
	assert.Equal(t, core.StatusSuccess, outcomes[0].Report.Status)

	require.Error(t, outcomes[1].Err)
	assert.Nil(t, outcomes[1].Report)
	assert.Equal(t, "bad", outcomes[1].AgentID)

	require.NoError(t, outcomes[2].Err)
	assert.Equal(t, "t5", outcomes[2].Report.TaskID)

	// Executions overlap, so the batch takes about as long as the slowest entry.
	assert.Less(t, elapsed, 140*time.Millisecond)
}

func TestEngine_ParallelKeepsInputOrder(t *testing.T) {
	eng := New(NewRegistry())
	delays := []time.Duration{60 * time.Millisecond, 30 * time.Millisecond, 0}
	assignments := make([]core.Assignment, len(delays))
	for i, d := range delays {
		id := fmt.Sprintf("a%d", i)
		eng.Register(testutil.TextAgent(id, id, d))
		assignments[i] = core.Assignment{AgentID: id, Task: core.Task{ID: fmt.Sprintf("t%d", i), Description: "x"}}
	}

	outcomes := eng.ExecuteParallel(context.Background(), assignments, nil)
	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		require.NoError(t, o.Err)
		assert.Equal(t, fmt.Sprintf("a%d", i), o.AgentID)
		assert.Equal(t, fmt.Sprintf("a%d", i), o.Report.Content)
		assert.Equal(t, fmt.Sprintf("t%d", i), o.Report.TaskID)
	}
}

func TestEngine_ParallelEntryContext(t *testing.T) {
	eng := New(NewRegistry())
	eng.Register(testutil.BlockingAgent("stuck", nil, nil))
	eng.Register(testutil.TextAgent("good", "A", 20*time.Millisecond))

	batch := context.Background()
	entry, cancel := context.WithCancel(batch)
	cancel()

	outcomes := eng.ExecuteParallel(batch, []core.Assignment{
		{AgentID: "stuck", Task: core.Task{ID: "t1"}, Context: entry},
		{AgentID: "good", Task: core.Task{ID: "t2"}},
	}, nil)
	assert.True(t, core.IsKind(outcomes[0].Err, core.KindCancelled))
	assert.NoError(t, outcomes[1].Err)
}

func TestEngine_ParallelMissingAgentIsPerEntry(t *testing.T) {
	eng := New(NewRegistry())
	eng.Register(testutil.TextAgent("good", "A", 0))

	outcomes := eng.ExecuteParallel(context.Background(), []core.Assignment{
		{AgentID: "ghost", Task: core.Task{ID: "t1"}},
		{AgentID: "good", Task: core.Task{ID: "t2"}},
	}, nil)
	assert.True(t, errors.Is(outcomes[0].Err, core.ErrAgentNotFound))
	assert.NoError(t, outcomes[1].Err)
}

func TestEngine_PassesRemoteTools(t *testing.T) {
	var got core.RemoteTools
	stub := testutil.NewStubAgent(testutil.NewConfigBuilder("s").Build(), func(_ context.Context, task core.Task, remote core.RemoteTools) (*core.Report, error) {
		got = remote
		return &core.Report{TaskID: task.ID, Status: core.StatusSuccess}, nil
	})
	defaultRemote := &nopRemote{name: "default"}
	eng := New(NewRegistry(), func(o *Options) { o.Remote = defaultRemote })
	eng.Register(stub)

	_, err := eng.Execute(context.Background(), "s", core.Task{ID: "t"})
	require.NoError(t, err)
	assert.Same(t, defaultRemote, got)

	override := &nopRemote{name: "override"}
	_, err = eng.ExecuteWithRemoteTools(context.Background(), "s", core.Task{ID: "t"}, override)
	require.NoError(t, err)
	assert.Same(t, override, got)
}

func TestEngine_CancellationReachesAgent(t *testing.T) {
	eng := New(NewRegistry())
	started := make(chan string, 1)
	eng.Register(testutil.BlockingAgent("block", started, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.Execute(ctx, "block", core.Task{ID: "t"})
		done <- err
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.True(t, core.IsKind(err, core.KindCancelled))
	case <-time.After(time.Second):
		t.Fatal("execution did not observe cancellation")
	}
}

func TestEngine_RecoversAgentPanic(t *testing.T) {
	eng := New(NewRegistry())
	eng.Register(testutil.NewStubAgent(testutil.NewConfigBuilder("p").Build(), func(context.Context, core.Task, core.RemoteTools) (*core.Report, error) {
		panic("boom")
	}))

	report, err := eng.Execute(context.Background(), "p", core.Task{ID: "t"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindExecutionFailed))
	assert.Equal(t, core.StatusFailure, report.Status)
}

func TestEngine_Callbacks(t *testing.T) {
	var (
		mu     sync.Mutex
		phases []CallbackType
	)
	record := func(_ context.Context, c *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, c.CallbackType)
		return nil
	}
	callbacks := NewCallbackManager()
	for _, ct := range []CallbackType{CallbackBeforeAgent, CallbackAfterAgent, CallbackOnError} {
		callbacks.RegisterCallback(NewFunctionCallback(ct, record))
	}
	callbacks.RegisterCallback(NewLoggingCallback(CallbackAfterAgent, nil))

	eng := New(NewRegistry(), func(o *Options) { o.Callbacks = callbacks })
	eng.Register(testutil.TextAgent("ok", "fine", 0))
	eng.Register(testutil.FailingAgent("bad", errors.New("nope"), 0))

	_, err := eng.Execute(context.Background(), "ok", core.Task{ID: "t1", Description: "x"})
	require.NoError(t, err)
	_, err = eng.Execute(context.Background(), "bad", core.Task{ID: "t2", Description: "x"})
	require.Error(t, err)

	assert.Equal(t, []CallbackType{CallbackBeforeAgent, CallbackAfterAgent, CallbackBeforeAgent, CallbackOnError}, phases)
}

func TestEngine_TaskValidationCallback(t *testing.T) {
	callbacks := NewCallbackManager()
	callbacks.RegisterCallback(NewTaskValidationCallback(ValidateTask))
	eng := New(NewRegistry(), func(o *Options) { o.Callbacks = callbacks })
	stub := testutil.TextAgent("a", "x", 0)
	eng.Register(stub)

	_, err := eng.Execute(context.Background(), "a", core.Task{ID: "t", Description: "  "})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindInvalidInput))
	assert.Zero(t, stub.Calls())

	_, err = eng.Execute(context.Background(), "a", core.Task{ID: "t", Description: "bad\x00"})
	require.Error(t, err)

	_, err = eng.Execute(context.Background(), "a", core.Task{ID: "t", Description: "fine"})
	require.NoError(t, err)
	assert.Equal(t, 1, stub.Calls())
}

func TestEngine_MaxConcurrentExecutions(t *testing.T) {
	eng := New(NewRegistry(), func(o *Options) { o.Config.MaxConcurrentExecutions = 1 })
	started := make(chan string, 2)
	release := make(chan struct{})
	eng.Register(testutil.BlockingAgent("block", started, release))

	go func() { _, _ = eng.Execute(context.Background(), "block", core.Task{ID: "first"}) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := eng.Execute(ctx, "block", core.Task{ID: "second"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCancelled))
	close(release)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		id := fmt.Sprintf("agent-%d", i)
		go func() {
			defer wg.Done()
			reg.Register(id, testutil.TextAgent(id, "x", 0))
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.Get(id)
			_ = reg.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Len())

	require.NoError(t, reg.Unregister("agent-3"))
	_, ok := reg.Get("agent-3")
	assert.False(t, ok)

	err := reg.Unregister("agent-3")
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
	assert.Len(t, reg.List(), 19)
}

type nopRemote struct{ name string }

func (n *nopRemote) HasServer(string) bool { return false }

func (n *nopRemote) Tools(context.Context, string) ([]core.RemoteToolInfo, error) { return nil, nil }

func (n *nopRemote) CallTool(context.Context, string, string, map[string]any) (any, error) {
	return nil, core.Errorf(core.KindDependency, "no remote tools in %s", n.name)
}
