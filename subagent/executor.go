package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/hitl"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/resilience"
	"github.com/hupe1980/agentcrew/storage"
	"github.com/hupe1980/agentcrew/stream"
	"github.com/hupe1980/agentcrew/tool"
)

// MaxConcurrent is the cap on concurrently active sub-agent operations of one
// workflow. Spawn, delegate and every parallel entry count alike.
const MaxConcurrent = 3

// ChildIDPrefix prefixes the ids of spawned temporary agents.
const ChildIDPrefix = "sub_"

// SummaryLength bounds the result summary stored on execution records.
const SummaryLength = 500

// Options configures an Executor.
type Options struct {
	Logger logging.Logger
	Tracer trace.Tracer
	// Now is the clock used for record timestamps.
	Now func() time.Time
}

// Executor centralises the common path of sub-agent operations for one
// parent agent: permission, fan-out limit, human validation, circuit
// breaker, execution record, stream events and retry.
type Executor struct {
	ec      *tool.ExecContext
	agentID string
	primary bool
	gate    hitl.Gate
	records storage.RecordStore
	breaker *resilience.CircuitBreaker
	logger  logging.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu sync.Mutex
	// active counts running operations per workflow id.
	active   map[string]int
	inflight map[string]*inflight
}

type inflight struct {
	cancel     context.CancelFunc
	terminated bool
}

// NewExecutor creates the executor of agentID.
func NewExecutor(ec *tool.ExecContext, agentID string, primary bool, optFns ...func(o *Options)) *Executor {
	opts := Options{
		Logger: ec.Logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Executor{
		ec:       ec,
		agentID:  agentID,
		primary:  primary,
		gate:     ec.Gate,
		records:  ec.Records,
		breaker:  ec.Breaker,
		logger:   logging.OrNoOp(opts.Logger),
		tracer:   opts.Tracer,
		now:      opts.Now,
		active:   make(map[string]int),
		inflight: make(map[string]*inflight),
	}
	if e.gate == nil {
		e.gate = hitl.AutoApprove{}
	}
	if e.records == nil {
		e.records = storage.NewMemoryBackend()
	}
	if e.breaker == nil {
		e.breaker = resilience.NewCircuitBreaker()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/hupe1980/agentcrew/subagent")
	}
	return e
}

// AgentID returns the parent agent the executor belongs to.
func (e *Executor) AgentID() string { return e.agentID }

// Active returns the number of running sub-agent operations across all
// workflows.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.active {
		n += c
	}
	return n
}

// ActiveIn returns the number of running sub-agent operations of workflowID.
func (e *Executor) ActiveIn(workflowID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[workflowID]
}

// Executions returns the ids of the in-flight execution records.
func (e *Executor) Executions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) owns(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[executionID]
	return ok
}

// Authorize enforces the hierarchy rule: only the primary agent, and never
// a sub-agent execution, may use sub-agent tools.
func (e *Executor) Authorize(ctx context.Context) error {
	if parent, ok := core.SubAgentParent(ctx); ok {
		return core.Errorf(core.KindPermissionDenied,
			"agent %s runs as a sub-agent of %s and cannot start further sub-agents", e.agentID, parent)
	}
	if !e.primary {
		return core.Errorf(core.KindPermissionDenied,
			"agent %s is not the primary agent; only the primary agent may use sub-agent tools", e.agentID)
	}
	return nil
}

// Reserve claims n fan-out slots of the workflow carried by ctx. The
// returned release must be called once the operations have finished.
func (e *Executor) Reserve(ctx context.Context, n int) (func(), error) {
	workflowID := core.WorkflowID(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if active := e.active[workflowID]; active+n > MaxConcurrent {
		return nil, core.Errorf(core.KindValidationFailed,
			"sub-agent limit reached: at most %d concurrent sub-agent operations per workflow (active %d, requested %d)",
			MaxConcurrent, active, n).
			WithRemedy("wait for running sub-agents to finish")
	}
	e.active[workflowID] += n

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.active[workflowID] -= n; e.active[workflowID] <= 0 {
				delete(e.active, workflowID)
			}
			e.mu.Unlock()
		})
	}, nil
}

// Confirm gates operation behind human validation.
func (e *Executor) Confirm(ctx context.Context, operation, description string, details any) error {
	return e.gate.Confirm(ctx, hitl.Request{
		WorkflowID:  core.WorkflowID(ctx),
		AgentID:     e.agentID,
		Operation:   operation,
		Description: description,
		Details:     details,
	})
}

// CheckBreaker fails fast while the sub-agent circuit is open. trial reports
// whether the call was admitted as the half-open trial.
func (e *Executor) CheckBreaker() (trial bool, err error) {
	ok, trial := e.breaker.Admit()
	if ok {
		return trial, nil
	}
	return false, core.NewCircuitOpenError("sub-agent execution", e.breaker.RemainingCooldown()).
		WithRemedy("wait for the cooldown or inspect the failing sub-agents")
}

// Prepare runs the shared checks in order: permission, fan-out, human
// validation and circuit breaker. On success the caller owns the release,
// which frees the slots and gives back a breaker trial that never reached
// an outcome.
func (e *Executor) Prepare(ctx context.Context, operation string, slots int, description string, details any) (func(), error) {
	if err := e.Authorize(ctx); err != nil {
		return nil, err
	}
	releaseSlots, err := e.Reserve(ctx, slots)
	if err != nil {
		return nil, err
	}
	if err := e.Confirm(ctx, operation, description, details); err != nil {
		releaseSlots()
		return nil, err
	}
	trial, err := e.CheckBreaker()
	if err != nil {
		releaseSlots()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseSlots()
			if trial {
				e.breaker.ReleaseTrial()
			}
		})
	}, nil
}

// Job describes one child execution.
type Job struct {
	Operation string
	// AgentID is the registry id of the child agent.
	AgentID string
	Name    string
	Prompt  string
}

// Result is the outcome of one child execution.
type Result struct {
	ExecutionID string
	AgentID     string
	Name        string
	Report      *core.Report
	Err         error
	DurationMs  int64
}

// Status returns the record status the result maps to.
func (r Result) Status() core.RecordStatus {
	switch {
	case r.Err == nil:
		return core.RecordCompleted
	case core.IsKind(r.Err, core.KindCancelled):
		return core.RecordCancelled
	default:
		return core.RecordFailed
	}
}

// Run executes one child through the orchestrator with retry. It creates the
// execution record, emits start and complete or error events, applies the
// single record update and records the outcome on the breaker.
func (e *Executor) Run(ctx context.Context, job Job) Result {
	ctx, span := e.tracer.Start(ctx, "subagent."+job.Operation, trace.WithAttributes(
		attribute.String("agent.id", e.agentID),
		attribute.String("subagent.id", job.AgentID),
	))
	defer span.End()

	start, childCtx, finish, err := e.begin(ctx, job)
	if err != nil {
		span.RecordError(err)
		return Result{AgentID: job.AgentID, Name: job.Name, Err: err}
	}

	report, err := resilience.Retry(childCtx, e.retryConfig(job), func(ctx context.Context) (*core.Report, error) {
		return e.ec.Orchestrator.ExecuteWithRemoteTools(ctx, job.AgentID, e.task(job), e.ec.Remote)
	})

	res := finish(report, err)
	res.DurationMs = e.now().Sub(start).Milliseconds()
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

// RunParallel executes the jobs concurrently through the orchestrator's
// ExecuteParallel. Results keep the input order.
func (e *Executor) RunParallel(ctx context.Context, jobs []Job) []Result {
	ctx, span := e.tracer.Start(ctx, "subagent."+hitl.OpParallelBatch, trace.WithAttributes(
		attribute.String("agent.id", e.agentID),
		attribute.Int("subagent.count", len(jobs)),
	))
	defer span.End()

	results := make([]Result, len(jobs))
	finishers := make([]func(*core.Report, error) Result, len(jobs))
	starts := make([]time.Time, len(jobs))
	assignments := make([]core.Assignment, 0, len(jobs))
	index := make([]int, 0, len(jobs))

	batchCtx, cancel := context.WithCancel(core.WithSubAgent(ctx, e.agentID))
	defer cancel()

	for i, job := range jobs {
		entryCtx, entryCancel := context.WithCancel(batchCtx)
		start, _, finish, err := e.beginWith(ctx, entryCtx, entryCancel, job)
		if err != nil {
			entryCancel()
			results[i] = Result{AgentID: job.AgentID, Name: job.Name, Err: err}
			continue
		}
		starts[i] = start
		finishers[i] = func(r *core.Report, err error) Result {
			defer entryCancel()
			return finish(r, err)
		}
		assignments = append(assignments, core.Assignment{AgentID: job.AgentID, Task: e.task(job), Context: entryCtx})
		index = append(index, i)
	}

	outcomes := e.ec.Orchestrator.ExecuteParallel(batchCtx, assignments, e.ec.Remote)
	for k, o := range outcomes {
		i := index[k]
		res := finishers[i](o.Report, o.Err)
		res.DurationMs = e.now().Sub(starts[i]).Milliseconds()
		results[i] = res
	}
	return results
}

// Terminate marks an in-flight execution cancelled and cancels its context.
// The cancelled status is the record's single update; interruption of the
// running agent is best-effort.
func (e *Executor) Terminate(ctx context.Context, executionID string) error {
	e.mu.Lock()
	f, ok := e.inflight[executionID]
	if ok {
		if f.terminated {
			e.mu.Unlock()
			return core.Errorf(core.KindValidationFailed, "sub-agent execution %s already terminated", executionID)
		}
		f.terminated = true
	}
	e.mu.Unlock()
	if !ok {
		return core.Errorf(core.KindNotFound, "no running sub-agent execution %s", executionID)
	}

	err := e.records.CompleteRecord(ctx, executionID, core.RecordCompletion{
		Status:       core.RecordCancelled,
		ErrorMessage: "terminated by parent agent",
		CompletedAt:  e.now(),
	})
	f.cancel()
	if err != nil {
		return fmt.Errorf("terminate sub-agent execution %s: %w", executionID, err)
	}
	e.logger.Info("subagent.execution.terminated", "execution_id", executionID, "parent_agent_id", e.agentID)
	return nil
}

func (e *Executor) task(job Job) core.Task {
	return core.Task{ID: uuid.NewString(), Description: job.Prompt}
}

func (e *Executor) retryConfig(job Job) resilience.RetryConfig {
	cfg := e.ec.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("subagent.execution.retry",
			"parent_agent_id", e.agentID,
			"child_agent_id", job.AgentID,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	}
	return cfg
}

func (e *Executor) begin(ctx context.Context, job Job) (time.Time, context.Context, func(*core.Report, error) Result, error) {
	childCtx, cancel := context.WithCancel(core.WithSubAgent(ctx, e.agentID))
	start, _, finish, err := e.beginWith(ctx, childCtx, cancel, job)
	if err != nil {
		cancel()
		return start, nil, nil, err
	}
	return start, childCtx, func(r *core.Report, err error) Result {
		defer cancel()
		return finish(r, err)
	}, nil
}

// beginWith creates the running record, tracks the execution and emits the
// start event. The returned finish applies the single completion.
func (e *Executor) beginWith(ctx, childCtx context.Context, cancel context.CancelFunc, job Job) (time.Time, context.Context, func(*core.Report, error) Result, error) {
	workflowID := core.WorkflowID(ctx)
	start := e.now()
	rec := core.ExecutionRecord{
		ID:              uuid.NewString(),
		WorkflowID:      workflowID,
		ParentAgentID:   e.agentID,
		ChildAgentID:    job.AgentID,
		ChildAgentName:  job.Name,
		TaskDescription: job.Prompt,
		Status:          core.RecordRunning,
		CreatedAt:       start,
	}
	if err := e.records.CreateRecord(ctx, rec); err != nil {
		return start, nil, nil, core.Wrap(core.KindStorage, err, "create sub-agent execution record")
	}

	e.mu.Lock()
	e.inflight[rec.ID] = &inflight{cancel: cancel}
	e.mu.Unlock()

	info := stream.SubAgentInfo{ID: job.AgentID, Name: job.Name, ParentAgentID: e.agentID, Task: job.Prompt}
	e.ec.Emitter.Emit(ctx, stream.SubAgentStart(workflowID, info))
	e.logger.Info("subagent.execution.started",
		"execution_id", rec.ID,
		"operation", job.Operation,
		"parent_agent_id", e.agentID,
		"child_agent_id", job.AgentID,
		"workflow_id", workflowID,
	)

	finish := func(report *core.Report, err error) Result {
		dur := e.now().Sub(start)
		res := Result{ExecutionID: rec.ID, AgentID: job.AgentID, Name: job.Name, Report: report, Err: err}

		e.mu.Lock()
		terminated := e.inflight[rec.ID].terminated
		delete(e.inflight, rec.ID)
		e.mu.Unlock()

		if terminated && err == nil {
			res.Err = core.Errorf(core.KindCancelled, "sub-agent execution %s was terminated", rec.ID)
		}
		if terminated && err != nil && !core.IsKind(err, core.KindCancelled) {
			res.Err = core.Wrap(core.KindCancelled, err, fmt.Sprintf("sub-agent execution %s was terminated", rec.ID))
		}

		completion := core.RecordCompletion{
			Status:      res.Status(),
			DurationMs:  dur.Milliseconds(),
			CompletedAt: e.now(),
		}
		if report != nil {
			completion.InputTokens = report.Metrics.InputTokens
			completion.OutputTokens = report.Metrics.OutputTokens
			completion.ResultSummary = util.Truncate(report.Content, SummaryLength)
		}
		if res.Err != nil {
			completion.ErrorMessage = res.Err.Error()
		}
		// Terminate already applied the record's single update.
		if !terminated {
			if cErr := e.records.CompleteRecord(context.WithoutCancel(ctx), rec.ID, completion); cErr != nil {
				e.logger.Warn("subagent.record.update_failed", "execution_id", rec.ID, "error", cErr)
			}
		}

		if res.Err != nil {
			e.ec.Emitter.Emit(ctx, stream.SubAgentError(workflowID, info, res.Err.Error(), dur.Milliseconds()))
			e.breaker.Record(res.Err)
			e.logger.Warn("subagent.execution.failed",
				"execution_id", rec.ID,
				"child_agent_id", job.AgentID,
				"duration_ms", dur.Milliseconds(),
				"error", res.Err,
			)
			return res
		}

		e.ec.Emitter.Emit(ctx, stream.SubAgentComplete(workflowID, info, report.Content, stream.SubAgentMetrics{
			DurationMs:   dur.Milliseconds(),
			TokensInput:  completion.InputTokens,
			TokensOutput: completion.OutputTokens,
		}))
		e.breaker.Record(nil)
		e.logger.Info("subagent.execution.completed",
			"execution_id", rec.ID,
			"child_agent_id", job.AgentID,
			"duration_ms", dur.Milliseconds(),
			"input_tokens", completion.InputTokens,
			"output_tokens", completion.OutputTokens,
		)
		return res
	}
	return start, childCtx, finish, nil
}
