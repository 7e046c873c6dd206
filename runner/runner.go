package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/stream"
)

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// Remote is handed to the primary agent of every workflow.
	Remote core.RemoteTools
	// Emitter receives the terminal completion event of every workflow.
	Emitter *stream.Emitter
	// MaxConcurrentWorkflows limits concurrently running workflows. Zero
	// means unlimited.
	MaxConcurrentWorkflows int
	Logger                 logging.Logger
	Tracer                 trace.Tracer
}

// Result is the outcome of one workflow.
type Result struct {
	WorkflowID string
	Report     *core.Report
	Err        error
	Status     stream.CompletionStatus
	Duration   time.Duration
}

// Runner owns the workflow lifecycle: it mints the workflow id, owns the
// workflow's cancellation, runs the primary agent through the orchestrator
// and emits exactly one terminal event per workflow. Public methods are safe
// for concurrent use.
type Runner struct {
	orchestrator core.Orchestrator
	agents       core.AgentRegistry
	remote       core.RemoteTools
	tracker      *stream.CompletionTracker
	logger       logging.Logger
	tracer       trace.Tracer
	slots        chan struct{}

	mu         sync.RWMutex
	activeRuns map[string]*workflow
}

type workflow struct {
	agentID   string
	startedAt time.Time
	cancel    context.CancelFunc
}

// New constructs a Runner with optional overrides.
func New(orchestrator core.Orchestrator, agents core.AgentRegistry, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/agentcrew/runner")
	}

	r := &Runner{
		orchestrator: orchestrator,
		agents:       agents,
		remote:       opts.Remote,
		tracker:      stream.NewCompletionTracker(opts.Emitter),
		logger:       logging.OrNoOp(opts.Logger),
		tracer:       opts.Tracer,
		activeRuns:   make(map[string]*workflow),
	}
	if opts.MaxConcurrentWorkflows > 0 {
		r.slots = make(chan struct{}, opts.MaxConcurrentWorkflows)
	}
	return r
}

// Start begins a workflow running task on the primary agent agentID and
// returns its id. The channel delivers the single Result and is then closed.
func (r *Runner) Start(ctx context.Context, agentID string, task core.Task) (string, <-chan Result, error) {
	if _, ok := r.agents.Get(agentID); !ok {
		return "", nil, core.NewAgentNotFoundError(agentID)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if r.slots != nil {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return "", nil, core.Wrap(core.KindCancelled, ctx.Err(), "waiting for a workflow slot")
		}
	}

	workflowID := uuid.NewString()
	wfCtx, cancel := context.WithCancel(core.WithWorkflow(ctx, core.WorkflowInfo{ID: workflowID, PrimaryAgentID: agentID}))

	r.mu.Lock()
	r.activeRuns[workflowID] = &workflow{agentID: agentID, startedAt: time.Now(), cancel: cancel}
	r.mu.Unlock()

	r.logger.Info("runner.workflow.started", "workflow_id", workflowID, "agent_id", agentID, "task_id", task.ID)

	results := make(chan Result, 1)
	go func() {
		defer close(results)
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.activeRuns, workflowID)
			r.mu.Unlock()
			if r.slots != nil {
				<-r.slots
			}
		}()

		results <- r.execute(wfCtx, workflowID, agentID, task)
	}()

	return workflowID, results, nil
}

// Run is the synchronous helper around Start. The returned error is the
// workflow's error, if any.
func (r *Runner) Run(ctx context.Context, agentID string, task core.Task) (Result, error) {
	_, results, err := r.Start(ctx, agentID, task)
	if err != nil {
		return Result{}, err
	}
	res := <-results
	return res, res.Err
}

// Cancel cancels a running workflow by id. The workflow ends with a
// cancelled completion event.
func (r *Runner) Cancel(workflowID string) error {
	r.mu.RLock()
	wf, exists := r.activeRuns[workflowID]
	r.mu.RUnlock()

	if !exists {
		return core.Errorf(core.KindNotFound, "workflow %s not found", workflowID)
	}

	wf.cancel()
	r.logger.Info("runner.workflow.cancel_requested", "workflow_id", workflowID, "agent_id", wf.agentID)
	return nil
}

// Active returns the ids of the running workflows, sorted.
func (r *Runner) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.activeRuns))
	for id := range r.activeRuns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns the terminal status of a finished workflow.
func (r *Runner) Status(workflowID string) (stream.CompletionStatus, bool) {
	return r.tracker.Status(workflowID)
}

func (r *Runner) execute(ctx context.Context, workflowID, agentID string, task core.Task) (res Result) {
	ctx, span := r.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("agent.id", agentID),
	))
	defer span.End()

	start := time.Now()
	res = Result{WorkflowID: workflowID}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("runner.workflow.panic", "workflow_id", workflowID, "recover", p)
			res.Err = core.Errorf(core.KindExecutionFailed, "workflow %s panicked: %v", workflowID, p)
		}
		res.Duration = time.Since(start)
		res.Status = r.finish(ctx, workflowID, res.Report, res.Err)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}()

	res.Report, res.Err = r.orchestrator.ExecuteWithRemoteTools(ctx, agentID, task, r.remote)
	return res
}

// finish emits the single terminal event of the workflow.
func (r *Runner) finish(ctx context.Context, workflowID string, report *core.Report, err error) stream.CompletionStatus {
	status, message := stream.CompletionCompleted, ""
	switch {
	case core.IsKind(err, core.KindCancelled) || (err != nil && ctx.Err() != nil):
		status, message = stream.CompletionCancelled, "workflow cancelled"
	case err != nil:
		status, message = stream.CompletionError, err.Error()
	case report != nil && report.Status == core.StatusCancelled:
		status, message = stream.CompletionCancelled, "workflow cancelled"
	}

	// The completion must reach the sink even when the workflow was cancelled.
	if r.tracker.Finish(context.WithoutCancel(ctx), workflowID, status, message) {
		r.logger.Info("runner.workflow.finished", "workflow_id", workflowID, "status", status)
	}
	return status
}
