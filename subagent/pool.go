package subagent

import (
	"context"
	"sync"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/tool"
)

type poolKey struct {
	ec      *tool.ExecContext
	agentID string
}

// Pool hands out one Executor per (execution context, parent agent), so the
// sub-agent tools of one agent share the per-workflow fan-out counters.
type Pool struct {
	mu        sync.Mutex
	executors map[poolKey]*Executor
	optFns    []func(o *Options)
}

// NewPool creates an empty pool. optFns apply to every executor it creates.
func NewPool(optFns ...func(o *Options)) *Pool {
	return &Pool{
		executors: make(map[poolKey]*Executor),
		optFns:    optFns,
	}
}

// Executor returns the executor of agentID, creating it on first use.
func (p *Pool) Executor(ec *tool.ExecContext, agentID string, primary bool) *Executor {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := poolKey{ec: ec, agentID: agentID}
	if e, ok := p.executors[key]; ok {
		return e
	}
	e := NewExecutor(ec, agentID, primary, p.optFns...)
	p.executors[key] = e
	return e
}

// Remove drops the executor of agentID, typically after a temporary agent
// was unregistered.
func (p *Pool) Remove(ec *tool.ExecContext, agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.executors, poolKey{ec: ec, agentID: agentID})
}

// Terminate cancels the in-flight execution with executionID, whichever
// executor owns it.
func (p *Pool) Terminate(ctx context.Context, executionID string) error {
	p.mu.Lock()
	executors := make([]*Executor, 0, len(p.executors))
	for _, e := range p.executors {
		executors = append(executors, e)
	}
	p.mu.Unlock()

	for _, e := range executors {
		if e.owns(executionID) {
			return e.Terminate(ctx, executionID)
		}
	}
	return core.Errorf(core.KindNotFound, "no running sub-agent execution %s", executionID)
}

// Active returns the total number of running sub-agent operations.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.executors {
		n += e.Active()
	}
	return n
}
