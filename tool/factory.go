package tool

import (
	"fmt"
	"strings"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
)

// Factory is the single entry point to construct tools by name.
type Factory struct {
	registry *Registry
	deps     Deps
	exec     *ExecContext
	logger   logging.Logger
}

// NewFactory creates a factory for basic tools. Use WithExecContext to
// enable sub-agent tools.
func NewFactory(registry *Registry, deps Deps) *Factory {
	return &Factory{
		registry: registry,
		deps:     deps,
		logger:   logging.OrNoOp(deps.Logger),
	}
}

// WithExecContext returns a copy of the factory wired with ec.
func (f *Factory) WithExecContext(ec *ExecContext) *Factory {
	cp := *f
	cp.exec = ec
	return &cp
}

// ForAgent returns a copy whose deps name the given agent.
func (f *Factory) ForAgent(agentID string, primary bool) *Factory {
	cp := *f
	cp.deps.AgentID = agentID
	cp.deps.Primary = primary
	return &cp
}

// Registry returns the underlying registry.
func (f *Factory) Registry() *Registry { return f.registry }

// Create constructs the tool called name. Unknown names fail fast listing
// the known names; sub-agent tools fail without an execution context.
func (f *Factory) Create(name string) (Tool, error) {
	entry, ok := f.registry.Lookup(name)
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "unknown tool %q; known tools: %s",
			name, strings.Join(f.registry.Names(), ", "))
	}
	if entry.RequiresContext && f.exec == nil {
		return nil, core.Errorf(core.KindDependency, "tool %q is a %s tool and requires an execution context", name, entry.Category).
			WithRemedy("wire the factory with WithExecContext")
	}

	var ec *ExecContext
	if entry.RequiresContext {
		ec = f.exec
	}
	t, err := entry.New(f.deps, ec)
	if err != nil {
		return nil, fmt.Errorf("create tool %s: %w", name, err)
	}
	return t, nil
}

// CreateAll constructs every name it can. Names missing from the registry
// are skipped with a log line; other construction failures are logged too.
func (f *Factory) CreateAll(names []string) []Tool {
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		if _, ok := f.registry.Lookup(name); !ok {
			f.logger.Warn("tool.factory.unknown_skipped", "tool", name, "agent_id", f.deps.AgentID)
			continue
		}
		t, err := f.Create(name)
		if err != nil {
			f.logger.Warn("tool.factory.create_failed", "tool", name, "agent_id", f.deps.AgentID, "error", err)
			continue
		}
		tools = append(tools, t)
	}
	return tools
}
