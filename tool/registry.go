package tool

import (
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/hitl"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/resilience"
	"github.com/hupe1980/agentcrew/storage"
	"github.com/hupe1980/agentcrew/stream"
)

// Category groups tools by the dependencies they need.
type Category string

const (
	// CategoryBasic tools are constructible from Deps alone.
	CategoryBasic Category = "basic"
	// CategorySubAgent tools additionally need an ExecContext.
	CategorySubAgent Category = "subagent"
)

// Deps are the simple dependencies of basic tools.
type Deps struct {
	Store storage.Store
	// WorkflowID is the fallback when the call context carries none.
	WorkflowID string
	AgentID    string
	// Primary marks the agent allowed to use sub-agent tools.
	Primary bool
	Emitter *stream.Emitter
	Logger  logging.Logger
}

// AgentBuilder turns a configuration into a runnable agent.
type AgentBuilder func(cfg core.AgentConfig) (core.Agent, error)

// ExecContext is the full execution context sub-agent tools need.
type ExecContext struct {
	Orchestrator core.Orchestrator
	Agents       core.AgentRegistry
	Remote       core.RemoteTools
	Emitter      *stream.Emitter
	Gate         hitl.Gate
	Records      storage.RecordStore
	BuildAgent   AgentBuilder
	// Tools lets sub-agent tools filter themselves out of child configs.
	Tools *Registry
	// Breaker is shared across the whole sub-agent subsystem.
	Breaker *resilience.CircuitBreaker
	Retry   resilience.RetryConfig
	Logger  logging.Logger
}

// Constructor builds a tool. ec is nil for basic tools.
type Constructor func(deps Deps, ec *ExecContext) (Tool, error)

// Entry is the registry metadata of one tool name.
type Entry struct {
	Name            string
	Category        Category
	RequiresContext bool
	New             Constructor
}

// Registry enumerates the known tool names.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an entry. Sub-agent entries always require context.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" || e.New == nil {
		return core.Errorf(core.KindInvalidInput, "tool entry needs a name and constructor")
	}
	if strings.Contains(e.Name, core.RemoteToolSeparator) {
		return core.Errorf(core.KindInvalidInput, "tool name %q must not contain %q", e.Name, core.RemoteToolSeparator)
	}
	if e.Category == "" {
		e.Category = CategoryBasic
	}
	if e.Category == CategorySubAgent {
		e.RequiresContext = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.Name]; exists {
		return core.Errorf(core.KindValidationFailed, "tool %q already registered", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// MustRegister is Register that panics on error, for package init wiring.
func (r *Registry) MustRegister(e Entry) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns every known tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsSubAgentTool reports whether name is a registered sub-agent tool.
func (r *Registry) IsSubAgentTool(name string) bool {
	e, ok := r.Lookup(name)
	return ok && e.Category == CategorySubAgent
}

// WithoutSubAgentTools filters sub-agent tool names out of names.
func (r *Registry) WithoutSubAgentTools(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !r.IsSubAgentTool(n) {
			out = append(out, n)
		}
	}
	return out
}
