package engine

import (
	"sort"
	"sync"

	"github.com/hupe1980/agentcrew/core"
)

// Registry is the concurrent agent id to agent map. Lookups run in parallel;
// registration and removal take the write lock.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]core.Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]core.Agent)}
}

// Register adds agent under id, replacing an earlier registration.
func (r *Registry) Register(id string, agent core.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[id] = agent
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (core.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns the registered ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unregister removes id. In-flight executions keep their agent reference.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return core.NewAgentNotFoundError(id)
	}
	delete(r.agents, id)
	return nil
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

var _ core.AgentRegistry = (*Registry)(nil)
