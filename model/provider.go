package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/resilience"
)

// Factory builds a model for an agent's model configuration.
type Factory func(cfg core.ModelConfig) (Model, error)

// Providers maps provider names to factories. Each provider gets its own
// rate limiter, so calls to one provider are spaced while others proceed.
type Providers struct {
	mu        sync.RWMutex
	factories map[string]Factory
	limiters  map[string]*resilience.RateLimiter
}

// NewProviders creates an empty provider set.
func NewProviders() *Providers {
	return &Providers{
		factories: make(map[string]Factory),
		limiters:  make(map[string]*resilience.RateLimiter),
	}
}

// Register binds name to factory. A positive minInterval rate-limits every
// model the factory builds.
func (p *Providers) Register(name string, factory Factory, minInterval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[name] = factory
	if minInterval > 0 {
		p.limiters[name] = resilience.NewRateLimiter(minInterval)
	} else {
		delete(p.limiters, name)
	}
}

// Names returns the registered provider names, sorted.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.factories))
	for n := range p.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build constructs the model for cfg.
func (p *Providers) Build(cfg core.ModelConfig) (Model, error) {
	p.mu.RLock()
	factory, ok := p.factories[cfg.Provider]
	limiter := p.limiters[cfg.Provider]
	p.mu.RUnlock()

	if !ok {
		return nil, core.Errorf(core.KindNotFound, "unknown model provider %q (known: %s)",
			cfg.Provider, strings.Join(p.Names(), ", "))
	}
	m, err := factory(cfg)
	if err != nil {
		return nil, core.Wrap(core.KindDependency, err, fmt.Sprintf("build model %s/%s", cfg.Provider, cfg.Name))
	}
	if limiter != nil {
		m = WithRateLimit(m, limiter)
	}
	return m, nil
}

// rateLimited delays every Generate call through a shared limiter.
type rateLimited struct {
	Model
	limiter *resilience.RateLimiter
}

// WithRateLimit wraps m so consecutive Generate calls are spaced by the
// limiter's interval. The first call never waits.
func WithRateLimit(m Model, limiter *resilience.RateLimiter) Model {
	return &rateLimited{Model: m, limiter: limiter}
}

// Generate implements Model.
func (r *rateLimited) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	if err := r.limiter.Wait(ctx); err != nil {
		respCh := make(chan Response)
		errCh := make(chan error, 1)
		errCh <- err
		close(respCh)
		close(errCh)
		return respCh, errCh
	}
	return r.Model.Generate(ctx, req)
}
