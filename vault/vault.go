// Package vault defines the credential vault contract used to resolve
// provider API keys, with environment and in-memory implementations.
package vault

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentcrew/core"
)

// Vault stores named secrets.
type Vault interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

// Env reads secrets from the process environment. Keys are upper-cased and
// prefixed, so "anthropic_api_key" with prefix "" reads ANTHROPIC_API_KEY.
type Env struct {
	Prefix string
}

var _ Vault = Env{}

func (e Env) name(key string) string {
	return strings.ToUpper(e.Prefix + key)
}

// Get implements Vault.
func (e Env) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(e.name(key))
	if !ok || v == "" {
		return "", core.Errorf(core.KindNotFound, "secret %q not set", e.name(key)).
			WithRemedy("export the variable or add it to .env")
	}
	return v, nil
}

// Set implements Vault.
func (e Env) Set(_ context.Context, key, value string) error {
	if err := os.Setenv(e.name(key), value); err != nil {
		return core.Wrap(core.KindStorage, err, "set secret failed")
	}
	return nil
}

// Delete implements Vault.
func (e Env) Delete(_ context.Context, key string) error {
	if err := os.Unsetenv(e.name(key)); err != nil {
		return core.Wrap(core.KindStorage, err, "delete secret failed")
	}
	return nil
}

// Has implements Vault.
func (e Env) Has(_ context.Context, key string) (bool, error) {
	v, ok := os.LookupEnv(e.name(key))
	return ok && v != "", nil
}

// List implements Vault. Only prefixed variables are listed; without a
// prefix nothing is listed.
func (e Env) List(_ context.Context) ([]string, error) {
	if e.Prefix == "" {
		return []string{}, nil
	}
	prefix := strings.ToUpper(e.Prefix)
	out := make([]string, 0)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, prefix) {
			out = append(out, strings.ToLower(strings.TrimPrefix(name, prefix)))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Memory is an in-process vault for tests.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

var _ Vault = (*Memory)(nil)

// NewMemory creates a vault seeded with secrets.
func NewMemory(secrets map[string]string) *Memory {
	m := &Memory{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		m.secrets[k] = v
	}
	return m
}

// Get implements Vault.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[key]
	if !ok {
		return "", core.Errorf(core.KindNotFound, "secret %q not set", key)
	}
	return v, nil
}

// Set implements Vault.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

// Delete implements Vault.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return core.Errorf(core.KindNotFound, "secret %q not set", key)
	}
	delete(m.secrets, key)
	return nil
}

// Has implements Vault.
func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.secrets[key]
	return ok, nil
}

// List implements Vault.
func (m *Memory) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
