package mcp

import (
	"sync"
	"time"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/resilience"
)

// ServerState is the lifecycle state of a managed server.
type ServerState string

const (
	StateStopped      ServerState = "stopped"
	StateStarting     ServerState = "starting"
	StateRunning      ServerState = "running"
	StateError        ServerState = "error"
	StateDisconnected ServerState = "disconnected"
)

// ServerStatus is a point-in-time view of a managed server.
type ServerStatus struct {
	Name          string                  `json:"name"`
	Kind          ServerKind              `json:"kind"`
	Description   string                  `json:"description,omitempty"`
	Enabled       bool                    `json:"enabled"`
	State         ServerState             `json:"state"`
	Info          ServerInfo              `json:"info"`
	Tools         []core.RemoteToolInfo   `json:"tools"`
	Resources     []Resource              `json:"resources"`
	LastError     string                  `json:"last_error,omitempty"`
	StartedAt     *time.Time              `json:"started_at,omitempty"`
	StoppedAt     *time.Time              `json:"stopped_at,omitempty"`
	Breaker       resilience.BreakerState `json:"breaker"`
	BreakerWaitMs int64                   `json:"breaker_wait_ms,omitempty"`
}

// server is the manager's per-server bookkeeping.
type server struct {
	cfg     ServerConfig
	breaker *resilience.CircuitBreaker

	// startMu serializes spawn attempts.
	startMu sync.Mutex

	mu        sync.RWMutex
	state     ServerState
	session   Session
	info      ServerInfo
	tools     []core.RemoteToolInfo
	resources []Resource
	lastErr   string
	startedAt *time.Time
	stoppedAt *time.Time
}

func newServer(cfg ServerConfig, breaker resilience.BreakerConfig) *server {
	return &server{
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(func(o *resilience.BreakerConfig) { *o = breaker }),
		state:   StateStopped,
	}
}

// live returns the session when the server is running and still connected.
func (s *server) live() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.session == nil {
		return nil, false
	}
	if d, ok := s.session.(interface{ Done() <-chan struct{} }); ok {
		select {
		case <-d.Done():
			s.state = StateDisconnected
			s.lastErr = "connection lost"
			return nil, false
		default:
		}
	}
	return s.session, true
}

func (s *server) setState(state ServerState, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.lastErr = errMsg
	now := time.Now().UTC()
	switch state {
	case StateRunning:
		s.startedAt = &now
		s.stoppedAt = nil
	case StateStopped, StateError, StateDisconnected:
		s.stoppedAt = &now
	}
}

func (s *server) status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ServerStatus{
		Name:          s.cfg.Name,
		Kind:          s.cfg.Kind,
		Description:   s.cfg.Description,
		Enabled:       s.cfg.IsEnabled(),
		State:         s.state,
		Info:          s.info,
		Tools:         append([]core.RemoteToolInfo(nil), s.tools...),
		Resources:     append([]Resource(nil), s.resources...),
		LastError:     s.lastErr,
		StartedAt:     s.startedAt,
		StoppedAt:     s.stoppedAt,
		Breaker:       s.breaker.State(),
		BreakerWaitMs: s.breaker.RemainingCooldown().Milliseconds(),
	}
}
