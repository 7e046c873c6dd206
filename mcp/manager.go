package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
	"github.com/hupe1980/agentcrew/resilience"
)

// Manager defaults.
const (
	DefaultCallTimeout  = 60 * time.Second
	DefaultStartTimeout = 30 * time.Second
)

// DialFunc opens a session to a configured server.
type DialFunc func(ctx context.Context, cfg ServerConfig) (Session, error)

// Options configures a Manager.
type Options struct {
	Logger          logging.Logger
	Tracer          trace.Tracer
	Breaker         resilience.BreakerConfig
	Retry           resilience.RetryConfig
	CallTimeout     time.Duration
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
	Client          ClientInfo
	// Dial replaces the default process and HTTP dialers.
	Dial DialFunc
}

// Manager owns the configured remote-tool servers. It starts them lazily,
// gates calls with one circuit breaker per server and implements
// core.RemoteTools.
type Manager struct {
	opts    Options
	logger  logging.Logger
	tracer  trace.Tracer
	mu      sync.RWMutex
	servers map[string]*server
	order   []string
}

var _ core.RemoteTools = (*Manager)(nil)

// NewManager validates the configs and creates a manager. No server is
// started until it is first used.
func NewManager(configs []ServerConfig, optFns ...func(o *Options)) (*Manager, error) {
	opts := Options{
		Breaker:         resilience.DefaultBreakerConfig(),
		Retry:           resilience.DefaultRetryConfig(),
		CallTimeout:     DefaultCallTimeout,
		StartTimeout:    DefaultStartTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Client:          ClientInfo{Name: "agentcrew", Version: "v1"},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	m := &Manager{
		opts:    opts,
		logger:  logging.OrNoOp(opts.Logger),
		tracer:  opts.Tracer,
		servers: make(map[string]*server, len(configs)),
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/hupe1980/agentcrew/mcp")
	}
	if m.opts.Dial == nil {
		m.opts.Dial = m.dial
	}

	for _, cfg := range configs {
		if err := m.Add(cfg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add registers another server configuration.
func (m *Manager) Add(cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.servers[cfg.Name]; exists {
		return core.Errorf(core.KindValidationFailed, "mcp server %q configured twice", cfg.Name)
	}
	m.servers[cfg.Name] = newServer(cfg, m.opts.Breaker)
	m.order = append(m.order, cfg.Name)
	return nil
}

func (m *Manager) dial(ctx context.Context, cfg ServerConfig) (Session, error) {
	if cfg.Kind == KindHTTP {
		return dialHTTP(ctx, cfg, m.opts.Client)
	}
	return dialStdio(ctx, cfg, m.opts.Client, m.opts.ShutdownTimeout, m.logger)
}

func (m *Manager) lookup(name string) (*server, error) {
	m.mu.RLock()
	s, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, core.Errorf(core.KindNotFound, "mcp server %q is not configured", name).
			WithRemedy("known servers: " + strings.Join(m.Names(), ", "))
	}
	if !s.cfg.IsEnabled() {
		return nil, core.Errorf(core.KindDependency, "mcp server %q is disabled", name)
	}
	return s, nil
}

// Names returns the configured server names in configuration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// HasServer implements core.RemoteTools.
func (m *Manager) HasServer(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[name]
	return ok && s.cfg.IsEnabled()
}

// Start spawns the server if it is not already running: initialize, then
// tools/list and resources/list.
func (m *Manager) Start(ctx context.Context, name string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	_, err = m.ensureStarted(ctx, s)
	return err
}

// StartAll starts every enabled server and joins the failures.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range m.Names() {
		if !m.HasServer(name) {
			continue
		}
		if err := m.Start(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ensureStarted(ctx context.Context, s *server) (Session, error) {
	if sess, ok := s.live(); ok {
		return sess, nil
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if sess, ok := s.live(); ok {
		return sess, nil
	}

	s.mu.Lock()
	stale := s.session
	s.session = nil
	s.mu.Unlock()
	if stale != nil {
		_ = stale.Close(ctx)
	}

	s.setState(StateStarting, "")
	m.logger.Info("mcp.server.starting", "server", s.cfg.Name, "kind", s.cfg.Kind)

	startCtx, cancel := context.WithTimeout(ctx, m.opts.StartTimeout)
	defer cancel()

	sess, err := m.opts.Dial(startCtx, s.cfg)
	if err != nil {
		s.setState(StateError, err.Error())
		m.logger.Error("mcp.server.start_failed", "server", s.cfg.Name, "error", err)
		return nil, err
	}

	info, err := sess.Initialize(startCtx)
	if err != nil {
		_ = sess.Close(ctx)
		s.setState(StateError, err.Error())
		m.logger.Error("mcp.server.initialize_failed", "server", s.cfg.Name, "error", err)
		return nil, err
	}

	tools, err := sess.ListTools(startCtx)
	if err != nil {
		_ = sess.Close(ctx)
		s.setState(StateError, err.Error())
		m.logger.Error("mcp.server.list_tools_failed", "server", s.cfg.Name, "error", err)
		return nil, err
	}

	resources, err := sess.ListResources(startCtx)
	if err != nil {
		m.logger.Debug("mcp.server.list_resources_failed", "server", s.cfg.Name, "error", err)
		resources = nil
	}

	s.mu.Lock()
	s.session = sess
	s.info = info
	s.tools = tools
	s.resources = resources
	s.mu.Unlock()
	s.setState(StateRunning, "")

	m.logger.Info("mcp.server.started",
		"server", s.cfg.Name,
		"server_name", info.Name,
		"protocol_version", info.ProtocolVersion,
		"tools", len(tools),
		"resources", len(resources),
	)
	return sess, nil
}

// Tools implements core.RemoteTools.
func (m *Manager) Tools(ctx context.Context, name string) ([]core.RemoteToolInfo, error) {
	s, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if _, err := m.ensureStarted(ctx, s); err != nil {
		return nil, err
	}
	return m.RemoteTools(name), nil
}

// RemoteTools returns the tools discovered at the last start without
// starting the server.
func (m *Manager) RemoteTools(name string) []core.RemoteToolInfo {
	m.mu.RLock()
	s, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.RemoteToolInfo(nil), s.tools...)
}

// CallTool implements core.RemoteTools. The call fails fast while the
// server's breaker is open, is retried on transient errors and records its
// final outcome on the breaker.
func (m *Manager) CallTool(ctx context.Context, name, tool string, args map[string]any) (any, error) {
	s, err := m.lookup(name)
	if err != nil {
		return nil, err
	}

	ctx, span := m.tracer.Start(ctx, "mcp.call_tool", trace.WithAttributes(
		attribute.String("mcp.server", name),
		attribute.String("mcp.tool", tool),
	))
	defer span.End()

	if !s.breaker.AllowRequest() {
		err := core.NewCircuitOpenError("mcp server "+name, s.breaker.RemainingCooldown())
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("mcp.call.circuit_open", "server", name, "tool", tool, "remaining_ms", err.RemainingCooldown.Milliseconds())
		return nil, err
	}

	start := time.Now()
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = m.opts.CallTimeout
	}

	retry := m.opts.Retry
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.logger.Warn("mcp.call.retry", "server", name, "tool", tool, "attempt", attempt, "wait", wait, "error", err)
	}

	result, err := resilience.Retry(ctx, retry, func(ctx context.Context) (*sdkmcp.CallToolResult, error) {
		sess, err := m.ensureStarted(ctx, s)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return sess.CallTool(callCtx, tool, args)
	})

	if err == nil && result.IsError {
		err = core.Errorf(core.KindExecutionFailed, "tool %s on %s failed: %s", tool, name, resultText(result))
	}

	duration := time.Since(start)
	span.SetAttributes(attribute.Int64("mcp.duration_ms", duration.Milliseconds()))
	s.breaker.Record(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("mcp.call.failed", "server", name, "tool", tool, "duration", duration, "error", err)
		return nil, err
	}

	m.logger.Debug("mcp.call.completed", "server", name, "tool", tool, "duration", duration)
	return decodeToolResult(result), nil
}

// ReadResource reads a resource from a server, starting it if needed.
func (m *Manager) ReadResource(ctx context.Context, name, uri string) ([]ResourceContent, error) {
	s, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	sess, err := m.ensureStarted(ctx, s)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	return sess.ReadResource(callCtx, uri)
}

// ServerState returns the status of one server.
func (m *Manager) ServerState(name string) (ServerStatus, error) {
	m.mu.RLock()
	s, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return ServerStatus{}, core.Errorf(core.KindNotFound, "mcp server %q is not configured", name)
	}
	return s.status(), nil
}

// ListServers returns the status of every configured server in
// configuration order.
func (m *Manager) ListServers() []ServerStatus {
	names := m.Names()
	out := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		if st, err := m.ServerState(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Breaker exposes the circuit breaker of a server.
func (m *Manager) Breaker(name string) (*resilience.CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[name]
	if !ok {
		return nil, false
	}
	return s.breaker, true
}

// Stop shuts one server down.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.RLock()
	s, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return core.Errorf(core.KindNotFound, "mcp server %q is not configured", name)
	}
	return m.stop(ctx, s)
}

func (m *Manager) stop(ctx context.Context, s *server) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	err := sess.Close(ctx)
	s.setState(StateStopped, "")
	m.logger.Info("mcp.server.stopped", "server", s.cfg.Name)
	if err != nil {
		return fmt.Errorf("stop mcp server %s: %w", s.cfg.Name, err)
	}
	return nil
}

// Shutdown stops every server concurrently. Each child gets its stdin
// closed, a bounded wait and then a kill.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	servers := make([]*server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range servers {
		wg.Add(1)
		go func(s *server) {
			defer wg.Done()
			if err := m.stop(ctx, s); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// decodeToolResult prefers structured content, then a single JSON text
// block, then joined text.
func decodeToolResult(r *sdkmcp.CallToolResult) any {
	if r == nil {
		return map[string]any{"ok": true}
	}
	if r.StructuredContent != nil {
		if raw, ok := r.StructuredContent.(json.RawMessage); ok {
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				return v
			}
		}
		return r.StructuredContent
	}

	var (
		texts  []string
		others []any
	)
	for _, c := range r.Content {
		if t, ok := c.(*sdkmcp.TextContent); ok {
			texts = append(texts, t.Text)
			continue
		}
		if raw, err := json.Marshal(c); err == nil {
			var v map[string]any
			if json.Unmarshal(raw, &v) == nil {
				others = append(others, v)
			}
		}
	}

	if len(others) == 0 {
		if len(texts) == 1 {
			var v any
			if err := json.Unmarshal([]byte(texts[0]), &v); err == nil {
				return v
			}
			return texts[0]
		}
		return strings.Join(texts, "\n")
	}
	items := make([]any, 0, len(texts)+len(others))
	for _, t := range texts {
		items = append(items, map[string]any{"type": "text", "text": t})
	}
	return map[string]any{"content": append(items, others...)}
}

func resultText(r *sdkmcp.CallToolResult) string {
	var texts []string
	for _, c := range r.Content {
		if t, ok := c.(*sdkmcp.TextContent); ok {
			texts = append(texts, t.Text)
		}
	}
	if len(texts) == 0 {
		return "no details"
	}
	return strings.Join(texts, "; ")
}
