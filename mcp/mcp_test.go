package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkjsonrpc "github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/resilience"
)

type echoIn struct {
	Text string `json:"text"`
}

type echoOut struct {
	Echo string `json:"echo"`
}

// startTestServer runs an in-process sdk server and returns a session
// connected to it over the in-memory JSON-RPC transport.
func startTestServer(t *testing.T) *stdioSession {
	t.Helper()
	ctx := context.Background()

	srv := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "files", Version: "1.2.3"}, nil)
	sdkmcp.AddTool(srv, &sdkmcp.Tool{Name: "echo", Description: "Echo text back"},
		func(_ context.Context, _ *sdkmcp.CallToolRequest, in echoIn) (*sdkmcp.CallToolResult, echoOut, error) {
			return nil, echoOut{Echo: in.Text}, nil
		})
	sdkmcp.AddTool(srv, &sdkmcp.Tool{Name: "explode", Description: "Always fails"},
		func(_ context.Context, _ *sdkmcp.CallToolRequest, _ echoIn) (*sdkmcp.CallToolResult, any, error) {
			return nil, nil, errors.New("disk on fire")
		})
	srv.AddResource(&sdkmcp.Resource{URI: "file:///readme.md", Name: "readme", MIMEType: "text/markdown"},
		func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			return &sdkmcp.ReadResourceResult{Contents: []*sdkmcp.ResourceContents{
				{URI: req.Params.URI, MIMEType: "text/markdown", Text: "# hello"},
			}}, nil
		})

	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	_, err := srv.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	conn, err := clientTransport.Connect(ctx)
	require.NoError(t, err)

	s := newStdioSession("files", conn, ClientInfo{Name: "agentcrew-test", Version: "v0"}, nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStdioSessionLifecycle(t *testing.T) {
	s := startTestServer(t)
	ctx := context.Background()

	info, err := s.Initialize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "files", info.Name)
	assert.Equal(t, "1.2.3", info.Version)
	assert.NotEmpty(t, info.ProtocolVersion)

	tools, err := s.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	names := []string{tools[0].Name, tools[1].Name}
	assert.ElementsMatch(t, []string{"echo", "explode"}, names)
	assert.Equal(t, "files", tools[0].Server)
	assert.Equal(t, "object", tools[0].InputSchema["type"])

	resources, err := s.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "file:///readme.md", resources[0].URI)

	contents, err := s.ReadResource(ctx, "file:///readme.md")
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "# hello", contents[0].Text)

	result, err := s.CallTool(ctx, "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, map[string]any{"echo": "hi"}, decodeToolResult(result))

	result, err = s.CallTool(ctx, "explode", map[string]any{"text": "x"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(result), "disk on fire")

	assert.Zero(t, s.pendingCount())
}

// silentConn accepts writes and never answers.
type silentConn struct {
	mu      sync.Mutex
	written []sdkjsonrpc.Message
	closed  chan struct{}
	once    sync.Once
}

func newSilentConn() *silentConn { return &silentConn{closed: make(chan struct{})} }

func (c *silentConn) Read(ctx context.Context) (sdkjsonrpc.Message, error) {
	select {
	case <-c.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *silentConn) Write(_ context.Context, msg sdkjsonrpc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, msg)
	return nil
}

func (c *silentConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *silentConn) SessionID() string { return "" }

func TestStdioSessionTimeoutLeavesNoAwaiter(t *testing.T) {
	conn := newSilentConn()
	s := newStdioSession("slow", conn, ClientInfo{Name: "t"}, nil)
	defer s.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.CallTool(ctx, "anything", nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTimeout))
	assert.Zero(t, s.pendingCount())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	req, ok := conn.written[0].(*sdkjsonrpc.Request)
	require.True(t, ok)
	assert.Equal(t, "tools/call", req.Method)
	assert.True(t, req.ID.IsValid())
}

// reversingConn holds tools/call requests until two arrived and then answers
// them in reverse order, echoing each request's tool name.
type reversingConn struct {
	mu      sync.Mutex
	held    []*sdkjsonrpc.Request
	replies chan sdkjsonrpc.Message
	closed  chan struct{}
	once    sync.Once
}

func newReversingConn() *reversingConn {
	return &reversingConn{replies: make(chan sdkjsonrpc.Message, 2), closed: make(chan struct{})}
}

func (c *reversingConn) Read(ctx context.Context) (sdkjsonrpc.Message, error) {
	select {
	case msg := <-c.replies:
		return msg, nil
	case <-c.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *reversingConn) Write(_ context.Context, msg sdkjsonrpc.Message) error {
	req, ok := msg.(*sdkjsonrpc.Request)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = append(c.held, req)
	if len(c.held) < 2 {
		return nil
	}
	for i := len(c.held) - 1; i >= 0; i-- {
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(c.held[i].Params, &params); err != nil {
			return err
		}
		result := fmt.Sprintf(`{"content":[{"type":"text","text":%q}]}`, params.Name)
		c.replies <- &sdkjsonrpc.Response{ID: c.held[i].ID, Result: json.RawMessage(result)}
	}
	c.held = nil
	return nil
}

func (c *reversingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *reversingConn) SessionID() string { return "" }

func TestStdioSessionMatchesOutOfOrderResponses(t *testing.T) {
	s := newStdioSession("swap", newReversingConn(), ClientInfo{Name: "t"}, nil)
	defer s.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make([]string, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, name := range []string{"first", "second"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			res, err := s.CallTool(ctx, name, nil)
			errs[i] = err
			if err == nil {
				results[i] = resultText(res)
			}
		}(i, name)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []string{"first", "second"}, results)
	assert.Zero(t, s.pendingCount())
}

func TestStdioSessionCloseFailsPending(t *testing.T) {
	conn := newSilentConn()
	s := newStdioSession("gone", conn, ClientInfo{Name: "t"}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "anything", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return s.pendingCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Close(context.Background()))

	err := <-errCh
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err), "a lost connection is transient")
	assert.Zero(t, s.pendingCount())

	_, err = s.CallTool(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestServerConfigValidate(t *testing.T) {
	valid := []ServerConfig{
		{Name: "files", Kind: KindNode, Args: []string{"-y", "@modelcontextprotocol/server-filesystem"}},
		{Name: "fetch", Kind: KindPython, Args: []string{"mcp-server-fetch"}},
		{Name: "github", Kind: KindContainer, Image: "ghcr.io/github/github-mcp-server", Env: map[string]string{"TOKEN": "x"}},
		{Name: "remote-1", Kind: KindHTTP, URL: "https://mcp.example.com/mcp"},
	}
	for _, cfg := range valid {
		assert.NoError(t, cfg.Validate(), cfg.Name)
	}

	longArgs := make([]string, MaxArgs+1)
	for i := range longArgs {
		longArgs[i] = "a"
	}
	bigEnv := map[string]string{}
	for i := 0; i <= MaxEnvVars; i++ {
		bigEnv[fmt.Sprintf("K%d", i)] = "v"
	}

	invalid := map[string]ServerConfig{
		"empty name":       {Kind: KindNode},
		"unsafe name":      {Name: "my server", Kind: KindNode},
		"separator":        {Name: "a__b", Kind: KindNode},
		"unknown kind":     {Name: "x", Kind: "ruby"},
		"http without url": {Name: "x", Kind: KindHTTP},
		"container no img": {Name: "x", Kind: KindContainer},
		"too many args":    {Name: "x", Kind: KindNode, Args: longArgs},
		"arg too long":     {Name: "x", Kind: KindNode, Args: []string{strings.Repeat("a", MaxArgLength+1)}},
		"null in arg":      {Name: "x", Kind: KindNode, Args: []string{"a\x00b"}},
		"too many env":     {Name: "x", Kind: KindNode, Env: bigEnv},
		"env too long":     {Name: "x", Kind: KindNode, Env: map[string]string{"K": strings.Repeat("v", MaxEnvValueLength+1)}},
		"null in env":      {Name: "x", Kind: KindNode, Env: map[string]string{"K": "v\x00"}},
		"null in command":  {Name: "x", Kind: KindNode, Command: "node\x00"},
	}
	for name, cfg := range invalid {
		err := cfg.Validate()
		assert.True(t, core.IsKind(err, core.KindInvalidInput), name)
	}
}

func TestCommandLine(t *testing.T) {
	program, args := ServerConfig{Name: "files", Kind: KindNode, Args: []string{"-y", "pkg"}}.CommandLine()
	assert.Equal(t, "npx", program)
	assert.Equal(t, []string{"-y", "pkg"}, args)

	program, args = ServerConfig{
		Name: "gh", Kind: KindContainer, Image: "img:1",
		Env: map[string]string{"B": "2", "A": "1"}, Args: []string{"stdio"},
	}.CommandLine()
	assert.Equal(t, DefaultContainerRuntime, program)
	assert.Equal(t, []string{"run", "-i", "--rm", "-e", "A=1", "-e", "B=2", "img:1", "stdio"}, args)
}

// fakeSession is a scripted Session for manager tests.
type fakeSession struct {
	calls   atomic.Int32
	callErr error
	result  *sdkmcp.CallToolResult
	closed  atomic.Bool
}

func (f *fakeSession) Initialize(context.Context) (ServerInfo, error) {
	return ServerInfo{Name: "fake", ProtocolVersion: ProtocolVersion}, nil
}

func (f *fakeSession) ListTools(context.Context) ([]core.RemoteToolInfo, error) {
	return []core.RemoteToolInfo{{Server: "fake", Name: "search", InputSchema: map[string]any{"type": "object"}}}, nil
}

func (f *fakeSession) ListResources(context.Context) ([]Resource, error) {
	return nil, core.Errorf(core.KindNotFound, "resources not supported")
}

func (f *fakeSession) ReadResource(context.Context, string) ([]ResourceContent, error) {
	return []ResourceContent{{URI: "mem://x", Text: "x"}}, nil
}

func (f *fakeSession) CallTool(context.Context, string, map[string]any) (*sdkmcp.CallToolResult, error) {
	f.calls.Add(1)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func (f *fakeSession) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

func newTestManager(t *testing.T, sess *fakeSession, dials *atomic.Int32) *Manager {
	t.Helper()
	m, err := NewManager([]ServerConfig{{Name: "fake", Kind: KindNode}}, func(o *Options) {
		o.Retry = resilience.RetryConfig{MaxRetries: 0}
		o.Dial = func(context.Context, ServerConfig) (Session, error) {
			if dials != nil {
				dials.Add(1)
			}
			return sess, nil
		}
	})
	require.NoError(t, err)
	return m
}

func TestManagerLazyStartAndCall(t *testing.T) {
	sess := &fakeSession{result: &sdkmcp.CallToolResult{Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: `{"hits":3}`}}}}
	var dials atomic.Int32
	m := newTestManager(t, sess, &dials)

	st, err := m.ServerState("fake")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, dials.Load(), "servers start lazily")

	assert.True(t, m.HasServer("fake"))
	assert.False(t, m.HasServer("ghost"))

	out, err := m.CallTool(context.Background(), "fake", "search", map[string]any{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hits": float64(3)}, out)

	_, err = m.CallTool(context.Background(), "fake", "search", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dials.Load())

	st, err = m.ServerState("fake")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Len(t, st.Tools, 1)
	assert.NotNil(t, st.StartedAt)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.True(t, sess.closed.Load())
	st, _ = m.ServerState("fake")
	assert.Equal(t, StateStopped, st.State)
}

func TestManagerUnknownServer(t *testing.T) {
	m := newTestManager(t, &fakeSession{}, nil)
	_, err := m.CallTool(context.Background(), "ghost", "x", nil)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.Contains(t, err.Error(), "fake")
}

func TestManagerBreakerOpensAfterThreeFailures(t *testing.T) {
	sess := &fakeSession{callErr: core.Errorf(core.KindExecutionFailed, "boom")}
	m := newTestManager(t, sess, nil)
	ctx := context.Background()

	for i := 0; i < resilience.DefaultFailureThreshold; i++ {
		_, err := m.CallTool(ctx, "fake", "search", nil)
		require.Error(t, err)
		assert.False(t, core.IsKind(err, core.KindCircuitOpen))
	}

	_, err := m.CallTool(ctx, "fake", "search", nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindCircuitOpen))

	var cerr *core.Error
	require.ErrorAs(t, err, &cerr)
	assert.Greater(t, cerr.RemainingCooldown, time.Duration(0))
	assert.EqualValues(t, resilience.DefaultFailureThreshold, sess.calls.Load(), "open breaker does not reach the server")

	st, _ := m.ServerState("fake")
	assert.Equal(t, resilience.StateOpen, st.Breaker)
}

func TestManagerCancelledTrialDoesNotLockBreaker(t *testing.T) {
	sess := &fakeSession{callErr: core.Errorf(core.KindExecutionFailed, "boom"), result: &sdkmcp.CallToolResult{}}
	m, err := NewManager([]ServerConfig{{Name: "fake", Kind: KindNode}}, func(o *Options) {
		o.Retry = resilience.RetryConfig{MaxRetries: 0}
		o.Breaker = resilience.BreakerConfig{FailureThreshold: 3, Cooldown: 50 * time.Millisecond}
		o.Dial = func(context.Context, ServerConfig) (Session, error) { return sess, nil }
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.CallTool(context.Background(), "fake", "search", nil)
		require.Error(t, err)
	}
	time.Sleep(80 * time.Millisecond)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.CallTool(cancelled, "fake", "search", nil)
	require.Error(t, err)
	assert.False(t, core.IsKind(err, core.KindCircuitOpen))

	sess.callErr = nil
	_, err = m.CallTool(context.Background(), "fake", "search", nil)
	require.NoError(t, err)

	st, _ := m.ServerState("fake")
	assert.Equal(t, resilience.StateClosed, st.Breaker)
}

func TestManagerToolErrorResult(t *testing.T) {
	sess := &fakeSession{result: &sdkmcp.CallToolResult{
		IsError: true,
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "quota exceeded"}},
	}}
	m := newTestManager(t, sess, nil)

	_, err := m.CallTool(context.Background(), "fake", "search", nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindExecutionFailed))
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestManagerDisabledServer(t *testing.T) {
	off := false
	m, err := NewManager([]ServerConfig{{Name: "off", Kind: KindNode, Enabled: &off}})
	require.NoError(t, err)
	assert.False(t, m.HasServer("off"))
	_, err = m.Tools(context.Background(), "off")
	assert.True(t, core.IsKind(err, core.KindDependency))
}

func TestManagerRejectsDuplicates(t *testing.T) {
	_, err := NewManager([]ServerConfig{{Name: "a", Kind: KindNode}, {Name: "a", Kind: KindPython}})
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
}

func TestDecodeToolResult(t *testing.T) {
	assert.Equal(t, "plain words", decodeToolResult(&sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "plain words"}},
	}))
	assert.Equal(t, "a\nb", decodeToolResult(&sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "a"}, &sdkmcp.TextContent{Text: "b"}},
	}))
	assert.Equal(t, map[string]any{"k": "v"}, decodeToolResult(&sdkmcp.CallToolResult{
		StructuredContent: map[string]any{"k": "v"},
	}))
}
