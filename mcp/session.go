package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	sdkjsonrpc "github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
)

// ProtocolVersion is the protocol revision announced in initialize.
const ProtocolVersion = "2025-06-18"

// ErrSessionClosed is returned for requests on a closed session.
var ErrSessionClosed = fmt.Errorf("mcp session closed: %w", io.EOF)

// ServerInfo is what a server reports during initialize.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	Instructions    string `json:"instructions,omitempty"`
}

// Resource is a readable resource advertised by a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
}

// ResourceContent is one content block returned by resources/read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// Session is one live connection to a remote-tool server.
type Session interface {
	Initialize(ctx context.Context) (ServerInfo, error)
	ListTools(ctx context.Context) ([]core.RemoteToolInfo, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ReadResource(ctx context.Context, uri string) ([]ResourceContent, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*sdkmcp.CallToolResult, error)
	Close(ctx context.Context) error
}

// ClientInfo identifies this process to servers.
type ClientInfo struct {
	Name    string
	Version string
}

// stdioSession speaks JSON-RPC over an sdk connection, usually the stdio of
// a child process. Requests are correlated through the pending map; the read
// loop completes awaiters and logs notifications.
type stdioSession struct {
	server string
	conn   sdkmcp.Connection
	client ClientInfo
	logger logging.Logger

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *sdkjsonrpc.Response

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	// onClose runs once after the connection is gone (process teardown).
	onClose func(ctx context.Context) error
}

func newStdioSession(server string, conn sdkmcp.Connection, client ClientInfo, logger logging.Logger) *stdioSession {
	s := &stdioSession{
		server:  server,
		conn:    conn,
		client:  client,
		logger:  logging.OrNoOp(logger),
		pending: make(map[string]chan *sdkjsonrpc.Response),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *stdioSession) readLoop() {
	for {
		msg, err := s.conn.Read(context.Background())
		if err != nil {
			s.closeWithError(err)
			return
		}
		switch m := msg.(type) {
		case *sdkjsonrpc.Response:
			key := idKey(m.ID)
			s.pendingMu.Lock()
			ch, ok := s.pending[key]
			if ok {
				delete(s.pending, key)
			}
			s.pendingMu.Unlock()
			if !ok {
				s.logger.Debug("mcp.response.unmatched", "server", s.server, "id", key)
				continue
			}
			ch <- m
		case *sdkjsonrpc.Request:
			if m.ID.IsValid() {
				// Server to client requests (sampling, roots) are not supported.
				resp := &sdkjsonrpc.Response{
					ID:    m.ID,
					Error: &sdkjsonrpc.Error{Code: sdkjsonrpc.CodeMethodNotFound, Message: "method not supported by client"},
				}
				_ = s.conn.Write(context.Background(), resp)
				continue
			}
			s.logger.Debug("mcp.notification", "server", s.server, "method", m.Method)
		}
	}
}

func (s *stdioSession) closeWithError(err error) {
	s.closeOnce.Do(func() {
		if err == nil || errors.Is(err, io.EOF) {
			err = ErrSessionClosed
		}
		s.closeErr = err
		close(s.closed)
		_ = s.conn.Close()

		s.pendingMu.Lock()
		for key, ch := range s.pending {
			close(ch)
			delete(s.pending, key)
		}
		s.pendingMu.Unlock()
	})
}

// Done is closed when the connection is gone.
func (s *stdioSession) Done() <-chan struct{} { return s.closed }

func (s *stdioSession) pendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func (s *stdioSession) removePending(key string) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
}

// call sends a request and waits for the correlated response or ctx. The
// pending entry is always removed before call returns.
func (s *stdioSession) call(ctx context.Context, method string, params any, out any) error {
	select {
	case <-s.closed:
		return core.Wrap(core.KindExecutionFailed, s.closeErr, fmt.Sprintf("mcp server %s is not connected", s.server))
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return core.Wrap(core.KindInvalidInput, err, "encode "+method+" params")
	}

	id, err := sdkjsonrpc.MakeID(float64(s.nextID.Add(1)))
	if err != nil {
		return err
	}
	key := idKey(id)

	respCh := make(chan *sdkjsonrpc.Response, 1)
	s.pendingMu.Lock()
	s.pending[key] = respCh
	s.pendingMu.Unlock()

	if err := s.conn.Write(ctx, &sdkjsonrpc.Request{ID: id, Method: method, Params: raw}); err != nil {
		s.removePending(key)
		return core.Wrap(core.KindExecutionFailed, err, fmt.Sprintf("write %s to mcp server %s", method, s.server))
	}

	select {
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			return core.Wrap(core.KindExecutionFailed, s.closeErr, fmt.Sprintf("mcp server %s closed during %s", s.server, method))
		}
		return decodeResponse(s.server, method, resp, out)
	case <-ctx.Done():
		s.removePending(key)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.Wrap(core.KindTimeout, ctx.Err(), fmt.Sprintf("mcp server %s did not answer %s in time", s.server, method))
		}
		return core.Wrap(core.KindCancelled, ctx.Err(), method+" cancelled")
	}
}

func (s *stdioSession) notify(ctx context.Context, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	return s.conn.Write(ctx, &sdkjsonrpc.Request{Method: method, Params: raw})
}

// Initialize performs the initialize handshake and acknowledges it.
func (s *stdioSession) Initialize(ctx context.Context) (ServerInfo, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": s.client.Name, "version": s.client.Version},
	}
	var result sdkmcp.InitializeResult
	if err := s.call(ctx, "initialize", params, &result); err != nil {
		return ServerInfo{}, err
	}
	if err := s.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return ServerInfo{}, core.Wrap(core.KindExecutionFailed, err, "send initialized notification")
	}
	return serverInfoOf(&result), nil
}

// ListTools implements Session.
func (s *stdioSession) ListTools(ctx context.Context) ([]core.RemoteToolInfo, error) {
	var all []*sdkmcp.Tool
	cursor := ""
	for {
		var result sdkmcp.ListToolsResult
		if err := s.call(ctx, "tools/list", cursorParams(cursor), &result); err != nil {
			return nil, err
		}
		all = append(all, result.Tools...)
		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}
	return convertTools(s.server, all), nil
}

// ListResources implements Session.
func (s *stdioSession) ListResources(ctx context.Context) ([]Resource, error) {
	var result sdkmcp.ListResourcesResult
	if err := s.call(ctx, "resources/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return convertResources(result.Resources), nil
}

// ReadResource implements Session.
func (s *stdioSession) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	var result sdkmcp.ReadResourceResult
	if err := s.call(ctx, "resources/read", map[string]any{"uri": uri}, &result); err != nil {
		return nil, err
	}
	return convertContents(result.Contents), nil
}

// CallTool implements Session.
func (s *stdioSession) CallTool(ctx context.Context, name string, args map[string]any) (*sdkmcp.CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var result sdkmcp.CallToolResult
	if err := s.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close ends the session and runs the process teardown.
func (s *stdioSession) Close(ctx context.Context) error {
	s.closeWithError(ErrSessionClosed)
	if s.onClose != nil {
		return s.onClose(ctx)
	}
	return nil
}

func decodeResponse(server, method string, resp *sdkjsonrpc.Response, out any) error {
	if resp.Error != nil {
		code := int64(sdkjsonrpc.CodeInternalError)
		message := strings.TrimSpace(resp.Error.Error())
		var wireErr *sdkjsonrpc.Error
		if errors.As(resp.Error, &wireErr) {
			code = wireErr.Code
			message = strings.TrimSpace(wireErr.Message)
		}
		if message == "" {
			message = "internal error"
		}
		kind := core.KindExecutionFailed
		if code == sdkjsonrpc.CodeInvalidParams {
			kind = core.KindInvalidInput
		} else if code == sdkjsonrpc.CodeMethodNotFound {
			kind = core.KindNotFound
		}
		return core.Errorf(kind, "mcp server %s rejected %s: %s (code %d)", server, method, message, code)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return core.Wrap(core.KindExecutionFailed, err, fmt.Sprintf("decode %s result from %s", method, server))
	}
	return nil
}

func idKey(id sdkjsonrpc.ID) string {
	if !id.IsValid() {
		return ""
	}
	raw, err := json.Marshal(id.Raw())
	if err != nil {
		return ""
	}
	return string(raw)
}

func cursorParams(cursor string) map[string]any {
	if cursor == "" {
		return map[string]any{}
	}
	return map[string]any{"cursor": cursor}
}

func serverInfoOf(result *sdkmcp.InitializeResult) ServerInfo {
	info := ServerInfo{ProtocolVersion: result.ProtocolVersion, Instructions: result.Instructions}
	if result.ServerInfo != nil {
		info.Name = result.ServerInfo.Name
		info.Version = result.ServerInfo.Version
	}
	return info
}

func convertTools(server string, items []*sdkmcp.Tool) []core.RemoteToolInfo {
	tools := make([]core.RemoteToolInfo, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		tools = append(tools, core.RemoteToolInfo{
			Server:      server,
			Name:        name,
			Description: strings.TrimSpace(item.Description),
			InputSchema: normalizeInputSchema(item.InputSchema),
		})
	}
	return tools
}

func normalizeInputSchema(raw any) map[string]any {
	if schema, ok := raw.(map[string]any); ok && schema != nil {
		return schema
	}
	if raw != nil {
		if payload, err := json.Marshal(raw); err == nil {
			var schema map[string]any
			if err := json.Unmarshal(payload, &schema); err == nil && schema != nil {
				return schema
			}
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func convertResources(items []*sdkmcp.Resource) []Resource {
	out := make([]Resource, 0, len(items))
	for _, r := range items {
		if r == nil || r.URI == "" {
			continue
		}
		out = append(out, Resource{URI: r.URI, Name: r.Name, Description: r.Description, MIMEType: r.MIMEType})
	}
	return out
}

func convertContents(items []*sdkmcp.ResourceContents) []ResourceContent {
	out := make([]ResourceContent, 0, len(items))
	for _, c := range items {
		if c == nil {
			continue
		}
		out = append(out, ResourceContent{URI: c.URI, MIMEType: c.MIMEType, Text: c.Text, Blob: c.Blob})
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
