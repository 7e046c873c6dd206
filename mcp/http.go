package mcp

import (
	"context"
	"net/http"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hupe1980/agentcrew/core"
)

// httpSession is a long-lived streamable HTTP session to a remote endpoint.
type httpSession struct {
	server  string
	session *sdkmcp.ClientSession
}

// headerTransport adds static headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func dialHTTP(ctx context.Context, cfg ServerConfig, client ClientInfo) (Session, error) {
	httpClient := http.DefaultClient
	if len(cfg.Headers) > 0 {
		httpClient = &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: cfg.Headers}}
	}

	c := sdkmcp.NewClient(&sdkmcp.Implementation{Name: client.Name, Version: client.Version}, nil)
	transport := &sdkmcp.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClient,
		MaxRetries: -1,
	}
	session, err := c.Connect(ctx, transport, nil)
	if err != nil {
		return nil, core.Wrap(core.KindExecutionFailed, err, "connect to mcp endpoint "+cfg.Name)
	}
	return &httpSession{server: cfg.Name, session: session}, nil
}

// Initialize reports the handshake result; Connect already performed it.
func (h *httpSession) Initialize(context.Context) (ServerInfo, error) {
	result := h.session.InitializeResult()
	if result == nil {
		return ServerInfo{}, nil
	}
	return serverInfoOf(result), nil
}

func (h *httpSession) ListTools(ctx context.Context) ([]core.RemoteToolInfo, error) {
	var tools []*sdkmcp.Tool
	for t, err := range h.session.Tools(ctx, &sdkmcp.ListToolsParams{}) {
		if err != nil {
			return nil, core.Wrap(core.KindExecutionFailed, err, "list tools of "+h.server)
		}
		tools = append(tools, t)
	}
	return convertTools(h.server, tools), nil
}

func (h *httpSession) ListResources(ctx context.Context) ([]Resource, error) {
	result, err := h.session.ListResources(ctx, &sdkmcp.ListResourcesParams{})
	if err != nil {
		return nil, core.Wrap(core.KindExecutionFailed, err, "list resources of "+h.server)
	}
	return convertResources(result.Resources), nil
}

func (h *httpSession) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	result, err := h.session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, core.Wrap(core.KindExecutionFailed, err, "read resource "+uri+" of "+h.server)
	}
	return convertContents(result.Contents), nil
}

func (h *httpSession) CallTool(ctx context.Context, name string, args map[string]any) (*sdkmcp.CallToolResult, error) {
	result, err := h.session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.Wrap(core.KindOf(ctx.Err()), ctx.Err(), "call "+name+" on "+h.server)
		}
		return nil, core.Wrap(core.KindExecutionFailed, err, "call "+name+" on "+h.server)
	}
	return result, nil
}

func (h *httpSession) Close(context.Context) error {
	return h.session.Close()
}
