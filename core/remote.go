package core

import (
	"context"
	"strings"
)

// RemoteToolSeparator joins server and tool names in the names exposed to models.
const RemoteToolSeparator = "__"

// RemoteToolInfo describes a tool discovered on a remote-tool server.
type RemoteToolInfo struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// QualifiedName returns the model-facing name of the remote tool.
func (i RemoteToolInfo) QualifiedName() string {
	return QualifyRemoteTool(i.Server, i.Name)
}

// QualifyRemoteTool builds "<server>__<tool>".
func QualifyRemoteTool(server, tool string) string {
	return server + RemoteToolSeparator + tool
}

// SplitRemoteTool splits a model-facing name into server and tool.
func SplitRemoteTool(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, RemoteToolSeparator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// RemoteTools is the contract the tool loop consumes to reach remote-tool
// servers. The remote-tool manager implements it.
type RemoteTools interface {
	// HasServer reports whether the server is configured.
	HasServer(name string) bool
	// Tools lists the discovered tools of a server, starting it if needed.
	Tools(ctx context.Context, server string) ([]RemoteToolInfo, error)
	// CallTool invokes a tool and returns its decoded result.
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
}
