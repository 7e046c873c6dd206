// Package mcp manages remote-tool servers speaking the Model Context Protocol.
//
// Servers are configured with a ServerConfig and started lazily by the
// Manager the first time a tool loop needs them. Container, node and python
// servers run as child processes exchanging newline-delimited JSON-RPC 2.0
// over stdio; http servers are reached through a streamable HTTP session.
//
// Every CallTool is gated by a per-server circuit breaker and retried with
// exponential backoff on transient failures. The Manager implements
// core.RemoteTools, so agents address remote tools as "<server>__<tool>".
package mcp
