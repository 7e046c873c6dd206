// Package logging provides a minimal logging interface and slog based adapters.
//
// The Logger interface defines the leveled methods (Debug, Info, Warn, Error)
// the orchestrator, tool loop and remote-tool manager log through. Arguments
// are slog style key/value pairs and message keys are dotted identifiers such
// as "tool.call.start" or "mcp.server.started".
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping an existing *slog.Logger
//   - CrewLogger with a component name and fixed attributes
//   - ForComponent to scope any Logger to a component
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	crew, err := agentcrew.New(ctx, cfg, func(o *agentcrew.Options) { o.Logger = logger })
package logging
