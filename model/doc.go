// Package model defines the provider-agnostic abstractions for interacting
// with language models.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Normalize tool call representation (ToolDefinition, ToolCall)
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight scripting for tests (ScriptedModel)
//
// Providers (Anthropic, OpenAI) implement Model in subpackages and are
// registered by name in Providers, which also applies per-provider rate
// limiting.
package model
