package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
)

// ServerKind is the deployment variant of a remote-tool server.
type ServerKind string

const (
	// KindContainer runs the server image through a container runtime CLI.
	KindContainer ServerKind = "container"
	// KindNode runs a node package, by default through npx.
	KindNode ServerKind = "node"
	// KindPython runs a python package, by default through uvx.
	KindPython ServerKind = "python"
	// KindHTTP connects to a remote streamable HTTP endpoint.
	KindHTTP ServerKind = "http"
)

// Configuration bounds.
const (
	MaxArgs           = 64
	MaxArgLength      = 4096
	MaxEnvVars        = 64
	MaxEnvKeyLength   = 256
	MaxEnvValueLength = 8192

	DefaultContainerRuntime = "docker"
)

// ServerConfig describes one remote-tool server.
type ServerConfig struct {
	Name        string            `json:"name" toml:"name" yaml:"name" validate:"required,urlsafe,max=64"`
	Kind        ServerKind        `json:"kind" toml:"kind" yaml:"kind" validate:"required,oneof=container node python http"`
	Description string            `json:"description" toml:"description" yaml:"description" validate:"max=1024,nonul"`
	Command     string            `json:"command" toml:"command" yaml:"command" validate:"max=4096,nonul"`
	Image       string            `json:"image" toml:"image" yaml:"image" validate:"required_if=Kind container,max=512,nonul"`
	Args        []string          `json:"args" toml:"args" yaml:"args" validate:"max=64,dive,max=4096,nonul"`
	Env         map[string]string `json:"env" toml:"env" yaml:"env" validate:"max=64,dive,keys,required,max=256,nonul,endkeys,max=8192,nonul"`
	URL         string            `json:"url" toml:"url" yaml:"url" validate:"omitempty,url,nonul"`
	Headers     map[string]string `json:"headers" toml:"headers" yaml:"headers" validate:"max=64,dive,keys,required,max=256,nonul,endkeys,max=8192,nonul"`
	// Timeout bounds a single request; zero uses the manager default.
	Timeout time.Duration `json:"timeout" toml:"timeout" yaml:"timeout" validate:"gte=0"`
	// Enabled defaults to true when unset.
	Enabled *bool `json:"enabled" toml:"enabled" yaml:"enabled"`
}

// IsEnabled reports whether the server may be started.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Validate checks the field rules of the configuration.
func (c ServerConfig) Validate() error {
	if err := util.ValidateStruct(c); err != nil {
		return core.Wrap(core.KindInvalidInput, err, fmt.Sprintf("invalid mcp server config %q", c.Name))
	}
	if strings.Contains(c.Name, core.RemoteToolSeparator) {
		return core.Errorf(core.KindInvalidInput, "mcp server name %q must not contain %q", c.Name, core.RemoteToolSeparator)
	}
	if c.Kind == KindHTTP && c.URL == "" {
		return core.Errorf(core.KindInvalidInput, "mcp server %q of kind http needs a url", c.Name)
	}
	return nil
}

func defaultCommand(kind ServerKind) string {
	switch kind {
	case KindNode:
		return "npx"
	case KindPython:
		return "uvx"
	case KindContainer:
		return DefaultContainerRuntime
	}
	return ""
}

// CommandLine returns the program and arguments used to launch a stdio server.
// Container servers run "<runtime> run -i --rm [-e K=V ...] <image> <args...>"
// with the environment passed through the runtime instead of the process.
func (c ServerConfig) CommandLine() (string, []string) {
	program := c.Command
	if program == "" {
		program = defaultCommand(c.Kind)
	}
	if c.Kind != KindContainer {
		return program, append([]string(nil), c.Args...)
	}

	args := []string{"run", "-i", "--rm"}
	for _, k := range sortedKeys(c.Env) {
		args = append(args, "-e", k+"="+c.Env[k])
	}
	args = append(args, c.Image)
	return program, append(args, c.Args...)
}
