// Package main defines the agentcrew command line using kong.
package main

import (
	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Config string `short:"c" help:"Config file path (TOML or YAML)" default:"agentcrew.toml"`
	Env    string `help:"Dotenv file loaded before the config" default:".env"`

	Run      RunCmd      `cmd:"" help:"Run a task on an agent"`
	Agents   AgentsCmd   `cmd:"" help:"List configured agents"`
	Servers  ServersCmd  `cmd:"" help:"List remote-tool servers"`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration"`
	Migrate  MigrateCmd  `cmd:"" help:"Apply the postgres schema"`
	Decide   DecideCmd   `cmd:"" help:"Approve or reject a pending validation request"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd runs one workflow.
type RunCmd struct {
	Task    string `arg:"" help:"Task description"`
	Agent   string `short:"a" help:"Agent id (defaults to the primary agent)"`
	Context string `help:"JSON context attached to the task"`
	Stream  bool   `short:"s" help:"Print stream chunks to stderr"`
	JSON    bool   `help:"Print the report as JSON"`
}

// AgentsCmd lists agents.
type AgentsCmd struct{}

// ServersCmd lists remote-tool servers.
type ServersCmd struct {
	Start bool `help:"Start every enabled server and list its tools"`
}

// ValidateCmd validates the configuration.
type ValidateCmd struct{}

// MigrateCmd applies migrations.
type MigrateCmd struct{}

// DecideCmd records a human decision.
type DecideCmd struct {
	ID     string `arg:"" help:"Validation request id"`
	Reject bool   `help:"Reject instead of approve"`
	Reason string `help:"Reason recorded with the decision"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
