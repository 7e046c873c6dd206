package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[log]
level = "error"

[[agents]]
id = "lead"
primary = true
tools = ["calculator", "spawn_subagent"]

[agents.model]
provider = "mock"
name = "echo"
`

func parse(t *testing.T, args ...string) *CLI {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return &cli
}

func testApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crew.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	out := &bytes.Buffer{}
	return &app{configPath: path, stdout: out, stderr: &bytes.Buffer{}}, out
}

func TestRunCmd_Flags(t *testing.T) {
	cli := parse(t, "run", "-a", "lead", "--stream", "summarise the repo")
	assert.Equal(t, "summarise the repo", cli.Run.Task)
	assert.Equal(t, "lead", cli.Run.Agent)
	assert.True(t, cli.Run.Stream)
	assert.Equal(t, "agentcrew.toml", cli.Config)
}

func TestDecideCmd_Flags(t *testing.T) {
	cli := parse(t, "-c", "prod.yaml", "decide", "val_1", "--reject", "--reason", "too risky")
	assert.Equal(t, "prod.yaml", cli.Config)
	assert.Equal(t, "val_1", cli.Decide.ID)
	assert.True(t, cli.Decide.Reject)
	assert.Equal(t, "too risky", cli.Decide.Reason)
}

func TestRunCmd_PrimaryAgentEchoes(t *testing.T) {
	a, out := testApp(t)
	cmd := &RunCmd{Task: "hello crew"}
	require.NoError(t, cmd.Run(context.Background(), a))
	assert.Contains(t, out.String(), "hello crew")
}

func TestRunCmd_RejectsBadContext(t *testing.T) {
	a, _ := testApp(t)
	cmd := &RunCmd{Task: "x", Context: "{not json"}
	assert.Error(t, cmd.Run(context.Background(), a))
}

func TestAgentsCmd(t *testing.T) {
	a, out := testApp(t)
	require.NoError(t, (&AgentsCmd{}).Run(a))
	assert.Contains(t, out.String(), "* lead")
}

func TestValidateCmd(t *testing.T) {
	a, out := testApp(t)
	require.NoError(t, (&ValidateCmd{}).Run(context.Background(), a))
	assert.Contains(t, out.String(), "config ok: 1 agents")
}

func TestMigrateCmd_NeedsPostgres(t *testing.T) {
	a, _ := testApp(t)
	assert.Error(t, (&MigrateCmd{}).Run(a))
}
