// Package main is the entry point for the agentcrew CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/hupe1980/agentcrew"
	"github.com/hupe1980/agentcrew/config"
	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/storage/postgres"
	"github.com/hupe1980/agentcrew/stream"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

// app carries what every command needs.
type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agentcrew"),
		kong.Description("Multi-agent orchestration runtime."),
		kong.UsageOnError(),
		kongVars(),
	)

	if err := godotenv.Load(cli.Env); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: load %s: %v\n", cli.Env, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{configPath: cli.Config, stdout: os.Stdout, stderr: os.Stderr}
	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(a)
	if err := kctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. The default path may be missing.
func (a *app) loadConfig() (config.Config, error) {
	path := a.configPath
	if path == config.DefaultConfigPath {
		path = ""
	}
	return config.Load(path)
}

func (a *app) newCrew(ctx context.Context, optFns ...func(o *agentcrew.Options)) (*agentcrew.Crew, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return agentcrew.New(ctx, cfg, optFns...)
}

// Run executes the task and prints the report.
func (c *RunCmd) Run(ctx context.Context, a *app) error {
	crew, err := a.newCrew(ctx, func(o *agentcrew.Options) {
		if c.Stream {
			o.Sinks = append(o.Sinks, &chunkPrinter{w: a.stderr})
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = crew.Close(shutdownCtx)
	}()

	if hub := crew.WebSocketHub(); hub != nil {
		srv := &http.Server{Addr: crew.Config().Stream.WebSocketAddr, Handler: hub, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(a.stderr, "warning: websocket server: %v\n", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	agentID := c.Agent
	if agentID == "" {
		primary, ok := crew.Config().PrimaryAgent()
		if !ok {
			return core.Errorf(core.KindInvalidInput, "no primary agent configured").
				WithRemedy("pass --agent or mark one agent primary = true")
		}
		agentID = primary.ID
	}

	task := core.Task{Description: c.Task}
	if c.Context != "" {
		if !json.Valid([]byte(c.Context)) {
			return core.Errorf(core.KindInvalidInput, "--context is not valid JSON")
		}
		task.Context = json.RawMessage(c.Context)
	}

	res, err := crew.Run(ctx, agentID, task)
	if err != nil {
		return fmt.Errorf("workflow %s %s: %w", res.WorkflowID, res.Status, err)
	}

	if c.JSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Report)
	}
	fmt.Fprintln(a.stdout, res.Report.Content)
	fmt.Fprintf(a.stderr, "\nworkflow %s %s in %s\n", res.WorkflowID, res.Status, res.Duration.Round(time.Millisecond))
	return nil
}

// Run lists the configured agents.
func (c *AgentsCmd) Run(a *app) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	for _, ag := range cfg.Agents {
		marker := " "
		if ag.Primary {
			marker = "*"
		}
		fmt.Fprintf(a.stdout, "%s %-20s %s/%s tools=%v mcp=%v\n", marker, ag.ID, ag.Model.Provider, ag.Model.Name, ag.Tools, ag.MCPServers)
	}
	return nil
}

// Run lists the remote-tool servers, optionally starting them.
func (c *ServersCmd) Run(ctx context.Context, a *app) error {
	crew, err := a.newCrew(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = crew.Close(context.WithoutCancel(ctx)) }()

	if c.Start {
		if err := crew.Remote().StartAll(ctx); err != nil {
			fmt.Fprintf(a.stderr, "warning: %v\n", err)
		}
	}

	for _, s := range crew.Remote().ListServers() {
		fmt.Fprintf(a.stdout, "%-20s kind=%s enabled=%t state=%s breaker=%s\n", s.Name, s.Kind, s.Enabled, s.State, s.Breaker)
		names := make([]string, 0, len(s.Tools))
		for _, t := range s.Tools {
			names = append(names, t.Name)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(a.stdout, "    %s\n", n)
		}
		if s.LastError != "" {
			fmt.Fprintf(a.stdout, "    last error: %s\n", s.LastError)
		}
	}
	return nil
}

// Run validates the configuration by assembling a crew without running it.
func (c *ValidateCmd) Run(ctx context.Context, a *app) error {
	crew, err := a.newCrew(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = crew.Close(context.WithoutCancel(ctx)) }()

	for _, w := range crew.Config().Warnings() {
		fmt.Fprintf(a.stderr, "warning: %s\n", w)
	}
	fmt.Fprintf(a.stdout, "config ok: %d agents, tools %v\n", len(crew.Agents()), crew.Tools().Names())
	return nil
}

// Run applies the embedded migrations.
func (c *MigrateCmd) Run(a *app) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return core.Errorf(core.KindInvalidInput, "migrate needs storage.driver = %q", config.DriverPostgres)
	}
	if err := postgres.Migrate(cfg.Storage.DSN); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "migrations applied")
	return nil
}

// Run records the decision in the shared store.
func (c *DecideCmd) Run(ctx context.Context, a *app) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return core.Errorf(core.KindInvalidInput, "decide needs a shared store").
			WithRemedy("configure storage.driver = \"postgres\"")
	}
	pool, err := postgres.Open(ctx, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.NewStore(pool).DecideValidation(ctx, c.ID, !c.Reject, c.Reason); err != nil {
		return err
	}
	verdict := "approved"
	if c.Reject {
		verdict = "rejected"
	}
	fmt.Fprintf(a.stdout, "%s %s\n", c.ID, verdict)
	return nil
}

// Run prints the version.
func (c *VersionCmd) Run(a *app) error {
	fmt.Fprintf(a.stdout, "agentcrew %s (commit: %s)\n", version, commit)
	return nil
}

// chunkPrinter is a stream.Sink writing a compact line per chunk.
type chunkPrinter struct {
	w io.Writer
}

func (p *chunkPrinter) Emit(_ context.Context, c stream.Chunk) error {
	switch c.ChunkType {
	case stream.ChunkToken:
		_, err := fmt.Fprint(p.w, c.Content)
		return err
	case stream.ChunkToolStart:
		_, err := fmt.Fprintf(p.w, "\n  → tool %s\n", c.Tool)
		return err
	case stream.ChunkSubAgentStart:
		_, err := fmt.Fprintf(p.w, "\n  ⊕ sub-agent %s (%s)\n", c.SubAgentName, c.SubAgentID)
		return err
	case stream.ChunkSubAgentComplete:
		_, err := fmt.Fprintf(p.w, "\n  ⊖ sub-agent %s done\n", c.SubAgentName)
		return err
	case stream.ChunkSubAgentError:
		_, err := fmt.Fprintf(p.w, "\n  ✗ sub-agent %s: %s\n", c.SubAgentName, c.Error)
		return err
	case stream.ChunkValidationRequest:
		_, err := fmt.Fprintf(p.w, "\n  ? approval needed [%s, risk %s]: agentcrew decide %s\n", c.Operation, c.RiskLevel, c.ValidationID)
		return err
	case stream.ChunkError:
		_, err := fmt.Fprintf(p.w, "\n  ✗ %s\n", c.Content)
		return err
	}
	return nil
}

func (p *chunkPrinter) Complete(context.Context, stream.Completion) error { return nil }
