package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/logging"
)

// DefaultShutdownTimeout bounds the wait for a child to exit after its
// stdin is closed.
const DefaultShutdownTimeout = 5 * time.Second

// process is a spawned stdio server.
type process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	logger logging.Logger
}

// startProcess launches the configured command and connects an sdk
// transport to its stdio. The child outlives ctx; stop ends it.
func startProcess(ctx context.Context, cfg ServerConfig, logger logging.Logger) (*process, sdkmcp.Connection, error) {
	program, args := cfg.CommandLine()
	cmd := exec.Command(program, args...) //nolint:gosec // command comes from validated operator config
	cmd.Env = os.Environ()
	if cfg.Kind != KindContainer {
		for _, k := range sortedKeys(cfg.Env) {
			cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, core.Wrap(core.KindExecutionFailed, err, "open stdin of "+cfg.Name)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, core.Wrap(core.KindExecutionFailed, err, "open stdout of "+cfg.Name)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, core.Wrap(core.KindExecutionFailed, err, "open stderr of "+cfg.Name)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, core.Wrap(core.KindExecutionFailed, err, fmt.Sprintf("start mcp server %s (%s)", cfg.Name, program))
	}

	p := &process{name: cfg.Name, cmd: cmd, stdin: stdin, done: make(chan struct{}), logger: logging.OrNoOp(logger)}
	go p.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			p.logger.Debug("mcp.process.exited", "server", p.name, "error", err)
		}
		close(p.done)
	}()

	transport := &sdkmcp.IOTransport{Reader: stdout, Writer: stdin}
	conn, err := transport.Connect(ctx)
	if err != nil {
		_ = p.stop(DefaultShutdownTimeout)
		return nil, nil, core.Wrap(core.KindExecutionFailed, err, "connect to mcp server "+cfg.Name)
	}
	return p, conn, nil
}

func (p *process) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("mcp.server.stderr", "server", p.name, "line", scanner.Text())
	}
}

// stop closes stdin, waits up to timeout for the child to exit and then
// kills it.
func (p *process) stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	_ = p.stdin.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("mcp.process.kill", "server", p.name, "timeout", timeout)
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill mcp server %s: %w", p.name, err)
	}
	<-p.done
	return nil
}

// dialStdio starts a child process and wraps it in a session whose Close
// tears the process down.
func dialStdio(ctx context.Context, cfg ServerConfig, client ClientInfo, shutdown time.Duration, logger logging.Logger) (Session, error) {
	p, conn, err := startProcess(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s := newStdioSession(cfg.Name, conn, client, logger)
	s.onClose = func(context.Context) error { return p.stop(shutdown) }
	return s, nil
}
