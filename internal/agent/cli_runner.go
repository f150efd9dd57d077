package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/imkarma/weave/internal/config"
)

// CLIRunner runs an agent binary such as claude, codex or ollama once per
// prompt. The prompt goes in as the last argument, or on stdin when the
// agent has prompt_via: stdin.
type CLIRunner struct {
	name string
	cfg  config.Agent
}

// NewCLIRunner returns a runner for the cli agent cfg.
func NewCLIRunner(name string, cfg config.Agent) *CLIRunner {
	return &CLIRunner{name: name, cfg: cfg}
}

func (r *CLIRunner) Name() string { return r.name }
func (r *CLIRunner) Mode() string { return ModeCLI }

// Run executes the agent. A non-zero exit is reported in the Response with a
// nil error so callers still see partial output; only a timeout returns an
// error as well.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	timeout := timeoutFor(r.cfg, req)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := r.command(ctx, req)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	resp := &Response{Output: stdout.String(), Duration: time.Since(start)}

	switch {
	case runErr == nil:
		return resp, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		resp.ExitCode = -1
		resp.Error = fmt.Errorf("agent %s timed out after %s", r.name, timeout)
		return resp, resp.Error
	}

	resp.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		resp.ExitCode = exitErr.ExitCode()
	}
	resp.Error = r.exitError(resp.ExitCode, strings.TrimSpace(stderr.String()), runErr)
	return resp, nil
}

func (r *CLIRunner) command(ctx context.Context, req Request) *exec.Cmd {
	args := r.cfg.EffectiveArgs()
	viaStdin := r.cfg.PromptVia == "stdin"
	if !viaStdin {
		args = append(args, req.Prompt)
	}
	cmd := exec.CommandContext(ctx, r.cfg.Cmd, args...)
	cmd.Dir = req.WorkDir
	if viaStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}
	return cmd
}

func (r *CLIRunner) exitError(code int, stderr string, err error) error {
	if stderr == "" {
		return fmt.Errorf("agent %s exited with code %d: %w", r.name, code, err)
	}
	if lines := strings.Split(stderr, "\n"); len(lines) > 5 {
		stderr = strings.Join(lines[len(lines)-5:], "\n")
	}
	return fmt.Errorf("agent %s exited with code %d: %s", r.name, code, stderr)
}

// CLIAvailable reports whether cmd resolves in PATH.
func CLIAvailable(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
