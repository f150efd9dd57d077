// Package agent runs AI agents, either as external CLI processes or through
// provider APIs, and adapts a runner into the Engine that decomposes tasks
// and resolves dependencies between subtasks.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/imkarma/weave/internal/config"
)

// Agent modes as written in config.yaml.
const (
	ModeCLI = "cli"
	ModeAPI = "api"
)

// Request is one prompt sent to an agent.
type Request struct {
	TaskID     string // Subtask or parent being worked on, for logs
	Prompt     string
	WorkDir    string
	TimeoutSec int // 0 uses the agent's configured timeout
}

// Response is the outcome of one agent run.
type Response struct {
	Output   string
	ExitCode int // -1 when the process never produced an exit status
	Duration time.Duration
	Error    error
}

// Failed reports whether the run did not succeed.
func (r *Response) Failed() bool {
	return r == nil || r.Error != nil || r.ExitCode != 0
}

// Runner executes prompts against one configured agent.
type Runner interface {
	Run(ctx context.Context, req Request) (*Response, error)
	Name() string
	Mode() string
}

// NewRunner builds the runner for agentCfg.Mode.
func NewRunner(name string, agentCfg config.Agent) (Runner, error) {
	switch agentCfg.Mode {
	case ModeCLI:
		return NewCLIRunner(name, agentCfg), nil
	case ModeAPI:
		return NewAPIRunner(name, agentCfg)
	}
	return nil, fmt.Errorf("agent %s: unknown mode %q (want %s or %s)", name, agentCfg.Mode, ModeCLI, ModeAPI)
}

// timeoutFor picks the request timeout, falling back to the agent's.
func timeoutFor(cfg config.Agent, req Request) time.Duration {
	if req.TimeoutSec > 0 {
		return time.Duration(req.TimeoutSec) * time.Second
	}
	return time.Duration(cfg.DefaultTimeout()) * time.Second
}
