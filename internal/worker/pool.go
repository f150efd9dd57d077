// Package worker runs a pool of agents that pull ready subtasks through the
// assigner until nothing is left to do.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imkarma/weave/internal/agent"
	"github.com/imkarma/weave/internal/assign"
	agentctx "github.com/imkarma/weave/internal/context"
	"github.com/imkarma/weave/internal/logging"
	"github.com/imkarma/weave/internal/store"
)

// TaskResult holds the outcome of a single subtask execution.
type TaskResult struct {
	TaskID   string
	Title    string
	Agent    string
	Status   string // "done", "blocked", "failed"
	Duration time.Duration
	Error    error
	Log      []string // Collected log messages.
}

// Pool manages parallel subtask execution.
type Pool struct {
	assigner     *assign.Assigner
	prompts      *agentctx.Builder
	runner       agent.Runner
	role         string
	workDir      string
	runsDir      string
	maxWorkers   int
	maxAttempts  int
	pollInterval time.Duration
	timeoutSec   int
	log          *slog.Logger

	active atomic.Int32

	mu       sync.Mutex
	results  []TaskResult
	attempts map[string]int
}

// PoolConfig holds configuration for creating a worker pool.
type PoolConfig struct {
	Assigner     *assign.Assigner
	Prompts      *agentctx.Builder
	Runner       agent.Runner
	Role         string // Prompt role, defaults to "coder"
	WorkDir      string
	RunsDir      string // Where agent output is saved; empty disables
	MaxWorkers   int
	MaxAttempts  int // Runs per subtask before the pool stops retrying it, defaults to 1
	PollInterval time.Duration
	TimeoutSec   int
	Logger       *slog.Logger
}

// NewPool creates a new worker pool.
func NewPool(pc PoolConfig) *Pool {
	p := &Pool{
		assigner:     pc.Assigner,
		prompts:      pc.Prompts,
		runner:       pc.Runner,
		role:         pc.Role,
		workDir:      pc.WorkDir,
		runsDir:      pc.RunsDir,
		maxWorkers:   pc.MaxWorkers,
		maxAttempts:  pc.MaxAttempts,
		pollInterval: pc.PollInterval,
		timeoutSec:   pc.TimeoutSec,
		log:          logging.OrDiscard(pc.Logger),
		attempts:     map[string]int{},
	}
	if p.role == "" {
		p.role = "coder"
	}
	if p.maxWorkers <= 0 {
		p.maxWorkers = 1
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 1
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 2 * time.Second
	}
	return p
}

// Run starts the workers and blocks until they all exit. A worker exits
// when nothing is ready and no other worker is busy, or when ctx ends.
// Results are in completion order.
func (p *Pool) Run(ctx context.Context) []TaskResult {
	var wg sync.WaitGroup
	for i := 1; i <= p.maxWorkers; i++ {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			p.work(ctx, agentID)
		}(fmt.Sprintf("%s-%d", p.runner.Name(), i))
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results
}

func (p *Pool) work(ctx context.Context, agentID string) {
	for {
		// Count ourselves busy while looking so a peer does not exit just
		// before we claim something that unlocks more work.
		p.active.Add(1)
		t, err := p.assigner.Next(ctx, agentID, p.exhausted)
		if err != nil {
			p.active.Add(-1)
			if ctx.Err() == nil {
				p.log.Error("assignment failed", "agent", agentID, "err", err)
			}
			return
		}
		if t == nil {
			if p.active.Add(-1) == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.mu.Lock()
		p.attempts[t.ID]++
		p.mu.Unlock()

		r := p.execute(ctx, agentID, *t)
		p.active.Add(-1)

		p.mu.Lock()
		p.results = append(p.results, r)
		p.mu.Unlock()
	}
}

// exhausted reports whether this run already gave t all its attempts.
// Released subtasks are BLOCKED and stay claimable, so without the cap a
// subtask that always blocks would be retried forever.
func (p *Pool) exhausted(t store.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[t.ID] >= p.maxAttempts
}

// execute runs the agent on one claimed subtask and records the outcome.
func (p *Pool) execute(ctx context.Context, agentID string, task store.Task) TaskResult {
	start := time.Now()
	var log []string
	logf := func(format string, args ...any) {
		log = append(log, fmt.Sprintf(format, args...))
	}
	result := func(status string, err error) TaskResult {
		return TaskResult{
			TaskID: task.ID, Title: task.Name, Agent: agentID, Status: status,
			Duration: time.Since(start), Error: err, Log: log,
		}
	}

	logf("%s working on %s", agentID, task.ID)
	p.log.Info("subtask started", "subtask", task.ID, "agent", agentID)

	prompt := p.prompts.BuildWorkPrompt(task, p.role)
	resp, err := p.runner.Run(ctx, agent.Request{
		TaskID: task.ID, Prompt: prompt, WorkDir: p.workDir, TimeoutSec: p.timeoutSec,
	})
	if err != nil {
		logf("error: %v", err)
		p.release(ctx, task.ID, fmt.Sprintf("agent error: %v", err))
		return result("failed", err)
	}
	p.saveOutput(task.ID, agentID, resp.Output)

	if b := agent.ParseBlocked(resp.Output); b != "" {
		logf("BLOCKED: %s", b)
		p.release(ctx, task.ID, b)
		return result("blocked", nil)
	}
	if resp.Failed() {
		reason := fmt.Sprintf("exit code %d", resp.ExitCode)
		if resp.Error != nil {
			reason = resp.Error.Error()
		}
		logf("failed: %s", reason)
		p.release(ctx, task.ID, reason)
		return result("failed", resp.Error)
	}

	if err := p.assigner.CompleteSubtask(ctx, task.ID, agentID); err != nil {
		logf("complete failed: %v", err)
		return result("failed", err)
	}
	logf("done (%s)", resp.Duration.Round(100*time.Millisecond))
	return result("done", nil)
}

func (p *Pool) release(ctx context.Context, id, reason string) {
	if err := p.assigner.ReleaseSubtask(ctx, id, reason); err != nil {
		p.log.Error("release failed", "subtask", id, "err", err)
	}
}

func (p *Pool) saveOutput(taskID, agentID, output string) {
	if p.runsDir == "" {
		return
	}
	if err := os.MkdirAll(p.runsDir, 0755); err != nil {
		p.log.Warn("cannot create runs dir", "dir", p.runsDir, "err", err)
		return
	}
	path := filepath.Join(p.runsDir, fmt.Sprintf("%s-%s.md", taskID, agentID))
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		p.log.Warn("cannot save agent output", "path", path, "err", err)
	}
}
