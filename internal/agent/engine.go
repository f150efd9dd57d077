package agent

import (
	"context"
	"fmt"
	"log/slog"

	agentctx "github.com/imkarma/weave/internal/context"
	"github.com/imkarma/weave/internal/logging"
	"github.com/imkarma/weave/internal/store"
)

// DecompositionContext is what the engine sees besides the task itself.
type DecompositionContext struct {
	Others []store.Task // other tasks in the project, for scope
}

// Engine is the AI collaborator behind decomposition and dependency
// resolution. Any error means "no answer".
type Engine interface {
	GenerateDecomposition(ctx context.Context, task store.Task, dc DecompositionContext) (*Decomposition, error)
	ResolveDependency(ctx context.Context, subtask store.Task, candidates []store.ScoredTask) (*DependencyDecision, error)
	Name() string
}

// RunnerEngine answers engine questions by prompting an agent Runner and
// parsing its output against a strict schema.
type RunnerEngine struct {
	runner     Runner
	prompts    *agentctx.Builder
	workDir    string
	timeoutSec int
	log        *slog.Logger
}

// NewRunnerEngine wraps runner. A nil logger discards output.
func NewRunnerEngine(runner Runner, prompts *agentctx.Builder, workDir string, log *slog.Logger) *RunnerEngine {
	return &RunnerEngine{
		runner:  runner,
		prompts: prompts,
		workDir: workDir,
		log:     logging.OrDiscard(log),
	}
}

// WithTimeout overrides the agent's default timeout for engine calls.
func (e *RunnerEngine) WithTimeout(sec int) *RunnerEngine {
	e.timeoutSec = sec
	return e
}

func (e *RunnerEngine) Name() string { return e.runner.Name() }

// GenerateDecomposition asks the agent to split task into subtasks.
func (e *RunnerEngine) GenerateDecomposition(ctx context.Context, task store.Task, dc DecompositionContext) (*Decomposition, error) {
	prompt := e.prompts.BuildDecompositionPrompt(task, dc.Others)
	out, err := e.run(ctx, task.ID, prompt, "decompose")
	if err != nil {
		return nil, err
	}
	d, err := ParseDecomposition(out)
	if err != nil {
		return nil, e.fail("decompose", err)
	}
	return d, nil
}

// ResolveDependency asks the agent which candidates subtask depends on.
// Candidate IDs the agent invents are passed through; the caller checks
// them against the store.
func (e *RunnerEngine) ResolveDependency(ctx context.Context, subtask store.Task, candidates []store.ScoredTask) (*DependencyDecision, error) {
	if len(candidates) == 0 {
		return &DependencyDecision{Types: map[string]store.DependencyType{}, Reasoning: map[string]string{}}, nil
	}
	prompt := e.prompts.BuildDependencyPrompt(subtask, candidates)
	out, err := e.run(ctx, subtask.ID, prompt, "resolve_dependency")
	if err != nil {
		return nil, err
	}
	d, err := ParseDependencyDecision(out)
	if err != nil {
		return nil, e.fail("resolve_dependency", err)
	}
	return d, nil
}

func (e *RunnerEngine) run(ctx context.Context, taskID, prompt, op string) (string, error) {
	e.log.Debug("engine call", "op", op, "task", taskID, "agent", e.runner.Name())
	resp, err := e.runner.Run(ctx, Request{
		TaskID:     taskID,
		Prompt:     prompt,
		WorkDir:    e.workDir,
		TimeoutSec: e.timeoutSec,
	})
	if err != nil {
		return "", e.fail(op, err)
	}
	if resp.Failed() {
		if resp.Error != nil {
			return "", e.fail(op, resp.Error)
		}
		return "", e.fail(op, fmt.Errorf("exit code %d", resp.ExitCode))
	}
	return resp.Output, nil
}

func (e *RunnerEngine) fail(op string, err error) error {
	e.log.Warn("engine call failed", "op", op, "agent", e.runner.Name(), "err", err)
	return &store.CollaboratorError{Collaborator: "engine:" + e.runner.Name(), Op: op, Err: err}
}
