// Package decompose splits large tasks into dependency-ordered subtasks with
// the help of an AI engine, and measures how parallel the result is.
package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/imkarma/weave/internal/agent"
	"github.com/imkarma/weave/internal/logging"
	"github.com/imkarma/weave/internal/metrics"
	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

// Integration subtask template.
const (
	integrationPrefix   = "Integrate and validate "
	integrationProvides = "Fully integrated and validated solution"
	integrationMaxHours = 1.5
	integrationShare    = 0.2
)

var integrationArtifacts = []string{"docs/integration_report.md", "tests/integration/test_integration.py"}

// Result is the outcome of one decomposition. Failures carry a Reason and
// never an error value.
type Result struct {
	ParentID          string               `json:"parent_id"`
	Success           bool                 `json:"success"`
	Reason            string               `json:"reason,omitempty"`
	RunID             string               `json:"run_id,omitempty"`
	Subtasks          []store.Task         `json:"subtasks,omitempty"`
	SharedConventions map[string]string    `json:"shared_conventions,omitempty"`
	Parallelism       *ParallelismAnalysis `json:"parallelism,omitempty"`
}

func failed(parentID, format string, args ...any) Result {
	return Result{ParentID: parentID, Reason: fmt.Sprintf(format, args...)}
}

// Decomposer turns an engine proposal into a committed batch of subtasks.
type Decomposer struct {
	engine      agent.Engine
	manager     *subtask.Manager
	log         *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
}

// Option configures a Decomposer.
type Option func(*Decomposer)

func WithLogger(l *slog.Logger) Option { return func(d *Decomposer) { d.log = logging.OrDiscard(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Decomposer) { d.metrics = m } }

// WithConcurrency bounds how many engine calls DecomposeAll runs at once.
func WithConcurrency(n int) Option {
	return func(d *Decomposer) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// New creates a Decomposer.
func New(engine agent.Engine, manager *subtask.Manager, opts ...Option) *Decomposer {
	d := &Decomposer{
		engine:      engine,
		manager:     manager,
		log:         logging.Discard(),
		concurrency: 4,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decompose asks the engine for a plan, validates it, appends the
// integration subtask and stores the batch.
func (d *Decomposer) Decompose(ctx context.Context, task store.Task) Result {
	res := d.decompose(ctx, task)
	if res.Success {
		d.metrics.DecompositionResult("success")
		d.metrics.SubtasksAdded(len(res.Subtasks), res.Parallelism.ParallelismScore)
		d.log.Info("task decomposed",
			"parent", task.ID,
			"run", res.RunID,
			"subtasks", len(res.Subtasks),
			"depth", res.Parallelism.DependencyChainDepth,
			"score", math.Round(res.Parallelism.ParallelismScore*10)/10)
	} else {
		d.metrics.DecompositionResult("failed")
		d.log.Warn("decomposition failed", "parent", task.ID, "reason", res.Reason)
	}
	return res
}

func (d *Decomposer) decompose(ctx context.Context, task store.Task) Result {
	if task.IsSubtask {
		return failed(task.ID, "%s is a subtask and cannot be decomposed", task.ID)
	}
	if d.manager.HasSubtasks(task.ID) {
		return failed(task.ID, "%s is already decomposed", task.ID)
	}

	proposal, err := d.engine.GenerateDecomposition(ctx, task, agent.DecompositionContext{
		Others: d.manager.Store().Parents(),
	})
	if err != nil {
		d.metrics.CollaboratorFailed("engine")
		return failed(task.ID, "AI engine gave no decomposition: %v", err)
	}
	if len(proposal.Subtasks) == 0 {
		return failed(task.ID, "AI engine proposed no subtasks")
	}

	specs, err := Validate(proposal.Subtasks, d.log)
	if err != nil {
		return failed(task.ID, "invalid decomposition: %v", err)
	}
	specs = append(specs, IntegrationSpec(task, len(specs)))
	if err := subtask.ValidateSpecs(specs); err != nil {
		return failed(task.ID, "invalid decomposition: %v", err)
	}

	runID := uuid.New().String()
	meta := store.SubtaskMetadata{
		SharedConventions: proposal.SharedConventions,
		DecomposedBy:      d.engine.Name() + "/" + runID,
	}
	created, err := d.manager.AddSubtasks(ctx, task.ID, specs, meta)
	if err != nil {
		return failed(task.ID, "store subtasks: %v", err)
	}

	analysis := AnalyzeParallelism(specs)
	return Result{
		ParentID:          task.ID,
		Success:           true,
		RunID:             runID,
		Subtasks:          created,
		SharedConventions: proposal.SharedConventions,
		Parallelism:       &analysis,
	}
}

// DecomposeAll decomposes every task that passes ShouldDecompose and has no
// subtasks yet. Engine calls run concurrently; each task fails on its own.
// Results keep the order of tasks and skip ineligible ones.
func (d *Decomposer) DecomposeAll(ctx context.Context, tasks []store.Task) []Result {
	var eligible []store.Task
	for _, t := range tasks {
		if t.IsSubtask || t.Status == store.StatusDone || d.manager.HasSubtasks(t.ID) {
			continue
		}
		if !ShouldDecompose(t) {
			d.log.Debug("decomposition not warranted", "task", t.ID)
			continue
		}
		eligible = append(eligible, t)
	}

	results := make([]Result, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, t := range eligible {
		g.Go(func() error {
			results[i] = d.Decompose(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// IntegrationSpec builds the final subtask of a batch: it depends on every
// earlier subtask and validates the combined result.
func IntegrationSpec(task store.Task, n int) subtask.Spec {
	deps := make([]int, n)
	types := make([]store.DependencyType, n)
	for i := range deps {
		deps[i] = i
		types[i] = store.DepHard
	}
	return subtask.Spec{
		Name:            integrationPrefix + task.Name,
		Description:     fmt.Sprintf("Wire the subtasks of %q together, run the end-to-end checks and record the outcome.", task.Name),
		EstimatedHours:  math.Min(integrationMaxHours, task.EstimatedHours*integrationShare),
		Dependencies:    deps,
		DependencyTypes: types,
		FileArtifacts:   append([]string(nil), integrationArtifacts...),
		Provides:        integrationProvides,
	}
}

// Validate converts engine proposals into subtask specs. Missing names,
// descriptions or estimates and out-of-range indices reject the batch.
// Dependency entries that are not integers are dropped and logged.
func Validate(proposals []agent.ProposedSubtask, log *slog.Logger) ([]subtask.Spec, error) {
	log = logging.OrDiscard(log)
	specs := make([]subtask.Spec, 0, len(proposals))
	for i, p := range proposals {
		field := fmt.Sprintf("subtasks[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			return nil, store.Invalid(field+".name", "is empty")
		}
		if strings.TrimSpace(p.Description) == "" {
			return nil, store.Invalid(field+".description", "is empty")
		}
		if p.EstimatedHours == nil {
			return nil, store.Invalid(field+".estimated_hours", "is missing")
		}
		if *p.EstimatedHours < 0 || math.IsNaN(*p.EstimatedHours) {
			return nil, store.Invalid(field+".estimated_hours", "must be a non-negative number")
		}

		var deps []int
		var types []store.DependencyType
		seen := make(map[int]bool)
		for j, raw := range p.Dependencies {
			idx, ok := asIndex(raw)
			if !ok {
				log.Warn("dropping non-integer dependency", "subtask", i, "entry", fmt.Sprint(raw))
				continue
			}
			if idx < 0 || idx >= i {
				return nil, store.Invalid(field+".dependencies", "index %d is not an earlier subtask", idx)
			}
			if seen[idx] {
				continue
			}
			seen[idx] = true
			deps = append(deps, idx)
			types = append(types, depType(p.DependencyTypes, j))
		}

		specs = append(specs, subtask.Spec{
			Name:            p.Name,
			Description:     p.Description,
			EstimatedHours:  *p.EstimatedHours,
			Dependencies:    deps,
			DependencyTypes: types,
			FileArtifacts:   p.FileArtifacts,
			Provides:        p.Provides,
			Requires:        p.Requires,
		})
	}
	return specs, nil
}

// asIndex accepts whole JSON numbers and Go integers.
func asIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func depType(types []string, i int) store.DependencyType {
	if i < len(types) && strings.EqualFold(strings.TrimSpace(types[i]), string(store.DepSoft)) {
		return store.DepSoft
	}
	return store.DepHard
}
