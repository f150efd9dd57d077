package decompose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/imkarma/weave/internal/agent"
	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

type fakeEngine struct {
	mu    sync.Mutex
	plans map[string]*agent.Decomposition
	err   error
	calls []string
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) GenerateDecomposition(_ context.Context, task store.Task, _ agent.DecompositionContext) (*agent.Decomposition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, task.ID)
	if e.err != nil {
		return nil, e.err
	}
	if p, ok := e.plans[task.ID]; ok {
		return p, nil
	}
	return nil, &store.CollaboratorError{Collaborator: "engine", Op: "decompose", Err: errors.New("no plan")}
}

func (e *fakeEngine) ResolveDependency(context.Context, store.Task, []store.ScoredTask) (*agent.DependencyDecision, error) {
	return nil, errors.New("not used")
}

func hours(h float64) *float64 { return &h }

func proposal(name string, deps ...any) agent.ProposedSubtask {
	return agent.ProposedSubtask{Name: name, Description: name + " work", EstimatedHours: hours(2), Dependencies: deps}
}

func setup(t *testing.T, engine agent.Engine, tasks ...store.Task) (*Decomposer, *subtask.Manager) {
	t.Helper()
	s, err := store.Open(context.Background(), store.NewMemoryPersister())
	require.NoError(t, err)
	err = s.Update(context.Background(), func(tx *store.Txn) error {
		for _, task := range tasks {
			tx.Put(task)
		}
		return nil
	})
	require.NoError(t, err)
	m := subtask.NewManager(s, nil)
	return New(engine, m), m
}

func bigTask(id string) store.Task {
	return store.Task{ID: id, Name: "Checkout " + id, Status: store.StatusTodo, Priority: store.PriorityMedium, EstimatedHours: 12}
}

func TestDecompose_AppendsIntegrationSubtask(t *testing.T) {
	engine := &fakeEngine{plans: map[string]*agent.Decomposition{
		"t1": {
			Subtasks: []agent.ProposedSubtask{
				proposal("Design cart"),
				proposal("Implement cart", float64(0)),
				proposal("Test cart", float64(1)),
			},
			SharedConventions: map[string]string{"currency": "cents"},
		},
	}}
	d, m := setup(t, engine, bigTask("t1"))

	res := d.Decompose(context.Background(), bigTask("t1"))
	require.True(t, res.Success, res.Reason)
	require.Len(t, res.Subtasks, 4)
	assert.NotEmpty(t, res.RunID)

	integ := res.Subtasks[3]
	assert.Equal(t, "Integrate and validate Checkout t1", integ.Name)
	assert.Equal(t, []string{"t1_sub_1", "t1_sub_2", "t1_sub_3"}, integ.Dependencies)
	assert.Equal(t, 1.5, integ.EstimatedHours)
	assert.Equal(t, "Fully integrated and validated solution", integ.Provides)
	assert.Equal(t, []string{"docs/integration_report.md", "tests/integration/test_integration.py"}, integ.FileArtifacts)

	meta, ok := m.Metadata("t1")
	require.True(t, ok)
	assert.Equal(t, "cents", meta.SharedConventions["currency"])
	assert.Equal(t, "fake/"+res.RunID, meta.DecomposedBy)

	require.NotNil(t, res.Parallelism)
	assert.Equal(t, 4, res.Parallelism.DependencyChainDepth)
}

func TestDecompose_IntegrationHoursScaleWithSmallTasks(t *testing.T) {
	task := bigTask("t1")
	task.EstimatedHours = 5
	spec := IntegrationSpec(task, 2)
	assert.Equal(t, 1.0, spec.EstimatedHours)
	assert.Equal(t, []int{0, 1}, spec.Dependencies)
}

func TestDecompose_Failures(t *testing.T) {
	cases := map[string]struct {
		plan *agent.Decomposition
		err  error
	}{
		"engine error":     {err: &store.CollaboratorError{Collaborator: "engine", Op: "decompose", Err: errors.New("timeout")}},
		"no subtasks":      {plan: &agent.Decomposition{}},
		"forward index":    {plan: &agent.Decomposition{Subtasks: []agent.ProposedSubtask{proposal("a", float64(1)), proposal("b")}}},
		"missing estimate": {plan: &agent.Decomposition{Subtasks: []agent.ProposedSubtask{{Name: "a", Description: "a"}}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			engine := &fakeEngine{err: tc.err, plans: map[string]*agent.Decomposition{"t1": tc.plan}}
			d, m := setup(t, engine, bigTask("t1"))

			res := d.Decompose(context.Background(), bigTask("t1"))
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Reason)
			assert.False(t, m.HasSubtasks("t1"))
		})
	}
}

func TestDecompose_RejectsAlreadyDecomposed(t *testing.T) {
	engine := &fakeEngine{plans: map[string]*agent.Decomposition{
		"t1": {Subtasks: []agent.ProposedSubtask{proposal("a")}},
	}}
	d, m := setup(t, engine, bigTask("t1"))

	require.True(t, d.Decompose(context.Background(), bigTask("t1")).Success)
	res := d.Decompose(context.Background(), bigTask("t1"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "already decomposed")
	assert.Len(t, m.GetSubtasks("t1"), 2)
	assert.Len(t, engine.calls, 1, "engine is not asked twice")
}

func TestValidate_DropsNonIntegerDependencies(t *testing.T) {
	specs, err := Validate([]agent.ProposedSubtask{
		proposal("a"),
		proposal("b"),
		{
			Name: "c", Description: "c", EstimatedHours: hours(1),
			Dependencies:    []any{"zero", float64(1), 0.5, float64(0), float64(1)},
			DependencyTypes: []string{"hard", "SOFT", "soft", "hard", "soft"},
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, specs[2].Dependencies)
	assert.Equal(t, []store.DependencyType{store.DepSoft, store.DepHard}, specs[2].DependencyTypes)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string][]agent.ProposedSubtask{
		"self":          {proposal("a", float64(0))},
		"negative":      {proposal("a"), proposal("b", float64(-1))},
		"empty name":    {{Name: " ", Description: "x", EstimatedHours: hours(1)}},
		"empty desc":    {{Name: "x", EstimatedHours: hours(1)}},
		"negative time": {{Name: "x", Description: "x", EstimatedHours: hours(-1)}},
	}
	for name, props := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(props, nil)
			assert.True(t, store.IsValidation(err), "got %v", err)
		})
	}
}

func TestDecomposeAll_SkipsIneligibleAndIsolatesFailures(t *testing.T) {
	small := store.Task{ID: "small", Name: "Fix typo", Status: store.StatusTodo, EstimatedHours: 1}
	deploy := store.Task{ID: "ship", Name: "Deploy to production", Status: store.StatusTodo, EstimatedHours: 8}
	engine := &fakeEngine{plans: map[string]*agent.Decomposition{
		"a": {Subtasks: []agent.ProposedSubtask{proposal("Design a"), proposal("Implement a", float64(0))}},
		// "b" has no plan and fails.
		"c": {Subtasks: []agent.ProposedSubtask{proposal("Design c")}},
	}}
	d, m := setup(t, engine, bigTask("a"), bigTask("b"), bigTask("c"), small, deploy)

	results := d.DecomposeAll(context.Background(), m.Store().Parents())
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ParentID)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Len(t, m.GetSubtasks("a"), 3)
	assert.Len(t, m.GetSubtasks("c"), 2)
	assert.NotContains(t, engine.calls, "small")
	assert.NotContains(t, engine.calls, "ship")
}

// Any valid proposal of N subtasks produces N+1 stored subtasks, the last
// depending on all others and capped at 1.5 hours.
func TestDecompose_IntegrationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")
		props := make([]agent.ProposedSubtask, n)
		for i := range props {
			var deps []any
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(rt, fmt.Sprintf("dep_%d_%d", i, j)) {
					deps = append(deps, float64(j))
				}
			}
			props[i] = proposal(fmt.Sprintf("Implement part %d", i), deps...)
		}
		task := bigTask("p")
		task.EstimatedHours = rapid.Float64Range(3, 200).Draw(rt, "hours")

		engine := &fakeEngine{plans: map[string]*agent.Decomposition{"p": {Subtasks: props}}}
		d, m := setup(t, engine, task)
		res := d.Decompose(context.Background(), task)
		if !res.Success {
			rt.Fatalf("decompose failed: %s", res.Reason)
		}
		subs := m.GetSubtasks("p")
		if len(subs) != n+1 {
			rt.Fatalf("got %d subtasks, want %d", len(subs), n+1)
		}
		last := subs[n]
		if len(last.Dependencies) != n {
			rt.Fatalf("integration depends on %d, want %d", len(last.Dependencies), n)
		}
		if last.EstimatedHours > 1.5 {
			rt.Fatalf("integration estimate %v exceeds cap", last.EstimatedHours)
		}
	})
}
