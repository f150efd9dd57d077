package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imkarma/weave/internal/agent"
	"github.com/imkarma/weave/internal/assign"
	agentctx "github.com/imkarma/weave/internal/context"
	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

// fakeRunner answers by subtask ID; unknown IDs succeed.
type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]*agent.Response
	errs    map[string]error
	seen    []string
}

func (r *fakeRunner) Name() string { return "fake" }
func (r *fakeRunner) Mode() string { return "cli" }

func (r *fakeRunner) Run(_ context.Context, req agent.Request) (*agent.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, req.TaskID)
	if err := r.errs[req.TaskID]; err != nil {
		return nil, err
	}
	if resp, ok := r.outputs[req.TaskID]; ok {
		return resp, nil
	}
	return &agent.Response{Output: "ok"}, nil
}

func testPool(t *testing.T, runner agent.Runner, workers int, specs ...subtask.Spec) (*Pool, *subtask.Manager) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.NewMemoryPersister())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = s.Update(ctx, func(tx *store.Txn) error {
		tx.Put(store.Task{ID: "p", Name: "Parent", Status: store.StatusTodo, Priority: store.PriorityMedium})
		return nil
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	m := subtask.NewManager(s, nil)
	if _, err := m.AddSubtasks(ctx, "p", specs, store.SubtaskMetadata{}); err != nil {
		t.Fatalf("add subtasks: %v", err)
	}
	pool := NewPool(PoolConfig{
		Assigner:     assign.New(m),
		Prompts:      agentctx.New(s),
		Runner:       runner,
		MaxWorkers:   workers,
		PollInterval: 5 * time.Millisecond,
		RunsDir:      t.TempDir(),
	})
	return pool, m
}

func statusOf(m *subtask.Manager, id string) store.TaskStatus {
	t, _ := m.Store().Get(id)
	return t.Status
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(PoolConfig{})
	if p.maxWorkers != 1 {
		t.Errorf("expected 1 worker, got %d", p.maxWorkers)
	}
	if p.role != "coder" {
		t.Errorf("expected role coder, got %s", p.role)
	}
	if p.pollInterval != 2*time.Second {
		t.Errorf("expected 2s poll interval, got %s", p.pollInterval)
	}
	if p.maxAttempts != 1 {
		t.Errorf("expected 1 attempt, got %d", p.maxAttempts)
	}
}

func TestPool_Run_DependencyChain(t *testing.T) {
	runner := &fakeRunner{}
	pool, m := testPool(t, runner, 3,
		subtask.Spec{Name: "Design"},
		subtask.Spec{Name: "Implement", Dependencies: []int{0}},
		subtask.Spec{Name: "Test", Dependencies: []int{1}},
	)

	results := pool.Run(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != "done" {
			t.Errorf("%s: expected done, got %s", r.TaskID, r.Status)
		}
	}
	want := []string{"p_sub_1", "p_sub_2", "p_sub_3"}
	if strings.Join(runner.seen, ",") != strings.Join(want, ",") {
		t.Errorf("expected order %v, got %v", want, runner.seen)
	}
	if !m.IsParentComplete("p") || statusOf(m, "p") != store.StatusDone {
		t.Error("expected parent to be complete")
	}
}

func TestPool_Run_Parallel(t *testing.T) {
	pool, m := testPool(t, &fakeRunner{}, 4,
		subtask.Spec{Name: "a"}, subtask.Spec{Name: "b"}, subtask.Spec{Name: "c"},
		subtask.Spec{Name: "d"}, subtask.Spec{Name: "e"},
	)

	results := pool.Run(context.Background())
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	seen := map[string]bool{}
	for _, r := range results {
		if seen[r.TaskID] {
			t.Errorf("%s executed twice", r.TaskID)
		}
		seen[r.TaskID] = true
	}
	if m.GetCompletionPercentage("p") != 100 {
		t.Errorf("expected 100%%, got %v", m.GetCompletionPercentage("p"))
	}
}

func TestPool_Run_BlockedAndFailed(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]*agent.Response{
			"p_sub_1": {Output: "BLOCKED: need the database password"},
			"p_sub_2": {Output: "oops", ExitCode: 2},
		},
		errs: map[string]error{"p_sub_3": errors.New("spawn failed")},
	}
	pool, m := testPool(t, runner, 2,
		subtask.Spec{Name: "a"},
		subtask.Spec{Name: "b"},
		subtask.Spec{Name: "c"},
		subtask.Spec{Name: "d", Dependencies: []int{0}},
	)

	results := pool.Run(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 results (d never becomes ready), got %d", len(results))
	}
	byID := map[string]TaskResult{}
	for _, r := range results {
		byID[r.TaskID] = r
	}
	if byID["p_sub_1"].Status != "blocked" {
		t.Errorf("p_sub_1: expected blocked, got %s", byID["p_sub_1"].Status)
	}
	if byID["p_sub_2"].Status != "failed" || byID["p_sub_3"].Status != "failed" {
		t.Errorf("expected p_sub_2 and p_sub_3 failed, got %s and %s", byID["p_sub_2"].Status, byID["p_sub_3"].Status)
	}
	for _, id := range []string{"p_sub_1", "p_sub_2", "p_sub_3"} {
		if statusOf(m, id) != store.StatusBlocked {
			t.Errorf("%s: expected blocked in store, got %s", id, statusOf(m, id))
		}
	}
	if statusOf(m, "p_sub_4") != store.StatusTodo {
		t.Errorf("p_sub_4: expected todo, got %s", statusOf(m, "p_sub_4"))
	}

	out, err := os.ReadFile(filepath.Join(pool.runsDir, "p_sub_1-fake-1.md"))
	if err != nil {
		out, err = os.ReadFile(filepath.Join(pool.runsDir, "p_sub_1-fake-2.md"))
	}
	if err != nil || !strings.Contains(string(out), "BLOCKED") {
		t.Errorf("expected saved agent output, got %q (%v)", out, err)
	}
}

// flakyRunner blocks the first blocks runs of every subtask.
type flakyRunner struct {
	mu     sync.Mutex
	blocks int
	runs   map[string]int
}

func (r *flakyRunner) Name() string { return "flaky" }
func (r *flakyRunner) Mode() string { return "cli" }

func (r *flakyRunner) Run(_ context.Context, req agent.Request) (*agent.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[req.TaskID]++
	if r.runs[req.TaskID] <= r.blocks {
		return &agent.Response{Output: "BLOCKED: try again"}, nil
	}
	return &agent.Response{Output: "ok"}, nil
}

func TestPool_Run_RetriesBlockedUpToMaxAttempts(t *testing.T) {
	runner := &flakyRunner{blocks: 1, runs: map[string]int{}}
	pool, m := testPool(t, runner, 2, subtask.Spec{Name: "a"}, subtask.Spec{Name: "b", Dependencies: []int{0}})
	pool.maxAttempts = 2

	results := pool.Run(context.Background())
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for _, id := range []string{"p_sub_1", "p_sub_2"} {
		if runner.runs[id] != 2 {
			t.Errorf("%s: expected 2 runs, got %d", id, runner.runs[id])
		}
		if statusOf(m, id) != store.StatusDone {
			t.Errorf("%s: expected done, got %s", id, statusOf(m, id))
		}
	}
}

func TestPool_Run_StopsRetryingAfterMaxAttempts(t *testing.T) {
	runner := &flakyRunner{blocks: 10, runs: map[string]int{}}
	pool, m := testPool(t, runner, 3, subtask.Spec{Name: "a"})
	pool.maxAttempts = 3

	results := pool.Run(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if runner.runs["p_sub_1"] != 3 {
		t.Errorf("expected 3 runs, got %d", runner.runs["p_sub_1"])
	}
	if statusOf(m, "p_sub_1") != store.StatusBlocked {
		t.Errorf("expected blocked, got %s", statusOf(m, "p_sub_1"))
	}
}

func TestPool_Run_Cancelled(t *testing.T) {
	pool, _ := testPool(t, &fakeRunner{}, 2, subtask.Spec{Name: "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := pool.Run(ctx)
	if len(results) != 0 {
		t.Errorf("expected no results after cancel, got %d", len(results))
	}
}
