package subtask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/imkarma/weave/internal/store"
)

func testManager(t testing.TB, parents ...string) (*Manager, *store.MemoryPersister) {
	t.Helper()
	p := store.NewMemoryPersister()
	s, err := store.Open(context.Background(), p)
	require.NoError(t, err)
	err = s.Update(context.Background(), func(tx *store.Txn) error {
		for _, id := range parents {
			tx.Put(store.Task{ID: id, Name: "Parent " + id, Status: store.StatusTodo, Priority: store.PriorityHigh})
		}
		return nil
	})
	require.NoError(t, err)
	return NewManager(s, nil), p
}

func threeSpecs() []Spec {
	return []Spec{
		{Name: "Design API", Description: "d", EstimatedHours: 1},
		{Name: "Implement API", Description: "i", EstimatedHours: 2, Dependencies: []int{0}},
		{Name: "Test API", Description: "t", EstimatedHours: 1, Dependencies: []int{0, 1}, DependencyTypes: []store.DependencyType{store.DepSoft}},
	}
}

func TestAddSubtasks_GeneratesIDsAndTranslatesDependencies(t *testing.T) {
	m, _ := testManager(t, "p1")

	tasks, err := m.AddSubtasks(context.Background(), "p1", threeSpecs(), store.SubtaskMetadata{DecomposedBy: "pm"})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Equal(t, "p1_sub_1", tasks[0].ID)
	assert.Equal(t, "p1_sub_3", tasks[2].ID)
	assert.Equal(t, []string{"p1_sub_1", "p1_sub_2"}, tasks[2].Dependencies)
	assert.Equal(t, []store.DependencyType{store.DepSoft, store.DepHard}, tasks[2].DependencyTypes)
	for i, task := range tasks {
		assert.Equal(t, i, task.SubtaskIndex)
		assert.True(t, task.IsSubtask)
		assert.Equal(t, "p1", task.ParentTaskID)
		assert.Equal(t, store.StatusTodo, task.Status)
		assert.Equal(t, store.PriorityHigh, task.Priority, "priority is inherited from the parent")
	}

	meta, ok := m.Metadata("p1")
	require.True(t, ok)
	assert.Equal(t, "pm", meta.DecomposedBy)
	assert.False(t, meta.DecomposedAt.IsZero())
}

func TestAddSubtasks_RejectsForwardAndSelfDependencies(t *testing.T) {
	cases := map[string][]Spec{
		"self":     {{Name: "a", Dependencies: []int{0}}},
		"forward":  {{Name: "a", Dependencies: []int{1}}, {Name: "b"}},
		"negative": {{Name: "a"}, {Name: "b", Dependencies: []int{-1}}},
		"no name":  {{Name: ""}},
		"empty":    {},
	}
	for name, specs := range cases {
		t.Run(name, func(t *testing.T) {
			m, p := testManager(t, "p1")
			saves := p.Saves()

			_, err := m.AddSubtasks(context.Background(), "p1", specs, store.SubtaskMetadata{})
			require.Error(t, err)
			assert.True(t, store.IsValidation(err))
			assert.False(t, m.HasSubtasks("p1"))
			assert.Equal(t, saves, p.Saves(), "nothing may be persisted")
		})
	}
}

func TestAddSubtasks_UnknownParent(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.AddSubtasks(context.Background(), "ghost", threeSpecs(), store.SubtaskMetadata{})
	require.Error(t, err)
	assert.True(t, store.IsValidation(err))
}

func TestAddSubtasks_RejectsSecondDecomposition(t *testing.T) {
	m, _ := testManager(t, "p1")
	_, err := m.AddSubtasks(context.Background(), "p1", threeSpecs(), store.SubtaskMetadata{})
	require.NoError(t, err)

	_, err = m.AddSubtasks(context.Background(), "p1", threeSpecs(), store.SubtaskMetadata{})
	require.Error(t, err)
	assert.Len(t, m.GetSubtasks("p1"), 3)
}

func TestAddSubtasks_PersistFailureIsAllOrNothing(t *testing.T) {
	m, p := testManager(t, "p1")
	p.FailNext(errors.New("io error"))

	_, err := m.AddSubtasks(context.Background(), "p1", threeSpecs(), store.SubtaskMetadata{})
	require.Error(t, err)
	assert.False(t, m.HasSubtasks("p1"))
	_, ok := m.Metadata("p1")
	assert.False(t, ok)

	// Retry succeeds once storage recovers.
	_, err = m.AddSubtasks(context.Background(), "p1", threeSpecs(), store.SubtaskMetadata{})
	require.NoError(t, err)
}

func TestGetNextAvailableSubtask(t *testing.T) {
	m, _ := testManager(t, "p1")
	_, err := m.AddSubtasks(context.Background(), "p1", threeSpecs(), store.SubtaskMetadata{})
	require.NoError(t, err)

	next, ok := m.GetNextAvailableSubtask("p1", map[string]bool{})
	require.True(t, ok)
	assert.Equal(t, "p1_sub_1", next.ID)

	_, err = m.UpdateSubtaskStatus(context.Background(), "p1_sub_1", store.StatusInProgress, nil)
	require.NoError(t, err)
	_, ok = m.GetNextAvailableSubtask("p1", map[string]bool{})
	assert.False(t, ok, "the only dependency-free subtask is in progress")

	_, err = m.UpdateSubtaskStatus(context.Background(), "p1_sub_1", store.StatusDone, nil)
	require.NoError(t, err)
	next, ok = m.GetNextAvailableSubtask("p1", m.CompletedIDs())
	require.True(t, ok)
	assert.Equal(t, "p1_sub_2", next.ID)
}

func TestUpdateSubtaskStatus_UnknownID(t *testing.T) {
	m, _ := testManager(t, "p1")
	ok, err := m.UpdateSubtaskStatus(context.Background(), "nope", store.StatusDone, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.UpdateSubtaskStatus(context.Background(), "p1", store.StatusDone, nil)
	require.NoError(t, err)
	assert.False(t, ok, "parents are not subtasks")
}

func TestUpdateSubtaskStatus_ParentLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, "p1")
	_, err := m.AddSubtasks(ctx, "p1", threeSpecs(), store.SubtaskMetadata{})
	require.NoError(t, err)
	parentStatus := func() store.TaskStatus {
		p, _ := m.Store().Get("p1")
		return p.Status
	}

	agent := "agent-1"
	ok, err := m.UpdateSubtaskStatus(ctx, "p1_sub_1", store.StatusInProgress, &agent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusInProgress, parentStatus())
	sub, _ := m.Store().Get("p1_sub_1")
	assert.Equal(t, "agent-1", sub.AssignedTo)

	for _, id := range []string{"p1_sub_1", "p1_sub_2", "p1_sub_3"} {
		_, err := m.UpdateSubtaskStatus(ctx, id, store.StatusDone, nil)
		require.NoError(t, err)
	}
	assert.True(t, m.IsParentComplete("p1"))
	assert.Equal(t, store.StatusDone, parentStatus())

	_, err = m.UpdateSubtaskStatus(ctx, "p1_sub_3", store.StatusTodo, nil)
	require.NoError(t, err)
	assert.False(t, m.IsParentComplete("p1"))
	assert.Equal(t, store.StatusInProgress, parentStatus(), "reopening a subtask reopens the parent")
}

func TestUpdateSubtaskStatus_InvalidStatus(t *testing.T) {
	m, _ := testManager(t, "p1")
	_, err := m.UpdateSubtaskStatus(context.Background(), "p1_sub_1", store.TaskStatus("review"), nil)
	assert.True(t, store.IsValidation(err))
}

func TestClaimSubtask(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, "p1")
	_, err := m.AddSubtasks(ctx, "p1", threeSpecs(), store.SubtaskMetadata{})
	require.NoError(t, err)

	claimed, err := m.ClaimSubtask(ctx, "p1_sub_1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, claimed.Status)
	assert.Equal(t, "a1", claimed.AssignedTo)

	_, err = m.ClaimSubtask(ctx, "p1_sub_1", "a2")
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = m.ClaimSubtask(ctx, "p1_sub_2", "a2")
	assert.ErrorIs(t, err, store.ErrConflict, "dependency not done")

	_, err = m.ClaimSubtask(ctx, "missing", "a2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReady_Statuses(t *testing.T) {
	for _, tc := range []struct {
		status store.TaskStatus
		want   bool
	}{
		{store.StatusTodo, true},
		{store.StatusBlocked, true},
		{store.StatusInProgress, false},
		{store.StatusDone, false},
	} {
		t.Run(string(tc.status), func(t *testing.T) {
			task := store.Task{ID: "p_sub_2", Status: tc.status, Dependencies: []string{"p_sub_1"}}
			assert.Equal(t, tc.want, Ready(task, map[string]bool{"p_sub_1": true}))
			assert.False(t, Ready(task, map[string]bool{}), "unmet dependency")
		})
	}
}

func TestClaimSubtask_Blocked(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, "p1")
	_, err := m.AddSubtasks(ctx, "p1", threeSpecs(), store.SubtaskMetadata{})
	require.NoError(t, err)

	_, err = m.ClaimSubtask(ctx, "p1_sub_1", "a1")
	require.NoError(t, err)
	_, err = m.UpdateSubtaskStatus(ctx, "p1_sub_1", store.StatusBlocked, nil)
	require.NoError(t, err)

	next, ok := m.GetNextAvailableSubtask("p1", m.CompletedIDs())
	require.True(t, ok)
	assert.Equal(t, "p1_sub_1", next.ID)

	claimed, err := m.ClaimSubtask(ctx, "p1_sub_1", "a2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, claimed.Status)
	assert.Equal(t, "a2", claimed.AssignedTo)
}

func TestCompleteSubtask_ReportsParentTransitionOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, "p1")
	_, err := m.AddSubtasks(ctx, "p1", []Spec{{Name: "a"}, {Name: "b"}}, store.SubtaskMetadata{})
	require.NoError(t, err)
	_, err = m.ClaimSubtask(ctx, "p1_sub_1", "a1")
	require.NoError(t, err)

	_, _, err = m.CompleteSubtask(ctx, "p1_sub_1", "a2")
	assert.ErrorIs(t, err, store.ErrConflict)

	changed, parentDone, err := m.CompleteSubtask(ctx, "p1_sub_1", "a1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, parentDone)

	changed, parentDone, err = m.CompleteSubtask(ctx, "p1_sub_2", "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, parentDone)

	changed, parentDone, err = m.CompleteSubtask(ctx, "p1_sub_2", "")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, parentDone)

	finished, err := m.FinishParent(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, finished, "parent already done")

	_, _, err = m.CompleteSubtask(ctx, "missing", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimSubtask_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, "p1")
	_, err := m.AddSubtasks(ctx, "p1", threeSpecs(), store.SubtaskMetadata{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.ClaimSubtask(ctx, "p1_sub_1", fmt.Sprintf("agent-%d", i)); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRemoveSubtasks(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t, "a", "b")
	_, err := m.AddSubtasks(ctx, "a", threeSpecs(), store.SubtaskMetadata{})
	require.NoError(t, err)
	_, err = m.AddSubtasks(ctx, "b", threeSpecs()[:1], store.SubtaskMetadata{})
	require.NoError(t, err)

	// Cross-parent edge b_sub_1 -> a_sub_2.
	err = m.Store().Update(ctx, func(tx *store.Txn) error {
		b, _ := tx.Get("b_sub_1")
		b.Dependencies = []string{"a_sub_2"}
		b.DependencyTypes = []store.DependencyType{store.DepHard}
		tx.Put(b)
		return nil
	})
	require.NoError(t, err)

	removed, err := m.RemoveSubtasks(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, m.HasSubtasks("a"))
	_, ok := m.Metadata("a")
	assert.False(t, ok)

	b, _ := m.Store().Get("b_sub_1")
	assert.Empty(t, b.Dependencies)

	removed, err = m.RemoveSubtasks(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestGetCompletionPercentage_NoSubtasks(t *testing.T) {
	m, _ := testManager(t, "p1")
	assert.Equal(t, 0.0, m.GetCompletionPercentage("p1"))
	assert.False(t, m.IsParentComplete("p1"))
}

// Completing k of n subtasks yields exactly 100*k/n, never decreasing, and
// the parent is complete only once k == n.
func TestCompletionProgress_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "n")
		specs := make([]Spec, n)
		for i := range specs {
			specs[i] = Spec{Name: fmt.Sprintf("s%d", i), Description: "x", EstimatedHours: 1}
		}
		m, _ := testManager(t, "p")
		_, err := m.AddSubtasks(context.Background(), "p", specs, store.SubtaskMetadata{})
		if err != nil {
			rt.Fatalf("add: %v", err)
		}

		order := rapid.Permutation(seq(n)).Draw(rt, "order")
		last := 0.0
		for k, idx := range order {
			if m.IsParentComplete("p") {
				rt.Fatalf("complete after %d of %d", k, n)
			}
			if _, err := m.UpdateSubtaskStatus(context.Background(), ID("p", idx), store.StatusDone, nil); err != nil {
				rt.Fatalf("update: %v", err)
			}
			pct := m.GetCompletionPercentage("p")
			want := 100 * float64(k+1) / float64(n)
			if pct != want {
				rt.Fatalf("after %d of %d: got %v want %v", k+1, n, pct, want)
			}
			if pct < last {
				rt.Fatalf("percentage decreased from %v to %v", last, pct)
			}
			last = pct
		}
		if !m.IsParentComplete("p") {
			rt.Fatalf("all subtasks done but parent incomplete")
		}
	})
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
