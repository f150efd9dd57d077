// Package subtask owns the parent/subtask relationship on top of the task
// store: batch creation, lifecycle transitions, claiming and legacy import.
package subtask

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/imkarma/weave/internal/logging"
	"github.com/imkarma/weave/internal/store"
)

// Spec describes one subtask to create. Dependencies are indices into the
// same batch and may only point at earlier entries.
type Spec struct {
	Name            string
	Description     string
	EstimatedHours  float64
	Dependencies    []int
	DependencyTypes []store.DependencyType
	FileArtifacts   []string
	Provides        string
	Requires        string
}

// ID returns the generated ID of the subtask at index within parentID.
func ID(parentID string, index int) string {
	return fmt.Sprintf("%s_sub_%d", parentID, index+1)
}

// Manager provides atomic subtask operations over a TaskStore.
type Manager struct {
	store *store.TaskStore
	log   *slog.Logger
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(s *store.TaskStore, log *slog.Logger) *Manager {
	return &Manager{store: s, log: logging.OrDiscard(log)}
}

// Store returns the underlying task store.
func (m *Manager) Store() *store.TaskStore { return m.store }

// ValidateSpecs checks batch structure: names, estimates and that every
// dependency index points strictly backwards.
func ValidateSpecs(specs []Spec) error {
	if len(specs) == 0 {
		return store.Invalid("subtasks", "batch is empty")
	}
	for i, s := range specs {
		if s.Name == "" {
			return store.Invalid(fmt.Sprintf("subtasks[%d].name", i), "is empty")
		}
		if s.EstimatedHours < 0 {
			return store.Invalid(fmt.Sprintf("subtasks[%d].estimated_hours", i), "is negative")
		}
		for _, d := range s.Dependencies {
			switch {
			case d == i:
				return store.Invalid(fmt.Sprintf("subtasks[%d].dependencies", i), "depends on itself")
			case d < 0 || d > i:
				return store.Invalid(fmt.Sprintf("subtasks[%d].dependencies", i), "index %d is not an earlier subtask", d)
			}
		}
		for _, dt := range s.DependencyTypes {
			if dt != store.DepHard && dt != store.DepSoft {
				return store.Invalid(fmt.Sprintf("subtasks[%d].dependency_types", i), "unknown type %q", dt)
			}
		}
	}
	return nil
}

// AddSubtasks creates the whole batch for parentID in one commit. The
// parent must exist and must not have been decomposed before.
func (m *Manager) AddSubtasks(ctx context.Context, parentID string, specs []Spec, meta store.SubtaskMetadata) ([]store.Task, error) {
	if err := ValidateSpecs(specs); err != nil {
		return nil, err
	}

	var created []store.Task
	err := m.store.Update(ctx, func(tx *store.Txn) error {
		parent, ok := tx.Get(parentID)
		if !ok {
			return store.Invalid("parent", "%s: %v", parentID, store.ErrNotFound)
		}
		if parent.IsSubtask {
			return store.Invalid("parent", "%s is itself a subtask", parentID)
		}
		if len(tx.Children(parentID)) > 0 {
			return store.Invalid("parent", "%s is already decomposed", parentID)
		}
		if _, ok := tx.Metadata(parentID); ok {
			return store.Invalid("parent", "%s is already decomposed", parentID)
		}

		created = make([]store.Task, 0, len(specs))
		for i, s := range specs {
			deps := make([]string, 0, len(s.Dependencies))
			for _, d := range s.Dependencies {
				deps = append(deps, ID(parentID, d))
			}
			t := store.Task{
				ID:              ID(parentID, i),
				Name:            s.Name,
				Description:     s.Description,
				Status:          store.StatusTodo,
				Priority:        parent.Priority,
				EstimatedHours:  s.EstimatedHours,
				Dependencies:    nilIfEmpty(deps),
				DependencyTypes: nilIfEmpty(normalizeTypes(s.DependencyTypes, len(deps))),
				IsSubtask:       true,
				ParentTaskID:    parentID,
				SubtaskIndex:    i,
				Provides:        s.Provides,
				Requires:        s.Requires,
				FileArtifacts:   slices.Clone(s.FileArtifacts),
			}
			if _, exists := tx.Get(t.ID); exists {
				return store.Invalid("id", "%s already exists", t.ID)
			}
			tx.Put(t)
			created = append(created, t)
		}

		meta.ParentID = parentID
		if meta.DecomposedAt.IsZero() {
			meta.DecomposedAt = tx.Now()
		}
		tx.SetMetadata(meta)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("subtasks added", "parent", parentID, "count", len(created))
	for i := range created {
		created[i], _ = m.store.Get(created[i].ID)
	}
	return created, nil
}

// normalizeTypes pads or truncates types to n entries. Missing entries are
// hard dependencies.
func normalizeTypes(types []store.DependencyType, n int) []store.DependencyType {
	out := make([]store.DependencyType, n)
	for i := range out {
		out[i] = store.DepHard
		if i < len(types) && types[i] == store.DepSoft {
			out[i] = store.DepSoft
		}
	}
	return out
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

// GetSubtasks returns parentID's subtasks ordered by index.
func (m *Manager) GetSubtasks(parentID string) []store.Task {
	return m.store.Children(parentID)
}

// HasSubtasks reports whether parentID has been decomposed into subtasks.
func (m *Manager) HasSubtasks(parentID string) bool {
	return len(m.store.Children(parentID)) > 0
}

// Metadata returns the decomposition metadata for parentID.
func (m *Manager) Metadata(parentID string) (store.SubtaskMetadata, bool) {
	return m.store.Metadata(parentID)
}

// Ready reports whether a subtask can be handed to an agent: nobody is
// working on it, it is not finished, and every dependency is in completed.
// BLOCKED subtasks are eligible again so a released subtask is retried.
func Ready(t store.Task, completed map[string]bool) bool {
	if !claimable(t.Status) {
		return false
	}
	for _, d := range t.Dependencies {
		if !completed[d] {
			return false
		}
	}
	return true
}

// GetNextAvailableSubtask returns the first subtask of parentID, by index,
// that is ready given the completed set.
func (m *Manager) GetNextAvailableSubtask(parentID string, completed map[string]bool) (store.Task, bool) {
	for _, t := range m.store.Children(parentID) {
		if Ready(t, completed) {
			return t, true
		}
	}
	return store.Task{}, false
}

// CompletedIDs returns the IDs of every DONE task in the store.
func (m *Manager) CompletedIDs() map[string]bool {
	done := make(map[string]bool)
	for _, t := range m.store.List() {
		if t.Status == store.StatusDone {
			done[t.ID] = true
		}
	}
	return done
}

// UpdateSubtaskStatus sets a subtask's status and, when assignedTo is not
// nil, its assignee. It returns false if id is not a known subtask. The
// parent follows along: it starts when a subtask starts, completes in the
// same commit as its last subtask, and reopens if a subtask leaves DONE.
func (m *Manager) UpdateSubtaskStatus(ctx context.Context, id string, status store.TaskStatus, assignedTo *string) (bool, error) {
	if !status.Valid() {
		return false, store.Invalid("status", "unknown status %q", status)
	}
	found := false
	err := m.store.Update(ctx, func(tx *store.Txn) error {
		found = false
		t, ok := tx.Get(id)
		if !ok || !t.IsSubtask {
			return nil
		}
		found = true
		t.Status = status
		if assignedTo != nil {
			t.AssignedTo = *assignedTo
		}
		tx.Put(t)
		syncParent(tx, t.ParentTaskID)
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		m.log.Debug("status update for unknown subtask", "subtask", id)
	}
	return found, nil
}

// claimable reports whether a subtask in status s may be claimed.
func claimable(s store.TaskStatus) bool {
	return s == store.StatusTodo || s == store.StatusBlocked
}

// ClaimSubtask atomically moves a ready subtask from TODO or BLOCKED to
// IN_PROGRESS and assigns it to agentID. It fails with store.ErrConflict if
// the subtask is already IN_PROGRESS or DONE, or a dependency is not DONE.
func (m *Manager) ClaimSubtask(ctx context.Context, id, agentID string) (store.Task, error) {
	var claimed store.Task
	err := m.store.Update(ctx, func(tx *store.Txn) error {
		t, ok := tx.Get(id)
		if !ok || !t.IsSubtask {
			return fmt.Errorf("subtask %s: %w", id, store.ErrNotFound)
		}
		if !claimable(t.Status) {
			return fmt.Errorf("claim %s: status is %s: %w", id, t.Status, store.ErrConflict)
		}
		for _, d := range t.Dependencies {
			dep, ok := tx.Get(d)
			if !ok || dep.Status != store.StatusDone {
				return fmt.Errorf("claim %s: dependency %s not done: %w", id, d, store.ErrConflict)
			}
		}
		t.Status = store.StatusInProgress
		t.AssignedTo = agentID
		tx.Put(t)
		syncParent(tx, t.ParentTaskID)
		claimed = t
		return nil
	})
	if err != nil {
		return store.Task{}, err
	}
	m.log.Debug("subtask claimed", "subtask", id, "agent", agentID)
	return claimed, nil
}

// syncParent derives the parent's status from its subtasks. It reports
// whether this call moved the parent to DONE.
func syncParent(tx *store.Txn, parentID string) bool {
	parent, ok := tx.Get(parentID)
	if !ok {
		return false
	}
	kids := tx.Children(parentID)
	allDone, anyStarted := len(kids) > 0, false
	for _, k := range kids {
		if k.Status != store.StatusDone {
			allDone = false
		}
		if k.Status != store.StatusTodo {
			anyStarted = true
		}
	}

	next := parent.Status
	switch {
	case allDone:
		next = store.StatusDone
	case parent.Status == store.StatusDone:
		next = store.StatusInProgress
	case parent.Status == store.StatusTodo && anyStarted:
		next = store.StatusInProgress
	}
	if next == parent.Status {
		return false
	}
	parent.Status = next
	tx.Put(parent)
	return next == store.StatusDone
}

// CompleteSubtask marks a subtask DONE, checking the assignee and the
// status in the same commit. A non-empty agentID must match the current
// assignee. Completing a DONE subtask changes nothing and reports
// changed=false. parentDone is true only for the call that moved the parent
// to DONE.
func (m *Manager) CompleteSubtask(ctx context.Context, id, agentID string) (changed, parentDone bool, err error) {
	err = m.store.Update(ctx, func(tx *store.Txn) error {
		changed, parentDone = false, false
		t, ok := tx.Get(id)
		if !ok || !t.IsSubtask {
			return fmt.Errorf("subtask %s: %w", id, store.ErrNotFound)
		}
		if t.Status == store.StatusDone {
			return nil
		}
		if agentID != "" && t.AssignedTo != "" && t.AssignedTo != agentID {
			return fmt.Errorf("subtask %s is assigned to %s: %w", id, t.AssignedTo, store.ErrConflict)
		}
		t.Status = store.StatusDone
		tx.Put(t)
		changed = true
		parentDone = syncParent(tx, t.ParentTaskID)
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if changed {
		m.log.Debug("subtask completed", "subtask", id, "agent", agentID, "parent_done", parentDone)
	}
	return changed, parentDone, nil
}

// FinishParent moves parentID to DONE when it has subtasks and all of them
// are DONE. It reports true only for the call that made the transition, so
// callers can announce completion exactly once.
func (m *Manager) FinishParent(ctx context.Context, parentID string) (bool, error) {
	finished := false
	err := m.store.Update(ctx, func(tx *store.Txn) error {
		finished = false
		parent, ok := tx.Get(parentID)
		if !ok || parent.Status == store.StatusDone {
			return nil
		}
		kids := tx.Children(parentID)
		if len(kids) == 0 {
			return nil
		}
		for _, k := range kids {
			if k.Status != store.StatusDone {
				return nil
			}
		}
		parent.Status = store.StatusDone
		tx.Put(parent)
		finished = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return finished, nil
}

// IsParentComplete reports whether parentID has subtasks and all are DONE.
func (m *Manager) IsParentComplete(parentID string) bool {
	kids := m.store.Children(parentID)
	if len(kids) == 0 {
		return false
	}
	for _, k := range kids {
		if k.Status != store.StatusDone {
			return false
		}
	}
	return true
}

// GetCompletionPercentage returns 100*done/total, or 0 without subtasks.
func (m *Manager) GetCompletionPercentage(parentID string) float64 {
	kids := m.store.Children(parentID)
	if len(kids) == 0 {
		return 0
	}
	done := 0
	for _, k := range kids {
		if k.Status == store.StatusDone {
			done++
		}
	}
	return 100 * float64(done) / float64(len(kids))
}

// RemoveSubtasks deletes every subtask and the metadata of parentID.
// Dependencies other tasks hold on the removed subtasks are dropped too.
// It returns false if there was nothing to remove.
func (m *Manager) RemoveSubtasks(ctx context.Context, parentID string) (bool, error) {
	removed := false
	err := m.store.Update(ctx, func(tx *store.Txn) error {
		removed = false
		kids := tx.Children(parentID)
		_, hasMeta := tx.Metadata(parentID)
		if len(kids) == 0 && !hasMeta {
			return nil
		}
		removed = true

		gone := make(map[string]bool, len(kids))
		for _, k := range kids {
			gone[k.ID] = true
			tx.Delete(k.ID)
		}
		for _, t := range tx.List() {
			if !slices.ContainsFunc(t.Dependencies, func(d string) bool { return gone[d] }) {
				continue
			}
			var deps []string
			var types []store.DependencyType
			for i, d := range t.Dependencies {
				if gone[d] {
					m.log.Info("dropping dependency on removed subtask", "task", t.ID, "dependency", d)
					continue
				}
				deps = append(deps, d)
				types = append(types, t.DependencyTypes[i])
			}
			t.Dependencies, t.DependencyTypes = deps, types
			tx.Put(t)
		}
		tx.DeleteMetadata(parentID)

		if parent, ok := tx.Get(parentID); ok && parent.Status != store.StatusTodo {
			parent.Status = store.StatusTodo
			tx.Put(parent)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		m.log.Info("subtasks removed", "parent", parentID)
	}
	return removed, nil
}
