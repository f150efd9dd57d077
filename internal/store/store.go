package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/imkarma/weave/internal/graph"
)

// TaskStore is the single source of truth for tasks. The whole state lives
// in memory and every mutation is validated and persisted before it becomes
// visible to readers. Reads serve the last loaded state; call Refresh to
// pick up commits made by other processes.
type TaskStore struct {
	mu  sync.RWMutex
	p   Persister
	st  *state
	now func() time.Time
	log *slog.Logger
}

// Option configures a TaskStore.
type Option func(*TaskStore)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *TaskStore) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *TaskStore) { s.now = now }
}

// Open loads the persisted snapshot and validates it.
func Open(ctx context.Context, p Persister, opts ...Option) (*TaskStore, error) {
	s := &TaskStore{
		p:   p,
		now: time.Now,
		log: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}

	st, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.st = st
	s.log.Debug("task store loaded", "tasks", len(st.order), "parents_with_metadata", len(st.meta), "generation", st.gen)
	return s, nil
}

func (s *TaskStore) load(ctx context.Context) (*state, error) {
	snap, err := s.p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	st := fromSnapshot(snap)
	if err := st.validate(); err != nil {
		return nil, fmt.Errorf("persisted state is invalid: %w", err)
	}
	return st, nil
}

// Refresh reloads the state if another store sharing the persister has
// committed since the last load. Readers see the new state afterwards.
func (s *TaskStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *TaskStore) refreshLocked(ctx context.Context) error {
	gen, err := s.p.Generation(ctx)
	if err != nil {
		return fmt.Errorf("read generation: %w", err)
	}
	if gen == s.st.gen {
		return nil
	}
	st, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.log.Debug("task store reloaded", "from", s.st.gen, "to", st.gen)
	s.st = st
	return nil
}

// Close closes the persister.
func (s *TaskStore) Close() error {
	return s.p.Close()
}

// Get returns a copy of the task with the given ID.
func (s *TaskStore) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.get(id)
}

// List returns copies of all tasks in creation order.
func (s *TaskStore) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.list()
}

// Parents returns all top-level tasks in creation order.
func (s *TaskStore) Parents() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, id := range s.st.order {
		if t := s.st.tasks[id]; !t.IsSubtask {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Children returns the subtasks of parentID ordered by SubtaskIndex.
func (s *TaskStore) Children(parentID string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.children(parentID)
}

// Metadata returns the decomposition metadata recorded for parentID.
func (s *TaskStore) Metadata(parentID string) (SubtaskMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.st.meta[parentID]
	return m.clone(), ok
}

// Flag returns a persisted flag value.
func (s *TaskStore) Flag(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.st.flags[key]
	return v, ok
}

// Len returns the number of tasks.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.order)
}

// maxStaleRetries bounds how often Update reruns fn after another store
// committed between its refresh and its save.
const maxStaleRetries = 16

// Update runs fn against a private copy of the state. When fn succeeds the
// copy is validated and persisted, and only then replaces the live state.
// Any error leaves both memory and storage untouched.
//
// fn always sees the latest committed state: Update refreshes first, and if
// another store commits before the save lands, the save is refused and fn
// runs again on the reloaded state. A read-decide-write inside fn is
// therefore atomic across every store sharing the persister. fn may run
// more than once and must not leak effects outside tx.
func (s *TaskStore) Update(ctx context.Context, fn func(tx *Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}
		tx := &Txn{st: s.st.clone(), now: s.now()}
		if err := fn(tx); err != nil {
			return err
		}
		if !tx.dirty {
			return nil
		}
		if err := tx.st.validate(); err != nil {
			return err
		}
		err := s.p.Save(ctx, tx.st.snapshot())
		if errors.Is(err, ErrStale) {
			if attempt < maxStaleRetries {
				s.log.Debug("concurrent commit, retrying", "attempt", attempt+1)
				continue
			}
			return fmt.Errorf("persist: %w: %w", ErrConflict, err)
		}
		if err != nil {
			return fmt.Errorf("persist: %w", err)
		}
		tx.st.gen++
		s.st = tx.st
		return nil
	}
}

// Txn is a mutable view of the store handed to Update callbacks.
type Txn struct {
	st    *state
	now   time.Time
	dirty bool
}

// Now returns the timestamp of this transaction.
func (tx *Txn) Now() time.Time { return tx.now }

// Get returns a copy of a task.
func (tx *Txn) Get(id string) (Task, bool) { return tx.st.get(id) }

// List returns all tasks in creation order.
func (tx *Txn) List() []Task { return tx.st.list() }

// Children returns parentID's subtasks ordered by index.
func (tx *Txn) Children(parentID string) []Task { return tx.st.children(parentID) }

// Put inserts or replaces a task. New tasks get CreatedAt set when empty.
func (tx *Txn) Put(t Task) {
	t = t.Clone()
	if _, exists := tx.st.tasks[t.ID]; !exists {
		tx.st.order = append(tx.st.order, t.ID)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = tx.now
		}
	}
	t.UpdatedAt = tx.now
	tx.st.tasks[t.ID] = t
	tx.dirty = true
}

// Delete removes a task. Deleting an unknown ID is a no-op.
func (tx *Txn) Delete(id string) {
	if _, ok := tx.st.tasks[id]; !ok {
		return
	}
	delete(tx.st.tasks, id)
	tx.st.order = slices.DeleteFunc(tx.st.order, func(o string) bool { return o == id })
	tx.dirty = true
}

// Metadata returns parentID's decomposition metadata.
func (tx *Txn) Metadata(parentID string) (SubtaskMetadata, bool) {
	m, ok := tx.st.meta[parentID]
	return m.clone(), ok
}

// SetMetadata records decomposition metadata for a parent.
func (tx *Txn) SetMetadata(m SubtaskMetadata) {
	tx.st.meta[m.ParentID] = m.clone()
	tx.dirty = true
}

// DeleteMetadata removes a parent's metadata.
func (tx *Txn) DeleteMetadata(parentID string) {
	if _, ok := tx.st.meta[parentID]; ok {
		delete(tx.st.meta, parentID)
		tx.dirty = true
	}
}

// Flag returns a persisted flag.
func (tx *Txn) Flag(key string) (string, bool) {
	v, ok := tx.st.flags[key]
	return v, ok
}

// SetFlag sets a persisted flag.
func (tx *Txn) SetFlag(key, value string) {
	tx.st.flags[key] = value
	tx.dirty = true
}

// WouldCreateCycle reports whether making from depend on to would close a
// cycle in the current transaction state.
func (tx *Txn) WouldCreateCycle(from, to string) bool {
	return tx.st.graph().WouldCreateCycle(from, to)
}

type state struct {
	tasks map[string]Task
	order []string
	meta  map[string]SubtaskMetadata
	flags map[string]string
	gen   int64
}

func fromSnapshot(snap *Snapshot) *state {
	st := &state{
		tasks: make(map[string]Task, len(snap.Tasks)),
		meta:  make(map[string]SubtaskMetadata, len(snap.Metadata)),
		flags: make(map[string]string, len(snap.Flags)),
		gen:   snap.Generation,
	}
	for _, t := range snap.Tasks {
		if _, dup := st.tasks[t.ID]; !dup {
			st.order = append(st.order, t.ID)
		}
		st.tasks[t.ID] = t.Clone()
	}
	for k, m := range snap.Metadata {
		st.meta[k] = m.clone()
	}
	for k, v := range snap.Flags {
		st.flags[k] = v
	}
	return st
}

func (st *state) snapshot() *Snapshot {
	snap := &Snapshot{
		Tasks:      make([]Task, 0, len(st.order)),
		Metadata:   make(map[string]SubtaskMetadata, len(st.meta)),
		Flags:      make(map[string]string, len(st.flags)),
		Generation: st.gen,
	}
	for _, id := range st.order {
		snap.Tasks = append(snap.Tasks, st.tasks[id].Clone())
	}
	for k, m := range st.meta {
		snap.Metadata[k] = m.clone()
	}
	for k, v := range st.flags {
		snap.Flags[k] = v
	}
	return snap
}

func (st *state) clone() *state {
	return fromSnapshot(st.snapshot())
}

func (st *state) get(id string) (Task, bool) {
	t, ok := st.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

func (st *state) list() []Task {
	out := make([]Task, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.tasks[id].Clone())
	}
	return out
}

func (st *state) children(parentID string) []Task {
	var out []Task
	for _, id := range st.order {
		t := st.tasks[id]
		if t.IsSubtask && t.ParentTaskID == parentID {
			out = append(out, t.Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b Task) int { return cmp.Compare(a.SubtaskIndex, b.SubtaskIndex) })
	return out
}

func (st *state) graph() *graph.Graph[string] {
	g := graph.New[string]()
	for _, id := range st.order {
		g.AddNode(id, st.tasks[id].Dependencies...)
	}
	return g
}

// validate checks the structural rules every committed state must satisfy.
func (st *state) validate() error {
	indexes := make(map[string]map[int]string)
	for _, id := range st.order {
		t := st.tasks[id]
		if t.ID == "" {
			return Invalid("id", "task id is empty")
		}
		if !t.Status.Valid() {
			return Invalid("status", "task %s has unknown status %q", t.ID, t.Status)
		}
		if t.EstimatedHours < 0 {
			return Invalid("estimated_hours", "task %s has negative estimate", t.ID)
		}
		if len(t.DependencyTypes) != len(t.Dependencies) {
			return &ViolationError{From: t.ID, Rule: RuleDependencyTypes}
		}
		for _, dep := range t.Dependencies {
			if _, ok := st.tasks[dep]; !ok {
				return &ViolationError{From: t.ID, To: dep, Rule: RuleUnknownTask}
			}
		}
		if t.IsSubtask {
			parent, ok := st.tasks[t.ParentTaskID]
			if t.ParentTaskID == "" || !ok || parent.IsSubtask {
				return &ViolationError{From: t.ID, To: t.ParentTaskID, Rule: RuleParentLink}
			}
			if indexes[t.ParentTaskID] == nil {
				indexes[t.ParentTaskID] = make(map[int]string)
			}
			if other, dup := indexes[t.ParentTaskID][t.SubtaskIndex]; dup {
				return Invalid("subtask_index", "subtasks %s and %s share index %d", other, t.ID, t.SubtaskIndex)
			}
			indexes[t.ParentTaskID][t.SubtaskIndex] = t.ID
		} else if t.ParentTaskID != "" {
			return &ViolationError{From: t.ID, To: t.ParentTaskID, Rule: RuleParentLink}
		}
	}
	if cycle := st.graph().FindCycle(); cycle != nil {
		return &ViolationError{From: cycle[0], To: cycle[1], Rule: RuleCycle}
	}
	return nil
}
