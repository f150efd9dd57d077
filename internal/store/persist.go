package store

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Snapshot is the complete persisted state of a TaskStore. Generation
// counts successful saves; a snapshot is only written over the generation
// it was loaded at.
type Snapshot struct {
	Tasks      []Task                     // Creation order
	Metadata   map[string]SubtaskMetadata // Keyed by parent ID
	Flags      map[string]string
	Generation int64
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return &Snapshot{Metadata: map[string]SubtaskMetadata{}, Flags: map[string]string{}}
	}
	c := &Snapshot{
		Tasks:      make([]Task, len(s.Tasks)),
		Metadata:   make(map[string]SubtaskMetadata, len(s.Metadata)),
		Flags:      maps.Clone(s.Flags),
		Generation: s.Generation,
	}
	for i, t := range s.Tasks {
		c.Tasks[i] = t.Clone()
	}
	for k, m := range s.Metadata {
		c.Metadata[k] = m.clone()
	}
	if c.Flags == nil {
		c.Flags = map[string]string{}
	}
	return c
}

// Persister is the storage backend behind a TaskStore. Several stores, in
// one process or many, may share a backend.
//
// Save must be atomic: either the whole snapshot is written or the previous
// one stays intact. It writes snap as generation snap.Generation+1 and fails
// with ErrStale, writing nothing, when the stored generation is no longer
// snap.Generation.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Generation(ctx context.Context) (int64, error)
	Close() error
}

// MemoryPersister keeps snapshots in memory. It is used in tests and for
// throwaway stores. Stores sharing one MemoryPersister behave like separate
// processes sharing a database file.
type MemoryPersister struct {
	mu       sync.Mutex
	snap     *Snapshot
	failNext error
	saves    int
}

// NewMemoryPersister returns an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

// NewMemoryPersisterFrom seeds the persister with an existing snapshot.
func NewMemoryPersisterFrom(snap *Snapshot) *MemoryPersister {
	return &MemoryPersister{snap: snap.Clone()}
}

func (m *MemoryPersister) Load(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Clone(), nil
}

func (m *MemoryPersister) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	if cur := m.generation(); snap.Generation != cur {
		return fmt.Errorf("save generation %d over %d: %w", snap.Generation, cur, ErrStale)
	}
	m.snap = snap.Clone()
	m.snap.Generation = snap.Generation + 1
	m.saves++
	return nil
}

func (m *MemoryPersister) Generation(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation(), nil
}

func (m *MemoryPersister) generation() int64 {
	if m.snap == nil {
		return 0
	}
	return m.snap.Generation
}

func (m *MemoryPersister) Close() error { return nil }

// FailNext makes the next Save return err without storing anything.
func (m *MemoryPersister) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Saves returns the number of successful saves.
func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
