package subtask

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/imkarma/weave/internal/store"
)

// LegacyData is the older storage layout where subtasks lived in their own
// table next to a parent index and per-parent metadata.
type LegacyData struct {
	Subtasks         map[string]LegacySubtask  `json:"subtasks"`
	ParentToSubtasks map[string][]string       `json:"parent_to_subtasks"`
	Metadata         map[string]LegacyMetadata `json:"metadata"`
}

// LegacySubtask is one record of the legacy subtask table.
type LegacySubtask struct {
	ID              string   `json:"id"`
	ParentTaskID    string   `json:"parent_task_id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Status          string   `json:"status"`
	Priority        string   `json:"priority"`
	EstimatedHours  float64  `json:"estimated_hours"`
	Dependencies    []string `json:"dependencies"`
	DependencyTypes []string `json:"dependency_types"`
	AssignedTo      string   `json:"assigned_to"`
	Order           int      `json:"order"`
	Provides        string   `json:"provides"`
	Requires        string   `json:"requires"`
	FileArtifacts   []string `json:"file_artifacts"`
}

// LegacyMetadata is the legacy per-parent decomposition record.
type LegacyMetadata struct {
	SharedConventions map[string]string `json:"shared_conventions"`
	DecomposedAt      time.Time         `json:"decomposed_at"`
	DecomposedBy      string            `json:"decomposed_by"`
}

// LegacySource yields legacy data. Name identifies the data source and keys
// the persisted migration flag.
type LegacySource interface {
	Name() string
	Load(ctx context.Context) (*LegacyData, error)
}

// JSONFileSource reads legacy data from a JSON file.
type JSONFileSource struct {
	Path string
}

func (s JSONFileSource) Name() string {
	if abs, err := filepath.Abs(s.Path); err == nil {
		return "json:" + abs
	}
	return "json:" + filepath.Clean(s.Path)
}

// Load returns nil data when the file does not exist.
func (s JSONFileSource) Load(_ context.Context) (*LegacyData, error) {
	raw, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy file: %w", err)
	}
	var data LegacyData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse legacy file: %w", err)
	}
	return &data, nil
}

// MigrationFlag returns the flag key recorded once src has been imported.
func MigrationFlag(src LegacySource) string {
	return "legacy_migrated:" + src.Name()
}

// MigrateLegacyStorage imports legacy subtasks whose parent exists in the
// store. It runs at most once per source: the flag is committed together
// with the imported tasks, so a failed import can be retried and a
// successful one is never repeated. It returns the number of subtasks
// imported.
func (m *Manager) MigrateLegacyStorage(ctx context.Context, src LegacySource) (int, error) {
	key := MigrationFlag(src)
	if _, done := m.store.Flag(key); done {
		return 0, nil
	}

	data, err := src.Load(ctx)
	if err != nil {
		return 0, err
	}
	if data == nil {
		m.log.Debug("no legacy data", "source", src.Name())
		return 0, nil
	}

	imported := 0
	err = m.store.Update(ctx, func(tx *store.Txn) error {
		imported = 0
		if _, done := tx.Flag(key); done {
			return nil
		}

		groups := groupLegacy(data)
		var added []LegacySubtask
		for _, parent := range tx.List() {
			records, ok := groups[parent.ID]
			if !ok || parent.IsSubtask {
				continue
			}
			delete(groups, parent.ID)
			if len(tx.Children(parent.ID)) > 0 {
				m.log.Info("legacy subtasks skipped, parent already decomposed", "parent", parent.ID)
				continue
			}
			for i, rec := range records {
				if _, exists := tx.Get(rec.ID); exists {
					continue
				}
				tx.Put(store.Task{
					ID:             rec.ID,
					Name:           rec.Name,
					Description:    rec.Description,
					Status:         legacyStatus(rec.Status),
					Priority:       legacyPriority(rec.Priority, parent.Priority),
					EstimatedHours: max(rec.EstimatedHours, 0),
					AssignedTo:     rec.AssignedTo,
					IsSubtask:      true,
					ParentTaskID:   parent.ID,
					SubtaskIndex:   i,
					Provides:       rec.Provides,
					Requires:       rec.Requires,
					FileArtifacts:  slices.Clone(rec.FileArtifacts),
				})
				added = append(added, rec)
				imported++
			}
			if lm, ok := data.Metadata[parent.ID]; ok {
				if _, exists := tx.Metadata(parent.ID); !exists {
					tx.SetMetadata(store.SubtaskMetadata{
						ParentID:          parent.ID,
						SharedConventions: lm.SharedConventions,
						DecomposedAt:      lm.DecomposedAt,
						DecomposedBy:      lm.DecomposedBy,
					})
				}
			}
		}
		for parentID, records := range groups {
			m.log.Info("legacy subtasks skipped, parent missing", "parent", parentID, "count", len(records))
		}

		// Dependencies go in after every record exists so references between
		// imported subtasks resolve regardless of order.
		for _, rec := range added {
			t, _ := tx.Get(rec.ID)
			for i, dep := range rec.Dependencies {
				if _, ok := tx.Get(dep); !ok {
					m.log.Info("legacy dependency dropped", "subtask", rec.ID, "dependency", dep, "reason", "unknown task")
					continue
				}
				if tx.WouldCreateCycle(rec.ID, dep) {
					m.log.Info("legacy dependency dropped", "subtask", rec.ID, "dependency", dep, "reason", "cycle")
					continue
				}
				dt := store.DepHard
				if i < len(rec.DependencyTypes) && strings.EqualFold(rec.DependencyTypes[i], string(store.DepSoft)) {
					dt = store.DepSoft
				}
				t.Dependencies = append(t.Dependencies, dep)
				t.DependencyTypes = append(t.DependencyTypes, dt)
				tx.Put(t)
			}
		}

		tx.SetFlag(key, tx.Now().UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("migrate %s: %w", src.Name(), err)
	}
	m.log.Info("legacy storage migrated", "source", src.Name(), "imported", imported)
	return imported, nil
}

// groupLegacy groups records by parent, ordered by the parent index first
// and then by the record's own order field.
func groupLegacy(data *LegacyData) map[string][]LegacySubtask {
	groups := make(map[string][]LegacySubtask)
	seen := make(map[string]bool)

	for parentID, ids := range data.ParentToSubtasks {
		for _, id := range ids {
			rec, ok := data.Subtasks[id]
			if !ok || seen[id] {
				continue
			}
			if rec.ID == "" {
				rec.ID = id
			}
			seen[id] = true
			groups[parentID] = append(groups[parentID], rec)
		}
	}
	unindexed := make([]string, 0, len(data.Subtasks))
	for id := range data.Subtasks {
		if !seen[id] {
			unindexed = append(unindexed, id)
		}
	}
	slices.Sort(unindexed)
	for _, id := range unindexed {
		rec := data.Subtasks[id]
		if rec.ParentTaskID == "" {
			continue
		}
		if rec.ID == "" {
			rec.ID = id
		}
		groups[rec.ParentTaskID] = append(groups[rec.ParentTaskID], rec)
	}

	for parentID, recs := range groups {
		slices.SortStableFunc(recs, func(a, b LegacySubtask) int {
			return cmp.Compare(a.Order, b.Order)
		})
		groups[parentID] = recs
	}
	return groups
}

func legacyStatus(s string) store.TaskStatus {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "in_progress":
		return store.StatusInProgress
	case "done", "completed":
		return store.StatusDone
	case "blocked":
		return store.StatusBlocked
	default:
		return store.StatusTodo
	}
}

func legacyPriority(p string, fallback store.Priority) store.Priority {
	pr := store.Priority(strings.ToLower(p))
	if pr.Valid() {
		return pr
	}
	return fallback
}
