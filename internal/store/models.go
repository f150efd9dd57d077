package store

import (
	"slices"
	"time"
)

// TaskStatus represents the current state of a task on the board.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Priority is a coarse task priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// DependencyType says whether a dependency blocks the start of a task.
type DependencyType string

const (
	DepHard DependencyType = "hard" // Blocks start until satisfied
	DepSoft DependencyType = "soft" // Advisory, work can proceed against a stub
)

// Task is a unit of work. Parents and subtasks share this record; a subtask
// has IsSubtask set and points at its parent through ParentTaskID.
type Task struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Status          TaskStatus       `json:"status"`
	Priority        Priority         `json:"priority"`
	EstimatedHours  float64          `json:"estimated_hours"`
	Dependencies    []string         `json:"dependencies,omitempty"`
	DependencyTypes []DependencyType `json:"dependency_types,omitempty"` // Parallel to Dependencies
	Labels          []string         `json:"labels,omitempty"`
	AssignedTo      string           `json:"assigned_to,omitempty"`
	IsSubtask       bool             `json:"is_subtask"`
	ParentTaskID    string           `json:"parent_task_id,omitempty"`
	SubtaskIndex    int              `json:"subtask_index"`
	Provides        string           `json:"provides,omitempty"`
	Requires        string           `json:"requires,omitempty"`
	FileArtifacts   []string         `json:"file_artifacts,omitempty"`
	DueDate         *time.Time       `json:"due_date,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	c.Dependencies = slices.Clone(t.Dependencies)
	c.DependencyTypes = slices.Clone(t.DependencyTypes)
	c.Labels = slices.Clone(t.Labels)
	c.FileArtifacts = slices.Clone(t.FileArtifacts)
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	return c
}

// DependsOn reports whether id is among t's dependencies.
func (t Task) DependsOn(id string) bool {
	return slices.Contains(t.Dependencies, id)
}

// HasLabel reports whether t carries label (exact match).
func (t Task) HasLabel(label string) bool {
	return slices.Contains(t.Labels, label)
}

// SubtaskMetadata is recorded once per decomposed parent.
type SubtaskMetadata struct {
	ParentID          string            `json:"parent_id"`
	SharedConventions map[string]string `json:"shared_conventions,omitempty"`
	DecomposedAt      time.Time         `json:"decomposed_at"`
	DecomposedBy      string            `json:"decomposed_by"`
}

func (m SubtaskMetadata) clone() SubtaskMetadata {
	c := m
	if m.SharedConventions != nil {
		c.SharedConventions = make(map[string]string, len(m.SharedConventions))
		for k, v := range m.SharedConventions {
			c.SharedConventions[k] = v
		}
	}
	return c
}

// ScoredTask is a task paired with a similarity score, used for dependency
// candidates.
type ScoredTask struct {
	Task  Task    `json:"task"`
	Score float64 `json:"score"`
}
