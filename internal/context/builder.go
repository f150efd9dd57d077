// Package context builds the prompts handed to agents from task data:
// decomposition requests, dependency questions, and subtask work orders.
package context

import (
	"fmt"
	"slices"
	"strings"

	"github.com/imkarma/weave/internal/store"
)

// Builder constructs prompts. Think of each prompt as the ticket an agent
// reads before answering.
type Builder struct {
	store   *store.TaskStore
	history func(taskID string) []string
}

// New creates a prompt builder.
func New(s *store.TaskStore) *Builder {
	return &Builder{store: s}
}

// WithHistory attaches a source of prior comments for a task. The lines are
// included in work prompts.
func (b *Builder) WithHistory(fn func(taskID string) []string) *Builder {
	b.history = fn
	return b
}

// BuildDecompositionPrompt asks the planner to split task into subtasks.
// Other top-level tasks are listed so the plan stays inside its own scope.
func (b *Builder) BuildDecompositionPrompt(task store.Task, others []store.Task) string {
	parts := []string{
		roleHeader("pm"),
		taskSection(task),
	}
	if len(task.Labels) > 0 {
		parts = append(parts, "Labels: "+strings.Join(task.Labels, ", "))
	}
	if s := b.neighbours(task, others); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, decompositionFormat)
	return strings.Join(parts, "\n\n")
}

// BuildDependencyPrompt asks whether subtask needs any of the candidates.
func (b *Builder) BuildDependencyPrompt(subtask store.Task, candidates []store.ScoredTask) string {
	var sb strings.Builder
	sb.WriteString(roleHeader("architect"))
	sb.WriteString("\n\n## Subtask\n")
	fmt.Fprintf(&sb, "**%s: %s**\n", subtask.ID, subtask.Name)
	if subtask.Description != "" {
		fmt.Fprintf(&sb, "%s\n", subtask.Description)
	}
	fmt.Fprintf(&sb, "\nRequires: %s\n", subtask.Requires)

	sb.WriteString("\n## Candidates\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- `%s` %s", c.Task.ID, c.Task.Name)
		if c.Score > 0 {
			fmt.Fprintf(&sb, " (similarity %.2f)", c.Score)
		}
		fmt.Fprintf(&sb, "\n  Provides: %s\n", c.Task.Provides)
	}
	sb.WriteString("\n")
	sb.WriteString(dependencyFormat)
	return sb.String()
}

// BuildWorkPrompt creates the prompt for an agent working on a subtask.
// It includes:
// 1. The subtask itself
// 2. Parent task context and shared conventions
// 3. What each dependency provides
// 4. Comment history
// 5. Role-specific instructions
func (b *Builder) BuildWorkPrompt(subtask store.Task, role string) string {
	parts := []string{roleHeader(role), taskSection(subtask)}

	if len(subtask.FileArtifacts) > 0 {
		parts = append(parts, "### Expected files\n- "+strings.Join(subtask.FileArtifacts, "\n- "))
	}
	if subtask.IsSubtask {
		if s := b.parentContext(subtask.ParentTaskID); s != "" {
			parts = append(parts, s)
		}
	}
	if s := b.dependencyContext(subtask); s != "" {
		parts = append(parts, s)
	}
	if b.history != nil {
		if lines := b.history(subtask.ID); len(lines) > 0 {
			parts = append(parts, "## History\nPrevious activity on this task:\n\n- "+strings.Join(lines, "\n- "))
		}
	}
	if s := roleInstructions(role); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}

func roleHeader(role string) string {
	switch role {
	case "pm":
		return "# You are a Project Manager\nYour job is to break the task into small subtasks that several developers can work on in parallel."
	case "architect":
		return "# You are a Software Architect\nYour job is to decide which pieces of work must finish before another piece can start."
	case "coder":
		return "# You are a Software Developer\nYour job is to implement the subtask. Write clean, tested code. If something is unclear, say so explicitly."
	case "tester":
		return "# You are a QA Engineer\nYour job is to verify the implementation works correctly. Run tests and validate the acceptance criteria."
	default:
		return fmt.Sprintf("# You are working as: %s", role)
	}
}

func taskSection(task store.Task) string {
	var sb strings.Builder
	sb.WriteString("## Task\n")
	fmt.Fprintf(&sb, "**%s: %s**\n", task.ID, task.Name)
	fmt.Fprintf(&sb, "Priority: %s\n", task.Priority)
	if task.EstimatedHours > 0 {
		fmt.Fprintf(&sb, "Estimate: %.1fh\n", task.EstimatedHours)
	}
	if task.Description != "" {
		fmt.Fprintf(&sb, "\n### Description\n%s\n", task.Description)
	}
	if task.Provides != "" {
		fmt.Fprintf(&sb, "\nProduces: %s\n", task.Provides)
	}
	if task.Requires != "" {
		fmt.Fprintf(&sb, "Needs: %s\n", task.Requires)
	}
	return sb.String()
}

func (b *Builder) neighbours(task store.Task, others []store.Task) string {
	var lines []string
	for _, o := range others {
		if o.ID == task.ID || o.IsSubtask {
			continue
		}
		rel := ""
		if task.DependsOn(o.ID) {
			rel = " (this task depends on it)"
		}
		lines = append(lines, fmt.Sprintf("- %s%s", o.Name, rel))
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Other tasks in this project (do not plan their work)\n" + strings.Join(lines, "\n")
}

func (b *Builder) parentContext(parentID string) string {
	if b.store == nil {
		return ""
	}
	parent, ok := b.store.Get(parentID)
	if !ok {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Parent Task (for context)\n")
	fmt.Fprintf(&sb, "**%s: %s**\n", parent.ID, parent.Name)
	if parent.Description != "" {
		fmt.Fprintf(&sb, "%s\n", parent.Description)
	}

	if meta, ok := b.store.Metadata(parentID); ok && len(meta.SharedConventions) > 0 {
		keys := make([]string, 0, len(meta.SharedConventions))
		for k := range meta.SharedConventions {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		sb.WriteString("\n### Shared conventions\nEvery subtask of this parent follows these:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, meta.SharedConventions[k])
		}
	}
	return sb.String()
}

func (b *Builder) dependencyContext(task store.Task) string {
	if b.store == nil || len(task.Dependencies) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Builds on\n")
	for i, id := range task.Dependencies {
		dep, ok := b.store.Get(id)
		if !ok {
			continue
		}
		kind := store.DepHard
		if i < len(task.DependencyTypes) {
			kind = task.DependencyTypes[i]
		}
		fmt.Fprintf(&sb, "- %s (%s, %s)", dep.Name, kind, dep.Status)
		if dep.Provides != "" {
			fmt.Fprintf(&sb, ": %s", dep.Provides)
		}
		sb.WriteString("\n")
		if kind == store.DepSoft && dep.Status != store.StatusDone {
			sb.WriteString("  Not finished yet. Code against a stub of its output.\n")
		}
	}
	return sb.String()
}

func roleInstructions(role string) string {
	switch role {
	case "coder", "tester":
		return `## Instructions
- Make the changes needed to complete this subtask
- Stay inside the expected files where possible
- If you're unsure about something, state it clearly rather than guessing
- If you cannot proceed, say: BLOCKED: [reason]`
	default:
		return ""
	}
}

const decompositionFormat = `## Response Format
Respond with a single JSON object and nothing else:

{
  "subtasks": [
    {
      "name": "Design the user schema",
      "description": "What to do and how to know it is done",
      "estimated_hours": 1.5,
      "dependencies": [],
      "dependency_types": [],
      "file_artifacts": ["db/schema.sql"],
      "provides": "User table schema",
      "requires": ""
    }
  ],
  "shared_conventions": {"naming": "snake_case tables"}
}

Rules:
- "dependencies" are 0-based indices of EARLIER subtasks in the list
- "dependency_types" has one entry per dependency: "hard" blocks the start, "soft" can proceed against a stub
- Start names with a phase word where it fits: Design, Implement, Test
- Do not add a final integration subtask, it is added automatically`

const dependencyFormat = `## Response Format
Respond with a single JSON object and nothing else:

{
  "dependencies": ["<candidate id>"],
  "types": {"<candidate id>": "hard"},
  "reasoning": {"<candidate id>": "why it is needed"}
}

Only list candidates whose output the subtask genuinely needs. An empty list is a fine answer.
"types" is "hard" when the subtask cannot start without the candidate's output and "soft" when it can start against a stub. Omitted entries are hard.`
