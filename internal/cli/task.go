package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/store"
)

var (
	taskPriority    string
	taskDescription string
	taskHours       float64
	taskLabels      []string
	taskDepends     []string
	taskDue         string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create or manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List tasks, optionally filtered by status",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [id] [status]",
	Short: "Set a task's status (todo, in_progress, done, blocked)",
	Long: `Sets the status of a task. For subtasks the parent follows along.
Use it to put a blocked subtask back to todo.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskStatus,
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskPriority, "priority", "p", "medium", "Priority: high, medium, low")
	taskCreateCmd.Flags().StringVarP(&taskDescription, "desc", "d", "", "Task description")
	taskCreateCmd.Flags().Float64Var(&taskHours, "hours", 0, "Estimated hours")
	taskCreateCmd.Flags().StringSliceVarP(&taskLabels, "label", "l", nil, "Labels (repeatable)")
	taskCreateCmd.Flags().StringSliceVar(&taskDepends, "depends", nil, "IDs of tasks this task depends on")
	taskCreateCmd.Flags().StringVar(&taskDue, "due", "", "Due date (YYYY-MM-DD)")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskStatusCmd)
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	prio := store.Priority(taskPriority)
	if !prio.Valid() {
		return fmt.Errorf("invalid priority %q (high, medium, low)", taskPriority)
	}
	if taskHours < 0 {
		return fmt.Errorf("hours must not be negative")
	}
	var due *time.Time
	if taskDue != "" {
		d, err := time.Parse("2006-01-02", taskDue)
		if err != nil {
			return fmt.Errorf("invalid due date %q: %w", taskDue, err)
		}
		due = &d
	}

	task := store.Task{
		ID:              newTaskID(a),
		Name:            strings.Join(args, " "),
		Description:     taskDescription,
		Status:          store.StatusTodo,
		Priority:        prio,
		EstimatedHours:  taskHours,
		Labels:          taskLabels,
		Dependencies:    taskDepends,
		DependencyTypes: make([]store.DependencyType, len(taskDepends)),
		DueDate:         due,
	}
	for i := range task.DependencyTypes {
		task.DependencyTypes[i] = store.DepHard
	}
	err = a.store.Update(ctx, func(tx *store.Txn) error {
		if _, taken := tx.Get(task.ID); taken {
			return fmt.Errorf("task %s: %w", task.ID, store.ErrConflict)
		}
		for _, d := range taskDepends {
			dep, ok := tx.Get(d)
			if !ok {
				return fmt.Errorf("dependency %s: %w", d, store.ErrNotFound)
			}
			if dep.IsSubtask {
				return store.Invalid("depends", "%s is a subtask; tasks depend on tasks", d)
			}
		}
		tx.Put(task)
		return nil
	})
	if err != nil {
		return err
	}
	a.syncBoard(ctx, task.ID)

	fmt.Printf("Created task %s: %s [%s]\n", yellow(task.ID), task.Name, priorityColor(task.Priority)(task.Priority))
	return nil
}

// newTaskID returns a short random ID that is not taken yet.
func newTaskID(a *app) string {
	for {
		id := "t-" + uuid.NewString()[:8]
		if _, taken := a.store.Get(id); !taken {
			return id
		}
	}
}

func runTaskList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var filter store.TaskStatus
	if len(args) > 0 {
		filter = store.TaskStatus(args[0])
		if !filter.Valid() {
			return fmt.Errorf("unknown status %q", args[0])
		}
	}

	printed := 0
	for _, p := range a.store.Parents() {
		kids := a.manager.GetSubtasks(p.ID)
		if filter == "" || p.Status == filter {
			printTaskLine(p, "")
			printed++
		}
		for _, k := range kids {
			if filter == "" || k.Status == filter {
				printTaskLine(k, "  ")
				printed++
			}
		}
	}
	if printed == 0 {
		fmt.Println("No tasks found.")
	}
	return nil
}

func printTaskLine(t store.Task, indent string) {
	agent := ""
	if t.AssignedTo != "" {
		agent = " " + cyan("["+t.AssignedTo+"]")
	}
	fmt.Printf("%s%-16s %s %-6s %s%s\n",
		indent, yellow(t.ID), statusColor(t.Status)(padRight(string(t.Status), 12)),
		t.Priority, t.Name, agent)
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	task, err := a.task(args[0])
	if err != nil {
		return err
	}

	label := "Task"
	if task.IsSubtask {
		label = "Subtask"
	}
	fmt.Printf("%s %s\n", bold(label), yellow(task.ID))
	fmt.Printf("  Name:     %s\n", task.Name)
	fmt.Printf("  Status:   %s\n", statusColor(task.Status)(task.Status))
	fmt.Printf("  Priority: %s\n", priorityColor(task.Priority)(task.Priority))
	fmt.Printf("  Hours:    %.1f\n", task.EstimatedHours)
	if task.Description != "" {
		fmt.Printf("  Desc:     %s\n", task.Description)
	}
	if task.AssignedTo != "" {
		fmt.Printf("  Agent:    %s\n", task.AssignedTo)
	}
	if len(task.Labels) > 0 {
		fmt.Printf("  Labels:   %s\n", strings.Join(task.Labels, ", "))
	}
	if task.DueDate != nil {
		fmt.Printf("  Due:      %s\n", task.DueDate.Format("2006-01-02"))
	}
	if task.IsSubtask {
		fmt.Printf("  Parent:   %s\n", task.ParentTaskID)
		if task.Provides != "" {
			fmt.Printf("  Provides: %s\n", task.Provides)
		}
		if task.Requires != "" {
			fmt.Printf("  Requires: %s\n", task.Requires)
		}
	}
	if len(task.Dependencies) > 0 {
		fmt.Println("  Depends on:")
		for i, d := range task.Dependencies {
			dep, _ := a.store.Get(d)
			fmt.Printf("    %s %s (%s, %s)\n", yellow(d), dep.Name, task.DependencyTypes[i], statusColor(dep.Status)(dep.Status))
		}
	}
	fmt.Printf("  Created:  %s\n", task.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Printf("  Updated:  %s\n", task.UpdatedAt.Format("2006-01-02 15:04"))

	if kids := a.manager.GetSubtasks(task.ID); len(kids) > 0 {
		fmt.Printf("\n  Subtasks (%.0f%% complete):\n", a.manager.GetCompletionPercentage(task.ID))
		for _, k := range kids {
			printTaskLine(k, "    ")
		}
		if meta, ok := a.manager.Metadata(task.ID); ok && len(meta.SharedConventions) > 0 {
			fmt.Println("\n  Shared conventions:")
			for k, v := range meta.SharedConventions {
				fmt.Printf("    %s: %s\n", k, v)
			}
		}
	}
	return nil
}

func runTaskStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	status := store.TaskStatus(args[1])
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", args[1])
	}
	task, err := a.task(args[0])
	if err != nil {
		return err
	}

	if task.IsSubtask {
		if status == store.StatusDone {
			err = a.assigner().CompleteSubtask(ctx, task.ID, "")
		} else {
			var assignee *string
			if status == store.StatusTodo {
				empty := ""
				assignee = &empty
			}
			_, err = a.manager.UpdateSubtaskStatus(ctx, task.ID, status, assignee)
		}
		if err != nil {
			return err
		}
		a.syncBoard(ctx, task.ParentTaskID)
	} else {
		if a.manager.HasSubtasks(task.ID) {
			return fmt.Errorf("%s has subtasks; its status follows them", task.ID)
		}
		if err := setParentStatus(ctx, a, task.ID, status); err != nil {
			return err
		}
		a.syncBoard(ctx, task.ID)
	}
	fmt.Printf("%s is now %s\n", yellow(task.ID), statusColor(status)(status))
	return nil
}

func setParentStatus(ctx context.Context, a *app, id string, status store.TaskStatus) error {
	return a.store.Update(ctx, func(tx *store.Txn) error {
		t, ok := tx.Get(id)
		if !ok {
			return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		t.Status = status
		tx.Put(t)
		return nil
	})
}
