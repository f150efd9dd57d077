package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/store"
)

var boardSubtasks bool

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Show the kanban board",
	RunE:  runBoard,
}

func init() {
	boardCmd.Flags().BoolVarP(&boardSubtasks, "subtasks", "s", false, "Show subtasks as cards instead of their parents")
}

const colWidth = 28

func runBoard(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var tasks []store.Task
	for _, p := range a.store.Parents() {
		kids := a.manager.GetSubtasks(p.ID)
		if boardSubtasks && len(kids) > 0 {
			tasks = append(tasks, kids...)
		} else {
			tasks = append(tasks, p)
		}
	}
	if len(tasks) == 0 {
		fmt.Printf("%s Create a task: %s\n", dim("Board is empty."), cyan(`weave task create "description"`))
		return nil
	}

	columns := map[store.TaskStatus][]store.Task{}
	for _, t := range tasks {
		columns[t.Status] = append(columns[t.Status], t)
	}

	type col struct {
		status store.TaskStatus
		label  string
		color  func(a ...any) string
	}
	order := []col{
		{store.StatusTodo, "TODO", bold},
		{store.StatusInProgress, "IN PROGRESS", blue},
		{store.StatusBlocked, "BLOCKED", red},
		{store.StatusDone, "DONE", green},
	}

	// Pad before colouring: escape codes have no width.
	var header, sep strings.Builder
	maxRows := 0
	for _, c := range order {
		n := len(columns[c.status])
		maxRows = max(maxRows, n)
		header.WriteString(c.color(padRight(fmt.Sprintf(" %s (%d)", c.label, n), colWidth)))
		sep.WriteString(strings.Repeat("─", colWidth))
	}
	fmt.Println(header.String())
	fmt.Println(dim(sep.String()))

	for i := 0; i < maxRows; i++ {
		var title, detail strings.Builder
		for _, c := range order {
			col := columns[c.status]
			if i >= len(col) {
				title.WriteString(strings.Repeat(" ", colWidth))
				detail.WriteString(strings.Repeat(" ", colWidth))
				continue
			}
			t := col[i]
			id := truncate(t.ID, 14)
			name := truncate(t.Name, colWidth-len([]rune(id))-3)
			title.WriteString(" " + priorityColor(t.Priority)(id) + " " + padRight(name, colWidth-len([]rune(id))-2))

			info := ""
			switch {
			case t.AssignedTo != "":
				info = "[" + t.AssignedTo + "]"
			case !t.IsSubtask && a.manager.HasSubtasks(t.ID):
				kids := a.manager.GetSubtasks(t.ID)
				info = progressBar(a.manager.GetCompletionPercentage(t.ID), 10) + fmt.Sprintf(" %d", len(kids))
			}
			detail.WriteString(cyan(padRight("    "+truncate(info, colWidth-5), colWidth)))
		}
		fmt.Println(title.String())
		fmt.Println(detail.String())
		fmt.Println()
	}

	if blocked := columns[store.StatusBlocked]; len(blocked) > 0 {
		fmt.Println(red(bold("⚠  Blocked")))
		for _, t := range blocked {
			fmt.Printf("  %s: %s\n", yellow(t.ID), t.Name)
			fmt.Printf("       → %s\n", cyan(fmt.Sprintf("weave log %s", t.ID)))
		}
		fmt.Println()
	}

	fmt.Print(bold(fmt.Sprintf("%d cards", len(tasks))))
	if n := len(columns[store.StatusDone]); n > 0 {
		fmt.Print("  " + green(fmt.Sprintf("✓ %d done", n)))
	}
	if n := len(columns[store.StatusInProgress]); n > 0 {
		fmt.Print("  " + blue(fmt.Sprintf("● %d in progress", n)))
	}
	if n := len(columns[store.StatusBlocked]); n > 0 {
		fmt.Print("  " + red(fmt.Sprintf("⚠ %d blocked", n)))
	}
	fmt.Println()
	return nil
}

// progressBar renders pct as a fixed-width bar of width cells.
func progressBar(pct float64, width int) string {
	filled := int(pct / 100 * float64(width))
	filled = min(max(filled, 0), width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
