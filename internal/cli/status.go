package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Quick status overview",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	all := a.store.List()
	if len(all) == 0 {
		fmt.Printf("No tasks. Run: %s\n", cyan(`weave task create "description"`))
		return nil
	}

	parents := map[store.TaskStatus]int{}
	subs := map[store.TaskStatus]int{}
	var blocked []store.Task
	for _, t := range all {
		if t.IsSubtask {
			subs[t.Status]++
		} else {
			parents[t.Status]++
		}
		if t.Status == store.StatusBlocked {
			blocked = append(blocked, t)
		}
	}

	fmt.Printf("%s\n", bold(fmt.Sprintf("%d tasks, %d subtasks", a.store.Len()-countAll(subs), countAll(subs))))
	fmt.Printf("  %-14s %8s %10s\n", "", "tasks", "subtasks")
	for _, s := range []store.TaskStatus{store.StatusTodo, store.StatusInProgress, store.StatusBlocked, store.StatusDone} {
		c := statusColor(s)
		fmt.Printf("  %-14s %s %s\n", string(s)+":", c(fmt.Sprintf("%8d", parents[s])), c(fmt.Sprintf("%10d", subs[s])))
	}

	ready := 0
	completed := a.manager.CompletedIDs()
	for _, p := range a.store.Parents() {
		for _, k := range a.manager.GetSubtasks(p.ID) {
			if p.Status != store.StatusDone && subtask.Ready(k, completed) {
				ready++
			}
		}
	}
	fmt.Printf("\n  %s subtasks ready for agents\n", green(ready))

	if len(blocked) > 0 {
		fmt.Printf("\n%s\n", red(bold("⚠  Blocked:")))
		for _, t := range blocked {
			fmt.Printf("  %s: %s\n", yellow(t.ID), t.Name)
		}
	}
	return nil
}

func countAll(m map[store.TaskStatus]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
