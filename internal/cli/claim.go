package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/assign"
	agentctx "github.com/imkarma/weave/internal/context"
)

var (
	nextPrompt bool
	nextRole   string
	doneAgent  string
)

var nextCmd = &cobra.Command{
	Use:   "next [agent-id]",
	Short: "Claim the next ready subtask for an agent",
	Long: `Claims the first subtask whose dependencies are all done and assigns it
to the agent. Prints nothing to do when no subtask is ready.`,
	Args: cobra.ExactArgs(1),
	RunE: runNext,
}

var doneCmd = &cobra.Command{
	Use:   "done [subtask-id]",
	Short: "Mark a subtask done and update its parent",
	Args:  cobra.ExactArgs(1),
	RunE:  runDone,
}

var blockCmd = &cobra.Command{
	Use:   "block [subtask-id] [reason]",
	Short: "Mark a subtask blocked",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runBlock,
}

func init() {
	nextCmd.Flags().BoolVar(&nextPrompt, "prompt", false, "Print the full work prompt for the claimed subtask")
	nextCmd.Flags().StringVar(&nextRole, "role", "coder", "Role used for the work prompt")
	doneCmd.Flags().StringVar(&doneAgent, "agent", "", "Only complete if assigned to this agent")
}

func runNext(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.assigner().FindNextAvailable(ctx, args[0])
	if err != nil {
		return err
	}
	if t == nil {
		fmt.Println("Nothing ready. Retry once in-progress subtasks finish.")
		return nil
	}
	a.syncBoard(ctx, t.ParentTaskID)

	parent, _ := a.store.Get(t.ParentTaskID)
	task := assign.ConvertToTask(*t, parent)
	fmt.Printf("Assigned %s to %s\n", yellow(task.ID), cyan(args[0]))
	fmt.Printf("  %s\n", bold(task.Name))
	if task.Description != "" {
		fmt.Printf("  %s\n", task.Description)
	}
	fmt.Printf("  Parent: %s %s\n", parent.ID, dim(parent.Name))
	if len(task.Labels) > 0 {
		fmt.Printf("  Labels: %s\n", strings.Join(task.Labels, ", "))
	}
	if task.DueDate != nil {
		fmt.Printf("  Due:    %s\n", task.DueDate.Format("2006-01-02"))
	}
	if nextPrompt {
		fmt.Println()
		fmt.Println(agentctx.New(a.store).BuildWorkPrompt(*t, nextRole))
	}
	return nil
}

func runDone(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.assigner().CompleteSubtask(ctx, args[0], doneAgent); err != nil {
		return err
	}
	t, _ := a.task(args[0])
	a.syncBoard(ctx, t.ParentTaskID)

	pct := a.manager.GetCompletionPercentage(t.ParentTaskID)
	fmt.Printf("%s %s done. %s is %.0f%% complete.\n", green("✓"), yellow(t.ID), t.ParentTaskID, pct)
	if a.manager.IsParentComplete(t.ParentTaskID) {
		fmt.Printf("%s %s completed.\n", green("✓"), bold(t.ParentTaskID))
	}
	return nil
}

func runBlock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	reason := strings.Join(args[1:], " ")
	if err := a.assigner().ReleaseSubtask(ctx, args[0], reason); err != nil {
		return err
	}
	t, _ := a.task(args[0])
	a.syncBoard(ctx, t.ParentTaskID)
	fmt.Printf("%s blocked: %s\n", yellow(args[0]), reason)
	fmt.Printf("  → %s once resolved\n", cyan(fmt.Sprintf("weave task status %s todo", args[0])))
	return nil
}
