package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show the board comments for a task",
	Long:  "Shows the comment history of a task's board card. For a subtask, the parent card's comments that mention it are shown.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
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
	cardID, match := task.ID, ""
	if task.IsSubtask {
		cardID, match = task.ParentTaskID, fmt.Sprintf("%q", task.Name)
	}

	comments, err := a.board.Comments(ctx, cardID)
	if err != nil {
		return err
	}
	printed := 0
	for _, c := range comments {
		if match != "" && !strings.Contains(c.Body, match) {
			continue
		}
		if printed == 0 {
			fmt.Printf("Comments for %s:\n\n", yellow(task.ID))
		}
		lines := strings.Split(c.Body, "\n")
		fmt.Printf("  %s  %s\n", dim(c.CreatedAt.Format("2006-01-02 15:04:05")), lines[0])
		for _, l := range lines[1:] {
			fmt.Printf("  %19s  %s\n", "", l)
		}
		printed++
	}
	if printed == 0 {
		fmt.Printf("No comments for %s\n", task.ID)
	}
	return nil
}
