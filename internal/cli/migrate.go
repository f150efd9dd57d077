package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/subtask"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [legacy.json]",
	Short: "Import subtasks from the legacy JSON layout",
	Long: `Imports subtasks, the parent index and metadata from a legacy JSON export.
Only subtasks whose parent task exists are imported. Each file is imported
at most once; running the command again is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	src := subtask.JSONFileSource{Path: args[0]}
	if _, done := a.store.Flag(subtask.MigrationFlag(src)); done {
		fmt.Printf("%s was already imported.\n", args[0])
		return nil
	}
	n, err := a.manager.MigrateLegacyStorage(ctx, src)
	if err != nil {
		return err
	}
	for _, p := range a.store.Parents() {
		if a.manager.HasSubtasks(p.ID) {
			a.syncBoard(ctx, p.ID)
		}
	}
	fmt.Printf("Imported %d subtasks from %s\n", n, args[0])
	return nil
}
