package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/board"
	"github.com/imkarma/weave/internal/config"
	"github.com/imkarma/weave/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize weave in the current directory",
	Long:  "Creates a .weave/ directory with default config, task database and board.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	// Check if already initialized.
	if _, err := os.Stat(weaveDirName); err == nil {
		return fmt.Errorf("weave already initialized in this directory (.weave/ exists)")
	}

	if err := os.MkdirAll(weavePath("runs"), 0755); err != nil {
		return fmt.Errorf("create .weave/runs: %w", err)
	}

	cfg := config.DefaultConfig()
	if err := config.Save(weavePath("config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Opening runs the migrations.
	p, err := store.OpenSQLite(dataPath(cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	s, err := store.Open(context.Background(), p)
	if err != nil {
		p.Close()
		return fmt.Errorf("create database: %w", err)
	}
	s.Close()

	b, err := board.OpenLocal(dataPath(cfg.Storage.BoardPath))
	if err != nil {
		return fmt.Errorf("create board: %w", err)
	}
	b.Close()

	fmt.Println("Initialized weave in .weave/")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit .weave/config.yaml to add a pm agent and a coder agent")
	fmt.Printf("  2. Run: %s\n", cyan(`weave task create "your task" --hours 8`))
	fmt.Printf("  3. Run: %s, then %s\n", cyan("weave decompose --all"), cyan("weave wire"))
	fmt.Printf("  4. Run: %s\n", cyan("weave work"))
	return nil
}
