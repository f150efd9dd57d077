package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/decompose"
)

var (
	decomposeForce bool
	decomposeAll   bool
)

var decomposeCmd = &cobra.Command{
	Use:   "decompose [task-id]",
	Short: "Break a task into dependency-ordered subtasks using the AI engine",
	Long: `Asks the engine agent (engine.agent in config, or the first agent with
role "pm") to split a task into subtasks. An integration subtask that
depends on all the others is always appended.

Small tasks, bug fixes, documentation and deployment work are skipped
unless --force is given. --force also replaces existing subtasks.
--all decomposes every eligible task concurrently.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if decomposeAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runDecompose,
}

func init() {
	decomposeCmd.Flags().BoolVarP(&decomposeForce, "force", "f", false, "Decompose even if not warranted; replace existing subtasks")
	decomposeCmd.Flags().BoolVar(&decomposeAll, "all", false, "Decompose every eligible task")
}

func runDecompose(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.engine()
	if err != nil {
		return err
	}
	d := decompose.New(engine, a.manager,
		decompose.WithLogger(a.log),
		decompose.WithMetrics(a.metrics),
		decompose.WithConcurrency(a.cfg.Wiring.Concurrency),
	)

	var results []decompose.Result
	if decomposeAll {
		fmt.Printf("Decomposing eligible tasks with %s...\n\n", engine.Name())
		results = d.DecomposeAll(ctx, a.store.Parents())
		if len(results) == 0 {
			fmt.Println("No task needs decomposition.")
			return nil
		}
	} else {
		task, err := a.task(args[0])
		if err != nil {
			return err
		}
		if !decomposeForce && !decompose.ShouldDecompose(task) {
			fmt.Printf("%s does not need decomposition (small, bugfix, docs or deployment). Use --force to override.\n", yellow(task.ID))
			return nil
		}
		if decomposeForce {
			if removed, err := a.manager.RemoveSubtasks(ctx, task.ID); err != nil {
				return err
			} else if removed {
				fmt.Printf("Removed existing subtasks of %s\n", yellow(task.ID))
			}
			task, _ = a.task(task.ID)
		}
		fmt.Printf("Decomposing %s: %s\n  Engine: %s\n\n", yellow(task.ID), task.Name, engine.Name())
		results = []decompose.Result{d.Decompose(ctx, task)}
	}

	failures := 0
	for _, r := range results {
		if !r.Success {
			failures++
			fmt.Printf("%s %s: %s\n\n", red("✗"), yellow(r.ParentID), r.Reason)
			continue
		}
		a.syncBoard(ctx, r.ParentID)
		printDecomposition(r)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d decompositions failed", failures, len(results))
	}
	fmt.Printf("Next: %s to link subtasks across tasks\n", cyan("weave wire"))
	return nil
}

func printDecomposition(r decompose.Result) {
	fmt.Printf("%s %s: %d subtasks\n", green("✓"), yellow(r.ParentID), len(r.Subtasks))
	for _, s := range r.Subtasks {
		deps := ""
		if len(s.Dependencies) > 0 {
			deps = dim(fmt.Sprintf(" ← %v", s.Dependencies))
		}
		fmt.Printf("  %s %s %s%s\n", yellow(s.ID), s.Name, dim(fmt.Sprintf("(%.1fh)", s.EstimatedHours)), deps)
	}
	p := r.Parallelism
	fmt.Printf("  depth %d, up to %d in parallel, %.0f%% parallelizable, score %s\n\n",
		p.DependencyChainDepth, p.MaxParallelWorkers, p.ParallelizablePercentage,
		bold(fmt.Sprintf("%.1f", p.ParallelismScore)))
}
