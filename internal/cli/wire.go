package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/embed"
	"github.com/imkarma/weave/internal/wiring"
)

var wireCmd = &cobra.Command{
	Use:   "wire",
	Short: "Discover dependencies between subtasks of different tasks",
	Long: `For every subtask that states what it requires, candidates from the tasks
its parent depends on are ranked by embedding similarity and the engine
agent picks the real dependencies. Edges that would form a cycle, break
design → implement → test → integration order, or link tasks without a
declared dependency are dropped.`,
	Args: cobra.NoArgs,
	RunE: runWire,
}

func runWire(cmd *cobra.Command, args []string) error {
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
	model, err := embed.New(a.cfg.Embedding)
	if err != nil {
		return err
	}
	opts := []wiring.Option{
		wiring.WithThreshold(a.cfg.Wiring.SimilarityThreshold),
		wiring.WithMaxCandidates(a.cfg.Wiring.MaxCandidates),
		wiring.WithConcurrency(a.cfg.Wiring.Concurrency),
		wiring.WithLogger(a.log),
		wiring.WithMetrics(a.metrics),
	}
	if model != nil {
		opts = append(opts, wiring.WithEmbedder(model))
	}

	stats, err := wiring.New(a.store, engine, opts...).WireAll(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", bold("Wiring complete"))
	fmt.Printf("  %-28s %d\n", "subtasks analyzed:", stats.SubtasksAnalyzed)
	fmt.Printf("  %-28s %s\n", "dependencies created:", green(stats.DependenciesCreated))
	fmt.Printf("  %-28s %d\n", "engine calls:", stats.LLMCalls)
	fmt.Printf("  %-28s %d\n", "skipped (no requires):", stats.SkippedNoRequires)
	fmt.Printf("  %-28s %d\n", "skipped (independent task):", stats.SkippedIndependentParent)
	rejected := stats.RejectedCycle + stats.RejectedPhase + stats.RejectedSameParent +
		stats.RejectedUnknown + stats.RejectedIndependentParent
	if rejected > 0 {
		fmt.Printf("  %-28s %s (cycle %d, phase %d, same task %d, unknown %d, independent %d)\n",
			"rejected:", yellow(rejected), stats.RejectedCycle, stats.RejectedPhase,
			stats.RejectedSameParent, stats.RejectedUnknown, stats.RejectedIndependentParent)
	}
	if stats.CollaboratorFailures > 0 {
		fmt.Printf("  %-28s %s\n", "engine failures:", red(stats.CollaboratorFailures))
	}
	return nil
}
