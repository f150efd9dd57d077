package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/weave/internal/agent"
	agentctx "github.com/imkarma/weave/internal/context"
	"github.com/imkarma/weave/internal/worker"
)

var (
	workWorkers     int
	workAgent       string
	workMetricsAddr string
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a pool of agents over ready subtasks",
	Long: `Starts workers that each claim a ready subtask, run the coder agent on it
and mark it done, or blocked when the agent reports BLOCKED: or fails.
Workers keep going while other subtasks are in progress and stop when
nothing is left.`,
	Args: cobra.NoArgs,
	RunE: runWork,
}

func init() {
	workCmd.Flags().IntVarP(&workWorkers, "workers", "w", 0, "Number of parallel workers (default from config)")
	workCmd.Flags().StringVarP(&workAgent, "agent", "a", "", "Agent to run (default: workers.agent, then the first coder)")
	workCmd.Flags().StringVar(&workMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
}

func runWork(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	explicit := workAgent
	if explicit == "" {
		explicit = a.cfg.Workers.Agent
	}
	name, agentCfg, err := a.cfg.AgentForRole(explicit, "coder")
	if err != nil {
		return fmt.Errorf("%w. Add an agent with role: coder in .weave/config.yaml", err)
	}
	runner, err := agent.NewRunner(name, agentCfg)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	workers := workWorkers
	if workers <= 0 {
		workers = a.cfg.Workers.Max
	}

	if workMetricsAddr != "" {
		srv := &http.Server{Addr: workMetricsAddr, Handler: a.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", "addr", workMetricsAddr, "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		fmt.Printf("Metrics on %s\n", cyan("http://"+workMetricsAddr+"/metrics"))
	}

	pool := worker.NewPool(worker.PoolConfig{
		Assigner:     a.assigner(),
		Prompts:      agentctx.New(a.store),
		Runner:       runner,
		WorkDir:      a.workDir,
		RunsDir:      weavePath("runs"),
		MaxWorkers:   workers,
		MaxAttempts:  a.cfg.Workers.MaxAttempts,
		PollInterval: a.cfg.Workers.PollInterval,
		TimeoutSec:   agentCfg.DefaultTimeout(),
		Logger:       a.log,
	})

	fmt.Printf("Running %d workers with %s\n\n", workers, bold(name))
	start := time.Now()
	results := pool.Run(ctx)

	counts := map[string]int{}
	touched := map[string]bool{}
	for _, r := range results {
		counts[r.Status]++
		mark := green("✓")
		switch r.Status {
		case "blocked":
			mark = yellow("⚠")
		case "failed":
			mark = red("✗")
		}
		fmt.Printf("  %s %s %s %s %s\n", mark, yellow(r.TaskID), r.Title, cyan("["+r.Agent+"]"), dim(r.Duration.Round(time.Second)))
		for _, l := range r.Log[1:] {
			fmt.Printf("      %s\n", dim(l))
		}
		if t, ok := a.store.Get(r.TaskID); ok {
			touched[t.ParentTaskID] = true
		}
	}
	for id := range touched {
		a.syncBoard(context.WithoutCancel(ctx), id)
	}

	fmt.Printf("\n%s  %s  %s  %s\n", bold(fmt.Sprintf("%d subtasks in %s", len(results), time.Since(start).Round(time.Second))),
		green(fmt.Sprintf("%d done", counts["done"])),
		yellow(fmt.Sprintf("%d blocked", counts["blocked"])),
		red(fmt.Sprintf("%d failed", counts["failed"])))
	if ctx.Err() != nil {
		fmt.Println(dim("interrupted"))
	}
	return nil
}
