package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/imkarma/weave/internal/agent"
	"github.com/imkarma/weave/internal/assign"
	"github.com/imkarma/weave/internal/board"
	"github.com/imkarma/weave/internal/config"
	agentctx "github.com/imkarma/weave/internal/context"
	"github.com/imkarma/weave/internal/logging"
	"github.com/imkarma/weave/internal/metrics"
	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

const weaveDirName = ".weave"

// weavePath returns the path to a file inside .weave/.
func weavePath(parts ...string) string {
	elems := append([]string{weaveDirName}, parts...)
	return filepath.Join(elems...)
}

// dataPath resolves a configured storage path. Relative paths live in .weave/.
func dataPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return weavePath(p)
}

var (
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func statusColor(s store.TaskStatus) func(a ...any) string {
	switch s {
	case store.StatusInProgress:
		return blue
	case store.StatusBlocked:
		return red
	case store.StatusDone:
		return green
	default:
		return fmt.Sprint
	}
}

func priorityColor(p store.Priority) func(a ...any) string {
	switch p {
	case store.PriorityHigh:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case store.PriorityMedium:
		return yellow
	case store.PriorityLow:
		return dim
	default:
		return fmt.Sprint
	}
}

// app bundles everything a command needs, opened from .weave/.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	logClose io.Closer
	store    *store.TaskStore
	manager  *subtask.Manager
	board    *board.Local
	metrics  *metrics.Metrics
	workDir  string
}

// openApp loads config, logging, the task store and the board. It fails if
// weave is not initialized.
func openApp(ctx context.Context) (*app, error) {
	if _, err := os.Stat(weavePath("config.yaml")); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("weave not initialized. Run: weave init")
	}
	cfg, err := config.Load(weavePath("config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logCfg := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if cfg.Logging.File != "" {
		logCfg.File = dataPath(cfg.Logging.File)
	}
	log, logClose, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, logClose: logClose, metrics: metrics.NewRegistry()}
	a.workDir, _ = os.Getwd()

	p, err := store.OpenSQLite(dataPath(cfg.Storage.DBPath))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store, err = store.Open(ctx, p, store.WithLogger(log))
	if err != nil {
		p.Close()
		a.Close()
		return nil, err
	}
	a.manager = subtask.NewManager(a.store, log)

	a.board, err = board.OpenLocal(dataPath(cfg.Storage.BoardPath))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.board != nil {
		a.board.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.logClose != nil {
		a.logClose.Close()
	}
}

// task returns the task with id or a not-found error.
func (a *app) task(id string) (store.Task, error) {
	t, ok := a.store.Get(id)
	if !ok {
		return store.Task{}, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

// engine builds the AI engine from the configured engine agent, falling
// back to the first agent with role pm.
func (a *app) engine() (agent.Engine, error) {
	name, agentCfg, err := a.cfg.AgentForRole(a.cfg.Engine.Agent, "pm")
	if err != nil {
		return nil, fmt.Errorf("%w. Add an agent with role: pm in .weave/config.yaml", err)
	}
	runner, err := agent.NewRunner(name, agentCfg)
	if err != nil {
		return nil, fmt.Errorf("create engine agent: %w", err)
	}
	return agent.NewRunnerEngine(runner, agentctx.New(a.store), a.workDir, a.log), nil
}

func (a *app) assigner() *assign.Assigner {
	return assign.New(a.manager,
		assign.WithBoard(a.board),
		assign.WithLogger(a.log),
		assign.WithMetrics(a.metrics),
	)
}

// syncBoard refreshes the card and checklist of parentID.
func (a *app) syncBoard(ctx context.Context, parentID string) {
	parent, ok := a.store.Get(parentID)
	if !ok || parent.IsSubtask {
		return
	}
	err := a.board.SyncCard(ctx, parent, a.manager.GetSubtasks(parentID), a.manager.GetCompletionPercentage(parentID))
	if err != nil {
		a.log.Warn("board sync failed", "parent", parentID, "err", err)
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

func padRight(s string, width int) string {
	r := []rune(s)
	if len(r) >= width {
		return string(r[:width])
	}
	return s + fmt.Sprintf("%*s", width-len(r), "")
}
