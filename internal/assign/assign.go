// Package assign hands ready subtasks to agents and pushes completion back
// up to the parent and its board card.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/imkarma/weave/internal/board"
	"github.com/imkarma/weave/internal/logging"
	"github.com/imkarma/weave/internal/metrics"
	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

// maxClaimAttempts bounds how often one request retries after losing a
// claim race.
const maxClaimAttempts = 64

// Assigner finds and claims subtasks for agents.
type Assigner struct {
	manager *subtask.Manager
	board   board.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Assigner)

// WithBoard mirrors progress and completion onto a board. Without one,
// only the store is updated.
func WithBoard(c board.Client) Option { return func(a *Assigner) { a.board = c } }

func WithLogger(l *slog.Logger) Option { return func(a *Assigner) { a.log = logging.OrDiscard(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Assigner) { a.metrics = m } }

func New(m *subtask.Manager, opts ...Option) *Assigner {
	a := &Assigner{manager: m, log: logging.Discard()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// FindNextAvailable claims the first ready subtask for agentID and returns
// it, or nil if nothing is ready. Parents are scanned in creation order;
// any parent that is not DONE and has subtasks is eligible. The claim is a
// compare-and-swap in the store, so concurrent callers never receive the
// same subtask. A lost race rescans.
func (a *Assigner) FindNextAvailable(ctx context.Context, agentID string) (*store.Task, error) {
	return a.Next(ctx, agentID, nil)
}

// Next is FindNextAvailable with a filter: candidates for which skip
// returns true are passed over. A nil skip passes over nothing.
func (a *Assigner) Next(ctx context.Context, agentID string, skip func(store.Task) bool) (*store.Task, error) {
	// Other processes may have claimed or finished subtasks since the last
	// load. The claim itself is checked against storage regardless.
	if err := a.manager.Store().Refresh(ctx); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cand, ok := a.scan(skip)
		if !ok {
			a.metrics.Assignment("none")
			return nil, nil
		}
		t, err := a.manager.ClaimSubtask(ctx, cand.ID, agentID)
		if err == nil {
			a.metrics.Assignment("assigned")
			a.log.Info("subtask assigned", "subtask", t.ID, "parent", t.ParentTaskID, "agent", agentID)
			return &t, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		a.metrics.ClaimConflict()
		a.log.Debug("claim lost, rescanning", "subtask", cand.ID, "agent", agentID)
	}
	a.metrics.Assignment("none")
	a.log.Warn("giving up after repeated claim conflicts", "agent", agentID)
	return nil, nil
}

func (a *Assigner) scan(skip func(store.Task) bool) (store.Task, bool) {
	completed := a.manager.CompletedIDs()
	for _, p := range a.manager.Store().Parents() {
		if p.Status == store.StatusDone || !a.manager.HasSubtasks(p.ID) {
			continue
		}
		for _, t := range a.manager.GetSubtasks(p.ID) {
			if subtask.Ready(t, completed) && (skip == nil || !skip(t)) {
				return t, true
			}
		}
	}
	return store.Task{}, false
}

// ConvertToTask returns sub as a standalone task for the outer pipeline.
// Labels and due date come from the parent.
func ConvertToTask(sub, parent store.Task) store.Task {
	t := sub.Clone()
	t.Labels = slices.Clone(parent.Labels)
	t.DueDate = nil
	if parent.DueDate != nil {
		d := *parent.DueDate
		t.DueDate = &d
	}
	return t
}

// CheckAndCompleteParent moves parentID to DONE once every subtask is DONE
// and closes its board card at 100% with a summary comment. It returns true
// only for the call that made the transition; later calls return false and
// post nothing.
func (a *Assigner) CheckAndCompleteParent(ctx context.Context, parentID string) (bool, error) {
	if _, ok := a.manager.Store().Get(parentID); !ok {
		return false, fmt.Errorf("parent %s: %w", parentID, store.ErrNotFound)
	}
	finished, err := a.manager.FinishParent(ctx, parentID)
	if err != nil || !finished {
		return false, err
	}
	a.announceParent(ctx, parentID)
	return true, nil
}

// announceParent records a parent's completion and mirrors it to the board.
func (a *Assigner) announceParent(ctx context.Context, parentID string) {
	a.metrics.ParentCompleted()
	a.log.Info("parent completed", "parent", parentID)

	if a.board == nil {
		return
	}
	kids := a.manager.GetSubtasks(parentID)
	var b strings.Builder
	fmt.Fprintf(&b, "All %d subtasks completed:\n", len(kids))
	for _, k := range kids {
		fmt.Fprintf(&b, "- %s (%s)\n", k.Name, k.ID)
	}
	err := errors.Join(
		a.board.UpdateTask(ctx, parentID, board.Fields{Status: store.StatusDone, Progress: board.Progress(100)}),
		a.board.AddComment(ctx, parentID, strings.TrimRight(b.String(), "\n")),
	)
	if err != nil {
		a.boardFailed("complete_parent", parentID, err)
	}
}

// PropagateProgress pushes the parent's completion percentage to the board,
// ticks the checklist item named after the subtask and posts a progress
// comment. Board failures are returned as a *store.CollaboratorError.
func (a *Assigner) PropagateProgress(ctx context.Context, parentID, subtaskID string) error {
	sub, ok := a.manager.Store().Get(subtaskID)
	if !ok {
		return fmt.Errorf("subtask %s: %w", subtaskID, store.ErrNotFound)
	}
	if a.board == nil {
		return nil
	}
	pct := a.manager.GetCompletionPercentage(parentID)
	kids := a.manager.GetSubtasks(parentID)
	done := 0
	for _, k := range kids {
		if k.Status == store.StatusDone {
			done++
		}
	}

	var errs []error
	errs = append(errs, a.board.UpdateTaskProgress(ctx, parentID, board.Fields{Progress: board.Progress(pct)}))
	matched, err := a.board.CompleteChecklistItem(ctx, parentID, sub.Name)
	errs = append(errs, err)
	if err == nil && !matched {
		a.log.Debug("no checklist item for subtask", "parent", parentID, "subtask", subtaskID)
	}
	errs = append(errs, a.board.AddComment(ctx, parentID,
		fmt.Sprintf("Subtask %q %s (%d/%d, %.0f%%)", sub.Name, sub.Status, done, len(kids), pct)))

	if err := errors.Join(errs...); err != nil {
		return a.boardFailed("propagate_progress", parentID, err)
	}
	return nil
}

// CompleteSubtask marks a subtask DONE and propagates the result. Calling
// it on a DONE subtask is a no-op. When agentID is set it must match the
// current assignee. The parent's completion is announced once, by the call
// whose commit finished it.
func (a *Assigner) CompleteSubtask(ctx context.Context, subtaskID, agentID string) error {
	changed, parentDone, err := a.manager.CompleteSubtask(ctx, subtaskID, agentID)
	if err != nil {
		return fmt.Errorf("complete %s: %w", subtaskID, err)
	}
	if !changed {
		return nil
	}
	sub, _ := a.manager.Store().Get(subtaskID)
	a.log.Info("subtask completed", "subtask", subtaskID, "agent", sub.AssignedTo)

	if err := a.PropagateProgress(ctx, sub.ParentTaskID, subtaskID); err != nil {
		a.log.Warn("progress not propagated", "subtask", subtaskID, "err", err)
	}
	if parentDone {
		a.announceParent(ctx, sub.ParentTaskID)
	}
	return nil
}

// ReleaseSubtask marks a subtask BLOCKED and records reason on the parent's
// card. A blocked subtask stays eligible, so a later request may pick it up
// again; use Next with a skip filter to avoid retrying it.
func (a *Assigner) ReleaseSubtask(ctx context.Context, subtaskID, reason string) error {
	found, err := a.manager.UpdateSubtaskStatus(ctx, subtaskID, store.StatusBlocked, nil)
	if err != nil {
		return fmt.Errorf("block %s: %w", subtaskID, err)
	}
	if !found {
		return fmt.Errorf("subtask %s: %w", subtaskID, store.ErrNotFound)
	}
	sub, _ := a.manager.Store().Get(subtaskID)
	a.log.Info("subtask blocked", "subtask", subtaskID, "reason", reason)
	if a.board == nil {
		return nil
	}
	if err := a.board.AddComment(ctx, sub.ParentTaskID, fmt.Sprintf("Subtask %q blocked: %s", sub.Name, reason)); err != nil {
		a.boardFailed("block", sub.ParentTaskID, err)
	}
	return nil
}

func (a *Assigner) boardFailed(op, id string, err error) error {
	a.metrics.CollaboratorFailed("board")
	a.log.Warn("board update failed", "op", op, "parent", id, "err", err)
	return &store.CollaboratorError{Collaborator: "board", Op: op, Err: err}
}
