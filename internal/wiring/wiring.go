// Package wiring discovers dependencies between subtasks of different
// parents: an embedding pre-filter narrows the candidates, the AI engine
// picks the real dependencies, and local graph rules veto unsafe edges.
package wiring

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/imkarma/weave/internal/agent"
	"github.com/imkarma/weave/internal/embed"
	"github.com/imkarma/weave/internal/logging"
	"github.com/imkarma/weave/internal/metrics"
	"github.com/imkarma/weave/internal/store"
)

// Defaults for candidate filtering.
const (
	DefaultThreshold     = 0.6
	DefaultMaxCandidates = 10
)

// Stats summarizes a WireAll pass.
type Stats struct {
	SubtasksAnalyzed          int `json:"subtasks_analyzed"`
	DependenciesCreated       int `json:"dependencies_created"`
	LLMCalls                  int `json:"llm_calls"`
	RejectedCycle             int `json:"rejected_cycle"`
	RejectedPhase             int `json:"rejected_phase"`
	RejectedSameParent        int `json:"rejected_same_parent"`
	RejectedUnknown           int `json:"rejected_unknown"`
	RejectedIndependentParent int `json:"rejected_independent_parent"`
	SkippedNoRequires         int `json:"skipped_no_requires"`
	SkippedIndependentParent  int `json:"skipped_independent_parent"`
	CollaboratorFailures      int `json:"collaborator_failures"`
}

// Resolution is the engine's answer for one subtask. Err is set when the
// engine failed; Dependencies is then empty. Types marks soft dependencies;
// an ID missing from it is hard.
type Resolution struct {
	Dependencies []string
	Types        map[string]store.DependencyType
	Reasoning    map[string]string
	Err          error

	called bool
}

// Wiring holds the collaborators and tuning for dependency discovery.
type Wiring struct {
	store         *store.TaskStore
	engine        agent.Engine
	embedder      embed.Model
	threshold     float64
	maxCandidates int
	concurrency   int
	log           *slog.Logger
	metrics       *metrics.Metrics
}

// Option configures Wiring.
type Option func(*Wiring)

// WithEmbedder sets the embedding model. Without one, candidates are
// passed to the engine unscored.
func WithEmbedder(m embed.Model) Option { return func(w *Wiring) { w.embedder = m } }

// WithThreshold sets the minimum cosine similarity for a candidate.
func WithThreshold(t float64) Option { return func(w *Wiring) { w.threshold = t } }

// WithMaxCandidates caps how many candidates reach the engine.
func WithMaxCandidates(n int) Option {
	return func(w *Wiring) {
		if n > 0 {
			w.maxCandidates = n
		}
	}
}

// WithConcurrency bounds concurrent engine calls in WireAll.
func WithConcurrency(n int) Option {
	return func(w *Wiring) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(w *Wiring) { w.log = logging.OrDiscard(l) } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Wiring) { w.metrics = m } }

// New creates a Wiring over s.
func New(s *store.TaskStore, engine agent.Engine, opts ...Option) *Wiring {
	w := &Wiring{
		store:         s,
		engine:        engine,
		threshold:     DefaultThreshold,
		maxCandidates: DefaultMaxCandidates,
		concurrency:   4,
		log:           logging.Discard(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// FilterCandidatesByEmbeddings returns the subtasks in all whose Provides is
// similar enough to sub.Requires, best first, at most maxCandidates. Self
// and siblings are never candidates. Without a working embedding model the
// first maxCandidates eligible subtasks are returned unscored.
func (w *Wiring) FilterCandidatesByEmbeddings(ctx context.Context, sub store.Task, all []store.Task) []store.ScoredTask {
	if strings.TrimSpace(sub.Requires) == "" {
		return nil
	}
	var pool []store.Task
	for _, t := range all {
		if !t.IsSubtask || t.ID == sub.ID || t.ParentTaskID == sub.ParentTaskID || strings.TrimSpace(t.Provides) == "" {
			continue
		}
		pool = append(pool, t)
	}
	if len(pool) == 0 {
		return nil
	}

	if w.embedder != nil {
		scored, err := w.score(ctx, sub, pool)
		if err == nil {
			return scored
		}
		w.metrics.CollaboratorFailed("embedding")
		w.log.Warn("embedding failed, using unscored candidates", "subtask", sub.ID, "err", err)
	}

	out := make([]store.ScoredTask, 0, min(len(pool), w.maxCandidates))
	for _, t := range pool[:min(len(pool), w.maxCandidates)] {
		out = append(out, store.ScoredTask{Task: t})
	}
	return out
}

func (w *Wiring) score(ctx context.Context, sub store.Task, pool []store.Task) ([]store.ScoredTask, error) {
	want, err := w.embedder.Embed(ctx, sub.Requires)
	if err != nil {
		return nil, err
	}
	var out []store.ScoredTask
	for _, t := range pool {
		vec, err := w.embedder.Embed(ctx, t.Provides)
		if err != nil {
			return nil, err
		}
		if s := embed.Cosine(want, vec); s >= w.threshold {
			out = append(out, store.ScoredTask{Task: t, Score: s})
		}
	}
	slices.SortStableFunc(out, func(a, b store.ScoredTask) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(out) > w.maxCandidates {
		out = out[:w.maxCandidates]
	}
	return out, nil
}

// ResolveDependenciesWithLLM asks the engine which candidates sub needs. It
// never fails: an engine error comes back in Resolution.Err.
func (w *Wiring) ResolveDependenciesWithLLM(ctx context.Context, sub store.Task, candidates []store.ScoredTask) Resolution {
	if len(candidates) == 0 {
		return Resolution{Reasoning: map[string]string{}}
	}
	w.metrics.LLMCall()
	d, err := w.engine.ResolveDependency(ctx, sub, candidates)
	if err != nil {
		w.metrics.CollaboratorFailed("engine")
		w.log.Warn("dependency resolution failed", "subtask", sub.ID, "err", err)
		return Resolution{Reasoning: map[string]string{}, Err: err, called: true}
	}
	return Resolution{Dependencies: d.Dependencies, Types: d.Types, Reasoning: d.Reasoning, called: true}
}

// HybridResolve runs the candidate filter and the engine for sub, then drops
// every proposed ID that is unknown, a sibling, outside the parent's
// upstream, cycle-forming or out of phase order. It returns the survivors.
func (w *Wiring) HybridResolve(ctx context.Context, sub store.Task, all []store.Task) []string {
	res := w.propose(ctx, sub, all)
	accepted, rejected := w.check(sub, res, all)
	w.record(sub, rejected, &Stats{})
	ids := make([]string, len(accepted))
	for i, e := range accepted {
		ids[i] = e.to
	}
	return ids
}

// propose narrows the pool to subtasks of upstream parents and asks the
// engine about the best of them.
func (w *Wiring) propose(ctx context.Context, sub store.Task, all []store.Task) Resolution {
	byID := indexByID(all)
	up := upstreamParents(sub.ParentTaskID, byID)
	var pool []store.Task
	for _, t := range all {
		if t.IsSubtask && up[t.ParentTaskID] {
			pool = append(pool, t)
		}
	}
	return w.ResolveDependenciesWithLLM(ctx, sub, w.FilterCandidatesByEmbeddings(ctx, sub, pool))
}

type edge struct {
	to   string
	kind store.DependencyType
}

type rejection struct {
	id   string
	rule string
}

// check validates proposed dependencies of sub against all and splits them
// into accepted edges and rejections. It has no side effects.
func (w *Wiring) check(sub store.Task, res Resolution, all []store.Task) ([]edge, []rejection) {
	byID := indexByID(all)
	up := upstreamParents(sub.ParentTaskID, byID)
	g := buildGraph(all)

	var accepted []edge
	var rejected []rejection
	for _, id := range res.Dependencies {
		if sub.DependsOn(id) || slices.ContainsFunc(accepted, func(e edge) bool { return e.to == id }) {
			continue
		}
		cand, ok := byID[id]
		rule := ""
		switch {
		case !ok || !cand.IsSubtask:
			rule = store.RuleUnknownTask
		case cand.ParentTaskID == sub.ParentTaskID:
			rule = store.RuleSameParent
		case !up[cand.ParentTaskID]:
			rule = store.RuleIndependentParent
		case g.WouldCreateCycle(sub.ID, id):
			rule = store.RuleCycle
		case !ValidatePhaseOrder(sub, cand):
			rule = store.RulePhaseOrder
		}
		if rule != "" {
			rejected = append(rejected, rejection{id: id, rule: rule})
			continue
		}
		kind := store.DepHard
		if res.Types[id] == store.DepSoft {
			kind = store.DepSoft
		}
		g.AddEdge(sub.ID, id)
		accepted = append(accepted, edge{to: id, kind: kind})
	}
	return accepted, rejected
}

// record logs rejections and tallies them in stats and metrics.
func (w *Wiring) record(sub store.Task, rejected []rejection, stats *Stats) {
	for _, r := range rejected {
		switch r.rule {
		case store.RuleUnknownTask:
			stats.RejectedUnknown++
		case store.RuleSameParent:
			stats.RejectedSameParent++
		case store.RuleIndependentParent:
			stats.RejectedIndependentParent++
		case store.RuleCycle:
			stats.RejectedCycle++
		case store.RulePhaseOrder:
			stats.RejectedPhase++
		}
		w.metrics.Rejected(r.rule)
		w.log.Info("dependency rejected", "subtask", sub.ID, "candidate", r.id, "reason", r.rule)
	}
}

// WireAll discovers cross-parent dependencies for every subtask that states
// what it requires. Subtasks whose parent depends on no other parent are
// skipped without asking the engine. Engine calls run concurrently; edges
// are then checked and committed one subtask at a time against the live
// graph, so every cycle check sees the edges committed before it.
func (w *Wiring) WireAll(ctx context.Context) (Stats, error) {
	var stats Stats
	all := w.store.List()
	byID := indexByID(all)

	var queue []store.Task
	for _, t := range all {
		if !t.IsSubtask {
			continue
		}
		if strings.TrimSpace(t.Requires) == "" {
			stats.SkippedNoRequires++
			w.metrics.Skipped("no_requires")
			continue
		}
		parent, ok := byID[t.ParentTaskID]
		if !ok || !hasParentDependencies(parent, byID) {
			stats.SkippedIndependentParent++
			w.metrics.Skipped("independent_parent")
			w.log.Debug("subtask skipped, parent has no dependencies", "subtask", t.ID, "parent", t.ParentTaskID)
			continue
		}
		queue = append(queue, t)
	}

	results := make([]Resolution, len(queue))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, sub := range queue {
		g.Go(func() error {
			results[i] = w.propose(gctx, sub, all)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	for i, sub := range queue {
		stats.SubtasksAnalyzed++
		res := results[i]
		if res.called {
			stats.LLMCalls++
		}
		if res.Err != nil {
			stats.CollaboratorFailures++
			continue
		}
		if len(res.Dependencies) == 0 {
			continue
		}

		// The closure may run again if another process commits first, so
		// rejections are only counted once the commit lands.
		added := 0
		var rejected []rejection
		err := w.store.Update(ctx, func(tx *store.Txn) error {
			added, rejected = 0, nil
			live, ok := tx.Get(sub.ID)
			if !ok {
				return nil
			}
			var edges []edge
			edges, rejected = w.check(live, res, tx.List())
			for _, e := range edges {
				live.Dependencies = append(live.Dependencies, e.to)
				live.DependencyTypes = append(live.DependencyTypes, e.kind)
				added++
			}
			if added > 0 {
				tx.Put(live)
			}
			return nil
		})
		if err != nil {
			w.log.Error("commit dependencies failed", "subtask", sub.ID, "err", err)
			return stats, err
		}
		w.record(sub, rejected, &stats)
		for j := 0; j < added; j++ {
			w.metrics.DependencyCreated()
		}
		stats.DependenciesCreated += added
		if added > 0 {
			w.log.Info("dependencies wired", "subtask", sub.ID, "added", added)
		}
	}
	return stats, nil
}
