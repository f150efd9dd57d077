package wiring

import (
	"strings"

	"github.com/imkarma/weave/internal/graph"
	"github.com/imkarma/weave/internal/store"
)

// Phase is a coarse workflow stage inferred from a task name.
type Phase int

const (
	PhaseUnknown Phase = iota - 1
	PhaseDesign
	PhaseImplement
	PhaseTest
	PhaseIntegration
)

var phasePrefixes = []struct {
	prefix string
	phase  Phase
}{
	{"design", PhaseDesign},
	{"implement", PhaseImplement},
	{"test", PhaseTest},
	{"integration", PhaseIntegration},
	{"integrate", PhaseIntegration},
}

// PhaseOf returns the phase named by the longest matching prefix of name,
// case-insensitive, or PhaseUnknown.
func PhaseOf(name string) Phase {
	lower := strings.ToLower(strings.TrimSpace(name))
	best, bestLen := PhaseUnknown, 0
	for _, p := range phasePrefixes {
		if strings.HasPrefix(lower, p.prefix) && len(p.prefix) > bestLen {
			best, bestLen = p.phase, len(p.prefix)
		}
	}
	return best
}

// ValidatePhaseOrder reports whether dependent may depend on candidate: a
// task may only depend on an equal or earlier phase. Unknown phases pass.
func ValidatePhaseOrder(dependent, candidate store.Task) bool {
	dp, cp := PhaseOf(dependent.Name), PhaseOf(candidate.Name)
	if dp == PhaseUnknown || cp == PhaseUnknown {
		return true
	}
	return dp >= cp
}

// WouldCreateCycle reports whether adding the edge from -> to to the graph
// over all tasks would close a cycle. A self edge always does.
func WouldCreateCycle(from, to string, all []store.Task) bool {
	return buildGraph(all).WouldCreateCycle(from, to)
}

func buildGraph(all []store.Task) *graph.Graph[string] {
	g := graph.New[string]()
	for _, t := range all {
		g.AddNode(t.ID, t.Dependencies...)
	}
	return g
}

// upstreamParents returns the parents that parentID depends on, directly or
// through other parents.
func upstreamParents(parentID string, byID map[string]store.Task) map[string]bool {
	up := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		t, ok := byID[id]
		if !ok {
			return
		}
		for _, d := range t.Dependencies {
			dep, ok := byID[d]
			if !ok || dep.IsSubtask || d == parentID || up[d] {
				continue
			}
			up[d] = true
			walk(d)
		}
	}
	walk(parentID)
	return up
}

// hasParentDependencies reports whether parent depends on any other parent.
func hasParentDependencies(parent store.Task, byID map[string]store.Task) bool {
	for _, d := range parent.Dependencies {
		if dep, ok := byID[d]; ok && !dep.IsSubtask && d != parent.ID {
			return true
		}
	}
	return false
}

func indexByID(all []store.Task) map[string]store.Task {
	byID := make(map[string]store.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	return byID
}
