package decompose

import (
	"slices"

	"github.com/imkarma/weave/internal/graph"
	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

// ParallelismAnalysis describes how much of a batch can run at once.
type ParallelismAnalysis struct {
	DependencyChainDepth     int           `json:"dependency_chain_depth"`
	MaxParallelWorkers       int           `json:"max_parallel_workers"`
	ParallelizablePercentage float64       `json:"parallelizable_percentage"`
	SoftDependencyCount      int           `json:"soft_dependency_count"`
	HardDependencyCount      int           `json:"hard_dependency_count"`
	ParallelismScore         float64       `json:"parallelism_score"`
	Levels                   map[int][]int `json:"levels"`
}

// Score weights. They sum to 1 so the score stays in [0, 100].
const (
	weightParallelizable = 0.5
	weightShallow        = 0.3
	weightSoft           = 0.2
)

// CalculateDependencyLevels labels every spec with its longest-path depth
// and groups indices by level. Specs without dependencies are level 0.
func CalculateDependencyLevels(specs []subtask.Spec) map[int][]int {
	g := graph.New[int]()
	for i, s := range specs {
		g.AddNode(i, s.Dependencies...)
	}
	byNode, err := g.Levels()
	if err != nil {
		return nil
	}

	levels := make(map[int][]int)
	for i := range specs {
		l := byNode[i]
		levels[l] = append(levels[l], i)
	}
	for _, idx := range levels {
		slices.Sort(idx)
	}
	return levels
}

// AnalyzeParallelism computes parallelism metrics for a batch.
//
// The score is 100 * (0.5*p + 0.3*s + 0.2*r) where p is the parallelizable
// fraction, s = 1 - (depth-1)/max(n-1, 1) rewards a shallow chain, and r is
// the soft share of all dependencies (1 when there are none).
func AnalyzeParallelism(specs []subtask.Spec) ParallelismAnalysis {
	n := len(specs)
	if n == 0 {
		return ParallelismAnalysis{Levels: map[int][]int{}}
	}

	levels := CalculateDependencyLevels(specs)
	a := ParallelismAnalysis{
		DependencyChainDepth: len(levels),
		Levels:               levels,
	}
	for _, idx := range levels {
		a.MaxParallelWorkers = max(a.MaxParallelWorkers, len(idx))
	}

	light := 0
	for _, s := range specs {
		if len(s.Dependencies) <= 1 {
			light++
		}
		for i := range s.Dependencies {
			if i < len(s.DependencyTypes) && s.DependencyTypes[i] == store.DepSoft {
				a.SoftDependencyCount++
			} else {
				a.HardDependencyCount++
			}
		}
	}
	a.ParallelizablePercentage = 100 * float64(light) / float64(n)

	shallow := 1 - float64(a.DependencyChainDepth-1)/float64(max(n-1, 1))
	softRatio := 1.0
	if total := a.SoftDependencyCount + a.HardDependencyCount; total > 0 {
		softRatio = float64(a.SoftDependencyCount) / float64(total)
	}
	a.ParallelismScore = 100 * (weightParallelizable*a.ParallelizablePercentage/100 +
		weightShallow*shallow +
		weightSoft*softRatio)
	return a
}
