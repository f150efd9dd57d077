package decompose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/imkarma/weave/internal/store"
	"github.com/imkarma/weave/internal/subtask"
)

func fanOut(n int, kind store.DependencyType) []subtask.Spec {
	specs := []subtask.Spec{{Name: "root"}}
	for i := 0; i < n; i++ {
		specs = append(specs, subtask.Spec{
			Name:            "leaf",
			Dependencies:    []int{0},
			DependencyTypes: []store.DependencyType{kind},
		})
	}
	return specs
}

func chain(n int, kind store.DependencyType) []subtask.Spec {
	specs := make([]subtask.Spec, n)
	for i := 1; i < n; i++ {
		specs[i] = subtask.Spec{Dependencies: []int{i - 1}, DependencyTypes: []store.DependencyType{kind}}
	}
	return specs
}

func TestCalculateDependencyLevels(t *testing.T) {
	specs := []subtask.Spec{
		{},
		{Dependencies: []int{0}},
		{},
		{Dependencies: []int{1, 2}},
	}
	assert.Equal(t, map[int][]int{0: {0, 2}, 1: {1}, 2: {3}}, CalculateDependencyLevels(specs))
}

func TestAnalyzeParallelism_FanOutScenario(t *testing.T) {
	a := AnalyzeParallelism(fanOut(4, store.DepHard))

	assert.Equal(t, 2, a.DependencyChainDepth)
	assert.Equal(t, 4, a.MaxParallelWorkers)
	assert.Equal(t, 100.0, a.ParallelizablePercentage)
	assert.Equal(t, 4, a.HardDependencyCount)
	assert.Equal(t, 0, a.SoftDependencyCount)
	assert.Equal(t, []int{1, 2, 3, 4}, a.Levels[1])
}

func TestAnalyzeParallelism_Empty(t *testing.T) {
	a := AnalyzeParallelism(nil)
	assert.Zero(t, a.DependencyChainDepth)
	assert.Zero(t, a.ParallelismScore)
}

func TestAnalyzeParallelism_CountsMissingTypesAsHard(t *testing.T) {
	a := AnalyzeParallelism([]subtask.Spec{{}, {}, {Dependencies: []int{0, 1}, DependencyTypes: []store.DependencyType{store.DepSoft}}})
	assert.Equal(t, 1, a.SoftDependencyCount)
	assert.Equal(t, 1, a.HardDependencyCount)
	assert.InDelta(t, 100*2.0/3.0, a.ParallelizablePercentage, 1e-9)
}

func TestParallelismScore_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 20).Draw(rt, "n")

		parallel := AnalyzeParallelism(make([]subtask.Spec, n))
		sequential := AnalyzeParallelism(chain(n, store.DepHard))
		if parallel.ParallelismScore <= sequential.ParallelismScore {
			rt.Fatalf("parallel %v <= sequential %v", parallel.ParallelismScore, sequential.ParallelismScore)
		}

		soft := AnalyzeParallelism(chain(n, store.DepSoft))
		if soft.ParallelismScore <= sequential.ParallelismScore {
			rt.Fatalf("all-soft %v <= all-hard %v", soft.ParallelismScore, sequential.ParallelismScore)
		}

		for _, a := range []ParallelismAnalysis{parallel, sequential, soft} {
			if a.ParallelismScore < 0 || a.ParallelismScore > 100 {
				rt.Fatalf("score %v out of range", a.ParallelismScore)
			}
		}
	})
}
