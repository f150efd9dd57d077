package decompose

import (
	"strings"

	"github.com/imkarma/weave/internal/store"
)

var skipLabels = map[string]bool{
	"bugfix":        true,
	"hotfix":        true,
	"refactor":      true,
	"documentation": true,
}

var deployKeywords = []string{"deploy", "release", "production", "launch", "rollout"}

// multiComponentIndicators hint that a description spans several pieces of
// work. Matched as lowercase substrings.
var multiComponentIndicators = []string{
	" and ", "then", "including", "as well as", "plus",
	"endpoint", "api", "database", "model", "ui", "frontend", "backend",
}

// ShouldDecompose reports whether task is large enough and of the right kind
// to be split into subtasks.
func ShouldDecompose(task store.Task) bool {
	if task.EstimatedHours < 3.0 {
		return false
	}
	for _, l := range task.Labels {
		if skipLabels[strings.ToLower(l)] {
			return false
		}
	}
	name := strings.ToLower(task.Name)
	for _, kw := range deployKeywords {
		if strings.Contains(name, kw) {
			return false
		}
	}
	if task.EstimatedHours >= 4.0 {
		return true
	}

	desc := strings.ToLower(task.Description)
	hits := 0
	for _, ind := range multiComponentIndicators {
		if strings.Contains(desc, ind) {
			hits++
		}
	}
	return hits >= 3
}
