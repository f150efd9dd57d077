package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imkarma/weave/internal/store"
)

// Decomposition is the engine's proposed split of a task.
type Decomposition struct {
	Subtasks          []ProposedSubtask
	SharedConventions map[string]string
}

// ProposedSubtask is one entry of a decomposition as the engine returned it.
// Dependencies are left untyped so the caller can drop entries that are not
// integer indices instead of failing the whole batch.
type ProposedSubtask struct {
	Name            string
	Description     string
	EstimatedHours  *float64
	Dependencies    []any
	DependencyTypes []string
	FileArtifacts   []string
	Provides        string
	Requires        string
}

// DependencyDecision is the engine's answer to "which candidates does this
// subtask need". Types has an entry for every dependency; hard unless the
// engine said soft.
type DependencyDecision struct {
	Dependencies []string
	Types        map[string]store.DependencyType
	Reasoning    map[string]string
}

type wireDecomposition struct {
	Subtasks          *[]wireSubtask `json:"subtasks"`
	SharedConventions map[string]any `json:"shared_conventions"`
}

type wireSubtask struct {
	Name            *string         `json:"name"`
	Description     *string         `json:"description"`
	EstimatedHours  json.RawMessage `json:"estimated_hours"`
	Dependencies    []any           `json:"dependencies"`
	DependencyTypes []string        `json:"dependency_types"`
	FileArtifacts   []string        `json:"file_artifacts"`
	Provides        string          `json:"provides"`
	Requires        string          `json:"requires"`
}

type wireDecision struct {
	Dependencies *[]string         `json:"dependencies"`
	Types        map[string]string `json:"types"`
	Reasoning    map[string]string `json:"reasoning"`
}

// ParseDecomposition extracts and checks a decomposition payload from raw
// agent output. Structural problems come back as *store.ValidationError.
// Field-level rules (empty names, bad indices) are left to the decomposer.
func ParseDecomposition(output string) (*Decomposition, error) {
	raw, err := extractObject(output)
	if err != nil {
		return nil, err
	}
	var w wireDecomposition
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, store.Invalid("response", "not a decomposition object: %v", err)
	}
	if w.Subtasks == nil {
		return nil, store.Invalid("response.subtasks", "is missing")
	}

	d := &Decomposition{Subtasks: make([]ProposedSubtask, 0, len(*w.Subtasks))}
	for i, ws := range *w.Subtasks {
		field := fmt.Sprintf("response.subtasks[%d]", i)
		if ws.Name == nil {
			return nil, store.Invalid(field+".name", "is missing")
		}
		if ws.Description == nil {
			return nil, store.Invalid(field+".description", "is missing")
		}
		hours, err := parseHours(ws.EstimatedHours)
		if err != nil {
			return nil, store.Invalid(field+".estimated_hours", "%v", err)
		}
		d.Subtasks = append(d.Subtasks, ProposedSubtask{
			Name:            strings.TrimSpace(*ws.Name),
			Description:     strings.TrimSpace(*ws.Description),
			EstimatedHours:  hours,
			Dependencies:    ws.Dependencies,
			DependencyTypes: ws.DependencyTypes,
			FileArtifacts:   ws.FileArtifacts,
			Provides:        strings.TrimSpace(ws.Provides),
			Requires:        strings.TrimSpace(ws.Requires),
		})
	}

	if len(w.SharedConventions) > 0 {
		d.SharedConventions = make(map[string]string, len(w.SharedConventions))
		for k, v := range w.SharedConventions {
			if s, ok := v.(string); ok {
				d.SharedConventions[k] = s
				continue
			}
			b, _ := json.Marshal(v)
			d.SharedConventions[k] = string(b)
		}
	}
	return d, nil
}

// parseHours accepts a JSON number. A missing or null value yields nil.
func parseHours(raw json.RawMessage) (*float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var h float64
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("must be a number, got %s", raw)
	}
	return &h, nil
}

// ParseDependencyDecision extracts a dependency decision from raw agent
// output. The dependencies array is required; types and reasoning are
// optional. A type other than "hard" or "soft" is a validation error.
func ParseDependencyDecision(output string) (*DependencyDecision, error) {
	raw, err := extractObject(output)
	if err != nil {
		return nil, err
	}
	var w wireDecision
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, store.Invalid("response", "not a dependency decision: %v", err)
	}
	if w.Dependencies == nil {
		return nil, store.Invalid("response.dependencies", "is missing")
	}

	types := make(map[string]string, len(w.Types))
	for id, t := range w.Types {
		types[strings.TrimSpace(id)] = strings.ToLower(strings.TrimSpace(t))
	}

	d := &DependencyDecision{Reasoning: w.Reasoning, Types: map[string]store.DependencyType{}}
	seen := make(map[string]bool)
	for _, id := range *w.Dependencies {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		d.Dependencies = append(d.Dependencies, id)

		switch dt := store.DependencyType(types[id]); dt {
		case "", store.DepHard:
			d.Types[id] = store.DepHard
		case store.DepSoft:
			d.Types[id] = store.DepSoft
		default:
			return nil, store.Invalid("response.types."+id, "unknown type %q", dt)
		}
	}
	if d.Reasoning == nil {
		d.Reasoning = map[string]string{}
	}
	return d, nil
}

// extractObject returns the text from the first '{' to the last '}'. Agents
// like to wrap JSON in prose or code fences.
func extractObject(output string) ([]byte, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return nil, store.Invalid("response", "no JSON object found")
	}
	return []byte(output[start : end+1]), nil
}

// ParseBlocked extracts a BLOCKED reason from agent output.
func ParseBlocked(output string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), "BLOCKED:") {
			return strings.TrimSpace(trimmed[8:])
		}
	}
	return ""
}
