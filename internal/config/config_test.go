package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestEffectiveArgs(t *testing.T) {
	tests := []struct {
		name  string
		agent Agent
		want  []string
	}{
		{"api mode untouched", Agent{Mode: "api", Args: []string{"--x"}, AutoAccept: true}, []string{"--x"}},
		{"claude gets print", Agent{Mode: "cli", Cmd: "claude", Args: []string{"--model", "sonnet"}}, []string{"--print", "--model", "sonnet"}},
		{"claude auto accept", Agent{Mode: "cli", Cmd: "claude", AutoAccept: true}, []string{"--dangerously-skip-permissions", "--print"}},
		{"claude short print", Agent{Mode: "cli", Cmd: "claude", Args: []string{"-p"}}, []string{"-p"}},
		{"claude permission mode", Agent{Mode: "cli", Cmd: "claude", Args: []string{"--print", "--permission-mode", "plan"}, AutoAccept: true}, []string{"--print", "--permission-mode", "plan"}},
		{"gemini yolo", Agent{Mode: "cli", Cmd: "gemini", AutoAccept: true}, []string{"--yolo"}},
		{"gemini no auto accept", Agent{Mode: "cli", Cmd: "gemini"}, []string{}},
		{"codex full auto", Agent{Mode: "cli", Cmd: "codex", AutoAccept: true}, []string{"--full-auto"}},
		{"codex approval mode", Agent{Mode: "cli", Cmd: "codex", Args: []string{"--approval-mode", "x"}, AutoAccept: true}, []string{"--approval-mode", "x"}},
		{"unknown cli", Agent{Mode: "cli", Cmd: "ollama", Args: []string{"run"}, AutoAccept: true}, []string{"run"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.agent.EffectiveArgs()
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEffectiveArgs_DoesNotMutateOriginal(t *testing.T) {
	a := Agent{Mode: "cli", Cmd: "claude", Args: []string{"--model", "opus"}, AutoAccept: true}
	_ = a.EffectiveArgs()
	assert.Equal(t, []string{"--model", "opus"}, a.Args)
}

func TestAgentDefaults(t *testing.T) {
	assert.Equal(t, 300, Agent{}.DefaultTimeout())
	assert.Equal(t, 60, Agent{TimeoutSec: 60}.DefaultTimeout())
	assert.Equal(t, 4096, Agent{}.EffectiveMaxTokens())
	assert.Equal(t, 1000, Agent{MaxTokens: 1000}.EffectiveMaxTokens())
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1
agents:
  planner:
    role: pm
    mode: cli
    cmd: claude
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Wiring.SimilarityThreshold)
	assert.Equal(t, 10, cfg.Wiring.MaxCandidates)
	assert.Equal(t, "hash", cfg.Embedding.Provider)
	assert.Equal(t, 256, cfg.Embedding.Dimensions)
	assert.Equal(t, "weave.db", cfg.Storage.DBPath)
	assert.Equal(t, 3, cfg.Workers.Max)
	assert.Equal(t, 1, cfg.Workers.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Workers.PollInterval)
	require.Contains(t, cfg.Agents, "planner")
	assert.Equal(t, "claude", cfg.Agents["planner"].Cmd)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "version: 1\n")
	t.Setenv("WEAVE_WIRING_MAX_CANDIDATES", "4")
	t.Setenv("WEAVE_EMBEDDING_PROVIDER", "none")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Wiring.MaxCandidates)
	assert.Equal(t, "none", cfg.Embedding.Provider)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing mode":     "agents:\n  a:\n    role: pm\n",
		"bad mode":         "agents:\n  a:\n    role: pm\n    mode: grpc\n",
		"missing cmd":      "agents:\n  a:\n    role: pm\n    mode: cli\n",
		"missing provider": "agents:\n  a:\n    role: pm\n    mode: api\n",
		"missing role":     "agents:\n  a:\n    mode: cli\n    cmd: claude\n",
		"bad prompt_via":   "agents:\n  a:\n    role: pm\n    mode: cli\n    cmd: x\n    prompt_via: pipe\n",
		"unknown engine":   "engine:\n  agent: ghost\n",
		"threshold":        "wiring:\n  similarity_threshold: 1.5\n",
		"max candidates":   "wiring:\n  max_candidates: 0\n",
		"embedding":        "embedding:\n  provider: word2vec\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSave_And_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Agents["planner"] = Agent{Role: "pm", Mode: "api", Provider: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "ANTHROPIC_API_KEY"}
	cfg.Agents["coder"] = Agent{Role: "coder", Mode: "cli", Cmd: "claude", Args: []string{"--model", "sonnet"}}
	cfg.Engine.Agent = "planner"
	cfg.Wiring.MaxCandidates = 7

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "planner", loaded.Engine.Agent)
	assert.Equal(t, 7, loaded.Wiring.MaxCandidates)
	assert.Equal(t, "anthropic", loaded.Agents["planner"].Provider)
	assert.Equal(t, []string{"--model", "sonnet"}, loaded.Agents["coder"].Args)
	assert.Equal(t, 2*time.Second, loaded.Workers.PollInterval)
}

func TestAgentForRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents["zeta"] = Agent{Role: "pm", Mode: "cli", Cmd: "x"}
	cfg.Agents["alpha"] = Agent{Role: "pm", Mode: "cli", Cmd: "y"}
	cfg.Agents["coder"] = Agent{Role: "coder", Mode: "cli", Cmd: "z"}

	name, a, err := cfg.AgentForRole("", "pm")
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
	assert.Equal(t, "y", a.Cmd)

	name, _, err = cfg.AgentForRole("zeta", "pm")
	require.NoError(t, err)
	assert.Equal(t, "zeta", name)

	_, _, err = cfg.AgentForRole("", "reviewer")
	assert.Error(t, err)
	_, _, err = cfg.AgentForRole("ghost", "pm")
	assert.Error(t, err)

	assert.Len(t, cfg.AgentsByRole("pm"), 2)
}
