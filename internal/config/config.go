package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a weave project.
type Config struct {
	Version   int              `yaml:"version" mapstructure:"version"`
	Agents    map[string]Agent `yaml:"agents" mapstructure:"agents"`
	Engine    Engine           `yaml:"engine" mapstructure:"engine"`
	Wiring    Wiring           `yaml:"wiring" mapstructure:"wiring"`
	Embedding Embedding        `yaml:"embedding" mapstructure:"embedding"`
	Storage   Storage          `yaml:"storage" mapstructure:"storage"`
	Workers   Workers          `yaml:"workers" mapstructure:"workers"`
	Logging   Logging          `yaml:"logging" mapstructure:"logging"`
}

// Agent describes a single AI agent and how to connect to it.
type Agent struct {
	Role       string   `yaml:"role" mapstructure:"role"`                                   // pm, coder, tester, etc.
	Mode       string   `yaml:"mode" mapstructure:"mode"`                                   // "cli" or "api"
	Cmd        string   `yaml:"cmd,omitempty" mapstructure:"cmd"`                           // CLI command to spawn
	Args       []string `yaml:"args,omitempty" mapstructure:"args"`                         // CLI arguments
	PromptVia  string   `yaml:"prompt_via,omitempty" mapstructure:"prompt_via"`             // "arg" (default) or "stdin"
	Provider   string   `yaml:"provider,omitempty" mapstructure:"provider"`                 // API provider: openai, anthropic, google
	Model      string   `yaml:"model,omitempty" mapstructure:"model"`                       // Model name for API mode
	BaseURL    string   `yaml:"base_url,omitempty" mapstructure:"base_url"`                 // Override for OpenAI-compatible endpoints
	APIKeyEnv  string   `yaml:"api_key_env,omitempty" mapstructure:"api_key_env"`           // Env var name containing API key
	TimeoutSec int      `yaml:"timeout_sec,omitempty" mapstructure:"timeout_sec"`           // Timeout in seconds (0 = default 300)
	MaxTokens  int      `yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`             // Response token cap for API mode
	AutoAccept bool     `yaml:"auto_accept,omitempty" mapstructure:"auto_accept"`           // Skip permission prompts for known CLIs
}

// Engine selects the agent that answers decomposition and dependency
// questions.
type Engine struct {
	Agent string `yaml:"agent,omitempty" mapstructure:"agent"`
}

// Wiring tunes cross-parent dependency discovery.
type Wiring struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	MaxCandidates       int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	Concurrency         int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// Embedding selects the embedding model used to pre-filter candidates.
type Embedding struct {
	Provider   string `yaml:"provider" mapstructure:"provider"` // hash, ollama, none
	Model      string `yaml:"model,omitempty" mapstructure:"model"`
	BaseURL    string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Dimensions int    `yaml:"dimensions,omitempty" mapstructure:"dimensions"`
	CacheSize  int    `yaml:"cache_size,omitempty" mapstructure:"cache_size"`
}

// Storage holds database locations. Relative paths live in .weave/.
type Storage struct {
	DBPath    string `yaml:"db_path" mapstructure:"db_path"`
	BoardPath string `yaml:"board_path" mapstructure:"board_path"`
}

// Workers configures the parallel agent pool.
type Workers struct {
	Max          int           `yaml:"max" mapstructure:"max"`
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Agent        string        `yaml:"agent,omitempty" mapstructure:"agent"`
}

// Logging configures structured logs.
type Logging struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file,omitempty" mapstructure:"file"`
}

// EffectiveArgs returns the final args for a CLI agent, injecting
// non-interactive and auto-accept flags for known CLI tools.
//
// Known tools and their flags:
//   - claude: --print --dangerously-skip-permissions
//   - gemini: --yolo
//   - codex:  --full-auto
func (a Agent) EffectiveArgs() []string {
	if a.Mode != "cli" {
		return a.Args
	}

	args := slices.Clone(a.Args)
	switch a.Cmd {
	case "claude":
		if !containsAny(args, "-p", "--print") {
			args = appendFront(args, "--print")
		}
		if a.AutoAccept && !containsAny(args, "--dangerously-skip-permissions", "--permission-mode") {
			args = appendFront(args, "--dangerously-skip-permissions")
		}
	case "gemini":
		if a.AutoAccept && !containsAny(args, "-y", "--yolo") {
			args = appendFront(args, "--yolo")
		}
	case "codex":
		if a.AutoAccept && !containsAny(args, "--full-auto", "--approval-mode") {
			args = appendFront(args, "--full-auto")
		}
	}
	return args
}

// DefaultTimeout returns the effective timeout for the agent.
func (a Agent) DefaultTimeout() int {
	if a.TimeoutSec > 0 {
		return a.TimeoutSec
	}
	return 300
}

// EffectiveMaxTokens returns the response token cap for API agents.
func (a Agent) EffectiveMaxTokens() int {
	if a.MaxTokens > 0 {
		return a.MaxTokens
	}
	return 4096
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("version", 1)

	v.SetDefault("wiring.similarity_threshold", 0.6)
	v.SetDefault("wiring.max_candidates", 10)
	v.SetDefault("wiring.concurrency", 4)

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.cache_size", 1024)

	v.SetDefault("storage.db_path", "weave.db")
	v.SetDefault("storage.board_path", "board.db")

	v.SetDefault("workers.max", 3)
	v.SetDefault("workers.max_attempts", 1)
	v.SetDefault("workers.poll_interval", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads the config file at path. Values missing from the file take
// their defaults and any key can be overridden from the environment with
// the WEAVE_ prefix, e.g. WEAVE_WIRING_MAX_CANDIDATES=5.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v.SetEnvPrefix("WEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]Agent{}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a starter config with the default tuning values and
// no agents.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Agents:  map[string]Agent{},
		Wiring: Wiring{
			SimilarityThreshold: 0.6,
			MaxCandidates:       10,
			Concurrency:         4,
		},
		Embedding: Embedding{
			Provider:   "hash",
			Model:      "nomic-embed-text",
			BaseURL:    "http://localhost:11434",
			Dimensions: 256,
			CacheSize:  1024,
		},
		Storage: Storage{DBPath: "weave.db", BoardPath: "board.db"},
		Workers: Workers{Max: 3, MaxAttempts: 1, PollInterval: 2 * time.Second},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

func (c *Config) validate() error {
	for name, agent := range c.Agents {
		if agent.Mode == "" {
			return fmt.Errorf("agent %q: mode is required (cli or api)", name)
		}
		if agent.Mode != "cli" && agent.Mode != "api" {
			return fmt.Errorf("agent %q: mode must be 'cli' or 'api', got %q", name, agent.Mode)
		}
		if agent.Mode == "cli" && agent.Cmd == "" {
			return fmt.Errorf("agent %q: cmd is required for cli mode", name)
		}
		if agent.Mode == "api" && agent.Provider == "" {
			return fmt.Errorf("agent %q: provider is required for api mode", name)
		}
		if agent.PromptVia != "" && agent.PromptVia != "arg" && agent.PromptVia != "stdin" {
			return fmt.Errorf("agent %q: prompt_via must be 'arg' or 'stdin', got %q", name, agent.PromptVia)
		}
		if agent.Role == "" {
			return fmt.Errorf("agent %q: role is required", name)
		}
	}
	if c.Engine.Agent != "" {
		if _, ok := c.Agents[c.Engine.Agent]; !ok {
			return fmt.Errorf("engine: agent %q is not configured", c.Engine.Agent)
		}
	}
	if t := c.Wiring.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("wiring: similarity_threshold must be within [0,1], got %v", t)
	}
	if c.Wiring.MaxCandidates <= 0 {
		return fmt.Errorf("wiring: max_candidates must be positive, got %d", c.Wiring.MaxCandidates)
	}
	switch c.Embedding.Provider {
	case "hash", "ollama", "none":
	default:
		return fmt.Errorf("embedding: unknown provider %q", c.Embedding.Provider)
	}
	return nil
}

// containsAny checks if any of the targets exist in the slice.
func containsAny(slice []string, targets ...string) bool {
	for _, t := range targets {
		if slices.Contains(slice, t) {
			return true
		}
	}
	return false
}

// appendFront inserts a value at the beginning of a slice.
func appendFront(slice []string, val string) []string {
	return append([]string{val}, slice...)
}

// AgentsByRole returns all agents that have the given role.
func (c *Config) AgentsByRole(role string) map[string]Agent {
	result := make(map[string]Agent)
	for name, agent := range c.Agents {
		if agent.Role == role {
			result[name] = agent
		}
	}
	return result
}

// AgentForRole picks the agent to use for role. An explicit name wins;
// otherwise the alphabetically first agent with that role is used so the
// choice is stable across runs.
func (c *Config) AgentForRole(explicit, role string) (string, Agent, error) {
	if explicit != "" {
		a, ok := c.Agents[explicit]
		if !ok {
			return "", Agent{}, fmt.Errorf("agent %q is not configured", explicit)
		}
		return explicit, a, nil
	}
	candidates := c.AgentsByRole(role)
	if len(candidates) == 0 {
		return "", Agent{}, fmt.Errorf("no agent with role %q configured", role)
	}
	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	slices.Sort(names)
	return names[0], candidates[names[0]], nil
}
