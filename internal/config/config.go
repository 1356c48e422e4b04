package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshaling from strings like "45m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the ambient, machine-level polish configuration — the parts
// that apply across every project rather than the per-project preset (see
// internal/preset). `polish run` reads it from a project's
// .polish/config.yaml, or polish.yaml when that is absent; no file under the
// user's config directory is read.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
	VCS   VCSConfig   `yaml:"vcs"`
}

// AgentConfig picks the CLI agent driver and the timeout `polish run`
// applies to the whole session.
type AgentConfig struct {
	Provider string   `yaml:"provider"`
	Timeout  Duration `yaml:"timeout"`
}

// VCSConfig records the project's base branch.
type VCSConfig struct {
	BaseBranch string `yaml:"base_branch"`
}

const defaultTimeout = 45 * time.Minute

// Load reads, expands env vars, parses, and validates a polish config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}

	if cfg.Agent.Timeout.Duration == 0 {
		cfg.Agent.Timeout.Duration = defaultTimeout
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "claude"
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Agent.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("agent.timeout must be positive"))
	}
	switch cfg.Agent.Provider {
	case "claude", "codex", "gemini":
	default:
		errs = append(errs, fmt.Errorf("agent.provider must be one of claude, codex, gemini, got %q", cfg.Agent.Provider))
	}

	return errors.Join(errs...)
}
