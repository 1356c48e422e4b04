// Package preset loads the polish engine's named configuration bundle: the
// metrics to score, the strategies available to fix them, and the loop's
// thresholds.
package preset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Metric is one check. Immutable within a run.
type Metric struct {
	Name           string  `json:"name"`
	Command        string  `json:"command"`
	Weight         float64 `json:"weight"`
	Target         float64 `json:"target"`
	HigherIsBetter *bool   `json:"higherIsBetter,omitempty"`
	// Independent marks a metric as safe to run concurrently with other
	// independent metrics (spec §5: "parallel execution is permitted only
	// if the preset marks metrics as independent").
	Independent bool `json:"independent,omitempty"`
	// K is the codeDuplication-family penalty-per-unit, default 1.
	K float64 `json:"k,omitempty"`
}

// HigherBetter resolves the metric's direction, default true.
func (m Metric) HigherBetter() bool {
	if m.HigherIsBetter == nil {
		return true
	}
	return *m.HigherIsBetter
}

// Strategy is a prompt template keyed to a metric's focus.
type Strategy struct {
	Name   string `json:"name"`
	Focus  string `json:"focus"`
	Prompt string `json:"prompt"`
}

// Capabilities enumerates tool IDs, MCP server IDs, and an optional
// max-thinking-token budget for one phase (planning or implementation).
type Capabilities struct {
	Tools           []string `json:"tools,omitempty"`
	MCPServers      []string `json:"mcpServers,omitempty"`
	MaxThinkingToks int      `json:"maxThinkingTokens,omitempty"`
}

// CapabilitySets bundles the per-phase capability sets.
type CapabilitySets struct {
	Planning       *Capabilities `json:"planning,omitempty"`
	Implementation *Capabilities `json:"implementation,omitempty"`
}

// Review configures the optional post-target code-review pass (spec §4.7's
// running -> reviewing -> running detour), disabled by default.
type Review struct {
	Enabled   bool `json:"enabled,omitempty"`
	MaxRounds int  `json:"maxRounds,omitempty"`
}

// Preset is the named configuration bundle described in spec §3/§6.
type Preset struct {
	Metrics         []Metric        `json:"metrics"`
	Strategies      []Strategy      `json:"strategies,omitempty"`
	Target          float64         `json:"target"`
	MaxIterations   int             `json:"maxIterations"`
	Capabilities    *CapabilitySets `json:"capabilities,omitempty"`
	MinImprovement  float64         `json:"minImprovement,omitempty"`
	MaxStalled      int             `json:"maxStalled,omitempty"`
	SessionBudgetMs int64           `json:"sessionBudgetMs,omitempty"`
	Review          *Review         `json:"review,omitempty"`
}

const (
	defaultMinImprovement = 0.5
	defaultMaxStalled     = 5
	defaultMaxIterations  = 20
)

// lookupPaths is the search order for a project-local preset file.
var lookupPaths = []string{
	"polish.config.json",
	".polish.json",
	filepath.Join(".polish", "polish.config.json"),
}

// Default returns the built-in default preset used when no project config
// is found: a single generic "tests" metric, target 95, 20 iterations.
func Default() Preset {
	higher := true
	return Preset{
		Metrics: []Metric{
			{Name: "tests", Command: "go test ./...", Weight: 100, Target: 95, HigherIsBetter: &higher},
		},
		Target:         95,
		MaxIterations:  defaultMaxIterations,
		MinImprovement: defaultMinImprovement,
		MaxStalled:     defaultMaxStalled,
	}
}

// Load searches projectDir for a preset file in the order named by spec §6
// and falls back to Default() if none is found.
func Load(projectDir string) (Preset, error) {
	for _, rel := range lookupPaths {
		path := filepath.Join(projectDir, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Preset{}, fmt.Errorf("preset: reading %s: %w", path, err)
		}
		return parse(data)
	}
	return applyDefaults(Default()), nil
}

// LoadFile parses one preset file directly.
func LoadFile(path string) (Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, fmt.Errorf("preset: reading %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (Preset, error) {
	if err := ValidateSchema(data); err != nil {
		return Preset{}, fmt.Errorf("preset: schema validation: %w", err)
	}
	var p Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return Preset{}, fmt.Errorf("preset: parsing: %w", err)
	}
	p = applyDefaults(p)
	if err := validate(p); err != nil {
		return Preset{}, err
	}
	return p, nil
}

func applyDefaults(p Preset) Preset {
	if p.MinImprovement == 0 {
		p.MinImprovement = defaultMinImprovement
	}
	if p.MaxStalled == 0 {
		p.MaxStalled = defaultMaxStalled
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = defaultMaxIterations
	}
	for i := range p.Metrics {
		if p.Metrics[i].K == 0 {
			p.Metrics[i].K = 1
		}
	}
	if p.Review != nil && p.Review.Enabled && p.Review.MaxRounds == 0 {
		p.Review.MaxRounds = 2
	}
	return p
}

func validate(p Preset) error {
	var errs []error

	if p.Target < 0 || p.Target > 100 {
		errs = append(errs, errors.New("target must be in [0, 100]"))
	}
	if p.MaxIterations <= 0 {
		errs = append(errs, errors.New("maxIterations must be positive"))
	}
	for i, m := range p.Metrics {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("metrics[%d].name is required", i))
		}
		if m.Command == "" {
			errs = append(errs, fmt.Errorf("metrics[%d].command is required", i))
		}
		if m.Weight < 0 {
			errs = append(errs, fmt.Errorf("metrics[%d].weight must be non-negative", i))
		}
	}

	return errors.Join(errs...)
}
