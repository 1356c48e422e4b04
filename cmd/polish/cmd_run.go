package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/stangirard/polish/internal/agent"
	"github.com/stangirard/polish/internal/config"
	"github.com/stangirard/polish/internal/loop"
	"github.com/stangirard/polish/internal/preset"
	"github.com/stangirard/polish/internal/registry"
	"github.com/stangirard/polish/internal/session"
)

const defaultAgentTimeout = 45 * time.Minute

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		mission string
		project string
	)

	cmd := &cobra.Command{
		Use:   "run [preset.json]",
		Short: "Run one polish session to completion",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			presetPath := ""
			if len(args) == 1 {
				presetPath = args[0]
			}
			return cmdRun(logger, presetPath, mission, project)
		},
	}

	cmd.Flags().StringVar(&mission, "mission", "", "human instruction for the agent's first implementation turn")
	cmd.Flags().StringVar(&project, "project", ".", "path to the project to polish")

	return cmd
}

// cmdRun drives one session synchronously to a terminal state and maps the
// outcome to the exit codes named in spec.md §6: 0 target reached, 1
// plateau/max-iterations below target, 2 fatal error.
func cmdRun(logger *slog.Logger, presetPath, mission, project string) error {
	projectPath, err := filepath.Abs(project)
	if err != nil {
		return &exitError{2, fmt.Errorf("resolving project path: %w", err)}
	}

	p, err := loadPreset(presetPath, projectPath)
	if err != nil {
		return &exitError{2, err}
	}

	cfg, err := loadAmbientConfig(projectPath)
	if err != nil {
		return &exitError{2, err}
	}

	driver, err := agent.New(cfg.Agent.Provider, logger)
	if err != nil {
		return &exitError{2, fmt.Errorf("resolving agent driver: %w", err)}
	}

	registry.Touch(projectPath)

	sv := session.NewSupervisor(logger)
	opts := session.CreateOptions{
		ProjectPath: projectPath,
		Mission:     mission,
		Driver:      driver,
		Provider:    agent.Provider{Type: cfg.Agent.Provider},
	}

	h, err := sv.Create(opts)
	if err != nil {
		return &exitError{2, fmt.Errorf("creating session: %w", err)}
	}
	logger.Info("session created", "id", h.Session().ID, "project", projectPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if cfg.Agent.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Agent.Timeout.Duration)
		defer cancel()
	}

	res, err := sv.Start(ctx, h, p, opts)
	if err != nil {
		return &exitError{2, fmt.Errorf("running session: %w", err)}
	}

	logger.Info("session finished",
		"id", h.Session().ID,
		"success", res.Success,
		"reason", res.Reason,
		"final_score", res.Final.Total,
		"commits", res.Commits,
	)

	if res.Success && res.Final.Total >= p.Target {
		return nil
	}
	if res.Success || res.Reason == loop.ReasonMaxIterations {
		return &exitError{1, fmt.Errorf("session stopped at %.1f/%.0f: %s", res.Final.Total, p.Target, res.Reason)}
	}
	return &exitError{2, fmt.Errorf("session failed: %s", res.Reason)}
}

func loadPreset(presetPath, projectPath string) (preset.Preset, error) {
	if presetPath != "" {
		p, err := preset.LoadFile(presetPath)
		if err != nil {
			return preset.Preset{}, fmt.Errorf("loading preset: %w", err)
		}
		return p, nil
	}
	p, err := preset.Load(projectPath)
	if err != nil {
		return preset.Preset{}, fmt.Errorf("loading preset: %w", err)
	}
	return p, nil
}

func loadAmbientConfig(projectPath string) (*config.Config, error) {
	config.LoadEnvFiles()

	for _, rel := range []string{filepath.Join(projectPath, ".polish", "config.yaml"), filepath.Join(projectPath, "polish.yaml")} {
		if _, err := os.Stat(rel); err == nil {
			return config.Load(rel)
		}
	}
	return &config.Config{
		Agent: config.AgentConfig{Provider: "claude", Timeout: config.Duration{Duration: defaultAgentTimeout}},
	}, nil
}
