package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stangirard/polish/internal/preset"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default preset and ambient config for this project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdInit()
		},
	}
}

// cmdInit runs an interactive wizard producing polish.config.json (the
// preset, spec.md §6) and .polish/config.yaml (ambient agent/VCS config).
func cmdInit() error {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return fmt.Errorf("checking stdin: %w", err)
	}
	if fi.Mode()&os.ModeCharDevice == 0 {
		return fmt.Errorf("polish init requires an interactive terminal")
	}

	const presetPath = "polish.config.json"
	scanner := bufio.NewScanner(os.Stdin)

	if _, err := os.Stat(presetPath); err == nil {
		if !promptYesNo(scanner, presetPath+" already exists. Overwrite?", false) {
			return fmt.Errorf("aborted")
		}
	}

	fmt.Println("Initializing polish.config.json...")

	fmt.Println("\n=== Metric ===")
	metricName := promptString(scanner, "Metric name", "tests")
	metricCmd := promptString(scanner, "Metric command", "go test ./...")

	fmt.Println("\n=== Thresholds ===")
	target := promptFloat(scanner, "Target score", 95)
	maxIterations := promptInt(scanner, "Max iterations", 20)

	fmt.Println("\n=== Agent ===")
	agentProvider := promptString(scanner, "Agent provider (claude/codex/gemini)", "claude")
	agentTimeout := promptString(scanner, "Agent timeout", "45m")

	fmt.Println("\n=== VCS ===")
	baseBranch := promptString(scanner, "Base branch", detectBaseBranch())

	higher := true
	p := preset.Preset{
		Metrics: []preset.Metric{
			{Name: metricName, Command: metricCmd, Weight: 100, Target: target, HigherIsBetter: &higher},
		},
		Target:        target,
		MaxIterations: maxIterations,
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding preset: %w", err)
	}
	if err := os.WriteFile(presetPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", presetPath, err)
	}
	fmt.Printf("\nWrote %s\n", presetPath)

	if err := writeAmbientConfig(agentProvider, agentTimeout, baseBranch); err != nil {
		return fmt.Errorf("writing ambient config: %w", err)
	}
	fmt.Println("Wrote .polish/config.yaml")

	return nil
}

// ambientConfigDoc mirrors internal/config.Config's YAML shape directly
// rather than round-tripping through it, so init never needs a Duration
// value already parsed from a string it just generated.
type ambientConfigDoc struct {
	Agent struct {
		Provider string `yaml:"provider"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"agent"`
	VCS struct {
		BaseBranch string `yaml:"base_branch"`
	} `yaml:"vcs"`
}

func writeAmbientConfig(provider, timeout, baseBranch string) error {
	var doc ambientConfigDoc
	doc.Agent.Provider = provider
	doc.Agent.Timeout = timeout
	doc.VCS.BaseBranch = baseBranch

	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	header := "# Polish engine ambient configuration\n# Environment variables are resolved at load time: ${VAR_NAME}\n\n"
	if err := os.MkdirAll(".polish", 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(".polish", "config.yaml"), append([]byte(header), data...), 0o644)
}

func promptString(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	scanner.Scan()
	input := strings.TrimSpace(scanner.Text())
	if input == "" {
		return defaultVal
	}
	return input
}

func promptYesNo(scanner *bufio.Scanner, label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	fmt.Printf("%s %s: ", label, hint)
	scanner.Scan()
	input := strings.TrimSpace(strings.ToLower(scanner.Text()))
	if input == "" {
		return defaultYes
	}
	return input == "y" || input == "yes"
}

func promptFloat(scanner *bufio.Scanner, label string, defaultVal float64) float64 {
	raw := promptString(scanner, label, strconv.FormatFloat(defaultVal, 'f', -1, 64))
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return defaultVal
	}
	return v
}

func promptInt(scanner *bufio.Scanner, label string, defaultVal int) int {
	raw := promptString(scanner, label, strconv.Itoa(defaultVal))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}

// detectBaseBranch falls back to checking for main then master, mirroring
// the teacher's init wizard without the remote-HEAD lookup (polish does
// not assume a GitHub remote is configured).
func detectBaseBranch() string {
	for _, branch := range []string{"main", "master"} {
		if exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch).Run() == nil {
			return branch
		}
	}
	return "main"
}
