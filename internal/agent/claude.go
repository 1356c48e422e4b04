package agent

import (
	"context"
	"log/slog"
	"os"

	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/preset"
)

// Claude drives the external "claude" CLI in streaming JSON mode.
type Claude struct {
	Logger *slog.Logger
}

// NewClaude creates a Claude Agent Driver.
func NewClaude(logger *slog.Logger) *Claude { return &Claude{Logger: logger} }

func (c *Claude) RunAgent(ctx context.Context, dir, prompt string, capabilities preset.Capabilities, provider Provider) (<-chan events.Event, error) {
	streamer := newCLIStreamer("claude", c.Logger, func(prompt string) []string {
		args := []string{
			"-p", prompt,
			"--output-format", "stream-json",
		}
		if len(capabilities.Tools) > 0 {
			args = append(args, "--allowedTools", joinComma(capabilities.Tools))
		}
		for _, mcp := range capabilities.MCPServers {
			args = append(args, "--mcp-server", mcp)
		}
		return args
	}, scopedEnv)

	return streamer.run(ctx, dir, prompt, provider)
}

// scopedEnv builds the environment for exactly one invocation, carrying the
// provider's credentials without writing them to the parent process's
// environment (spec §9: "no ambient configuration survives across tasks").
func scopedEnv(provider Provider) []string {
	env := os.Environ()
	if provider.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+provider.BaseURL)
	}
	if provider.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+provider.APIKey)
	}
	if provider.Model != "" {
		env = append(env, "ANTHROPIC_MODEL="+provider.Model)
	}
	return env
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}
