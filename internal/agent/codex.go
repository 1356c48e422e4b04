package agent

import (
	"context"
	"log/slog"
	"os"

	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/preset"
)

// Codex drives the external "codex" CLI in streaming JSON mode.
type Codex struct {
	Logger *slog.Logger
}

// NewCodex creates a Codex Agent Driver.
func NewCodex(logger *slog.Logger) *Codex { return &Codex{Logger: logger} }

func (c *Codex) RunAgent(ctx context.Context, dir, prompt string, capabilities preset.Capabilities, provider Provider) (<-chan events.Event, error) {
	streamer := newCLIStreamer("codex", c.Logger, func(prompt string) []string {
		return []string{"exec", "--full-auto", "--json", "--cd", dir, prompt}
	}, func(p Provider) []string {
		env := os.Environ()
		if p.BaseURL != "" {
			env = append(env, "OPENAI_BASE_URL="+p.BaseURL)
		}
		if p.APIKey != "" {
			env = append(env, "OPENAI_API_KEY="+p.APIKey)
		}
		if p.Model != "" {
			env = append(env, "OPENAI_MODEL="+p.Model)
		}
		return env
	})

	return streamer.run(ctx, dir, prompt, provider)
}
