package agent

import (
	"context"
	"log/slog"
	"os"

	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/preset"
)

// Gemini drives the external "gemini" CLI in streaming JSON mode.
type Gemini struct {
	Logger *slog.Logger
}

// NewGemini creates a Gemini Agent Driver.
func NewGemini(logger *slog.Logger) *Gemini { return &Gemini{Logger: logger} }

func (g *Gemini) RunAgent(ctx context.Context, dir, prompt string, capabilities preset.Capabilities, provider Provider) (<-chan events.Event, error) {
	streamer := newCLIStreamer("gemini", g.Logger, func(prompt string) []string {
		return []string{"-p", prompt, "--yolo", "--output-format", "stream-json"}
	}, func(p Provider) []string {
		env := os.Environ()
		if p.BaseURL != "" {
			env = append(env, "GOOGLE_BASE_URL="+p.BaseURL)
		}
		if p.APIKey != "" {
			env = append(env, "GEMINI_API_KEY="+p.APIKey)
		}
		if p.Model != "" {
			env = append(env, "GEMINI_MODEL="+p.Model)
		}
		return env
	})

	return streamer.run(ctx, dir, prompt, provider)
}
