package agent

import (
	"fmt"
	"log/slog"
)

// New resolves a Driver by provider type name ("claude", "codex", "gemini").
func New(providerType string, logger *slog.Logger) (Driver, error) {
	switch providerType {
	case "claude", "":
		return NewClaude(logger), nil
	case "codex":
		return NewCodex(logger), nil
	case "gemini":
		return NewGemini(logger), nil
	default:
		return nil, fmt.Errorf("agent: unknown provider type %q", providerType)
	}
}
