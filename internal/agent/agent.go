// Package agent implements the Agent Driver (C4): sending a prompt plus a
// capability set to an external LLM CLI and relaying its event stream.
package agent

import (
	"context"

	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/preset"
)

// Provider identifies the external LLM's type, endpoint, credentials, and
// model for one invocation. It is never retained past that invocation.
type Provider struct {
	Type       string // "claude" | "codex" | "gemini"
	BaseURL    string
	APIKey     string
	Model      string
}

// Driver runs one agent turn and streams its events.
type Driver interface {
	// RunAgent sends prompt plus capabilities to the LLM in dir and
	// returns a channel of ordered events terminated by exactly one
	// TypeAgentDone or TypeAgentError (or TypeCancelled on ctx
	// cancellation). The channel is closed after the terminal event. An
	// error line reported by the CLI itself is also relayed as
	// TypeAgentError when it arrives, ahead of the terminal event.
	RunAgent(ctx context.Context, dir, prompt string, capabilities preset.Capabilities, provider Provider) (<-chan events.Event, error)
}
