// Package planner implements the optional planning phase (C5): a
// specialized Agent Driver invocation whose output includes one or more
// structured plan approaches plus a human summary.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stangirard/polish/internal/agent"
	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/preset"
)

// PlanStep is one ordered unit of work within an approach.
type PlanStep struct {
	ID          string
	Title       string
	Description string
	Files       []string
	Complexity  string // low | medium | high
}

// Approach is one candidate implementation plan.
type Approach struct {
	ID    string
	Steps []PlanStep
}

// Plan is the full output of one planning turn.
type Plan struct {
	Approaches []Approach
	Summary    string
}

// Planner runs a planning dialogue via the Agent Driver.
type Planner struct {
	Driver agent.Driver
	Logger *slog.Logger
}

// New creates a Planner.
func New(driver agent.Driver, logger *slog.Logger) *Planner {
	return &Planner{Driver: driver, Logger: logger}
}

// Run conducts one planning turn: it sends a prompt instructing the agent
// to respond with one or more plan approaches, consumes the resulting
// event stream, and returns the first Plan it finds. Every relayed event is
// also forwarded to sink for the Supervisor's event log.
func (p *Planner) Run(ctx context.Context, dir, mission string, capabilities preset.Capabilities, provider agent.Provider, sink func(events.Event)) (*Plan, error) {
	return p.run(ctx, dir, buildPlanningPrompt(mission), capabilities, provider, sink)
}

func (p *Planner) run(ctx context.Context, dir, prompt string, capabilities preset.Capabilities, provider agent.Provider, sink func(events.Event)) (*Plan, error) {
	stream, err := p.Driver.RunAgent(ctx, dir, prompt, capabilities, provider)
	if err != nil {
		return nil, fmt.Errorf("planner: starting agent: %w", err)
	}

	var plan *Plan
	for ev := range stream {
		sink(ev)
		switch ev.Type {
		case events.TypePlan:
			parsed, parseErr := parsePlanEvent(ev.Data)
			if parseErr != nil {
				p.Logger.Warn("planner: could not parse plan event", "error", parseErr)
				continue
			}
			plan = parsed
		case events.TypeAgentError:
			return nil, fmt.Errorf("planner: agent stream error")
		}
	}

	if plan == nil {
		return nil, fmt.Errorf("planner: agent turn produced no plan event")
	}
	return plan, nil
}

// Continue runs a fresh planning turn for mission, appending rejectReason
// as feedback on the previous plan when it is non-empty. It takes no other
// user message and does not resume the earlier turn's conversation.
func (p *Planner) Continue(ctx context.Context, dir, mission, rejectReason string, capabilities preset.Capabilities, provider agent.Provider, sink func(events.Event)) (*Plan, error) {
	prompt := buildPlanningPrompt(mission)
	if rejectReason != "" {
		prompt += fmt.Sprintf("\n\nThe previous plan was rejected with this feedback: %s\nProduce a revised plan addressing it.", rejectReason)
	}
	return p.run(ctx, dir, prompt, capabilities, provider, sink)
}

func buildPlanningPrompt(mission string) string {
	var b strings.Builder
	b.WriteString("You are planning an implementation before any code is written.\n")
	if mission != "" {
		b.WriteString("Mission: ")
		b.WriteString(mission)
		b.WriteString("\n")
	}
	b.WriteString("Respond with one or more candidate approaches, each with an ordered list of steps (id, title, description, touched file paths, complexity), plus a short markdown summary.\n")
	return b.String()
}

// parsePlanEvent decodes a plan event's events.PlanData payload into the
// planner's own Plan/Approach/PlanStep types.
func parsePlanEvent(data []byte) (*Plan, error) {
	var payload events.PlanData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding plan payload: %w", err)
	}
	if len(payload.Approaches) == 0 {
		return nil, fmt.Errorf("plan event carried zero approaches")
	}

	plan := &Plan{Summary: payload.Summary}
	for _, a := range payload.Approaches {
		approach := Approach{ID: a.ID}
		for _, s := range a.Steps {
			approach.Steps = append(approach.Steps, PlanStep{
				ID:          s.ID,
				Title:       s.Title,
				Description: s.Description,
				Files:       s.Files,
				Complexity:  s.Complexity,
			})
		}
		plan.Approaches = append(plan.Approaches, approach)
	}
	return plan, nil
}
