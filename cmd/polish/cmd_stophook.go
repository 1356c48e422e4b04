package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stangirard/polish/internal/executor"
	"github.com/stangirard/polish/internal/preset"
	"github.com/stangirard/polish/internal/scorer"
	"github.com/stangirard/polish/internal/session"
)

func newStopHookCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-hook",
		Short: "Run one scoring pass and decide whether an agent stop-attempt may proceed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdStopHook(logger, os.Stdin, os.Stdout)
		},
	}
}

// stopHookRequest is the stdin shape named in spec.md §6.
type stopHookRequest struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Cwd            string `json:"cwd"`
	HookEventName  string `json:"hook_event_name"`
	StopHookActive bool   `json:"stop_hook_active,omitempty"`
}

// stopHookResponse is the stdout shape named in spec.md §6.
type stopHookResponse struct {
	Decision string `json:"decision"` // "approve" | "block"
	Reason   string `json:"reason,omitempty"`
}

// cmdStopHook implements the stop-hook protocol: one scoring pass plus a
// plateau check against the session's persisted loop state, deciding
// whether the external agent may stop or must keep working.
func cmdStopHook(logger *slog.Logger, in *os.File, out *os.File) error {
	var req stopHookRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("stop-hook: decoding request: %w", err)
	}
	if req.Cwd == "" {
		return fmt.Errorf("stop-hook: request missing cwd")
	}

	p, err := preset.Load(req.Cwd)
	if err != nil {
		return fmt.Errorf("stop-hook: loading preset: %w", err)
	}
	minImprovement := p.MinImprovement
	if minImprovement == 0 {
		minImprovement = 0.5
	}
	maxStalled := p.MaxStalled
	if maxStalled == 0 {
		maxStalled = 5
	}

	store := session.NewStore(req.Cwd)
	prior, err := store.LoadState(req.SessionID)
	if err != nil {
		logger.Warn("stop-hook: loading prior state", "error", err, "session", req.SessionID)
	}

	sc := scorer.New(executor.New(logger), logger)
	current := sc.CalculateScore(context.Background(), p.Metrics, req.Cwd)

	resp := decideStop(p, prior, current, minImprovement, maxStalled)

	nextIteration := prior.Iteration + 1
	nextScores := append(append([]float64{}, prior.Scores...), current.Total)
	nextStalled := prior.StalledCount
	nextImprovement := prior.LastImprovement
	prevTotal := 0.0
	if len(prior.Scores) > 0 {
		prevTotal = prior.Scores[len(prior.Scores)-1]
	}
	if current.Total-prevTotal >= minImprovement {
		nextStalled = 0
		nextImprovement = nextIteration
	} else {
		nextStalled++
	}

	startedAt := prior.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	data, mErr := session.MarshalPersisted(nextIteration, nextScores, nextImprovement, nextStalled, req.Cwd, startedAt)
	if mErr == nil {
		if err := store.SaveState(req.SessionID, data); err != nil {
			logger.Warn("stop-hook: saving state", "error", err, "session", req.SessionID)
		}
	}

	return json.NewEncoder(out).Encode(resp)
}

// decideStop maps the current score against target and plateau thresholds
// to a stop-hook decision (spec.md §6: "runs one scoring pass plus a
// plateau check").
func decideStop(p preset.Preset, prior session.LoopState, current scorer.Score, minImprovement float64, maxStalled int) stopHookResponse {
	if current.Total >= p.Target {
		return stopHookResponse{Decision: "approve", Reason: "target reached"}
	}

	prevTotal := 0.0
	if len(prior.Scores) > 0 {
		prevTotal = prior.Scores[len(prior.Scores)-1]
	}
	if current.Total-prevTotal < minImprovement {
		if prior.StalledCount+1 >= maxStalled {
			return stopHookResponse{Decision: "approve", Reason: "plateau"}
		}
	}

	worst, ok := current.Worst()
	if !ok {
		return stopHookResponse{Decision: "approve", Reason: "no metrics configured"}
	}
	return stopHookResponse{
		Decision: "block",
		Reason:   fmt.Sprintf("score %.1f below target %.1f; worst metric %q still at %d/100", current.Total, p.Target, worst.Name, worst.Score),
	}
}
