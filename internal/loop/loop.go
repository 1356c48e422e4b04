// Package loop implements the Polish Loop (C6): the control algorithm that
// iterates scoring, agent invocation, and commit-or-rollback decisions
// until a target is reached, a plateau is detected, or a budget runs out.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stangirard/polish/internal/agent"
	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/planner"
	"github.com/stangirard/polish/internal/preset"
	"github.com/stangirard/polish/internal/scorer"
	"github.com/stangirard/polish/internal/vcs"
)

// Reason names why the loop stopped, mirroring spec §4.6's result reasons.
type Reason string

const (
	ReasonTargetReached Reason = "target_reached"
	ReasonPlateau       Reason = "plateau"
	ReasonMaxDuration   Reason = "max_duration"
	ReasonMaxIterations Reason = "max_iterations"
	ReasonCancelled     Reason = "cancelled"
)

// State is the volatile, per-run LoopState from spec §3.
type State struct {
	Iteration           int
	Scores              []float64
	StalledCount        int
	LastImprovementIter int
	WorktreePath        string
}

// Config bundles everything one loop run needs.
type Config struct {
	Preset  preset.Preset
	Mission string
	// ApprovedApproach is the single approach the user selected out of the
	// Planner's candidates (spec.md:98 "approve (selecting an approach)");
	// nil when the session skipped planning.
	ApprovedApproach *planner.Approach
	WorktreePath     string
	Provider         agent.Provider
	SessionStart     time.Time
	// Transition, if set, drives the session state machine's running <->
	// reviewing edge around an optional post-target review pass (spec §4.7).
	// Left nil, the loop simply skips the review pass.
	Transition func(edge string) error
}

// Loop wires together the Scorer, VC Adapter, and Agent Driver behind the
// control algorithm in spec §4.6.
type Loop struct {
	Scorer *scorer.Scorer
	VCS    *vcs.Git
	Driver agent.Driver
	Logger *slog.Logger
}

// New creates a Loop.
func New(sc *scorer.Scorer, vc *vcs.Git, driver agent.Driver, logger *slog.Logger) *Loop {
	return &Loop{Scorer: sc, VCS: vc, Driver: driver, Logger: logger}
}

// Result is the loop's terminal outcome.
type Result struct {
	Success bool
	Reason  Reason
	Final   scorer.Score
	Commits int
}

// Run executes the algorithm in spec §4.6 steps 1-5. Every transition is
// emitted to sink for the Session Supervisor's event log. A cancelled ctx
// (e.g. from Supervisor.Abort) rolls back to the last snapshot before
// returning rather than leaving a half-applied turn on disk.
func (l *Loop) Run(ctx context.Context, cfg Config, sink func(events.Event)) (Result, error) {
	state := State{WorktreePath: cfg.WorktreePath}
	seq := int64(0)
	next := func() int64 { seq++; return seq }

	emit := func(typ events.Type, payload any) {
		sink(events.New(next(), typ, nowRFC3339(), payload))
	}

	initial := l.Scorer.CalculateScore(ctx, cfg.Preset.Metrics, cfg.WorktreePath)
	emit(events.TypeInit, events.InitData{InitialScore: initial.Total})
	state.Scores = []float64{initial.Total}
	current := initial

	if current.Total >= cfg.Preset.Target {
		return l.finish(ctx, cfg, Result{Success: true, Reason: ReasonTargetReached, Final: current}, emit), nil
	}

	if cfg.Mission != "" {
		snapshot, err := l.VCS.Snapshot(ctx, cfg.WorktreePath)
		if err != nil {
			emit(events.TypeError, events.ErrorData{Message: err.Error()})
			return Result{Success: false, Final: current}, fmt.Errorf("loop: mission snapshot failed: %w", err)
		}
		if err := l.runMissionTurn(ctx, cfg, emit); err != nil {
			l.Logger.Warn("loop: mission turn failed, continuing into metric loop", "error", err)
		}
		if res, done := l.cancelledResult(ctx, cfg, current, 0, snapshot, "mission", emit); done {
			return res, fmt.Errorf("loop: cancelled: %w", ctx.Err())
		}
		current = l.Scorer.CalculateScore(ctx, cfg.Preset.Metrics, cfg.WorktreePath)
	}

	commits := 0

	for state.Iteration < cfg.Preset.MaxIterations {
		if res, done := l.cancelledResult(ctx, cfg, current, commits, vcs.SnapshotRef{}, "", emit); done {
			return res, fmt.Errorf("loop: cancelled: %w", ctx.Err())
		}

		state.Iteration++
		emit(events.TypeIteration, events.IterationData{Iteration: state.Iteration})

		worst, ok := current.Worst()
		if !ok {
			break
		}
		emit(events.TypeImproving, events.ImprovingData{Metric: worst.Name})

		snapshot, err := l.VCS.Snapshot(ctx, cfg.WorktreePath)
		if err != nil {
			emit(events.TypeError, events.ErrorData{Message: err.Error()})
			return Result{Success: false, Final: current, Commits: commits}, fmt.Errorf("loop: snapshot failed: %w", err)
		}

		prompt := buildStrategyPrompt(cfg.Preset, worst)

		stalled, turnErr := l.runFixTurn(ctx, cfg, prompt, emit)
		if turnErr != nil || stalled {
			if err := l.VCS.Rollback(context.WithoutCancel(ctx), cfg.WorktreePath, snapshot); err != nil {
				emit(events.TypeError, events.ErrorData{Message: err.Error()})
				return Result{Success: false, Final: current, Commits: commits}, fmt.Errorf("loop: rollback failed: %w", err)
			}
			emit(events.TypeRollback, events.RollbackData{Metric: worst.Name, Reason: "agent error or cancellation"})
			state.StalledCount++
			if res, done := l.cancelledResult(ctx, cfg, current, commits, vcs.SnapshotRef{}, "", emit); done {
				return res, fmt.Errorf("loop: cancelled: %w", ctx.Err())
			}
			if done, res := l.checkStopConditions(state, current, cfg, commits); done {
				return l.finish(ctx, cfg, res, emit), nil
			}
			continue
		}

		hasChanges, err := l.VCS.HasChanges(ctx, cfg.WorktreePath)
		if err != nil {
			emit(events.TypeError, events.ErrorData{Message: err.Error()})
			return Result{Success: false, Final: current, Commits: commits}, fmt.Errorf("loop: checking for changes: %w", err)
		}
		if !hasChanges {
			state.StalledCount++
			if done, res := l.checkStopConditions(state, current, cfg, commits); done {
				return l.finish(ctx, cfg, res, emit), nil
			}
			continue
		}

		rescored := l.Scorer.CalculateScore(ctx, cfg.Preset.Metrics, cfg.WorktreePath)

		if rescored.Improving(current, cfg.Preset.MinImprovement) {
			message := fmt.Sprintf("polish(%s): %.1f → %.1f", worst.Name, current.Total, rescored.Total)
			hash, err := l.VCS.Commit(ctx, cfg.WorktreePath, message)
			if err != nil {
				emit(events.TypeError, events.ErrorData{Message: err.Error()})
				return Result{Success: false, Final: current, Commits: commits}, fmt.Errorf("loop: commit failed: %w", err)
			}
			commits++
			emit(events.TypeCommit, events.CommitData{Hash: hash, Metric: worst.Name, Before: current.Total, After: rescored.Total, Message: message})
			emit(events.TypeScore, scoreData(rescored))

			current = rescored
			state.Scores = append(state.Scores, current.Total)
			state.StalledCount = 0
			state.LastImprovementIter = state.Iteration
		} else {
			if err := l.VCS.Rollback(context.WithoutCancel(ctx), cfg.WorktreePath, snapshot); err != nil {
				emit(events.TypeError, events.ErrorData{Message: err.Error()})
				return Result{Success: false, Final: current, Commits: commits}, fmt.Errorf("loop: rollback failed: %w", err)
			}
			emit(events.TypeRollback, events.RollbackData{Metric: worst.Name, Reason: "insufficient improvement"})
			state.StalledCount++
		}

		if done, res := l.checkStopConditions(state, current, cfg, commits); done {
			return l.finish(ctx, cfg, res, emit), nil
		}
	}

	final := current.Total >= cfg.Preset.Target
	res := Result{Success: final, Reason: ReasonMaxIterations, Final: current, Commits: commits}
	return l.finish(ctx, cfg, res, emit), nil
}

// cancelledResult reports whether ctx has been cancelled and, if so, rolls
// back snapshot (when one is live for the in-flight turn) before returning
// the cancelled Result. label names the metric/phase being rolled back for
// the emitted rollback event; an empty snapshot is treated as "nothing
// uncommitted to roll back" (e.g. the top-of-iteration check, which runs
// before that iteration's own snapshot is taken).
func (l *Loop) cancelledResult(ctx context.Context, cfg Config, current scorer.Score, commits int, snapshot vcs.SnapshotRef, label string, emit func(events.Type, any)) (Result, bool) {
	if ctx.Err() == nil {
		return Result{}, false
	}
	if label != "" {
		if err := l.VCS.Rollback(context.WithoutCancel(ctx), cfg.WorktreePath, snapshot); err != nil {
			emit(events.TypeError, events.ErrorData{Message: err.Error()})
		} else {
			emit(events.TypeRollback, events.RollbackData{Metric: label, Reason: "cancelled"})
		}
	}
	res := Result{Success: false, Reason: ReasonCancelled, Final: current, Commits: commits}
	emit(events.TypeResult, events.ResultData{Success: false, Reason: string(ReasonCancelled), Final: current.Total})
	return res, true
}

// finish runs the optional post-target review pass (spec §4.7's reviewing
// state) before emitting the loop's terminal result event.
func (l *Loop) finish(ctx context.Context, cfg Config, res Result, emit func(events.Type, any)) Result {
	if res.Success && res.Reason == ReasonTargetReached {
		// Review-fix commits count toward the run's commits like metric commits.
		countCommits := func(typ events.Type, payload any) {
			if typ == events.TypeCommit {
				res.Commits++
			}
			emit(typ, payload)
		}
		res.Final = l.runReview(ctx, cfg, res.Final, countCommits)
	}
	emit(events.TypeResult, events.ResultData{Success: res.Success, Reason: string(res.Reason), Final: res.Final.Total})
	return res
}

// checkStopConditions evaluates steps 4.h-4.j of the algorithm.
func (l *Loop) checkStopConditions(state State, current scorer.Score, cfg Config, commits int) (bool, Result) {
	if current.Total >= cfg.Preset.Target {
		return true, Result{Success: true, Reason: ReasonTargetReached, Final: current, Commits: commits}
	}
	if state.StalledCount >= cfg.Preset.MaxStalled {
		return true, Result{Success: true, Reason: ReasonPlateau, Final: current, Commits: commits}
	}
	if cfg.Preset.SessionBudgetMs > 0 && !cfg.SessionStart.IsZero() {
		elapsed := time.Since(cfg.SessionStart)
		if elapsed > time.Duration(cfg.Preset.SessionBudgetMs)*time.Millisecond {
			return true, Result{Success: true, Reason: ReasonMaxDuration, Final: current, Commits: commits}
		}
	}
	return false, Result{}
}

// runMissionTurn runs the single implementation turn described in step 3
// ("If a mission is present, run one implementation turn...").
func (l *Loop) runMissionTurn(ctx context.Context, cfg Config, emit func(events.Type, any)) error {
	prompt := buildMissionPrompt(cfg.Mission, cfg.ApprovedApproach)
	caps := preset.Capabilities{}
	if cfg.Preset.Capabilities != nil && cfg.Preset.Capabilities.Implementation != nil {
		caps = *cfg.Preset.Capabilities.Implementation
	}

	stream, err := l.Driver.RunAgent(ctx, cfg.WorktreePath, prompt, caps, cfg.Provider)
	if err != nil {
		return fmt.Errorf("mission turn: %w", err)
	}
	for ev := range stream {
		emit(ev.Type, rawJSON(ev.Data))
		if ev.Type == events.TypeAgentError {
			return fmt.Errorf("mission turn: agent stream error")
		}
	}
	return nil
}

// runFixTurn runs one agent turn to address the worst metric. The returned
// bool reports whether the turn should be treated as a stall (fatal agent
// error or cancellation, step 4.e), distinct from a turn that completed but
// made no changes (handled by the caller via HasChanges, step 4.f).
func (l *Loop) runFixTurn(ctx context.Context, cfg Config, prompt string, emit func(events.Type, any)) (stalled bool, err error) {
	caps := preset.Capabilities{}
	if cfg.Preset.Capabilities != nil && cfg.Preset.Capabilities.Implementation != nil {
		caps = *cfg.Preset.Capabilities.Implementation
	}

	stream, startErr := l.Driver.RunAgent(ctx, cfg.WorktreePath, prompt, caps, cfg.Provider)
	if startErr != nil {
		return true, fmt.Errorf("fix turn: %w", startErr)
	}

	for ev := range stream {
		emit(ev.Type, rawJSON(ev.Data))
		switch ev.Type {
		case events.TypeAgentError, events.TypeCancelled:
			stalled = true
		}
	}
	return stalled, nil
}

// rawJSON is a passthrough marker: agent-stream payloads were already
// encoded by the Driver, so the Supervisor's event log re-emits the raw
// bytes verbatim rather than re-encoding a typed struct.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) { return r, nil }

func scoreData(s scorer.Score) events.ScoreData {
	out := events.ScoreData{Total: s.Total}
	for _, m := range s.Metrics {
		out.Metrics = append(out.Metrics, events.MetricResultDTO{
			Name: m.Name, Score: m.Score, Target: m.Target, Weight: m.Weight,
		})
	}
	return out
}

const genericStrategyTemplate = `The metric %q is currently %d, target is %d.

Recent output:
%s

Make the minimal set of changes needed to move this metric toward its target. Do not touch unrelated code.
`

var builtinStrategies = map[string]string{
	"tests": `The test suite is currently at %d%%, target %d%%.

Recent failing output:
%s

Fix the failing tests. Make no unrelated changes.
`,
	"typescript": `TypeScript compilation is currently scoring %d, target %d.

Compiler output:
%s

Fix the reported type errors. Make no unrelated changes.
`,
	"lint": `Lint is currently scoring %d, target %d.

Lint output:
%s

Fix the reported lint violations. Make no unrelated changes.
`,
	"coverage": `Coverage is currently %d%%, target %d%%.

Coverage report:
%s

Add tests to raise coverage toward the target. Make no unrelated changes.
`,
}

// buildStrategyPrompt picks the preset strategy whose focus matches the
// worst metric, else a built-in template for known families, else a
// generic template, filling placeholders per spec §4.6 step d.
func buildStrategyPrompt(p preset.Preset, worst scorer.MetricResult) string {
	for _, s := range p.Strategies {
		if s.Focus == worst.Name {
			return fillPlaceholders(s.Prompt, worst)
		}
	}

	key := strings.ToLower(worst.Name)
	if tmpl, ok := builtinStrategies[key]; ok {
		return fmt.Sprintf(tmpl, worst.Score, int(worst.Target), worst.Raw)
	}

	return fmt.Sprintf(genericStrategyTemplate, worst.Name, worst.Score, int(worst.Target), worst.Raw)
}

func fillPlaceholders(tmpl string, worst scorer.MetricResult) string {
	replacer := strings.NewReplacer(
		"{{score}}", fmt.Sprintf("%d", worst.Score),
		"{{target}}", fmt.Sprintf("%d", int(worst.Target)),
		"{{raw}}", worst.Raw,
	)
	return replacer.Replace(tmpl)
}

// buildMissionPrompt builds the implementation turn's prompt from the
// mission plus the single approach the user approved (spec.md:98: approval
// means "selecting an approach" — only its own steps belong in the prompt,
// not every candidate the Planner proposed).
func buildMissionPrompt(mission string, approach *planner.Approach) string {
	var b strings.Builder
	b.WriteString("Implement this mission:\n")
	b.WriteString(mission)
	if approach != nil {
		b.WriteString("\n\nFollow this approved plan:\n")
		for _, step := range approach.Steps {
			fmt.Fprintf(&b, "- %s: %s\n", step.Title, step.Description)
		}
	}
	return b.String()
}

// reviewMarker delimits the review agent's structured findings, adapted
// from the teacher's CR-review marker convention to a read-only in-loop
// pass over the worktree instead of a pull request.
const reviewMarker = "---REVIEW---"

// runReview drives the optional reviewing state (spec §4.7: running ->
// review_needed -> reviewing -> review_redirect/review_complete_approved
// -> running) once the loop's target score has been reached. Disabled
// unless the preset opts in and the Supervisor wired a Transition callback;
// a review or transition failure is logged and treated as "nothing more to
// review" rather than failing the whole run.
func (l *Loop) runReview(ctx context.Context, cfg Config, current scorer.Score, emit func(events.Type, any)) scorer.Score {
	if cfg.Preset.Review == nil || !cfg.Preset.Review.Enabled || cfg.Transition == nil {
		return current
	}
	maxRounds := cfg.Preset.Review.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 2
	}

	if err := cfg.Transition("review_needed"); err != nil {
		l.Logger.Warn("loop: entering review", "error", err)
		return current
	}
	emit(events.TypeReviewStart, events.ReviewStartData{Reason: "target reached"})

	approved := true
	for round := 1; round <= maxRounds; round++ {
		feedback, err := l.runReviewTurn(ctx, cfg, emit)
		if err != nil {
			l.Logger.Warn("loop: review turn failed", "error", err, "round", round)
			break
		}
		if feedback == "" {
			break
		}
		emit(events.TypeReviewRedirect, events.ReviewRedirectData{Feedback: feedback})
		current = l.applyReviewFix(ctx, cfg, current, feedback, round, emit)
		approved = false
	}
	emit(events.TypeReviewComplete, events.ReviewCompleteData{Approved: approved})

	if err := cfg.Transition("review_complete_approved"); err != nil {
		l.Logger.Warn("loop: leaving review", "error", err)
	}
	return current
}

// runReviewTurn runs one read-only review pass and extracts its findings,
// grounded on the teacher's buildReviewPrompt/extractReviewFeedback
// convention of delimiting structured output between fixed markers.
func (l *Loop) runReviewTurn(ctx context.Context, cfg Config, emit func(events.Type, any)) (string, error) {
	caps := preset.Capabilities{}
	if cfg.Preset.Capabilities != nil && cfg.Preset.Capabilities.Implementation != nil {
		caps = *cfg.Preset.Capabilities.Implementation
	}

	stream, err := l.Driver.RunAgent(ctx, cfg.WorktreePath, buildReviewPrompt(), caps, cfg.Provider)
	if err != nil {
		return "", fmt.Errorf("review turn: %w", err)
	}

	var out strings.Builder
	for ev := range stream {
		emit(ev.Type, rawJSON(ev.Data))
		switch ev.Type {
		case events.TypeAgentError:
			return "", fmt.Errorf("review turn: agent stream error")
		case events.TypeText:
			var d events.TextData
			if json.Unmarshal(ev.Data, &d) == nil {
				out.WriteString(d.Text)
			}
		}
	}
	return extractReviewFeedback(out.String()), nil
}

// applyReviewFix snapshots the worktree, runs one fix turn against the
// review's feedback, and commits only if it improved the score; otherwise
// it rolls back, leaving current unchanged.
func (l *Loop) applyReviewFix(ctx context.Context, cfg Config, current scorer.Score, feedback string, round int, emit func(events.Type, any)) scorer.Score {
	snapshot, err := l.VCS.Snapshot(ctx, cfg.WorktreePath)
	if err != nil {
		l.Logger.Warn("loop: review-fix snapshot failed", "error", err)
		return current
	}

	stalled, turnErr := l.runFixTurn(ctx, cfg, buildReviewFixPrompt(feedback), emit)
	if turnErr != nil || stalled {
		if rbErr := l.VCS.Rollback(context.WithoutCancel(ctx), cfg.WorktreePath, snapshot); rbErr != nil {
			emit(events.TypeError, events.ErrorData{Message: rbErr.Error()})
		}
		emit(events.TypeRollback, events.RollbackData{Metric: "review", Reason: "review fix failed or cancelled"})
		return current
	}

	rescored := l.Scorer.CalculateScore(ctx, cfg.Preset.Metrics, cfg.WorktreePath)
	if !rescored.Improving(current, cfg.Preset.MinImprovement) {
		if err := l.VCS.Rollback(context.WithoutCancel(ctx), cfg.WorktreePath, snapshot); err != nil {
			emit(events.TypeError, events.ErrorData{Message: err.Error()})
		}
		emit(events.TypeRollback, events.RollbackData{Metric: "review", Reason: "review fix made no improvement"})
		return current
	}

	message := fmt.Sprintf("polish(review): round %d", round)
	hash, err := l.VCS.Commit(ctx, cfg.WorktreePath, message)
	if err != nil {
		if rbErr := l.VCS.Rollback(context.WithoutCancel(ctx), cfg.WorktreePath, snapshot); rbErr != nil {
			emit(events.TypeError, events.ErrorData{Message: rbErr.Error()})
		}
		return current
	}
	emit(events.TypeCommit, events.CommitData{Hash: hash, Metric: "review", Before: current.Total, After: rescored.Total, Message: message})
	emit(events.TypeScore, scoreData(rescored))
	return rescored
}

func buildReviewPrompt() string {
	return fmt.Sprintf(`You are reviewing the changes made so far in this worktree. This is a READ-ONLY review — do NOT modify any files.

Review the diff against the base branch for correctness, security, and obvious style problems.

Output your findings between %s markers: one issue per line, or NO_ISSUES if there is nothing to report.

%s
<issues or NO_ISSUES>
%s
`, reviewMarker, reviewMarker, reviewMarker)
}

func buildReviewFixPrompt(feedback string) string {
	return fmt.Sprintf(`You are fixing code review feedback.

## Review feedback
%s

Apply the minimal fix for each issue above. Do not add unrelated improvements.
`, feedback)
}

// extractReviewFeedback pulls the body between reviewMarker delimiters,
// treating a blank body or the literal NO_ISSUES sentinel as "nothing to
// fix" (adapted from the teacher's hasActionableIssues check).
func extractReviewFeedback(output string) string {
	body := output
	if parts := strings.SplitN(output, reviewMarker, 3); len(parts) == 3 {
		body = parts[1]
	}
	body = strings.TrimSpace(body)
	if body == "" || body == "NO_ISSUES" {
		return ""
	}
	return body
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }
