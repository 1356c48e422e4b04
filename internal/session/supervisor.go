package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stangirard/polish/internal/agent"
	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/executor"
	"github.com/stangirard/polish/internal/loop"
	"github.com/stangirard/polish/internal/planner"
	"github.com/stangirard/polish/internal/preset"
	"github.com/stangirard/polish/internal/scorer"
	"github.com/stangirard/polish/internal/vcs"
)

// Supervisor creates and drives Sessions: it owns the repo-level VC
// Adapter, wires a fresh worktree per run, optionally runs the Planner,
// then hands off to the Polish Loop, recording every event on the
// Session's Handle (spec §2, "The Supervisor creates a Session, optionally
// runs the Planner, then invokes the Polish Loop inside an isolated
// worktree obtained from the VC Adapter").
type Supervisor struct {
	Logger *slog.Logger

	mu       sync.Mutex
	handles  map[string]*Handle
	vcsByDir map[string]*vcs.Git
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Logger:   logger,
		handles:  make(map[string]*Handle),
		vcsByDir: make(map[string]*vcs.Git),
	}
}

func (sv *Supervisor) vcsFor(projectPath string) *vcs.Git {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if g, ok := sv.vcsByDir[projectPath]; ok {
		return g
	}
	g := vcs.New(executor.New(sv.Logger), sv.Logger, projectPath)
	sv.vcsByDir[projectPath] = g
	return g
}

// Handle returns a previously created session's Handle, or false if unknown
// to this Supervisor instance.
func (sv *Supervisor) Handle(id string) (*Handle, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	h, ok := sv.handles[id]
	return h, ok
}

func (sv *Supervisor) register(h *Handle) {
	sv.mu.Lock()
	sv.handles[h.Session().ID] = h
	sv.mu.Unlock()
}

// CreateOptions configures a new session. Driver is injected by the caller
// (mirroring the teacher's pool.NewAgentPool taking provider.Agent values
// directly) rather than resolved from a string inside the Supervisor, so
// tests can pass a fake Driver without touching a real CLI binary.
type CreateOptions struct {
	ProjectPath  string
	Mission      string
	WithPlanning bool
	Provider     agent.Provider
	Driver       agent.Driver
}

// Create registers a new Session in pending state and transitions it per
// whether planning was requested. The caller is responsible for invoking
// Plan (if planning) or Start once the returned Handle is ready.
func (sv *Supervisor) Create(opts CreateOptions) (*Handle, error) {
	store := NewStore(opts.ProjectPath)
	h := NewHandle(opts.ProjectPath, store)
	h.SetFields(func(s *Session) { s.Mission = opts.Mission })
	sv.register(h)

	edge := "create_without_planning"
	if opts.WithPlanning {
		edge = "create_with_planning"
	}
	if err := h.Transition(edge); err != nil {
		return nil, fmt.Errorf("supervisor: creating session: %w", err)
	}
	h.Emit(events.TypeStatus, events.StatusData{Status: string(h.Session().Status)})
	return h, nil
}

// Plan runs the Planner against the session's mission and transitions the
// session to awaiting_approval once a plan is produced.
func (sv *Supervisor) Plan(ctx context.Context, h *Handle, p preset.Preset, opts CreateOptions) (*planner.Plan, error) {
	pl := planner.New(opts.Driver, sv.Logger)

	caps := preset.Capabilities{}
	if p.Capabilities != nil && p.Capabilities.Planning != nil {
		caps = *p.Capabilities.Planning
	}

	plan, err := pl.Run(ctx, opts.ProjectPath, h.Session().Mission, caps, opts.Provider, func(ev events.Event) { h.Emit(ev.Type, passthrough(ev)) })
	if err != nil {
		return nil, fmt.Errorf("supervisor: planning: %w", err)
	}
	if err := h.Transition("plan_produced"); err != nil {
		return nil, fmt.Errorf("supervisor: after planning: %w", err)
	}
	h.Emit(events.TypeStatus, events.StatusData{Status: string(h.Session().Status)})
	return plan, nil
}

// Reject sends the session back to planning with feedback, or cancels it
// if no reason is given, per spec §4.7.
func (sv *Supervisor) Reject(ctx context.Context, h *Handle, p preset.Preset, opts CreateOptions, reason string) (*planner.Plan, error) {
	if reason == "" {
		if _, err := h.Finalize("reject_no_reason", events.TypeStatus, events.StatusData{Status: string(StatusCancelled)}); err != nil {
			return nil, fmt.Errorf("supervisor: rejecting plan: %w", err)
		}
		return nil, nil
	}

	if err := h.Transition("reject_with_reason"); err != nil {
		return nil, fmt.Errorf("supervisor: rejecting plan: %w", err)
	}
	h.Emit(events.TypePlanRejected, events.PlanRejectedData{Reason: reason})

	pl := planner.New(opts.Driver, sv.Logger)

	caps := preset.Capabilities{}
	if p.Capabilities != nil && p.Capabilities.Planning != nil {
		caps = *p.Capabilities.Planning
	}

	plan, err := pl.Continue(ctx, opts.ProjectPath, h.Session().Mission, reason, caps, opts.Provider, func(ev events.Event) { h.Emit(ev.Type, passthrough(ev)) })
	if err != nil {
		return nil, fmt.Errorf("supervisor: re-planning: %w", err)
	}
	if err := h.Transition("plan_produced"); err != nil {
		return nil, fmt.Errorf("supervisor: after re-planning: %w", err)
	}
	h.Emit(events.TypeStatus, events.StatusData{Status: string(h.Session().Status)})
	return plan, nil
}

// Approve transitions an awaiting_approval session to running and kicks
// off the full worktree-isolated run, returning once the run reaches a
// terminal state. It is the Start path named in spec §2 once a plan has
// been accepted. approachID selects which of plan.Approaches the mission
// turn follows (spec.md:98 "approve (selecting an approach)"); if the plan
// carries exactly one approach, approachID may be left empty.
func (sv *Supervisor) Approve(ctx context.Context, h *Handle, p preset.Preset, opts CreateOptions, plan *planner.Plan, approachID string) (loop.Result, error) {
	approach, err := selectApproach(plan, approachID)
	if err != nil {
		return loop.Result{}, fmt.Errorf("supervisor: approving plan: %w", err)
	}

	if err := h.Transition("approve"); err != nil {
		return loop.Result{}, fmt.Errorf("supervisor: approving plan: %w", err)
	}
	h.Emit(events.TypeStatus, events.StatusData{Status: string(h.Session().Status)})
	h.Emit(events.TypePlanApproved, events.PlanApprovedData{ApproachID: approach.ID})
	return sv.run(ctx, h, p, opts, approach)
}

// selectApproach picks the named approach out of plan, defaulting to the
// sole approach when the plan carries only one and none was named.
func selectApproach(plan *planner.Plan, approachID string) (*planner.Approach, error) {
	if plan == nil {
		return nil, fmt.Errorf("no plan to approve")
	}
	if approachID == "" {
		if len(plan.Approaches) == 1 {
			return &plan.Approaches[0], nil
		}
		return nil, fmt.Errorf("plan carries %d approaches; an approachID is required", len(plan.Approaches))
	}
	for i := range plan.Approaches {
		if plan.Approaches[i].ID == approachID {
			return &plan.Approaches[i], nil
		}
	}
	return nil, fmt.Errorf("approach %q not found in plan", approachID)
}

// Start runs a session created without planning directly.
func (sv *Supervisor) Start(ctx context.Context, h *Handle, p preset.Preset, opts CreateOptions) (loop.Result, error) {
	return sv.run(ctx, h, p, opts, nil)
}

// Abort cancels the active Polish Loop run (stopping its Agent Driver
// stream, which triggers the loop's own rollback-to-last-snapshot path)
// and marks the session cancelled (spec.md:160: "cancel the active Agent
// Driver stream, perform rollback to the last snapshot, emit aborted,
// close subscribers, and transition to cancelled"). Idempotent: aborting
// an already-terminal session only flips state (already a no-op) without
// appending a second aborted event.
func (sv *Supervisor) Abort(h *Handle) error {
	h.cancelRun()
	if _, err := h.Finalize("abort", events.TypeAborted, events.AbortedData{}); err != nil {
		return fmt.Errorf("supervisor: aborting: %w", err)
	}
	h.CloseSubscribers()
	return nil
}

// run implements the worktree lifecycle: create, invoke the Polish Loop,
// name the branch if any commit landed, then remove the worktree on every
// exit path (spec §2: "the worktree is always removed on exit, regardless
// of outcome; a branch is kept iff at least one commit was made"). The
// Polish Loop runs under a context derived from ctx so Abort can cancel it
// independently of the caller's own context (e.g. a long-lived CLI process
// serving several sessions).
func (sv *Supervisor) run(ctx context.Context, h *Handle, p preset.Preset, opts CreateOptions, approach *planner.Approach) (loop.Result, error) {
	g := sv.vcsFor(opts.ProjectPath)

	baseBranch, err := g.CurrentBranch(ctx, opts.ProjectPath)
	if err != nil {
		return sv.fail(h, fmt.Errorf("supervisor: reading base branch: %w", err))
	}

	wt, err := g.CreateWorktree(ctx, baseBranch)
	if err != nil {
		return sv.fail(h, fmt.Errorf("supervisor: creating worktree: %w", err))
	}
	h.Emit(events.TypeWorktreeCreated, events.WorktreeCreatedData{WorktreePath: wt.WorktreePath, BaseBranch: baseBranch, BaseCommit: wt.BaseCommit})

	defer func() {
		kept := h.Session().Commits > 0
		if err := g.RemoveWorktree(ctx, wt.WorktreePath); err != nil {
			sv.Logger.Warn("supervisor: removing worktree", "error", err, "path", wt.WorktreePath)
		}
		h.Emit(events.TypeWorktreeCleanup, events.WorktreeCleanupData{WorktreePath: wt.WorktreePath, Kept: kept, BranchName: h.Session().BranchName})
	}()

	// runCtx is derived so Abort can cancel the Polish Loop's Agent Driver
	// stream without affecting the worktree-cleanup operations above and
	// below, which always run to completion against the caller's ctx.
	runCtx, cancel := context.WithCancel(ctx)
	h.SetCancel(cancel)
	defer cancel()

	l := loop.New(scorer.New(executor.New(sv.Logger), sv.Logger), vcs.New(executor.New(sv.Logger), sv.Logger, wt.WorktreePath), opts.Driver, sv.Logger)

	cfg := loop.Config{
		Preset:           p,
		Mission:          h.Session().Mission,
		ApprovedApproach: approach,
		WorktreePath:     wt.WorktreePath,
		Provider:         opts.Provider,
		SessionStart:     h.Session().StartedAt,
		Transition:       h.Transition,
	}

	track := newLoopStateTracker(wt.WorktreePath, h.Session().StartedAt)
	res, err := l.Run(runCtx, cfg, func(ev events.Event) {
		h.Emit(ev.Type, passthrough(ev))
		if track.observe(ev) {
			if data, mErr := track.marshal(); mErr == nil {
				_ = h.store.SaveState(h.Session().ID, data)
			}
		}
	})
	if err != nil {
		if res.Reason == loop.ReasonCancelled {
			return res, fmt.Errorf("supervisor: running loop: %w", err)
		}
		return sv.fail(h, fmt.Errorf("supervisor: running loop: %w", err))
	}

	h.SetFields(func(s *Session) {
		s.FinalScore = res.Final.Total
		s.Commits = res.Commits
	})

	if res.Commits > 0 {
		branch, nameErr := g.GeneratePolishBranchName(ctx)
		if nameErr == nil {
			if _, bErr := g.BranchFromWorktree(ctx, wt.WorktreePath, branch); bErr == nil {
				h.SetFields(func(s *Session) { s.BranchName = branch })
			}
		}
	}

	edge, finalStatus := "result_success", StatusCompleted
	if !res.Success {
		edge, finalStatus = "result_failure", StatusFailed
	}
	if _, err := h.Finalize(edge, events.TypeStatus, events.StatusData{Status: string(finalStatus)}); err != nil {
		sv.Logger.Warn("supervisor: terminal transition", "error", err)
	}
	h.CloseSubscribers()

	if store := sv.storeFor(opts.ProjectPath); store != nil {
		_ = store.SaveMeta(h.Session())
	}

	return res, nil
}

func (sv *Supervisor) storeFor(projectPath string) *Store { return NewStore(projectPath) }

func (sv *Supervisor) fail(h *Handle, cause error) (loop.Result, error) {
	h.Emit(events.TypeError, events.ErrorData{Message: cause.Error()})
	if _, err := h.Finalize("error", events.TypeStatus, events.StatusData{Status: string(StatusFailed)}); err != nil {
		sv.Logger.Warn("supervisor: transition to failed", "error", err)
	}
	h.CloseSubscribers()
	return loop.Result{}, cause
}

// loopStateTracker derives the `.polish/state.json` shape (spec §6) from
// the Polish Loop's event stream, so the Supervisor can persist it after
// every scoring pass without the loop package knowing about storage.
type loopStateTracker struct {
	worktreePath    string
	startedAt       time.Time
	iteration       int
	scores          []float64
	lastImprovement int
	stalledCount    int
}

func newLoopStateTracker(worktreePath string, startedAt time.Time) *loopStateTracker {
	return &loopStateTracker{worktreePath: worktreePath, startedAt: startedAt}
}

// observe updates the tracker from one loop event and reports whether the
// event warrants a fresh write of state.json.
func (t *loopStateTracker) observe(ev events.Event) bool {
	switch ev.Type {
	case events.TypeInit:
		var d events.InitData
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			t.scores = []float64{d.InitialScore}
		}
		return true
	case events.TypeIteration:
		var d events.IterationData
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			t.iteration = d.Iteration
		}
		return true
	case events.TypeCommit:
		var d events.CommitData
		if err := json.Unmarshal(ev.Data, &d); err == nil {
			t.scores = append(t.scores, d.After)
			t.lastImprovement = t.iteration
			t.stalledCount = 0
		}
		return true
	case events.TypeRollback:
		t.stalledCount++
		return true
	default:
		return false
	}
}

func (t *loopStateTracker) marshal() ([]byte, error) {
	return MarshalPersisted(t.iteration, t.scores, t.lastImprovement, t.stalledCount, t.worktreePath, t.startedAt)
}

// passthrough re-marshals an already-encoded event payload so Emit can
// assign it a session-scoped sequential ID without double-decoding it.
func passthrough(ev events.Event) rawPayload { return rawPayload(ev.Data) }

type rawPayload []byte

func (r rawPayload) MarshalJSON() ([]byte, error) { return r, nil }
