package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stangirard/polish/internal/agent"
	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/loop"
	"github.com/stangirard/polish/internal/planner"
	"github.com/stangirard/polish/internal/preset"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func runGit(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "command %s %v failed: %s", name, args, out)
}

func initSupervisorRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "git", "init", "-b", "main")
	runGit(t, dir, "git", "config", "user.email", "test@test.com")
	runGit(t, dir, "git", "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status.txt"), []byte("4 pass, 1 fail"), 0o644))
	runGit(t, dir, "git", "add", ".")
	runGit(t, dir, "git", "commit", "-m", "init")
	return dir
}

// fakeFixDriver writes a passing status.txt into whatever directory it is
// invoked in (the session's worktree), simulating a single successful fix.
type fakeFixDriver struct{ ran int }

func (f *fakeFixDriver) RunAgent(ctx context.Context, dir, prompt string, caps preset.Capabilities, provider agent.Provider) (<-chan events.Event, error) {
	f.ran++
	_ = os.WriteFile(filepath.Join(dir, "status.txt"), []byte("5 pass"), 0o644)
	ch := make(chan events.Event, 1)
	ch <- events.New(1, events.TypeAgentDone, "now", events.DoneData{})
	close(ch)
	return ch, nil
}

func TestSupervisor_StartWithoutPlanningReachesTarget(t *testing.T) {
	dir := initSupervisorRepo(t)
	sv := NewSupervisor(testLogger())

	p := preset.Preset{
		Metrics:        []preset.Metric{{Name: "tests", Command: "cat status.txt", Weight: 100, Target: 95}},
		Target:         95,
		MaxIterations:  10,
		MinImprovement: 0.5,
		MaxStalled:     5,
	}
	driver := &fakeFixDriver{}
	opts := CreateOptions{ProjectPath: dir, Driver: driver}

	h, err := sv.Create(opts)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, h.Session().Status)

	res, err := sv.Start(context.Background(), h, p, opts)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 1, res.Commits)
	require.Equal(t, StatusCompleted, h.Session().Status)
	require.NotEmpty(t, h.Session().BranchName)

	_, err = os.Stat(filepath.Join(dir, ".polish", "worktrees"))
	require.True(t, os.IsNotExist(err) || err == nil)
}

func TestSupervisor_CreateWithPlanningRequiresApproval(t *testing.T) {
	dir := initSupervisorRepo(t)
	sv := NewSupervisor(testLogger())
	opts := CreateOptions{ProjectPath: dir, WithPlanning: true, Driver: &fakeFixDriver{}}

	h, err := sv.Create(opts)
	require.NoError(t, err)
	require.Equal(t, StatusPlanning, h.Session().Status)
}

// blockingDriver writes into the worktree it is handed, then blocks until
// ctx is cancelled, simulating a mission turn interrupted mid-flight by
// Abort. started is closed once the turn is in flight so the test can
// synchronize its call to Abort.
type blockingDriver struct {
	started chan struct{}
}

func (b *blockingDriver) RunAgent(ctx context.Context, dir, prompt string, caps preset.Capabilities, provider agent.Provider) (<-chan events.Event, error) {
	_ = os.WriteFile(filepath.Join(dir, "status.txt"), []byte("uncommitted partial edit"), 0o644)
	ch := make(chan events.Event)
	close(b.started)
	go func() {
		defer close(ch)
		<-ctx.Done()
	}()
	return ch, nil
}

func TestSupervisor_AbortCancelsRunningLoopAndRollsBack(t *testing.T) {
	dir := initSupervisorRepo(t)
	sv := NewSupervisor(testLogger())

	p := preset.Preset{
		Metrics:        []preset.Metric{{Name: "tests", Command: "cat status.txt", Weight: 100, Target: 95}},
		Target:         95,
		MaxIterations:  10,
		MinImprovement: 0.5,
		MaxStalled:     5,
	}
	driver := &blockingDriver{started: make(chan struct{})}
	opts := CreateOptions{ProjectPath: dir, Mission: "add auth", Driver: driver}

	h, err := sv.Create(opts)
	require.NoError(t, err)

	sub := h.Subscribe()
	resultCh := make(chan loop.Result, 1)
	go func() {
		res, _ := sv.Start(context.Background(), h, p, opts)
		resultCh <- res
	}()

	<-driver.started
	require.NoError(t, sv.Abort(h))

	res := <-resultCh
	require.False(t, res.Success)
	require.Equal(t, loop.ReasonCancelled, res.Reason)
	require.Equal(t, 0, res.Commits, "the in-flight uncommitted edit must never be committed")
	require.Equal(t, StatusCancelled, h.Session().Status)
	require.Empty(t, h.Session().BranchName, "no branch is kept when nothing was committed")

	// Every event emitted once the session turns terminal is dropped (the
	// Emit terminal guard), so the aborted event announced by Finalize must
	// be the last thing this subscriber ever sees.
	var sawAborted, sawCommit bool
	var last events.Event
	for ev := range sub {
		last = ev
		switch ev.Type {
		case events.TypeAborted:
			sawAborted = true
		case events.TypeCommit:
			sawCommit = true
		}
	}
	require.True(t, sawAborted, "an aborted event must be recorded")
	require.False(t, sawCommit, "no commit may land once cancellation is observed")
	require.Equal(t, events.TypeAborted, last.Type, "no event may follow the terminal aborted event")

	data, err := os.ReadFile(filepath.Join(dir, "status.txt"))
	require.NoError(t, err)
	require.Equal(t, "4 pass, 1 fail", string(data), "the base repo is untouched by the isolated worktree's partial edit")
}

// promptCapturingDriver records every prompt it is invoked with.
type promptCapturingDriver struct {
	prompts []string
}

func (p *promptCapturingDriver) RunAgent(ctx context.Context, dir, prompt string, caps preset.Capabilities, provider agent.Provider) (<-chan events.Event, error) {
	p.prompts = append(p.prompts, prompt)
	ch := make(chan events.Event, 1)
	ch <- events.New(1, events.TypeAgentDone, "now", events.DoneData{})
	close(ch)
	return ch, nil
}

func TestSupervisor_ApproveUsesOnlySelectedApproach(t *testing.T) {
	dir := initSupervisorRepo(t)
	sv := NewSupervisor(testLogger())

	p := preset.Preset{
		Metrics:        []preset.Metric{{Name: "tests", Command: "cat status.txt", Weight: 100, Target: 95}},
		Target:         95,
		MaxIterations:  10,
		MinImprovement: 0.5,
		MaxStalled:     5,
	}
	driver := &promptCapturingDriver{}
	opts := CreateOptions{ProjectPath: dir, Mission: "add auth", WithPlanning: true, Driver: driver}

	h, err := sv.Create(opts)
	require.NoError(t, err)
	require.NoError(t, h.Transition("plan_produced"))

	plan := &planner.Plan{
		Approaches: []planner.Approach{
			{ID: "a1", Steps: []planner.PlanStep{{ID: "s1", Title: "use a session cookie"}}},
			{ID: "a2", Steps: []planner.PlanStep{{ID: "s2", Title: "use a JWT header"}}},
		},
	}

	_, err = sv.Approve(context.Background(), h, p, opts, plan, "a2")
	require.NoError(t, err)

	require.NotEmpty(t, driver.prompts)
	missionPrompt := driver.prompts[0]
	require.Contains(t, missionPrompt, "use a JWT header")
	require.NotContains(t, missionPrompt, "use a session cookie")
}

func TestSupervisor_ApproveRejectsAmbiguousApproach(t *testing.T) {
	dir := initSupervisorRepo(t)
	sv := NewSupervisor(testLogger())

	p := preset.Preset{
		Metrics: []preset.Metric{{Name: "tests", Command: "cat status.txt", Weight: 100, Target: 95}},
		Target:  95,
	}
	opts := CreateOptions{ProjectPath: dir, WithPlanning: true, Driver: &promptCapturingDriver{}}

	h, err := sv.Create(opts)
	require.NoError(t, err)
	require.NoError(t, h.Transition("plan_produced"))

	plan := &planner.Plan{
		Approaches: []planner.Approach{
			{ID: "a1", Steps: []planner.PlanStep{{ID: "s1", Title: "one"}}},
			{ID: "a2", Steps: []planner.PlanStep{{ID: "s2", Title: "two"}}},
		},
	}

	_, err = sv.Approve(context.Background(), h, p, opts, plan, "")
	require.Error(t, err)
	require.Equal(t, StatusAwaitingApproval, h.Session().Status)
}

func TestSupervisor_AbortIsIdempotent(t *testing.T) {
	dir := initSupervisorRepo(t)
	sv := NewSupervisor(testLogger())
	opts := CreateOptions{ProjectPath: dir, Driver: &fakeFixDriver{}}

	h, err := sv.Create(opts)
	require.NoError(t, err)

	require.NoError(t, sv.Abort(h))
	require.Equal(t, StatusCancelled, h.Session().Status)
	require.NoError(t, sv.Abort(h))
}
