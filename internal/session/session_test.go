package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stangirard/polish/internal/events"
)

func TestTransition_LegalPath(t *testing.T) {
	h := NewHandle(t.TempDir(), nil)
	require.Equal(t, StatusPending, h.Session().Status)

	require.NoError(t, h.Transition("create_with_planning"))
	require.Equal(t, StatusPlanning, h.Session().Status)

	require.NoError(t, h.Transition("plan_produced"))
	require.Equal(t, StatusAwaitingApproval, h.Session().Status)

	require.NoError(t, h.Transition("approve"))
	require.Equal(t, StatusRunning, h.Session().Status)

	require.NoError(t, h.Transition("result_success"))
	require.Equal(t, StatusCompleted, h.Session().Status)
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	h := NewHandle(t.TempDir(), nil)
	err := h.Transition("approve")
	require.Error(t, err)
	require.Equal(t, StatusPending, h.Session().Status)
}

func TestTransition_RejectsOutOfTerminal(t *testing.T) {
	h := NewHandle(t.TempDir(), nil)
	require.NoError(t, h.Transition("create_without_planning"))
	require.NoError(t, h.Transition("result_failure"))
	require.True(t, h.Session().Status.terminal())

	err := h.Transition("result_success")
	require.Error(t, err)
}

func TestTransition_AbortIsIdempotent(t *testing.T) {
	h := NewHandle(t.TempDir(), nil)
	require.NoError(t, h.Transition("create_without_planning"))

	require.NoError(t, h.Transition("abort"))
	require.Equal(t, StatusCancelled, h.Session().Status)

	require.NoError(t, h.Transition("abort"))
	require.Equal(t, StatusCancelled, h.Session().Status)
}

func TestTransition_AbortFromAnyLiveState(t *testing.T) {
	h := NewHandle(t.TempDir(), nil)
	require.NoError(t, h.Transition("create_with_planning"))
	require.NoError(t, h.Transition("abort"))
	require.Equal(t, StatusCancelled, h.Session().Status)
}

func TestSubscribe_ReplaysBacklogThenLive(t *testing.T) {
	h := NewHandle(t.TempDir(), nil)
	h.Emit(events.TypeStatus, events.StatusData{})
	h.Emit(events.TypePhase, events.PhaseData{})

	ch := h.Subscribe()
	first := <-ch
	second := <-ch
	require.Equal(t, events.TypeStatus, first.Type)
	require.Equal(t, events.TypePhase, second.Type)

	live := h.Emit(events.TypeIteration, events.IterationData{})
	third := <-ch
	require.Equal(t, live.ID, third.ID)
}

func TestSubscribe_TerminalSessionClosesAfterBacklog(t *testing.T) {
	h := NewHandle(t.TempDir(), nil)
	h.Emit(events.TypeStatus, events.StatusData{})
	require.NoError(t, h.Transition("create_without_planning"))
	require.NoError(t, h.Transition("result_success"))

	ch := h.Subscribe()
	ev, ok := <-ch
	require.True(t, ok)
	require.Equal(t, events.TypeStatus, ev.Type)

	_, ok = <-ch
	require.False(t, ok, "channel should be closed once backlog is drained for a terminal session")
}

func TestEmit_DropsSlowSubscriberRatherThanBlocking(t *testing.T) {
	h := NewHandle(t.TempDir(), nil)
	ch := h.Subscribe()

	for i := 0; i < backlogSize+40; i++ {
		h.Emit(events.TypeIteration, events.IterationData{Iteration: i})
	}

	_, ok := <-ch
	require.True(t, ok, "channel should still be readable even after being dropped")
}

func TestEmit_PersistsToStore(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	h := NewHandle(dir, store)

	h.Emit(events.TypeStatus, events.StatusData{})
	h.Emit(events.TypeIteration, events.IterationData{Iteration: 1})

	loaded, err := store.LoadEvents(h.Session().ID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, events.TypeStatus, loaded[0].Type)
	require.Equal(t, events.TypeIteration, loaded[1].Type)
}

func TestStore_SaveAndResetState(t *testing.T) {
	store := NewStore(t.TempDir())
	data, err := MarshalPersisted(3, []float64{10, 20, 30}, 2, 1, "/tmp/wt", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, store.SaveState("sess-1", data))
	require.NoError(t, store.ResetState("sess-1"))
	require.NoError(t, store.ResetState("sess-1"), "resetting a missing state file is not an error")
}

func TestStore_SaveMetaAndList(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	h := NewHandle(dir, store)
	h.SetFields(func(s *Session) { s.Mission = "add auth"; s.FinalScore = 88.5 })

	require.NoError(t, store.SaveMeta(h.Session()))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, h.Session().ID, list[0].ID)
	require.Equal(t, "add auth", list[0].Mission)

	got, err := store.Get(h.Session().ID)
	require.NoError(t, err)
	require.Equal(t, 88.5, got.FinalScore)
}
