package planner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stangirard/polish/internal/agent"
	"github.com/stangirard/polish/internal/events"
	"github.com/stangirard/polish/internal/preset"
)

type fakeDriver struct {
	evs []events.Event
}

func (f *fakeDriver) RunAgent(ctx context.Context, dir, prompt string, capabilities preset.Capabilities, provider agent.Provider) (<-chan events.Event, error) {
	ch := make(chan events.Event, len(f.evs))
	for _, ev := range f.evs {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func planPayload(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(events.PlanData{
		Approaches: []events.PlanApproachDTO{
			{ID: "a1", Steps: []events.PlanStepDTO{{ID: "s1", Title: "step one"}}},
		},
		Summary: "do the thing",
	})
	require.NoError(t, err)
	return data
}

func TestRun_ParsesPlanEvent(t *testing.T) {
	driver := &fakeDriver{evs: []events.Event{
		events.New(1, events.TypePlan, "now", json.RawMessage(planPayload(t))),
		events.New(2, events.TypeAgentDone, "now", events.DoneData{}),
	}}
	p := New(driver, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var sunk []events.Event
	plan, err := p.Run(context.Background(), t.TempDir(), "add auth", preset.Capabilities{}, agent.Provider{}, func(e events.Event) { sunk = append(sunk, e) })
	require.NoError(t, err)
	require.Len(t, plan.Approaches, 1)
	require.Equal(t, "a1", plan.Approaches[0].ID)
	require.Len(t, sunk, 2)
}

func TestRun_NoPlanEventErrors(t *testing.T) {
	driver := &fakeDriver{evs: []events.Event{
		events.New(1, events.TypeAgentDone, "now", events.DoneData{}),
	}}
	p := New(driver, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := p.Run(context.Background(), t.TempDir(), "", preset.Capabilities{}, agent.Provider{}, func(events.Event) {})
	require.Error(t, err)
}
