package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToEvent_TextLine(t *testing.T) {
	ev, ok := toEvent(rawLine{Type: "text", Text: "hello"})
	require.True(t, ok)
	require.Equal(t, "text", string(ev.Type))
}

func TestToEvent_ToolStart(t *testing.T) {
	ev, ok := toEvent(rawLine{Type: "tool_start", ToolID: "t1", ToolName: "Edit", Display: "editing foo.go"})
	require.True(t, ok)
	require.Equal(t, "tool_start", string(ev.Type))
}

func TestToEvent_UnknownTypeIgnored(t *testing.T) {
	_, ok := toEvent(rawLine{Type: "some_unmapped_event"})
	require.False(t, ok)
}

func TestLastLines_CapsSize(t *testing.T) {
	l := &lastLines{max: 1}
	for i := 0; i < 1000; i++ {
		_, _ = l.Write([]byte("x"))
	}
	require.LessOrEqual(t, len(l.data), 200)
}
