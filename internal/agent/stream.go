package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/stangirard/polish/internal/events"
)

// rawLine is the shape every supported CLI's JSON-lines streaming output is
// normalized to before being re-typed into an events.Event arm.
type rawLine struct {
	Type       string          `json:"type"`
	Text       string          `json:"text"`
	ToolID     string          `json:"tool_id"`
	ToolName   string          `json:"tool_name"`
	Display    string          `json:"display"`
	Success    bool            `json:"success"`
	Output     string          `json:"output"`
	Error      string          `json:"error"`
	DurationMs int64           `json:"duration_ms"`
	Plan       json.RawMessage `json:"plan"`
}

// cliStreamer runs one CLI-subprocess agent and emits one events.Event per
// JSON line of stdout, normalizing field names across providers via rawLine
// and toEvent. commandContext is overridable for testing.
type cliStreamer struct {
	binary         string
	buildArgs      func(prompt string) []string
	envFor         func(provider Provider) []string
	logger         *slog.Logger
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func newCLIStreamer(binary string, logger *slog.Logger, buildArgs func(string) []string, envFor func(Provider) []string) *cliStreamer {
	return &cliStreamer{
		binary:         binary,
		buildArgs:      buildArgs,
		envFor:         envFor,
		logger:         logger,
		commandContext: exec.CommandContext,
	}
}

func (s *cliStreamer) run(ctx context.Context, dir, prompt string, provider Provider) (<-chan events.Event, error) {
	out := make(chan events.Event, 64)

	cmd := s.commandContext(ctx, s.binary, s.buildArgs(prompt)...)
	cmd.Dir = dir

	// Provider configuration is scoped to this one *exec.Cmd's Env — never
	// written to the parent process environment, so no ambient
	// configuration survives across concurrent invocations (spec §4.4, §9).
	if s.envFor != nil {
		cmd.Env = s.envFor(provider)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: stdout pipe: %w", err)
	}
	stderrBuf := &lastLines{max: 40}
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: start: %w", err)
	}

	go s.pump(ctx, cmd, stdout, stderrBuf, out)

	return out, nil
}

// seq is shared across every concurrently running cliStreamer (one per
// session's Agent Driver invocation), so event IDs stay globally unique
// without each streamer needing its own counter; atomic keeps that sharing
// race-free.
var seq int64

func nextID() int64 {
	return atomic.AddInt64(&seq, 1)
}

func (s *cliStreamer) pump(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderrBuf *lastLines, out chan<- events.Event) {
	defer close(out)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal(line, &raw); err != nil {
			// Non-JSON lines are treated as incremental text, matching the
			// teacher's defensive fallback when a CLI emits plain output.
			out <- events.New(nextID(), events.TypeText, now(), events.TextData{Text: string(line)})
			continue
		}
		if ev, ok := toEvent(raw); ok {
			out <- ev
		}
	}

	waitErr := cmd.Wait()

	if ctx.Err() == context.Canceled {
		out <- events.New(nextID(), events.TypeCancelled, now(), events.AbortedData{Reason: "cancelled"})
		return
	}
	if ctx.Err() == context.DeadlineExceeded {
		out <- events.New(nextID(), events.TypeAgentError, now(), events.AgentErrorData{Message: "agent turn timed out"})
		return
	}
	if waitErr != nil {
		msg := waitErr.Error()
		if tail := stderrBuf.String(); tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		out <- events.New(nextID(), events.TypeAgentError, now(), events.AgentErrorData{Message: msg})
		return
	}
	out <- events.New(nextID(), events.TypeAgentDone, now(), events.DoneData{})
}

func toEvent(raw rawLine) (events.Event, bool) {
	ts := now()
	switch raw.Type {
	case "text", "assistant", "message":
		return events.New(nextID(), events.TypeText, ts, events.TextData{Text: raw.Text}), true
	case "thinking":
		return events.New(nextID(), events.TypeThinking, ts, events.ThinkingData{Text: raw.Text}), true
	case "tool_start", "tool_use":
		return events.New(nextID(), events.TypeToolStart, ts, events.ToolStartData{
			ToolID: raw.ToolID, Name: raw.ToolName, Display: raw.Display,
		}), true
	case "tool_done", "tool_result":
		return events.New(nextID(), events.TypeToolDone, ts, events.ToolDoneData{
			ToolID: raw.ToolID, Success: raw.Success, Output: raw.Output,
			Error: raw.Error, DurationMs: raw.DurationMs,
		}), true
	case "error":
		return events.New(nextID(), events.TypeAgentError, ts, events.AgentErrorData{Message: raw.Error}), true
	case "":
		return events.Event{}, false
	default:
		return events.Event{}, false
	}
}

// lastLines is an io.Writer keeping only the tail of what was written,
// used to surface a bounded stderr snippet on agent failure.
type lastLines struct {
	max  int
	data []byte
}

func (l *lastLines) Write(p []byte) (int, error) {
	l.data = append(l.data, p...)
	if limit := l.max * 200; len(l.data) > limit {
		l.data = l.data[len(l.data)-limit:]
	}
	return len(p), nil
}

func (l *lastLines) String() string { return string(l.data) }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
