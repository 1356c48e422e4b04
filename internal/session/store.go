package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stangirard/polish/internal/events"
)

// Store persists sessions under <projectPath>/.polish, mirroring the
// teacher's atomic temp-file-then-rename writes for run state, extended
// with one append-only events.jsonl per session for durable event replay.
type Store struct {
	root string // <projectPath>/.polish/sessions
}

// NewStore creates a Store rooted at projectPath's .polish directory.
func NewStore(projectPath string) *Store {
	return &Store{root: filepath.Join(projectPath, ".polish", "sessions")}
}

func (s *Store) sessionDir(id string) string { return filepath.Join(s.root, id) }

// SaveState writes the session-state file atomically (spec §6: "Written
// after every scoring pass").
func (s *Store) SaveState(id string, data []byte) error {
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session store: creating dir: %w", err)
	}

	dest := filepath.Join(dir, "state.json")
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session store: writing temp state: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session store: renaming state file: %w", err)
	}
	return nil
}

// LoopState is the decoded shape of .polish/state.json (spec §6), exported
// so the stop-hook subcommand can read back a session's scoring history
// without this package exposing its internal persistedState type.
type LoopState struct {
	Iteration       int       `json:"iteration"`
	Scores          []float64 `json:"scores"`
	LastImprovement int       `json:"lastImprovement"`
	StalledCount    int       `json:"stalledCount"`
	WorktreePath    string    `json:"worktreePath"`
	StartedAt       time.Time `json:"startedAt"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// LoadState reads back a session's persisted loop state. A session with no
// state.json yet (never scored) returns the zero LoopState.
func (s *Store) LoadState(id string) (LoopState, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return LoopState{}, nil
		}
		return LoopState{}, fmt.Errorf("session store: reading state for %s: %w", id, err)
	}
	var ls LoopState
	if err := json.Unmarshal(data, &ls); err != nil {
		return LoopState{}, fmt.Errorf("session store: parsing state for %s: %w", id, err)
	}
	return ls, nil
}

// ResetState deletes the session-state file (spec §6: "Reset deletes the
// file").
func (s *Store) ResetState(id string) error {
	err := os.Remove(filepath.Join(s.sessionDir(id), "state.json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session store: resetting state: %w", err)
	}
	return nil
}

// AppendEvent appends one event to the session's durable log in insertion
// order. The log is append-only — no edits, no deletes (spec §3 invariant
// e) — so this is the only write operation ever performed on it.
func (s *Store) AppendEvent(id string, ev events.Event) error {
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session store: creating dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session store: opening event log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("session store: marshaling event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("session store: appending event: %w", err)
	}
	return nil
}

// LoadEvents replays a session's full durable event log in insertion
// order. Handle.Subscribe does not read it; a subscriber's backlog comes
// from the in-memory ring buffer only.
func (s *Store) LoadEvents(id string) ([]events.Event, error) {
	path := filepath.Join(s.sessionDir(id), "events.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session store: opening event log: %w", err)
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev events.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // skip a corrupt line rather than fail the whole replay
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

// SessionMeta is the summary persisted per session for `polish sessions
// list`.
type SessionMeta struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"projectPath"`
	Status      string    `json:"status"`
	Mission     string    `json:"mission,omitempty"`
	BranchName  string    `json:"branchName,omitempty"`
	FinalScore  float64   `json:"finalScore"`
	Commits     int       `json:"commits"`
	StartedAt   time.Time `json:"startedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SaveMeta persists the session's top-level fields for listing, separate
// from the loop-progress state.json so a `sessions list` scan need not
// parse every scoring pass's history.
func (s *Store) SaveMeta(sess Session) error {
	dir := s.sessionDir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session store: creating dir: %w", err)
	}

	meta := SessionMeta{
		ID: sess.ID, ProjectPath: sess.ProjectPath, Status: string(sess.Status),
		Mission: sess.Mission, BranchName: sess.BranchName, FinalScore: sess.FinalScore,
		Commits: sess.Commits, StartedAt: sess.StartedAt, UpdatedAt: sess.UpdatedAt,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("session store: marshaling meta: %w", err)
	}

	dest := filepath.Join(dir, "meta.json")
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session store: writing temp meta: %w", err)
	}
	return os.Rename(tmp, dest)
}

// List returns all known sessions' metadata under projectPath, sorted by
// StartedAt descending.
func (s *Store) List() ([]SessionMeta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session store: listing sessions: %w", err)
	}

	var out []SessionMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var meta SessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.After(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// Get loads one session's metadata by ID.
func (s *Store) Get(id string) (SessionMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), "meta.json"))
	if err != nil {
		return SessionMeta{}, fmt.Errorf("session store: reading meta for %s: %w", id, err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMeta{}, fmt.Errorf("session store: parsing meta for %s: %w", id, err)
	}
	return meta, nil
}
