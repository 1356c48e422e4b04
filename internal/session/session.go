// Package session implements the Session Supervisor (C7): per-session
// lifecycle, state machine, event log, subscriber fan-out, and
// abort/approval, backed by durable JSON persistence.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stangirard/polish/internal/events"
)

// Status is one state in the Session state machine (spec §4.7).
type Status string

const (
	StatusPending           Status = "pending"
	StatusPlanning          Status = "planning"
	StatusAwaitingApproval  Status = "awaiting_approval"
	StatusRunning           Status = "running"
	StatusReviewing         Status = "reviewing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// terminal reports whether a status is one of the three end states.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// live reports whether a status can still receive an abort.
func (s Status) live() bool { return !s.terminal() }

// legalTransitions encodes the table in spec §4.7. The zero value of an
// edge's "event" name is looked up as a plain map key; callers name the
// transition they intend rather than the raw destination, so an invalid
// request surfaces as a clear error instead of silently mutating state.
var legalTransitions = map[Status]map[string]Status{
	StatusPending: {
		"create_with_planning": StatusPlanning,
		"create_without_planning": StatusRunning,
	},
	StatusPlanning: {
		"plan_produced": StatusAwaitingApproval,
		"user_message":  StatusPlanning,
	},
	StatusAwaitingApproval: {
		"approve":            StatusRunning,
		"reject_with_reason": StatusPlanning,
		"reject_no_reason":   StatusCancelled,
	},
	StatusRunning: {
		"review_needed":   StatusReviewing,
		"result_success":  StatusCompleted,
		"result_failure":  StatusFailed,
		"error":           StatusFailed,
	},
	StatusReviewing: {
		"review_redirect":          StatusRunning,
		"review_complete_approved": StatusRunning,
	},
}

// Session is one end-to-end run (spec §3).
type Session struct {
	ID            string
	ProjectPath   string
	Mission       string
	BranchName    string
	Status        Status
	InitialScore  float64
	FinalScore    float64
	Commits       int
	RetryCount    int
	CapabilityIDs []string
	StartedAt     time.Time
	UpdatedAt     time.Time
}

// persistedState is the on-disk shape of .polish/state.json (spec §6).
type persistedState struct {
	Iteration       int       `json:"iteration"`
	Scores          []float64 `json:"scores"`
	LastImprovement int       `json:"lastImprovement"`
	StalledCount    int       `json:"stalledCount"`
	WorktreePath    string    `json:"worktreePath"`
	StartedAt       time.Time `json:"startedAt"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

const backlogSize = 200

// Handle owns one Session's live state: its event log, ring buffer, and
// subscriber set. State mutations on a Handle are serialised by mu, per
// spec §4.7's "Within a session, state mutations are serialised."
type Handle struct {
	mu sync.Mutex

	session Session
	store   *Store

	nextEventID int64
	ring        []events.Event
	subscribers map[chan events.Event]struct{}

	// cancel stops the context driving this session's active Polish Loop
	// run, set by the Supervisor once it starts one and invoked by Abort.
	cancel context.CancelFunc
}

// NewHandle creates a Handle for a freshly created Session.
func NewHandle(projectPath string, store *Store) *Handle {
	now := time.Now().UTC()
	return &Handle{
		session: Session{
			ID:          uuid.NewString(),
			ProjectPath: projectPath,
			Status:      StatusPending,
			StartedAt:   now,
			UpdatedAt:   now,
		},
		store:       store,
		subscribers: make(map[chan events.Event]struct{}),
	}
}

// Session returns a snapshot of the session's current fields.
func (h *Handle) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Transition applies a named edge from legalTransitions, returning an error
// if the edge is not legal from the current state. "abort" is accepted
// from any live state regardless of the table (spec: "any live | abort |
// cancelled").
func (h *Handle) Transition(edge string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(edge)
}

// transitionLocked is Transition's body, callable while mu is already held
// (by Finalize, to make a terminal transition and its announcing event
// atomic).
func (h *Handle) transitionLocked(edge string) error {
	if edge == "abort" {
		if !h.session.Status.live() {
			return nil // idempotent: abort on a terminal session is a no-op
		}
		h.session.Status = StatusCancelled
		h.session.UpdatedAt = time.Now().UTC()
		return nil
	}

	edges, ok := legalTransitions[h.session.Status]
	if !ok {
		return fmt.Errorf("session: no transitions defined from state %q", h.session.Status)
	}
	next, ok := edges[edge]
	if !ok {
		return fmt.Errorf("session: edge %q is not legal from state %q", edge, h.session.Status)
	}

	if h.session.Status.terminal() {
		return fmt.Errorf("session: cannot transition out of terminal state %q", h.session.Status)
	}

	h.session.Status = next
	h.session.UpdatedAt = time.Now().UTC()
	return nil
}

// Emit appends ev to the durable log (assigning it the next monotonic ID),
// pushes it into the ring buffer, and fans it out to live subscribers,
// dropping any subscriber whose buffer is full rather than blocking the
// producer (spec §9: "a slow subscriber is dropped rather than allowed to
// stall producers"). Once the session has reached a terminal status, Emit
// is a no-op: spec §4.7's invariant is that no event other than an
// informational log is appended after completed/failed/cancelled. The one
// event that announces a terminal transition is recorded by Finalize, not
// Emit, since at the moment Emit would see it the status is already
// terminal.
func (h *Handle) Emit(typ events.Type, payload any) events.Event {
	h.mu.Lock()
	if h.session.Status.terminal() {
		h.mu.Unlock()
		return events.Event{}
	}
	ev := h.appendLocked(typ, payload)
	h.mu.Unlock()

	h.fanOut(ev)
	return ev
}

// Finalize atomically applies edge and, only if that transition actually
// moved the session out of a live state, appends and fans out the event
// announcing it. A repeat call on an already-terminal session (e.g. a
// second Abort) applies the now-idempotent edge but appends nothing,
// preserving the "no event after terminal" invariant for duplicate calls.
func (h *Handle) Finalize(edge string, typ events.Type, payload any) (events.Event, error) {
	h.mu.Lock()
	wasLive := h.session.Status.live()
	if err := h.transitionLocked(edge); err != nil {
		h.mu.Unlock()
		return events.Event{}, err
	}
	if !wasLive {
		h.mu.Unlock()
		return events.Event{}, nil
	}
	ev := h.appendLocked(typ, payload)
	h.mu.Unlock()

	h.fanOut(ev)
	return ev, nil
}

// appendLocked assigns ev the next monotonic ID and pushes it into the ring
// buffer. Caller must hold mu.
func (h *Handle) appendLocked(typ events.Type, payload any) events.Event {
	h.nextEventID++
	ev := events.New(h.nextEventID, typ, time.Now().UTC().Format(time.RFC3339Nano), payload)

	h.ring = append(h.ring, ev)
	if len(h.ring) > backlogSize {
		h.ring = h.ring[len(h.ring)-backlogSize:]
	}
	return ev
}

// fanOut persists ev and delivers it to live subscribers, dropping any
// subscriber whose buffer is full rather than blocking the producer.
func (h *Handle) fanOut(ev events.Event) {
	h.mu.Lock()
	subs := make([]chan events.Event, 0, len(h.subscribers))
	for ch := range h.subscribers {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	if h.store != nil {
		_ = h.store.AppendEvent(h.session.ID, ev)
	}

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			h.dropSubscriber(ch)
		}
	}
}

// SetCancel records the CancelFunc for the context driving this session's
// active Polish Loop run, so a later Abort can stop it.
func (h *Handle) SetCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
}

// cancelRun invokes the stored CancelFunc, if any, cancelling the active
// Agent Driver stream and Polish Loop run (spec: abort "cancels the active
// Agent Driver stream").
func (h *Handle) cancelRun() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) dropSubscriber(ch chan events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// Subscribe registers a new subscriber and returns a channel that first
// replays the bounded backlog, then streams live events. If the session is
// already terminal, the channel is closed immediately after the backlog
// (spec §4.7: "if the session is already terminal the subscription closes
// immediately after the snapshot").
func (h *Handle) Subscribe() <-chan events.Event {
	h.mu.Lock()
	backlog := make([]events.Event, len(h.ring))
	copy(backlog, h.ring)
	terminal := h.session.Status.terminal()

	ch := make(chan events.Event, backlogSize+32)
	if !terminal {
		h.subscribers[ch] = struct{}{}
	}
	h.mu.Unlock()

	for _, ev := range backlog {
		ch <- ev
	}
	if terminal {
		close(ch)
	}
	return ch
}

// CloseSubscribers closes every live subscriber channel, used when a
// session reaches a terminal state.
func (h *Handle) CloseSubscribers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan events.Event]struct{})
}

// SetFields mutates session fields under the handle's lock; used by the
// Supervisor's orchestration to record branch names, scores, and commit
// counts as the Polish Loop progresses.
func (h *Handle) SetFields(fn func(*Session)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.session)
	h.session.UpdatedAt = time.Now().UTC()
}

// MarshalPersisted renders the session-state file shape from loop progress,
// for the `.polish/state.json` wire format named in spec §6.
func MarshalPersisted(iteration int, scores []float64, lastImprovement, stalledCount int, worktreePath string, startedAt time.Time) ([]byte, error) {
	ps := persistedState{
		Iteration:       iteration,
		Scores:          scores,
		LastImprovement: lastImprovement,
		StalledCount:    stalledCount,
		WorktreePath:    worktreePath,
		StartedAt:       startedAt,
		LastUpdated:     time.Now().UTC(),
	}
	return json.MarshalIndent(ps, "", "  ")
}
