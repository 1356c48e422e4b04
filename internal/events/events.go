// Package events defines the polish engine's tagged-union event type and
// its wire encoding.
package events

import (
	"encoding/json"
	"fmt"
)

// Type names the event's arm. These are the exact names subscribers key on.
type Type string

const (
	TypeStatus          Type = "status"
	TypePhase           Type = "phase"
	TypeInit            Type = "init"
	TypeIteration       Type = "iteration"
	TypeImproving       Type = "improving"
	TypeScore           Type = "score"
	TypeCommit          Type = "commit"
	TypeRollback        Type = "rollback"
	TypeWorktreeCreated Type = "worktree_created"
	TypeWorktreeCleanup Type = "worktree_cleanup"
	TypeResult          Type = "result"
	TypeError           Type = "error"
	TypeAborted         Type = "aborted"
	TypePlan            Type = "plan"
	TypePlanMessage     Type = "plan_message"
	TypePlanApproved    Type = "plan_approved"
	TypePlanRejected    Type = "plan_rejected"
	TypeReviewStart     Type = "review_start"
	TypeReviewComplete  Type = "review_complete"
	TypeReviewRedirect  Type = "review_redirect"

	// Agent stream events (C4), relayed verbatim into the session log.
	TypeText         Type = "text"
	TypeThinking     Type = "thinking"
	TypeToolStart    Type = "tool_start"
	TypeToolDone     Type = "tool_done"
	TypeSubAgent     Type = "sub_agent"
	TypeAgentDone    Type = "done"
	TypeAgentError   Type = "error_stream"
	TypeCancelled    Type = "cancelled"
)

// Event is one append-only record on a Session.
type Event struct {
	ID        int64           `json:"id"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"` // RFC3339
}

// New builds an Event by marshaling payload into Data. Panics only on a
// payload type that cannot marshal, which is a programmer error.
func New(id int64, typ Type, timestamp string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("events: marshaling %s payload: %v", typ, err))
	}
	return Event{ID: id, Type: typ, Data: data, Timestamp: timestamp}
}

// EncodeSSE renders the event in `event: <type>\ndata: <json>\n\n` framing,
// per the wire format named for the (out of scope) transport layer. This
// method has no net/http dependency so a collaborator can reuse it without
// this module importing a server package.
func (e Event) EncodeSSE() string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, e.Data)
}

// Payload types, one per event arm that carries a typed record (§9: "a
// monolithic any-JSON payload is acceptable at the transport edge but must
// be re-typed before core consumption").

type StatusData struct {
	Status string `json:"status"`
}

type PhaseData struct {
	Phase string `json:"phase"`
}

type InitData struct {
	InitialScore float64 `json:"initialScore"`
}

type IterationData struct {
	Iteration int `json:"iteration"`
}

type ImprovingData struct {
	Metric string `json:"metric"`
}

type ScoreData struct {
	Total   float64          `json:"total"`
	Metrics []MetricResultDTO `json:"metrics"`
}

type MetricResultDTO struct {
	Name   string  `json:"name"`
	Score  int     `json:"score"`
	Target float64 `json:"target"`
	Weight float64 `json:"weight"`
}

type CommitData struct {
	Hash    string  `json:"hash"`
	Metric  string  `json:"metric"`
	Before  float64 `json:"before"`
	After   float64 `json:"after"`
	Message string  `json:"message"`
}

type RollbackData struct {
	Metric string `json:"metric"`
	Reason string `json:"reason"`
}

type WorktreeCreatedData struct {
	WorktreePath string `json:"worktreePath"`
	BaseBranch   string `json:"baseBranch"`
	BaseCommit   string `json:"baseCommit"`
}

type WorktreeCleanupData struct {
	WorktreePath string `json:"worktreePath"`
	Kept         bool   `json:"kept"`
	BranchName   string `json:"branchName,omitempty"`
}

type ResultData struct {
	Success bool    `json:"success"`
	Reason  string  `json:"reason"`
	Final   float64 `json:"final"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type AbortedData struct {
	Reason string `json:"reason,omitempty"`
}

type PlanStepDTO struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Files       []string `json:"files"`
	Complexity  string   `json:"complexity"`
}

type PlanApproachDTO struct {
	ID    string        `json:"id"`
	Steps []PlanStepDTO `json:"steps"`
}

type PlanData struct {
	Approaches []PlanApproachDTO `json:"approaches"`
	Summary    string            `json:"summary"`
}

type PlanMessageData struct {
	Message string `json:"message"`
}

type PlanApprovedData struct {
	ApproachID string `json:"approachId"`
}

type PlanRejectedData struct {
	Reason string `json:"reason,omitempty"`
}

type ReviewStartData struct {
	Reason string `json:"reason,omitempty"`
}

type ReviewCompleteData struct {
	Approved bool `json:"approved"`
}

type ReviewRedirectData struct {
	Feedback string `json:"feedback"`
}

// Agent-stream payloads, relayed from the Agent Driver (C4).

type TextData struct {
	Text string `json:"text"`
}

type ThinkingData struct {
	Text string `json:"text"`
}

type ToolStartData struct {
	ToolID  string `json:"toolId"`
	Name    string `json:"name"`
	Display string `json:"display"`
}

type ToolDoneData struct {
	ToolID     string `json:"toolId"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

type SubAgentData struct {
	Name string          `json:"name"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

type DoneData struct{}

type AgentErrorData struct {
	Message string `json:"message"`
}
