// Package store defines the turn journal interfaces and record types.
// Implementations live in the sqlite and pg subpackages.
package store

import (
	"context"
	"time"
)

// TurnRecord is one executed turn for a session.
type TurnRecord struct {
	ID         string     `json:"id"` // turn UUID
	SessionKey string     `json:"sessionKey"`
	AgentID    string     `json:"agentId,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Result     string     `json:"result,omitempty"` // "completed", "interrupted", "failed"
	SteerCount int        `json:"steerCount"`
	StepCount  int        `json:"stepCount"`
}

// Turn results.
const (
	TurnCompleted   = "completed"
	TurnInterrupted = "interrupted"
	TurnFailed      = "failed"
)

// SubmissionRecord is one classified inbound message.
type SubmissionRecord struct {
	CorrelationID string    `json:"correlationId"`
	SessionKey    string    `json:"sessionKey"`
	TurnID        string    `json:"turnId,omitempty"` // turn this message started or steered, if any
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TurnStore journals turn boundaries and message outcomes. Writes are
// best-effort from the router's perspective: a journal failure must never
// block routing, so callers log and continue on error.
type TurnStore interface {
	RecordTurnStart(ctx context.Context, rec TurnRecord) error
	RecordTurnEnd(ctx context.Context, turnID, result string, steerCount, stepCount int, endedAt time.Time) error
	RecordSubmission(ctx context.Context, rec SubmissionRecord) error
	ListTurns(ctx context.Context, sessionKey string, limit int) ([]TurnRecord, error)
	ListSubmissions(ctx context.Context, sessionKey string, limit int) ([]SubmissionRecord, error)
	Close() error
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Turns TurnStore
}
