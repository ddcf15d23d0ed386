// Package model defines the core domain types for the recognition pipeline.
//
// Types use strong typing (UUIDs, time.Time, closed enums) and avoid
// interface{} wherever possible so state comparisons are exhaustive at
// compile time instead of falling through string switches.
package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a recognition session.
type SessionState string

const (
	SessionStatePending    SessionState = "PENDING"
	SessionStateProcessing SessionState = "PROCESSING"
	SessionStateCompleted  SessionState = "COMPLETED"
	SessionStateError      SessionState = "ERROR"
	SessionStateCancelled  SessionState = "CANCELLED"
)

// Terminal reports whether the state accepts no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionStateCompleted, SessionStateError, SessionStateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known session states.
func (s SessionState) Valid() bool {
	switch s {
	case SessionStatePending, SessionStateProcessing,
		SessionStateCompleted, SessionStateError, SessionStateCancelled:
		return true
	}
	return false
}

// Session is one tracked recognition job. The session store is the single
// source of truth; counters only grow and state only moves forward through
// PENDING → PROCESSING → terminal.
type Session struct {
	ID              uuid.UUID    `json:"session_id"`
	TargetID        string       `json:"target_id"`
	StartedBy       string       `json:"started_by"`
	State           SessionState `json:"state"`
	TotalItems      int          `json:"total_items"`
	ProcessedItems  int          `json:"processed_items"`
	SuccessfulItems int          `json:"successful_items"`
	FailedItems     int          `json:"failed_items"`
	CurrentStage    string       `json:"current_stage,omitempty"`
	ErrorMessage    *string      `json:"error_message,omitempty"`
	TimeStarted     time.Time    `json:"time_started"`
	TimeFinished    *time.Time   `json:"time_finished,omitempty"`
	LastUpdated     time.Time    `json:"last_updated"`
}

// PercentageComplete derives the progress percentage, defined as 0 while
// the engine has not yet reported a total.
func (s Session) PercentageComplete() int {
	if s.TotalItems <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(s.ProcessedItems) / float64(s.TotalItems)))
}

// ActivityTime returns the timestamp relevant for recency ordering:
// LastUpdated while processing, TimeFinished once terminal, TimeStarted
// otherwise. ok is false when the relevant timestamp is missing.
func (s Session) ActivityTime() (t time.Time, ok bool) {
	switch {
	case s.State == SessionStateProcessing:
		t = s.LastUpdated
	case s.State.Terminal():
		if s.TimeFinished != nil {
			t = *s.TimeFinished
		}
	default:
		t = s.TimeStarted
	}
	return t, !t.IsZero()
}

// ProgressDelta is a monotonic counter update from the recognition engine.
// Counter fields carry cumulative values; the store applies them as a
// monotonic max so a late or duplicated event can never move counters
// backwards. Zero-valued fields leave the stored value untouched.
type ProgressDelta struct {
	TotalItems      int
	ProcessedItems  int
	SuccessfulItems int
	FailedItems     int
	Stage           string
	Message         string
}
