// Package storage provides the durable session store for the recognition
// pipeline. Postgres (via pgxpool) is the primary backend; a SQLite backend
// serves local development. Both enforce the same lifecycle rules: counters
// never decrease, state only moves forward, and terminal sessions accept no
// further mutation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("storage: session not found")

// ErrTerminal is returned when a mutation targets a session already in a
// terminal state. Callers report this as a conflict, never swallow it.
var ErrTerminal = errors.New("storage: session is terminal")

// SessionStore is the contract every session backend implements.
type SessionStore interface {
	// Create inserts a new PENDING session and returns it.
	Create(ctx context.Context, targetID, startedBy string, totalItems int) (model.Session, error)

	// Get returns a session by id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (model.Session, error)

	// AppendProgress applies a monotonic counter/stage update and bumps
	// LastUpdated. A PENDING session moves to PROCESSING on its first
	// progress. Fails with ErrNotFound for unknown ids and ErrTerminal for
	// finished sessions — a late engine event must never resurrect one.
	AppendProgress(ctx context.Context, id uuid.UUID, delta model.ProgressDelta) (model.Session, error)

	// Complete transitions to COMPLETED exactly once. A second terminal
	// transition returns ErrTerminal.
	Complete(ctx context.Context, id uuid.UUID) (model.Session, error)

	// Fail transitions to ERROR exactly once, recording the message.
	Fail(ctx context.Context, id uuid.UUID, errorMessage string) (model.Session, error)

	// Cancel transitions to CANCELLED exactly once (cooperative: in-flight
	// engine work is not interrupted, its late events are rejected).
	Cancel(ctx context.Context, id uuid.UUID) (model.Session, error)

	// ListByTarget returns sessions for one target, most recent first.
	ListByTarget(ctx context.Context, targetID string) ([]model.Session, error)

	// ListRecent returns the most recently started sessions.
	ListRecent(ctx context.Context, limit int) ([]model.Session, error)

	// Delete removes a session record. Deleting a non-terminal session is
	// the caller's cancellation path, not this method's concern.
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteTerminalBefore garbage-collects terminal sessions finished
	// before the cutoff. Returns the number removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// applyDelta merges a progress delta into a session under monotonic rules.
// Shared by both backends so the invariant lives in one place.
func applyDelta(s *model.Session, delta model.ProgressDelta, now time.Time) {
	if delta.TotalItems > s.TotalItems {
		s.TotalItems = delta.TotalItems
	}
	if delta.ProcessedItems > s.ProcessedItems {
		s.ProcessedItems = delta.ProcessedItems
	}
	if delta.SuccessfulItems > s.SuccessfulItems {
		s.SuccessfulItems = delta.SuccessfulItems
	}
	if delta.FailedItems > s.FailedItems {
		s.FailedItems = delta.FailedItems
	}
	if s.TotalItems > 0 && s.ProcessedItems > s.TotalItems {
		s.ProcessedItems = s.TotalItems
	}
	// successful + failed never exceeds processed (the Postgres schema CHECKs
	// the same rule; clamping here keeps both backends identical). Successful
	// wins the tie; a later honest delta recovers the clamped counter through
	// the monotonic max above.
	if s.SuccessfulItems > s.ProcessedItems {
		s.SuccessfulItems = s.ProcessedItems
	}
	if s.FailedItems > s.ProcessedItems-s.SuccessfulItems {
		s.FailedItems = s.ProcessedItems - s.SuccessfulItems
	}
	if delta.Stage != "" {
		s.CurrentStage = delta.Stage
	}
	if s.State == model.SessionStatePending {
		s.State = model.SessionStateProcessing
	}
	s.LastUpdated = now
}
