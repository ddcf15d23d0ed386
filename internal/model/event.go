package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies a progress event on a session's stream.
type EventType string

const (
	// EventSnapshot is synthesized for late joiners: the first event a new
	// subscriber receives is the current session state, never a replay.
	EventSnapshot EventType = "snapshot"

	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventHeartbeat EventType = "heartbeat"
)

// ProgressEvent is one message about a session. Events for a given session
// are delivered to each subscriber in emission order; there is no ordering
// across sessions. Heartbeats carry no state change.
type ProgressEvent struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Delta carries the counter update applied to the session store.
	// Nil for heartbeats and snapshots.
	Delta *ProgressDelta `json:"-"`

	// Result is set on complete events, Error on error events.
	Result *RecognitionResult `json:"result,omitempty"`
	Error  *string            `json:"error,omitempty"`

	// Session is the materialized state attached to snapshot events.
	Session *Session `json:"session,omitempty"`

	// Gap flags that at least one earlier event was dropped for this
	// subscriber because its buffer overflowed.
	Gap bool `json:"gap,omitempty"`
}

// RecognitionResult is the engine's final output: per source image, the
// ranked candidate list.
type RecognitionResult struct {
	Images []ImageMatches `json:"images"`
}

// ImageMatches holds the ranked candidates for one source image, descending
// by similarity (ties keep engine return order).
type ImageMatches struct {
	SourceImageIndex int              `json:"source_image_index"`
	SourceImageName  string           `json:"source_image_name"`
	Matches          []CandidateMatch `json:"matches"`
}
