package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// StartSessionResponse is the response for POST /v1/recognition/start.
// The session id is returned synchronously; processing is asynchronous.
type StartSessionResponse struct {
	SessionID uuid.UUID `json:"session_id"`
}

// SessionListResponse wraps a list of sessions.
type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
}

// StatusItem is one row of the live status view. PossiblyStalled marks a
// PROCESSING session with no event inside the stall window; the core never
// auto-fails it.
type StatusItem struct {
	Session
	PossiblyStalled bool `json:"possibly_stalled,omitempty"`
}

// StatusResponse is the cross-session "what's active right now" view.
type StatusResponse struct {
	Items           []StatusItem `json:"items"`
	TotalActive     int          `json:"total_active"`
	TotalProcessing int          `json:"total_processing"`
	TotalQueued     int          `json:"total_queued"`
}

// CommitAction is the decision a commit request applies to one image.
type CommitAction string

const (
	CommitActionAccept       CommitAction = "accept"
	CommitActionReject       CommitAction = "reject"
	CommitActionManualSelect CommitAction = "manual_select"
	CommitActionSkip         CommitAction = "skip"
)

// CommitRequest is the body of POST /v1/recognition/sessions/{id}/commit.
type CommitRequest struct {
	Decisions []CommitDecision `json:"decisions"`
}

// CommitDecision is one per-image decision in a commit request.
// SelectedMatchExternalID is required for manual_select and ignored otherwise.
type CommitDecision struct {
	SourceImageIndex        int          `json:"source_image_index"`
	Action                  CommitAction `json:"action"`
	SelectedMatchExternalID *string      `json:"selected_match_external_id,omitempty"`
}

// CommitItemOutcome reports the catalog resolution result for one image.
// A failure here never aborts the other items.
type CommitItemOutcome struct {
	SourceImageIndex int    `json:"source_image_index"`
	Committed        bool   `json:"committed"`
	IssueExternalID  string `json:"issue_external_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// CommitResponse is the aggregate commit result: per-item outcomes plus
// counts, never a single boolean for the whole batch.
type CommitResponse struct {
	Items      []CommitItemOutcome `json:"items"`
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Store          string `json:"store"`
	ActiveSessions int    `json:"active_sessions"`
	Subscribers    int    `json:"subscribers"`
	Uptime         int64  `json:"uptime_seconds"`
}
