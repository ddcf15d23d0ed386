package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/infernokun/InfernoComics-sub002/internal/engine"
	"github.com/infernokun/InfernoComics-sub002/internal/model"
	"github.com/infernokun/InfernoComics-sub002/internal/progress"
	"github.com/infernokun/InfernoComics-sub002/internal/service/recognition"
	"github.com/infernokun/InfernoComics-sub002/internal/storage"
)

type handlers struct {
	store      storage.SessionStore
	hub        *progress.Hub
	aggregator *progress.Aggregator
	svc        *recognition.Service
	logger     *slog.Logger

	version           string
	storeKind         string
	maxBodyBytes      int64
	maxUploadBytes    int64
	heartbeatInterval time.Duration
	statusListLimit   int
	startedAt         time.Time
}

func newHandlers(cfg Config) *handlers {
	h := &handlers{
		store:             cfg.Store,
		hub:               cfg.Hub,
		aggregator:        cfg.Aggregator,
		svc:               cfg.Service,
		logger:            cfg.Logger,
		version:           cfg.Version,
		storeKind:         cfg.StoreKind,
		maxBodyBytes:      cfg.MaxRequestBodyBytes,
		maxUploadBytes:    cfg.MaxUploadBytes,
		heartbeatInterval: cfg.HeartbeatInterval,
		statusListLimit:   cfg.StatusListLimit,
		startedAt:         time.Now(),
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 1 << 20
	}
	if h.maxUploadBytes <= 0 {
		h.maxUploadBytes = 32 << 20
	}
	if h.heartbeatInterval <= 0 {
		h.heartbeatInterval = 15 * time.Second
	}
	if h.statusListLimit <= 0 {
		h.statusListLimit = 50
	}
	return h
}

// sessionIDFromPath parses the {session_id} path value.
func sessionIDFromPath(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("session_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q", raw)
	}
	return id, nil
}

// writeServiceError maps domain errors onto API status codes.
func (h *handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
	case errors.Is(err, storage.ErrTerminal):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "session is already finished")
	case errors.Is(err, recognition.ErrResultsUnavailable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"session has no recognition results to commit")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// handleStart handles POST /v1/recognition/start (multipart).
func (h *handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"expected multipart form data: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	targetID := r.FormValue("target_id")
	if targetID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "target_id is required")
		return
	}
	startedBy := r.FormValue("started_by")

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "at least one image is required")
		return
	}

	images := make([]engine.Image, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"unreadable upload "+fh.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"unreadable upload "+fh.Filename)
			return
		}
		images = append(images, engine.Image{Name: fh.Filename, Data: data})
	}

	session, err := h.svc.Start(r.Context(), targetID, startedBy, images)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// 202: the session exists, recognition continues in the background.
	writeJSON(w, r, http.StatusAccepted, model.StartSessionResponse{SessionID: session.ID})
}

// handleGetSession handles GET /v1/recognition/sessions/{session_id}.
func (h *handlers) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, err := h.svc.Session(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// handleListSessions handles GET /v1/recognition/sessions with either
// ?target_id= or ?limit=.
func (h *handlers) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []model.Session
		err      error
	)
	if targetID := r.URL.Query().Get("target_id"); targetID != "" {
		sessions, err = h.svc.ListByTarget(r.Context(), targetID)
	} else {
		limit := h.statusListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
				return
			}
		}
		sessions, err = h.svc.ListRecent(r.Context(), limit)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// handleDismissSession handles DELETE /v1/recognition/sessions/{session_id}.
// A non-terminal session is cancelled before removal.
func (h *handlers) handleDismissSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.svc.Dismiss(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionEvents handles GET /v1/recognition/sessions/{session_id}/events (SSE).
func (h *handlers) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	events, cancel, err := h.hub.Subscribe(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(h.heartbeatInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				// Terminal event delivered (or topic torn down); stream ends.
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleSessionResults handles GET /v1/recognition/sessions/{session_id}/results.
func (h *handlers) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Surface not-found before results-unavailable so a bad id reads as 404.
	if _, err := h.svc.Session(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	rs, err := h.svc.Results(id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rs.Results())
}

// handleCommit handles POST /v1/recognition/sessions/{session_id}/commit.
func (h *handlers) handleCommit(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.CommitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.Decisions) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decisions must not be empty")
		return
	}

	resp, err := h.svc.Commit(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// Always 200 for a well-formed request: partial failure is expressed in
	// the per-item outcomes, never as an HTTP error.
	writeJSON(w, r, http.StatusOK, resp)
}

// handleStatus handles GET /v1/recognition/status.
func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.aggregator.Status(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleHealth handles GET /health.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	topics, subscribers := h.hub.Stats()
	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:         status,
		Version:        h.version,
		Store:          h.storeKind + ":" + storeStatus,
		ActiveSessions: topics,
		Subscribers:    subscribers,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	})
}
