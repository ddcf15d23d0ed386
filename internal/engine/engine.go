// Package engine is the client for the recognition engine, the external
// service that does the actual image-feature matching. The engine accepts a
// multipart upload and answers with a newline-delimited JSON stream of
// progress lines, ending in a terminal complete or error line.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

var tracer = otel.GetTracerProvider().Tracer("recognition/engine")

// Image is one uploaded source image forwarded to the engine.
type Image struct {
	Name string
	Data []byte
}

// Request describes one recognition job handed to the engine.
type Request struct {
	SessionID uuid.UUID
	TargetID  string
	Images    []Image
}

// Recognizer starts recognition jobs against the engine.
type Recognizer interface {
	// Recognize submits the job and returns the live event stream. The
	// caller owns the stream and must Close it.
	Recognize(ctx context.Context, req Request) (*Stream, error)
}

// Client is the HTTP Recognizer implementation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an engine client. The timeout bounds the initial request
// handshake only; the streaming response body has no deadline because a
// recognition job legitimately runs for minutes.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
		logger: logger,
	}
}

// wireLine is one NDJSON line from the engine. Counter fields are cumulative.
type wireLine struct {
	Type       string  `json:"type"`
	Stage      string  `json:"stage,omitempty"`
	Total      int     `json:"total,omitempty"`
	Processed  int     `json:"processed,omitempty"`
	Successful int     `json:"successful,omitempty"`
	Failed     int     `json:"failed,omitempty"`
	Message    string  `json:"message,omitempty"`
	Error      *string `json:"error,omitempty"`

	Result *model.RecognitionResult `json:"result,omitempty"`
}

// Recognize uploads the job as multipart form data and opens the NDJSON
// progress stream.
func (c *Client) Recognize(ctx context.Context, req Request) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "engine.recognize", trace.WithAttributes(
		attribute.String("session_id", req.SessionID.String()),
		attribute.Int("image_count", len(req.Images)),
	))
	defer span.End()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("session_id", req.SessionID.String()); err != nil {
		return nil, fmt.Errorf("engine: writing field: %w", err)
	}
	if err := mw.WriteField("target_id", req.TargetID); err != nil {
		return nil, fmt.Errorf("engine: writing field: %w", err)
	}
	for _, img := range req.Images {
		part, err := mw.CreateFormFile("images", img.Name)
		if err != nil {
			return nil, fmt.Errorf("engine: creating form file: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, fmt.Errorf("engine: writing image %q: %w", img.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("engine: closing multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recognize", &body)
	if err != nil {
		return nil, fmt.Errorf("engine: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine: executing request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("engine: returned status %d", resp.StatusCode)
	}

	return newStream(resp.Body, req.SessionID, c.logger), nil
}

// Stream reads the engine's NDJSON progress lines one event at a time.
type Stream struct {
	sessionID uuid.UUID
	body      io.ReadCloser
	scanner   *bufio.Scanner
	logger    *slog.Logger
}

func newStream(body io.ReadCloser, sessionID uuid.UUID, logger *slog.Logger) *Stream {
	scanner := bufio.NewScanner(body)
	// A complete line with per-image candidates can be large.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Stream{sessionID: sessionID, body: body, scanner: scanner, logger: logger}
}

// Next returns the next event. Malformed lines are logged and skipped; they
// must never poison the session. Returns io.EOF when the engine closes the
// stream.
func (s *Stream) Next() (model.ProgressEvent, error) {
	for s.scanner.Scan() {
		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line wireLine
		if err := json.Unmarshal(raw, &line); err != nil {
			s.logger.Warn("engine: skipping malformed stream line",
				"session_id", s.sessionID, "error", err)
			continue
		}
		ev, ok := s.toEvent(line)
		if !ok {
			continue
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return model.ProgressEvent{}, fmt.Errorf("engine: reading stream: %w", err)
	}
	return model.ProgressEvent{}, io.EOF
}

func (s *Stream) toEvent(line wireLine) (model.ProgressEvent, bool) {
	ev := model.ProgressEvent{
		SessionID: s.sessionID,
		Stage:     line.Stage,
		Message:   line.Message,
		Timestamp: time.Now().UTC(),
	}
	switch line.Type {
	case "progress":
		ev.Type = model.EventProgress
		ev.Delta = &model.ProgressDelta{
			TotalItems:      line.Total,
			ProcessedItems:  line.Processed,
			SuccessfulItems: line.Successful,
			FailedItems:     line.Failed,
			Stage:           line.Stage,
			Message:         line.Message,
		}
	case "complete":
		ev.Type = model.EventComplete
		ev.Result = line.Result
		ev.Delta = &model.ProgressDelta{
			TotalItems:      line.Total,
			ProcessedItems:  line.Processed,
			SuccessfulItems: line.Successful,
			FailedItems:     line.Failed,
			Stage:           line.Stage,
		}
	case "error":
		ev.Type = model.EventError
		ev.Error = line.Error
		if ev.Error == nil && line.Message != "" {
			ev.Error = &line.Message
		}
	default:
		s.logger.Warn("engine: skipping line with unknown type",
			"session_id", s.sessionID, "type", line.Type)
		return model.ProgressEvent{}, false
	}
	return ev, true
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
