// Package recognition orchestrates the pipeline end to end: it starts
// sessions, consumes the engine's event stream in the background, classifies
// the final candidates, and drives the reconciliation commit against the
// catalog.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/infernokun/InfernoComics-sub002/internal/catalog"
	"github.com/infernokun/InfernoComics-sub002/internal/classify"
	"github.com/infernokun/InfernoComics-sub002/internal/engine"
	"github.com/infernokun/InfernoComics-sub002/internal/model"
	"github.com/infernokun/InfernoComics-sub002/internal/progress"
	"github.com/infernokun/InfernoComics-sub002/internal/reconcile"
	"github.com/infernokun/InfernoComics-sub002/internal/storage"
)

var tracer = otel.GetTracerProvider().Tracer("recognition/service")

// ErrResultsUnavailable is returned when commit targets a session whose
// recognition results are not (or no longer) held in memory.
var ErrResultsUnavailable = errors.New("recognition: session results unavailable")

// Options tunes the service.
type Options struct {
	Thresholds        classify.Thresholds
	CommitParallelism int
}

// Service is the recognition pipeline orchestrator.
type Service struct {
	store   storage.SessionStore
	hub     *progress.Hub
	engine  engine.Recognizer
	catalog catalog.Resolver
	logger  *slog.Logger
	opts    Options

	// Background engine consumers; waited on during shutdown.
	wg sync.WaitGroup

	// Classified results per completed session, held for reconciliation.
	// Evicted on dismiss and by the retention sweep.
	mu      sync.Mutex
	results map[uuid.UUID]*reconcile.Session
}

// New creates the service.
func New(store storage.SessionStore, hub *progress.Hub, eng engine.Recognizer,
	cat catalog.Resolver, logger *slog.Logger, opts Options) *Service {
	if opts.CommitParallelism <= 0 {
		opts.CommitParallelism = 4
	}
	return &Service{
		store:   store,
		hub:     hub,
		engine:  eng,
		catalog: cat,
		logger:  logger,
		opts:    opts,
		results: make(map[uuid.UUID]*reconcile.Session),
	}
}

// Start creates a PENDING session and kicks off recognition in the
// background. It returns as soon as the session record exists; progress is
// observable through the session's event stream.
func (s *Service) Start(ctx context.Context, targetID, startedBy string, images []engine.Image) (model.Session, error) {
	if targetID == "" {
		return model.Session{}, fmt.Errorf("recognition: target id is required")
	}
	if len(images) == 0 {
		return model.Session{}, fmt.Errorf("recognition: at least one image is required")
	}

	session, err := s.store.Create(ctx, targetID, startedBy, 0)
	if err != nil {
		return model.Session{}, fmt.Errorf("recognition: creating session: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Detached from the request context: the HTTP response returning
		// must not cancel the job.
		s.run(context.Background(), session, targetID, images)
	}()

	return session, nil
}

// run consumes the engine stream for one session and republishes every event
// through the hub, which persists it and fans it out.
func (s *Service) run(ctx context.Context, session model.Session, targetID string, images []engine.Image) {
	ctx, span := tracer.Start(ctx, "recognition.run")
	defer span.End()

	stream, err := s.engine.Recognize(ctx, engine.Request{
		SessionID: session.ID,
		TargetID:  targetID,
		Images:    images,
	})
	if err != nil {
		s.logger.Error("recognition: engine request failed",
			"session_id", session.ID, "error", err)
		msg := err.Error()
		s.hub.Publish(ctx, model.ProgressEvent{
			Type:      model.EventError,
			SessionID: session.ID,
			Error:     &msg,
		})
		return
	}
	defer stream.Close()

	sawTerminal := false
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Error("recognition: engine stream broke",
				"session_id", session.ID, "error", err)
			msg := "engine stream interrupted"
			s.hub.Publish(ctx, model.ProgressEvent{
				Type:      model.EventError,
				SessionID: session.ID,
				Error:     &msg,
			})
			return
		}

		if ev.Type == model.EventComplete && ev.Result != nil {
			s.storeResults(session.ID, *ev.Result)
		}
		s.hub.Publish(ctx, ev)
		if ev.Type == model.EventComplete || ev.Type == model.EventError {
			sawTerminal = true
		}
	}

	// An engine that closes the stream without a terminal line left the
	// session dangling; surface that as an error rather than letting it
	// sit PROCESSING forever.
	if !sawTerminal {
		msg := "engine closed stream without a terminal event"
		s.hub.Publish(ctx, model.ProgressEvent{
			Type:      model.EventError,
			SessionID: session.ID,
			Error:     &msg,
		})
	}
}

func (s *Service) storeResults(id uuid.UUID, result model.RecognitionResult) {
	classified := classify.Results(result, s.opts.Thresholds)
	s.mu.Lock()
	s.results[id] = reconcile.NewSession(classified, s.opts.Thresholds)
	s.mu.Unlock()
}

// Session returns one session record.
func (s *Service) Session(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return s.store.Get(ctx, id)
}

// ListByTarget returns the sessions for one target, most recent first.
func (s *Service) ListByTarget(ctx context.Context, targetID string) ([]model.Session, error) {
	return s.store.ListByTarget(ctx, targetID)
}

// ListRecent returns the most recently started sessions.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]model.Session, error) {
	return s.store.ListRecent(ctx, limit)
}

// Results returns the reconciliation session holding the classified results
// for a completed recognition run, or ErrResultsUnavailable.
func (s *Service) Results(id uuid.UUID) (*reconcile.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.results[id]
	if !ok {
		return nil, ErrResultsUnavailable
	}
	return rs, nil
}

// Dismiss removes a session from tracking. A non-terminal session is
// cancelled first (cooperatively: in-flight engine work keeps running, its
// late events are rejected by the store), then the event stream is closed and
// the record deleted.
func (s *Service) Dismiss(ctx context.Context, id uuid.UUID) error {
	session, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if !session.State.Terminal() {
		if _, err := s.store.Cancel(ctx, id); err != nil && !errors.Is(err, storage.ErrTerminal) {
			return fmt.Errorf("recognition: cancelling session: %w", err)
		}
	}
	s.hub.CloseTopic(id)

	s.mu.Lock()
	delete(s.results, id)
	s.mu.Unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("recognition: deleting session: %w", err)
	}
	s.logger.Info("recognition: session dismissed",
		"session_id", id, "was_state", session.State)
	return nil
}

// Commit applies the request's per-image decisions and pushes the accepted
// ones into the catalog. Items are independent: one failure never rolls back
// or blocks the others, and the response reports each outcome plus aggregate
// counts. Rejected and skipped items are applied to the reconciliation state
// but never touch the catalog.
func (s *Service) Commit(ctx context.Context, id uuid.UUID, req model.CommitRequest) (model.CommitResponse, error) {
	ctx, span := tracer.Start(ctx, "recognition.commit")
	defer span.End()

	session, err := s.store.Get(ctx, id)
	if err != nil {
		return model.CommitResponse{}, err
	}
	rs, err := s.Results(id)
	if err != nil {
		return model.CommitResponse{}, err
	}

	outcomes := make([]model.CommitItemOutcome, len(req.Decisions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.CommitParallelism)
	for i, decision := range req.Decisions {
		g.Go(func() error {
			outcomes[i] = s.commitOne(gctx, session.TargetID, rs, decision)
			return nil
		})
	}
	_ = g.Wait() // workers report through outcomes, never abort the group

	resp := model.CommitResponse{Items: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Committed:
			resp.Successful++
		case o.Error != "":
			resp.Failed++
		}
	}
	s.logger.Info("recognition: commit finished", "session_id", id,
		"successful", resp.Successful, "failed", resp.Failed)
	return resp, nil
}

// commitOne handles a single decision. The reconcile.Session methods are
// mutex-free by contract, so each is applied under the service lock; only the
// catalog calls run concurrently.
func (s *Service) commitOne(ctx context.Context, targetID string, rs *reconcile.Session, d model.CommitDecision) model.CommitItemOutcome {
	out := model.CommitItemOutcome{SourceImageIndex: d.SourceImageIndex}

	apply := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch d.Action {
		case model.CommitActionAccept:
			return rs.Accept(d.SourceImageIndex)
		case model.CommitActionReject:
			return rs.Reject(d.SourceImageIndex)
		case model.CommitActionSkip:
			return rs.Skip(d.SourceImageIndex)
		case model.CommitActionManualSelect:
			if d.SelectedMatchExternalID == nil {
				return fmt.Errorf("manual_select requires selected_match_external_id")
			}
			return rs.ManualSelect(d.SourceImageIndex, *d.SelectedMatchExternalID)
		default:
			return fmt.Errorf("unknown action %q", d.Action)
		}
	}
	if err := apply(); err != nil {
		out.Error = err.Error()
		return out
	}

	if d.Action == model.CommitActionReject || d.Action == model.CommitActionSkip {
		// Applied, nothing to push to the catalog.
		return out
	}

	s.mu.Lock()
	result, err := rs.Result(d.SourceImageIndex)
	s.mu.Unlock()
	if err != nil || result.SelectedMatch == nil {
		out.Error = "no selected match after decision"
		return out
	}
	match := *result.SelectedMatch

	if _, err := s.catalog.Resolve(ctx, match.ExternalID); err != nil && !errors.Is(err, catalog.ErrIssueNotFound) {
		out.Error = fmt.Sprintf("resolving issue: %v", err)
		return out
	}
	if _, err := s.catalog.CreateIssue(ctx, catalog.CreateIssueRequest{
		TargetID:    targetID,
		ExternalID:  match.ExternalID,
		Name:        match.Name,
		IssueNumber: match.IssueNumber,
		CoverURL:    match.CoverURL,
	}); err != nil {
		out.Error = fmt.Sprintf("creating issue: %v", err)
		return out
	}

	out.Committed = true
	out.IssueExternalID = match.ExternalID
	return out
}

// SweepRetention garbage-collects terminal sessions finished before the
// retention window, along with their in-memory results.
func (s *Service) SweepRetention(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recognition: retention sweep: %w", err)
	}

	// Drop orphaned results for sessions the sweep removed. The store reads
	// run outside the lock so a slow backend never blocks Commit or Results
	// for the duration of the sweep.
	s.mu.Lock()
	held := make([]uuid.UUID, 0, len(s.results))
	for id := range s.results {
		held = append(held, id)
	}
	s.mu.Unlock()

	var orphaned []uuid.UUID
	for _, id := range held {
		if _, err := s.store.Get(ctx, id); errors.Is(err, storage.ErrNotFound) {
			orphaned = append(orphaned, id)
		}
	}

	s.mu.Lock()
	for _, id := range orphaned {
		delete(s.results, id)
	}
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("recognition: retention sweep removed sessions", "count", n)
	}
	return n, nil
}

// Wait blocks until all background engine consumers have drained. Called
// during shutdown after the HTTP listener stops.
func (s *Service) Wait() {
	s.wg.Wait()
}
