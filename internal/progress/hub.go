// Package progress implements per-session progress event fan-out and the
// cross-session live status view.
//
// The hub decouples the recognition engine's push cadence from client
// connect/disconnect timing: every publish first materializes the session
// mutation in the store, then delivers to however many subscribers happen to
// be connected (including zero). Subscribers get a bounded buffer with a
// drop-oldest policy so one slow consumer never stalls progress recording.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
	"github.com/infernokun/InfernoComics-sub002/internal/storage"
)

var hubMeter = otel.GetMeterProvider().Meter("recognition/progress")

// HubConfig holds hub tuning knobs.
type HubConfig struct {
	// SubscriberBufferSize bounds each subscriber's event buffer. On
	// overflow the oldest buffered event is dropped and the next delivered
	// event carries a gap flag.
	SubscriberBufferSize int

	// IdleTimeout tears down a session topic with no publish or subscribe
	// activity, whichever path reaches it first (terminal teardown or idle).
	IdleTimeout time.Duration
}

// Hub owns one topic per live session and a catch-all feed for the status
// aggregator.
type Hub struct {
	store  storage.SessionStore
	logger *slog.Logger
	cfg    HubConfig

	mu       sync.Mutex
	topics   map[uuid.UUID]*topic
	catchAll map[*subscriber]struct{}
}

type topic struct {
	subscribers  map[*subscriber]struct{}
	closed       bool
	lastActivity time.Time
}

type subscriber struct {
	ch      chan model.ProgressEvent
	gap     bool
	closeFn sync.Once
}

func (s *subscriber) close() {
	s.closeFn.Do(func() { close(s.ch) })
}

// send delivers one event without ever blocking. When the buffer is full the
// oldest buffered event is discarded and the gap flag is set; the flag rides
// on the next event that actually lands.
func (s *subscriber) send(ev model.ProgressEvent) {
	if s.gap {
		ev.Gap = true
	}
	select {
	case s.ch <- ev:
		s.gap = false
		return
	default:
	}

	// Buffer full: drop the oldest and retry once.
	select {
	case <-s.ch:
		if counter, err := hubMeter.Int64Counter("recognition.events.dropped"); err == nil {
			counter.Add(context.Background(), 1)
		}
	default:
	}
	s.gap = true
	ev.Gap = true
	select {
	case s.ch <- ev:
		s.gap = false
	default:
		// Consumer raced us and the buffer is full again; the gap flag
		// stays set for the next delivery.
	}
}

// NewHub creates a hub over the given session store.
func NewHub(store storage.SessionStore, logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SubscriberBufferSize <= 0 {
		cfg.SubscriberBufferSize = 64
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Hub{
		store:    store,
		logger:   logger,
		cfg:      cfg,
		topics:   make(map[uuid.UUID]*topic),
		catchAll: make(map[*subscriber]struct{}),
	}
}

// Start runs the idle-topic janitor until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.sweepIdle(time.Now())
		}
	}
}

// Publish materializes the event's session mutation in the store, then fans
// the event out to the session's subscribers and the catch-all feed.
// Heartbeats skip the store entirely. Publishing against an unknown or
// already-terminal session is logged server-side and otherwise swallowed —
// it never raises back to the engine and never resurrects a session.
func (h *Hub) Publish(ctx context.Context, ev model.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if ev.Type != model.EventHeartbeat {
		session, err := h.applyToStore(ctx, ev)
		if err != nil {
			h.logger.Warn("hub: event rejected by store, not delivered",
				"session_id", ev.SessionID, "type", ev.Type, "error", err)
			return
		}
		ev.Progress = session.PercentageComplete()
		if counter, err := hubMeter.Int64Counter("recognition.events.published"); err == nil {
			counter.Add(ctx, 1)
		}
	}

	h.broadcast(ev)

	if terminalEvent(ev.Type) {
		h.teardown(ev.SessionID)
	}
}

func terminalEvent(t model.EventType) bool {
	return t == model.EventComplete || t == model.EventError
}

func (h *Hub) applyToStore(ctx context.Context, ev model.ProgressEvent) (model.Session, error) {
	switch ev.Type {
	case model.EventComplete:
		// The engine's terminal line carries the final counters; record them
		// before the state transition or a job whose counts arrive only on
		// the complete line finishes at 0%.
		if err := h.applyTerminalDelta(ctx, ev); err != nil {
			return model.Session{}, err
		}
		return h.store.Complete(ctx, ev.SessionID)
	case model.EventError:
		msg := "recognition failed"
		if ev.Error != nil {
			msg = *ev.Error
		}
		if err := h.applyTerminalDelta(ctx, ev); err != nil {
			return model.Session{}, err
		}
		return h.store.Fail(ctx, ev.SessionID, msg)
	default:
		delta := model.ProgressDelta{Stage: ev.Stage, Message: ev.Message}
		if ev.Delta != nil {
			delta = *ev.Delta
			if delta.Stage == "" {
				delta.Stage = ev.Stage
			}
		}
		return h.store.AppendProgress(ctx, ev.SessionID, delta)
	}
}

// applyTerminalDelta records the counters riding on a terminal event.
func (h *Hub) applyTerminalDelta(ctx context.Context, ev model.ProgressEvent) error {
	if ev.Delta == nil {
		return nil
	}
	_, err := h.store.AppendProgress(ctx, ev.SessionID, *ev.Delta)
	return err
}

func (h *Hub) broadcast(ev model.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[ev.SessionID]; ok && !t.closed {
		t.lastActivity = time.Now()
		for sub := range t.subscribers {
			sub.send(ev)
		}
	}
	if ev.Type != model.EventHeartbeat {
		for sub := range h.catchAll {
			sub.send(ev)
		}
	}
}

// Subscribe attaches a new subscriber to a session's event stream. The first
// event received is always a synthetic snapshot of the current session state
// so a late joiner never sees a blank state. If the session is already
// terminal the stream closes right after the snapshot.
//
// The returned cancel func must be called when the consumer is done.
func (h *Hub) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan model.ProgressEvent, func(), error) {
	session, err := h.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan model.ProgressEvent, h.cfg.SubscriberBufferSize)}
	snap := session
	sub.send(model.ProgressEvent{
		Type:      model.EventSnapshot,
		SessionID: sessionID,
		Stage:     session.CurrentStage,
		Progress:  session.PercentageComplete(),
		Timestamp: time.Now().UTC(),
		Session:   &snap,
	})

	if session.State.Terminal() {
		sub.close()
		return sub.ch, func() {}, nil
	}

	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if !ok || t.closed {
		t = &topic{subscribers: make(map[*subscriber]struct{})}
		h.topics[sessionID] = t
	}
	t.subscribers[sub] = struct{}{}
	t.lastActivity = time.Now()
	h.mu.Unlock()

	// The session may have gone terminal between the snapshot read and the
	// registration above. If its teardown ran first, the registration
	// resurrected an empty topic and the terminal event is gone; without this
	// re-check the stream would hang open until the idle sweep.
	if cur, err := h.store.Get(ctx, sessionID); err == nil && cur.State.Terminal() {
		h.mu.Lock()
		t, ok := h.topics[sessionID]
		missed := false
		if ok && !t.closed {
			// Still registered means teardown never reached this subscriber,
			// so the terminal event was missed. If teardown did reach it the
			// channel is already closed with the terminal event delivered.
			_, missed = t.subscribers[sub]
		}
		if missed {
			delete(t.subscribers, sub)
			if len(t.subscribers) == 0 {
				delete(h.topics, sessionID)
			}
		}
		h.mu.Unlock()
		if missed {
			final := cur
			sub.send(model.ProgressEvent{
				Type:      model.EventSnapshot,
				SessionID: sessionID,
				Stage:     cur.CurrentStage,
				Progress:  cur.PercentageComplete(),
				Timestamp: time.Now().UTC(),
				Session:   &final,
			})
			sub.close()
			return sub.ch, func() {}, nil
		}
	}

	cancel := func() {
		h.mu.Lock()
		if t, ok := h.topics[sessionID]; ok {
			delete(t.subscribers, sub)
			if len(t.subscribers) == 0 && t.closed {
				delete(h.topics, sessionID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

// SubscribeAll attaches a catch-all subscriber that receives every published
// non-heartbeat event across sessions. Used by the status aggregator as its
// push refresh trigger.
func (h *Hub) SubscribeAll() (<-chan model.ProgressEvent, func()) {
	sub := &subscriber{ch: make(chan model.ProgressEvent, h.cfg.SubscriberBufferSize)}
	h.mu.Lock()
	h.catchAll[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.catchAll, sub)
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// CloseTopic closes a session's topic outside the terminal-event path, e.g.
// when a session is dismissed. Subscribers see their channels close after
// draining anything already buffered.
func (h *Hub) CloseTopic(sessionID uuid.UUID) {
	h.teardown(sessionID)
}

// teardown closes a session's topic after its terminal event was delivered.
// Buffered events stay readable on the closed channels until drained.
func (h *Hub) teardown(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok {
		return
	}
	t.closed = true
	for sub := range t.subscribers {
		sub.close()
	}
	t.subscribers = make(map[*subscriber]struct{})
	delete(h.topics, sessionID)
}

func (h *Hub) sweepIdle(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.topics {
		if now.Sub(t.lastActivity) < h.cfg.IdleTimeout {
			continue
		}
		h.logger.Debug("hub: closing idle topic", "session_id", id)
		t.closed = true
		for sub := range t.subscribers {
			sub.close()
		}
		delete(h.topics, id)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.topics {
		t.closed = true
		for sub := range t.subscribers {
			sub.close()
		}
		delete(h.topics, id)
	}
	for sub := range h.catchAll {
		sub.close()
		delete(h.catchAll, sub)
	}
}

// Stats reports the current topic and subscriber counts for health checks.
func (h *Hub) Stats() (topics, subscribers int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.topics {
		subscribers += len(t.subscribers)
	}
	subscribers += len(h.catchAll)
	return len(h.topics), subscribers
}
