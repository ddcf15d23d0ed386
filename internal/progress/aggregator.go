package progress

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
	"github.com/infernokun/InfernoComics-sub002/internal/storage"
)

// AggregatorConfig holds aggregator tuning knobs.
type AggregatorConfig struct {
	// PollInterval drives the fallback refresh when no push arrives.
	PollInterval time.Duration

	// ListLimit caps how many recent sessions feed the status view.
	ListLimit int

	// StallWindow marks a PROCESSING session as possibly stalled when its
	// last update is older than this. Stalled sessions are surfaced, never
	// auto-failed — that policy belongs to the engine.
	StallWindow time.Duration
}

// Aggregator maintains the cross-session "what's active right now" view.
// Refresh is triggered by push (it subscribes to the hub's catch-all feed)
// or by poll; both paths recompute from the store, so they converge on the
// same value regardless of event interleaving.
//
// The background refresh loop has an explicit lifecycle: it starts when the
// first consumer acquires the aggregator and stops when the last one
// releases it, rather than living as a bare process-wide goroutine.
type Aggregator struct {
	store  storage.SessionStore
	hub    *Hub
	logger *slog.Logger
	cfg    AggregatorConfig

	mu        sync.Mutex
	refs      int
	stop      context.CancelFunc
	snapshot  model.StatusResponse
	refreshed time.Time
}

// NewAggregator creates a status aggregator over the store and hub.
func NewAggregator(store storage.SessionStore, hub *Hub, logger *slog.Logger, cfg AggregatorConfig) *Aggregator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 50
	}
	return &Aggregator{store: store, hub: hub, logger: logger, cfg: cfg}
}

// Acquire registers a consumer, starting the refresh loop on the first one.
func (a *Aggregator) Acquire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs++
	if a.refs > 1 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stop = cancel
	go a.loop(ctx)
}

// Release unregisters a consumer, stopping the loop when none remain.
func (a *Aggregator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs == 0 {
		return
	}
	a.refs--
	if a.refs == 0 && a.stop != nil {
		a.stop()
		a.stop = nil
	}
}

func (a *Aggregator) loop(ctx context.Context) {
	events, cancel := a.hub.SubscribeAll()
	defer cancel()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			a.refresh(ctx)
		case <-ticker.C:
			a.refresh(ctx)
		}
	}
}

// Status returns the current view. When the refresh loop is not running (no
// consumers acquired) or the cached snapshot is stale, it recomputes
// synchronously — the computation is idempotent either way.
func (a *Aggregator) Status(ctx context.Context) (model.StatusResponse, error) {
	a.mu.Lock()
	fresh := a.refs > 0 && time.Since(a.refreshed) <= 2*a.cfg.PollInterval
	snapshot := a.snapshot
	a.mu.Unlock()

	if fresh {
		return snapshot, nil
	}
	return a.compute(ctx)
}

func (a *Aggregator) refresh(ctx context.Context) {
	status, err := a.compute(ctx)
	if err != nil {
		a.logger.Warn("aggregator: refresh failed", "error", err)
		return
	}
	a.mu.Lock()
	a.snapshot = status
	a.refreshed = time.Now()
	a.mu.Unlock()
}

// compute recomputes the summary counts from the store. Order-insensitive:
// the result depends only on the store's current rows.
func (a *Aggregator) compute(ctx context.Context) (model.StatusResponse, error) {
	sessions, err := a.store.ListRecent(ctx, a.cfg.ListLimit)
	if err != nil {
		return model.StatusResponse{}, err
	}

	now := time.Now().UTC()
	resp := model.StatusResponse{Items: make([]model.StatusItem, 0, len(sessions))}
	for _, s := range sessions {
		item := model.StatusItem{Session: s}
		if s.State == model.SessionStateProcessing && a.cfg.StallWindow > 0 &&
			now.Sub(s.LastUpdated) > a.cfg.StallWindow {
			item.PossiblyStalled = true
		}
		resp.Items = append(resp.Items, item)

		switch s.State {
		case model.SessionStateProcessing:
			resp.TotalProcessing++
		case model.SessionStatePending:
			resp.TotalQueued++
		}
	}
	resp.TotalActive = resp.TotalProcessing + resp.TotalQueued

	sortStatusItems(resp.Items)
	return resp, nil
}

// sortStatusItems orders for display: PROCESSING first, then most recent
// activity first; items missing the relevant timestamp sort last.
func sortStatusItems(items []model.StatusItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		aProc := a.State == model.SessionStateProcessing
		bProc := b.State == model.SessionStateProcessing
		if aProc != bProc {
			return aProc
		}
		at, aok := a.ActivityTime()
		bt, bok := b.ActivityTime()
		if aok != bok {
			return aok
		}
		if !aok {
			return false
		}
		return at.After(bt)
	})
}
