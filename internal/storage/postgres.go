package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

// Postgres is the pgxpool-backed session store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a Postgres store with a connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by tests.
func (db *Postgres) Pool() *pgxpool.Pool {
	return db.pool
}

const sessionColumns = `id, target_id, started_by, state, total_items, processed_items,
	successful_items, failed_items, current_stage, error_message,
	time_started, time_finished, last_updated`

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	var stage *string
	err := row.Scan(
		&s.ID, &s.TargetID, &s.StartedBy, &s.State, &s.TotalItems, &s.ProcessedItems,
		&s.SuccessfulItems, &s.FailedItems, &stage, &s.ErrorMessage,
		&s.TimeStarted, &s.TimeFinished, &s.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, err
	}
	if stage != nil {
		s.CurrentStage = *stage
	}
	return s, nil
}

// Create inserts a new PENDING session.
func (db *Postgres) Create(ctx context.Context, targetID, startedBy string, totalItems int) (model.Session, error) {
	now := time.Now().UTC()
	s := model.Session{
		ID:          uuid.New(),
		TargetID:    targetID,
		StartedBy:   startedBy,
		State:       model.SessionStatePending,
		TotalItems:  totalItems,
		TimeStarted: now,
		LastUpdated: now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO recognition_sessions
		 (id, target_id, started_by, state, total_items, time_started, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.TargetID, s.StartedBy, string(s.State), s.TotalItems, s.TimeStarted, s.LastUpdated,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return s, nil
}

// Get retrieves a session by id.
func (db *Postgres) Get(ctx context.Context, id uuid.UUID) (model.Session, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM recognition_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// AppendProgress applies a monotonic counter update under a row lock so
// progress events racing a concurrent cancellation never produce a lost
// update or resurrect a terminal session.
func (db *Postgres) AppendProgress(ctx context.Context, id uuid.UUID, delta model.ProgressDelta) (model.Session, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM recognition_sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: lock session: %w", err)
	}
	if s.State.Terminal() {
		return model.Session{}, ErrTerminal
	}

	applyDelta(&s, delta, time.Now().UTC())

	_, err = tx.Exec(ctx,
		`UPDATE recognition_sessions
		 SET state = $1, total_items = $2, processed_items = $3, successful_items = $4,
		     failed_items = $5, current_stage = $6, last_updated = $7
		 WHERE id = $8`,
		string(s.State), s.TotalItems, s.ProcessedItems, s.SuccessfulItems,
		s.FailedItems, s.CurrentStage, s.LastUpdated, s.ID,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: append progress: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Session{}, fmt.Errorf("storage: commit: %w", err)
	}
	return s, nil
}

// Complete transitions the session to COMPLETED.
func (db *Postgres) Complete(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return db.finish(ctx, id, model.SessionStateCompleted, nil)
}

// Fail transitions the session to ERROR with a message.
func (db *Postgres) Fail(ctx context.Context, id uuid.UUID, errorMessage string) (model.Session, error) {
	return db.finish(ctx, id, model.SessionStateError, &errorMessage)
}

// Cancel transitions the session to CANCELLED.
func (db *Postgres) Cancel(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return db.finish(ctx, id, model.SessionStateCancelled, nil)
}

// finish performs the exactly-once terminal transition. The state predicate
// in the UPDATE makes the second call affect zero rows; a follow-up read
// distinguishes "unknown" from "already terminal".
func (db *Postgres) finish(ctx context.Context, id uuid.UUID, state model.SessionState, errorMessage *string) (model.Session, error) {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE recognition_sessions
		 SET state = $1, error_message = $2, time_finished = $3, last_updated = $3
		 WHERE id = $4 AND state IN ('PENDING', 'PROCESSING')`,
		string(state), errorMessage, now, id,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, ErrTerminal
	}
	return db.Get(ctx, id)
}

// ListByTarget returns all sessions for a target, most recent first.
func (db *Postgres) ListByTarget(ctx context.Context, targetID string) ([]model.Session, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM recognition_sessions
		 WHERE target_id = $1 ORDER BY time_started DESC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("storage: list by target: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListRecent returns the most recently started sessions.
func (db *Postgres) ListRecent(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM recognition_sessions
		 ORDER BY time_started DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]model.Session, error) {
	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Delete removes a session record.
func (db *Postgres) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM recognition_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTerminalBefore removes terminal sessions finished before the cutoff.
func (db *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM recognition_sessions
		 WHERE state IN ('COMPLETED', 'ERROR', 'CANCELLED') AND time_finished < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete terminal before: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity to the database.
func (db *Postgres) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *Postgres) Close(ctx context.Context) error {
	db.pool.Close()
	return nil
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in order, tracking applied files in schema_migrations so each
// runs at most once. Forward-only, suitable for development and testing.
func (db *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			db.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		db.logger.Info("running migration", "file", name)
		if _, err := db.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}
