package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/infernokun/InfernoComics-sub002/internal/model"
)

// SQLite is the dev-mode session store. It mirrors the Postgres lifecycle
// rules; read-modify-write is serialized by a process-wide mutex, which is
// enough for a single-instance dev deployment.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	mu sync.Mutex // serializes counter read-modify-write
}

// NewSQLite opens (and migrates) a SQLite store at path.
func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	// Busy timeout to avoid SQLITE_BUSY under concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, logger: logger}, nil
}

func migrateSQLite(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS recognition_sessions (
		id               TEXT PRIMARY KEY,
		target_id        TEXT NOT NULL,
		started_by       TEXT NOT NULL DEFAULT 'System',
		state            TEXT NOT NULL DEFAULT 'PENDING',
		total_items      INTEGER NOT NULL DEFAULT 0,
		processed_items  INTEGER NOT NULL DEFAULT 0,
		successful_items INTEGER NOT NULL DEFAULT 0,
		failed_items     INTEGER NOT NULL DEFAULT 0,
		current_stage    TEXT,
		error_message    TEXT,
		time_started     TEXT NOT NULL,
		time_finished    TEXT,
		last_updated     TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("storage: migrate sqlite schema: %w", err)
	}
	return nil
}

const sqliteColumns = `id, target_id, started_by, state, total_items, processed_items,
	successful_items, failed_items, current_stage, error_message,
	time_started, time_finished, last_updated`

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row sqliteRow) (model.Session, error) {
	var s model.Session
	var id, state, started, updated string
	var stage, errMsg, finished sql.NullString

	err := row.Scan(
		&id, &s.TargetID, &s.StartedBy, &state, &s.TotalItems, &s.ProcessedItems,
		&s.SuccessfulItems, &s.FailedItems, &stage, &errMsg,
		&started, &finished, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: bad session id %q: %w", id, err)
	}
	s.ID = parsed
	s.State = model.SessionState(state)
	if stage.Valid {
		s.CurrentStage = stage.String
	}
	if errMsg.Valid {
		v := errMsg.String
		s.ErrorMessage = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
		s.TimeStarted = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		s.LastUpdated = t
	}
	if finished.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			s.TimeFinished = &t
		}
	}
	return s, nil
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Create inserts a new PENDING session.
func (db *SQLite) Create(ctx context.Context, targetID, startedBy string, totalItems int) (model.Session, error) {
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

	_, err := db.db.ExecContext(ctx,
		`INSERT INTO recognition_sessions
		 (id, target_id, started_by, state, total_items, time_started, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.TargetID, s.StartedBy, string(s.State), s.TotalItems,
		ts(s.TimeStarted), ts(s.LastUpdated),
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return s, nil
}

// Get retrieves a session by id.
func (db *SQLite) Get(ctx context.Context, id uuid.UUID) (model.Session, error) {
	s, err := scanSQLiteSession(db.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM recognition_sessions WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// AppendProgress applies a monotonic counter update.
func (db *SQLite) AppendProgress(ctx context.Context, id uuid.UUID, delta model.ProgressDelta) (model.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	s, err := db.Get(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if s.State.Terminal() {
		return model.Session{}, ErrTerminal
	}

	applyDelta(&s, delta, time.Now().UTC())

	_, err = db.db.ExecContext(ctx,
		`UPDATE recognition_sessions
		 SET state = ?, total_items = ?, processed_items = ?, successful_items = ?,
		     failed_items = ?, current_stage = ?, last_updated = ?
		 WHERE id = ?`,
		string(s.State), s.TotalItems, s.ProcessedItems, s.SuccessfulItems,
		s.FailedItems, s.CurrentStage, ts(s.LastUpdated), s.ID.String(),
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: append progress: %w", err)
	}
	return s, nil
}

// Complete transitions the session to COMPLETED.
func (db *SQLite) Complete(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return db.finish(ctx, id, model.SessionStateCompleted, nil)
}

// Fail transitions the session to ERROR with a message.
func (db *SQLite) Fail(ctx context.Context, id uuid.UUID, errorMessage string) (model.Session, error) {
	return db.finish(ctx, id, model.SessionStateError, &errorMessage)
}

// Cancel transitions the session to CANCELLED.
func (db *SQLite) Cancel(ctx context.Context, id uuid.UUID) (model.Session, error) {
	return db.finish(ctx, id, model.SessionStateCancelled, nil)
}

func (db *SQLite) finish(ctx context.Context, id uuid.UUID, state model.SessionState, errorMessage *string) (model.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := time.Now().UTC()
	res, err := db.db.ExecContext(ctx,
		`UPDATE recognition_sessions
		 SET state = ?, error_message = ?, time_finished = ?, last_updated = ?
		 WHERE id = ? AND state IN ('PENDING', 'PROCESSING')`,
		string(state), errorMessage, ts(now), ts(now), id.String(),
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: finish session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: finish session: %w", err)
	}
	if affected == 0 {
		if _, err := db.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, ErrTerminal
	}
	return db.Get(ctx, id)
}

// ListByTarget returns all sessions for a target, most recent first.
func (db *SQLite) ListByTarget(ctx context.Context, targetID string) ([]model.Session, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM recognition_sessions
		 WHERE target_id = ? ORDER BY time_started DESC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("storage: list by target: %w", err)
	}
	defer rows.Close()
	return collectSQLiteSessions(rows)
}

// ListRecent returns the most recently started sessions.
func (db *SQLite) ListRecent(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM recognition_sessions
		 ORDER BY time_started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent: %w", err)
	}
	defer rows.Close()
	return collectSQLiteSessions(rows)
}

func collectSQLiteSessions(rows *sql.Rows) ([]model.Session, error) {
	var sessions []model.Session
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Delete removes a session record.
func (db *SQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM recognition_sessions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete session: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTerminalBefore removes terminal sessions finished before the cutoff.
func (db *SQLite) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM recognition_sessions
		 WHERE state IN ('COMPLETED', 'ERROR', 'CANCELLED') AND time_finished < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: delete terminal before: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: delete terminal before: %w", err)
	}
	return int(affected), nil
}

// Ping checks the database file is reachable.
func (db *SQLite) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close closes the database.
func (db *SQLite) Close(ctx context.Context) error {
	return db.db.Close()
}
