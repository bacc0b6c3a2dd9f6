package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const eventColumns = `id, name, payload, status, attempt, max_attempts, dedupe_key,
  created_at, started_at, completed_at, next_retry_at, last_error`

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Send durably enqueues an event. Delivery is at-least-once.
func (q *Queue) Send(ctx context.Context, req SendRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("event name is empty")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}

	var payload any
	if len(req.Payload) > 0 {
		if !json.Valid(req.Payload) {
			return "", fmt.Errorf("event payload is not valid JSON")
		}
		payload = string(req.Payload)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.DedupeKey != nil {
		var existing string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM event_queue
WHERE dedupe_key = ? AND status IN (?, ?, ?)
LIMIT 1;
`, *req.DedupeKey, StatusQueued, StatusRunning, StatusSucceeded).Scan(&existing)
		switch {
		case err == nil:
			return "", &DedupeDropError{DedupeKey: *req.DedupeKey, ExistingID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("check dedupe key: %w", err)
		}
	}

	id := uuid.NewString()
	now := q.now().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO event_queue(id, name, payload, status, attempt, max_attempts, dedupe_key, created_at)
VALUES(?, ?, ?, ?, 1, ?, ?, ?);
`, id, req.Name, payload, StatusQueued, maxAttempts, req.DedupeKey, now)
	if err != nil {
		return "", fmt.Errorf("enqueue event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest due event and marks it running. Returns (nil, nil)
// if nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Event, error) {
	nowS := q.now().Format(time.RFC3339Nano)

	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM event_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE event_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+eventColumns+`;
`, StatusQueued, nowS, StatusRunning, nowS)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue event: %w", err)
	}
	return ev, nil
}

// Complete marks an event terminal and appends a row to event_log.
func (q *Queue) Complete(ctx context.Context, id string, status Status, lastError *string) error {
	if id == "" {
		return fmt.Errorf("event id is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	completedAt := q.now().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
UPDATE event_queue
SET status = ?, completed_at = ?, last_error = ?, next_retry_at = NULL
WHERE id = ?;
`, status, completedAt, lastError, id)
	if err != nil {
		return fmt.Errorf("update event completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}

	if err := appendLog(ctx, tx, id, status, lastError, completedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Retry logs the failed attempt and requeues the event for nextRetryAt with
// the attempt counter incremented.
func (q *Queue) Retry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now().Format(time.RFC3339Nano)
	if err := appendLog(ctx, tx, id, StatusFailed, &lastError, now); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE event_queue
SET status = ?, attempt = attempt + 1, next_retry_at = ?, last_error = ?, started_at = NULL
WHERE id = ?;
`, StatusQueued, nextRetryAt.UTC().Format(time.RFC3339Nano), lastError, id)
	if err != nil {
		return fmt.Errorf("requeue event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FindByStatus returns all events currently in status, oldest first.
func (q *Queue) FindByStatus(ctx context.Context, status Status) ([]*Event, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM event_queue
WHERE status = ?
ORDER BY created_at ASC, rowid ASC;
`, status)
	if err != nil {
		return nil, fmt.Errorf("find events by status: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpdateForRecovery rewrites an orphaned event found at startup.
func (q *Queue) UpdateForRecovery(ctx context.Context, id string, status Status, attempt int, nextRetryAt *time.Time, lastError string) error {
	var next any
	if nextRetryAt != nil {
		next = nextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	var lastErr any
	if lastError != "" {
		lastErr = lastError
	}
	var completedAt any
	if status == StatusDead {
		completedAt = q.now().Format(time.RFC3339Nano)
	}
	_, err := q.db.ExecContext(ctx, `
UPDATE event_queue
SET status = ?, attempt = ?, next_retry_at = ?, last_error = COALESCE(?, last_error),
    started_at = NULL, completed_at = ?
WHERE id = ?;
`, status, attempt, next, lastErr, completedAt, id)
	if err != nil {
		return fmt.Errorf("update event for recovery: %w", err)
	}
	return nil
}

// Get returns one event by id.
func (q *Queue) Get(ctx context.Context, id string) (*Event, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM event_queue WHERE id = ?;`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// Depth counts events that are queued or running.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_queue WHERE status IN (?, ?);`,
		StatusQueued, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func appendLog(ctx context.Context, tx *sql.Tx, id string, status Status, lastError *string, completedAt string) error {
	var (
		name      string
		attempt   int
		createdAt string
	)
	if err := tx.QueryRowContext(ctx, `
SELECT name, attempt, created_at FROM event_queue WHERE id = ?;
`, id).Scan(&name, &attempt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEventNotFound
		}
		return fmt.Errorf("load event for log: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO event_log(id, event_id, name, status, attempt, created_at, completed_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, completed_at = excluded.completed_at, last_error = excluded.last_error;
`, fmt.Sprintf("%s-%d", id, attempt), id, name, status, attempt, createdAt, completedAt, lastError)
	if err != nil {
		return fmt.Errorf("insert event_log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev           Event
		payload      sql.NullString
		dedupeKey    sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
		statusS      string
	)
	err := row.Scan(
		&ev.ID, &ev.Name, &payload, &statusS, &ev.Attempt, &ev.MaxAttempts, &dedupeKey,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	)
	if err != nil {
		return nil, err
	}

	ev.Status = Status(statusS)
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	if dedupeKey.Valid {
		ev.DedupeKey = &dedupeKey.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		ev.CreatedAt = t
	}
	ev.StartedAt = parseNullTime(startedAtS)
	ev.CompletedAt = parseNullTime(completedAtS)
	ev.NextRetryAt = parseNullTime(nextRetryAtS)
	if lastError.Valid {
		ev.LastError = &lastError.String
	}
	return &ev, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
