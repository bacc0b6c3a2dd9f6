package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// recordTime is fixed width so expires_at compares lexically.
const recordTime = "2006-01-02T15:04:05.000000000Z"

// Record is the durable form of a handle. Resume is the provider's reattach
// token and may be empty for providers that cannot reattach.
type Record struct {
	Handle
	Resume string
}

// Records persists sandbox handles in SQLite so a restarted process can
// resolve or reap environments created before it started.
type Records struct {
	db *sql.DB
}

func NewRecords(db *sql.DB) *Records {
	return &Records{db: db}
}

// Save inserts or replaces the record for rec.ID.
func (r *Records) Save(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sandbox(id, template, resume, created_at, expires_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  template = excluded.template,
  resume = excluded.resume,
  expires_at = excluded.expires_at;
`, rec.ID, rec.Template, rec.Resume,
		rec.CreatedAt.UTC().Format(recordTime),
		rec.ExpiresAt.UTC().Format(recordTime))
	if err != nil {
		return fmt.Errorf("save sandbox %s: %w", rec.ID, err)
	}
	return nil
}

// Load returns the record for id, or ErrUnavailable.
func (r *Records) Load(ctx context.Context, id string) (Record, error) {
	var (
		rec              Record
		created, expires string
	)
	err := r.db.QueryRowContext(ctx, `
SELECT id, template, resume, created_at, expires_at FROM sandbox WHERE id = ?;
`, id).Scan(&rec.ID, &rec.Template, &rec.Resume, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load sandbox %s: %w", id, err)
	}
	if rec.CreatedAt, err = time.Parse(recordTime, created); err != nil {
		return Record{}, fmt.Errorf("parse sandbox created_at: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(recordTime, expires); err != nil {
		return Record{}, fmt.Errorf("parse sandbox expires_at: %w", err)
	}
	return rec, nil
}

// Delete removes the record for id. Deleting a missing record is not an
// error.
func (r *Records) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sandbox WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete sandbox %s: %w", id, err)
	}
	return nil
}

// Expired lists the ids whose TTL elapsed at or before now.
func (r *Records) Expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id FROM sandbox WHERE expires_at <= ? ORDER BY expires_at;
`, now.UTC().Format(recordTime))
	if err != nil {
		return nil, fmt.Errorf("list expired sandboxes: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
