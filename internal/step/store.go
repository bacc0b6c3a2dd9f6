package step

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Store persists workflow runs and their completed steps in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// BeginRun creates the run row if missing. An existing failed run is flipped
// back to running; a succeeded run is returned untouched.
func (s *Store) BeginRun(ctx context.Context, id, workflow string, input json.RawMessage) (*RunRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	var in any
	if len(input) > 0 {
		in = string(input)
	}
	now := s.now().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_run(id, workflow, status, input, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = CASE WHEN workflow_run.status = 'succeeded' THEN workflow_run.status ELSE excluded.status END,
  error = CASE WHEN workflow_run.status = 'succeeded' THEN workflow_run.error ELSE NULL END,
  updated_at = excluded.updated_at;
`, id, workflow, RunRunning, in, now, now)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	return s.GetRun(ctx, id)
}

// FinishRun records the terminal status of a run. Succeeded runs are never
// rewritten.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, errMsg string) error {
	if status != RunSucceeded && status != RunFailed {
		return fmt.Errorf("invalid terminal run status: %q", status)
	}
	var e any
	if errMsg != "" {
		e = errMsg
	}
	now := s.now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE workflow_run
SET status = ?, error = ?, updated_at = ?, completed_at = ?
WHERE id = ? AND status != ?;
`, status, e, now, now, id, RunSucceeded)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var (
		r            RunRecord
		status       string
		input        sql.NullString
		errMsg       sql.NullString
		createdAtS   string
		updatedAtS   string
		completedAtS sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, workflow, status, input, error, created_at, updated_at, completed_at
FROM workflow_run WHERE id = ?;
`, id).Scan(&r.ID, &r.Workflow, &status, &input, &errMsg, &createdAtS, &updatedAtS, &completedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.Status = RunStatus(status)
	if input.Valid {
		r.Input = json.RawMessage(input.String)
	}
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtS)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtS)
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}

// GetStep loads a completed step. The boolean is false when the step has not
// completed yet.
func (s *Store) GetStep(ctx context.Context, runID, name string) (*Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, name, output, digest, attempts, completed_at
FROM step_record WHERE run_id = ? AND name = ?;
`, runID, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get step: %w", err)
	}
	if digest(rec.Output) != rec.Digest {
		return nil, false, fmt.Errorf("%w: %s/%s", ErrCorruptRecord, runID, name)
	}
	return rec, true, nil
}

// PutStep stores a step result. The first write for a key wins; stored
// reports whether this call was that write.
func (s *Store) PutStep(ctx context.Context, runID, name string, output json.RawMessage, attempts int) (stored bool, err error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO step_record(run_id, name, output, digest, attempts, completed_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, name) DO NOTHING;
`, runID, name, string(output), digest(output), attempts, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("put step: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListSteps returns the completed steps of a run in completion order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, name, output, digest, attempts, completed_at
FROM step_record WHERE run_id = ?
ORDER BY completed_at ASC, rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		output      string
		completedAt string
	)
	if err := row.Scan(&rec.RunID, &rec.Name, &output, &rec.Digest, &rec.Attempts, &completedAt); err != nil {
		return nil, err
	}
	rec.Output = json.RawMessage(output)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	return &rec, nil
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
