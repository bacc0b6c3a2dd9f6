package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const fragmentColumns = `f.id, f.message_id, f.sandbox_url, f.title, f.files, f.created_at, f.updated_at`

func (s *Store) GetFragment(ctx context.Context, id string) (*Fragment, error) {
	return s.oneFragment(ctx, `SELECT `+fragmentColumns+` FROM fragment f WHERE f.id = ?;`, id)
}

// LatestFragment returns the fragment of the project's newest result.
func (s *Store) LatestFragment(ctx context.Context, projectID string) (*Fragment, error) {
	return s.oneFragment(ctx, `
SELECT `+fragmentColumns+`
FROM fragment f JOIN message m ON m.id = f.message_id
WHERE m.project_id = ?
ORDER BY m.created_at DESC, m.rowid DESC LIMIT 1;
`, projectID)
}

// ReplaceFragmentFiles overwrites the stored file map of a fragment.
func (s *Store) ReplaceFragmentFiles(ctx context.Context, id string, files map[string]string) error {
	b, err := json.Marshal(nonNil(files))
	if err != nil {
		return fmt.Errorf("encode fragment files: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE fragment SET files = ?, updated_at = ? WHERE id = ?;`,
		string(b), s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update fragment files: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PublishedTitleExists reports whether a published public project other than
// excludeProjectID currently shows a fragment titled exactly title. Only each
// project's latest fragment counts.
func (s *Store) PublishedTitleExists(ctx context.Context, title, excludeProjectID string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT f.title
FROM project p
JOIN fragment f ON f.id = (
  SELECT f2.id FROM fragment f2 JOIN message m ON m.id = f2.message_id
  WHERE m.project_id = p.id
  ORDER BY m.created_at DESC, m.rowid DESC
  LIMIT 1
)
WHERE f.title_hash = ? AND p.id != ? AND p.visibility = ? AND p.published_at IS NOT NULL;
`, TitleHash(title), excludeProjectID, Public)
	if err != nil {
		return false, fmt.Errorf("lookup published title: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return false, fmt.Errorf("scan title: %w", err)
		}
		if t == title {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) oneFragment(ctx context.Context, query string, args ...any) (*Fragment, error) {
	var (
		f          Fragment
		files      string
		createdAtS string
		updatedAtS string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&f.ID, &f.MessageID, &f.SandboxURL, &f.Title, &files, &createdAtS, &updatedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fragment: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &f.Files); err != nil {
		return nil, fmt.Errorf("decode fragment files: %w", err)
	}
	f.CreatedAt = parseTime(createdAtS)
	f.UpdatedAt = parseTime(updatedAtS)
	return &f, nil
}
