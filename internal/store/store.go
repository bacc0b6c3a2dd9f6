// Package store is the SQLite persistence layer for projects, messages,
// fragments and screenshots.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const projectColumns = `id, name, user_id, visibility, slug, category, published_at, created_at, updated_at`

type NewProject struct {
	Name       string
	UserID     string
	Visibility Visibility
}

func (s *Store) CreateProject(ctx context.Context, np NewProject) (*Project, error) {
	if np.UserID == "" {
		return nil, fmt.Errorf("project user id is empty")
	}
	vis := np.Visibility
	if vis == "" {
		vis = Private
	}
	if vis != Public && vis != Private {
		return nil, fmt.Errorf("invalid visibility %q", vis)
	}
	id := uuid.NewString()
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO project(id, name, user_id, visibility, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, np.Name, np.UserID, vis, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, id)
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM project WHERE id = ?;`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *Store) SetVisibility(ctx context.Context, id string, vis Visibility) error {
	if vis != Public && vis != Private {
		return fmt.Errorf("invalid visibility %q", vis)
	}
	return s.updateProject(ctx, id, "visibility", string(vis))
}

// SetSlug overwrites the slug of a project.
func (s *Store) SetSlug(ctx context.Context, id, slug string) error {
	err := s.updateProject(ctx, id, "slug", slug)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrSlugTaken, slug)
	}
	return err
}

func (s *Store) SetCategory(ctx context.Context, id, category string) error {
	return s.updateProject(ctx, id, "category", category)
}

// MarkPublished stamps published_at once; later calls keep the first stamp.
func (s *Store) MarkPublished(ctx context.Context, id string) (time.Time, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
UPDATE project SET published_at = COALESCE(published_at, ?), updated_at = ? WHERE id = ?;
`, now, now, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("mark published: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, ErrNotFound
	}
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return *p.PublishedAt, nil
}

// SlugOwner returns the id of the project holding slug.
func (s *Store) SlugOwner(ctx context.Context, slug string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM project WHERE slug = ?;`, slug).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup slug: %w", err)
	}
	return id, true, nil
}

// ProjectsMissingSlugs lists public projects that never got a slug.
func (s *Store) ProjectsMissingSlugs(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+projectColumns+` FROM project
WHERE visibility = ? AND slug IS NULL
ORDER BY created_at ASC, rowid ASC;
`, Public)
	if err != nil {
		return nil, fmt.Errorf("list projects missing slugs: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) updateProject(ctx context.Context, id, column string, value any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE project SET `+column+` = ?, updated_at = ? WHERE id = ?;`, value, s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update project %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) stamp() string {
	return s.now().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p          Project
		vis        string
		slug       sql.NullString
		category   sql.NullString
		published  sql.NullString
		createdAtS string
		updatedAtS string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.UserID, &vis, &slug, &category, &published, &createdAtS, &updatedAtS); err != nil {
		return nil, err
	}
	p.Visibility = Visibility(vis)
	if slug.Valid {
		p.Slug = &slug.String
	}
	if category.Valid {
		p.Category = &category.String
	}
	p.PublishedAt = parseNullTime(published)
	p.CreatedAt = parseTime(createdAtS)
	p.UpdatedAt = parseTime(updatedAtS)
	return &p, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
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

// TitleHash is the lookup key for exact-title comparisons.
func TitleHash(title string) string {
	sum := blake3.Sum256([]byte(title))
	return hex.EncodeToString(sum[:])
}
