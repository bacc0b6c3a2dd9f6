package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ScreenshotFor returns the stored screenshot of a sandbox URL.
func (s *Store) ScreenshotFor(ctx context.Context, sandboxURL string) (*Screenshot, error) {
	var (
		sc         Screenshot
		createdAtS string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, sandbox_url, image_url, created_at FROM screenshot WHERE sandbox_url = ?;
`, sandboxURL).Scan(&sc.ID, &sc.SandboxURL, &sc.ImageURL, &createdAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get screenshot: %w", err)
	}
	sc.CreatedAt = parseTime(createdAtS)
	return &sc, nil
}

// SaveScreenshot records the image of a sandbox URL. The first image stored
// for a URL is kept.
func (s *Store) SaveScreenshot(ctx context.Context, sandboxURL, imageURL string) (*Screenshot, error) {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO screenshot(id, sandbox_url, image_url, created_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(sandbox_url) DO NOTHING;
`, uuid.NewString(), sandboxURL, imageURL, s.stamp())
	if err != nil {
		return nil, fmt.Errorf("insert screenshot: %w", err)
	}
	return s.ScreenshotFor(ctx, sandboxURL)
}

type CatalogQuery struct {
	Category string
	Limit    int
}

const (
	catalogScan  = 100
	catalogLimit = 50
)

// PublicSolutions lists published public projects, newest first. Projects
// whose latest message is an error or has no fragment are skipped, and only
// the newest project per case-insensitive title is kept.
func (s *Store) PublicSolutions(ctx context.Context, q CatalogQuery) ([]Solution, error) {
	limit := q.Limit
	if limit <= 0 || limit > catalogLimit {
		limit = catalogLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT p.id, p.name, p.slug, COALESCE(p.category, ''), p.created_at,
       COALESCE(m.type, ''), COALESCE(f.title, ''), COALESCE(sc.image_url, '')
FROM project p
LEFT JOIN message m ON m.id = (
  SELECT id FROM message WHERE project_id = p.id ORDER BY created_at DESC, rowid DESC LIMIT 1
)
LEFT JOIN fragment f ON f.message_id = m.id
LEFT JOIN screenshot sc ON sc.sandbox_url = f.sandbox_url
WHERE p.visibility = ? AND p.slug IS NOT NULL AND p.published_at IS NOT NULL
  AND (? = '' OR p.category = ?)
ORDER BY p.created_at DESC, p.rowid DESC
LIMIT ?;
`, Public, q.Category, q.Category, catalogScan)
	if err != nil {
		return nil, fmt.Errorf("list solutions: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []Solution
	for rows.Next() {
		var (
			sol        Solution
			createdAtS string
			msgType    string
		)
		if err := rows.Scan(&sol.ProjectID, &sol.Name, &sol.Slug, &sol.Category, &createdAtS,
			&msgType, &sol.Title, &sol.ImageURL); err != nil {
			return nil, fmt.Errorf("scan solution: %w", err)
		}
		if MessageType(msgType) == TypeError || sol.Title == "" {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(sol.Title))
		if seen[key] {
			continue
		}
		seen[key] = true
		sol.CreatedAt = parseTime(createdAtS)
		out = append(out, sol)
		if len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// SolutionBySlug returns the catalog entry for one slug.
func (s *Store) SolutionBySlug(ctx context.Context, slug string) (*Solution, error) {
	var (
		sol        Solution
		createdAtS string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT p.id, p.name, p.slug, COALESCE(p.category, ''), p.created_at,
       COALESCE(f.title, p.name), COALESCE(sc.image_url, '')
FROM project p
LEFT JOIN fragment f ON f.id = (
  SELECT f2.id FROM fragment f2 JOIN message m ON m.id = f2.message_id
  WHERE m.project_id = p.id ORDER BY m.created_at DESC, m.rowid DESC LIMIT 1
)
LEFT JOIN screenshot sc ON sc.sandbox_url = f.sandbox_url
WHERE p.slug = ? AND p.visibility = ? AND p.published_at IS NOT NULL;
`, slug, Public).Scan(&sol.ProjectID, &sol.Name, &sol.Slug, &sol.Category, &createdAtS, &sol.Title, &sol.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get solution: %w", err)
	}
	sol.CreatedAt = parseTime(createdAtS)
	return &sol, nil
}
