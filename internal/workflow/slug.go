package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/devle/internal/store"
)

const DefaultSlugMaxLen = 50

var (
	slugDisallowed = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaces     = regexp.MustCompile(`\s+`)
	slugDashes     = regexp.MustCompile(`-+`)
)

// Slugify turns free text into a URL slug of at most maxLen bytes.
func Slugify(text string, maxLen int) string {
	s := strings.ToLower(text)
	s = slugDisallowed.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = slugSpaces.ReplaceAllString(s, "-")
	s = slugDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if maxLen > 0 && len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "-")
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// uniqueSlug picks the slug for projectID. A base already owned by another
// project gets the first 8 characters of projectID appended.
func uniqueSlug(ctx context.Context, st *store.Store, projectID, base string) (string, error) {
	if base == "" {
		return "project-" + shortID(projectID), nil
	}
	owner, taken, err := st.SlugOwner(ctx, base)
	if err != nil {
		return "", err
	}
	if !taken || owner == projectID {
		return base, nil
	}
	return base + "-" + shortID(projectID), nil
}

// assignSlug derives, disambiguates and stores the slug of a project.
func assignSlug(ctx context.Context, st *store.Store, projectID, firstMessage string, maxLen int) (string, error) {
	slug, err := uniqueSlug(ctx, st, projectID, Slugify(firstMessage, maxLen))
	if err != nil {
		return "", err
	}
	if err := st.SetSlug(ctx, projectID, slug); err != nil {
		if errors.Is(err, store.ErrSlugTaken) {
			return "", fmt.Errorf("slug %q: %w", slug, err)
		}
		return "", err
	}
	return slug, nil
}
