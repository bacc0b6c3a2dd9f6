package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/devle/internal/agent"
	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/events"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/screenshot"
	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/store"
)

// Reasons a publish run stops early.
const (
	ReasonNotFound         = "project not found"
	ReasonNotPublic        = "project not public"
	ReasonGenerationFailed = "generation failed"
	ReasonNoResult         = "no result"
	ReasonDuplicateTitle   = "duplicate title"
)

// PublishResult reports a publish run. Skipped runs are not errors.
type PublishResult struct {
	ProjectID   string     `json:"project_id"`
	Skipped     bool       `json:"skipped"`
	Reason      string     `json:"reason,omitempty"`
	Slug        string     `json:"slug,omitempty"`
	Category    string     `json:"category,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Publish makes a successful public generation discoverable in the catalog.
type Publish struct {
	deps Deps
	cfg  *config.Config
}

func NewPublish(cfg *config.Config, deps Deps) *Publish {
	return &Publish{deps: deps, cfg: cfg}
}

// Handle is the dispatcher entry point for project/run-completed events.
func (p *Publish) Handle(ctx context.Context, ev *queue.Event) error {
	var in queue.RunCompletedPayload
	if err := decodePayload(ev, &in); err != nil {
		return err
	}
	_, err := p.Run(ctx, ev.ID, in.ProjectID)
	return err
}

// Run executes (or resumes) the publish run with the given id.
func (p *Publish) Run(ctx context.Context, runID, projectID string) (*PublishResult, error) {
	run, err := p.deps.Steps.Begin(ctx, runID, NamePublish, queue.RunCompletedPayload{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	res, err := p.run(ctx, run, projectID)
	if err == nil {
		if res.Skipped {
			run.Logger().Info("publish skipped", "project_id", projectID, "reason", res.Reason)
			p.deps.publisher().Publish(events.TypePublishSkip, res)
		} else {
			run.Logger().Info("project published", "project_id", projectID, "slug", res.Slug, "category", res.Category)
			p.deps.publisher().Publish(events.TypePublished, res)
		}
	}
	return res, finish(ctx, p.deps.Steps, run, err)
}

type eligibility struct {
	LastType store.MessageType `json:"last_type,omitempty"`
	Title    string            `json:"title,omitempty"`
	Taken    bool              `json:"taken"`
}

func (p *Publish) run(ctx context.Context, run *step.Run, projectID string) (*PublishResult, error) {
	st := p.deps.Store
	cfg := p.cfg.Publish
	res := &PublishResult{ProjectID: projectID}

	project, err := step.Do(ctx, run, "fetch-project", func(ctx context.Context) (projectInfo, error) {
		pr, err := st.GetProject(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			return projectInfo{}, nil
		}
		if err != nil {
			return projectInfo{}, err
		}
		return projectInfo{Found: true, Visibility: pr.Visibility}, nil
	})
	if err != nil {
		return nil, err
	}
	if !project.Found {
		return skip(res, ReasonNotFound), nil
	}
	if project.Visibility != store.Public {
		return skip(res, ReasonNotPublic), nil
	}

	first, err := step.Do(ctx, run, "get-first-message", func(ctx context.Context) (string, error) {
		m, err := st.FirstUserMessage(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return m.Content, nil
	})
	if err != nil {
		return nil, err
	}

	maxLen := cfg.SlugMaxLen
	if maxLen <= 0 {
		maxLen = DefaultSlugMaxLen
	}
	res.Slug, err = step.Do(ctx, run, "persist-slug", func(ctx context.Context) (string, error) {
		return assignSlug(ctx, st, projectID, first, maxLen)
	})
	if err != nil {
		return nil, err
	}

	categories := cfg.Categories
	if len(categories) == 0 {
		categories = config.DefaultCategories
	}
	res.Category = FallbackCategory
	if first != "" {
		answer, err := agent.Generate(ctx, run, "classify-category", p.deps.Summarizer, CategoryPrompt(categories), first)
		if err != nil {
			return nil, err
		}
		res.Category = ParseCategory(answer, categories)
	}
	if _, err := step.Do(ctx, run, "persist-category", func(ctx context.Context) (string, error) {
		return res.Category, st.SetCategory(ctx, projectID, res.Category)
	}); err != nil {
		return nil, err
	}

	if err := run.Sleep(ctx, "boot-delay", cfg.BootDelay); err != nil {
		return nil, err
	}

	res.ImageURL, err = step.Do(ctx, run, "capture-screenshot", func(ctx context.Context) (string, error) {
		return p.screenshot(ctx, run, projectID)
	})
	if err != nil {
		return nil, err
	}

	elig, err := step.Do(ctx, run, "check-eligibility", func(ctx context.Context) (eligibility, error) {
		var e eligibility
		last, err := st.LastAssistantMessage(ctx, projectID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return e, err
		default:
			e.LastType = last.Type
		}
		if e.LastType == store.TypeError {
			return e, nil
		}
		frag, err := st.LatestFragment(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			return e, nil
		}
		if err != nil {
			return e, err
		}
		e.Title = frag.Title
		e.Taken, err = st.PublishedTitleExists(ctx, frag.Title, projectID)
		return e, err
	})
	if err != nil {
		return nil, err
	}
	switch {
	case elig.LastType == store.TypeError:
		return skip(res, ReasonGenerationFailed), nil
	case elig.Title == "":
		return skip(res, ReasonNoResult), nil
	case elig.Taken:
		return skip(res, ReasonDuplicateTitle), nil
	}

	at, err := step.Do(ctx, run, "mark-published", func(ctx context.Context) (time.Time, error) {
		return st.MarkPublished(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	res.PublishedAt = &at
	return res, nil
}

// screenshot returns the image of the project's latest sandbox URL,
// capturing one if none is stored. Capture failures fall back to the
// placeholder image and never fail the step.
func (p *Publish) screenshot(ctx context.Context, run *step.Run, projectID string) (string, error) {
	st := p.deps.Store
	frag, err := st.LatestFragment(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && frag.SandboxURL == "") {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if sc, err := st.ScreenshotFor(ctx, frag.SandboxURL); err == nil {
		return sc.ImageURL, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	logger := run.Logger().With("sandbox_url", frag.SandboxURL)
	image, err := p.capture(ctx, frag.SandboxURL, logger.Warn)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Warn("screenshot unavailable, using placeholder", "error", err)
		image = p.cfg.Screenshot.PlaceholderURL
	}
	if image == "" {
		return "", nil
	}
	sc, err := st.SaveScreenshot(ctx, frag.SandboxURL, image)
	if err != nil {
		return "", err
	}
	return sc.ImageURL, nil
}

// capture tries the capturer up to ScreenshotAttempts times, waiting
// attempt × ScreenshotBackoff after each failed attempt.
func (p *Publish) capture(ctx context.Context, url string, warn func(string, ...any)) (string, error) {
	if p.deps.Capturer == nil {
		return "", screenshot.ErrDisabled
	}
	attempts := p.cfg.Publish.ScreenshotAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		image, err := p.deps.Capturer.Capture(ctx, url)
		if err == nil {
			return image, nil
		}
		if errors.Is(err, screenshot.ErrDisabled) {
			return "", err
		}
		lastErr = err
		warn("screenshot attempt failed", "attempt", attempt, "error", err)
		if attempt == attempts {
			break
		}
		if err := p.deps.Steps.Sleep(ctx, time.Duration(attempt)*p.cfg.Publish.ScreenshotBackoff); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// Backfill requests publish runs for public projects that never got a slug.
func (p *Publish) Backfill(ctx context.Context) ([]string, error) {
	projects, err := p.deps.Store.ProjectsMissingSlugs(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, pr := range projects {
		if _, err := RequestPublish(ctx, p.deps.Bus, p.cfg, pr.ID, ""); err != nil {
			return ids, err
		}
		ids = append(ids, pr.ID)
	}
	return ids, nil
}

func skip(res *PublishResult, reason string) *PublishResult {
	res.Skipped = true
	res.Reason = reason
	return res
}
