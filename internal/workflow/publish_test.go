package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/screenshot"
	"github.com/mattjoyce/devle/internal/screenshot/mocks"
	"github.com/mattjoyce/devle/internal/store"
)

const appURL = "https://3000-sbx-1.sandbox.test"

func (h *harness) publisher(t *testing.T, category string) (*Publish, *mocks.MockCapturer) {
	t.Helper()
	capt := mocks.NewMockCapturer(gomock.NewController(t))
	deps := h.deps(nil, summarizer("", "", category))
	deps.Capturer = capt
	return NewPublish(h.cfg, deps), capt
}

func TestPublishListsProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Public, "Build a Todo App!")
	h.result(t, p.ID, "Todo App", appURL)

	pub, capt := h.publisher(t, "productivity\nIt helps people organise tasks.")
	capt.EXPECT().Capture(gomock.Any(), appURL).Return("https://img.test/todo.png", nil).Times(1)

	res, err := pub.Run(ctx, "pub-1", p.ID)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, "build-a-todo-app", res.Slug)
	assert.Equal(t, "Productivity", res.Category)
	assert.Equal(t, "https://img.test/todo.png", res.ImageURL)
	require.NotNil(t, res.PublishedAt)

	// Only the boot delay was waited.
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sleepLog())

	got, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Slug)
	assert.Equal(t, "build-a-todo-app", *got.Slug)
	require.NotNil(t, got.Category)
	assert.Equal(t, "Productivity", *got.Category)
	assert.NotNil(t, got.PublishedAt)

	sol, err := h.store.SolutionBySlug(ctx, "build-a-todo-app")
	require.NoError(t, err)
	assert.Equal(t, "Todo App", sol.Title)
	assert.Equal(t, "https://img.test/todo.png", sol.ImageURL)
}

func TestPublishSkipsMissingAndPrivateProjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pub, _ := h.publisher(t, "")

	res, err := pub.Run(ctx, "pub-missing", "nope")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonNotFound, res.Reason)

	p := h.project(t, store.Private, "secret tool")
	h.result(t, p.ID, "Secret", appURL)
	res, err = pub.Run(ctx, "pub-private", p.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonNotPublic, res.Reason)

	got, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Slug)
	assert.Empty(t, h.sleepLog())
}

func TestPublishDisambiguatesSlugAndSuppressesDuplicateTitle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.project(t, store.Public, "build a todo app")
	h.result(t, first.ID, "Todo App", "https://3000-a.sandbox.test")
	second := h.project(t, store.Public, "build a todo app")
	h.result(t, second.ID, "Todo App", "https://3000-b.sandbox.test")

	pub, capt := h.publisher(t, "Productivity")
	capt.EXPECT().Capture(gomock.Any(), gomock.Any()).Return("https://img.test/x.png", nil).Times(2)

	res1, err := pub.Run(ctx, "pub-a", first.ID)
	require.NoError(t, err)
	assert.False(t, res1.Skipped)
	assert.Equal(t, "build-a-todo-app", res1.Slug)

	res2, err := pub.Run(ctx, "pub-b", second.ID)
	require.NoError(t, err)
	assert.True(t, res2.Skipped)
	assert.Equal(t, ReasonDuplicateTitle, res2.Reason)
	assert.Equal(t, "build-a-todo-app-"+second.ID[:8], res2.Slug)

	got, err := h.store.GetProject(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PublishedAt)

	// Re-publishing the first project keeps its slug.
	again, err := pub.Run(ctx, "pub-a-again", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "build-a-todo-app", again.Slug)
	assert.False(t, again.Skipped)
}

func TestPublishSkipsFailedGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Public, "broken app")
	h.result(t, p.ID, "Broken", appURL)
	_, err := h.store.AddMessage(ctx, store.NewMessage{
		ProjectID: p.ID, Role: store.RoleAssistant, Type: store.TypeError, Content: ErrorResponse,
	})
	require.NoError(t, err)

	pub, capt := h.publisher(t, "Other")
	capt.EXPECT().Capture(gomock.Any(), appURL).Return("https://img.test/b.png", nil)

	res, err := pub.Run(ctx, "pub-err", p.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, ReasonGenerationFailed, res.Reason)
	assert.Equal(t, "broken-app", res.Slug)

	got, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PublishedAt)
}

func TestPublishScreenshotRetries(t *testing.T) {
	boom := errors.New("thumbnail service down")
	tests := []struct {
		name      string
		failures  int
		wantImage string
		wantSleep []time.Duration
	}{
		{"second attempt wins", 1, "https://img.test/ok.png", []time.Duration{10 * time.Second, 30 * time.Second}},
		{"third attempt wins", 2, "https://img.test/ok.png", []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}},
		{"all attempts fail", 3, "", []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			p := h.project(t, store.Public, "weather dashboard")
			h.result(t, p.ID, "Weather", appURL)

			pub, capt := h.publisher(t, "Other")
			calls := 0
			capt.EXPECT().Capture(gomock.Any(), appURL).DoAndReturn(func(context.Context, string) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", boom
				}
				return "https://img.test/ok.png", nil
			}).AnyTimes()

			res, err := pub.Run(ctx, "pub-shot", p.ID)
			require.NoError(t, err)
			assert.False(t, res.Skipped)
			assert.Equal(t, tt.wantSleep, h.sleepLog())
			assert.LessOrEqual(t, calls, 3)

			want := tt.wantImage
			if want == "" {
				want = h.cfg.Screenshot.PlaceholderURL
			}
			assert.Equal(t, want, res.ImageURL)
			sc, err := h.store.ScreenshotFor(ctx, appURL)
			require.NoError(t, err)
			assert.Equal(t, want, sc.ImageURL)
		})
	}
}

func TestPublishDisabledCaptureUsesPlaceholderWithoutRetry(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, store.Public, "notes")
	h.result(t, p.ID, "Notes", appURL)

	pub, capt := h.publisher(t, "Productivity")
	capt.EXPECT().Capture(gomock.Any(), appURL).Return("", screenshot.ErrDisabled).Times(1)

	res, err := pub.Run(context.Background(), "pub-disabled", p.ID)
	require.NoError(t, err)
	assert.Equal(t, h.cfg.Screenshot.PlaceholderURL, res.ImageURL)
	assert.Equal(t, []time.Duration{10 * time.Second}, h.sleepLog())
}

func TestPublishReusesStoredScreenshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Public, "habit tracker")
	h.result(t, p.ID, "Habits", appURL)
	_, err := h.store.SaveScreenshot(ctx, appURL, "https://img.test/old.png")
	require.NoError(t, err)

	pub, capt := h.publisher(t, "Health")
	capt.EXPECT().Capture(gomock.Any(), gomock.Any()).Times(0)

	res, err := pub.Run(ctx, "pub-reuse", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://img.test/old.png", res.ImageURL)
	assert.Equal(t, "Health", res.Category)
}

func TestPublishReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Public, "recipe finder")
	h.result(t, p.ID, "Recipes", appURL)

	capt := mocks.NewMockCapturer(gomock.NewController(t))
	capt.EXPECT().Capture(gomock.Any(), appURL).Return("https://img.test/r.png", nil).Times(1)
	sum := summarizer("", "", "Food")
	deps := h.deps(nil, sum)
	deps.Capturer = capt
	pub := NewPublish(h.cfg, deps)

	first, err := pub.Run(ctx, "pub-replay", p.ID)
	require.NoError(t, err)
	assert.Equal(t, FallbackCategory, first.Category)
	calls := sum.Calls()

	second, err := pub.Run(ctx, "pub-replay", p.ID)
	require.NoError(t, err)
	assert.Equal(t, calls, sum.Calls())
	assert.Equal(t, first.Slug, second.Slug)
	assert.Equal(t, first.ImageURL, second.ImageURL)
	require.NotNil(t, second.PublishedAt)
	assert.True(t, first.PublishedAt.Equal(*second.PublishedAt))
}

func TestPublishHandleDecodesEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Public, "build a todo app")
	h.result(t, p.ID, "Todo App", appURL)

	id, err := RequestPublish(ctx, h.queue, h.cfg, p.ID, "")
	require.NoError(t, err)
	ev, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, id, ev.ID)

	pub, capt := h.publisher(t, "Productivity")
	capt.EXPECT().Capture(gomock.Any(), appURL).Return("https://img.test/t.png", nil)
	require.NoError(t, pub.Handle(ctx, ev))

	run, err := h.steps.Store().GetRun(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, NamePublish, run.Workflow)
}

func TestBackfillRequestsPublishForProjectsWithoutSlug(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	public := h.project(t, store.Public, "a")
	h.project(t, store.Private, "b")

	pub, _ := h.publisher(t, "")
	ids, err := pub.Backfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{public.ID}, ids)

	evs, err := h.queue.FindByStatus(ctx, queue.StatusQueued)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, queue.EventRunCompleted, evs[0].Name)
}

func TestCodeAgentThenPublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Public, "build a todo app")

	w := NewCodeAgent(h.cfg, h.deps(todoCoder(), summarizer("Todo App", "Done.", "")))
	out, err := w.Run(ctx, "run-e2e", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app"})
	require.NoError(t, err)

	ev, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, out.PublishedID, ev.ID)

	pub, capt := h.publisher(t, "I think this is a list app")
	capt.EXPECT().Capture(gomock.Any(), out.SandboxURL).Return("https://img.test/e2e.png", nil)
	require.NoError(t, pub.Handle(ctx, ev))

	got, err := h.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Slug)
	assert.Equal(t, "build-a-todo-app", *got.Slug)
	require.NotNil(t, got.Category)
	assert.Equal(t, FallbackCategory, *got.Category)
	assert.NotNil(t, got.PublishedAt)
}
