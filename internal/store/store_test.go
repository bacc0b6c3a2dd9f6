package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/devle/internal/log"
	"github.com/mattjoyce/devle/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func mustProject(t *testing.T, s *Store, vis Visibility) *Project {
	t.Helper()
	p, err := s.CreateProject(context.Background(), NewProject{Name: "p", UserID: "u1", Visibility: vis})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func mustMessage(t *testing.T, s *Store, projectID string, role Role, typ MessageType, content string) *Message {
	t.Helper()
	m, err := s.AddMessage(context.Background(), NewMessage{ProjectID: projectID, Role: role, Type: typ, Content: content})
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	return m
}

func TestProjectLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := mustProject(t, s, "")
	if p.Visibility != Private || p.IsPublic() {
		t.Fatalf("default visibility = %q, want private", p.Visibility)
	}
	if err := s.SetVisibility(ctx, p.ID, Public); err != nil {
		t.Fatalf("SetVisibility: %v", err)
	}
	if err := s.SetVisibility(ctx, p.ID, "secret"); err == nil {
		t.Fatal("expected error for invalid visibility")
	}
	if err := s.SetSlug(ctx, p.ID, "todo-app"); err != nil {
		t.Fatalf("SetSlug: %v", err)
	}
	if err := s.SetCategory(ctx, p.ID, "Productivity"); err != nil {
		t.Fatalf("SetCategory: %v", err)
	}

	first, err := s.MarkPublished(ctx, p.ID)
	if err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	second, err := s.MarkPublished(ctx, p.ID)
	if err != nil {
		t.Fatalf("MarkPublished again: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("published_at moved: %v -> %v", first, second)
	}

	got, err := s.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if !got.IsPublic() || *got.Slug != "todo-app" || *got.Category != "Productivity" || got.PublishedAt == nil {
		t.Fatalf("unexpected project: %+v", got)
	}

	if _, err := s.GetProject(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetCategory(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSlugUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := mustProject(t, s, Public)
	b := mustProject(t, s, Public)
	if err := s.SetSlug(ctx, a.ID, "dup"); err != nil {
		t.Fatalf("SetSlug a: %v", err)
	}
	if err := s.SetSlug(ctx, b.ID, "dup"); !errors.Is(err, ErrSlugTaken) {
		t.Fatalf("expected ErrSlugTaken, got %v", err)
	}

	owner, ok, err := s.SlugOwner(ctx, "dup")
	if err != nil || !ok || owner != a.ID {
		t.Fatalf("SlugOwner = %q %v %v", owner, ok, err)
	}
	if _, ok, _ := s.SlugOwner(ctx, "free"); ok {
		t.Fatal("unexpected owner for free slug")
	}

	missing, err := s.ProjectsMissingSlugs(ctx)
	if err != nil {
		t.Fatalf("ProjectsMissingSlugs: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != b.ID {
		t.Fatalf("unexpected missing set: %+v", missing)
	}
}

func TestRecentMessagesOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s, Private)

	for _, c := range []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"} {
		role := RoleUser
		if c == "m2" || c == "m4" || c == "m6" {
			role = RoleAssistant
		}
		mustMessage(t, s, p.ID, role, TypeResult, c)
	}

	msgs, err := s.RecentMessages(ctx, p.ID, 5)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	want := []string{"m3", "m4", "m5", "m6", "m7"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Fatalf("msg[%d] = %q, want %q", i, m.Content, want[i])
		}
	}

	first, err := s.FirstUserMessage(ctx, p.ID)
	if err != nil || first.Content != "m1" {
		t.Fatalf("FirstUserMessage = %+v, %v", first, err)
	}
	last, err := s.LastAssistantMessage(ctx, p.ID)
	if err != nil || last.Content != "m6" {
		t.Fatalf("LastAssistantMessage = %+v, %v", last, err)
	}

	empty := mustProject(t, s, Private)
	if _, err := s.LastAssistantMessage(ctx, empty.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveResultAndFragments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := mustProject(t, s, Public)

	msg, frag, err := s.SaveResult(ctx, p.ID, "Here you go", Fragment{
		SandboxURL: "https://3000-sbx.test",
		Title:      "Todo Board",
		Files:      map[string]string{"app/page.tsx": "x"},
	})
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if msg.Role != RoleAssistant || msg.Type != TypeResult || frag.MessageID != msg.ID {
		t.Fatalf("unexpected result: %+v %+v", msg, frag)
	}

	latest, err := s.LatestFragment(ctx, p.ID)
	if err != nil {
		t.Fatalf("LatestFragment: %v", err)
	}
	if latest.ID != frag.ID || latest.Files["app/page.tsx"] != "x" {
		t.Fatalf("unexpected latest fragment: %+v", latest)
	}

	if err := s.ReplaceFragmentFiles(ctx, frag.ID, map[string]string{"README.md": "hi"}); err != nil {
		t.Fatalf("ReplaceFragmentFiles: %v", err)
	}
	got, err := s.GetFragment(ctx, frag.ID)
	if err != nil {
		t.Fatalf("GetFragment: %v", err)
	}
	if len(got.Files) != 1 || got.Files["README.md"] != "hi" {
		t.Fatalf("files not replaced: %+v", got.Files)
	}
	if err := s.ReplaceFragmentFiles(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishedTitleExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	published := mustProject(t, s, Public)
	if _, _, err := s.SaveResult(ctx, published.ID, "r", Fragment{SandboxURL: "u1", Title: "Todo Board"}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	candidate := mustProject(t, s, Public)
	if _, _, err := s.SaveResult(ctx, candidate.ID, "r", Fragment{SandboxURL: "u2", Title: "Todo Board"}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	// Unpublished projects do not count.
	exists, err := s.PublishedTitleExists(ctx, "Todo Board", candidate.ID)
	if err != nil || exists {
		t.Fatalf("before publish: exists=%v err=%v", exists, err)
	}

	if _, err := s.MarkPublished(ctx, published.ID); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	exists, err = s.PublishedTitleExists(ctx, "Todo Board", candidate.ID)
	if err != nil || !exists {
		t.Fatalf("after publish: exists=%v err=%v", exists, err)
	}

	exists, _ = s.PublishedTitleExists(ctx, "todo board", candidate.ID)
	if exists {
		t.Fatal("title match must be exact")
	}
	exists, _ = s.PublishedTitleExists(ctx, "Todo Board", published.ID)
	if exists {
		t.Fatal("a project must not collide with itself")
	}
}

func TestPublishedTitleExistsIgnoresSupersededFragments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	published := mustProject(t, s, Public)
	if _, _, err := s.SaveResult(ctx, published.ID, "r", Fragment{SandboxURL: "u1", Title: "Todo Board"}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if _, err := s.MarkPublished(ctx, published.ID); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if _, _, err := s.SaveResult(ctx, published.ID, "r", Fragment{SandboxURL: "u2", Title: "Kanban Board"}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	candidate := mustProject(t, s, Public)

	exists, err := s.PublishedTitleExists(ctx, "Todo Board", candidate.ID)
	if err != nil || exists {
		t.Fatalf("old title: exists=%v err=%v", exists, err)
	}
	exists, err = s.PublishedTitleExists(ctx, "Kanban Board", candidate.ID)
	if err != nil || !exists {
		t.Fatalf("current title: exists=%v err=%v", exists, err)
	}
}

func TestScreenshotsFirstWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.ScreenshotFor(ctx, "u"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	first, err := s.SaveScreenshot(ctx, "u", "https://img/1.png")
	if err != nil {
		t.Fatalf("SaveScreenshot: %v", err)
	}
	second, err := s.SaveScreenshot(ctx, "u", "https://img/2.png")
	if err != nil {
		t.Fatalf("SaveScreenshot again: %v", err)
	}
	if second.ID != first.ID || second.ImageURL != "https://img/1.png" {
		t.Fatalf("screenshot overwritten: %+v", second)
	}
}

func TestPublicSolutionsCatalog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	publish := func(title, slug, category string, failed bool) *Project {
		p := mustProject(t, s, Public)
		if _, _, err := s.SaveResult(ctx, p.ID, "r", Fragment{SandboxURL: "url-" + slug, Title: title}); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
		if failed {
			mustMessage(t, s, p.ID, RoleAssistant, TypeError, "Something went wrong. Please try again")
		}
		if err := s.SetSlug(ctx, p.ID, slug); err != nil {
			t.Fatalf("SetSlug: %v", err)
		}
		if err := s.SetCategory(ctx, p.ID, category); err != nil {
			t.Fatalf("SetCategory: %v", err)
		}
		if _, err := s.MarkPublished(ctx, p.ID); err != nil {
			t.Fatalf("MarkPublished: %v", err)
		}
		return p
	}

	publish("Budget Tracker", "budget", "Finance", false)
	publish("Todo Board", "todo-1", "Productivity", false)
	newest := publish(" todo board ", "todo-2", "Productivity", false)
	publish("Broken", "broken", "Other", true)
	if _, err := s.SaveScreenshot(ctx, "url-todo-2", "https://img/todo.png"); err != nil {
		t.Fatalf("SaveScreenshot: %v", err)
	}
	// Public but never published.
	mustProject(t, s, Public)

	all, err := s.PublicSolutions(ctx, CatalogQuery{})
	if err != nil {
		t.Fatalf("PublicSolutions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d solutions, want 2: %+v", len(all), all)
	}
	if all[0].ProjectID != newest.ID || all[0].ImageURL != "https://img/todo.png" {
		t.Fatalf("newest duplicate should win: %+v", all[0])
	}
	if all[1].Slug != "budget" {
		t.Fatalf("unexpected second entry: %+v", all[1])
	}

	fin, err := s.PublicSolutions(ctx, CatalogQuery{Category: "Finance"})
	if err != nil {
		t.Fatalf("PublicSolutions finance: %v", err)
	}
	if len(fin) != 1 || fin[0].Title != "Budget Tracker" {
		t.Fatalf("unexpected finance list: %+v", fin)
	}

	sol, err := s.SolutionBySlug(ctx, "todo-2")
	if err != nil {
		t.Fatalf("SolutionBySlug: %v", err)
	}
	if sol.ProjectID != newest.ID {
		t.Fatalf("unexpected solution: %+v", sol)
	}
	if _, err := s.SolutionBySlug(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
