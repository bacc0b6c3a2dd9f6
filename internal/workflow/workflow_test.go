package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/devle/internal/agent"
	"github.com/mattjoyce/devle/internal/agent/agenttest"
	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/log"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/sandbox"
	"github.com/mattjoyce/devle/internal/sandbox/sandboxtest"
	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/store"
	"github.com/mattjoyce/devle/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type harness struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	steps    *step.Executor
	provider *sandboxtest.Provider
	records  *sandbox.Records
	gateway  *sandbox.Manager

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		cfg:      config.Defaults(),
		store:    store.New(db),
		queue:    queue.New(db),
		provider: sandboxtest.New(),
		records:  sandbox.NewRecords(db),
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.steps = step.NewExecutor(step.NewStore(db), step.Options{
		Retry: config.RetryConfig{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond},
		Now:   func() time.Time { return now },
		Sleep: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		},
	})
	h.gateway = sandbox.NewManager(h.provider, h.records, h.cfg.Sandbox)
	return h
}

// restart swaps in a fresh provider and manager over the same database, as a
// new process would see it.
func (h *harness) restart() {
	h.provider = sandboxtest.New()
	h.gateway = sandbox.NewManager(h.provider, h.records, h.cfg.Sandbox)
}

func (h *harness) deps(coder, summarizer *agenttest.Model) Deps {
	d := Deps{
		Store:   h.store,
		Steps:   h.steps,
		Sandbox: h.gateway,
		Bus:     h.queue,
	}
	if coder != nil {
		d.Coder = coder
	}
	if summarizer != nil {
		d.Summarizer = summarizer
	}
	return d
}

func (h *harness) sleepLog() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) project(t *testing.T, vis store.Visibility, firstMessage string) *store.Project {
	t.Helper()
	ctx := context.Background()
	p, err := h.store.CreateProject(ctx, store.NewProject{Name: "demo", UserID: "user-1", Visibility: vis})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if firstMessage != "" {
		if _, err := h.store.AddMessage(ctx, store.NewMessage{
			ProjectID: p.ID, Role: store.RoleUser, Type: store.TypeResult, Content: firstMessage,
		}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	return p
}

func (h *harness) result(t *testing.T, projectID, title, sandboxURL string) {
	t.Helper()
	_, _, err := h.store.SaveResult(context.Background(), projectID, "done", store.Fragment{
		SandboxURL: sandboxURL,
		Title:      title,
		Files:      map[string]string{"app/page.tsx": "x"},
	})
	if err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
}

// summarizer answers the title, response and category prompts.
func summarizer(title, response, category string) *agenttest.Model {
	return agenttest.New(func(_ int, msgs []*schema.Message) (*schema.Message, error) {
		system := ""
		if len(msgs) > 0 {
			system = msgs[0].Content
		}
		switch {
		case system == TitlePrompt:
			return schema.AssistantMessage(title, nil), nil
		case system == ResponsePrompt:
			return schema.AssistantMessage(response, nil), nil
		case strings.HasPrefix(system, "You classify"):
			return schema.AssistantMessage(category, nil), nil
		}
		return schema.AssistantMessage("", nil), nil
	})
}

// todoCoder writes one file and then reports completion.
func todoCoder() *agenttest.Model {
	return agenttest.Script(
		agenttest.Call("c1", agent.ToolCreateOrUpdateFiles,
			`{"files":[{"path":"app/page.tsx","content":"export default function Page() { return <main>Todo</main> }"}]}`),
		schema.AssistantMessage("<task_summary>Todo app built</task_summary>", nil),
	)
}
