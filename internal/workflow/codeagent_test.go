package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/devle/internal/agent"
	"github.com/mattjoyce/devle/internal/agent/agenttest"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/store"
	"github.com/mattjoyce/devle/internal/workflow/mocks"
)

func TestCodeAgentPersistsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Private, "build a todo app")

	coder := todoCoder()
	sum := summarizer("Todo App", "Here is your todo app.", "")
	w := NewCodeAgent(h.cfg, h.deps(coder, sum))

	out, err := w.Run(ctx, "run-1", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app", UserPlan: "pro"})
	require.NoError(t, err)
	require.NoError(t, out.Err())

	assert.Equal(t, OutcomeResult, out.Status)
	assert.Equal(t, agent.StatusConverged, out.Agent.Status)
	assert.Equal(t, 2, out.Agent.Iterations)
	assert.Equal(t, "Todo App", out.Title)
	assert.Equal(t, "Here is your todo app.", out.Response)
	assert.Equal(t, "https://3000-"+out.SandboxID+".sandbox.test", out.SandboxURL)
	assert.Contains(t, out.Summary, "Todo app built")

	last, err := h.store.LastAssistantMessage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TypeResult, last.Type)
	assert.Equal(t, "Here is your todo app.", last.Content)

	frag, err := h.store.LatestFragment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, out.FragmentID, frag.ID)
	assert.Equal(t, "Todo App", frag.Title)
	assert.Equal(t, out.SandboxURL, frag.SandboxURL)
	assert.Contains(t, frag.Files, "app/page.tsx")

	// Paid private projects get the short TTL.
	handle, err := h.gateway.Get(ctx, out.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, handle.ExpiresAt.Sub(handle.CreatedAt))

	// Private projects never reach the publish pipeline.
	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestCodeAgentPublicProjectEmitsRunCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Public, "build a todo app")

	w := NewCodeAgent(h.cfg, h.deps(todoCoder(), summarizer("Todo App", "Done.", "")))
	out, err := w.Run(ctx, "run-pub", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app", UserPlan: "pro"})
	require.NoError(t, err)
	require.NotEmpty(t, out.PublishedID)

	handle, err := h.gateway.Get(ctx, out.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, handle.ExpiresAt.Sub(handle.CreatedAt))

	ev, err := h.queue.Get(ctx, out.PublishedID)
	require.NoError(t, err)
	assert.Equal(t, queue.EventRunCompleted, ev.Name)
	require.NotNil(t, ev.DedupeKey)
	assert.Equal(t, "run-completed:run-pub", *ev.DedupeKey)
	var payload queue.RunCompletedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, p.ID, payload.ProjectID)

	// A redelivery replays the emit step instead of sending again.
	again, err := w.Run(ctx, "run-pub", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app"})
	require.NoError(t, err)
	assert.Equal(t, out.PublishedID, again.PublishedID)
	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestCodeAgentPersistsErrorWhenAgentNeverCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Public, "build something")

	coder := agenttest.Text("still thinking")
	sum := summarizer("Unused", "Unused", "")
	w := NewCodeAgent(h.cfg, h.deps(coder, sum))

	out, err := w.Run(ctx, "run-err", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build something"})
	require.NoError(t, err)
	assert.True(t, errors.Is(out.Err(), ErrGenerationFailed))
	assert.Equal(t, OutcomeError, out.Status)
	assert.Equal(t, agent.StatusExhausted, out.Agent.Status)
	assert.Equal(t, 15, coder.Calls())
	assert.Equal(t, 0, sum.Calls())
	assert.Empty(t, out.FragmentID)
	assert.Empty(t, out.PublishedID)

	last, err := h.store.LastAssistantMessage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TypeError, last.Type)
	assert.Equal(t, ErrorResponse, last.Content)

	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestCodeAgentSummaryWithoutFilesIsAnError(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, store.Private, "hello")

	coder := agenttest.Text("<task_summary>nothing to do</task_summary>")
	w := NewCodeAgent(h.cfg, h.deps(coder, summarizer("", "", "")))
	out, err := w.Run(context.Background(), "run-nofiles", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, out.Status)
	assert.Equal(t, agent.StatusConverged, out.Agent.Status)
	assert.Equal(t, 1, coder.Calls())
}

func TestCodeAgentTitleAndResponseFallbacks(t *testing.T) {
	h := newHarness(t)
	p := h.project(t, store.Private, "build a todo app")

	w := NewCodeAgent(h.cfg, h.deps(todoCoder(), summarizer("  ", "", "")))
	out, err := w.Run(context.Background(), "run-fallback", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, out.Title)
	assert.Equal(t, DefaultResponse, out.Response)
}

func TestCodeAgentReplaySkipsCompletedSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Private, "build a todo app")

	coder := todoCoder()
	sum := summarizer("Todo App", "Done.", "")
	w := NewCodeAgent(h.cfg, h.deps(coder, sum))
	in := queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app"}

	first, err := w.Run(ctx, "run-replay", in)
	require.NoError(t, err)
	coderCalls, sumCalls := coder.Calls(), sum.Calls()
	sandboxes := h.gateway.Active()

	second, err := w.Run(ctx, "run-replay", in)
	require.NoError(t, err)
	assert.Equal(t, coderCalls, coder.Calls())
	assert.Equal(t, sumCalls, sum.Calls())
	assert.Equal(t, sandboxes, h.gateway.Active())
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.Files, second.Files)
	assert.Equal(t, first.Summary, second.Summary)

	msgs, err := h.store.RecentMessages(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestCodeAgentHistoryIsOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Private, "make a counter")
	_, err := h.store.AddMessage(ctx, store.NewMessage{ProjectID: p.ID, Role: store.RoleAssistant, Type: store.TypeResult, Content: "counter built"})
	require.NoError(t, err)
	_, err = h.store.AddMessage(ctx, store.NewMessage{ProjectID: p.ID, Role: store.RoleUser, Type: store.TypeResult, Content: "make it blue"})
	require.NoError(t, err)

	coder := todoCoder()
	w := NewCodeAgent(h.cfg, h.deps(coder, summarizer("Counter", "Blue now.", "")))
	_, err = w.Run(ctx, "run-history", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "make it blue"})
	require.NoError(t, err)

	input := coder.Input(0)
	require.Len(t, input, 4)
	assert.Equal(t, schema.System, input[0].Role)
	assert.Equal(t, "make a counter", input[1].Content)
	assert.Equal(t, "counter built", input[2].Content)
	assert.Equal(t, schema.Assistant, input[2].Role)
	assert.Equal(t, "make it blue", input[3].Content)
}

func TestCodeAgentMissingProjectIsUnprocessable(t *testing.T) {
	h := newHarness(t)
	w := NewCodeAgent(h.cfg, h.deps(todoCoder(), summarizer("", "", "")))
	_, err := w.Run(context.Background(), "run-missing", queue.CodeAgentRunPayload{ProjectID: "nope", Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrUnprocessable))
	assert.Equal(t, 0, h.gateway.Active())
}

func TestCodeAgentHandleRejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	w := NewCodeAgent(h.cfg, h.deps(nil, nil))
	err := w.Handle(context.Background(), &queue.Event{ID: "ev-1", Name: queue.EventCodeAgentRun, Payload: json.RawMessage(`[`)})
	assert.True(t, errors.Is(err, queue.ErrUnprocessable))
}

func TestCodeAgentEmitsThroughSender(t *testing.T) {
	h := newHarness(t)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockSender(ctrl)
	p := h.project(t, store.Public, "build a todo app")

	bus.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req queue.SendRequest) (string, error) {
		assert.Equal(t, queue.EventRunCompleted, req.Name)
		require.NotNil(t, req.DedupeKey)
		assert.Equal(t, "run-completed:run-mock", *req.DedupeKey)
		return "", &queue.DedupeDropError{DedupeKey: *req.DedupeKey, ExistingID: "ev-existing"}
	}).Times(1)

	deps := h.deps(todoCoder(), summarizer("Todo App", "Done.", ""))
	deps.Bus = bus
	out, err := NewCodeAgent(h.cfg, deps).Run(context.Background(), "run-mock", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app"})
	require.NoError(t, err)
	assert.Equal(t, "ev-existing", out.PublishedID)
}

func TestPaidPlan(t *testing.T) {
	assert.True(t, PaidPlan("pro"))
	assert.True(t, PaidPlan(" Paid "))
	assert.False(t, PaidPlan("free"))
	assert.False(t, PaidPlan(""))
}

func TestCodeAgentHistoryKeepsFullWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Private, "")
	for i := 0; i < 7; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		_, err := h.store.AddMessage(ctx, store.NewMessage{ProjectID: p.ID, Role: role, Type: store.TypeResult, Content: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
	}
	_, err := h.store.AddMessage(ctx, store.NewMessage{ProjectID: p.ID, Role: store.RoleUser, Type: store.TypeResult, Content: "add a footer"})
	require.NoError(t, err)

	coder := todoCoder()
	w := NewCodeAgent(h.cfg, h.deps(coder, summarizer("Footer", "Added.", "")))
	_, err = w.Run(ctx, "run-window", queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "add a footer"})
	require.NoError(t, err)

	input := coder.Input(0)
	require.Len(t, input, 1+5+1)
	assert.Equal(t, "turn 2", input[1].Content)
	assert.Equal(t, "turn 6", input[5].Content)
	assert.Equal(t, "add a footer", input[6].Content)
}

// interruptedCoder writes a file on its first turn and then fails, leaving
// the run to be redelivered.
func interruptedCoder() *agenttest.Model {
	return agenttest.New(func(n int, _ []*schema.Message) (*schema.Message, error) {
		if n == 0 {
			return agenttest.Call("c1", agent.ToolCreateOrUpdateFiles,
				`{"files":[{"path":"app/page.tsx","content":"export default 1"}]}`), nil
		}
		return nil, errors.New("connection reset")
	})
}

func TestCodeAgentResumesSandboxAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Private, "build a todo app")
	in := queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app"}

	_, err := NewCodeAgent(h.cfg, h.deps(interruptedCoder(), summarizer("", "", ""))).Run(ctx, "run-restart", in)
	require.Error(t, err)

	h.restart()
	coder := agenttest.Text("<task_summary>Todo app built</task_summary>")
	out, err := NewCodeAgent(h.cfg, h.deps(coder, summarizer("Todo App", "Done.", ""))).Run(ctx, "run-restart", in)
	require.NoError(t, err)
	require.NoError(t, out.Err())

	assert.Equal(t, 1, coder.Calls())
	assert.Equal(t, "https://3000-"+out.SandboxID+".sandbox.test", out.SandboxURL)
	assert.Equal(t, "export default 1", h.provider.Files(out.SandboxID)["/home/user/app/page.tsx"])
	assert.Equal(t, 1, h.gateway.Active())
}

func TestCodeAgentLostSandboxAfterRestartPersistsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.project(t, store.Private, "build a todo app")
	in := queue.CodeAgentRunPayload{ProjectID: p.ID, Prompt: "build a todo app"}

	_, err := NewCodeAgent(h.cfg, h.deps(interruptedCoder(), summarizer("", "", ""))).Run(ctx, "run-lost", in)
	require.Error(t, err)

	h.restart()
	h.provider.Lost = true
	coder := agenttest.Script(agenttest.Call("c2", agent.ToolTerminal, `{"command":"npm run build"}`))
	sum := summarizer("Unused", "Unused", "")
	out, err := NewCodeAgent(h.cfg, h.deps(coder, sum)).Run(ctx, "run-lost", in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, out.Status)
	assert.True(t, errors.Is(out.Err(), ErrGenerationFailed))
	assert.Empty(t, out.SandboxURL)
	assert.Equal(t, 0, sum.Calls())

	last, err := h.store.LastAssistantMessage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TypeError, last.Type)
	assert.Equal(t, ErrorResponse, last.Content)
}
