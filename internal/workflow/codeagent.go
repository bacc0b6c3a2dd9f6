package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/devle/internal/agent"
	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/sandbox"
	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/store"
)

// Fixed user-facing strings.
const (
	DefaultTitle    = "Fragment"
	DefaultResponse = "Here you go"
	ErrorResponse   = "Something went wrong. Please try again"
)

type OutcomeStatus string

const (
	OutcomeResult OutcomeStatus = "result"
	OutcomeError  OutcomeStatus = "error"
)

// Outcome is what a CodeAgent run persisted.
type Outcome struct {
	ProjectID   string            `json:"project_id"`
	Status      OutcomeStatus     `json:"status"`
	MessageID   string            `json:"message_id"`
	FragmentID  string            `json:"fragment_id,omitempty"`
	SandboxID   string            `json:"sandbox_id"`
	SandboxURL  string            `json:"sandbox_url"`
	Title       string            `json:"title,omitempty"`
	Response    string            `json:"response"`
	Summary     string            `json:"summary,omitempty"`
	Files       map[string]string `json:"files,omitempty"`
	Agent       agent.Result      `json:"agent"`
	PublishedID string            `json:"publish_event_id,omitempty"`
}

// Err returns ErrGenerationFailed for an error outcome.
func (o *Outcome) Err() error {
	if o.Status == OutcomeError {
		return ErrGenerationFailed
	}
	return nil
}

// CodeAgent runs the coding agent for one prompt and stores what it built.
type CodeAgent struct {
	deps Deps
	cfg  *config.Config
}

func NewCodeAgent(cfg *config.Config, deps Deps) *CodeAgent {
	return &CodeAgent{deps: deps, cfg: cfg}
}

// Handle is the dispatcher entry point for code-agent/run events.
func (w *CodeAgent) Handle(ctx context.Context, ev *queue.Event) error {
	var in queue.CodeAgentRunPayload
	if err := decodePayload(ev, &in); err != nil {
		return err
	}
	_, err := w.Run(ctx, ev.ID, in)
	return err
}

type projectInfo struct {
	Found      bool             `json:"found"`
	Visibility store.Visibility `json:"visibility"`
}

type historyEntry struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

type savedResult struct {
	MessageID  string `json:"message_id"`
	FragmentID string `json:"fragment_id,omitempty"`
}

// Run executes (or resumes) the run with the given id.
func (w *CodeAgent) Run(ctx context.Context, runID string, in queue.CodeAgentRunPayload) (*Outcome, error) {
	run, err := w.deps.Steps.Begin(ctx, runID, NameCodeAgent, in)
	if err != nil {
		return nil, err
	}
	out, err := w.run(ctx, run, in)
	return out, finish(ctx, w.deps.Steps, run, err)
}

func (w *CodeAgent) run(ctx context.Context, run *step.Run, in queue.CodeAgentRunPayload) (*Outcome, error) {
	logger := run.Logger().With("project_id", in.ProjectID)
	st := w.deps.Store

	project, err := step.Do(ctx, run, "lookup-project", func(ctx context.Context) (projectInfo, error) {
		p, err := st.GetProject(ctx, in.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			return projectInfo{}, nil
		}
		if err != nil {
			return projectInfo{}, err
		}
		return projectInfo{Found: true, Visibility: p.Visibility}, nil
	})
	if err != nil {
		return nil, err
	}
	if !project.Found {
		return nil, fmt.Errorf("%w: project %s not found", queue.ErrUnprocessable, in.ProjectID)
	}

	sandboxID, err := step.Do(ctx, run, "get-sandbox-id", func(ctx context.Context) (string, error) {
		policy := sandbox.Policy{ShortTTL: w.cfg.Sandbox.ShortTTL, LongTTL: w.cfg.Sandbox.LongTTL}
		ttl := policy.TTL(PaidPlan(in.UserPlan), project.Visibility == store.Private)
		h, err := w.deps.Sandbox.Create(ctx, w.cfg.Sandbox.DefaultTemplate, ttl)
		if err != nil {
			return "", err
		}
		logger.Info("sandbox created", "sandbox_id", h.ID, "ttl", ttl)
		return h.ID, nil
	})
	if err != nil {
		return nil, err
	}

	window := w.cfg.Agent.HistoryWindow
	if window <= 0 {
		window = 5
	}
	previous, err := step.Do(ctx, run, "get-previous-messages", func(ctx context.Context) ([]historyEntry, error) {
		msgs, err := st.RecentMessages(ctx, in.ProjectID, window+1)
		if err != nil {
			return nil, err
		}
		// The request itself is stored as the newest user message; the
		// network adds it as the prompt.
		if n := len(msgs); n > 0 && msgs[n-1].Role == store.RoleUser && msgs[n-1].Content == in.Prompt {
			msgs = msgs[:n-1]
		}
		if len(msgs) > window {
			msgs = msgs[len(msgs)-window:]
		}
		entries := make([]historyEntry, 0, len(msgs))
		for _, m := range msgs {
			entries = append(entries, historyEntry{Role: m.Role, Content: m.Content})
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	state := agent.NewState()
	tb, err := agent.NewToolbox(run, w.deps.Sandbox, sandboxID, state)
	if err != nil {
		return nil, err
	}
	network := &agent.Network{
		Model:         w.deps.Coder,
		SystemPrompt:  CoderPrompt,
		MaxIterations: w.cfg.Agent.MaxIterations,
		Marker:        w.cfg.Agent.CompletionMarker,
		Events:        w.deps.publisher(),
	}
	result, err := network.Run(ctx, run, tb, toSchema(previous), in.Prompt, state)
	// A sandbox that is gone for good ends the run with an error message.
	lost := errors.Is(err, sandbox.ErrUnavailable)
	if err != nil && !lost {
		return nil, err
	}
	if lost {
		logger.Warn("sandbox lost during run", "sandbox_id", sandboxID, "error", err)
	}
	snap := state.Snapshot()
	failed := lost || strings.TrimSpace(snap.Summary) == "" || len(snap.Files) == 0
	logger.Info("agent network stopped", "status", result.Status, "iterations", result.Iterations,
		"files", len(snap.Files), "has_summary", snap.Summary != "")

	out := &Outcome{
		ProjectID: in.ProjectID,
		SandboxID: sandboxID,
		Summary:   snap.Summary,
		Files:     snap.Files,
		Agent:     result,
	}

	if failed {
		out.Status = OutcomeError
		out.Response = ErrorResponse
	} else {
		out.Status = OutcomeResult
		title, err := agent.Generate(ctx, run, "generate-title", w.deps.Summarizer, TitlePrompt, snap.Summary)
		if err != nil {
			return nil, err
		}
		out.Title = firstNonEmpty(title, DefaultTitle)
		response, err := agent.Generate(ctx, run, "generate-response", w.deps.Summarizer, ResponsePrompt, snap.Summary)
		if err != nil {
			return nil, err
		}
		out.Response = firstNonEmpty(response, DefaultResponse)
	}

	port := w.cfg.Sandbox.AppPort
	if port <= 0 {
		port = 3000
	}
	if !lost {
		out.SandboxURL, err = step.Do(ctx, run, "get-sandbox-url", func(ctx context.Context) (string, error) {
			return w.deps.Sandbox.HostURL(ctx, sandboxID, port)
		})
		switch {
		case errors.Is(err, sandbox.ErrUnavailable):
			logger.Warn("sandbox lost before serving", "sandbox_id", sandboxID, "error", err)
			failed = true
			out.Status = OutcomeError
			out.Title = ""
			out.Response = ErrorResponse
		case err != nil:
			return nil, err
		}
	}

	saved, err := step.Do(ctx, run, "save-result", func(ctx context.Context) (savedResult, error) {
		if failed {
			msg, err := st.AddMessage(ctx, store.NewMessage{
				ProjectID: in.ProjectID,
				Role:      store.RoleAssistant,
				Type:      store.TypeError,
				Content:   ErrorResponse,
			})
			if err != nil {
				return savedResult{}, err
			}
			return savedResult{MessageID: msg.ID}, nil
		}
		msg, frag, err := st.SaveResult(ctx, in.ProjectID, out.Response, store.Fragment{
			SandboxURL: out.SandboxURL,
			Title:      out.Title,
			Files:      snap.Files,
		})
		if err != nil {
			return savedResult{}, err
		}
		return savedResult{MessageID: msg.ID, FragmentID: frag.ID}, nil
	})
	if err != nil {
		return nil, err
	}
	out.MessageID = saved.MessageID
	out.FragmentID = saved.FragmentID

	if failed {
		logger.Warn("run produced no app", "error", ErrGenerationFailed)
		return out, nil
	}
	if project.Visibility != store.Public {
		return out, nil
	}

	// Fire and forget: the publish pipeline runs from its own event.
	out.PublishedID, err = step.Do(ctx, run, "emit-run-completed", func(ctx context.Context) (string, error) {
		return RequestPublish(ctx, w.deps.Bus, w.cfg, in.ProjectID, "run-completed:"+run.ID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PaidPlan reports whether a requester plan is a paid tier.
func PaidPlan(plan string) bool {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case "pro", "paid":
		return true
	}
	return false
}

func toSchema(entries []historyEntry) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(entries))
	for _, e := range entries {
		if e.Role == store.RoleUser {
			msgs = append(msgs, schema.UserMessage(e.Content))
		} else {
			msgs = append(msgs, schema.AssistantMessage(e.Content, nil))
		}
	}
	return msgs
}

func firstNonEmpty(s, fallback string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return fallback
}
