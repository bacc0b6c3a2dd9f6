// Package workflow holds the two durable workflows: CodeAgent turns a prompt
// into a running app, Publish lists a public project in the catalog.
//
// Both run on the step executor with the queue event id as run id, so a
// redelivered event replays completed steps instead of repeating them.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/events"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/sandbox"
	"github.com/mattjoyce/devle/internal/screenshot"
	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/store"
)

// Workflow names recorded on runs.
const (
	NameCodeAgent = "code-agent"
	NamePublish   = "publish"
)

// ErrGenerationFailed is reported when the agent network stops without a
// summary or without files. The run itself succeeds; the failure is
// persisted as an error message for the user.
var ErrGenerationFailed = errors.New("generation failed")

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/mattjoyce/devle/internal/workflow Sender

// Sender is the write side of the event bus.
type Sender interface {
	Send(ctx context.Context, req queue.SendRequest) (string, error)
}

// Deps are the collaborators shared by both workflows.
type Deps struct {
	Store      *store.Store
	Steps      *step.Executor
	Sandbox    sandbox.Gateway
	Coder      model.ToolCallingChatModel
	Summarizer model.BaseChatModel
	Capturer   screenshot.Capturer
	Bus        Sender
	Events     events.Publisher
}

func (d Deps) publisher() events.Publisher {
	if d.Events == nil {
		return events.Discard
	}
	return d.Events
}

// Trigger starts a CodeAgent run for a project.
func Trigger(ctx context.Context, bus Sender, cfg *config.Config, in queue.CodeAgentRunPayload) (string, error) {
	if in.ProjectID == "" {
		return "", fmt.Errorf("project id is empty")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return "", fmt.Errorf("prompt is empty")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return bus.Send(ctx, queue.SendRequest{
		Name:        queue.EventCodeAgentRun,
		Payload:     payload,
		MaxAttempts: cfg.Events.MaxAttempts,
	})
}

// RequestPublish asks for a Publish run of a project. A non-empty dedupeKey
// suppresses repeats while an earlier request is pending or done.
func RequestPublish(ctx context.Context, bus Sender, cfg *config.Config, projectID, dedupeKey string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("project id is empty")
	}
	payload, err := json.Marshal(queue.RunCompletedPayload{ProjectID: projectID})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	req := queue.SendRequest{
		Name:        queue.EventRunCompleted,
		Payload:     payload,
		MaxAttempts: cfg.Events.MaxAttempts,
	}
	if dedupeKey != "" {
		req.DedupeKey = &dedupeKey
	}
	id, err := bus.Send(ctx, req)
	var dup *queue.DedupeDropError
	if errors.As(err, &dup) {
		return dup.ExistingID, nil
	}
	return id, err
}

func decodePayload(ev *queue.Event, v any) error {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", queue.ErrUnprocessable, ev.Name, err)
	}
	return nil
}

// finish closes the run unless the process is shutting down, in which case
// the run stays open for the next delivery.
func finish(ctx context.Context, steps *step.Executor, run *step.Run, runErr error) error {
	if ctx.Err() != nil {
		return runErr
	}
	if err := steps.Finish(ctx, run, runErr); err != nil && runErr == nil {
		return err
	}
	return runErr
}
