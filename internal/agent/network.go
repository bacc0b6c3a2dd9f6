// Package agent runs the coding agent: a tool-calling model looping over a
// sandbox until it reports completion or runs out of iterations.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/devle/internal/events"
	"github.com/mattjoyce/devle/internal/step"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusConverged Status = "converged"
	StatusExhausted Status = "exhausted"
)

const (
	DefaultMaxIterations = 15
	DefaultMarker        = "<task_summary>"
)

// Result is how a network run stopped. Callers judge success from the
// State, not from Status.
type Result struct {
	Status     Status `json:"status"`
	Iterations int    `json:"iterations"`
}

// TurnNotice is the payload of agent.turn notifications.
type TurnNotice struct {
	RunID     string `json:"run_id"`
	Iteration int    `json:"iteration"`
	ToolCalls int    `json:"tool_calls"`
	Errors    int    `json:"errors,omitempty"`
	Converged bool   `json:"converged"`
}

// Network routes turns to a single coding agent.
type Network struct {
	Model         model.ToolCallingChatModel
	SystemPrompt  string
	MaxIterations int
	Marker        string
	Events        events.Publisher
}

// Run drives the agent from history plus prompt until the completion marker
// shows up or MaxIterations turns have been taken. Every model turn is a
// memoized "agent-turn" step, so a replayed run walks the same path.
func (n *Network) Run(ctx context.Context, run *step.Run, tb *Toolbox, history []*schema.Message, prompt string, state *State) (Result, error) {
	maxIter := n.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	marker := n.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	pub := n.Events
	if pub == nil {
		pub = events.Discard
	}
	logger := run.Logger().With("component", "agent")

	infos, err := tb.Infos(ctx)
	if err != nil {
		return Result{Status: StatusRunning}, err
	}
	chat, err := n.Model.WithTools(infos)
	if err != nil {
		return Result{Status: StatusRunning}, fmt.Errorf("bind tools: %w", err)
	}

	msgs := make([]*schema.Message, 0, len(history)+2)
	if n.SystemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(n.SystemPrompt))
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, schema.UserMessage(prompt))

	res := Result{Status: StatusRunning}
	for res.Status == StatusRunning {
		res.Iterations++
		input := msgs
		reply, err := step.Do(ctx, run, "agent-turn", func(ctx context.Context) (*schema.Message, error) {
			return chat.Generate(ctx, input)
		})
		if err != nil {
			return res, err
		}
		if reply == nil {
			reply = schema.AssistantMessage("", nil)
		}
		msgs = append(msgs, reply)

		converged := DetectCompletion(state, TextOf(reply), marker)

		failed := 0
		for _, call := range reply.ToolCalls {
			out, err := tb.Invoke(ctx, call)
			if err != nil {
				var perr *ProtocolError
				if !errors.As(err, &perr) {
					return res, err
				}
				failed++
				logger.Warn("agent tool call rejected", "tool", perr.Tool, "iteration", res.Iterations, "error", perr.Err)
				out = "Error: " + perr.Error()
			}
			msgs = append(msgs, schema.ToolMessage(out, call.ID))
		}

		pub.Publish(events.TypeAgentTurn, TurnNotice{
			RunID:     run.ID,
			Iteration: res.Iterations,
			ToolCalls: len(reply.ToolCalls),
			Errors:    failed,
			Converged: converged,
		})
		logger.Debug("agent turn", "iteration", res.Iterations, "tool_calls", len(reply.ToolCalls))

		switch {
		case state.Summary() != "":
			res.Status = StatusConverged
		case res.Iterations >= maxIter:
			res.Status = StatusExhausted
		}
	}

	logger.Info("agent network stopped", "status", res.Status, "iterations", res.Iterations)
	return res, nil
}
