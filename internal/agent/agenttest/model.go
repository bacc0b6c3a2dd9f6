// Package agenttest provides scripted chat models for tests.
package agenttest

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// RespondFunc produces the reply to the n-th call (0-based).
type RespondFunc func(n int, msgs []*schema.Message) (*schema.Message, error)

// Model is a model.ToolCallingChatModel driven by a RespondFunc.
type Model struct {
	respond RespondFunc

	mu     sync.Mutex
	calls  int
	inputs [][]*schema.Message
	tools  []*schema.ToolInfo
}

var _ model.ToolCallingChatModel = (*Model)(nil)

func New(fn RespondFunc) *Model {
	return &Model{respond: fn}
}

// Script replies with each message in turn and repeats the last one.
func Script(replies ...*schema.Message) *Model {
	return New(func(n int, _ []*schema.Message) (*schema.Message, error) {
		if len(replies) == 0 {
			return nil, errors.New("agenttest: empty script")
		}
		if n >= len(replies) {
			n = len(replies) - 1
		}
		return replies[n], nil
	})
}

// Text always answers with content.
func Text(content string) *Model {
	return Script(schema.AssistantMessage(content, nil))
}

// Call builds an assistant message that calls one tool.
func Call(id, name, args string) *schema.Message {
	return schema.AssistantMessage("", []schema.ToolCall{{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}})
}

func (m *Model) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	n := m.calls
	m.calls++
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	m.mu.Unlock()
	return m.respond(n, input)
}

func (m *Model) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("agenttest: streaming not supported")
}

func (m *Model) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	m.tools = tools
	m.mu.Unlock()
	return m, nil
}

// Calls returns how many times Generate ran.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Input returns the messages passed to the n-th call.
func (m *Model) Input(n int) []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.inputs) {
		return nil
	}
	return m.inputs[n]
}

// Tools returns the tool infos bound through WithTools.
func (m *Model) Tools() []*schema.ToolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tools
}
