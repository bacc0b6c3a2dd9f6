package agent

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/devle/internal/step"
)

// Generate runs a single-turn agent as the named step and returns its text.
// An empty string means the model produced no text; callers pick the
// fallback.
func Generate(ctx context.Context, run *step.Run, name string, m model.BaseChatModel, system, input string) (string, error) {
	return step.Do(ctx, run, name, func(ctx context.Context) (string, error) {
		msgs := []*schema.Message{schema.UserMessage(input)}
		if system != "" {
			msgs = append([]*schema.Message{schema.SystemMessage(system)}, msgs...)
		}
		reply, err := m.Generate(ctx, msgs)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(TextOf(reply)), nil
	})
}

// TextOf returns the text of msg: its text parts joined in order when the
// content is multi-part, otherwise Content.
func TextOf(msg *schema.Message) string {
	if msg == nil {
		return ""
	}
	if len(msg.MultiContent) > 0 {
		var sb strings.Builder
		for _, part := range msg.MultiContent {
			if part.Type == schema.ChatMessagePartTypeText {
				sb.WriteString(part.Text)
			}
		}
		return sb.String()
	}
	return msg.Content
}
