package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/devle/internal/events"
)

const maxEventLog = 200

func renderEventLines(eventLog []events.Event, theme Theme) string {
	if len(eventLog) == 0 {
		return theme.Muted.Render("  Waiting for events...")
	}
	lines := make([]string, 0, len(eventLog))
	for _, e := range eventLog {
		lines = append(lines, formatEvent(e, theme))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Muted.Render(e.At.Format("15:04:05"))

	return fmt.Sprintf("%s %s %s", ts, theme.ForEvent(e.Type).Render(fmt.Sprintf("%-18s", e.Type)), extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, key := range []string{"run_id", "event_id", "project_id"} {
		if id, ok := data[key].(string); ok && id != "" {
			if len(id) > 8 {
				id = id[:8]
			}
			parts = append(parts, fmt.Sprintf("[%s]", id))
			break
		}
	}
	for _, key := range []string{"workflow", "name", "step", "slug", "reason", "error"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if n, ok := data["iteration"].(float64); ok {
		parts = append(parts, fmt.Sprintf("turn %d", int(n)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
