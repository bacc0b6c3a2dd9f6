// Package watch implements the devle watch TUI: a live view of queue health,
// workflow runs and the event stream of a running server.
package watch

import (
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/devle/internal/events"
)

// Theme holds the styles of the watch screen.
type Theme struct {
	Succeeded lipgloss.Style
	Active    lipgloss.Style
	Failed    lipgloss.Style
	Replayed  lipgloss.Style

	Panel   lipgloss.Style
	Heading lipgloss.Style
	Muted   lipgloss.Style
	Accent  lipgloss.Style
	Keys    lipgloss.Style
}

func NewDefaultTheme() Theme {
	muted := lipgloss.Color("245")
	return Theme{
		Succeeded: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Active:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		Replayed:  lipgloss.NewStyle().Foreground(muted).Italic(true),

		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")),
		Heading: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255")).Padding(0, 1),
		Muted:   lipgloss.NewStyle().Foreground(muted),
		Accent:  lipgloss.NewStyle().Foreground(lipgloss.Color("111")),
		Keys:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// ForEvent picks the style of an event type in the stream.
func (t Theme) ForEvent(eventType string) lipgloss.Style {
	switch {
	case strings.HasSuffix(eventType, ".completed"):
		return t.Succeeded
	case strings.HasSuffix(eventType, ".failed"), eventType == events.TypeEventDead:
		return t.Failed
	case strings.HasSuffix(eventType, ".started"), eventType == events.TypeAgentTurn:
		return t.Active
	case eventType == events.TypeStepReplayed:
		return t.Replayed
	default:
		return t.Muted
	}
}

// TableStyles returns the run table styling.
func (t Theme) TableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("255")).
		Background(lipgloss.Color("60")).
		Bold(false)
	return s
}
