package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/devle/internal/events"
)

const maxFinishedRuns = 20

// RunState tracks one workflow run discovered from events.
type RunState struct {
	ID        string
	Workflow  string
	Status    string
	LastStep  string
	Turns     int
	Error     string
	StartTime time.Time
	EndTime   time.Time
}

type runNotice struct {
	RunID     string `json:"run_id"`
	Workflow  string `json:"workflow"`
	Step      string `json:"step"`
	Error     string `json:"error"`
	Iteration int    `json:"iteration"`
}

// updateRunState folds one hub event into the run table.
func updateRunState(runs map[string]*RunState, e events.Event, now time.Time) {
	var n runNotice
	if err := json.Unmarshal(e.Data, &n); err != nil || n.RunID == "" {
		return
	}

	run, ok := runs[n.RunID]
	if !ok {
		run = &RunState{ID: n.RunID, Status: "running", StartTime: now}
		runs[n.RunID] = run
	}
	if n.Workflow != "" {
		run.Workflow = n.Workflow
	}

	switch e.Type {
	case events.TypeRunStarted:
		run.Status = "running"
		run.StartTime = now
		run.EndTime = time.Time{}
		run.Error = ""
	case events.TypeStepCompleted, events.TypeStepReplayed:
		run.LastStep = n.Step
	case events.TypeStepFailed:
		run.LastStep = n.Step
		run.Error = n.Error
	case events.TypeAgentTurn:
		run.Turns = n.Iteration
	case events.TypeRunCompleted:
		run.Status = "succeeded"
		run.EndTime = now
	case events.TypeRunFailed:
		run.Status = "failed"
		run.Error = n.Error
		run.EndTime = now
	}
	pruneFinished(runs)
}

// pruneFinished keeps only the newest finished runs.
func pruneFinished(runs map[string]*RunState) {
	var done []*RunState
	for _, r := range runs {
		if r.Status != "running" {
			done = append(done, r)
		}
	}
	if len(done) <= maxFinishedRuns {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].EndTime.After(done[j].EndTime) })
	for _, r := range done[maxFinishedRuns:] {
		delete(runs, r.ID)
	}
}

// sortedRuns lists running runs first, then the most recently finished.
func sortedRuns(runs map[string]*RunState) []*RunState {
	out := make([]*RunState, 0, len(runs))
	for _, r := range runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Status == "running") != (b.Status == "running") {
			return a.Status == "running"
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return a.ID < b.ID
	})
	return out
}

func newRunTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Run", Width: 12},
			{Title: "Workflow", Width: 12},
			{Title: "Step", Width: 24},
			{Title: "Turns", Width: 5},
			{Title: "Duration", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	t.SetStyles(theme.TableStyles())
	return t
}

func runRows(runs []*RunState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		end := r.EndTime
		if end.IsZero() {
			end = now
		}
		id := r.ID
		if len(id) > 12 {
			id = id[:12]
		}
		turns := ""
		if r.Turns > 0 {
			turns = fmt.Sprintf("%d", r.Turns)
		}
		rows = append(rows, table.Row{
			statusIcon(r.Status),
			id,
			r.Workflow,
			r.LastStep,
			turns,
			formatDuration(end.Sub(r.StartTime)),
		})
	}
	return rows
}

func statusIcon(status string) string {
	switch status {
	case "succeeded":
		return "✓"
	case "failed":
		return "✗"
	default:
		return "…"
	}
}
