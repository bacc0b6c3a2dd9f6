package api

import (
	"time"

	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/store"
)

// CreateProjectRequest is the JSON body for POST /projects.
type CreateProjectRequest struct {
	Name       string           `json:"name,omitempty"`
	UserID     string           `json:"user_id"`
	Prompt     string           `json:"prompt"`
	UserPlan   string           `json:"user_plan,omitempty"`
	Visibility store.Visibility `json:"visibility,omitempty"`
}

// MessageRequest is the JSON body for POST /projects/{id}/messages.
type MessageRequest struct {
	Prompt   string `json:"prompt"`
	UserPlan string `json:"user_plan,omitempty"`
}

// VisibilityRequest is the JSON body for POST /projects/{id}/visibility.
type VisibilityRequest struct {
	Visibility store.Visibility `json:"visibility"`
}

// FilesRequest is the JSON body for PUT /fragments/{id}/files.
type FilesRequest struct {
	Files map[string]string `json:"files"`
}

// SandboxFileRequest is the JSON body for PUT /sandboxes/{id}/files.
type SandboxFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// RunAcceptedResponse is returned when a workflow event is enqueued.
type RunAcceptedResponse struct {
	EventID   string `json:"event_id"`
	ProjectID string `json:"project_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ProjectResponse is returned by project endpoints.
type ProjectResponse struct {
	Project  *store.Project  `json:"project"`
	EventID  string          `json:"event_id,omitempty"`
	Messages []store.Message `json:"messages,omitempty"`
	Fragment *store.Fragment `json:"fragment,omitempty"`
}

// BackfillResponse lists the projects a backfill requested publication for.
type BackfillResponse struct {
	ProjectIDs []string `json:"project_ids"`
}

// AliveResponse is returned by GET /sandboxes/alive.
type AliveResponse struct {
	URL   string `json:"url"`
	Alive bool   `json:"alive"`
}

// RunResponse is returned by GET /runs/{id}.
type RunResponse struct {
	Run   *step.RunRecord `json:"run"`
	Steps []step.Record   `json:"steps"`
}

// SolutionsResponse is returned by GET /solutions.
type SolutionsResponse struct {
	Solutions []store.Solution `json:"solutions"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	QueueDepth    int       `json:"queue_depth"`
	StartedAt     time.Time `json:"started_at"`
}
