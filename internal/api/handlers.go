package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/devle/internal/events"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/sandbox"
	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/store"
	"github.com/mattjoyce/devle/internal/workflow"
)

const (
	projectHistory = 20
	maxNameLen     = 60
)

// notifyingQueue announces every enqueued event on the hub.
type notifyingQueue struct {
	queue EventQueue
	hub   *events.Hub
}

func (n notifyingQueue) Send(ctx context.Context, req queue.SendRequest) (string, error) {
	id, err := n.queue.Send(ctx, req)
	if err != nil {
		return id, err
	}
	n.hub.Publish(events.TypeEventQueued, events.QueueNotice{EventID: id, Name: req.Name})
	return id, nil
}

func (s *Server) notifying() notifyingQueue {
	return notifyingQueue{queue: s.deps.Queue, hub: s.deps.Events}
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		StartedAt:     s.startedAt.UTC(),
	})
}

// handleCreateProject handles POST /projects. The prompt becomes the first
// user message and starts a CodeAgent run.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.UserID == "" || req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and prompt are required")
		return
	}
	if req.Visibility != "" && req.Visibility != store.Public && req.Visibility != store.Private {
		s.writeError(w, http.StatusBadRequest, "visibility must be public or private")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = projectName(req.Prompt)
	}

	ctx := r.Context()
	p, err := s.deps.Store.CreateProject(ctx, store.NewProject{Name: name, UserID: req.UserID, Visibility: req.Visibility})
	if err != nil {
		s.internalError(w, "create project", err)
		return
	}
	eventID, ok := s.startGeneration(w, r, p.ID, req.Prompt, req.UserPlan)
	if !ok {
		return
	}
	respondJSON(w, http.StatusAccepted, ProjectResponse{Project: p, EventID: eventID})
}

// handleGetProject handles GET /projects/{id}.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	msgs, err := s.deps.Store.RecentMessages(ctx, p.ID, projectHistory)
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	frag, err := s.deps.Store.LatestFragment(ctx, p.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, "get fragment", err)
		return
	}
	respondJSON(w, http.StatusOK, ProjectResponse{Project: p, Messages: msgs, Fragment: frag})
}

// handleAddMessage handles POST /projects/{id}/messages.
func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	eventID, ok := s.startGeneration(w, r, p.ID, req.Prompt, req.UserPlan)
	if !ok {
		return
	}
	respondJSON(w, http.StatusAccepted, RunAcceptedResponse{EventID: eventID, ProjectID: p.ID})
}

// handleSetVisibility handles POST /projects/{id}/visibility. Making a
// project public requests its publication.
func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Visibility != store.Public && req.Visibility != store.Private {
		s.writeError(w, http.StatusBadRequest, "visibility must be public or private")
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetVisibility(ctx, id, req.Visibility); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.internalError(w, "set visibility", err)
		return
	}

	resp := ProjectResponse{}
	if req.Visibility == store.Public {
		eventID, err := workflow.RequestPublish(ctx, s.notifying(), s.deps.App, id, "")
		if err != nil {
			s.internalError(w, "request publish", err)
			return
		}
		resp.EventID = eventID
	}
	p, err := s.deps.Store.GetProject(ctx, id)
	if err != nil {
		s.internalError(w, "get project", err)
		return
	}
	resp.Project = p
	respondJSON(w, http.StatusOK, resp)
}

// handlePublish handles POST /projects/{id}/publish.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	eventID, err := workflow.RequestPublish(r.Context(), s.notifying(), s.deps.App, p.ID, "")
	if err != nil {
		s.internalError(w, "request publish", err)
		return
	}
	respondJSON(w, http.StatusAccepted, RunAcceptedResponse{EventID: eventID, ProjectID: p.ID})
}

// handleBackfill handles POST /publish/backfill.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Publish == nil {
		s.writeError(w, http.StatusServiceUnavailable, "publishing is not configured")
		return
	}
	ids, err := s.deps.Publish.Backfill(r.Context())
	if err != nil {
		s.internalError(w, "backfill", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, BackfillResponse{ProjectIDs: ids})
}

// handleReplaceFragmentFiles handles PUT /fragments/{id}/files.
func (s *Server) handleReplaceFragmentFiles(w http.ResponseWriter, r *http.Request) {
	var req FilesRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.ReplaceFragmentFiles(ctx, id, req.Files); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "fragment not found")
			return
		}
		s.internalError(w, "replace fragment files", err)
		return
	}
	frag, err := s.deps.Store.GetFragment(ctx, id)
	if err != nil {
		s.internalError(w, "get fragment", err)
		return
	}
	respondJSON(w, http.StatusOK, frag)
}

// handleWriteSandboxFile handles PUT /sandboxes/{id}/files.
func (s *Server) handleWriteSandboxFile(w http.ResponseWriter, r *http.Request) {
	var req SandboxFileRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	err := s.deps.Sandboxes.WriteFile(r.Context(), chi.URLParam(r, "id"), req.Path, []byte(req.Content))
	switch {
	case errors.Is(err, sandbox.ErrUnavailable):
		s.writeError(w, http.StatusGone, "sandbox unavailable")
	case err != nil:
		s.internalError(w, "write sandbox file", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSandboxAlive handles GET /sandboxes/alive?url=.
func (s *Server) handleSandboxAlive(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	respondJSON(w, http.StatusOK, AliveResponse{URL: url, Alive: s.deps.Sandboxes.Alive(r.Context(), url)})
}

// handleGetRun handles GET /runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	run, err := s.deps.Runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, step.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.internalError(w, "get run", err)
		return
	}
	steps, err := s.deps.Runs.ListSteps(ctx, id)
	if err != nil {
		s.internalError(w, "list steps", err)
		return
	}
	if steps == nil {
		steps = []step.Record{}
	}
	respondJSON(w, http.StatusOK, RunResponse{Run: run, Steps: steps})
}

// handleListSolutions handles GET /solutions (no auth).
func (s *Server) handleListSolutions(w http.ResponseWriter, r *http.Request) {
	q := store.CatalogQuery{Category: strings.TrimSpace(r.URL.Query().Get("category"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	sols, err := s.deps.Store.PublicSolutions(r.Context(), q)
	if err != nil {
		s.internalError(w, "list solutions", err)
		return
	}
	if sols == nil {
		sols = []store.Solution{}
	}
	respondJSON(w, http.StatusOK, SolutionsResponse{Solutions: sols})
}

// handleGetSolution handles GET /solutions/{slug} (no auth).
func (s *Server) handleGetSolution(w http.ResponseWriter, r *http.Request) {
	sol, err := s.deps.Store.SolutionBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "solution not found")
			return
		}
		s.internalError(w, "get solution", err)
		return
	}
	respondJSON(w, http.StatusOK, sol)
}

// startGeneration stores the prompt as a user message and triggers CodeAgent.
func (s *Server) startGeneration(w http.ResponseWriter, r *http.Request, projectID, prompt, plan string) (string, bool) {
	ctx := r.Context()
	if _, err := s.deps.Store.AddMessage(ctx, store.NewMessage{
		ProjectID: projectID,
		Role:      store.RoleUser,
		Type:      store.TypeResult,
		Content:   prompt,
	}); err != nil {
		s.internalError(w, "add message", err)
		return "", false
	}
	eventID, err := workflow.Trigger(ctx, s.notifying(), s.deps.App, queue.CodeAgentRunPayload{
		ProjectID: projectID,
		Prompt:    prompt,
		UserPlan:  plan,
	})
	if err != nil {
		s.internalError(w, "trigger generation", err)
		return "", false
	}
	return eventID, true
}

func (s *Server) project(w http.ResponseWriter, r *http.Request) (*store.Project, bool) {
	p, err := s.deps.Store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return nil, false
		}
		s.internalError(w, "get project", err)
		return nil, false
	}
	return p, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// projectName derives a display name from the first line of a prompt.
func projectName(prompt string) string {
	line, _, _ := strings.Cut(prompt, "\n")
	line = strings.TrimSpace(line)
	if runes := []rune(line); len(runes) > maxNameLen {
		line = strings.TrimSpace(string(runes[:maxNameLen]))
	}
	return line
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}
