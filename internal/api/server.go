// Package api serves the HTTP surface of devle: project and run management,
// the public solutions catalog, the event stream and signed hook ingest.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/devle/internal/auth"
	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/events"
	"github.com/mattjoyce/devle/internal/queue"
	"github.com/mattjoyce/devle/internal/step"
	"github.com/mattjoyce/devle/internal/store"
	"github.com/mattjoyce/devle/internal/webhook"
)

// EventQueue defines the queue operations the API needs.
type EventQueue interface {
	Send(ctx context.Context, req queue.SendRequest) (string, error)
	Depth(ctx context.Context) (int, error)
}

// RunReader reads persisted workflow runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*step.RunRecord, error)
	ListSteps(ctx context.Context, runID string) ([]step.Record, error)
}

// Sandboxes is the sandbox surface exposed over HTTP.
type Sandboxes interface {
	WriteFile(ctx context.Context, id, path string, content []byte) error
	Alive(ctx context.Context, url string) bool
}

// Backfiller re-requests publication of public projects that have no slug.
type Backfiller interface {
	Backfill(ctx context.Context) ([]string, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// WebhookSecret enables POST /hooks/* when set.
	WebhookSecret string
}

// ConfigFrom maps the file configuration onto the server configuration.
func ConfigFrom(cfg config.APIConfig) Config {
	out := Config{
		Listen:        cfg.Listen,
		APIKey:        cfg.Auth.APIKey,
		WebhookSecret: cfg.WebhookSecret,
	}
	for _, t := range cfg.Auth.Tokens {
		out.Tokens = append(out.Tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Queue     EventQueue
	Runs      RunReader
	Store     *store.Store
	Sandboxes Sandboxes
	Publish   Backfiller
	Events    *events.Hub
	App       *config.Config
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	if deps.App == nil {
		deps.App = config.Defaults()
	}
	return &Server{
		config:    cfg,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.Routes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/solutions", s.handleListSolutions)
	r.Get("/solutions/{slug}", s.handleGetSolution)
	if s.config.WebhookSecret != "" {
		r.Handle("/hooks/*", webhook.New(webhook.Config{
			Secret:      s.config.WebhookSecret,
			Events:      []string{queue.EventCodeAgentRun, queue.EventRunCompleted},
			MaxAttempts: s.deps.App.Events.MaxAttempts,
		}, s.notifying(), s.logger.With("component", "webhook")))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes("projects:rw")).Post("/projects", s.handleCreateProject)
		r.With(s.requireScopes("projects:ro")).Get("/projects/{id}", s.handleGetProject)
		r.With(s.requireScopes("projects:rw")).Post("/projects/{id}/messages", s.handleAddMessage)
		r.With(s.requireScopes("projects:rw")).Post("/projects/{id}/visibility", s.handleSetVisibility)
		r.With(s.requireScopes("projects:rw")).Post("/projects/{id}/publish", s.handlePublish)
		r.With(s.requireScopes("projects:rw")).Post("/publish/backfill", s.handleBackfill)
		r.With(s.requireScopes("projects:rw")).Put("/fragments/{id}/files", s.handleReplaceFragmentFiles)
		r.With(s.requireScopes("projects:rw")).Put("/sandboxes/{id}/files", s.handleWriteSandboxFile)
		r.With(s.requireScopes("projects:ro")).Get("/sandboxes/alive", s.handleSandboxAlive)
		r.With(s.requireScopes("runs:ro")).Get("/runs/{id}", s.handleGetRun)
		r.With(s.requireScopes("events:ro")).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
