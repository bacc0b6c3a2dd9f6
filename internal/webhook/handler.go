package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/devle/internal/queue"
)

// Handler verifies signed hook requests and sends them to the queue. It
// expects to be mounted on a chi route ending in "/*".
type Handler struct {
	config  Config
	queue   Sender
	logger  *slog.Logger
	allowed map[string]bool
}

// New creates a hook handler.
func New(config Config, q Sender, logger *slog.Logger) *Handler {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	allowed := make(map[string]bool, len(config.Events))
	for _, name := range config.Events {
		allowed[name] = true
	}
	return &Handler{config: config, queue: q, logger: logger, allowed: allowed}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := strings.Trim(chi.URLParam(r, "*"), "/")
	if !h.allowed[name] {
		h.respondError(w, http.StatusNotFound, "unknown event")
		return
	}

	// Enforce body size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxBodySize+1))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > h.config.MaxBodySize {
		h.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(h.config.SignatureHeader)
	if signature == "" {
		h.logger.Warn("hook signature missing", "event", name, "header", h.config.SignatureHeader)
		h.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verify(body, signature, h.config.Secret); err != nil {
		h.logger.Warn("hook signature verification failed", "event", name, "error", err)
		h.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if !json.Valid(body) {
		h.respondError(w, http.StatusBadRequest, "payload must be JSON")
		return
	}

	req := queue.SendRequest{
		Name:        name,
		Payload:     json.RawMessage(body),
		MaxAttempts: h.config.MaxAttempts,
	}
	if key := strings.TrimSpace(r.Header.Get(DedupeHeader)); key != "" {
		req.DedupeKey = &key
	}

	id, err := h.queue.Send(ctx, req)
	var dup *queue.DedupeDropError
	switch {
	case errors.As(err, &dup):
		h.logger.Info("hook event deduplicated", "event", name, "event_id", dup.ExistingID)
		h.respondJSON(w, http.StatusOK, AcceptedResponse{EventID: dup.ExistingID, Event: name, Duplicate: true})
		return
	case err != nil:
		h.logger.Error("failed to enqueue hook event", "event", name, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to enqueue event")
		return
	}

	h.logger.Info("hook event enqueued", "event", name, "event_id", id)
	h.respondJSON(w, http.StatusAccepted, AcceptedResponse{EventID: id, Event: name})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: message})
}
