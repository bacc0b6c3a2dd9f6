package webhook

import (
	"context"

	"github.com/mattjoyce/devle/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/mattjoyce/devle/internal/webhook Sender

// Sender enqueues accepted hook events.
type Sender interface {
	Send(ctx context.Context, req queue.SendRequest) (string, error)
}

// Config configures the hook handler.
type Config struct {
	// Secret is the HMAC secret shared with the caller.
	Secret string
	// SignatureHeader defaults to X-Devle-Signature.
	SignatureHeader string
	// MaxBodySize is the maximum request body size in bytes (default: 1MB).
	MaxBodySize int64
	// Events lists the event names that may be posted.
	Events []string
	// MaxAttempts is passed through to the queue.
	MaxAttempts int
}

// AcceptedResponse is returned for an accepted hook.
type AcceptedResponse struct {
	EventID   string `json:"event_id"`
	Event     string `json:"event"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ErrorResponse is the JSON response for hook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Devle-Signature"
	DedupeHeader           = "X-Devle-Dedupe-Key"
)
