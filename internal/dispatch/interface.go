package dispatch

import (
	"context"
	"time"

	"github.com/mattjoyce/devle/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/mattjoyce/devle/internal/dispatch QueueService

// QueueService defines the queue operations used by the dispatcher.
type QueueService interface {
	Dequeue(ctx context.Context) (*queue.Event, error)
	Complete(ctx context.Context, id string, status queue.Status, lastError *string) error
	Retry(ctx context.Context, id string, nextRetryAt time.Time, lastError string) error
	FindByStatus(ctx context.Context, status queue.Status) ([]*queue.Event, error)
	UpdateForRecovery(ctx context.Context, id string, status queue.Status, attempt int, nextRetryAt *time.Time, lastError string) error
}

// Handler processes one event.
type Handler interface {
	Handle(ctx context.Context, ev *queue.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *queue.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev *queue.Event) error { return f(ctx, ev) }
