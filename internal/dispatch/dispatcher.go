package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/events"
	"github.com/mattjoyce/devle/internal/log"
	"github.com/mattjoyce/devle/internal/queue"
)

// Dispatcher dequeues events and runs the matching handler.
type Dispatcher struct {
	queue    QueueService
	cfg      *config.Config
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	handlers map[string]Handler

	delivered metric.Int64Counter
}

// New creates a new Dispatcher.
func New(q QueueService, cfg *config.Config, pub events.Publisher) *Dispatcher {
	if pub == nil {
		pub = events.Discard
	}
	d := &Dispatcher{
		queue:    q,
		cfg:      cfg,
		events:   pub,
		logger:   log.WithComponent("dispatch"),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
	}
	meter := otel.Meter("github.com/mattjoyce/devle/internal/dispatch")
	d.delivered, _ = meter.Int64Counter("dispatch.deliveries", metric.WithDescription("Events handed to a handler, by outcome"))
	return d
}

// Register binds an event name to its handler. It must be called before Start.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers[name] = h
}

// Start runs service.workers polling loops until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	workers := d.cfg.Service.Workers
	if workers <= 0 {
		workers = 1
	}
	interval := d.cfg.Service.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	d.logger.Info("dispatch loop started", "workers", workers, "poll_interval", interval)
	defer d.logger.Info("dispatch loop stopped")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.poll(ctx, worker, interval)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) poll(ctx context.Context, worker int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain everything that is due before waiting again.
			for ctx.Err() == nil {
				ok, err := d.ProcessNext(ctx)
				if err != nil {
					d.logger.Error("failed to process event", "worker", worker, "error", err)
					break
				}
				if !ok {
					break
				}
			}
		}
	}
}

// ProcessNext claims and handles one due event. It reports whether an event
// was found.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	ev, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if ev == nil {
		return false, nil
	}
	d.execute(ctx, ev)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, ev *queue.Event) {
	logger := log.WithEvent(ev.ID).With("name", ev.Name, "attempt", ev.Attempt)
	logger.Info("delivering event")

	h, ok := d.handlers[ev.Name]
	if !ok {
		msg := fmt.Sprintf("no handler for event %q", ev.Name)
		logger.Error(msg)
		d.complete(ctx, ev, queue.StatusFailed, msg)
		return
	}

	err := h.Handle(ctx, ev)
	switch {
	case err == nil:
		logger.Info("event handled")
		d.complete(ctx, ev, queue.StatusSucceeded, "")
	case ctx.Err() != nil:
		// Shutting down; Recover picks the event up on the next start.
		logger.Warn("event interrupted by shutdown", "error", err)
	case errors.Is(err, queue.ErrUnprocessable):
		logger.Error("event cannot be processed", "error", err)
		d.complete(ctx, ev, queue.StatusFailed, err.Error())
	case ev.Attempt < ev.MaxAttempts:
		delay := d.retryDelay(ev.Attempt)
		logger.Warn("event failed, retrying", "retry_in", delay, "error", err)
		d.record(ctx, ev, "retried")
		if rerr := d.queue.Retry(ctx, ev.ID, d.now().Add(delay), err.Error()); rerr != nil {
			logger.Error("failed to requeue event", "error", rerr)
		}
	default:
		logger.Error("event failed permanently", "max_attempts", ev.MaxAttempts, "error", err)
		d.complete(ctx, ev, queue.StatusDead, err.Error())
		d.events.Publish(events.TypeEventDead, events.QueueNotice{EventID: ev.ID, Name: ev.Name, Attempt: ev.Attempt, Error: err.Error()})
	}
}

// retryDelay is the wait after the given failed attempt: events.backoff_base
// doubling per attempt, capped at events.backoff_max.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.Events.BackoffBase
	if b.InitialInterval <= 0 {
		b.InitialInterval = 30 * time.Second
	}
	b.MaxInterval = d.cfg.Events.BackoffMax
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (d *Dispatcher) complete(ctx context.Context, ev *queue.Event, status queue.Status, lastError string) {
	d.record(ctx, ev, string(status))
	var errPtr *string
	if lastError != "" {
		errPtr = &lastError
	}
	if err := d.queue.Complete(ctx, ev.ID, status, errPtr); err != nil {
		d.logger.Error("failed to complete event", "event_id", ev.ID, "error", err)
	}
}

func (d *Dispatcher) record(ctx context.Context, ev *queue.Event, outcome string) {
	d.delivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", ev.Name),
		attribute.String("outcome", outcome),
	))
}

// Recover requeues events left running by a previous process. Events that
// already used their last attempt are marked dead.
func (d *Dispatcher) Recover(ctx context.Context) error {
	d.logger.Info("performing crash recovery for orphaned events")

	running, err := d.queue.FindByStatus(ctx, queue.StatusRunning)
	if err != nil {
		return fmt.Errorf("find running events for recovery: %w", err)
	}
	if len(running) == 0 {
		d.logger.Info("no orphaned events found")
		return nil
	}
	d.logger.Warn("found orphaned events, attempting recovery", "count", len(running))

	for _, ev := range running {
		ev.Attempt++

		var (
			status  queue.Status
			lastErr string
		)
		if ev.Attempt <= ev.MaxAttempts {
			status = queue.StatusQueued
			d.logger.Warn("re-queueing orphaned event", "event_id", ev.ID, "name", ev.Name, "new_attempt", ev.Attempt)
		} else {
			status = queue.StatusDead
			lastErr = fmt.Sprintf("event marked dead during crash recovery: max attempts (%d) reached", ev.MaxAttempts)
			d.logger.Error("marking orphaned event as dead", "event_id", ev.ID, "name", ev.Name, "final_attempt", ev.Attempt)
		}

		if err := d.queue.UpdateForRecovery(ctx, ev.ID, status, ev.Attempt, nil, lastErr); err != nil {
			d.logger.Error("failed to update orphaned event during recovery", "event_id", ev.ID, "error", err, "desired_status", status)
			continue
		}
		if status == queue.StatusDead {
			d.events.Publish(events.TypeEventDead, events.QueueNotice{EventID: ev.ID, Name: ev.Name, Attempt: ev.Attempt, Error: lastErr})
		}
	}
	return nil
}
