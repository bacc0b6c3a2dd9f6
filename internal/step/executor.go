package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/events"
	"github.com/mattjoyce/devle/internal/log"
)

// Options configures an Executor.
type Options struct {
	Retry  config.RetryConfig
	Events events.Publisher

	// Now and Sleep default to the wall clock; tests replace them.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs memoized steps for workflow runs.
type Executor struct {
	store  *Store
	retry  config.RetryConfig
	events events.Publisher
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	executions metric.Int64Counter
	replays    metric.Int64Counter
	retries    metric.Int64Counter
	failures   metric.Int64Counter
}

func NewExecutor(store *Store, opts Options) *Executor {
	e := &Executor{
		store:  store,
		retry:  opts.Retry,
		events: opts.Events,
		now:    opts.Now,
		sleep:  opts.Sleep,
	}
	if e.retry.MaxAttempts <= 0 {
		e.retry.MaxAttempts = 1
	}
	if e.retry.BackoffBase <= 0 {
		e.retry.BackoffBase = time.Second
	}
	if e.retry.BackoffMax < e.retry.BackoffBase {
		e.retry.BackoffMax = e.retry.BackoffBase
	}
	if e.events == nil {
		e.events = events.Discard
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}

	meter := otel.Meter("github.com/mattjoyce/devle/internal/step")
	e.executions, _ = meter.Int64Counter("step.executions", metric.WithDescription("Step bodies run to success"))
	e.replays, _ = meter.Int64Counter("step.replays", metric.WithDescription("Steps answered from a stored record"))
	e.retries, _ = meter.Int64Counter("step.retries", metric.WithDescription("Failed step attempts that were retried"))
	e.failures, _ = meter.Int64Counter("step.failures", metric.WithDescription("Steps that exhausted their attempts"))
	return e
}

// Store exposes the underlying run/step store.
func (e *Executor) Store() *Store { return e.store }

// Run is one execution of a workflow run. It is not safe to share a Run
// between goroutines that call steps concurrently.
type Run struct {
	ID       string
	Workflow string
	// Resumed is true when the run row already existed.
	Resumed bool

	exec   *Executor
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]int
}

// Begin opens (or reopens) the run with the given id.
func (e *Executor) Begin(ctx context.Context, runID, workflow string, input any) (*Run, error) {
	var raw json.RawMessage
	if input != nil {
		b, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("encode run input: %w", err)
		}
		raw = b
	}
	rec, err := e.store.BeginRun(ctx, runID, workflow, raw)
	if err != nil {
		return nil, err
	}
	r := &Run{
		ID:       runID,
		Workflow: workflow,
		Resumed:  !rec.CreatedAt.Equal(rec.UpdatedAt),
		exec:     e,
		logger:   log.WithRun(runID, workflow),
		seen:     make(map[string]int),
	}
	r.logger.Info("run started", "resumed", r.Resumed)
	e.events.Publish(events.TypeRunStarted, events.RunNotice{RunID: runID, Workflow: workflow})
	return r, nil
}

// Finish records the run outcome. A nil err marks it succeeded.
func (e *Executor) Finish(ctx context.Context, r *Run, runErr error) error {
	if runErr == nil {
		if err := e.store.FinishRun(ctx, r.ID, RunSucceeded, ""); err != nil {
			return err
		}
		r.logger.Info("run completed")
		e.events.Publish(events.TypeRunCompleted, events.RunNotice{RunID: r.ID, Workflow: r.Workflow})
		return nil
	}
	if err := e.store.FinishRun(ctx, r.ID, RunFailed, runErr.Error()); err != nil {
		return err
	}
	r.logger.Error("run failed", "error", runErr)
	e.events.Publish(events.TypeRunFailed, events.RunNotice{RunID: r.ID, Workflow: r.Workflow, Error: runErr.Error()})
	return nil
}

// Logger returns the run-scoped logger.
func (r *Run) Logger() *slog.Logger { return r.logger }

func (r *Run) nextKey(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[name]++
	if n := r.seen[name]; n > 1 {
		return name + "#" + strconv.Itoa(n)
	}
	return name
}

// Do runs fn as the named step of r, or returns its stored result.
func Do[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	e := r.exec
	key := r.nextKey(name)
	attrs := metric.WithAttributes(attribute.String("workflow", r.Workflow), attribute.String("step", name))

	rec, ok, err := e.store.GetStep(ctx, r.ID, key)
	if err != nil {
		return zero, fmt.Errorf("load step %s: %w", key, err)
	}
	if ok {
		var out T
		if err := json.Unmarshal(rec.Output, &out); err != nil {
			return zero, fmt.Errorf("decode step %s: %w", key, err)
		}
		e.replays.Add(ctx, 1, attrs)
		r.logger.Debug("step replayed", "step", key)
		e.events.Publish(events.TypeStepReplayed, events.StepNotice{RunID: r.ID, Workflow: r.Workflow, Step: key, Attempts: rec.Attempts})
		return out, nil
	}

	var (
		out      T
		attempts int
	)
	op := func() error {
		attempts++
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.retries.Add(ctx, 1, attrs)
		r.logger.Warn("step attempt failed, retrying", "step", key, "attempt", attempts, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotifyWithTimer(op, e.policy(ctx), notify, &clockTimer{sleep: e.sleep, ctx: ctx}); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return zero, err
		}
		e.failures.Add(ctx, 1, attrs)
		r.logger.Error("step failed", "step", key, "attempts", attempts, "error", err)
		e.events.Publish(events.TypeStepFailed, events.StepNotice{RunID: r.ID, Workflow: r.Workflow, Step: key, Attempts: attempts, Error: err.Error()})
		return zero, &ExhaustedError{Step: key, Attempts: attempts, Err: err}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("encode step %s: %w", key, err)
	}
	stored, err := e.store.PutStep(ctx, r.ID, key, b, attempts)
	if err != nil {
		return zero, err
	}
	if !stored {
		// A concurrent delivery of the same run finished first; its record wins.
		winner, ok, err := e.store.GetStep(ctx, r.ID, key)
		if err != nil || !ok {
			return zero, fmt.Errorf("reload step %s: %w", key, err)
		}
		var v T
		if err := json.Unmarshal(winner.Output, &v); err != nil {
			return zero, fmt.Errorf("decode step %s: %w", key, err)
		}
		out = v
	}

	e.executions.Add(ctx, 1, attrs)
	r.logger.Debug("step completed", "step", key, "attempts", attempts)
	e.events.Publish(events.TypeStepCompleted, events.StepNotice{RunID: r.ID, Workflow: r.Workflow, Step: key, Attempts: attempts})
	return out, nil
}

// Sleep is a durable delay. The wake-up time is recorded as a step.
func (r *Run) Sleep(ctx context.Context, name string, d time.Duration) error {
	wake, err := Do(ctx, r, name, func(context.Context) (time.Time, error) {
		return r.exec.now().Add(d), nil
	})
	if err != nil {
		return err
	}
	remaining := wake.Sub(r.exec.now())
	if remaining <= 0 {
		return nil
	}
	r.logger.Debug("sleeping", "step", name, "duration", remaining)
	return r.exec.sleep(ctx, remaining)
}

// Sleep waits d using the executor's clock. Unlike Run.Sleep it is not
// recorded; use it inside a step body.
func (e *Executor) Sleep(ctx context.Context, d time.Duration) error {
	return e.sleep(ctx, d)
}

func (e *Executor) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retry.BackoffBase
	b.MaxInterval = e.retry.BackoffMax
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.retry.MaxAttempts-1)), ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// clockTimer adapts the executor's sleep func to backoff.Timer.
type clockTimer struct {
	ctx   context.Context
	sleep func(ctx context.Context, d time.Duration) error
	c     chan time.Time
	stop  context.CancelFunc
}

func (t *clockTimer) Start(d time.Duration) {
	ctx, cancel := context.WithCancel(t.ctx)
	t.stop = cancel
	c := make(chan time.Time, 1)
	t.c = c
	go func() {
		if err := t.sleep(ctx, d); err == nil {
			c <- time.Now()
		}
	}()
}

func (t *clockTimer) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.c }
