package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/devle/internal/storage"
)

func openTestQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func TestQueueSendDequeueFIFO(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()

	payload, _ := json.Marshal(RunCompletedPayload{ProjectID: "p1"})
	id1, err := q.Send(ctx, SendRequest{Name: EventRunCompleted, Payload: payload})
	if err != nil {
		t.Fatalf("Send 1: %v", err)
	}
	id2, err := q.Send(ctx, SendRequest{Name: EventCodeAgentRun})
	if err != nil {
		t.Fatalf("Send 2: %v", err)
	}

	e1, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if e1 == nil || e1.ID != id1 || e1.Status != StatusRunning || e1.StartedAt == nil {
		t.Fatalf("unexpected event1: %#v", e1)
	}
	var got RunCompletedPayload
	if err := json.Unmarshal(e1.Payload, &got); err != nil || got.ProjectID != "p1" {
		t.Fatalf("payload round trip: %v %#v", err, got)
	}

	e2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if e2 == nil || e2.ID != id2 {
		t.Fatalf("unexpected event2: %#v", e2)
	}

	e3, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if e3 != nil {
		t.Fatalf("expected empty queue, got %#v", e3)
	}
}

func TestQueueSendRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	if _, err := q.Send(context.Background(), SendRequest{Name: "x", Payload: []byte("{")}); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
	if _, err := q.Send(context.Background(), SendRequest{}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestQueueDedupe(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()
	key := "run-completed:abc"

	id, err := q.Send(ctx, SendRequest{Name: EventRunCompleted, DedupeKey: &key})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, err = q.Send(ctx, SendRequest{Name: EventRunCompleted, DedupeKey: &key})
	var dedupe *DedupeDropError
	if !errors.As(err, &dedupe) {
		t.Fatalf("expected DedupeDropError, got %v", err)
	}
	if dedupe.ExistingID != id {
		t.Fatalf("ExistingID = %q, want %q", dedupe.ExistingID, id)
	}

	// A dead event frees its key.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Complete(ctx, id, StatusDead, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := q.Send(ctx, SendRequest{Name: EventRunCompleted, DedupeKey: &key}); err != nil {
		t.Fatalf("Send after dead: %v", err)
	}
}

func TestQueueCompleteWritesEventLog(t *testing.T) {
	t.Parallel()

	q, db := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, SendRequest{Name: EventCodeAgentRun})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	lastErr := "boom"
	if err := q.Complete(ctx, id, StatusFailed, &lastErr); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM event_log WHERE event_id = ?;", id).Scan(&count); err != nil {
		t.Fatalf("count event_log: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event_log row, got %d", count)
	}

	ev, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ev.Status != StatusFailed || ev.LastError == nil || *ev.LastError != "boom" || ev.CompletedAt == nil {
		t.Fatalf("unexpected event after completion: %#v", ev)
	}

	if err := q.Complete(ctx, id, StatusQueued, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestQueueRetryDelaysRedelivery(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, SendRequest{Name: EventCodeAgentRun})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.Retry(ctx, id, time.Now().Add(time.Hour), "transient"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	ev, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ev != nil {
		t.Fatalf("event should not be due yet: %#v", ev)
	}

	q.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	ev, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if ev == nil || ev.ID != id || ev.Attempt != 2 {
		t.Fatalf("expected redelivery with attempt 2, got %#v", ev)
	}
}

func TestQueueRecoveryHelpers(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, SendRequest{Name: EventCodeAgentRun, MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	running, err := q.FindByStatus(ctx, StatusRunning)
	if err != nil {
		t.Fatalf("FindByStatus: %v", err)
	}
	if len(running) != 1 || running[0].ID != id {
		t.Fatalf("unexpected running set: %#v", running)
	}

	if err := q.UpdateForRecovery(ctx, id, StatusQueued, 2, nil, ""); err != nil {
		t.Fatalf("UpdateForRecovery: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
	ev, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ev.Status != StatusQueued || ev.Attempt != 2 || ev.StartedAt != nil {
		t.Fatalf("unexpected recovered event: %#v", ev)
	}

	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}
