package step

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestStorePutFirstWriteWins(t *testing.T) {
	exec, _, _ := newTestExecutor(t, 1)
	ctx := context.Background()
	s := exec.Store()

	if _, err := s.BeginRun(ctx, "run-a", "code-agent", json.RawMessage(`{"project_id":"p1"}`)); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	stored, err := s.PutStep(ctx, "run-a", "save-result", json.RawMessage(`"first"`), 1)
	if err != nil || !stored {
		t.Fatalf("PutStep first: stored=%v err=%v", stored, err)
	}
	stored, err = s.PutStep(ctx, "run-a", "save-result", json.RawMessage(`"second"`), 1)
	if err != nil || stored {
		t.Fatalf("PutStep second: stored=%v err=%v", stored, err)
	}

	rec, ok, err := s.GetStep(ctx, "run-a", "save-result")
	if err != nil || !ok {
		t.Fatalf("GetStep: ok=%v err=%v", ok, err)
	}
	if string(rec.Output) != `"first"` {
		t.Fatalf("output = %s, want \"first\"", rec.Output)
	}

	run, err := s.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if string(run.Input) != `{"project_id":"p1"}` {
		t.Fatalf("input = %s", run.Input)
	}
}

func TestStoreDetectsTamperedRecord(t *testing.T) {
	exec, _, db := newTestExecutor(t, 1)
	ctx := context.Background()
	s := exec.Store()

	if _, err := s.BeginRun(ctx, "run-b", "publish", nil); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if _, err := s.PutStep(ctx, "run-b", "persist-slug", json.RawMessage(`"todo-app"`), 1); err != nil {
		t.Fatalf("PutStep: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE step_record SET output = '"other"' WHERE run_id = 'run-b';`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, _, err := s.GetStep(ctx, "run-b", "persist-slug"); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestStoreFinishRunRejectsRunning(t *testing.T) {
	exec, _, _ := newTestExecutor(t, 1)
	if err := exec.Store().FinishRun(context.Background(), "x", RunRunning, ""); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if err := exec.Store().FinishRun(context.Background(), "missing", RunFailed, "e"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
