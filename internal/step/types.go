package step

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the persisted header of one workflow run.
type RunRecord struct {
	ID          string          `json:"id"`
	Workflow    string          `json:"workflow"`
	Status      RunStatus       `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Record is one completed step.
type Record struct {
	RunID       string          `json:"run_id"`
	Name        string          `json:"name"`
	Output      json.RawMessage `json:"output"`
	Digest      string          `json:"digest"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}

var (
	ErrRunNotFound   = errors.New("workflow run not found")
	ErrCorruptRecord = errors.New("step record digest mismatch")
)

// ExhaustedError reports a step that failed on every allowed attempt.
type ExhaustedError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsExhausted reports whether err (or anything it wraps) is an ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}
