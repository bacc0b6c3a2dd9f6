package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Event names carried on the bus.
const (
	// EventCodeAgentRun starts the primary generation workflow.
	EventCodeAgentRun = "code-agent/run"
	// EventRunCompleted starts the publish pipeline for a public project.
	EventRunCompleted = "project/run-completed"
)

// Event is one durable message. Payloads are immutable facts; consumers
// look up mutable state fresh.
type Event struct {
	ID          string
	Name        string
	Payload     json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	DedupeKey   *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
}

type SendRequest struct {
	Name        string
	Payload     json.RawMessage
	MaxAttempts int
	DedupeKey   *string
}

var ErrEventNotFound = errors.New("event not found")

// ErrUnprocessable marks a handler error that redelivery cannot fix. The
// dispatcher fails such events without retrying.
var ErrUnprocessable = errors.New("event cannot be processed")

// DedupeDropError is returned by Send when an event with the same dedupe key
// is already pending or has succeeded.
type DedupeDropError struct {
	DedupeKey  string
	ExistingID string
}

func (e *DedupeDropError) Error() string {
	return fmt.Sprintf("event dropped: dedupe key %q already held by %s", e.DedupeKey, e.ExistingID)
}

// CodeAgentRunPayload is the payload of EventCodeAgentRun.
type CodeAgentRunPayload struct {
	ProjectID string `json:"project_id"`
	Prompt    string `json:"prompt"`
	UserPlan  string `json:"user_plan,omitempty"`
}

// RunCompletedPayload is the payload of EventRunCompleted.
type RunCompletedPayload struct {
	ProjectID string `json:"project_id"`
}
