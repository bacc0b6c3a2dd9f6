// Package sandbox provisions and drives the isolated environments the coding
// agent works in.
//
// A Manager keeps the handle-to-environment mapping and the TTL of every
// sandbox, backed by Records in SQLite; a Provider does the actual
// provisioning. A Manager started after a restart reattaches to environments
// through a Resumer. Operations on a handle that is unknown, killed or past
// its TTL fail with ErrUnavailable so that the step layer can retry or fail
// the run.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a handle no longer resolves to a live
// environment.
var ErrUnavailable = errors.New("sandbox unavailable")

// Handle identifies one provisioned environment.
type Handle struct {
	ID        string    `json:"id"`
	Template  string    `json:"template"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExecResult is the accumulated output of one command. A non-zero exit code
// is a result, not an error.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Gateway is the surface the workflows and agent tools use.
type Gateway interface {
	Create(ctx context.Context, template string, ttl time.Duration) (Handle, error)
	SetTimeout(ctx context.Context, id string, ttl time.Duration) error
	Exec(ctx context.Context, id, command string) (ExecResult, error)
	WriteFile(ctx context.Context, id, path string, content []byte) error
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	HostURL(ctx context.Context, id string, port int) (string, error)
	Kill(ctx context.Context, id string) error
}

// Template is what a Provider needs to build an environment.
type Template struct {
	Name    string
	Image   string
	Workdir string
	Serve   string
}

// Provider is the backend that owns real environments. Implementations must
// return ErrUnavailable (possibly wrapped) for ids they do not know.
type Provider interface {
	Provision(ctx context.Context, id string, tmpl Template) error
	Exec(ctx context.Context, id, command string) (ExecResult, error)
	WriteFile(ctx context.Context, id, path string, content []byte) error
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	// Serve starts the template's serve command exposing port and returns
	// either a full URL or a bare "host:port".
	Serve(ctx context.Context, id string, port int) (string, error)
	Destroy(ctx context.Context, id string) error
}

// Resumer is implemented by providers whose environments outlive the
// process. Snapshot returns a token that Resume accepts in a later process to
// rebuild the environment under the same id.
type Resumer interface {
	Snapshot(ctx context.Context, id string) (string, error)
	Resume(ctx context.Context, id string, tmpl Template, token string) error
}

// Policy picks a sandbox lifetime from plan and visibility.
type Policy struct {
	ShortTTL time.Duration
	LongTTL  time.Duration
}

// TTL returns ShortTTL for paid private projects and LongTTL otherwise.
func (p Policy) TTL(paidPlan, private bool) time.Duration {
	if paidPlan && private {
		return p.ShortTTL
	}
	return p.LongTTL
}
