// Package sandboxtest provides an in-memory sandbox.Provider for tests.
package sandboxtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/mattjoyce/devle/internal/sandbox"
)

// ExecFunc scripts the outcome of a command.
type ExecFunc func(id, command string) (sandbox.ExecResult, error)

type box struct {
	tmpl     sandbox.Template
	files    map[string][]byte
	commands []string
	served   map[int]bool
}

// Provider keeps sandboxes as maps of files and records every command.
type Provider struct {
	// ExecFn, when set, decides the result of each command. The default
	// succeeds with empty output.
	ExecFn ExecFunc
	// Host is the host part returned by Serve.
	Host string
	// Scheme, when set, makes Serve return a full URL.
	Scheme string
	// Lost makes Resume fail, as if the environment died with the old
	// process.
	Lost bool

	mu        sync.Mutex
	boxes     map[string]*box
	destroyed []string
}

func New() *Provider {
	return &Provider{Host: "sandbox.test", boxes: make(map[string]*box)}
}

func (p *Provider) Provision(_ context.Context, id string, tmpl sandbox.Template) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tmpl.Workdir == "" {
		tmpl.Workdir = "/home/user"
	}
	p.boxes[id] = &box{tmpl: tmpl, files: make(map[string][]byte), served: make(map[int]bool)}
	return nil
}

func (p *Provider) Exec(_ context.Context, id, command string) (sandbox.ExecResult, error) {
	p.mu.Lock()
	b, ok := p.boxes[id]
	if ok {
		b.commands = append(b.commands, command)
	}
	fn := p.ExecFn
	p.mu.Unlock()
	if !ok {
		return sandbox.ExecResult{}, fmt.Errorf("%w: %s", sandbox.ErrUnavailable, id)
	}
	if fn != nil {
		return fn(id, command)
	}
	return sandbox.ExecResult{}, nil
}

func (p *Provider) WriteFile(_ context.Context, id, name string, content []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[id]
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrUnavailable, id)
	}
	b.files[b.resolve(name)] = append([]byte(nil), content...)
	return nil
}

func (p *Provider) ReadFile(_ context.Context, id, name string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrUnavailable, id)
	}
	content, ok := b.files[b.resolve(name)]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", name)
	}
	return append([]byte(nil), content...), nil
}

func (p *Provider) Serve(_ context.Context, id string, port int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrUnavailable, id)
	}
	b.served[port] = true
	endpoint := fmt.Sprintf("%d-%s.%s", port, id, p.Host)
	if p.Scheme != "" {
		endpoint = p.Scheme + "://" + endpoint
	}
	return endpoint, nil
}

func (p *Provider) Destroy(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.boxes[id]; !ok {
		return sandbox.ErrUnavailable
	}
	delete(p.boxes, id)
	p.destroyed = append(p.destroyed, id)
	return nil
}

type snapshot struct {
	Files map[string][]byte `json:"files"`
}

// Snapshot serializes the files of a sandbox.
func (p *Provider) Snapshot(_ context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.boxes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrUnavailable, id)
	}
	raw, err := json.Marshal(snapshot{Files: b.files})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Resume rebuilds a sandbox from a Snapshot token.
func (p *Provider) Resume(_ context.Context, id string, tmpl sandbox.Template, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Lost {
		return errors.New("environment is gone")
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(token), &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if tmpl.Workdir == "" {
		tmpl.Workdir = "/home/user"
	}
	if snap.Files == nil {
		snap.Files = make(map[string][]byte)
	}
	p.boxes[id] = &box{tmpl: tmpl, files: snap.Files, served: make(map[int]bool)}
	return nil
}

// Drop forgets a sandbox without going through Destroy, as if the backing
// environment vanished.
func (p *Provider) Drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.boxes, id)
}

// Files returns a copy of the files written to a sandbox.
func (p *Provider) Files(id string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string)
	if b, ok := p.boxes[id]; ok {
		for k, v := range b.files {
			out[k] = string(v)
		}
	}
	return out
}

// Commands returns the commands run in a sandbox, in order.
func (p *Provider) Commands(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.boxes[id]; ok {
		return append([]string(nil), b.commands...)
	}
	return nil
}

// Destroyed lists the ids passed to Destroy.
func (p *Provider) Destroyed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.destroyed...)
}

func (b *box) resolve(name string) string {
	if path.IsAbs(name) {
		return name
	}
	return path.Join(b.tmpl.Workdir, name)
}
