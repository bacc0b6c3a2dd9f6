package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/log"
)

type entry struct {
	handle Handle
	tmpl   Template
	resume string
	urls   map[int]string
}

// Manager implements Gateway on top of a Provider.
type Manager struct {
	provider Provider
	records  *Records
	cfg      config.SandboxConfig
	logger   *slog.Logger
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	handles map[string]*entry
}

// NewManager builds a Manager. With nil records, handles live only as long as
// the process.
func NewManager(provider Provider, records *Records, cfg config.SandboxConfig) *Manager {
	return &Manager{
		provider: provider,
		records:  records,
		cfg:      cfg,
		logger:   log.WithComponent("sandbox"),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      func() time.Time { return time.Now().UTC() },
		handles:  make(map[string]*entry),
	}
}

// Policy returns the TTL policy configured for this manager.
func (m *Manager) Policy() Policy {
	return Policy{ShortTTL: m.cfg.ShortTTL, LongTTL: m.cfg.LongTTL}
}

func (m *Manager) template(name string) (Template, error) {
	tc, ok := m.cfg.Templates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown sandbox template %q", name)
	}
	return Template{Name: name, Image: tc.Image, Workdir: tc.Workdir, Serve: tc.Serve}, nil
}

func (m *Manager) Create(ctx context.Context, template string, ttl time.Duration) (Handle, error) {
	if template == "" {
		template = m.cfg.DefaultTemplate
	}
	tmpl, err := m.template(template)
	if err != nil {
		return Handle{}, err
	}
	if ttl <= 0 {
		return Handle{}, fmt.Errorf("sandbox ttl must be positive")
	}

	id := "sbx-" + uuid.NewString()
	if err := m.provider.Provision(ctx, id, tmpl); err != nil {
		return Handle{}, fmt.Errorf("provision sandbox: %w", err)
	}

	now := m.now()
	h := Handle{ID: id, Template: template, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	m.mu.Lock()
	m.handles[id] = &entry{handle: h, tmpl: tmpl, urls: make(map[int]string)}
	m.mu.Unlock()

	if err := m.save(ctx, id, true); err != nil {
		m.mu.Lock()
		delete(m.handles, id)
		m.mu.Unlock()
		_ = m.provider.Destroy(ctx, id)
		return Handle{}, err
	}

	m.logger.Info("sandbox created", "sandbox_id", id, "template", template, "ttl", ttl)
	return h, nil
}

// Get returns the live handle for id, reattaching to a recorded sandbox when
// this process has not seen it yet.
func (m *Manager) Get(ctx context.Context, id string) (Handle, error) {
	e, err := m.resolve(ctx, id)
	if err != nil {
		return Handle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.handle, nil
}

func (m *Manager) SetTimeout(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("sandbox ttl must be positive")
	}
	e, err := m.resolve(ctx, id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	e.handle.ExpiresAt = m.now().Add(ttl)
	m.mu.Unlock()
	return m.save(ctx, id, false)
}

func (m *Manager) Exec(ctx context.Context, id, command string) (ExecResult, error) {
	if _, err := m.resolve(ctx, id); err != nil {
		return ExecResult{}, err
	}
	res, err := m.provider.Exec(ctx, id, command)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec in %s: %w", id, err)
	}
	m.refresh(ctx, id)
	m.logger.Debug("sandbox exec", "sandbox_id", id, "exit_code", res.ExitCode)
	return res, nil
}

func (m *Manager) WriteFile(ctx context.Context, id, path string, content []byte) error {
	if _, err := m.resolve(ctx, id); err != nil {
		return err
	}
	if err := m.provider.WriteFile(ctx, id, path, content); err != nil {
		return fmt.Errorf("write %s in %s: %w", path, id, err)
	}
	m.refresh(ctx, id)
	return nil
}

func (m *Manager) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	if _, err := m.resolve(ctx, id); err != nil {
		return nil, err
	}
	b, err := m.provider.ReadFile(ctx, id, path)
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", path, id, err)
	}
	return b, nil
}

// HostURL starts the app service on port once and returns its external URL.
// A bare host:port from the provider gets the configured scheme.
func (m *Manager) HostURL(ctx context.Context, id string, port int) (string, error) {
	e, err := m.resolve(ctx, id)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	if u, ok := e.urls[port]; ok {
		m.mu.Unlock()
		return u, nil
	}
	m.mu.Unlock()

	endpoint, err := m.provider.Serve(ctx, id, port)
	if err != nil {
		return "", fmt.Errorf("serve port %d in %s: %w", port, id, err)
	}
	u := endpoint
	if !strings.Contains(endpoint, "://") {
		scheme := m.cfg.URLScheme
		if scheme == "" {
			scheme = "https"
		}
		u = scheme + "://" + endpoint
	}

	m.mu.Lock()
	if e, ok := m.handles[id]; ok {
		if prev, ok := e.urls[port]; ok {
			u = prev
		} else {
			e.urls[port] = u
		}
	}
	m.mu.Unlock()
	return u, nil
}

func (m *Manager) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if !ok && m.records != nil {
		_, err := m.records.Load(ctx, id)
		ok = err == nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	if err := m.provider.Destroy(ctx, id); err != nil && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("destroy %s: %w", id, err)
	}
	m.forget(ctx, id)
	m.logger.Info("sandbox killed", "sandbox_id", id)
	return nil
}

// Start runs the reaper until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

// Reap destroys every sandbox whose TTL has elapsed, including ones recorded
// by an earlier process, and returns how many were removed.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.now()
	expired := make(map[string]struct{})
	m.mu.Lock()
	for id, e := range m.handles {
		if !now.Before(e.handle.ExpiresAt) {
			expired[id] = struct{}{}
			delete(m.handles, id)
		}
	}
	m.mu.Unlock()

	if m.records != nil {
		ids, err := m.records.Expired(ctx, now)
		if err != nil {
			m.logger.Warn("failed to list expired sandboxes", "error", err)
		}
		for _, id := range ids {
			expired[id] = struct{}{}
		}
	}

	removed := 0
	for id := range expired {
		if err := m.provider.Destroy(ctx, id); err != nil && !errors.Is(err, ErrUnavailable) {
			m.logger.Warn("failed to destroy expired sandbox", "sandbox_id", id, "error", err)
			continue
		}
		m.forget(ctx, id)
		removed++
		m.logger.Info("sandbox expired", "sandbox_id", id)
	}
	return removed
}

// Active returns the number of handles attached in this process.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) resolve(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.handles[id]
	m.mu.Unlock()
	if !ok {
		var err error
		if e, err = m.reattach(ctx, id); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.now().Before(e.handle.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s expired", ErrUnavailable, id)
	}
	return e, nil
}

func (m *Manager) reattach(ctx context.Context, id string) (*entry, error) {
	if m.records == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	rec, err := m.records.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.now().Before(rec.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s expired", ErrUnavailable, id)
	}
	r, ok := m.provider.(Resumer)
	if !ok || rec.Resume == "" {
		return nil, fmt.Errorf("%w: %s cannot be reattached", ErrUnavailable, id)
	}
	tmpl, err := m.template(rec.Template)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := r.Resume(ctx, id, tmpl, rec.Resume); err != nil {
		return nil, fmt.Errorf("%w: reattach %s: %w", ErrUnavailable, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.handles[id]; ok {
		return e, nil
	}
	e := &entry{handle: rec.Handle, tmpl: tmpl, resume: rec.Resume, urls: make(map[int]string)}
	m.handles[id] = e
	m.logger.Info("sandbox reattached", "sandbox_id", id, "template", rec.Template)
	return e, nil
}

// save writes the handle to records. With snapshot set, a Resumer provider
// is asked for a fresh reattach token first.
func (m *Manager) save(ctx context.Context, id string, snapshot bool) error {
	if m.records == nil {
		return nil
	}
	m.mu.Lock()
	e, ok := m.handles[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	h, token := e.handle, e.resume
	m.mu.Unlock()

	if r, ok := m.provider.(Resumer); ok && snapshot {
		t, err := r.Snapshot(ctx, id)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", id, err)
		}
		token = t
		m.mu.Lock()
		e.resume = t
		m.mu.Unlock()
	}
	return m.records.Save(ctx, Record{Handle: h, Resume: token})
}

func (m *Manager) refresh(ctx context.Context, id string) {
	if err := m.save(ctx, id, true); err != nil {
		m.logger.Warn("failed to record sandbox state", "sandbox_id", id, "error", err)
	}
}

func (m *Manager) forget(ctx context.Context, id string) {
	if m.records == nil {
		return
	}
	if err := m.records.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete sandbox record", "sandbox_id", id, "error", err)
	}
}
