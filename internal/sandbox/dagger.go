package sandbox

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"dagger.io/dagger"
)

type daggerBox struct {
	mu       sync.Mutex
	ctr      *dagger.Container
	tmpl     Template
	services map[int]*dagger.Service
}

// DaggerProvider runs sandboxes as dagger containers. Containers are
// immutable, so every exec or write replaces the stored container with the
// derived one.
type DaggerProvider struct {
	client *dagger.Client

	mu    sync.Mutex
	boxes map[string]*daggerBox
}

// ConnectDagger opens a dagger engine session; engine logs go to logOutput.
func ConnectDagger(ctx context.Context, logOutput io.Writer) (*dagger.Client, error) {
	client, err := dagger.Connect(ctx, dagger.WithLogOutput(logOutput))
	if err != nil {
		return nil, fmt.Errorf("connect to dagger engine: %w", err)
	}
	return client, nil
}

func NewDaggerProvider(client *dagger.Client) *DaggerProvider {
	return &DaggerProvider{client: client, boxes: make(map[string]*daggerBox)}
}

func (p *DaggerProvider) Provision(ctx context.Context, id string, tmpl Template) error {
	workdir := tmpl.Workdir
	if workdir == "" {
		workdir = "/home/user"
	}
	tmpl.Workdir = workdir

	ctr, err := p.client.Container().
		From(tmpl.Image).
		WithWorkdir(workdir).
		Sync(ctx)
	if err != nil {
		return fmt.Errorf("start container from %s: %w", tmpl.Image, err)
	}

	p.mu.Lock()
	p.boxes[id] = &daggerBox{ctr: ctr, tmpl: tmpl, services: make(map[int]*dagger.Service)}
	p.mu.Unlock()
	return nil
}

func (p *DaggerProvider) Exec(ctx context.Context, id, command string) (ExecResult, error) {
	box, err := p.box(id)
	if err != nil {
		return ExecResult{}, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	ctr := box.ctr.WithExec([]string{"sh", "-c", command}, dagger.ContainerWithExecOpts{
		Expect: dagger.ReturnTypeAny,
	})
	code, err := ctr.ExitCode(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("run command: %w", err)
	}
	stdout, err := ctr.Stdout(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("read stdout: %w", err)
	}
	stderr, err := ctr.Stderr(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("read stderr: %w", err)
	}
	box.ctr = ctr
	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

func (p *DaggerProvider) WriteFile(ctx context.Context, id, name string, content []byte) error {
	box, err := p.box(id)
	if err != nil {
		return err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	ctr, err := box.ctr.WithNewFile(box.resolve(name), string(content)).Sync(ctx)
	if err != nil {
		return err
	}
	box.ctr = ctr
	return nil
}

func (p *DaggerProvider) ReadFile(ctx context.Context, id, name string) ([]byte, error) {
	box, err := p.box(id)
	if err != nil {
		return nil, err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	contents, err := box.ctr.File(box.resolve(name)).Contents(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(contents), nil
}

// Serve starts the template's serve command as a service and tunnels port
// to the host. The tunnel speaks plain HTTP, so the endpoint carries an http
// scheme.
func (p *DaggerProvider) Serve(ctx context.Context, id string, port int) (string, error) {
	box, err := p.box(id)
	if err != nil {
		return "", err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	svc := box.ctr.
		WithExposedPort(port).
		AsService(dagger.ContainerAsServiceOpts{Args: []string{"sh", "-c", box.tmpl.Serve}})
	tunnel, err := p.client.Host().Tunnel(svc).Start(ctx)
	if err != nil {
		return "", fmt.Errorf("start tunnel: %w", err)
	}
	endpoint, err := tunnel.Endpoint(ctx, dagger.ServiceEndpointOpts{Scheme: "http"})
	if err != nil {
		return "", fmt.Errorf("resolve endpoint: %w", err)
	}
	box.services[port] = tunnel
	return endpoint, nil
}

// Snapshot returns the container ID of the current container. The ID encodes
// the whole call graph, so another engine session can rebuild it.
func (p *DaggerProvider) Snapshot(ctx context.Context, id string) (string, error) {
	box, err := p.box(id)
	if err != nil {
		return "", err
	}
	box.mu.Lock()
	defer box.mu.Unlock()

	cid, err := box.ctr.ID(ctx)
	if err != nil {
		return "", fmt.Errorf("container id: %w", err)
	}
	return string(cid), nil
}

// Resume loads a container from a Snapshot token under id. Services are not
// carried over; Serve starts them again.
func (p *DaggerProvider) Resume(ctx context.Context, id string, tmpl Template, token string) error {
	if tmpl.Workdir == "" {
		tmpl.Workdir = "/home/user"
	}
	ctr, err := p.client.LoadContainerFromID(dagger.ContainerID(token)).Sync(ctx)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	p.mu.Lock()
	p.boxes[id] = &daggerBox{ctr: ctr, tmpl: tmpl, services: make(map[int]*dagger.Service)}
	p.mu.Unlock()
	return nil
}

func (p *DaggerProvider) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	box, ok := p.boxes[id]
	delete(p.boxes, id)
	p.mu.Unlock()
	if !ok {
		return ErrUnavailable
	}

	box.mu.Lock()
	defer box.mu.Unlock()
	for port, svc := range box.services {
		if _, err := svc.Stop(ctx); err != nil {
			return fmt.Errorf("stop service on port %d: %w", port, err)
		}
	}
	return nil
}

func (p *DaggerProvider) box(id string) (*daggerBox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	box, ok := p.boxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
	}
	return box, nil
}

func (b *daggerBox) resolve(name string) string {
	if path.IsAbs(name) {
		return name
	}
	return path.Join(b.tmpl.Workdir, name)
}
