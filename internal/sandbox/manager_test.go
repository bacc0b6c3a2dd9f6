package sandbox_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/devle/internal/config"
	"github.com/mattjoyce/devle/internal/log"
	"github.com/mattjoyce/devle/internal/sandbox"
	"github.com/mattjoyce/devle/internal/sandbox/sandboxtest"
	"github.com/mattjoyce/devle/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func openRecords(t *testing.T) *sandbox.Records {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sandbox.NewRecords(db)
}

func newManager(t *testing.T) (*sandbox.Manager, *sandboxtest.Provider, *time.Time) {
	t.Helper()
	m, p, now := managerOn(openRecords(t))
	return m, p, now
}

func managerOn(records *sandbox.Records) (*sandbox.Manager, *sandboxtest.Provider, *time.Time) {
	cfg := config.Defaults().Sandbox
	cfg.URLScheme = "https"
	p := sandboxtest.New()
	m := sandbox.NewManager(p, records, cfg)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, p, &now
}

func TestPolicyTTL(t *testing.T) {
	p := sandbox.Policy{ShortTTL: 30 * time.Minute, LongTTL: 3 * time.Hour}
	tests := []struct {
		paid, private bool
		want          time.Duration
	}{
		{true, true, 30 * time.Minute},
		{true, false, 3 * time.Hour},
		{false, true, 3 * time.Hour},
		{false, false, 3 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.TTL(tt.paid, tt.private), "paid=%v private=%v", tt.paid, tt.private)
	}
}

func TestManagerCreateSetsTTL(t *testing.T) {
	m, _, now := newManager(t)
	h, err := m.Create(context.Background(), "", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "devle-ai-project-2", h.Template)
	assert.Equal(t, now.Add(30*time.Minute), h.ExpiresAt)

	_, err = m.Create(context.Background(), "nope", time.Minute)
	assert.Error(t, err)
}

func TestManagerFileRoundTripAndExec(t *testing.T) {
	m, p, _ := newManager(t)
	ctx := context.Background()
	p.ExecFn = func(_, cmd string) (sandbox.ExecResult, error) {
		if cmd == "false" {
			return sandbox.ExecResult{Stderr: "failed", ExitCode: 1}, nil
		}
		return sandbox.ExecResult{Stdout: "ok\n"}, nil
	}

	h, err := m.Create(ctx, "", time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.WriteFile(ctx, h.ID, "app/page.tsx", []byte("export default 1")))
	got, err := m.ReadFile(ctx, h.ID, "app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "export default 1", string(got))
	assert.Contains(t, p.Files(h.ID), "/home/user/app/page.tsx")

	res, err := m.Exec(ctx, h.ID, "npm install")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)

	res, err = m.Exec(ctx, h.ID, "false")
	require.NoError(t, err, "non-zero exit is not an error")
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, []string{"npm install", "false"}, p.Commands(h.ID))
}

func TestManagerUnknownAndExpiredHandles(t *testing.T) {
	m, p, now := newManager(t)
	ctx := context.Background()

	_, err := m.Exec(ctx, "missing", "ls")
	assert.ErrorIs(t, err, sandbox.ErrUnavailable)

	h, err := m.Create(ctx, "", time.Minute)
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	_, err = m.Exec(ctx, h.ID, "ls")
	assert.ErrorIs(t, err, sandbox.ErrUnavailable)
	assert.ErrorIs(t, m.WriteFile(ctx, h.ID, "a", nil), sandbox.ErrUnavailable)

	assert.Equal(t, 1, m.Reap(ctx))
	assert.Equal(t, []string{h.ID}, p.Destroyed())
	assert.Equal(t, 0, m.Active())
}

func TestManagerProviderLossSurfaces(t *testing.T) {
	m, p, _ := newManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "", time.Hour)
	require.NoError(t, err)
	p.Drop(h.ID)

	_, err = m.Exec(ctx, h.ID, "ls")
	assert.True(t, errors.Is(err, sandbox.ErrUnavailable), "got %v", err)
}

func TestManagerSetTimeoutExtends(t *testing.T) {
	m, _, now := newManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.SetTimeout(ctx, h.ID, time.Hour))

	*now = now.Add(30 * time.Minute)
	_, err = m.Exec(ctx, h.ID, "ls")
	assert.NoError(t, err)
}

func TestManagerHostURLIsStable(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "", time.Hour)
	require.NoError(t, err)

	u1, err := m.HostURL(ctx, h.ID, 3000)
	require.NoError(t, err)
	assert.Equal(t, "https://3000-"+h.ID+".sandbox.test", u1)

	u2, err := m.HostURL(ctx, h.ID, 3000)
	require.NoError(t, err)
	assert.Equal(t, u1, u2)

	require.NoError(t, m.Kill(ctx, h.ID))
	_, err = m.HostURL(ctx, h.ID, 3000)
	assert.ErrorIs(t, err, sandbox.ErrUnavailable)
	assert.ErrorIs(t, m.Kill(ctx, h.ID), sandbox.ErrUnavailable)
}

func TestAliveFallsBackToGet(t *testing.T) {
	m, _, _ := newManager(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	ctx := context.Background()
	assert.True(t, m.Alive(ctx, srv.URL))
	assert.False(t, m.Alive(ctx, down.URL))
	assert.False(t, m.Alive(ctx, ""))
}

func TestManagerHostURLKeepsProviderScheme(t *testing.T) {
	m, p, _ := newManager(t)
	p.Scheme = "http"
	ctx := context.Background()

	h, err := m.Create(ctx, "", time.Hour)
	require.NoError(t, err)

	u, err := m.HostURL(ctx, h.ID, 3000)
	require.NoError(t, err)
	assert.Equal(t, "http://3000-"+h.ID+".sandbox.test", u)
}

func TestManagerReattachesAfterRestart(t *testing.T) {
	records := openRecords(t)
	ctx := context.Background()

	before, _, _ := managerOn(records)
	h, err := before.Create(ctx, "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, before.WriteFile(ctx, h.ID, "app/page.tsx", []byte("v1")))

	after, p, _ := managerOn(records)
	assert.Equal(t, 0, after.Active())

	got, err := after.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, h.ExpiresAt.Equal(got.ExpiresAt), "expires_at survives the restart")
	assert.Equal(t, 1, after.Active())

	b, err := after.ReadFile(ctx, h.ID, "app/page.tsx")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(b))
	assert.Contains(t, p.Files(h.ID), "/home/user/app/page.tsx")
}

func TestManagerLostAfterRestartIsUnavailable(t *testing.T) {
	records := openRecords(t)
	ctx := context.Background()

	before, _, _ := managerOn(records)
	h, err := before.Create(ctx, "", time.Hour)
	require.NoError(t, err)

	after, p, _ := managerOn(records)
	p.Lost = true
	_, err = after.Exec(ctx, h.ID, "ls")
	assert.ErrorIs(t, err, sandbox.ErrUnavailable)
}

func TestManagerReapsRecordsFromEarlierProcess(t *testing.T) {
	records := openRecords(t)
	ctx := context.Background()

	before, _, _ := managerOn(records)
	h, err := before.Create(ctx, "", time.Minute)
	require.NoError(t, err)

	after, _, now := managerOn(records)
	*now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, after.Reap(ctx))

	_, err = records.Load(ctx, h.ID)
	assert.ErrorIs(t, err, sandbox.ErrUnavailable)
	assert.ErrorIs(t, after.Kill(ctx, h.ID), sandbox.ErrUnavailable)
}

func TestManagerKillForgetsRecord(t *testing.T) {
	records := openRecords(t)
	ctx := context.Background()

	m, _, _ := managerOn(records)
	h, err := m.Create(ctx, "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.Kill(ctx, h.ID))

	_, err = records.Load(ctx, h.ID)
	assert.ErrorIs(t, err, sandbox.ErrUnavailable)
}
