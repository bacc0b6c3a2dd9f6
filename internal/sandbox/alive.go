package sandbox

import (
	"context"
	"io"
	"net/http"
)

// Alive probes a sandbox app URL. HEAD is tried first; some dev servers
// reject it, so a non-2xx HEAD falls back to GET.
func (m *Manager) Alive(ctx context.Context, url string) bool {
	return probe(ctx, m.client, url)
}

func probe(ctx context.Context, client *http.Client, url string) bool {
	if url == "" {
		return false
	}
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return false
		}
		req.Header.Set("Cache-Control", "no-store")
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}
