package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober performs a lightweight reachability check against a peer address.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, addr string) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, addr string) error { return f(ctx, addr) }

// HTTPProber probes a peer with a HEAD request under a short timeout. Any
// HTTP response, including an error status, counts as alive: the check is
// about reachability, not correctness.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber constructs a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, addr, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
