// Package registry holds the descriptors of known task-execution peers and
// resolves a logical peer name to a reachable address, preferring the primary
// address and falling back to the secondary one when the primary fails a
// liveness probe.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/logging"
)

// ErrUnknownPeer is returned when a peer name was never registered.
var ErrUnknownPeer = errors.New("registry: unknown peer")

// ErrPeerUnavailable is returned when neither the primary nor the fallback
// address of a peer responds to a liveness probe.
var ErrPeerUnavailable = errors.New("registry: peer unavailable")

// Descriptor describes one registered peer. Descriptors are exclusively owned
// by the Registry; callers receive copies.
type Descriptor struct {
	// Name is the logical peer name used for resolution.
	Name string `json:"name"`
	// URL is the primary address.
	URL string `json:"url"`
	// FallbackURL is probed when the primary fails. Optional.
	FallbackURL string `json:"fallback_url,omitempty"`
	// Capabilities are the peer's declared capability tags.
	Capabilities []string `json:"capabilities,omitempty"`
	// Color is a presentation identity hint; the engine ignores it.
	Color string `json:"color,omitempty"`
	// Streaming reports whether the peer supports server-streamed task
	// updates; otherwise the protocol client falls back to polling.
	Streaming bool `json:"streaming,omitempty"`
	// Alive is the result of the most recent liveness probe.
	Alive bool `json:"alive"`
	// LastSeen is when the peer last passed a probe.
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Options configures a Registry.
type Options struct {
	// Prober performs reachability checks. Defaults to an HTTP prober with
	// ProbeTimeout.
	Prober Prober
	// ProbeTimeout bounds one reachability check.
	ProbeTimeout time.Duration
	// CacheTTL is how long a probe result is trusted before re-probing, so
	// resolution does not probe on every dispatch.
	CacheTTL time.Duration
	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Registry is a thread-safe peer directory. The liveness cache has its own
// exclusion scope independent of the descriptor map.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Descriptor

	cacheMu  sync.Mutex
	cache    map[string]probeResult
	cacheTTL time.Duration

	prober Prober
	logger logging.Logger
}

type probeResult struct {
	ok      bool
	checked time.Time
}

// New constructs an empty Registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		ProbeTimeout: 3 * time.Second,
		CacheTTL:     30 * time.Second,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Prober == nil {
		opts.Prober = NewHTTPProber(opts.ProbeTimeout)
	}

	return &Registry{
		peers:    make(map[string]*Descriptor),
		cache:    make(map[string]probeResult),
		cacheTTL: opts.CacheTTL,
		prober:   opts.Prober,
		logger:   opts.Logger,
	}
}

// Register upserts a peer descriptor by name.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := d
	r.peers[d.Name] = &cp
	r.logger.Debug("registry registered peer name=%s url=%s", d.Name, d.URL)
}

// Deregister removes a peer. Removing an unknown name is a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, name)
}

// Get returns a copy of the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.peers[name]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// List returns copies of all registered descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.peers))
	for _, d := range r.peers {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve returns a reachable address for the named peer: the primary if it
// passes a (cached) liveness probe, otherwise the fallback, otherwise
// ErrPeerUnavailable. The registry already tried the fallback, so callers
// must not retry resolution failures themselves.
func (r *Registry) Resolve(ctx context.Context, name string) (string, error) {
	d, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, name)
	}

	if r.probe(ctx, d.URL) {
		r.markAlive(name, true)
		return d.URL, nil
	}
	if d.FallbackURL != "" && r.probe(ctx, d.FallbackURL) {
		r.logger.Warn("registry primary unreachable, using fallback peer=%s", name)
		r.markAlive(name, true)
		return d.FallbackURL, nil
	}

	r.markAlive(name, false)
	return "", fmt.Errorf("%w: %s", ErrPeerUnavailable, name)
}

// probe checks reachability of one address, consulting the cache first.
func (r *Registry) probe(ctx context.Context, addr string) bool {
	now := time.Now()

	r.cacheMu.Lock()
	if res, ok := r.cache[addr]; ok && now.Sub(res.checked) < r.cacheTTL {
		r.cacheMu.Unlock()
		return res.ok
	}
	r.cacheMu.Unlock()

	err := r.prober.Probe(ctx, addr)
	ok := err == nil
	if err != nil {
		r.logger.Debug("registry probe failed addr=%s err=%v", addr, err)
	}

	r.cacheMu.Lock()
	r.cache[addr] = probeResult{ok: ok, checked: now}
	r.cacheMu.Unlock()

	return ok
}

func (r *Registry) markAlive(name string, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.peers[name]; ok {
		d.Alive = alive
		if alive {
			d.LastSeen = time.Now()
		}
	}
}

// InvalidateProbes drops all cached probe results, forcing fresh checks.
func (r *Registry) InvalidateProbes() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache = make(map[string]probeResult)
}
