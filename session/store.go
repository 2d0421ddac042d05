package session

import (
	"context"
	"sync"
	"time"
)

// Store provides create-on-first-use access to session contexts.
type Store interface {
	// Get returns the context for sessionID, creating it when absent.
	Get(ctx context.Context, sessionID string) (*Context, error)
	// Save persists the current state of the context.
	Save(ctx context.Context, sc *Context) error
	// End removes the session and its state.
	End(ctx context.Context, sessionID string) error
}

// InMemoryOptions configures an InMemoryStore.
type InMemoryOptions struct {
	// IdleTimeout is how long a session may stay inactive before eviction.
	// Zero disables eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often the evictor scans for idle sessions.
	SweepInterval time.Duration
}

// InMemoryStore keeps session contexts in process memory and evicts sessions
// idle for longer than the configured timeout.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Context

	idleTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

// NewInMemoryStore constructs a store. With a non-zero idle timeout a
// background sweeper reclaims abandoned sessions.
func NewInMemoryStore(optFns ...func(o *InMemoryOptions)) *InMemoryStore {
	opts := InMemoryOptions{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &InMemoryStore{
		sessions:    make(map[string]*Context),
		idleTimeout: opts.IdleTimeout,
		done:        make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go s.sweep(opts.SweepInterval)
	}
	return s
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, sessionID string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.sessions[sessionID]
	if !ok {
		sc = NewContext(sessionID)
		s.sessions[sessionID] = sc
	}
	sc.Touch()
	return sc, nil
}

// Save implements Store. Contexts are held by reference, so this is a no-op
// beyond refreshing activity.
func (s *InMemoryStore) Save(_ context.Context, sc *Context) error {
	sc.Touch()
	return nil
}

// End implements Store.
func (s *InMemoryStore) End(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Close stops the idle sweeper.
func (s *InMemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *InMemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTimeout)
			s.mu.Lock()
			for id, sc := range s.sessions {
				if sc.LastActive().Before(cutoff) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
