// Package relay implements the session-scoped publish/subscribe hub that fans
// lifecycle events out to connected observers. Delivery is strictly isolated
// per session: an envelope published for session A is never delivered to a
// subscriber registered for session B.
package relay

import (
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
)

// Forwarder mirrors every published envelope to an external sink (e.g. a NATS
// subject). It must not block the publish path for long; slow sinks should
// buffer internally.
type Forwarder interface {
	Forward(env Envelope) error
}

// Options configures a Hub.
type Options struct {
	// BufferSize sets the per-subscriber channel buffer. A subscriber whose
	// buffer stays full across consecutive sends is considered dead and pruned.
	BufferSize int

	// KeepaliveInterval is how often idle subscribers receive a keepalive
	// envelope. Zero disables keepalives.
	KeepaliveInterval time.Duration

	// FailureThreshold is the number of consecutive failed sends after which
	// a subscriber is pruned. A single failed send is tolerated as a blip.
	FailureThreshold int

	// Forwarder optionally mirrors published envelopes to an external broker.
	Forwarder Forwarder

	// Metrics optionally records delivery counters. Nil disables.
	Metrics *metrics.Collector

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Subscriber is one observer attached to a session. Consume envelopes from
// Events and call Close when done.
type Subscriber struct {
	sessionID string
	ch        chan Envelope
	failures  int
	lastSend  time.Time
	closed    bool
}

// Events returns the channel envelopes are delivered on. It is closed when the
// subscriber is pruned or unsubscribed.
func (s *Subscriber) Events() <-chan Envelope { return s.ch }

// SessionID returns the session this subscriber observes.
func (s *Subscriber) SessionID() string { return s.sessionID }

// Hub maintains per-session subscriber sets and broadcasts envelopes to them.
// All methods are safe for concurrent use. The subscriber set has its own
// exclusion scope; it never shares a lock with session state.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}

	bufferSize       int
	failureThreshold int
	keepalive        time.Duration
	forwarder        Forwarder
	metrics          *metrics.Collector
	logger           logging.Logger

	done chan struct{}
	once sync.Once
}

// NewHub constructs a Hub and, if a keepalive interval is configured, starts
// its keepalive ticker.
func NewHub(optFns ...func(o *Options)) *Hub {
	opts := Options{
		BufferSize:        32,
		KeepaliveInterval: 25 * time.Second,
		FailureThreshold:  2,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &Hub{
		subs:             make(map[string]map[*Subscriber]struct{}),
		bufferSize:       opts.BufferSize,
		failureThreshold: opts.FailureThreshold,
		keepalive:        opts.KeepaliveInterval,
		forwarder:        opts.Forwarder,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		done:             make(chan struct{}),
	}

	if h.keepalive > 0 {
		go h.keepaliveLoop()
	}

	return h
}

// Subscribe registers a new observer for the given session.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		ch:        make(chan Envelope, h.bufferSize),
		lastSend:  time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.metrics.RelaySubscribers(h.totalLocked())

	return sub
}

// Unsubscribe removes an observer and closes its channel. Safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// Publish fans the envelope out to all subscribers of env.SessionID only.
// Sends are non-blocking: a subscriber whose buffer is full accumulates a
// failure and is pruned once it exceeds the failure threshold, tolerating
// transient consumption blips.
func (h *Hub) Publish(env Envelope) {
	h.mu.Lock()
	set := h.subs[env.SessionID]
	for sub := range set {
		select {
		case sub.ch <- env:
			sub.failures = 0
			sub.lastSend = time.Now()
			h.metrics.RelayDelivered()
		default:
			sub.failures++
			h.metrics.RelayDropped()
			if sub.failures >= h.failureThreshold {
				h.logger.Debug("relay pruning dead subscriber session_id=%s", env.SessionID)
				h.removeLocked(sub)
			}
		}
	}
	h.mu.Unlock()

	if h.forwarder != nil {
		if err := h.forwarder.Forward(env); err != nil {
			h.logger.Warn("relay forwarder error: %v", err)
		}
	}
}

// SubscriberCount returns the number of active subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Close stops the keepalive loop and closes all subscriber channels.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for sub := range set {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	h.subs = make(map[string]map[*Subscriber]struct{})
}

// removeLocked deletes a subscriber; caller must hold h.mu.
func (h *Hub) removeLocked(sub *Subscriber) {
	set, ok := h.subs[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.sessionID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	h.metrics.RelaySubscribers(h.totalLocked())
}

// totalLocked counts subscribers across all sessions; caller must hold h.mu.
func (h *Hub) totalLocked() int {
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// keepaliveLoop periodically sends keepalive envelopes to subscribers that
// have not received an event recently, reclaiming dead connections without
// relying solely on transport-level close events.
func (h *Hub) keepaliveLoop() {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			now := time.Now()
			for sessionID, set := range h.subs {
				for sub := range set {
					if now.Sub(sub.lastSend) < h.keepalive {
						continue
					}
					select {
					case sub.ch <- NewKeepalive(sessionID):
						sub.failures = 0
						sub.lastSend = now
					default:
						sub.failures++
						if sub.failures >= h.failureThreshold {
							h.removeLocked(sub)
						}
					}
				}
			}
			h.mu.Unlock()
		}
	}
}
