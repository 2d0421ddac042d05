// Package session holds the per-session shared state of an orchestration run:
// task handles per peer for resumption, bounded conversation history, peer
// cooldowns and retry counts, and arbitrary values steps can read in their
// instruction templates. Stores provide create-on-first-use persistence of
// session contexts.
package session

import (
	"sync"
	"time"
)

// MaxTurns bounds the conversation history kept per session. Older turns are
// dropped first.
const MaxTurns = 50

// Turn is one conversational exchange recorded in the session history.
type Turn struct {
	Role string    `json:"role"`
	Peer string    `json:"peer,omitempty"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Context is the shared state of one session. All fields are guarded by a
// single mutex: cross-field invariants (a task handle recorded together with
// its turn) must hold under one exclusion scope.
type Context struct {
	mu sync.Mutex

	id         string
	taskByPeer map[string]string
	cooldowns  map[string]time.Time
	retries    map[string]int
	values     map[string]any
	turns      []Turn
	lastActive time.Time
}

// NewContext returns an empty session context.
func NewContext(id string) *Context {
	return &Context{
		id:         id,
		taskByPeer: make(map[string]string),
		cooldowns:  make(map[string]time.Time),
		retries:    make(map[string]int),
		values:     make(map[string]any),
		lastActive: time.Now(),
	}
}

// ID returns the session identifier.
func (c *Context) ID() string { return c.id }

// Touch records activity, deferring idle eviction.
func (c *Context) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
}

// LastActive returns the time of the most recent activity.
func (c *Context) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// SetTask records the task handle a peer is working under, replacing any
// prior handle for the same peer.
func (c *Context) SetTask(peer, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskByPeer[peer] = taskID
	c.lastActive = time.Now()
}

// Task returns the recorded task handle for a peer.
func (c *Context) Task(peer string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.taskByPeer[peer]
	return id, ok
}

// ClearTask drops the recorded handle for a peer, typically after the task
// reached a terminal state.
func (c *Context) ClearTask(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.taskByPeer, peer)
}

// SetCooldown blocks dispatch to a peer until the given time.
func (c *Context) SetCooldown(peer string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns[peer] = until
}

// InCooldown reports whether a peer is still cooling down at now, returning
// the remaining duration when it is.
func (c *Context) InCooldown(peer string, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldowns[peer]
	if !ok || !now.Before(until) {
		return 0, false
	}
	return until.Sub(now), true
}

// RecordRetry increments and returns the retry count for a peer.
func (c *Context) RecordRetry(peer string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries[peer]++
	return c.retries[peer]
}

// Retries returns the retry count recorded for a peer.
func (c *Context) Retries(peer string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries[peer]
}

// SetValue stores an arbitrary shared value readable by later steps.
func (c *Context) SetValue(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Value returns a shared value.
func (c *Context) Value(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Values returns a copy of the shared value map, suitable for template
// rendering without holding the lock.
func (c *Context) Values() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// AppendTurn records a conversational turn, evicting the oldest turns beyond
// MaxTurns.
func (c *Context) AppendTurn(t Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	c.turns = append(c.turns, t)
	if len(c.turns) > MaxTurns {
		c.turns = append(c.turns[:0], c.turns[len(c.turns)-MaxTurns:]...)
	}
	c.lastActive = time.Now()
}

// Turns returns a copy of the recorded history, oldest first.
func (c *Context) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Snapshot is the serializable form of a session context.
type Snapshot struct {
	ID         string               `json:"id"`
	TaskByPeer map[string]string    `json:"task_by_peer,omitempty"`
	Cooldowns  map[string]time.Time `json:"cooldowns,omitempty"`
	Retries    map[string]int       `json:"retries,omitempty"`
	Values     map[string]any       `json:"values,omitempty"`
	Turns      []Turn               `json:"turns,omitempty"`
	LastActive time.Time            `json:"last_active"`
}

// Snapshot captures the current state for persistence.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		ID:         c.id,
		TaskByPeer: make(map[string]string, len(c.taskByPeer)),
		Cooldowns:  make(map[string]time.Time, len(c.cooldowns)),
		Retries:    make(map[string]int, len(c.retries)),
		Values:     make(map[string]any, len(c.values)),
		Turns:      make([]Turn, len(c.turns)),
		LastActive: c.lastActive,
	}
	for k, v := range c.taskByPeer {
		snap.TaskByPeer[k] = v
	}
	for k, v := range c.cooldowns {
		snap.Cooldowns[k] = v
	}
	for k, v := range c.retries {
		snap.Retries[k] = v
	}
	for k, v := range c.values {
		snap.Values[k] = v
	}
	copy(snap.Turns, c.turns)
	return snap
}

// FromSnapshot rebuilds a context from its serialized form.
func FromSnapshot(snap Snapshot) *Context {
	c := NewContext(snap.ID)
	for k, v := range snap.TaskByPeer {
		c.taskByPeer[k] = v
	}
	for k, v := range snap.Cooldowns {
		c.cooldowns[k] = v
	}
	for k, v := range snap.Retries {
		c.retries[k] = v
	}
	for k, v := range snap.Values {
		c.values[k] = v
	}
	c.turns = append(c.turns, snap.Turns...)
	if !snap.LastActive.IsZero() {
		c.lastActive = snap.LastActive
	}
	return c
}
