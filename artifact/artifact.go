// Package artifact stores the typed outputs collected from completed tasks,
// keyed by session and task so a session's artifacts can be enumerated after
// the plan finishes.
//
// Callers should depend on the Store interface rather than concrete types so
// durable backends (object stores, databases) can be substituted without
// touching calling code.
package artifact

import (
	"errors"

	"github.com/hupe1980/taskmesh/protocol"
)

// ErrNotFound is returned when no artifacts exist for the given key.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts produced by peer tasks.
type Store interface {
	// Save records the artifacts a task produced, replacing any prior
	// record for the same session / task pair.
	Save(sessionID, taskID string, artifacts []protocol.Artifact) error
	// Get returns the artifacts of one task or ErrNotFound.
	Get(sessionID, taskID string) ([]protocol.Artifact, error)
	// List returns all artifacts of a session across tasks.
	List(sessionID string) ([]protocol.Artifact, error)
	// Purge drops everything stored for the session.
	Purge(sessionID string) error
}
