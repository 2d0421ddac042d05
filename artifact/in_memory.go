package artifact

import (
	"sort"
	"sync"

	"github.com/hupe1980/taskmesh/protocol"
)

// InMemoryStore is an in-process Store implementation useful for tests,
// examples and single-process deployments. It keeps artifacts in a nested map
// guarded by an RWMutex; records are copied on save and retrieval.
//
// Layout: sessionID -> taskID -> artifacts
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]protocol.Artifact
}

// NewInMemoryStore returns an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][]protocol.Artifact)}
}

// Save implements Store.
func (s *InMemoryStore) Save(sessionID, taskID string, artifacts []protocol.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[sessionID]; !ok {
		s.artifacts[sessionID] = make(map[string][]protocol.Artifact)
	}
	cp := make([]protocol.Artifact, len(artifacts))
	copy(cp, artifacts)
	s.artifacts[sessionID][taskID] = cp
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(sessionID, taskID string) ([]protocol.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.artifacts[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	arts, ok := m[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]protocol.Artifact, len(arts))
	copy(cp, arts)
	return cp, nil
}

// List implements Store. Results are ordered by task id for stable output.
func (s *InMemoryStore) List(sessionID string) ([]protocol.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.artifacts[sessionID]
	if !ok {
		return []protocol.Artifact{}, nil
	}
	taskIDs := make([]string, 0, len(m))
	for id := range m {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	var out []protocol.Artifact
	for _, id := range taskIDs {
		out = append(out, m[id]...)
	}
	return out, nil
}

// Purge implements Store. Purging an unknown session is a no-op.
func (s *InMemoryStore) Purge(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, sessionID)
	return nil
}
