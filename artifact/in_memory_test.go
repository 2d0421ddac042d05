package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/taskmesh/protocol"
)

func TestInMemoryStore_SaveGet(t *testing.T) {
	s := NewInMemoryStore()

	arts := []protocol.Artifact{{Name: "report.pdf", MediaType: "application/pdf", Size: 1024}}
	assert.NoError(t, s.Save("s1", "task-1", arts))

	got, err := s.Get("s1", "task-1")
	assert.NoError(t, err)
	assert.Equal(t, arts, got)

	// Mutating the returned slice does not affect the store.
	got[0].Name = "mutated"
	again, _ := s.Get("s1", "task-1")
	assert.Equal(t, "report.pdf", again[0].Name)
}

func TestInMemoryStore_GetNotFound(t *testing.T) {
	s := NewInMemoryStore()

	_, err := s.Get("s1", "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Save("s1", "task-1", nil))
	_, err = s.Get("s1", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_ListAcrossTasks(t *testing.T) {
	s := NewInMemoryStore()
	_ = s.Save("s1", "task-2", []protocol.Artifact{{Name: "b"}})
	_ = s.Save("s1", "task-1", []protocol.Artifact{{Name: "a"}})
	_ = s.Save("other", "task-9", []protocol.Artifact{{Name: "foreign"}})

	all, err := s.List("s1")
	assert.NoError(t, err)
	assert.Len(t, all, 2)
	// Ordered by task id.
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "b", all[1].Name)
}

func TestInMemoryStore_Purge(t *testing.T) {
	s := NewInMemoryStore()
	_ = s.Save("s1", "task-1", []protocol.Artifact{{Name: "a"}})

	assert.NoError(t, s.Purge("s1"))
	_, err := s.Get("s1", "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Purging an unknown session is a no-op.
	assert.NoError(t, s.Purge("ghost"))
}
