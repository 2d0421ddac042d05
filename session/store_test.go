package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryStore_CreateOnFirstUse(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	sc, err := s.Get(context.Background(), "s1")
	assert.NoError(t, err)
	assert.Equal(t, "s1", sc.ID())

	sc.SetValue("k", "v")

	again, err := s.Get(context.Background(), "s1")
	assert.NoError(t, err)
	v, ok := again.Value("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestInMemoryStore_End(t *testing.T) {
	s := NewInMemoryStore()
	defer s.Close()

	sc, _ := s.Get(context.Background(), "s1")
	sc.SetValue("k", "v")
	assert.NoError(t, s.End(context.Background(), "s1"))

	fresh, _ := s.Get(context.Background(), "s1")
	_, ok := fresh.Value("k")
	assert.False(t, ok)
}

func TestInMemoryStore_IdleEviction(t *testing.T) {
	s := NewInMemoryStore(func(o *InMemoryOptions) {
		o.IdleTimeout = 20 * time.Millisecond
		o.SweepInterval = 5 * time.Millisecond
	})
	defer s.Close()

	sc, _ := s.Get(context.Background(), "s1")
	sc.SetValue("k", "v")

	// Leave the session idle past the timeout, then check it was reaped.
	time.Sleep(100 * time.Millisecond)

	fresh, _ := s.Get(context.Background(), "s1")
	_, ok := fresh.Value("k")
	assert.False(t, ok)
}
