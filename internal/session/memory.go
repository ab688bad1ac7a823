package session

import (
	"context"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/gantrylab/gantry/internal/errkind"
)

// MemoryStore keeps sessions in an expiring LRU. It is the default
// store and the reference for Store semantics.
type MemoryStore struct {
	lru *expirable.LRU[string, map[string]any]
}

// NewMemoryStore caps the store at maxSize sessions with the given
// idle TTL.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryStore{
		lru: expirable.NewLRU[string, map[string]any](maxSize, nil, ttl),
	}
}

func (s *MemoryStore) Load(ctx context.Context, id string) (map[string]any, error) {
	values, ok := s.lru.Get(id)
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "session_not_found", "no session %q", id)
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Save(ctx context.Context, id string, values map[string]any, ttl time.Duration) error {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.lru.Add(id, copied)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.lru.Remove(id)
	return nil
}

// Len reports how many sessions are resident.
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}
