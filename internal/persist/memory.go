package persist

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentarena/server/internal/faults"
)

type memKey struct {
	gameID string
	key    string
}

// MemoryStore keeps datastore values per game in memory. It stands in
// for the Postgres-backed repo when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	values map[memKey]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[memKey]any)}
}

func (s *MemoryStore) Get(_ context.Context, gameID, key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[memKey{gameID, key}]
	if !ok {
		return nil, fmt.Errorf("datastore key %q: %w", key, faults.ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, gameID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[memKey{gameID, key}] = value
	return nil
}
