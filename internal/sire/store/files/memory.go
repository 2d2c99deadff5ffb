package files

import (
	"context"
	"sync"
	"time"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

type entry struct {
	meta models.StoredFile
	data []byte
}

// InMemoryStore keeps file bytes and metadata together in a map.
type InMemoryStore struct {
	mu    sync.RWMutex
	files map[string]entry
}

func New() *InMemoryStore {
	return &InMemoryStore{files: make(map[string]entry)}
}

// Put stores data under meta.Name, replacing any previous content.
func (s *InMemoryStore) Put(_ context.Context, meta models.StoredFile, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[meta.Name] = entry{meta: meta, data: append([]byte(nil), data...)}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, name string) (*models.StoredFile, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.files[name]
	if !ok {
		return nil, nil, sentinel.ErrNotFound
	}
	meta := e.meta
	return &meta, append([]byte(nil), e.data...), nil
}

// DeleteCreatedBefore removes files created before cutoff and returns the count.
func (s *InMemoryStore) DeleteCreatedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for name, e := range s.files {
		if e.meta.CreatedAt.Before(cutoff) {
			delete(s.files, name)
			removed++
		}
	}
	return removed, nil
}
