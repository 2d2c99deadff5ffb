package credentials

import (
	"context"
	"sort"
	"sync"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

// InMemoryStore keeps sealed credential envelopes in a map.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.SealedCredentials
}

func New() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]models.SealedCredentials)}
}

func (s *InMemoryStore) Get(_ context.Context, taxpayerID string) (*models.SealedCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taxpayerID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneSealed(rec), nil
}

// Put inserts or replaces the envelope for rec.TaxpayerID.
func (s *InMemoryStore) Put(_ context.Context, rec *models.SealedCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.TaxpayerID] = *cloneSealed(*rec)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, taxpayerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[taxpayerID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.records, taxpayerID)
	return nil
}

// List returns the provisioned taxpayer ids in ascending order.
func (s *InMemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func cloneSealed(rec models.SealedCredentials) *models.SealedCredentials {
	out := rec
	out.Nonce = append([]byte(nil), rec.Nonce...)
	out.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	return &out
}
