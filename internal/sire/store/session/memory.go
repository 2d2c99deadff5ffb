package session

import (
	"context"
	"sync"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

// InMemoryStore keeps one session per taxpayer id.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

func New() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*models.Session)}
}

func (s *InMemoryStore) Get(_ context.Context, taxpayerID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[taxpayerID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(sess), nil
}

// Save writes sess when sess.Version equals the stored version (zero when
// absent) and bumps sess.Version on success.
func (s *InMemoryStore) Save(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if cur, ok := s.sessions[sess.TaxpayerID]; ok {
		current = cur.Version
	}
	if current != sess.Version {
		return sentinel.ErrConflict
	}
	sess.Version++
	s.sessions[sess.TaxpayerID] = clone(sess)
	return nil
}

func clone(sess *models.Session) *models.Session {
	c := *sess
	if sess.RefreshedAt != nil {
		ts := *sess.RefreshedAt
		c.RefreshedAt = &ts
	}
	return &c
}
