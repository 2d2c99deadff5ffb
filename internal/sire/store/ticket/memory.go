package ticket

import (
	"context"
	"sort"
	"sync"
	"time"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

// InMemoryStore keeps tickets in a map. Every read and write clones, so callers
// never share state with the store.
type InMemoryStore struct {
	mu      sync.RWMutex
	tickets map[string]*models.Ticket
}

func New() *InMemoryStore {
	return &InMemoryStore{tickets: make(map[string]*models.Ticket)}
}

func (s *InMemoryStore) Create(_ context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; ok {
		return sentinel.ErrAlreadyExists
	}
	t.Version = 1
	s.tickets[t.ID] = t.Clone()
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return t.Clone(), nil
}

// Update replaces the stored ticket when t.Version matches the stored version and
// bumps t.Version on success.
func (s *InMemoryStore) Update(_ context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tickets[t.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if cur.Version != t.Version {
		return sentinel.ErrConflict
	}
	t.Version++
	s.tickets[t.ID] = t.Clone()
	return nil
}

func (s *InMemoryStore) ListByTaxpayer(_ context.Context, taxpayerID string, f models.TicketFilter) ([]*models.Ticket, error) {
	f = f.Normalize()
	s.mu.RLock()
	matched := make([]*models.Ticket, 0)
	for _, t := range s.tickets {
		if t.TaxpayerID == taxpayerID && f.Matches(t) {
			matched = append(matched, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if f.Offset >= len(matched) {
		return []*models.Ticket{}, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], nil
}

// ListActive returns non-terminal tickets, highest priority first and oldest
// first within a priority.
func (s *InMemoryStore) ListActive(_ context.Context, limit int) ([]*models.Ticket, error) {
	s.mu.RLock()
	active := make([]*models.Ticket, 0)
	for _, t := range s.tickets {
		if !t.Status.IsTerminal() {
			active = append(active, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool {
		wi, wj := active[i].Priority.Weight(), active[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

// ListStale returns non-terminal tickets whose expiry is at or before now.
func (s *InMemoryStore) ListStale(_ context.Context, now time.Time, limit int) ([]*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stale := make([]*models.Ticket, 0)
	for _, t := range s.tickets {
		if t.IsExpired(now) {
			stale = append(stale, t.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(stale[j].ExpiresAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// PurgeExpiredBefore deletes tickets whose expiry is before cutoff, whatever
// their status.
func (s *InMemoryStore) PurgeExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tickets {
		if t.ExpiresAt.Before(cutoff) {
			delete(s.tickets, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Stats(_ context.Context, taxpayerID string) (*models.TicketStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.TicketStats{ByStatus: make(map[models.TicketStatus]int)}
	for _, t := range s.tickets {
		if t.TaxpayerID != taxpayerID {
			continue
		}
		stats.Total++
		stats.ByStatus[t.Status]++
		if stats.LatestActivity == nil || t.UpdatedAt.After(*stats.LatestActivity) {
			ts := t.UpdatedAt
			stats.LatestActivity = &ts
		}
	}
	return stats, nil
}
