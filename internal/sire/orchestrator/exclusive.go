package orchestrator

import (
	"context"
	"hash/fnv"
	"sync"

	"sire/internal/sire/models"
	dErrors "sire/pkg/domain-errors"
)

// ticketMutexes serializes work on one ticket inside the process. Ids hash
// onto a fixed set of mutexes, so unrelated tickets occasionally share one.
type ticketMutexes [64]sync.Mutex

func (m *ticketMutexes) lock(id string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &m[h.Sum32()%uint32(len(m))]
	mu.Lock()
	return mu.Unlock
}

type ticketStep func(ctx context.Context, id string) (*models.Ticket, error)

// exclusive runs step while holding the ticket's process mutex and, when a
// Locker is configured, its cross-process lock. busy runs instead when another
// process holds the lock.
func (s *Service) exclusive(ctx context.Context, id string, step, busy ticketStep) (*models.Ticket, error) {
	unlock := s.ticketMu.lock(id)
	defer unlock()

	if s.locker == nil {
		return step(ctx, id)
	}
	release, acquired, err := s.locker.Acquire(ctx, "ticket:"+id, s.lockTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "ticket lock unavailable")
	}
	if !acquired {
		s.logger.DebugContext(ctx, "ticket is locked by another process", "ticket_id", id)
		return busy(ctx, id)
	}
	defer release()
	return step(ctx, id)
}
