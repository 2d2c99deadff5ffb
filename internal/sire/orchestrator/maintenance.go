package orchestrator

import (
	"context"
	"time"

	"sire/internal/sire/models"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/requestcontext"
)

// ExpireStale marks every non-terminal ticket past its expiry as EXPIRED and
// returns how many changed.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	stale, err := s.tickets.ListStale(ctx, now, 0)
	if err != nil {
		return 0, storeError(err, "ticket")
	}

	expired := 0
	for _, t := range stale {
		updated, err := s.commit(ctx, t, func(t *models.Ticket, now time.Time) (bool, error) {
			return s.machine.CheckExpiry(t, now), nil
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to expire ticket",
				"ticket_id", t.ID,
				"error", err,
			)
			continue
		}
		if updated.Status == models.StatusExpired {
			expired++
		}
	}
	s.metrics.AddSweepRemoved("tickets_expired", expired)
	if expired > 0 {
		s.logger.InfoContext(ctx, "stale tickets expired", "count", expired)
	}
	return expired, nil
}

// PurgeExpired deletes tickets whose expiry passed more than grace ago,
// whatever their status.
func (s *Service) PurgeExpired(ctx context.Context, grace time.Duration) (int, error) {
	if grace < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "grace must not be negative")
	}
	cutoff := requestcontext.Now(ctx).Add(-grace)
	n, err := s.tickets.PurgeExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, storeError(err, "ticket")
	}
	s.metrics.AddSweepRemoved("tickets_purged", n)
	if n > 0 {
		s.logger.InfoContext(ctx, "expired tickets purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
