package orchestrator

import (
	"context"

	"sire/internal/sire/models"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/requestcontext"
)

// GetStatus returns the ticket with the lazy expiry applied and persisted.
func (s *Service) GetStatus(ctx context.Context, id string) (*models.Ticket, error) {
	return s.load(ctx, id)
}

// ListByTaxpayer lists a taxpayer's tickets, newest first. Expiry is applied to
// the returned projections only, and a status filter matches the projected
// status.
func (s *Service) ListByTaxpayer(ctx context.Context, taxpayerID string, f models.TicketFilter) ([]*models.Ticket, error) {
	id, err := normalizeTaxpayer(taxpayerID)
	if err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidParameters, "unknown status "+string(f.Status))
	}
	if f.Operation != "" {
		if _, ok := s.catalog.Lookup(f.Operation); !ok {
			return nil, dErrors.New(dErrors.CodeInvalidParameters, "unknown operation "+f.Operation)
		}
	}

	now := requestcontext.Now(ctx)
	f.AsOf = now
	tickets, err := s.tickets.ListByTaxpayer(ctx, id, f.Normalize())
	if err != nil {
		return nil, storeError(err, "ticket")
	}
	for _, t := range tickets {
		s.machine.CheckExpiry(t, now)
	}
	return tickets, nil
}

// Stats counts a taxpayer's tickets by status.
func (s *Service) Stats(ctx context.Context, taxpayerID string) (*models.TicketStats, error) {
	id, err := normalizeTaxpayer(taxpayerID)
	if err != nil {
		return nil, err
	}
	stats, err := s.tickets.Stats(ctx, id)
	if err != nil {
		return nil, storeError(err, "ticket")
	}
	return stats, nil
}

// ListActive returns non-terminal tickets by priority, then age.
func (s *Service) ListActive(ctx context.Context, limit int) ([]*models.Ticket, error) {
	tickets, err := s.tickets.ListActive(ctx, limit)
	if err != nil {
		return nil, storeError(err, "ticket")
	}
	return tickets, nil
}

// Download returns the verified artifact of a COMPLETED ticket.
func (s *Service) Download(ctx context.Context, id string) (*models.StoredFile, []byte, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != models.StatusCompleted || t.Output == nil {
		return nil, nil, dErrors.New(dErrors.CodeNotFound, "ticket has no file available")
	}
	return s.files.Read(ctx, t.Output.Name)
}
