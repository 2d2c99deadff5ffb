package orchestrator

import (
	"context"
	"errors"

	"sire/internal/sire/models"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/platform/sentinel"
	"sire/pkg/requestcontext"
)

// CreateRequest asks for a new ticket.
type CreateRequest struct {
	TaxpayerID  string
	Operation   string
	Params      map[string]string
	Priority    models.Priority
	RequestedBy models.Origin
}

// CreateTicket validates the request and stores a PENDING ticket. It never
// calls the provider; Advance does.
func (s *Service) CreateTicket(ctx context.Context, req CreateRequest) (*models.Ticket, error) {
	taxpayerID, err := normalizeTaxpayer(req.TaxpayerID)
	if err != nil {
		return nil, err
	}
	spec, err := s.catalog.Resolve(req.Operation)
	if err != nil {
		return nil, err
	}
	priority, ok := models.ParsePriority(string(req.Priority))
	if !ok {
		return nil, dErrors.New(dErrors.CodeInvalidParameters, "priority must be one of LOW, NORMAL, HIGH, URGENT")
	}

	now := requestcontext.Now(ctx)
	params, err := spec.Validate(req.Params, now)
	if err != nil {
		return nil, err
	}

	t := &models.Ticket{
		ID:                s.newID(now),
		TaxpayerID:        taxpayerID,
		Operation:         string(spec.Type),
		Params:            params,
		Priority:          priority,
		Status:            models.StatusPending,
		StatusMessage:     "ticket created, awaiting submission",
		EstimatedDuration: spec.EstimatedDuration,
		RequestedBy:       req.RequestedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(spec.Expiry),
	}
	if err := s.tickets.Create(ctx, t); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyExists) {
			return nil, dErrors.New(dErrors.CodeConflict, "ticket id collision, retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create ticket")
	}

	s.metrics.IncrementTicketCreated(t.Operation)
	s.logger.InfoContext(ctx, "ticket created",
		"ticket_id", t.ID,
		"taxpayer_id", t.TaxpayerID,
		"operation", t.Operation,
		"priority", t.Priority,
		"expires_at", t.ExpiresAt,
	)
	s.publish(ctx, models.TicketEvent{
		Type:       models.EventTicketCreated,
		TicketID:   t.ID,
		TaxpayerID: t.TaxpayerID,
		Operation:  t.Operation,
		To:         t.Status,
		Message:    t.StatusMessage,
		OccurredAt: now,
	})
	return t, nil
}
