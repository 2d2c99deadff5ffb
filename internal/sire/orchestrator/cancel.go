package orchestrator

import (
	"context"
	"errors"
	"time"

	"sire/internal/sire/models"
	"sire/internal/sire/sunat"
	"sire/internal/sire/ticket"
	dErrors "sire/pkg/domain-errors"
)

// errSubmittedMeanwhile aborts a local cancel whose ticket was submitted by a
// writer outside this process's serialization.
var errSubmittedMeanwhile = errors.New("ticket was submitted concurrently")

// Cancel stops a non-terminal ticket. Submitted jobs are cancelled at the
// provider first; a provider that reports the job already finished counts as
// cancelled. Other provider failures leave the ticket unchanged. Cancel is
// serialized with Advance on the same ticket.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Ticket, error) {
	return s.exclusive(ctx, id, s.cancel, func(context.Context, string) (*models.Ticket, error) {
		return nil, dErrors.New(dErrors.CodeConflict, "ticket is being advanced, retry later")
	})
}

func (s *Service) cancel(ctx context.Context, id string) (*models.Ticket, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.cancelFrom(ctx, t)
	if errors.Is(err, errSubmittedMeanwhile) {
		s.logger.InfoContext(ctx, "ticket submitted during cancel, cancelling at the provider", "ticket_id", id)
		if t, err = s.load(ctx, id); err != nil {
			return nil, err
		}
		updated, err = s.cancelFrom(ctx, t)
	}
	return updated, err
}

func (s *Service) cancelFrom(ctx context.Context, t *models.Ticket) (*models.Ticket, error) {
	if t.Status.IsTerminal() {
		return nil, dErrors.New(dErrors.CodeCancelNotAllowed, "ticket is already "+string(t.Status))
	}

	local := t.Status == models.StatusPending
	msg := "cancelled before submission"
	if !local {
		var err error
		if msg, err = s.cancelRemote(ctx, t); err != nil {
			return nil, err
		}
	}

	ev := ticket.Event{Kind: ticket.EventCancelled, Message: msg}
	updated, err := s.commit(ctx, t, func(t *models.Ticket, now time.Time) (bool, error) {
		if t.Status.IsTerminal() {
			return false, nil
		}
		if local && t.Status != models.StatusPending {
			return false, errSubmittedMeanwhile
		}
		return s.machine.Apply(t, ev, now)
	})
	if err != nil {
		return nil, err
	}
	if updated.ErrorCode != ticket.CodeCancelled {
		// Finished or expired between the read and the write.
		return nil, dErrors.New(dErrors.CodeCancelNotAllowed, "ticket is already "+string(updated.Status))
	}
	return updated, nil
}

func (s *Service) cancelRemote(ctx context.Context, t *models.Ticket) (string, error) {
	token, err := s.token(ctx, t.TaxpayerID)
	if err != nil {
		return "", err
	}
	callErr, authErr := s.callWithReauth(ctx, t.TaxpayerID, token, func(token string) error {
		return s.remote.Cancel(ctx, token, t.RemoteRef)
	})
	if authErr != nil {
		return "", authErr
	}
	switch {
	case callErr == nil:
		return "cancelled by request", nil
	case sunat.IsKind(callErr, sunat.KindConflict), sunat.IsKind(callErr, sunat.KindNotFound):
		s.logger.InfoContext(ctx, "remote job already finished, cancelling locally",
			"ticket_id", t.ID,
			"remote_ref", t.RemoteRef,
		)
		return "cancelled by request; remote job had already finished", nil
	}
	s.logger.WarnContext(ctx, "remote cancellation failed",
		"ticket_id", t.ID,
		"remote_ref", t.RemoteRef,
		"error", callErr,
	)
	return "", remoteError(callErr, "remote cancellation failed")
}
