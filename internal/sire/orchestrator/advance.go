package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"sire/internal/sire/models"
	"sire/internal/sire/operations"
	"sire/internal/sire/sunat"
	"sire/internal/sire/ticket"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/platform/flight"
)

// Advance performs the next remote step for a ticket: submit when PENDING,
// poll (and retrieve the file once done) when SUBMITTED or PROCESSING.
// Terminal tickets are returned unchanged. Credential and session failures are
// returned without touching the ticket; provider outcomes are recorded on it.
func (s *Service) Advance(ctx context.Context, id string) (*models.Ticket, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "orchestrator.Advance")
	defer span.End()
	span.SetAttributes(attribute.String("sire.ticket_id", id))

	t, _, err := flight.Do(ctx, &s.advanceGroup, id, s.lockTTL, func(ctx context.Context) (*models.Ticket, error) {
		return s.exclusive(ctx, id, s.advance, s.load)
	})
	s.metrics.ObserveAdvance(start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("sire.status", string(t.Status)))
	// Joined callers share the result.
	return t.Clone(), nil
}

func (s *Service) advance(ctx context.Context, id string) (*models.Ticket, error) {
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	spec, ok := s.catalog.Lookup(t.Operation)
	if !ok {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "ticket has unknown operation "+t.Operation)
	}

	token, err := s.token(ctx, t.TaxpayerID)
	if err != nil {
		return nil, err
	}

	var ev ticket.Event
	if t.Status == models.StatusPending {
		ev, err = s.submit(ctx, t, spec, token)
	} else {
		ev, err = s.poll(ctx, t, spec, token)
	}
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "advance outcome",
		"ticket_id", t.ID,
		"status", t.Status,
		"event", ev.Kind.String(),
	)
	return s.commit(ctx, t, func(t *models.Ticket, now time.Time) (bool, error) {
		changed, err := s.machine.Apply(t, ev, now)
		if err != nil {
			// The ticket moved under us (cancelled or expired); keep the stored state.
			s.logger.WarnContext(ctx, "advance outcome no longer applicable",
				"ticket_id", t.ID,
				"status", t.Status,
				"error", err,
			)
			return false, nil
		}
		return changed, nil
	})
}

// submit starts the remote job and turns the outcome into an event.
func (s *Service) submit(ctx context.Context, t *models.Ticket, spec operations.Spec, token string) (ticket.Event, error) {
	var resp *sunat.SubmitResponse
	callErr, authErr := s.callWithReauth(ctx, t.TaxpayerID, token, func(token string) error {
		var err error
		resp, err = s.remote.Submit(ctx, token, spec, t.Params)
		return err
	})
	if authErr != nil {
		return ticket.Event{}, authErr
	}
	if callErr == nil {
		return ticket.Event{Kind: ticket.EventSubmitted, RemoteRef: resp.RemoteRef, Message: resp.Message}, nil
	}

	var se *sunat.Error
	if !errors.As(callErr, &se) {
		return ticket.Event{}, dErrors.Wrap(callErr, dErrors.CodeInternal, "failed to submit ticket")
	}
	s.logger.WarnContext(ctx, "submission failed",
		"ticket_id", t.ID,
		"taxpayer_id", t.TaxpayerID,
		"operation", t.Operation,
		"kind", se.Kind,
		"error", callErr,
	)
	if se.Transient() || se.Kind == sunat.KindUnauthorized {
		return ticket.Event{Kind: ticket.EventSubmitFailed, Message: callErr.Error()}, nil
	}
	return ticket.Event{Kind: ticket.EventRejected, Code: se.Code, Message: rejectionMessage(se)}, nil
}

// poll observes the remote job; when it is done and produces a file, the file
// is materialized before completion is reported.
func (s *Service) poll(ctx context.Context, t *models.Ticket, spec operations.Spec, token string) (ticket.Event, error) {
	var resp *sunat.PollResponse
	callErr, authErr := s.callWithReauth(ctx, t.TaxpayerID, token, func(tok string) error {
		var err error
		resp, err = s.remote.Poll(ctx, tok, t.RemoteRef)
		if err == nil {
			token = tok
		}
		return err
	})
	if authErr != nil {
		return ticket.Event{}, authErr
	}
	if callErr != nil {
		var se *sunat.Error
		if !errors.As(callErr, &se) {
			return ticket.Event{}, dErrors.Wrap(callErr, dErrors.CodeInternal, "failed to poll ticket")
		}
		s.logger.WarnContext(ctx, "poll failed",
			"ticket_id", t.ID,
			"remote_ref", t.RemoteRef,
			"kind", se.Kind,
			"error", callErr,
		)
		if se.Transient() || se.Kind == sunat.KindUnauthorized {
			return ticket.Event{Kind: ticket.EventPollFailed, Message: callErr.Error()}, nil
		}
		return ticket.Event{Kind: ticket.EventRemoteFailed, Code: se.Code, Message: rejectionMessage(se)}, nil
	}

	switch resp.State {
	case sunat.RemotePending, sunat.RemoteProcessing:
		return ticket.Event{Kind: ticket.EventProgress, Progress: resp.Progress, Message: resp.Message}, nil
	case sunat.RemoteFailed:
		msg := resp.ErrorText
		if msg == "" {
			msg = resp.Message
		}
		return ticket.Event{Kind: ticket.EventRemoteFailed, Code: resp.ErrorCode, Message: msg}, nil
	case sunat.RemoteCancelled:
		return ticket.Event{Kind: ticket.EventCancelled, Message: "cancelled at the provider"}, nil
	}

	if !spec.ProducesFile {
		return ticket.Event{Kind: ticket.EventCompleted, Message: resp.Message}, nil
	}
	if resp.File == nil {
		return ticket.Event{Kind: ticket.EventRetrievalFailed, Message: "remote job finished without announcing a file"}, nil
	}
	return s.retrieve(ctx, t, *resp.File, token)
}

func (s *Service) retrieve(ctx context.Context, t *models.Ticket, remote models.RemoteFile, token string) (ticket.Event, error) {
	var stored *models.StoredFile
	callErr, authErr := s.callWithReauth(ctx, t.TaxpayerID, token, func(token string) error {
		var err error
		stored, err = s.files.Retrieve(ctx, t, remote, token)
		return err
	})
	if authErr != nil {
		return ticket.Event{}, authErr
	}
	if callErr != nil {
		s.logger.WarnContext(ctx, "file retrieval failed",
			"ticket_id", t.ID,
			"remote_file", remote.Name,
			"error", callErr,
		)
		return ticket.Event{Kind: ticket.EventRetrievalFailed, Message: callErr.Error()}, nil
	}
	return ticket.Event{
		Kind: ticket.EventCompleted,
		Output: &models.OutputFile{
			Name:        stored.Name,
			Size:        stored.Size,
			ContentType: stored.ContentType,
			Hash:        stored.Hash,
		},
	}, nil
}

// token returns a usable token, authenticating once when the session is gone.
func (s *Service) token(ctx context.Context, taxpayerID string) (string, error) {
	tok, err := s.sessions.GetValidToken(ctx, taxpayerID)
	if err == nil || !dErrors.HasCode(err, dErrors.CodeReauthRequired) {
		return tok, err
	}
	if _, err := s.sessions.Authenticate(ctx, taxpayerID); err != nil {
		return "", err
	}
	return s.sessions.GetValidToken(ctx, taxpayerID)
}

// callWithReauth runs call and, when the provider answers 401, drops the
// session, authenticates again and runs call once more. authErr is set only
// when re-authentication itself failed.
func (s *Service) callWithReauth(ctx context.Context, taxpayerID, token string, call func(token string) error) (callErr, authErr error) {
	callErr = call(token)
	if !sunat.IsKind(callErr, sunat.KindUnauthorized) {
		return callErr, nil
	}
	s.logger.InfoContext(ctx, "provider rejected token, re-authenticating", "taxpayer_id", taxpayerID)
	if err := s.sessions.Invalidate(ctx, taxpayerID); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate session", "taxpayer_id", taxpayerID, "error", err)
	}
	if _, err := s.sessions.Authenticate(ctx, taxpayerID); err != nil {
		return callErr, err
	}
	fresh, err := s.sessions.GetValidToken(ctx, taxpayerID)
	if err != nil {
		return callErr, err
	}
	return call(fresh), nil
}

func rejectionMessage(se *sunat.Error) string {
	if se.Message != "" {
		return se.Message
	}
	return se.Error()
}
