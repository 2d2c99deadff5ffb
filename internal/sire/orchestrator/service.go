// Package orchestrator drives tickets: creation, single-step advancement
// against the provider, cancellation, downloads and maintenance.
//
// Ticket writes go through commit, a compare-and-update loop that re-reads and
// reapplies on version conflicts. Advance and Cancel are additionally
// serialized per ticket in process and, when a Locker is configured, across
// processes. Concurrent Advance calls on one ticket share a single step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"sire/internal/sire/events"
	"sire/internal/sire/metrics"
	"sire/internal/sire/models"
	"sire/internal/sire/operations"
	"sire/internal/sire/sunat"
	"sire/internal/sire/ticket"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/platform/sentinel"
	"sire/pkg/requestcontext"
)

// TicketStore persists versioned tickets. Update is a compare-and-update on
// Version that bumps it on success.
type TicketStore interface {
	Create(ctx context.Context, t *models.Ticket) error
	FindByID(ctx context.Context, id string) (*models.Ticket, error)
	Update(ctx context.Context, t *models.Ticket) error
	ListByTaxpayer(ctx context.Context, taxpayerID string, f models.TicketFilter) ([]*models.Ticket, error)
	ListActive(ctx context.Context, limit int) ([]*models.Ticket, error)
	ListStale(ctx context.Context, now time.Time, limit int) ([]*models.Ticket, error)
	PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context, taxpayerID string) (*models.TicketStats, error)
}

// Sessions supplies provider tokens.
type Sessions interface {
	GetValidToken(ctx context.Context, taxpayerID string) (string, error)
	Authenticate(ctx context.Context, taxpayerID string) (*models.SessionStatus, error)
	Invalidate(ctx context.Context, taxpayerID string) error
}

// RemoteClient is the provider ticket API.
type RemoteClient interface {
	Submit(ctx context.Context, token string, spec operations.Spec, params map[string]string) (*sunat.SubmitResponse, error)
	Poll(ctx context.Context, token, remoteRef string) (*sunat.PollResponse, error)
	Cancel(ctx context.Context, token, remoteRef string) error
}

// Files materializes and serves ticket artifacts.
type Files interface {
	Retrieve(ctx context.Context, t *models.Ticket, remote models.RemoteFile, token string) (*models.StoredFile, error)
	Read(ctx context.Context, name string) (*models.StoredFile, []byte, error)
}

// Locker is a cross-process mutual exclusion on a key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

type Service struct {
	tickets   TicketStore
	sessions  Sessions
	remote    RemoteClient
	files     Files
	catalog   *operations.Catalog
	machine   *ticket.Machine
	publisher events.Publisher
	locker    Locker
	lockTTL   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	casRetries int
	newID      func(now time.Time) string

	advanceGroup singleflight.Group
	ticketMu     ticketMutexes
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithPublisher sets where transition events go. Without it events are dropped.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithLocker enables the cross-process ticket lock. ttl also bounds a shared
// Advance step.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = l
		s.lockTTL = ttl
	}
}

func WithCatalog(c *operations.Catalog) Option {
	return func(s *Service) {
		s.catalog = c
	}
}

func WithLimits(l ticket.Limits) Option {
	return func(s *Service) {
		s.machine = ticket.NewMachine(l)
	}
}

// WithCASRetries bounds the re-read-and-reapply loop on version conflicts.
func WithCASRetries(n int) Option {
	return func(s *Service) {
		s.casRetries = n
	}
}

// WithIDGenerator replaces ticket id generation.
func WithIDGenerator(fn func(now time.Time) string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

func New(tickets TicketStore, sessions Sessions, remote RemoteClient, files Files, opts ...Option) (*Service, error) {
	if tickets == nil {
		return nil, errors.New("ticket store is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if remote == nil {
		return nil, errors.New("remote client is required")
	}
	if files == nil {
		return nil, errors.New("file materializer is required")
	}
	s := &Service{
		tickets:    tickets,
		sessions:   sessions,
		remote:     remote,
		files:      files,
		catalog:    operations.Default(),
		machine:    ticket.NewMachine(ticket.DefaultLimits),
		lockTTL:    2 * time.Minute,
		logger:     slog.Default(),
		tracer:     otel.Tracer("sire/orchestrator"),
		casRetries: 5,
		newID:      newTicketID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.casRetries < 1 {
		s.casRetries = 1
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 2 * time.Minute
	}
	return s, nil
}

// newTicketID renders TKT-<UTC timestamp>-<8 hex>.
func newTicketID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("TKT-%s-%s", now.UTC().Format("20060102T150405"), suffix)
}

// normalizeTaxpayer strips everything but digits and requires 11 of them.
func normalizeTaxpayer(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if len(id) != 11 {
		return "", dErrors.New(dErrors.CodeInvalidParameters, "taxpayer id must have 11 digits")
	}
	return id, nil
}

// load reads a ticket and persists the lazy expiry when it applies.
func (s *Service) load(ctx context.Context, id string) (*models.Ticket, error) {
	t, err := s.tickets.FindByID(ctx, id)
	if err != nil {
		return nil, storeError(err, "ticket")
	}
	if !t.IsExpired(requestcontext.Now(ctx)) {
		return t, nil
	}
	return s.commit(ctx, t, func(t *models.Ticket, now time.Time) (bool, error) {
		return s.machine.CheckExpiry(t, now), nil
	})
}

// commit applies fn to t and persists the result with compare-and-update. On a
// version conflict the ticket is re-read and fn reapplied. fn reporting no
// change ends the loop without a write.
func (s *Service) commit(ctx context.Context, t *models.Ticket, fn func(t *models.Ticket, now time.Time) (bool, error)) (*models.Ticket, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		if attempt > 0 {
			fresh, err := s.tickets.FindByID(ctx, t.ID)
			if err != nil {
				return nil, storeError(err, "ticket")
			}
			t = fresh
		}

		from := t.Status
		changed, err := fn(t, requestcontext.Now(ctx))
		if err != nil {
			return nil, err
		}
		if !changed {
			return t, nil
		}

		err = s.tickets.Update(ctx, t)
		if err == nil {
			s.transitioned(ctx, from, t)
			return t, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, storeError(err, "ticket")
		}
		s.metrics.IncrementCASConflict()
		s.logger.DebugContext(ctx, "ticket version conflict, reapplying",
			"ticket_id", t.ID,
			"attempt", attempt+1,
		)
	}
	return nil, dErrors.New(dErrors.CodeConflict, "ticket was modified concurrently, retry later")
}

// transitioned records a persisted status change.
func (s *Service) transitioned(ctx context.Context, from models.TicketStatus, t *models.Ticket) {
	if from == t.Status {
		return
	}
	s.metrics.IncrementTransition(string(from), string(t.Status))
	s.logger.InfoContext(ctx, "ticket transitioned",
		"ticket_id", t.ID,
		"taxpayer_id", t.TaxpayerID,
		"operation", t.Operation,
		"from", from,
		"to", t.Status,
	)
	s.publish(ctx, models.TicketEvent{
		Type:       models.EventTicketTransition,
		TicketID:   t.ID,
		TaxpayerID: t.TaxpayerID,
		Operation:  t.Operation,
		From:       from,
		To:         t.Status,
		Message:    t.StatusMessage,
		OccurredAt: t.UpdatedAt,
	})
}

func (s *Service) publish(ctx context.Context, ev models.TicketEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "failed to publish ticket event",
			"ticket_id", ev.TicketID,
			"event_type", ev.Type,
			"error", err,
		)
	}
}

// storeError translates store sentinels for callers.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, what+" was modified concurrently")
	case errors.Is(err, sentinel.ErrAlreadyExists):
		return dErrors.New(dErrors.CodeConflict, what+" already exists")
	}
	if _, ok := dErrors.CodeOf(err); ok {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to access "+what+" store")
}

// remoteError translates a provider failure that fails a synchronous call.
func remoteError(err error, msg string) error {
	if _, ok := dErrors.CodeOf(err); ok {
		return err
	}
	if sunat.IsTransient(err) {
		return dErrors.Wrap(err, dErrors.CodeTransientRemote, msg)
	}
	if sunat.IsKind(err, sunat.KindUnauthorized) {
		return dErrors.Wrap(err, dErrors.CodeReauthRequired, msg)
	}
	var se *sunat.Error
	if errors.As(err, &se) {
		return dErrors.Wrap(err, dErrors.CodeRemoteRejected, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
