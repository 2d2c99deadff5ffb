// Package handler exposes the ticket engine over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sire/internal/platform/middleware"
	"sire/internal/sire/models"
	"sire/internal/sire/orchestrator"
	"sire/internal/sire/ratelimit"
	"sire/internal/sire/scheduler"
)

// TicketService is the orchestrator surface used by the HTTP layer.
type TicketService interface {
	CreateTicket(ctx context.Context, req orchestrator.CreateRequest) (*models.Ticket, error)
	GetStatus(ctx context.Context, id string) (*models.Ticket, error)
	Advance(ctx context.Context, id string) (*models.Ticket, error)
	Cancel(ctx context.Context, id string) (*models.Ticket, error)
	Download(ctx context.Context, id string) (*models.StoredFile, []byte, error)
	ListByTaxpayer(ctx context.Context, taxpayerID string, f models.TicketFilter) ([]*models.Ticket, error)
	Stats(ctx context.Context, taxpayerID string) (*models.TicketStats, error)
}

// SessionService manages per-taxpayer provider sessions.
type SessionService interface {
	Authenticate(ctx context.Context, taxpayerID string) (*models.SessionStatus, error)
	Invalidate(ctx context.Context, taxpayerID string) error
	Status(ctx context.Context, taxpayerID string) (*models.SessionStatus, error)
}

// Sweeper runs the maintenance sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (scheduler.SweepResult, error)
}

// Limiter throttles a class of routes.
type Limiter interface {
	Limit(class ratelimit.Class) func(http.Handler) http.Handler
}

type Handler struct {
	tickets  TicketService
	sessions SessionService
	sweeper  Sweeper
	logger   *slog.Logger
	limiter  Limiter
}

type Option func(*Handler)

// WithLimiter throttles ticket creation and session authentication.
func WithLimiter(l Limiter) Option {
	return func(h *Handler) {
		h.limiter = l
	}
}

func New(tickets TicketService, sessions SessionService, sweeper Sweeper, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		tickets:  tickets,
		sessions: sessions,
		sweeper:  sweeper,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) limit(class ratelimit.Class) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.limiter.Limit(class)
}

// Register mounts the /sire routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/sire", func(r chi.Router) {
		r.Use(middleware.ClientMetadata)
		r.Use(middleware.RequestTime)

		r.With(h.limit(ratelimit.ClassCreate)).Post("/tickets", h.handleCreateTicket)
		r.Get("/tickets/{ticketID}", h.handleGetTicket)
		r.Post("/tickets/{ticketID}/advance", h.handleAdvanceTicket)
		r.Post("/tickets/{ticketID}/cancel", h.handleCancelTicket)
		r.Get("/tickets/{ticketID}/file", h.handleDownloadFile)

		r.Get("/taxpayers/{taxpayerID}/tickets", h.handleListTickets)
		r.Get("/taxpayers/{taxpayerID}/stats", h.handleStats)

		r.With(h.limit(ratelimit.ClassSession)).Post("/taxpayers/{taxpayerID}/session", h.handleAuthenticate)
		r.Get("/taxpayers/{taxpayerID}/session", h.handleSessionStatus)
		r.Delete("/taxpayers/{taxpayerID}/session", h.handleInvalidate)

		r.Post("/maintenance/sweep", h.handleSweep)
	})
}

// Health answers liveness probes.
func Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
