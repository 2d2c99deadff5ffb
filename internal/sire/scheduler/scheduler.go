// Package scheduler owns the polling cadence: each tick advances a batch of
// active tickets in parallel and every few ticks runs the maintenance sweep.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"sire/internal/sire/models"
)

// Tickets is the orchestrator surface the scheduler drives.
type Tickets interface {
	ListActive(ctx context.Context, limit int) ([]*models.Ticket, error)
	Advance(ctx context.Context, id string) (*models.Ticket, error)
	ExpireStale(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context, grace time.Duration) (int, error)
}

// Files removes materialized results past retention.
type Files interface {
	SweepExpired(ctx context.Context, maxAgeDays int) (int, error)
}

type Config struct {
	Interval          time.Duration
	BatchSize         int
	Concurrency       int
	SweepEvery        int
	PurgeGrace        time.Duration
	FileRetentionDays int
}

// SweepResult counts what one maintenance sweep changed.
type SweepResult struct {
	Expired      int `json:"expired"`
	Purged       int `json:"purged"`
	FilesRemoved int `json:"files_removed"`
}

type Scheduler struct {
	tickets Tickets
	files   Files
	cfg     Config
	logger  *slog.Logger
	ticks   int
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func New(tickets Tickets, files Files, cfg Config, opts ...Option) (*Scheduler, error) {
	if tickets == nil {
		return nil, errors.New("ticket orchestrator is required")
	}
	if files == nil {
		return nil, errors.New("file materializer is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 30
	}
	if cfg.FileRetentionDays <= 0 {
		cfg.FileRetentionDays = 7
	}
	s := &Scheduler{
		tickets: tickets,
		files:   files,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run ticks until ctx is cancelled. Tick and sweep failures are logged and the
// loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scheduler started",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize,
		"concurrency", s.cfg.Concurrency,
	)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return ctx.Err()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.ticks++
	if _, err := s.Tick(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
	}
	if s.ticks%s.cfg.SweepEvery != 0 {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.ErrorContext(ctx, "maintenance sweep failed", "error", err)
	}
}

// Tick advances up to BatchSize active tickets, Concurrency at a time, and
// returns how many were advanced without error. A failing ticket does not stop
// the others.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	active, err := s.tickets.ListActive(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}

	results := make([]bool, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, t := range active {
		g.Go(func() error {
			if _, err := s.tickets.Advance(gctx, t.ID); err != nil {
				s.logger.WarnContext(gctx, "scheduled advance failed",
					"ticket_id", t.ID,
					"taxpayer_id", t.TaxpayerID,
					"error", err,
				)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	advanced := 0
	for _, ok := range results {
		if ok {
			advanced++
		}
	}
	s.logger.DebugContext(ctx, "scheduler tick", "active", len(active), "advanced", advanced)
	return advanced, nil
}

// Sweep expires stale tickets, purges old ticket records and removes files
// past retention. Every step runs; failures are joined and returned with the
// counts gathered so far.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error

	n, err := s.tickets.ExpireStale(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.Expired = n

	if s.cfg.PurgeGrace > 0 {
		n, err = s.tickets.PurgeExpired(ctx, s.cfg.PurgeGrace)
		if err != nil {
			errs = append(errs, err)
		}
		res.Purged = n
	}

	n, err = s.files.SweepExpired(ctx, s.cfg.FileRetentionDays)
	if err != nil {
		errs = append(errs, err)
	}
	res.FilesRemoved = n

	s.logger.InfoContext(ctx, "maintenance sweep finished",
		"expired", res.Expired,
		"purged", res.Purged,
		"files_removed", res.FilesRemoved,
	)
	return res, errors.Join(errs...)
}
