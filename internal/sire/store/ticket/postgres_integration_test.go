//go:build integration

package ticket_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"sire/internal/sire/models"
	"sire/internal/sire/store/ticket"
	"sire/pkg/platform/sentinel"
	"sire/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *ticket.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = ticket.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "sire_tickets"))
}

func newTicket(taxpayerID string, created time.Time) *models.Ticket {
	return &models.Ticket{
		ID:                "TKT-" + uuid.NewString()[:8],
		TaxpayerID:        taxpayerID,
		Operation:         "export-proposal",
		Params:            map[string]string{"period": "202401", "fileType": "0"},
		Priority:          models.PriorityNormal,
		Status:            models.StatusPending,
		StatusMessage:     "ticket created, awaiting submission",
		EstimatedDuration: 30 * time.Second,
		RequestedBy:       models.Origin{Caller: "erp", ClientIP: "10.0.0.1"},
		CreatedAt:         created,
		UpdatedAt:         created,
		ExpiresAt:         created.Add(2 * time.Hour),
	}
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	t := newTicket("20123456789", now)
	s.Require().NoError(s.store.Create(ctx, t))
	s.Equal(int64(1), t.Version)

	got, err := s.store.FindByID(ctx, t.ID)
	s.Require().NoError(err)
	s.Equal(t.Params, got.Params)
	s.Equal(t.RequestedBy, got.RequestedBy)
	s.Equal(t.EstimatedDuration, got.EstimatedDuration)
	s.True(t.ExpiresAt.Equal(got.ExpiresAt))

	got.Status = models.StatusCompleted
	got.Output = &models.OutputFile{Name: t.ID + "_f.zip", Size: 3, ContentType: "application/zip", Hash: "abc"}
	end := now.Add(time.Minute)
	got.ProcessingEndedAt = &end
	s.Require().NoError(s.store.Update(ctx, got))

	again, err := s.store.FindByID(ctx, t.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, again.Status)
	s.Equal(got.Output, again.Output)
	s.Equal(int64(2), again.Version)

	s.ErrorIs(s.store.Create(ctx, t), sentinel.ErrAlreadyExists)
	_, err = s.store.FindByID(ctx, "TKT-missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// TestConcurrentUpdatesConflict verifies only one writer wins a version.
func (s *PostgresStoreSuite) TestConcurrentUpdatesConflict() {
	ctx := context.Background()
	t := newTicket("20123456789", time.Now().UTC())
	s.Require().NoError(s.store.Create(ctx, t))

	const writers = 20
	var wg sync.WaitGroup
	var ok, conflicts atomic.Int32
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := t.Clone()
			c.PollAttempts++
			err := s.store.Update(ctx, c)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), ok.Load())
	s.Equal(int32(writers-1), conflicts.Load())
}

func (s *PostgresStoreSuite) TestQueries() {
	ctx := context.Background()
	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Millisecond)

	old := newTicket("20123456789", base)
	urgent := newTicket("20123456789", base.Add(time.Hour))
	urgent.Priority = models.PriorityUrgent
	done := newTicket("20123456789", base.Add(2*time.Hour))
	done.Status = models.StatusCompleted
	other := newTicket("20999999999", base.Add(2*time.Hour))
	for _, t := range []*models.Ticket{old, urgent, done, other} {
		s.Require().NoError(s.store.Create(ctx, t))
	}

	s.Run("list by taxpayer newest first with filters", func() {
		list, err := s.store.ListByTaxpayer(ctx, "20123456789", models.TicketFilter{Limit: 10})
		s.Require().NoError(err)
		s.Require().Len(list, 3)
		s.Equal(done.ID, list[0].ID)

		list, err = s.store.ListByTaxpayer(ctx, "20123456789", models.TicketFilter{Status: models.StatusPending, Limit: 1, Offset: 1})
		s.Require().NoError(err)
		s.Require().Len(list, 1)
		s.Equal(old.ID, list[0].ID)
	})

	s.Run("active ordered by priority then age", func() {
		list, err := s.store.ListActive(ctx, 0)
		s.Require().NoError(err)
		s.Require().Len(list, 3)
		s.Equal(urgent.ID, list[0].ID)
		s.Equal(old.ID, list[1].ID)
	})

	s.Run("stale excludes terminal", func() {
		list, err := s.store.ListStale(ctx, base.Add(3*time.Hour+time.Minute), 0)
		s.Require().NoError(err)
		ids := make([]string, 0, len(list))
		for _, t := range list {
			ids = append(ids, t.ID)
		}
		s.ElementsMatch([]string{old.ID, urgent.ID}, ids)
	})

	s.Run("stats", func() {
		stats, err := s.store.Stats(ctx, "20123456789")
		s.Require().NoError(err)
		s.Equal(3, stats.Total)
		s.Equal(2, stats.ByStatus[models.StatusPending])
		s.Require().NotNil(stats.LatestActivity)
	})

	s.Run("status filter as of an instant follows lazy expiry", func() {
		asOf := base.Add(2*time.Hour + 30*time.Minute)

		pending, err := s.store.ListByTaxpayer(ctx, "20123456789", models.TicketFilter{Status: models.StatusPending, AsOf: asOf})
		s.Require().NoError(err)
		s.Require().Len(pending, 1)
		s.Equal(urgent.ID, pending[0].ID)

		expired, err := s.store.ListByTaxpayer(ctx, "20123456789", models.TicketFilter{Status: models.StatusExpired, AsOf: asOf})
		s.Require().NoError(err)
		s.Require().Len(expired, 1)
		s.Equal(old.ID, expired[0].ID)

		completed, err := s.store.ListByTaxpayer(ctx, "20123456789", models.TicketFilter{Status: models.StatusCompleted, AsOf: asOf})
		s.Require().NoError(err)
		s.Require().Len(completed, 1)
		s.Equal(done.ID, completed[0].ID)
	})

	s.Run("purge by expiry regardless of status", func() {
		n, err := s.store.PurgeExpiredBefore(ctx, base.Add(2*time.Hour+time.Minute))
		s.Require().NoError(err)
		s.Equal(1, n)
		_, err = s.store.FindByID(ctx, old.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}
