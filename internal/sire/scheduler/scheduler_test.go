package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sire/internal/sire/models"
)

type fakeTickets struct {
	mu       sync.Mutex
	active   []*models.Ticket
	advanced []string
	failing  map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	expired  int
	purged   int
	grace    time.Duration
	purgeErr error
}

func (f *fakeTickets) ListActive(_ context.Context, limit int) ([]*models.Ticket, error) {
	if limit > 0 && len(f.active) > limit {
		return f.active[:limit], nil
	}
	return f.active, nil
}

func (f *fakeTickets) Advance(_ context.Context, id string) (*models.Ticket, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, id)
	if f.failing[id] {
		return nil, errors.New("provider down")
	}
	return &models.Ticket{ID: id}, nil
}

func (f *fakeTickets) ExpireStale(context.Context) (int, error) { return f.expired, nil }

func (f *fakeTickets) PurgeExpired(_ context.Context, grace time.Duration) (int, error) {
	f.grace = grace
	return f.purged, f.purgeErr
}

type fakeFiles struct {
	days    int
	removed int
}

func (f *fakeFiles) SweepExpired(_ context.Context, maxAgeDays int) (int, error) {
	f.days = maxAgeDays
	return f.removed, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeTickets(n int) []*models.Ticket {
	out := make([]*models.Ticket, n)
	for i := range out {
		out[i] = &models.Ticket{ID: string(rune('a' + i))}
	}
	return out
}

func TestNew(t *testing.T) {
	_, err := New(nil, &fakeFiles{}, Config{Interval: time.Second})
	assert.ErrorContains(t, err, "ticket orchestrator is required")

	_, err = New(&fakeTickets{}, nil, Config{Interval: time.Second})
	assert.ErrorContains(t, err, "file materializer is required")

	_, err = New(&fakeTickets{}, &fakeFiles{}, Config{})
	assert.ErrorContains(t, err, "interval must be positive")

	s, err := New(&fakeTickets{}, &fakeFiles{}, Config{Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 20, s.cfg.BatchSize)
	assert.Equal(t, 4, s.cfg.Concurrency)
	assert.Equal(t, 30, s.cfg.SweepEvery)
	assert.Equal(t, 7, s.cfg.FileRetentionDays)
}

func TestTick(t *testing.T) {
	t.Run("advances the batch within the concurrency limit", func(t *testing.T) {
		tickets := &fakeTickets{active: activeTickets(8)}
		s, err := New(tickets, &fakeFiles{}, Config{Interval: time.Second, BatchSize: 6, Concurrency: 2}, WithLogger(quietLogger()))
		require.NoError(t, err)

		n, err := s.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 6, n)
		assert.Len(t, tickets.advanced, 6)
		assert.LessOrEqual(t, tickets.peak.Load(), int32(2))
	})

	t.Run("a failing ticket does not stop the others", func(t *testing.T) {
		tickets := &fakeTickets{active: activeTickets(3), failing: map[string]bool{"b": true}}
		s, err := New(tickets, &fakeFiles{}, Config{Interval: time.Second}, WithLogger(quietLogger()))
		require.NoError(t, err)

		n, err := s.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, tickets.advanced)
	})

	t.Run("nothing active", func(t *testing.T) {
		s, err := New(&fakeTickets{}, &fakeFiles{}, Config{Interval: time.Second}, WithLogger(quietLogger()))
		require.NoError(t, err)
		n, err := s.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSweep(t *testing.T) {
	t.Run("runs every step and reports counts", func(t *testing.T) {
		tickets := &fakeTickets{expired: 2, purged: 1}
		files := &fakeFiles{removed: 4}
		s, err := New(tickets, files, Config{Interval: time.Second, PurgeGrace: 48 * time.Hour, FileRetentionDays: 3}, WithLogger(quietLogger()))
		require.NoError(t, err)

		res, err := s.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Expired: 2, Purged: 1, FilesRemoved: 4}, res)
		assert.Equal(t, 48*time.Hour, tickets.grace)
		assert.Equal(t, 3, files.days)
	})

	t.Run("a failing step still lets the file sweep run", func(t *testing.T) {
		tickets := &fakeTickets{purgeErr: errors.New("db down")}
		files := &fakeFiles{removed: 1}
		s, err := New(tickets, files, Config{Interval: time.Second, PurgeGrace: time.Hour}, WithLogger(quietLogger()))
		require.NoError(t, err)

		res, err := s.Sweep(context.Background())
		require.ErrorContains(t, err, "db down")
		assert.Equal(t, 1, res.FilesRemoved)
	})
}

func TestRun_SweepsEveryKthTick(t *testing.T) {
	tickets := &fakeTickets{expired: 1}
	files := &fakeFiles{}
	s, err := New(tickets, files, Config{Interval: time.Millisecond, SweepEvery: 2, FileRetentionDays: 9}, WithLogger(quietLogger()))
	require.NoError(t, err)

	s.tick(context.Background())
	assert.Zero(t, files.days)
	s.tick(context.Background())
	assert.Equal(t, 9, files.days)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
}
