package files

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sire/internal/sire/models"
	"sire/pkg/platform/sentinel"
)

type fileStore interface {
	Put(ctx context.Context, meta models.StoredFile, data []byte) error
	Get(ctx context.Context, name string) (*models.StoredFile, []byte, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

func backends(t *testing.T) map[string]fileStore {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "files.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]fileStore{
		"memory": New(),
		"bbolt":  bolt,
	}
}

func TestFileStores(t *testing.T) {
	base := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, _, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, sentinel.ErrNotFound)

			old := models.StoredFile{Name: "t1_old.zip", TicketID: "t1", Size: 3, Hash: "h1", CreatedAt: base}
			fresh := models.StoredFile{Name: "t2_new.zip", TicketID: "t2", Size: 3, Hash: "h2", CreatedAt: base.Add(48 * time.Hour)}
			require.NoError(t, store.Put(ctx, old, []byte("old")))
			require.NoError(t, store.Put(ctx, fresh, []byte("new")))

			meta, data, err := store.Get(ctx, "t1_old.zip")
			require.NoError(t, err)
			assert.Equal(t, []byte("old"), data)
			assert.Equal(t, "t1", meta.TicketID)
			assert.True(t, meta.CreatedAt.Equal(base))

			removed, err := store.DeleteCreatedBefore(ctx, base.Add(24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, _, err = store.Get(ctx, "t1_old.zip")
			assert.ErrorIs(t, err, sentinel.ErrNotFound)
			_, data, err = store.Get(ctx, "t2_new.zip")
			require.NoError(t, err)
			assert.Equal(t, []byte("new"), data)
		})
	}
}
