package files

import (
	"context"
	"crypto/md5" //nolint:gosec
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sire/internal/sire/models"
	"sire/internal/sire/sunat"
	filestore "sire/internal/sire/store/files"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/requestcontext"
)

type stubDownloader struct {
	data        []byte
	contentType string
	err         error
	calls       int
	gotRef      string
	gotName     string
}

func (d *stubDownloader) Download(_ context.Context, _, remoteRef, fileName string) ([]byte, string, error) {
	d.calls++
	d.gotRef, d.gotName = remoteRef, fileName
	if d.err != nil {
		return nil, "", d.err
	}
	return d.data, d.contentType, nil
}

var now = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

func ticket() *models.Ticket {
	return &models.Ticket{ID: "SIRE-1", TaxpayerID: "20100070970", RemoteRef: "T-1"}
}

func newMaterializer(t *testing.T, d *stubDownloader) (*Materializer, *filestore.InMemoryStore) {
	t.Helper()
	store := filestore.New()
	m, err := New(store, d)
	require.NoError(t, err)
	return m, store
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func TestRetrieveAndRead(t *testing.T) {
	payload := []byte("PK\x03\x04 registry contents")
	d := &stubDownloader{data: payload, contentType: "application/zip"}
	m, _ := newMaterializer(t, d)
	ctx := requestcontext.WithTime(context.Background(), now)

	stored, err := m.Retrieve(ctx, ticket(), models.RemoteFile{Name: "LE2010.zip", Size: int64(len(payload)), Hash: md5Hex(payload)}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "SIRE-1_LE2010.zip", stored.Name)
	assert.Equal(t, "T-1", d.gotRef)
	assert.Equal(t, "LE2010.zip", d.gotName)
	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), stored.Hash)
	assert.Equal(t, now, stored.CreatedAt)

	meta, data, err := m.Read(ctx, stored.Name)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "application/zip", meta.ContentType)
}

func TestRetrieveAcceptsSHA256Digest(t *testing.T) {
	payload := []byte("content")
	sum := sha256.Sum256(payload)
	m, _ := newMaterializer(t, &stubDownloader{data: payload})

	_, err := m.Retrieve(context.Background(), ticket(), models.RemoteFile{Name: "a.txt", Hash: hex.EncodeToString(sum[:])}, "tok")
	assert.NoError(t, err)
}

func TestRetrieveFailures(t *testing.T) {
	t.Run("digest mismatch", func(t *testing.T) {
		m, store := newMaterializer(t, &stubDownloader{data: []byte("tampered")})
		_, err := m.Retrieve(context.Background(), ticket(), models.RemoteFile{Name: "a.zip", Hash: md5Hex([]byte("original"))}, "tok")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeRetrievalFailed))
		_, _, getErr := store.Get(context.Background(), "SIRE-1_a.zip")
		assert.Error(t, getErr, "nothing stored on mismatch")
	})

	t.Run("size mismatch", func(t *testing.T) {
		m, _ := newMaterializer(t, &stubDownloader{data: []byte("abc")})
		_, err := m.Retrieve(context.Background(), ticket(), models.RemoteFile{Name: "a.zip", Size: 10}, "tok")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeRetrievalFailed))
	})

	t.Run("download error keeps provider cause", func(t *testing.T) {
		m, _ := newMaterializer(t, &stubDownloader{err: &sunat.Error{Kind: sunat.KindUnauthorized}})
		_, err := m.Retrieve(context.Background(), ticket(), models.RemoteFile{Name: "a.zip"}, "tok")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeRetrievalFailed))
		assert.True(t, sunat.IsKind(err, sunat.KindUnauthorized))
	})
}

func TestReadDetectsTampering(t *testing.T) {
	m, store := newMaterializer(t, &stubDownloader{data: []byte("good")})
	stored, err := m.Retrieve(context.Background(), ticket(), models.RemoteFile{Name: "a.zip"}, "tok")
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), *stored, []byte("evil")))

	_, _, err = m.Read(context.Background(), stored.Name)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeIntegrityMismatch))
}

func TestReadMissing(t *testing.T) {
	m, _ := newMaterializer(t, &stubDownloader{})
	_, _, err := m.Read(context.Background(), "nope")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestSweepExpired(t *testing.T) {
	m, store := newMaterializer(t, &stubDownloader{})
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, models.StoredFile{Name: "old", CreatedAt: now.Add(-8 * 24 * time.Hour)}, nil))
	require.NoError(t, store.Put(ctx, models.StoredFile{Name: "new", CreatedAt: now.Add(-6 * 24 * time.Hour)}, nil))

	removed, err := m.SweepExpired(requestcontext.WithTime(ctx, now), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.SweepExpired(ctx, 0)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func TestOutputName(t *testing.T) {
	cases := map[string]string{
		"LE2010007097020240300.zip": "SIRE-1_LE2010007097020240300.zip",
		"../../etc/passwd":          "SIRE-1_passwd",
		`C:\exports\reporte 1.txt`:  "SIRE-1_reporte_1.txt",
		"..hidden":                  "SIRE-1_hidden",
		"":                          "SIRE-1_output",
	}
	for in, want := range cases {
		assert.Equal(t, want, OutputName("SIRE-1", in), in)
	}
}
