package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sire/internal/sire/models"
	credstore "sire/internal/sire/store/credentials"
	dErrors "sire/pkg/domain-errors"
)

const taxpayer = "20100070970"

var sample = models.Credentials{
	SolUser:      "MODDATOS",
	SolPassword:  "moddatos",
	ClientID:     "client-1",
	ClientSecret: "secret-1",
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newVault(t *testing.T) (*Vault, *credstore.InMemoryStore) {
	t.Helper()
	store := credstore.New()
	v, err := New(store, testKey())
	require.NoError(t, err)
	return v, store
}

func TestSealAndGet(t *testing.T) {
	ctx := context.Background()
	v, store := newVault(t)

	sealed, err := v.Seal(taxpayer, sample)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed.Ciphertext), "moddatos")
	require.NoError(t, store.Put(ctx, sealed))

	got, err := v.Get(ctx, taxpayer)
	require.NoError(t, err)
	assert.Equal(t, taxpayer, got.TaxpayerID)
	assert.Equal(t, "MODDATOS", got.SolUser)
	assert.Equal(t, "moddatos", got.SolPassword)
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "secret-1", got.ClientSecret)
	assert.True(t, v.Has(ctx, taxpayer))
}

func TestGetNotConfigured(t *testing.T) {
	v, _ := newVault(t)

	_, err := v.Get(context.Background(), taxpayer)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotConfigured))
	assert.False(t, v.Has(context.Background(), taxpayer))
}

func TestEnvelopeBoundToTaxpayer(t *testing.T) {
	ctx := context.Background()
	v, store := newVault(t)

	sealed, err := v.Seal(taxpayer, sample)
	require.NoError(t, err)
	sealed.TaxpayerID = "20555555555"
	require.NoError(t, store.Put(ctx, sealed))

	_, err = v.Get(ctx, "20555555555")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
}

func TestDifferentMasterKeyCannotOpen(t *testing.T) {
	ctx := context.Background()
	v, store := newVault(t)
	sealed, err := v.Seal(taxpayer, sample)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, sealed))

	other, err := New(store, bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)
	_, err = other.Get(ctx, taxpayer)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
}

func TestSealValidation(t *testing.T) {
	v, _ := newVault(t)

	_, err := v.Seal(taxpayer, models.Credentials{SolUser: "x"})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidParameters))

	_, err = v.Seal("", sample)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	v, store := newVault(t)
	for _, id := range []string{"20600000002", "20100070970"} {
		sealed, err := v.Seal(id, sample)
		require.NoError(t, err)
		require.NoError(t, store.Put(ctx, sealed))
	}

	ids, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"20100070970", "20600000002"}, ids)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*models.SealedCredentials, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) List(context.Context) ([]string, error) {
	return nil, errors.New("connection refused")
}

func TestStoreFailureIsInternal(t *testing.T) {
	v, err := New(failingStore{}, testKey())
	require.NoError(t, err)

	_, err = v.Get(context.Background(), taxpayer)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
	_, err = v.List(context.Background())
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New(credstore.New(), []byte("short"))
	assert.Error(t, err)
}

func TestParseMasterKey(t *testing.T) {
	raw := testKey()
	key, err := ParseMasterKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	_, err = ParseMasterKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)

	_, err = ParseMasterKey("not base64 !!")
	assert.Error(t, err)
}
