// Package credentials is the read-only vault of per-taxpayer SOL credentials.
//
// Records are stored sealed: AES-256-GCM under a key derived per taxpayer from
// the master key with HKDF-SHA256, and the taxpayer id bound as additional
// data so an envelope cannot be replayed under another taxpayer. The master key
// only lives inside a memguard Enclave.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"sire/internal/sire/models"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/platform/sentinel"
)

const (
	keyLength = 32
	keyInfo   = "sire/credentials/v1:"
)

// Store is the persistence the vault reads from.
type Store interface {
	Get(ctx context.Context, taxpayerID string) (*models.SealedCredentials, error)
	List(ctx context.Context) ([]string, error)
}

// Vault opens sealed credentials on demand. It never writes and never retries.
type Vault struct {
	store  Store
	master *memguard.Enclave
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Vault)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

// WithClock sets the time source stamped on sealed envelopes.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// New moves masterKey into an Enclave and wipes the caller's slice.
func New(store Store, masterKey []byte, opts ...Option) (*Vault, error) {
	if len(masterKey) != keyLength {
		return nil, fmt.Errorf("vault master key must be %d bytes, got %d", keyLength, len(masterKey))
	}
	v := &Vault{
		store:  store,
		master: memguard.NewEnclave(masterKey),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// NewEphemeral uses a random master key. Envelopes sealed by it cannot be
// opened after the process exits; only development setups use it.
func NewEphemeral(store Store, opts ...Option) *Vault {
	v := &Vault{
		store:  store,
		master: memguard.NewEnclaveRandom(keyLength),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ParseMasterKey decodes a base64 (standard or URL alphabet) 32 byte key.
func ParseMasterKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(encoded); err == nil {
			if len(key) != keyLength {
				return nil, fmt.Errorf("vault master key must decode to %d bytes, got %d", keyLength, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("vault master key is not valid base64")
}

// sealedPayload is the plaintext inside an envelope.
type sealedPayload struct {
	SolUser      string `json:"sol_user"`
	SolPassword  string `json:"sol_password"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Get returns the decrypted credentials, or NotConfigured.
func (v *Vault) Get(ctx context.Context, taxpayerID string) (models.Credentials, error) {
	rec, err := v.store.Get(ctx, taxpayerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Credentials{}, dErrors.New(dErrors.CodeNotConfigured, "no credentials configured for taxpayer")
		}
		return models.Credentials{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credentials")
	}

	creds, err := v.open(taxpayerID, rec)
	if err != nil {
		v.logger.ErrorContext(ctx, "credential envelope cannot be opened",
			"taxpayer_id", taxpayerID,
			"error", err,
		)
		return models.Credentials{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to open credentials")
	}
	return creds, nil
}

// Has reports whether usable credentials exist for the taxpayer.
func (v *Vault) Has(ctx context.Context, taxpayerID string) bool {
	_, err := v.Get(ctx, taxpayerID)
	return err == nil
}

// List returns the taxpayer ids with stored credentials.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	ids, err := v.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list credentials")
	}
	return ids, nil
}

// Seal encrypts creds for taxpayerID. The caller persists the envelope.
func (v *Vault) Seal(taxpayerID string, creds models.Credentials) (*models.SealedCredentials, error) {
	if taxpayerID == "" {
		return nil, errors.New("taxpayer id is required")
	}
	if creds.SolUser == "" || creds.SolPassword == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, dErrors.New(dErrors.CodeInvalidParameters, "sol_user, sol_password, client_id and client_secret are required")
	}
	plaintext, err := json.Marshal(sealedPayload{
		SolUser:      creds.SolUser,
		SolPassword:  creds.SolPassword,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	aead, err := v.aead(taxpayerID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return &models.SealedCredentials{
		TaxpayerID: taxpayerID,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte(taxpayerID)),
		UpdatedAt:  v.now().UTC(),
	}, nil
}

func (v *Vault) open(taxpayerID string, rec *models.SealedCredentials) (models.Credentials, error) {
	aead, err := v.aead(taxpayerID)
	if err != nil {
		return models.Credentials{}, err
	}
	if len(rec.Nonce) != aead.NonceSize() {
		return models.Credentials{}, errors.New("invalid nonce length")
	}
	plaintext, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, []byte(taxpayerID))
	if err != nil {
		return models.Credentials{}, fmt.Errorf("decrypt credentials: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	var p sealedPayload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return models.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return models.Credentials{
		TaxpayerID:   taxpayerID,
		SolUser:      p.SolUser,
		SolPassword:  p.SolPassword,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
	}, nil
}

// aead derives the taxpayer's record key and returns its GCM instance.
func (v *Vault) aead(taxpayerID string) (cipher.AEAD, error) {
	master, err := v.master.Open()
	if err != nil {
		return nil, fmt.Errorf("open master key enclave: %w", err)
	}
	defer master.Destroy()

	key := make([]byte, keyLength)
	defer memguard.WipeBytes(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master.Bytes(), nil, []byte(keyInfo+taxpayerID)), key); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
