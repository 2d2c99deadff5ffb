// Package files downloads ticket artifacts, verifies them and keeps them
// addressable by output file name with a content hash checked on every read.
package files

import (
	"context"
	"crypto/md5" //nolint:gosec // the provider announces MD5 digests
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"path"
	"strings"
	"time"

	"sire/internal/sire/metrics"
	"sire/internal/sire/models"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/platform/sentinel"
	"sire/pkg/requestcontext"
)

// Store persists file bytes with their metadata.
type Store interface {
	Put(ctx context.Context, meta models.StoredFile, data []byte) error
	Get(ctx context.Context, name string) (*models.StoredFile, []byte, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Downloader fetches a remote artifact.
type Downloader interface {
	Download(ctx context.Context, token, remoteRef, fileName string) ([]byte, string, error)
}

type Materializer struct {
	store      Store
	downloader Downloader
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Materializer)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Materializer) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Materializer) {
		m.metrics = mt
	}
}

func New(store Store, downloader Downloader, opts ...Option) (*Materializer, error) {
	if store == nil {
		return nil, errors.New("file store is required")
	}
	if downloader == nil {
		return nil, errors.New("downloader is required")
	}
	m := &Materializer{
		store:      store,
		downloader: downloader,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Retrieve downloads the announced file for t, checks the provider digest and
// size when given, and stores it under OutputName(t.ID, remote.Name).
// Failures carry CodeRetrievalFailed and keep the underlying cause.
func (m *Materializer) Retrieve(ctx context.Context, t *models.Ticket, remote models.RemoteFile, token string) (*models.StoredFile, error) {
	data, contentType, err := m.downloader.Download(ctx, token, t.RemoteRef, remote.Name)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeRetrievalFailed, "file download failed")
	}
	if remote.Size > 0 && int64(len(data)) != remote.Size {
		return nil, dErrors.New(dErrors.CodeRetrievalFailed,
			fmt.Sprintf("file size mismatch: announced %d, received %d", remote.Size, len(data)))
	}
	if err := verifyDigest(remote.Hash, data); err != nil {
		m.metrics.IncrementIntegrityFailure()
		m.logger.WarnContext(ctx, "downloaded file failed digest check",
			"ticket_id", t.ID,
			"remote_file", remote.Name,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeRetrievalFailed, "file digest mismatch")
	}

	meta := models.StoredFile{
		Name:        OutputName(t.ID, remote.Name),
		TicketID:    t.ID,
		TaxpayerID:  t.TaxpayerID,
		Size:        int64(len(data)),
		ContentType: contentType,
		Hash:        sha256Hex(data),
		CreatedAt:   requestcontext.Now(ctx).UTC(),
	}
	if err := m.store.Put(ctx, meta, data); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeRetrievalFailed, "failed to store file")
	}

	m.metrics.ObserveFileStored(meta.Size)
	m.logger.InfoContext(ctx, "file materialized",
		"ticket_id", t.ID,
		"file", meta.Name,
		"size", meta.Size,
	)
	return &meta, nil
}

// Read returns the stored file after recomputing its content hash.
func (m *Materializer) Read(ctx context.Context, name string) (*models.StoredFile, []byte, error) {
	meta, data, err := m.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.New(dErrors.CodeNotFound, "file not found")
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read file")
	}
	if sha256Hex(data) != meta.Hash {
		m.metrics.IncrementIntegrityFailure()
		m.logger.ErrorContext(ctx, "stored file failed integrity check",
			"file", name,
			"ticket_id", meta.TicketID,
		)
		return nil, nil, dErrors.New(dErrors.CodeIntegrityMismatch, "stored file failed integrity check")
	}
	return meta, data, nil
}

// SweepExpired deletes files older than maxAgeDays regardless of ticket state.
func (m *Materializer) SweepExpired(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 1 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "retention must be at least one day")
	}
	cutoff := requestcontext.Now(ctx).Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	removed, err := m.store.DeleteCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sweep files")
	}
	m.metrics.AddSweepRemoved("files", removed)
	if removed > 0 {
		m.logger.InfoContext(ctx, "expired files removed", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// OutputName is the local name of a ticket artifact: the ticket id, an
// underscore and the remote name reduced to a safe character set.
func OutputName(ticketID, remoteName string) string {
	base := path.Base(strings.ReplaceAll(remoteName, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		name = "output"
	}
	return ticketID + "_" + name
}

// verifyDigest checks an announced MD5 (32 hex) or SHA-256 (64 hex) digest.
// Digests in any other shape are not verifiable and are ignored.
func verifyDigest(announced string, data []byte) error {
	announced = strings.ToLower(strings.TrimSpace(announced))
	var h hash.Hash
	switch len(announced) {
	case 32:
		h = md5.New() //nolint:gosec
	case 64:
		h = sha256.New()
	default:
		return nil
	}
	if _, err := hex.DecodeString(announced); err != nil {
		return nil
	}
	h.Write(data)
	if got := hex.EncodeToString(h.Sum(nil)); got != announced {
		return fmt.Errorf("announced %s, computed %s", announced, got)
	}
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
