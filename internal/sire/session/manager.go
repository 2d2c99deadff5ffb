// Package session owns the per-taxpayer OAuth2 token pair: authentication with
// the password grant, lazy refresh before expiry, invalidation and a token-free
// status projection.
//
// Refresh and authentication are single-flight per taxpayer, and every write
// is a compare-and-update on the session version.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"sire/internal/sire/metrics"
	"sire/internal/sire/models"
	"sire/internal/sire/sunat"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/platform/flight"
	"sire/pkg/platform/retry"
	"sire/pkg/platform/sentinel"
	"sire/pkg/requestcontext"
)

// Store persists sessions. Save is a compare-and-update on Version.
type Store interface {
	Get(ctx context.Context, taxpayerID string) (*models.Session, error)
	Save(ctx context.Context, sess *models.Session) error
}

// Vault resolves decrypted credentials.
type Vault interface {
	Get(ctx context.Context, taxpayerID string) (models.Credentials, error)
}

// TokenClient performs the provider token grants.
type TokenClient interface {
	PasswordGrant(ctx context.Context, creds models.Credentials) (*models.TokenGrant, error)
	RefreshGrant(ctx context.Context, refreshToken string, creds models.Credentials) (*models.TokenGrant, error)
}

// Config tunes token lifetime handling.
type Config struct {
	// SafetyMargin is subtracted from the provider TTL so tokens are renewed
	// before the provider rejects them.
	SafetyMargin time.Duration
	// DefaultTokenTTL applies when neither expires_in nor a JWT exp is present.
	DefaultTokenTTL time.Duration
	Refresh         retry.Policy
	CASRetries      int
	// FlightTimeout bounds a shared authentication or refresh. Joined callers
	// do not cancel it.
	FlightTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SafetyMargin:    5 * time.Minute,
		DefaultTokenTTL: time.Hour,
		Refresh: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    8 * time.Second,
		},
		CASRetries:    5,
		FlightTimeout: 2 * time.Minute,
	}
}

type Manager struct {
	store   Store
	vault   Vault
	client  TokenClient
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	parser  *jwt.Parser

	authGroup    singleflight.Group
	refreshGroup singleflight.Group
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func New(store Store, vault Vault, client TokenClient, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if vault == nil {
		return nil, errors.New("credential vault is required")
	}
	if client == nil {
		return nil, errors.New("token client is required")
	}
	m := &Manager{
		store:  store,
		vault:  vault,
		client: client,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		parser: jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.CASRetries < 1 {
		m.cfg.CASRetries = 1
	}
	if m.cfg.FlightTimeout <= 0 {
		m.cfg.FlightTimeout = DefaultConfig().FlightTimeout
	}
	m.cfg.Refresh.Retryable = sunat.IsTransient
	return m, nil
}

// Authenticate runs the password grant and stores a fresh active session.
func (m *Manager) Authenticate(ctx context.Context, taxpayerID string) (*models.SessionStatus, error) {
	status, _, err := flight.Do(ctx, &m.authGroup, taxpayerID, m.cfg.FlightTimeout, func(ctx context.Context) (*models.SessionStatus, error) {
		return m.authenticate(ctx, taxpayerID)
	})
	return status, err
}

func (m *Manager) authenticate(ctx context.Context, taxpayerID string) (*models.SessionStatus, error) {
	creds, err := m.vault.Get(ctx, taxpayerID)
	if err != nil {
		return nil, err
	}

	grant, err := m.client.PasswordGrant(ctx, creds)
	if err != nil {
		if isGrantRejected(err) {
			m.metrics.IncrementAuthentication("rejected")
			m.logger.WarnContext(ctx, "provider rejected credentials",
				"taxpayer_id", taxpayerID,
				"error", err,
			)
			return nil, dErrors.Wrap(err, dErrors.CodeAuthRejected, "provider rejected the credentials")
		}
		m.metrics.IncrementAuthentication("unavailable")
		m.logger.WarnContext(ctx, "authentication unavailable",
			"taxpayer_id", taxpayerID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeAuthUnavailable, "authentication service unavailable")
	}

	now := requestcontext.Now(ctx)
	expiresAt := m.expiresAt(now, grant)
	sess, err := m.update(ctx, taxpayerID, true, func(s *models.Session) error {
		s.AccessToken = grant.AccessToken
		s.RefreshToken = grant.RefreshToken
		s.ExpiresAt = expiresAt
		s.Active = true
		s.Origin = models.OriginPasswordGrant
		s.CreatedAt = now
		s.RefreshedAt = nil
		s.LastUsedAt = now
		return nil
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store session")
	}

	m.metrics.IncrementAuthentication("ok")
	m.logger.InfoContext(ctx, "taxpayer authenticated",
		"taxpayer_id", taxpayerID,
		"expires_at", expiresAt,
	)
	return project(sess, now), nil
}

// GetValidToken returns a usable access token, refreshing it when the safety
// window has been reached.
func (m *Manager) GetValidToken(ctx context.Context, taxpayerID string) (string, error) {
	sess, err := m.store.Get(ctx, taxpayerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", dErrors.New(dErrors.CodeReauthRequired, "no session for taxpayer")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if !sess.Active {
		return "", dErrors.New(dErrors.CodeReauthRequired, "session is not active")
	}
	if sess.Valid(requestcontext.Now(ctx)) {
		return sess.AccessToken, nil
	}

	token, shared, err := flight.Do(ctx, &m.refreshGroup, taxpayerID, m.cfg.FlightTimeout, func(ctx context.Context) (string, error) {
		return m.refresh(ctx, taxpayerID)
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.logger.DebugContext(ctx, "joined in-flight token refresh", "taxpayer_id", taxpayerID)
	}
	return token, nil
}

func (m *Manager) refresh(ctx context.Context, taxpayerID string) (string, error) {
	now := requestcontext.Now(ctx)

	// A caller that just finished a refresh may already have stored a new token.
	sess, err := m.store.Get(ctx, taxpayerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", dErrors.New(dErrors.CodeReauthRequired, "no session for taxpayer")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if !sess.Active {
		return "", dErrors.New(dErrors.CodeReauthRequired, "session is not active")
	}
	if sess.Valid(now) {
		return sess.AccessToken, nil
	}
	if sess.RefreshToken == "" {
		m.deactivate(ctx, taxpayerID)
		return "", dErrors.New(dErrors.CodeReauthRequired, "session expired without refresh token")
	}

	creds, err := m.vault.Get(ctx, taxpayerID)
	if err != nil {
		return "", err
	}

	policy := m.cfg.Refresh
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.logger.WarnContext(ctx, "retrying token refresh",
			"taxpayer_id", taxpayerID,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
	}
	var grant *models.TokenGrant
	err = policy.Do(ctx, func(ctx context.Context, _ int) error {
		g, err := m.client.RefreshGrant(ctx, sess.RefreshToken, creds)
		if err != nil {
			return err
		}
		grant = g
		return nil
	})
	if err != nil {
		if isGrantRejected(err) {
			m.metrics.IncrementRefresh("rejected")
			m.deactivate(ctx, taxpayerID)
			m.logger.WarnContext(ctx, "refresh token rejected",
				"taxpayer_id", taxpayerID,
				"error", err,
			)
			return "", dErrors.Wrap(err, dErrors.CodeReauthRequired, "refresh token rejected, authenticate again")
		}
		m.metrics.IncrementRefresh("unavailable")
		return "", dErrors.Wrap(err, dErrors.CodeAuthUnavailable, "token refresh unavailable")
	}

	now = requestcontext.Now(ctx)
	expiresAt := m.expiresAt(now, grant)
	updated, err := m.update(ctx, taxpayerID, false, func(s *models.Session) error {
		if !s.Active {
			return dErrors.New(dErrors.CodeReauthRequired, "session was invalidated during refresh")
		}
		s.AccessToken = grant.AccessToken
		if grant.RefreshToken != "" {
			s.RefreshToken = grant.RefreshToken
		}
		s.ExpiresAt = expiresAt
		s.Origin = models.OriginRefresh
		refreshed := now
		s.RefreshedAt = &refreshed
		s.LastUsedAt = now
		return nil
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeReauthRequired) {
			return "", err
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", dErrors.New(dErrors.CodeReauthRequired, "no session for taxpayer")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to store refreshed session")
	}

	m.metrics.IncrementRefresh("ok")
	m.logger.InfoContext(ctx, "token refreshed",
		"taxpayer_id", taxpayerID,
		"expires_at", expiresAt,
	)
	return updated.AccessToken, nil
}

// Invalidate marks the session inactive. Unknown taxpayers are not an error.
func (m *Manager) Invalidate(ctx context.Context, taxpayerID string) error {
	_, err := m.update(ctx, taxpayerID, false, func(s *models.Session) error {
		if !s.Active {
			return errUnchanged
		}
		s.Active = false
		return nil
	})
	switch {
	case err == nil:
		m.logger.InfoContext(ctx, "session invalidated", "taxpayer_id", taxpayerID)
		return nil
	case errors.Is(err, errUnchanged), errors.Is(err, sentinel.ErrNotFound):
		return nil
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to invalidate session")
}

// Status returns the token-free projection of the taxpayer's session.
func (m *Manager) Status(ctx context.Context, taxpayerID string) (*models.SessionStatus, error) {
	sess, err := m.store.Get(ctx, taxpayerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no session for taxpayer")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	return project(sess, requestcontext.Now(ctx)), nil
}

var errUnchanged = errors.New("session unchanged")

// update reads, applies and saves with compare-and-update, re-reading on
// version conflicts. With create set, a missing session starts empty.
func (m *Manager) update(ctx context.Context, taxpayerID string, create bool, apply func(*models.Session) error) (*models.Session, error) {
	for attempt := 0; attempt < m.cfg.CASRetries; attempt++ {
		cur, err := m.store.Get(ctx, taxpayerID)
		switch {
		case errors.Is(err, sentinel.ErrNotFound) && create:
			cur = &models.Session{TaxpayerID: taxpayerID}
		case err != nil:
			return nil, err
		}
		if err := apply(cur); err != nil {
			return nil, err
		}
		err = m.store.Save(ctx, cur)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, err
		}
		m.metrics.IncrementCASConflict()
	}
	return nil, fmt.Errorf("save session after %d attempts: %w", m.cfg.CASRetries, sentinel.ErrConflict)
}

func (m *Manager) deactivate(ctx context.Context, taxpayerID string) {
	if err := m.Invalidate(ctx, taxpayerID); err != nil {
		m.logger.ErrorContext(ctx, "failed to invalidate session",
			"taxpayer_id", taxpayerID,
			"error", err,
		)
	}
}

// expiresAt applies the safety margin to the provider TTL. The TTL comes from
// expires_in, else from the token's exp claim, else the configured default.
// The margin never consumes more than half the TTL.
func (m *Manager) expiresAt(now time.Time, grant *models.TokenGrant) time.Time {
	ttl := grant.ExpiresIn
	if ttl <= 0 {
		ttl = m.jwtTTL(now, grant.AccessToken)
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTokenTTL
	}
	margin := m.cfg.SafetyMargin
	if margin > ttl/2 {
		margin = ttl / 2
	}
	return now.Add(ttl - margin)
}

// jwtTTL reads exp without verifying the signature; the token is only ever
// presented back to its issuer.
func (m *Manager) jwtTTL(now time.Time, token string) time.Duration {
	claims := jwt.MapClaims{}
	if _, _, err := m.parser.ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Sub(now)
}

func project(sess *models.Session, now time.Time) *models.SessionStatus {
	status := &models.SessionStatus{
		TaxpayerID: sess.TaxpayerID,
		Active:     sess.Valid(now),
		Origin:     sess.Origin,
	}
	if status.Active {
		status.ExpiresIn = int64(sess.ExpiresAt.Sub(now).Seconds())
	}
	return status
}

// isGrantRejected reports a definitive grant refusal (bad credentials or an
// invalid refresh token) as opposed to a provider outage.
func isGrantRejected(err error) bool {
	return sunat.IsKind(err, sunat.KindUnauthorized) || sunat.IsKind(err, sunat.KindRejected)
}
