package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sire/internal/sire/models"
	sessionstore "sire/internal/sire/store/session"
	"sire/internal/sire/sunat"
	dErrors "sire/pkg/domain-errors"
	"sire/pkg/platform/retry"
	"sire/pkg/platform/sentinel"
	"sire/pkg/requestcontext"
)

const taxpayer = "20100070970"

var t0 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

type stubVault struct {
	err error
}

func (v stubVault) Get(_ context.Context, taxpayerID string) (models.Credentials, error) {
	if v.err != nil {
		return models.Credentials{}, v.err
	}
	return models.Credentials{
		TaxpayerID:   taxpayerID,
		SolUser:      "MODDATOS",
		SolPassword:  "moddatos",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	}, nil
}

// fakeTokens scripts grant outcomes and counts provider calls.
type fakeTokens struct {
	passwordCalls atomic.Int32
	refreshCalls  atomic.Int32

	mu           sync.Mutex
	passwordErrs []error
	refreshErrs  []error
	ttl          time.Duration
	gate         chan struct{}
}

func (f *fakeTokens) PasswordGrant(_ context.Context, _ models.Credentials) (*models.TokenGrant, error) {
	n := f.passwordCalls.Add(1)
	if err := f.next(&f.passwordErrs); err != nil {
		return nil, err
	}
	return &models.TokenGrant{AccessToken: "access-" + itoa(n), RefreshToken: "refresh-" + itoa(n), ExpiresIn: f.ttl}, nil
}

func (f *fakeTokens) RefreshGrant(ctx context.Context, refreshToken string, _ models.Credentials) (*models.TokenGrant, error) {
	n := f.refreshCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.next(&f.refreshErrs); err != nil {
		return nil, err
	}
	return &models.TokenGrant{AccessToken: "refreshed-" + itoa(n), ExpiresIn: f.ttl}, nil
}

func (f *fakeTokens) next(errs *[]error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func itoa(n int32) string {
	return string(rune('0' + n))
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newManager(t *testing.T, tokens *fakeTokens, vault Vault) (*Manager, *sessionstore.InMemoryStore) {
	t.Helper()
	store := sessionstore.New()
	cfg := DefaultConfig()
	cfg.Refresh = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second}.WithSleep(noSleep)
	m, err := New(store, vault, tokens, WithConfig(cfg))
	require.NoError(t, err)
	return m, store
}

func at(ts time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), ts)
}

func TestAuthenticate(t *testing.T) {
	t.Run("stores session with safety margin", func(t *testing.T) {
		tokens := &fakeTokens{ttl: time.Hour}
		m, store := newManager(t, tokens, stubVault{})

		status, err := m.Authenticate(at(t0), taxpayer)
		require.NoError(t, err)
		assert.True(t, status.Active)
		assert.Equal(t, int64(55*60), status.ExpiresIn)
		assert.Equal(t, models.OriginPasswordGrant, status.Origin)

		sess, err := store.Get(context.Background(), taxpayer)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(55*time.Minute), sess.ExpiresAt)
		assert.Equal(t, "access-1", sess.AccessToken)
	})

	t.Run("bad credentials are rejected", func(t *testing.T) {
		tokens := &fakeTokens{ttl: time.Hour, passwordErrs: []error{&sunat.Error{Kind: sunat.KindUnauthorized, Code: "invalid_grant"}}}
		m, store := newManager(t, tokens, stubVault{})

		_, err := m.Authenticate(at(t0), taxpayer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAuthRejected))
		_, err = store.Get(context.Background(), taxpayer)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("provider outage is unavailable", func(t *testing.T) {
		tokens := &fakeTokens{ttl: time.Hour, passwordErrs: []error{&sunat.Error{Kind: sunat.KindServerError}}}
		m, _ := newManager(t, tokens, stubVault{})

		_, err := m.Authenticate(at(t0), taxpayer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAuthUnavailable))
		assert.Equal(t, int32(1), tokens.passwordCalls.Load())
	})

	t.Run("missing credentials surface as not configured", func(t *testing.T) {
		tokens := &fakeTokens{ttl: time.Hour}
		m, _ := newManager(t, tokens, stubVault{err: dErrors.New(dErrors.CodeNotConfigured, "no credentials")})

		_, err := m.Authenticate(at(t0), taxpayer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotConfigured))
		assert.Zero(t, tokens.passwordCalls.Load())
	})

	t.Run("ttl from jwt exp when expires_in is absent", func(t *testing.T) {
		tokens := &jwtTokens{exp: t0.Add(30 * time.Minute)}
		store := sessionstore.New()
		m, err := New(store, stubVault{}, tokens)
		require.NoError(t, err)

		_, err = m.Authenticate(at(t0), taxpayer)
		require.NoError(t, err)
		sess, _ := store.Get(context.Background(), taxpayer)
		assert.Equal(t, t0.Add(25*time.Minute), sess.ExpiresAt)
	})
}

type jwtTokens struct {
	exp time.Time
}

func (j *jwtTokens) PasswordGrant(context.Context, models.Credentials) (*models.TokenGrant, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(j.exp)})
	signed, err := token.SignedString([]byte("provider-secret"))
	if err != nil {
		return nil, err
	}
	return &models.TokenGrant{AccessToken: signed}, nil
}

func (j *jwtTokens) RefreshGrant(context.Context, string, models.Credentials) (*models.TokenGrant, error) {
	return nil, &sunat.Error{Kind: sunat.KindUnauthorized}
}

func TestGetValidToken(t *testing.T) {
	t.Run("no session requires reauth", func(t *testing.T) {
		m, _ := newManager(t, &fakeTokens{ttl: time.Hour}, stubVault{})
		_, err := m.GetValidToken(at(t0), taxpayer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeReauthRequired))
	})

	t.Run("valid token returned without provider call", func(t *testing.T) {
		tokens := &fakeTokens{ttl: time.Hour}
		m, _ := newManager(t, tokens, stubVault{})
		_, err := m.Authenticate(at(t0), taxpayer)
		require.NoError(t, err)

		tok, err := m.GetValidToken(at(t0.Add(54*time.Minute)), taxpayer)
		require.NoError(t, err)
		assert.Equal(t, "access-1", tok)
		assert.Zero(t, tokens.refreshCalls.Load())
	})

	t.Run("refreshes at the safety boundary", func(t *testing.T) {
		tokens := &fakeTokens{ttl: time.Hour}
		m, store := newManager(t, tokens, stubVault{})
		_, err := m.Authenticate(at(t0), taxpayer)
		require.NoError(t, err)

		tok, err := m.GetValidToken(at(t0.Add(55*time.Minute)), taxpayer)
		require.NoError(t, err)
		assert.Equal(t, "refreshed-1", tok)

		sess, _ := store.Get(context.Background(), taxpayer)
		assert.Equal(t, models.OriginRefresh, sess.Origin)
		assert.Equal(t, "refresh-1", sess.RefreshToken, "refresh token kept when the grant omits one")
		assert.Equal(t, t0.Add(55*time.Minute+55*time.Minute), sess.ExpiresAt)
	})

	t.Run("rejected refresh invalidates", func(t *testing.T) {
		tokens := &fakeTokens{ttl: time.Hour, refreshErrs: []error{&sunat.Error{Kind: sunat.KindUnauthorized, Code: "invalid_grant"}}}
		m, store := newManager(t, tokens, stubVault{})
		_, err := m.Authenticate(at(t0), taxpayer)
		require.NoError(t, err)

		_, err = m.GetValidToken(at(t0.Add(2*time.Hour)), taxpayer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeReauthRequired))
		assert.Equal(t, int32(1), tokens.refreshCalls.Load())

		sess, _ := store.Get(context.Background(), taxpayer)
		assert.False(t, sess.Active)
	})

	t.Run("transient refresh failures retried then unavailable", func(t *testing.T) {
		outage := &sunat.Error{Kind: sunat.KindTimeout}
		tokens := &fakeTokens{ttl: time.Hour, refreshErrs: []error{outage, outage, outage}}
		m, store := newManager(t, tokens, stubVault{})
		_, err := m.Authenticate(at(t0), taxpayer)
		require.NoError(t, err)

		_, err = m.GetValidToken(at(t0.Add(2*time.Hour)), taxpayer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAuthUnavailable))
		assert.Equal(t, int32(3), tokens.refreshCalls.Load())

		sess, _ := store.Get(context.Background(), taxpayer)
		assert.True(t, sess.Active, "outage keeps the session")
	})

	t.Run("transient failure recovers within bound", func(t *testing.T) {
		tokens := &fakeTokens{ttl: time.Hour, refreshErrs: []error{&sunat.Error{Kind: sunat.KindServerError}}}
		m, _ := newManager(t, tokens, stubVault{})
		_, err := m.Authenticate(at(t0), taxpayer)
		require.NoError(t, err)

		tok, err := m.GetValidToken(at(t0.Add(2*time.Hour)), taxpayer)
		require.NoError(t, err)
		assert.Equal(t, "refreshed-2", tok)
	})

	t.Run("inactive session requires reauth", func(t *testing.T) {
		m, _ := newManager(t, &fakeTokens{ttl: time.Hour}, stubVault{})
		_, err := m.Authenticate(at(t0), taxpayer)
		require.NoError(t, err)
		require.NoError(t, m.Invalidate(at(t0), taxpayer))

		_, err = m.GetValidToken(at(t0), taxpayer)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeReauthRequired))
	})
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	tokens := &fakeTokens{ttl: time.Hour}
	m, _ := newManager(t, tokens, stubVault{})
	_, err := m.Authenticate(at(t0), taxpayer)
	require.NoError(t, err)

	tokens.gate = make(chan struct{})
	ctx := at(t0.Add(2 * time.Hour))

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = m.GetValidToken(ctx, taxpayer)
		}()
	}

	require.Eventually(t, func() bool { return tokens.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(tokens.gate)
	wg.Wait()

	assert.Equal(t, int32(1), tokens.refreshCalls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-1", results[i])
	}
}

func TestRefreshOutlivesCancelledCaller(t *testing.T) {
	tokens := &fakeTokens{ttl: time.Hour}
	m, _ := newManager(t, tokens, stubVault{})
	_, err := m.Authenticate(at(t0), taxpayer)
	require.NoError(t, err)

	tokens.gate = make(chan struct{})
	later := at(t0.Add(2 * time.Hour))
	impatient, cancel := context.WithCancel(later)

	impatientErr := make(chan error, 1)
	go func() {
		_, err := m.GetValidToken(impatient, taxpayer)
		impatientErr <- err
	}()
	require.Eventually(t, func() bool { return tokens.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		token string
		err   error
	}
	patient := make(chan result, 1)
	go func() {
		tok, err := m.GetValidToken(later, taxpayer)
		patient <- result{tok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-impatientErr, context.Canceled)

	close(tokens.gate)
	got := <-patient
	require.NoError(t, got.err)
	assert.Equal(t, "refreshed-1", got.token)
	assert.Equal(t, int32(1), tokens.refreshCalls.Load())
}

func TestInvalidate(t *testing.T) {
	m, _ := newManager(t, &fakeTokens{ttl: time.Hour}, stubVault{})

	assert.NoError(t, m.Invalidate(at(t0), "20999999999"), "unknown taxpayer is a no-op")

	_, err := m.Authenticate(at(t0), taxpayer)
	require.NoError(t, err)
	require.NoError(t, m.Invalidate(at(t0), taxpayer))
	require.NoError(t, m.Invalidate(at(t0), taxpayer))

	status, err := m.Status(at(t0), taxpayer)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Zero(t, status.ExpiresIn)
}

func TestStatusUnknown(t *testing.T) {
	m, _ := newManager(t, &fakeTokens{ttl: time.Hour}, stubVault{})
	_, err := m.Status(at(t0), taxpayer)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

// conflictOnce fails the first Save with a version conflict.
type conflictOnce struct {
	*sessionstore.InMemoryStore
	tripped atomic.Bool
}

func (c *conflictOnce) Save(ctx context.Context, sess *models.Session) error {
	if c.tripped.CompareAndSwap(false, true) {
		return sentinel.ErrConflict
	}
	return c.InMemoryStore.Save(ctx, sess)
}

func TestCASConflictRetried(t *testing.T) {
	store := &conflictOnce{InMemoryStore: sessionstore.New()}
	m, err := New(store, stubVault{}, &fakeTokens{ttl: time.Hour})
	require.NoError(t, err)

	_, err = m.Authenticate(at(t0), taxpayer)
	require.NoError(t, err)
	sess, err := store.Get(context.Background(), taxpayer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Version)
}

func TestMarginClampedForShortTokens(t *testing.T) {
	tokens := &fakeTokens{ttl: 4 * time.Minute}
	m, store := newManager(t, tokens, stubVault{})

	_, err := m.Authenticate(at(t0), taxpayer)
	require.NoError(t, err)
	sess, _ := store.Get(context.Background(), taxpayer)
	assert.Equal(t, t0.Add(2*time.Minute), sess.ExpiresAt)
}
