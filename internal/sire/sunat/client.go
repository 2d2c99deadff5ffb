// Package sunat is the HTTP client for the tax authority's SIRE API: OAuth2
// token grants plus ticket submission, polling, cancellation and download.
//
// Every failure is returned as *Error with a Kind. Only ServerError and
// Timeout are retried here; the caller decides what the rest mean for a ticket.
package sunat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sire/internal/sire/metrics"
	"sire/internal/sire/models"
	"sire/internal/sire/operations"
	"sire/pkg/platform/circuit"
	"sire/pkg/platform/retry"
)

const (
	endpointToken    = "token"
	endpointSubmit   = "submit"
	endpointPoll     = "poll"
	endpointCancel   = "cancel"
	endpointDownload = "download"

	maxErrorBody = 64 << 10
)

// Config holds the provider endpoints and call limits.
type Config struct {
	AuthURL      string
	APIURL       string
	Scope        string
	StatusPath   string
	DownloadPath string
	CancelPath   string
	Timeout      time.Duration
	// MaxDownloadBytes caps a single file download; zero means 256 MiB.
	MaxDownloadBytes int64
	Retry            retry.Policy
}

// Client talks to the provider. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	retry   retry.Policy
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBreaker guards API calls with a circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// New builds a Client. The retry classifier is always IsRetryable; the
// attempt bounds come from cfg.Retry.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = 256 << 20
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: slog.Default(),
		tracer: otel.Tracer("sire/sunat"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.retry = cfg.Retry
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 3
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 500 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	c.retry.Retryable = IsRetryable
	return c
}

// PasswordGrant authenticates with the taxpayer's SOL credentials. Single
// attempt; the session manager owns auth retry.
func (c *Client) PasswordGrant(ctx context.Context, creds models.Credentials) (*models.TokenGrant, error) {
	form := url.Values{
		"grant_type":    {"password"},
		"scope":         {c.cfg.Scope},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"username":      {creds.Username()},
		"password":      {creds.SolPassword},
	}
	return c.grant(ctx, creds.ClientID, form)
}

// RefreshGrant exchanges a refresh token for a new token pair.
func (c *Client) RefreshGrant(ctx context.Context, refreshToken string, creds models.Credentials) (*models.TokenGrant, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
	}
	return c.grant(ctx, creds.ClientID, form)
}

func (c *Client) grant(ctx context.Context, clientID string, form url.Values) (*models.TokenGrant, error) {
	endpoint := c.cfg.AuthURL + "/" + url.PathEscape(clientID) + "/oauth2/token/"
	encoded := form.Encode()

	resp, err := c.do(ctx, endpointToken, false, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		// The token endpoint answers bad credentials with 400 invalid_grant.
		var se *Error
		if errors.As(err, &se) && (se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusForbidden) {
			se.Kind = KindUnauthorized
		}
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.body, &tr); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Endpoint: endpointToken, StatusCode: resp.status, Message: "token response is not JSON", Err: err}
	}
	if tr.AccessToken == "" {
		return nil, &Error{Kind: KindMalformedResponse, Endpoint: endpointToken, StatusCode: resp.status, Message: "token response without access_token"}
	}
	grant := &models.TokenGrant{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn != "" {
		secs, err := tr.ExpiresIn.Int64()
		if err != nil || secs < 0 {
			return nil, &Error{Kind: KindMalformedResponse, Endpoint: endpointToken, StatusCode: resp.status, Message: "invalid expires_in"}
		}
		grant.ExpiresIn = time.Duration(secs) * time.Second
	}
	return grant, nil
}

// Submit starts a remote job. GET operations carry params in the path
// template; other methods also send them as a JSON body.
func (c *Client) Submit(ctx context.Context, token string, spec operations.Spec, params map[string]string) (*SubmitResponse, error) {
	endpoint := c.cfg.APIURL + spec.SubmitPath(params)
	var payload []byte
	if spec.Method != http.MethodGet {
		var err error
		if payload, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("encode submit payload: %w", err)
		}
	}

	resp, err := c.do(ctx, endpointSubmit, true, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, spec.Method, endpoint, body)
		if err != nil {
			return nil, err
		}
		authorize(req, token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var sr submitResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Endpoint: endpointSubmit, StatusCode: resp.status, Message: "submit response is not JSON", Err: err}
	}
	ref := string(sr.NumTicket)
	if ref == "" {
		ref = string(sr.Ticket)
	}
	if ref == "" {
		return nil, &Error{Kind: KindMalformedResponse, Endpoint: endpointSubmit, StatusCode: resp.status, Message: "submit response without ticket number"}
	}
	msg := sr.Message
	if msg == "" {
		msg = sr.DesMsg
	}
	return &SubmitResponse{RemoteRef: ref, Message: msg}, nil
}

// Poll reads the state of a remote job.
func (c *Client) Poll(ctx context.Context, token, remoteRef string) (*PollResponse, error) {
	endpoint := c.cfg.APIURL + operations.Expand(c.cfg.StatusPath, map[string]string{"ticket": remoteRef})

	resp, err := c.do(ctx, endpointPoll, true, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		authorize(req, token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var pr pollResponse
	if err := json.Unmarshal(resp.body, &pr); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Endpoint: endpointPoll, StatusCode: resp.status, Message: "status response is not JSON", Err: err}
	}
	state, ok := parseRemoteState(string(pr.State))
	if !ok {
		return nil, &Error{Kind: KindMalformedResponse, Endpoint: endpointPoll, StatusCode: resp.status, Message: "unknown remote state " + strconv.Quote(string(pr.State))}
	}

	out := &PollResponse{
		RemoteRef: remoteRef,
		State:     state,
		Message:   pr.Message,
		ErrorCode: string(pr.ErrorCode),
		ErrorText: pr.ErrorDetail,
	}
	if pr.Progress != nil {
		p := float64(*pr.Progress)
		out.Progress = &p
	}
	if pr.FileName != "" {
		out.File = &models.RemoteFile{Name: pr.FileName, Hash: strings.ToLower(strings.TrimSpace(pr.FileHash))}
		if pr.FileSize != nil {
			out.File.Size = int64(*pr.FileSize)
		}
	}
	if state == RemoteDone && out.File == nil && pr.FileHash != "" {
		return nil, &Error{Kind: KindMalformedResponse, Endpoint: endpointPoll, StatusCode: resp.status, Message: "file hash without file name"}
	}
	return out, nil
}

// Cancel asks the provider to stop a remote job.
func (c *Client) Cancel(ctx context.Context, token, remoteRef string) error {
	endpoint := c.cfg.APIURL + operations.Expand(c.cfg.CancelPath, map[string]string{"ticket": remoteRef})
	_, err := c.do(ctx, endpointCancel, true, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return nil, err
		}
		authorize(req, token)
		return req, nil
	})
	return err
}

// Download fetches a result file. The content type defaults to
// application/octet-stream.
func (c *Client) Download(ctx context.Context, token, remoteRef, fileName string) ([]byte, string, error) {
	endpoint := c.cfg.APIURL + operations.Expand(c.cfg.DownloadPath, map[string]string{"ticket": remoteRef, "file": fileName})
	resp, err := c.do(ctx, endpointDownload, true, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		authorize(req, token)
		req.Header.Set("Accept", "*/*")
		return req, nil
	})
	if err != nil {
		return nil, "", err
	}
	ct := resp.header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return resp.body, ct, nil
}

func authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do runs one logical call, retrying ServerError and Timeout when retryable.
func (c *Client) do(ctx context.Context, endpoint string, retryable bool, build func(context.Context) (*http.Request, error)) (*response, error) {
	policy := c.retry
	if !retryable {
		policy.MaxAttempts = 1
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.IncrementRemoteRetry(endpoint)
		c.logger.WarnContext(ctx, "retrying provider call",
			"endpoint", endpoint,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
	}

	var resp *response
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		r, err := c.attempt(ctx, endpoint, build)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, endpoint string, build func(context.Context) (*http.Request, error)) (*response, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "sunat."+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("sire.endpoint", endpoint))

	guarded := c.breaker != nil && endpoint != endpointToken
	if guarded && !c.breaker.Allow() {
		err := &Error{Kind: KindServerError, Endpoint: endpoint, Message: "provider circuit open"}
		c.finish(span, endpoint, start, err)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := build(callCtx)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		se := transportError(ctx, endpoint, err)
		c.record(ctx, guarded, se)
		c.finish(span, endpoint, start, se)
		return nil, se
	}
	defer res.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))

	limit := int64(maxErrorBody)
	if res.StatusCode < 300 {
		limit = c.cfg.MaxDownloadBytes
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		se := transportError(ctx, endpoint, err)
		c.record(ctx, guarded, se)
		c.finish(span, endpoint, start, se)
		return nil, se
	}
	if res.StatusCode < 300 && int64(len(body)) > limit {
		se := &Error{Kind: KindMalformedResponse, Endpoint: endpoint, StatusCode: res.StatusCode, Message: "response exceeds size limit"}
		c.record(ctx, guarded, nil)
		c.finish(span, endpoint, start, se)
		return nil, se
	}

	if res.StatusCode >= 300 {
		code, msg := providerError(body)
		se := &Error{Kind: kindForStatus(res.StatusCode), StatusCode: res.StatusCode, Code: code, Message: msg, Endpoint: endpoint}
		if se.Kind == KindServerError {
			c.record(ctx, guarded, se)
		} else {
			c.record(ctx, guarded, nil)
		}
		c.finish(span, endpoint, start, se)
		return nil, se
	}

	c.record(ctx, guarded, nil)
	c.finish(span, endpoint, start, nil)
	return &response{status: res.StatusCode, header: res.Header, body: body}, nil
}

// record feeds the breaker: server-side and network failures count against
// the provider, client errors do not.
func (c *Client) record(ctx context.Context, guarded bool, se *Error) {
	if !guarded {
		return
	}
	if se != nil && (se.Kind == KindServerError || se.Kind == KindTimeout || se.Kind == KindTransport) {
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.metrics.SetBreakerOpen(true)
			c.logger.WarnContext(ctx, "provider circuit opened", "breaker", c.breaker.Name())
		}
		return
	}
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.metrics.SetBreakerOpen(false)
		c.logger.InfoContext(ctx, "provider circuit closed", "breaker", c.breaker.Name())
	}
}

func (c *Client) finish(span trace.Span, endpoint string, start time.Time, se *Error) {
	outcome := "ok"
	if se != nil {
		outcome = string(se.Kind)
		span.SetStatus(codes.Error, string(se.Kind))
		span.RecordError(se)
	}
	c.metrics.ObserveRemoteCall(endpoint, outcome, start)
}
