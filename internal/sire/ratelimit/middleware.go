package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"sire/internal/sire/metrics"
	"sire/pkg/platform/httputil"
	"sire/pkg/requestcontext"
)

// Class groups endpoints sharing one limit.
type Class string

const (
	// ClassCreate covers ticket creation.
	ClassCreate Class = "create"
	// ClassSession covers explicit session authentication.
	ClassSession Class = "session"
)

// Rule is the allowance for one class.
type Rule struct {
	Limit  int
	Window time.Duration
}

type Middleware struct {
	store   Store
	rules   map[Class]Rule
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Middleware)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) {
		m.metrics = mt
	}
}

// New builds the middleware. Classes without a positive rule are not limited.
func New(store Store, rules map[Class]Rule, opts ...Option) *Middleware {
	m := &Middleware{store: store, rules: rules, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Limit throttles requests of class per client IP. A failing store lets the
// request through.
func (m *Middleware) Limit(class Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		rule, ok := m.rules[class]
		if !ok || rule.Limit <= 0 || rule.Window <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := requestcontext.ClientIP(ctx)
			if ip == "" {
				ip = "unknown"
			}

			res, err := m.store.Allow(ctx, string(class)+":"+ip, rule.Limit, rule.Window)
			if err != nil {
				m.logger.ErrorContext(ctx, "rate limit check failed",
					"class", class,
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if !res.Allowed {
				m.metrics.IncrementRateLimited(string(class))
				m.logger.WarnContext(ctx, "rate limit exceeded",
					"class", class,
					"client_ip", ip,
					"request_id", requestcontext.RequestID(ctx),
				)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
				httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.ErrorResponse{
					Error:            "rate_limit_exceeded",
					ErrorDescription: "too many requests, retry later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
