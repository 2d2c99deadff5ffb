// Package requestcontext carries request-scoped values through context so
// services can read them without importing net/http. Middleware sets them;
// tests inject a fixed clock with WithTime.
package requestcontext

import (
	"context"
	"time"
)

type key int

const (
	callerKey key = iota
	clientIPKey
	userAgentKey
	requestIDKey
	requestTimeKey
)

func lookup[T any](ctx context.Context, k key) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

func str(ctx context.Context, k key) string {
	s, _ := lookup[string](ctx, k)
	return s
}

// Caller is the upstream caller (ERP user or service) from X-Caller-ID.
func Caller(ctx context.Context) string { return str(ctx, callerKey) }

func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

func ClientIP(ctx context.Context) string { return str(ctx, clientIPKey) }

// UserAgent is the raw header; handlers summarize it before storing.
func UserAgent(ctx context.Context) string { return str(ctx, userAgentKey) }

func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey, clientIP)
	return context.WithValue(ctx, userAgentKey, userAgent)
}

func RequestID(ctx context.Context) string { return str(ctx, requestIDKey) }

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// Now returns the time stamped on the request, or time.Now() outside a
// request (scheduler ticks, CLI).
func Now(ctx context.Context) time.Time {
	if t, ok := lookup[time.Time](ctx, requestTimeKey); ok {
		return t
	}
	return time.Now()
}

// WithTime pins the clock for ctx. The RequestTime middleware stamps each
// request once so every expiry check within it agrees.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey, t)
}
