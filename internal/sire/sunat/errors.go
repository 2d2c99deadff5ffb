package sunat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindRateLimited       Kind = "rate_limited"
	KindServerError       Kind = "server_error"
	KindMalformedResponse Kind = "malformed_response"
	KindTimeout           Kind = "timeout"
	KindTransport         Kind = "transport"
	KindRejected          Kind = "rejected"
	KindConflict          Kind = "conflict"
)

// Error is the only error type returned by the client. Transport errors never
// escape unwrapped.
type Error struct {
	Kind       Kind
	StatusCode int
	// Code is the provider's error code (SIRE001.., invalid_grant) when the body carried one.
	Code     string
	Message  string
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("sunat ")
	b.WriteString(e.Endpoint)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the client retries this failure itself.
func (e *Error) Retryable() bool {
	return e.Kind == KindServerError || e.Kind == KindTimeout
}

// Transient reports whether a later attempt may succeed. Ticket handling
// treats these as warnings rather than definitive failures.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindServerError, KindTimeout, KindTransport, KindRateLimited:
		return true
	}
	return false
}

// IsRetryable is the retry classifier for provider calls.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Retryable()
}

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Transient()
}

// KindOf returns the Kind of a provider error.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsKind reports whether err is a provider error of kind k.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// kindForStatus maps a non-2xx status to a Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= http.StatusInternalServerError:
		return KindServerError
	}
	return KindRejected
}

// transportError classifies a failed round trip. parent is the caller's
// context, so a caller cancellation is not mistaken for a provider timeout.
func transportError(parent context.Context, endpoint string, err error) *Error {
	if parent.Err() == nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &Error{Kind: KindTimeout, Endpoint: endpoint, Message: "request timed out", Err: err}
		}
	}
	return &Error{Kind: KindTransport, Endpoint: endpoint, Message: "request failed", Err: err}
}

// providerError extracts the provider's code and message from an error body.
// The provider uses several shapes across endpoints.
func providerError(body []byte) (code, msg string) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", truncate(strings.TrimSpace(string(body)), 200)
	}
	code = firstString(fields, "codigo_error", "cod", "code", "error")
	msg = firstString(fields, "detalle_error", "msg", "mensaje", "message", "error_description", "desMensaje")
	if msg == "" {
		if errs, ok := fields["errors"].([]any); ok && len(errs) > 0 {
			if first, ok := errs[0].(map[string]any); ok {
				if code == "" {
					code = firstString(first, "cod", "code")
				}
				msg = firstString(first, "msg", "message")
			}
		}
	}
	return code, msg
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
