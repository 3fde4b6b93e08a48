package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a provider failure so callers can pick fallback or abort.
type Kind string

const (
	// KindTransient covers network errors, rate limits and timeouts.
	KindTransient Kind = "transient"
	// KindFatal covers bad credentials and malformed requests.
	KindFatal Kind = "fatal"
	// KindParse means the response did not have the expected shape.
	KindParse Kind = "parse"
)

// Sentinels matched with errors.Is against any *Error of that kind.
var (
	ErrTransient = errors.New("transient provider error")
	ErrFatal     = errors.New("fatal provider error")
	ErrParse     = errors.New("unexpected provider response")
)

// Error is a typed provider failure.
type Error struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrFatal:
		return e.Kind == KindFatal
	case ErrParse:
		return e.Kind == KindParse
	}
	return false
}

// Transient wraps err as a transient failure of provider.
func Transient(provider string, err error) error {
	return &Error{Provider: provider, Kind: KindTransient, Err: err}
}

// Fatal wraps err as a fatal failure of provider.
func Fatal(provider string, err error) error {
	return &Error{Provider: provider, Kind: KindFatal, Err: err}
}

// Parse wraps err as a response-shape failure of provider.
func Parse(provider string, err error) error {
	return &Error{Provider: provider, Kind: KindParse, Err: err}
}

// Parsef builds a parse error from a format string.
func Parsef(provider, format string, args ...any) error {
	return Parse(provider, fmt.Errorf(format, args...))
}

// FromStatus maps a non-2xx HTTP status to a typed error.
func FromStatus(provider string, code int, body []byte) error {
	err := fmt.Errorf("status %d: %s", code, truncate(strings.TrimSpace(string(body)), 512))
	if IsRetryableStatus(code) {
		return Transient(provider, err)
	}
	return Fatal(provider, err)
}

// IsRetryableStatus reports whether an HTTP status is worth retrying elsewhere.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// KindOf returns the kind of a provider error, or "" for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Call runs fn with a per-call timeout. A raw error from fn is wrapped as
// transient; a deadline hit inside the call becomes a transient timeout.
func Call[T any](ctx context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := fn(ctx)
	if err == nil {
		return out, nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return out, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return out, Transient(name, fmt.Errorf("call timed out after %s: %w", timeout, err))
	}
	return out, Transient(name, err)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
