// Package errs classifies the failure taxonomy described in spec.md §7 so
// callers can branch on cause rather than string-matching error text. Every
// wrapped cause follows the rest of this module's convention:
// fmt.Errorf("...: %w", err).
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure a caller may want to branch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindAuthTimeout
	KindBadCredentials
	KindClockSkew
	KindRateLimit
	KindOrderRejected
	KindExchangeDown
	KindNetwork
	KindClosedNormal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindAuthTimeout:
		return "auth_timeout"
	case KindBadCredentials:
		return "bad_credentials"
	case KindClockSkew:
		return "clock_skew"
	case KindRateLimit:
		return "rate_limit"
	case KindOrderRejected:
		return "order_rejected"
	case KindExchangeDown:
		return "exchange_down"
	case KindNetwork:
		return "network"
	case KindClosedNormal:
		return "closed_normal"
	default:
		return "unknown"
	}
}

// Error is the classified error type returned by core components.
type Error struct {
	Kind       Kind
	HTTPStatus int // 0 if not HTTP-sourced
	RetryAfter int // seconds; 0 if not provided
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds a classified error wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Newf builds a classified error from a format string, the way the rest of
// this module wraps errors.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: fmt.Errorf(format, args...)}
}

// WithHTTP attaches the originating HTTP status and optional Retry-After
// seconds.
func (e *Error) WithHTTP(status, retryAfter int) *Error {
	e.HTTPStatus = status
	e.RetryAfter = retryAfter
	return e
}

// Is reports whether err is a classified Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ClassifyHTTPStatus maps an HTTP status code to a Kind (spec.md §4.2,
// §7). 429 is rate limiting; 401/403 are auth failures; 5xx means the
// exchange itself is unhealthy.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 401 || status == 403:
		return KindAuth
	case status >= 500:
		return KindExchangeDown
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}

// badCredentialPatterns and clockSkewPatterns enumerate the auth-failure
// text families the private stream sends in its authKeyExpires response
// (spec.md §4.1). Bad-credential patterns are checked first since
// "expired" alone would otherwise be ambiguous with a clock-skew phrase.
var badCredentialPatterns = []string{
	"signature not valid",
	"invalid api key",
	"invalid secret",
	"unauthorized",
	"forbidden",
	"permission denied",
	"bad credentials",
}

var clockSkewPatterns = []string{
	"timestamp",
	"expired",
	"too far in the future",
	"too far in the past",
	"clock skew",
}

// ClassifyAuthText maps the auth-response error text the exchange sends
// over the private stream to a Kind (spec.md §4.1). The match is
// case-insensitive substring matching, mirroring what the exchange's own
// free-text error messages require.
func ClassifyAuthText(text string) Kind {
	lower := strings.ToLower(text)
	for _, p := range badCredentialPatterns {
		if strings.Contains(lower, p) {
			return KindBadCredentials
		}
	}
	for _, p := range clockSkewPatterns {
		if strings.Contains(lower, p) {
			return KindClockSkew
		}
	}
	return KindAuth
}

// ClassifyCloseCode maps a WebSocket close code to a Kind, distinguishing
// a server-initiated policy close (likely bad credentials or a stale
// session), a server internal error (exchange down), a clean terminal
// close, and an ordinary network drop that
// warrants a plain reconnect (spec.md §6.1 close-code policy: 1000 is
// terminal, 1006/1011/others reconnect).
func ClassifyCloseCode(code int) Kind {
	switch code {
	case 1000:
		return KindClosedNormal
	case 1008:
		return KindAuth
	case 1011:
		return KindExchangeDown
	default:
		return KindNetwork
	}
}
