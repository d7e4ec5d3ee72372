package llm

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classes a completion can produce.
type ErrorKind string

const (
	// KindTimeout means the call deadline expired before a reply arrived.
	KindTimeout ErrorKind = "timeout"
	// KindUnavailable covers transport failures, 5xx replies, an open
	// circuit breaker, and concurrency-slot exhaustion.
	KindUnavailable ErrorKind = "unavailable"
	// KindQuotaExceeded means the provider rate-limited the request.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	// KindMalformedResponse means the provider answered but the reply failed
	// schema validation or was empty.
	KindMalformedResponse ErrorKind = "malformed_response"
	// KindAuth means the provider rejected the credential.
	KindAuth ErrorKind = "auth"
)

// Error is the typed failure returned by Client. Messages have already been
// through redaction; they are safe to log.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

// Retryable reports whether retrying the same call can succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindUnavailable, KindQuotaExceeded:
		return true
	default:
		return false
	}
}

// KindOf extracts the error kind, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind checks whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
