// Package ingesterr implements the error taxonomy and retry policy
// described by the indexer's error-handling design: every boundary
// call returns a tagged result, and retryable-vs-fatal is a property
// of the error kind rather than the call site.
package ingesterr

import "fmt"

// Kind classifies an error for the retry wrapper and for metrics.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindIngest        Kind = "ingest"
	KindDatabase      Kind = "database"
	KindHTTP          Kind = "http"
	KindRateLimit     Kind = "rate_limit"
	KindIO            Kind = "io"
	KindCheckpoint    Kind = "checkpoint"
	KindInternal      Kind = "internal"
)

// Error wraps an underlying cause with a Kind and, for RateLimit
// errors, an optional server-provided retry-after hint.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter *int // seconds, RateLimit only
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind, or returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithRetryAfter wraps a RateLimit error carrying a retry-after hint.
func WithRetryAfter(op string, err error, seconds int) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRateLimit, Op: op, Err: err, RetryAfter: &seconds}
}

// Retryable reports whether err's kind is one the retry wrapper should
// attempt again: Database, HTTP, RateLimit, IO, and Checkpoint.
func Retryable(err error) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	switch e.Kind {
	case KindDatabase, KindHTTP, KindRateLimit, KindIO, KindCheckpoint:
		return true
	default:
		return false
	}
}

// Fatal reports whether err's kind should abort the process at
// startup (Configuration) or terminate it unconditionally (Internal).
func Fatal(err error) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == KindConfiguration || e.Kind == KindInternal
}

// KindOf extracts the Kind, or KindInternal if err isn't a tagged Error.
func KindOf(err error) Kind {
	var e *Error
	if !asError(err, &e) {
		return KindInternal
	}
	return e.Kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
