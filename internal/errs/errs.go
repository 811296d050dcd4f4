// Package errs defines the failure kinds shared by the ingestion pipeline.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry and reporting decisions
type Kind string

// Failure kinds
const (
	Unknown             Kind = "unknown"
	NetworkTransient    Kind = "network_transient"
	RateLimited         Kind = "rate_limited"
	Unauthenticated     Kind = "unauthenticated"
	Unavailable         Kind = "unavailable"
	MalformedResponse   Kind = "malformed_response"
	DataQuality         Kind = "data_quality"
	ConstraintViolation Kind = "constraint_violation"
	StoreUnavailable    Kind = "store_unavailable"
	Cancelled           Kind = "cancelled"
	NotFound            Kind = "not_found"
	InvalidRequest      Kind = "invalid_request"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

// E builds an *Error for op
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost *Error in err's chain. Context
// cancellation and deadlines map to Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Unknown
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the orchestrator may retry a fetch failing with err
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkTransient, RateLimited, Unavailable:
		return true
	}
	return false
}

// RetryAfterOf returns the provider's retry-after hint carried by err, if any
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
