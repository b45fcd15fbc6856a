// Package faults normalizes provider-specific failures into the three kinds
// the pipeline core acts on. Classification happens once, at the adapter
// boundary; everything above it branches on Kind alone.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind describes how a failure should be handled.
type Kind int

const (
	// KindRetryable failures (network blips, 5xx, throttling) are retried
	// with backoff up to the provider's attempt budget.
	KindRetryable Kind = iota
	// KindPermanent failures (invalid input, auth, hard quota) are never
	// retried; the item moves to failed immediately.
	KindPermanent
	// KindUnavailable means the collaborator itself is down. The current
	// batch stops claiming new items and leaves the rest for the next run.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error wraps an underlying failure with its handling kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable marks err as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRetryable, Err: err}
}

// Permanent marks err as permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Unavailable marks err as a collaborator outage.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUnavailable, Err: err}
}

// KindOf extracts the kind from a classified error. Unclassified errors
// report false and are treated as permanent by callers.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return KindPermanent, false
}

// IsRetryable reports whether err is classified retryable.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindRetryable
}

// IsPermanent reports whether err should not be retried. Unclassified errors
// count as permanent.
func IsPermanent(err error) bool {
	kind, _ := KindOf(err)
	return kind == KindPermanent
}

// IsUnavailable reports whether err is classified as a collaborator outage.
func IsUnavailable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindUnavailable
}

// Class returns the error class label recorded alongside failed items.
func Class(err error) string {
	kind, _ := KindOf(err)
	return kind.String()
}

// ClassifyStatus maps an HTTP response status to the taxonomy. Returns nil
// for 2xx.
func ClassifyStatus(op string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("%s: unexpected status %d", op, status)
	switch status {
	case http.StatusServiceUnavailable:
		return Unavailable(err)
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return Retryable(err)
	default:
		return Permanent(err)
	}
}

// ClassifyErr maps a transport-level error to the taxonomy. Context
// cancellation passes through unclassified so it is never retried.
func ClassifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Unavailable(fmt.Errorf("%s: %w", op, err))
	}
	return Retryable(fmt.Errorf("%s: %w", op, err))
}
