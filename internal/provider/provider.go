// Package provider defines the interface for email delivery backends and the
// error type they use to tell the queue whether a failure is worth retrying.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shineum/smtp-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// A provider makes exactly one delivery attempt per Send call; retry
// scheduling belongs to the delivery queue.
type Provider interface {
	// Send delivers an email message through this provider.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Kind classifies a delivery failure.
type Kind int

const (
	// Transient failures may succeed on a later attempt.
	Transient Kind = iota
	// Permanent failures will not succeed without a change to the message or
	// the provider configuration.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// SendError is returned by providers for a failed delivery attempt.
type SendError struct {
	Kind Kind
	// StatusCode is the upstream status when the provider speaks HTTP, else 0.
	StatusCode int
	// RetryAfter is the minimum wait the upstream asked for, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s send failure (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s send failure: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable failure.
func TransientError(err error) *SendError {
	return &SendError{Kind: Transient, Err: err}
}

// PermanentError wraps err as a failure that should not be retried.
func PermanentError(err error) *SendError {
	return &SendError{Kind: Permanent, Err: err}
}

// IsPermanent reports whether err carries a permanent SendError. Errors that
// are not SendErrors are treated as transient.
func IsPermanent(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind == Permanent
	}
	return false
}

// RetryAfter returns the upstream retry hint carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
