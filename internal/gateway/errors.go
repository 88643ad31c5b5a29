package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Class categorizes a provider failure for retry decisions.
type Class string

const (
	// Transient failures (network or provider hiccups) are retried by the
	// gateway up to the policy's attempt cap.
	Transient Class = "TRANSIENT"
	// Permanent failures (explicit rejection: bad credentials, unsupported
	// merchant) surface immediately with no retry.
	Permanent Class = "PERMANENT"
)

// ProviderError is a classified failure from an external collaborator.
type ProviderError struct {
	Class   Class
	Op      string // gateway operation: "start", "inject", ...
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Class, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable provider failure.
func TransientError(op, message string, err error) *ProviderError {
	return &ProviderError{Class: Transient, Op: op, Message: message, Err: err}
}

// PermanentError wraps err as a non-retryable provider failure.
func PermanentError(op, message string, err error) *ProviderError {
	return &ProviderError{Class: Permanent, Op: op, Message: message, Err: err}
}

// Classify maps an error to its retry class. Unclassified errors are
// treated as transient: the attempt cap still bounds them, and a provider
// that means "never retry" must say so with a PermanentError.
// Context cancellation and deadline errors are permanent for the current
// invocation - the caller owns any broader retry decision.
func Classify(err error) Class {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	return Transient
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return Classify(err) == Permanent
}

// ErrAttemptsExhausted wraps the last transient error once the attempt cap
// is reached.
var ErrAttemptsExhausted = errors.New("attempt cap exhausted")
