package inference

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass is the shared taxonomy provider clients translate into.
type ErrorClass string

const (
	// ErrClassClient is a malformed/invalid request. Never retried; surfaced
	// to the caller unchanged.
	ErrClassClient ErrorClass = "client"
	// ErrClassTransient covers timeouts, 5xx, and rate limiting. Retried via
	// failover.
	ErrClassTransient ErrorClass = "transient"
	// ErrClassPaymentRequired is provider-side credit exhaustion. Retried.
	ErrClassPaymentRequired ErrorClass = "payment_required"
	// ErrClassProviderAuth is invalid upstream credentials. Retried, but
	// logged loudly since it indicates misconfiguration rather than load.
	ErrClassProviderAuth ErrorClass = "provider_auth"
	// ErrClassModelNotFound means the provider does not know the model id.
	// Retried on the next candidate.
	ErrClassModelNotFound ErrorClass = "model_not_found"
)

// Retryable reports whether the failover executor may continue to the next
// candidate after an error of this class.
func (c ErrorClass) Retryable() bool {
	return c != ErrClassClient
}

// ClassifiedError wraps a provider failure with its taxonomy class.
type ClassifiedError struct {
	Class      ErrorClass
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Class)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (%s)", e.Provider, e.Err, e.Class)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Class)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// ClassOf extracts the taxonomy class from an error chain. Caller
// cancellation maps to ErrClassClient (terminal); anything unclassified is
// treated as transient so the chain keeps moving.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) {
		return ErrClassClient
	}
	return ErrClassTransient
}
