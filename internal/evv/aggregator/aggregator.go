// Package aggregator implements the vendor submission adapters. Each
// adapter speaks one external wire protocol; how many jurisdictions an
// adapter instance serves is the registry's concern, not the adapter's.
package aggregator

//go:generate mockgen -source=aggregator.go -destination=mocks/mocks.go -package=mocks Adapter,Validator

import (
	"context"
	"errors"
	"fmt"

	"caretrack/internal/evv/models"
	"caretrack/internal/evv/rules"
)

// Adapter submits finalized EVV records to one vendor.
type Adapter interface {
	ID() rules.AggregatorID

	// Submit transmits the record. Vendor-side payload rejections come
	// back as an unsuccessful SubmissionResult with the vendor's code and
	// message; transport and authentication failures are errors
	// (TransportError / AuthError).
	Submit(ctx context.Context, record *models.EVVRecord, rs rules.RuleSet) (*models.SubmissionResult, error)
}

// Validator is optionally implemented by adapters with vendor-specific
// pre-submission checks. The router supplies a permissive default for
// adapters that skip it; they are not required to duplicate generic checks.
type Validator interface {
	Validate(record *models.EVVRecord, rs rules.RuleSet) *models.ValidationResult
}

// TransportError is a network-level failure reaching the vendor: timeouts,
// connection resets, 5xx responses. Retryable with backoff.
type TransportError struct {
	Vendor rules.AggregatorID
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport failure: %v", e.Vendor, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is an authentication or configuration failure against the
// vendor. Fatal: operators must intervene, automatic retry is pointless.
type AuthError struct {
	Vendor rules.AggregatorID
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failure: %v", e.Vendor, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsRetryable reports whether a submission error warrants a queued retry.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsAuthFailure reports whether a submission error needs operator attention.
func IsAuthFailure(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
