// Package dErrors provides coded domain errors for the pipeline.
//
// Stores and infrastructure return sentinel errors (pkg/platform/sentinel);
// services translate them into coded errors here so transport layers can
// map a code to an HTTP status and callers can branch on failure class
// without string matching.
package dErrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error per the pipeline's failure taxonomy.
type Code string

const (
	// CodeInvalidInput: malformed request data (bad UUID, missing field).
	CodeInvalidInput Code = "invalid_input"
	// CodeValidationFailed: a record or transition is structurally invalid.
	// Recoverable by the caller correcting input; never retried automatically.
	CodeValidationFailed Code = "validation_failed"
	// CodeNotFound: the referenced entity does not exist.
	CodeNotFound Code = "not_found"
	// CodeConflict: optimistic version mismatch or duplicate mutation.
	CodeConflict Code = "conflict"
	// CodeUnauthorized: the actor is not allowed to drive this operation.
	CodeUnauthorized Code = "unauthorized"
	// CodeTransport: network or timeout failure reaching an aggregator.
	// Retried with backoff by the offline sync queue.
	CodeTransport Code = "transport_failure"
	// CodeVendorRejected: the aggregator accepted the connection but
	// rejected the payload. Not retried without a record change.
	CodeVendorRejected Code = "vendor_rejected"
	// CodeConfiguration: unknown jurisdiction or missing adapter wiring.
	// Fatal at startup or loudly alerted, never silently defaulted.
	CodeConfiguration Code = "configuration_error"
	// CodeInternal: unexpected failure; details stay server-side.
	CodeInternal Code = "internal_error"
)

// Error carries a classification code alongside the message and cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error with no underlying cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
// A nil err returns nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal
// for errors that were never classified.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf extracts the human-readable message from a coded error.
// Unclassified errors return an empty string so transports never leak
// internal details by accident.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}
