package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: optimistic version check failed (expected version stale)
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrAlreadyCompleted: mutation was already applied (idempotent replay)
// - ErrLocked: another worker holds the per-device drain lock
// - ErrUnavailable: service or resource temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyCompleted = errors.New("already completed")
	ErrLocked           = errors.New("locked")
	ErrUnavailable      = errors.New("unavailable")
)
