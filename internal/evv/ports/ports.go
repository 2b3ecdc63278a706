// Package ports defines shared interfaces for the evv module.
// Interfaces are placed here when consumed by multiple services to avoid duplication.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks AuditPublisher,VisitStore,RecordStore

import (
	"context"

	"caretrack/internal/evv/models"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/audit"
)

// AuditPublisher emits audit events for compliance-relevant operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// VisitStore persists visits with optimistic concurrency.
type VisitStore interface {
	// Get returns the visit or sentinel.ErrNotFound.
	Get(ctx context.Context, visitID id.VisitID) (*models.Visit, error)

	// Create persists a new visit at version 1.
	Create(ctx context.Context, visit *models.Visit) error

	// Update persists changes if the stored version matches expectedVersion,
	// then increments the version. Mismatch returns sentinel.ErrConflict.
	Update(ctx context.Context, visit *models.Visit, expectedVersion int64) error

	// ListByCaregiver returns the caregiver's visits ordered by scheduled start.
	ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID) ([]*models.Visit, error)
}

// RecordStore persists EVV records with optimistic concurrency.
type RecordStore interface {
	// Get returns the record or sentinel.ErrNotFound.
	Get(ctx context.Context, recordID id.RecordID) (*models.EVVRecord, error)

	// GetByVisit returns the record for a visit or sentinel.ErrNotFound.
	// A visit has at most one EVV record.
	GetByVisit(ctx context.Context, visitID id.VisitID) (*models.EVVRecord, error)

	// Create persists a new record at version 1.
	Create(ctx context.Context, record *models.EVVRecord) error

	// Update persists changes if the stored version matches expectedVersion,
	// then increments the version. Mismatch returns sentinel.ErrConflict.
	Update(ctx context.Context, record *models.EVVRecord, expectedVersion int64) error
}
