// Package ports defines shared interfaces for the sync module.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks QueueStore,ConflictStore,EntityStore,Locker

import (
	"context"
	"encoding/json"
	"time"

	"caretrack/internal/sync/models"
	id "caretrack/pkg/domain"
)

// QueueStore persists sync queue entries with optimistic concurrency.
type QueueStore interface {
	// Get returns the entry or sentinel.ErrNotFound.
	Get(ctx context.Context, entryID id.EntryID) (*models.SyncQueueEntry, error)

	// Create persists a new entry at version 1.
	Create(ctx context.Context, entry *models.SyncQueueEntry) error

	// Update persists changes if the stored version matches expectedVersion,
	// then increments the version. Mismatch returns sentinel.ErrConflict.
	Update(ctx context.Context, entry *models.SyncQueueEntry, expectedVersion int64) error

	// NextSequence reserves the next sequence number for a device.
	// Monotonically increasing per device, never reused.
	NextSequence(ctx context.Context, deviceID id.DeviceID) (int64, error)

	// ListOpenByDevice returns the device's non-terminal entries ordered by
	// sequence number ascending.
	ListOpenByDevice(ctx context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error)

	// PendingDevices returns devices with at least one non-terminal entry,
	// ordered so devices holding CRITICAL work come first.
	PendingDevices(ctx context.Context) ([]id.DeviceID, error)

	// ListNeedsReconciliation returns the device's entries parked with an
	// unknown submission outcome, oldest first.
	ListNeedsReconciliation(ctx context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error)
}

// ConflictStore persists detected sync conflicts.
type ConflictStore interface {
	// Get returns the conflict or sentinel.ErrNotFound.
	Get(ctx context.Context, conflictID id.ConflictID) (*models.SyncConflict, error)

	Create(ctx context.Context, conflict *models.SyncConflict) error

	Update(ctx context.Context, conflict *models.SyncConflict) error

	// ListOpen returns conflicts still awaiting resolution, oldest first.
	ListOpen(ctx context.Context) ([]*models.SyncConflict, error)
}

// EntityState is the server's current view of one entity.
type EntityState struct {
	Payload   json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// EntityStore is the authoritative record store queued mutations replay
// into. Implementations adapt the concrete domain stores (visits, EVV
// records, notes) behind a uniform type+id surface.
type EntityStore interface {
	// Get returns the current state or sentinel.ErrNotFound.
	Get(ctx context.Context, entityType, entityID string) (*EntityState, error)

	// Create persists a new entity. An existing entity with the same id
	// returns sentinel.ErrConflict.
	Create(ctx context.Context, entityType, entityID string, payload json.RawMessage) error

	// Update replaces the entity if the stored version matches
	// expectedVersion. Mismatch returns sentinel.ErrConflict.
	Update(ctx context.Context, entityType, entityID string, payload json.RawMessage, expectedVersion int64) error

	// Delete removes the entity if the stored version matches
	// expectedVersion.
	Delete(ctx context.Context, entityType, entityID string, expectedVersion int64) error
}

// Locker serializes drains per device. Concurrent drains of the same
// device would break sequence-number ordering.
type Locker interface {
	// Acquire takes the named lock for ttl. Returns ok=false, without
	// error, when another holder has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}
