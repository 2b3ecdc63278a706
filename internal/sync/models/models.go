// Package models defines the offline sync domain: queue entries carrying
// mutations captured while disconnected, and the conflicts detected when
// those mutations are replayed against a moved-on server state.
package models

import (
	"encoding/json"
	"time"

	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
)

// Operation is the kind of mutation a queue entry replays.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	OpMerge  Operation = "MERGE"
)

func (o Operation) IsValid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpMerge:
		return true
	}
	return false
}

// Priority orders queue processing when connectivity returns. CRITICAL is
// reserved for compliance captures (clock-in/out); those flush first.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Rank returns the processing order, lower first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

func (p Priority) IsValid() bool { return p.Rank() < 4 }

// EntryStatus is the replay lifecycle of one queue entry.
//
// PENDING -> IN_PROGRESS -> {COMPLETED | FAILED | CONFLICT | BLOCKED}.
// FAILED returns to PENDING under the retry policy; BLOCKED returns to
// PENDING when its dependency completes. NEEDS_RECONCILIATION is the
// distinguished "sent to vendor, outcome unknown" state: an in-flight
// submission cancelled after the wire write must never be retried blindly
// or treated as simply failed.
type EntryStatus string

const (
	EntryPending             EntryStatus = "PENDING"
	EntryInProgress          EntryStatus = "IN_PROGRESS"
	EntryCompleted           EntryStatus = "COMPLETED"
	EntryFailed              EntryStatus = "FAILED"
	EntryConflict            EntryStatus = "CONFLICT"
	EntryBlocked             EntryStatus = "BLOCKED"
	EntryNeedsReconciliation EntryStatus = "NEEDS_RECONCILIATION"
)

// IsTerminal reports whether the entry will never be processed again
// without operator action.
func (s EntryStatus) IsTerminal() bool {
	switch s {
	case EntryCompleted, EntryFailed, EntryConflict, EntryNeedsReconciliation:
		return true
	}
	return false
}

// Entity types the queue knows how to replay. EVV records additionally
// continue into the compliance router after the store write.
const (
	EntityEVVRecord = "evv_record"
	EntityVisit     = "visit"
	EntityVisitNote = "visit_note"
)

// SyncQueueEntry is one durable pending mutation.
//
// Ordering invariants:
//   - entries from one device replay in non-decreasing SequenceNumber order
//   - DependsOn entries must be COMPLETED before this entry is eligible
type SyncQueueEntry struct {
	ID       id.EntryID  `json:"id"`
	DeviceID id.DeviceID `json:"device_id"`

	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload"`

	// BaseVersion is the entity version this mutation was built against.
	// Divergence from the server's current version at replay time is a
	// conflict, never a silent overwrite.
	BaseVersion int64 `json:"base_version"`

	SequenceNumber int64        `json:"sequence_number"`
	DependsOn      []id.EntryID `json:"depends_on,omitempty"`
	Priority       Priority     `json:"priority"`

	Status        EntryStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	LastError     string      `json:"last_error,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks an entry from a trust boundary before it is accepted.
func (e *SyncQueueEntry) Validate() error {
	if e.DeviceID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "device id is required")
	}
	if e.EntityType == "" || e.EntityID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "entity type and id are required")
	}
	if !e.Operation.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown operation %q", e.Operation)
	}
	if !e.Priority.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown priority %q", e.Priority)
	}
	if e.Operation != OpDelete && len(e.Payload) == 0 {
		return dErrors.Newf(dErrors.CodeInvalidInput, "%s entry requires a payload", e.Operation)
	}
	return nil
}

// ConflictType classifies what diverged.
type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "UPDATE_UPDATE"
	ConflictUpdateDelete ConflictType = "UPDATE_DELETE"
	ConflictDeleteUpdate ConflictType = "DELETE_UPDATE"
	ConflictCreateCreate ConflictType = "CREATE_CREATE"
)

// ResolutionStrategy decides which side of a conflict wins.
type ResolutionStrategy string

const (
	ResolveClientWins ResolutionStrategy = "CLIENT_WINS"
	ResolveServerWins ResolutionStrategy = "SERVER_WINS"
	// ResolveNewestWins compares authoritative server timestamps, never the
	// device clock.
	ResolveNewestWins ResolutionStrategy = "NEWEST_WINS"
	// ResolveFieldMerge merges non-overlapping field sets automatically;
	// overlapping fields escalate to manual.
	ResolveFieldMerge ResolutionStrategy = "FIELD_MERGE"
	ResolveManual     ResolutionStrategy = "MANUAL"
)

func (r ResolutionStrategy) IsValid() bool {
	switch r {
	case ResolveClientWins, ResolveServerWins, ResolveNewestWins, ResolveFieldMerge, ResolveManual:
		return true
	}
	return false
}

// ConflictStatus is the conflict lifecycle:
// DETECTED -> (auto path | PENDING_MANUAL) -> RESOLVED | EXPIRED.
type ConflictStatus string

const (
	ConflictDetected      ConflictStatus = "DETECTED"
	ConflictPendingManual ConflictStatus = "PENDING_MANUAL"
	ConflictResolved      ConflictStatus = "RESOLVED"
	ConflictExpired       ConflictStatus = "EXPIRED"
)

// IsOpen reports whether the conflict still needs a resolution.
func (s ConflictStatus) IsOpen() bool {
	return s == ConflictDetected || s == ConflictPendingManual
}

// SyncConflict captures a detected divergence between a queued mutation and
// the server's current state of the same entity. Both sides are kept whole;
// nothing is dropped before a resolution is recorded.
type SyncConflict struct {
	ID      id.ConflictID `json:"id"`
	EntryID id.EntryID    `json:"entry_id"`

	EntityType string       `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	DeviceID   id.DeviceID  `json:"device_id"`
	Type       ConflictType `json:"type"`

	LocalPayload  json.RawMessage `json:"local_payload,omitempty"`
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`
	LocalVersion  int64           `json:"local_version"`
	RemoteVersion int64           `json:"remote_version"`

	// RemoteUpdatedAt is the server-side timestamp of the current entity
	// state. LocalReceivedAt is when the server accepted the queued
	// mutation. Newest-wins compares these two; the device clock is never
	// consulted.
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
	LocalReceivedAt time.Time `json:"local_received_at"`

	// DivergentFields lists the top-level fields whose values differ
	// between the two payloads.
	DivergentFields []string `json:"divergent_fields,omitempty"`

	Status          ConflictStatus     `json:"status"`
	Resolution      ResolutionStrategy `json:"resolution,omitempty"`
	ResolvedPayload json.RawMessage    `json:"resolved_payload,omitempty"`
	ResolvedBy      id.CaregiverID     `json:"resolved_by,omitempty"`

	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
