// Package audit captures the compliance-relevant actions of the pipeline.
// Events are transport-agnostic so stores and sinks can fan out.
package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance.
	// These require tamper-proof storage and long retention (e.g., 7 years).
	// Examples: EVV submissions, conflict resolutions, geofence overrides.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers events useful for debugging and operational
	// visibility. These can be sampled or aggregated with shorter retention.
	// Examples: queue drains, transient transport failures.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions.
type Event struct {
	Category     EventCategory `json:"category"`
	Timestamp    time.Time     `json:"timestamp"`
	Action       string        `json:"action"`
	VisitID      string        `json:"visit_id,omitempty"`
	RecordID     string        `json:"record_id,omitempty"`
	EntryID      string        `json:"entry_id,omitempty"`
	ConflictID   string        `json:"conflict_id,omitempty"`
	Jurisdiction string        `json:"jurisdiction,omitempty"`
	Aggregator   string        `json:"aggregator,omitempty"`
	// ActorID tracks who performed the action (caregiver or coordinator).
	ActorID  string `json:"actor_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	// DevicePlatform is the parsed client platform for field captures.
	DevicePlatform string `json:"device_platform,omitempty"`
	// RequestID is the correlation id from HTTP request context.
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Actions emitted by the pipeline.
const (
	EventClockInRecorded        = "clock_in_recorded"
	EventClockOutRecorded       = "clock_out_recorded"
	EventGeofenceFailed         = "geofence_check_failed"
	EventGeofenceOverridden     = "geofence_override_applied"
	EventVisitStatusChanged     = "visit_status_changed"
	EventRecordSubmitted        = "evv_record_submitted"
	EventRecordRejected         = "evv_record_rejected"
	EventSubmissionUnknown      = "evv_submission_unknown_outcome"
	EventChecksumInvalidated    = "evv_checksum_invalidated"
	EventConflictDetected       = "sync_conflict_detected"
	EventConflictResolved       = "sync_conflict_resolved"
	EventQueueEntryDeadLettered = "sync_entry_dead_lettered"
)

// Store persists audit events. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, event Event) error
}
