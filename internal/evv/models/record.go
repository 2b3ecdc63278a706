package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
)

// RecordStatus is the submission lifecycle of an EVV record.
type RecordStatus string

const (
	RecordDraft     RecordStatus = "DRAFT"
	RecordComplete  RecordStatus = "COMPLETE"
	RecordSubmitted RecordStatus = "SUBMITTED"
	RecordRejected  RecordStatus = "REJECTED"
)

// IsValid checks the record status is one of the supported values.
func (s RecordStatus) IsValid() bool {
	switch s {
	case RecordDraft, RecordComplete, RecordSubmitted, RecordRejected:
		return true
	}
	return false
}

// LocationVerification is one GPS sample checked against a service address.
//
// GeofencePassed is derived, never hand-set:
// distance <= jurisdiction tolerance. AccuracyTooCoarse and SuspectedMock
// are independent quality flags; neither blocks the verification outcome
// on its own.
type LocationVerification struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp"`

	DistanceFromAddressMeters float64 `json:"distance_from_address_meters"`
	GeofencePassed            bool    `json:"geofence_passed"`
	AccuracyTooCoarse         bool    `json:"accuracy_too_coarse"`
	SuspectedMock             bool    `json:"suspected_mock"`
}

// EVVRecord is the compliance artifact proving one visit's time and place.
//
// Invariants:
//   - ClockInAt <= ClockOutAt when both are present.
//   - Checksum is computed exactly once, when the record becomes COMPLETE.
//     Later changes to checksummed fields set ChecksumInvalidated; the
//     checksum is never silently recomputed.
type EVVRecord struct {
	ID           id.RecordID    `json:"id"`
	VisitID      id.VisitID     `json:"visit_id"`
	ClientID     id.ClientID    `json:"client_id"`
	CaregiverID  id.CaregiverID `json:"caregiver_id"`
	Jurisdiction string         `json:"jurisdiction"`
	ServiceCode  string         `json:"service_code"`

	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	ClockInAt      *time.Time `json:"clock_in_at,omitempty"`
	ClockOutAt     *time.Time `json:"clock_out_at,omitempty"`

	ClockInVerification  *LocationVerification `json:"clock_in_verification,omitempty"`
	ClockOutVerification *LocationVerification `json:"clock_out_verification,omitempty"`

	// GeofenceOverrideReason documents a coordinator's decision to accept a
	// failed geofence check. Empty unless an override was applied.
	GeofenceOverrideReason string `json:"geofence_override_reason,omitempty"`

	Status              RecordStatus `json:"status"`
	Checksum            string       `json:"checksum,omitempty"`
	ChecksumInvalidated bool         `json:"checksum_invalidated"`

	SubmissionID   string `json:"submission_id,omitempty"`
	ConfirmationID string `json:"confirmation_id,omitempty"`
	LastError      string `json:"last_error,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Finalize marks the record COMPLETE and stamps the integrity checksum.
// Calling it twice, or with inconsistent clock times, is an error.
func (r *EVVRecord) Finalize(at time.Time) error {
	if r.Status != RecordDraft {
		return dErrors.Newf(dErrors.CodeValidationFailed, "record %s is %s, only DRAFT records can be finalized", r.ID, r.Status)
	}
	if r.ClockInAt == nil || r.ClockOutAt == nil {
		return dErrors.New(dErrors.CodeValidationFailed, "record needs both clock-in and clock-out before finalize")
	}
	if r.ClockOutAt.Before(*r.ClockInAt) {
		return dErrors.New(dErrors.CodeValidationFailed, "clock-out precedes clock-in")
	}
	r.Status = RecordComplete
	r.Checksum = r.computeChecksum()
	r.ChecksumInvalidated = false
	r.UpdatedAt = at
	return nil
}

// ChecksumValid recomputes the integrity hash over the immutable fields and
// compares it to the stored value. A finalized record whose fields changed
// afterwards fails this check.
func (r *EVVRecord) ChecksumValid() bool {
	if r.Checksum == "" {
		return false
	}
	return r.Checksum == r.computeChecksum()
}

// computeChecksum hashes the fields that are immutable once COMPLETE.
// Submission metadata (confirmation id, errors) is deliberately excluded:
// it changes after finalize without invalidating the capture itself.
func (r *EVVRecord) computeChecksum() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		r.ID, r.VisitID, r.ClientID, r.CaregiverID, r.Jurisdiction, r.ServiceCode)
	if r.ClockInAt != nil {
		fmt.Fprintf(h, "|in:%d", r.ClockInAt.UnixNano())
	}
	if r.ClockOutAt != nil {
		fmt.Fprintf(h, "|out:%d", r.ClockOutAt.UnixNano())
	}
	for _, v := range []*LocationVerification{r.ClockInVerification, r.ClockOutVerification} {
		if v == nil {
			continue
		}
		fmt.Fprintf(h, "|%0.6f,%0.6f,%0.1f,%d,%t",
			v.Latitude, v.Longitude, v.AccuracyMeters, v.Timestamp.UnixNano(), v.GeofencePassed)
	}
	return hex.EncodeToString(h.Sum(nil))
}
