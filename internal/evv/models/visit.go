package models

import (
	"time"

	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
)

// VisitStatus is the lifecycle state of a scheduled care episode.
type VisitStatus string

const (
	StatusDraft           VisitStatus = "DRAFT"
	StatusScheduled       VisitStatus = "SCHEDULED"
	StatusUnassigned      VisitStatus = "UNASSIGNED"
	StatusAssigned        VisitStatus = "ASSIGNED"
	StatusConfirmed       VisitStatus = "CONFIRMED"
	StatusEnRoute         VisitStatus = "EN_ROUTE"
	StatusArrived         VisitStatus = "ARRIVED"
	StatusInProgress      VisitStatus = "IN_PROGRESS"
	StatusPaused          VisitStatus = "PAUSED"
	StatusCompleted       VisitStatus = "COMPLETED"
	StatusIncomplete      VisitStatus = "INCOMPLETE"
	StatusCancelled       VisitStatus = "CANCELLED"
	StatusNoShowClient    VisitStatus = "NO_SHOW_CLIENT"
	StatusNoShowCaregiver VisitStatus = "NO_SHOW_CAREGIVER"
	StatusRejected        VisitStatus = "REJECTED"
)

// IsValid checks the status is one of the supported lifecycle states.
func (s VisitStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusUnassigned, StatusAssigned,
		StatusConfirmed, StatusEnRoute, StatusArrived, StatusInProgress,
		StatusPaused, StatusCompleted, StatusIncomplete, StatusCancelled,
		StatusNoShowClient, StatusNoShowCaregiver, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether the lifecycle ends at this status.
// NO_SHOW_CAREGIVER and REJECTED are not terminal: both may transition
// back to ASSIGNED on reassignment.
func (s VisitStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusIncomplete, StatusCancelled, StatusNoShowClient:
		return true
	}
	return false
}

// ParseVisitStatus validates a status string from a trust boundary.
func ParseVisitStatus(s string) (VisitStatus, error) {
	status := VisitStatus(s)
	if !status.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown visit status %q", s)
	}
	return status, nil
}

func (s VisitStatus) String() string { return string(s) }

// StatusChange is one entry in a visit's append-only status history.
type StatusChange struct {
	From      VisitStatus    `json:"from"`
	To        VisitStatus    `json:"to"`
	At        time.Time      `json:"at"`
	Actor     id.CaregiverID `json:"actor"`
	Automatic bool           `json:"automatic"`
	Reason    string         `json:"reason,omitempty"`
}

// GeoPoint is the service address coordinate a geofence is anchored on.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Visit is a scheduled care episode.
//
// Invariants:
//   - StatusHistory is append-only; it is never rewritten.
//   - Status always equals the To of the last history entry.
//   - Mutations go through the store's optimistic version check; Version is
//     incremented by the store, never by callers.
type Visit struct {
	ID             id.VisitID     `json:"id"`
	ClientID       id.ClientID    `json:"client_id"`
	CaregiverID    id.CaregiverID `json:"caregiver_id"`
	Jurisdiction   string         `json:"jurisdiction"`
	ServiceCode    string         `json:"service_code"`
	Address        GeoPoint       `json:"address"`
	ScheduledStart time.Time      `json:"scheduled_start"`
	ScheduledEnd   time.Time      `json:"scheduled_end"`
	ActualStart    *time.Time     `json:"actual_start,omitempty"`
	ActualEnd      *time.Time     `json:"actual_end,omitempty"`
	Status         VisitStatus    `json:"status"`
	StatusHistory  []StatusChange `json:"status_history"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AppendStatus records a transition in the history and moves the current
// status, preserving the "status equals last history entry" invariant.
// Adjacency validation belongs to the lifecycle service; this method only
// maintains the log structure.
func (v *Visit) AppendStatus(to VisitStatus, actor id.CaregiverID, automatic bool, reason string, at time.Time) {
	v.StatusHistory = append(v.StatusHistory, StatusChange{
		From:      v.Status,
		To:        to,
		At:        at,
		Actor:     actor,
		Automatic: automatic,
		Reason:    reason,
	})
	v.Status = to
	v.UpdatedAt = at
}

// LastChange returns the most recent history entry, or nil for a visit
// that has never transitioned.
func (v *Visit) LastChange() *StatusChange {
	if len(v.StatusHistory) == 0 {
		return nil
	}
	return &v.StatusHistory[len(v.StatusHistory)-1]
}
