// Package domain defines typed identifiers shared across the pipeline.
//
// Every entity gets its own UUID-backed type so the compiler rejects
// cross-entity assignment (passing a VisitID where a RecordID is
// expected is a bug we want caught at build time, not in production).
// DeviceID is a plain string because device identifiers originate on
// mobile installs and are not UUIDs we control.
package domain

import (
	"github.com/google/uuid"

	dErrors "caretrack/pkg/domain-errors"
)

type (
	// VisitID identifies a scheduled care episode.
	VisitID uuid.UUID
	// ClientID identifies the person receiving care.
	ClientID uuid.UUID
	// CaregiverID identifies the person delivering care.
	CaregiverID uuid.UUID
	// RecordID identifies an EVV compliance record.
	RecordID uuid.UUID
	// EntryID identifies an offline sync queue entry.
	EntryID uuid.UUID
	// ConflictID identifies a detected sync conflict.
	ConflictID uuid.UUID
)

// DeviceID identifies the mobile install that produced a mutation.
type DeviceID string

func (d DeviceID) String() string { return string(d) }

// IsZero reports whether the device identifier is empty.
func (d DeviceID) IsZero() bool { return d == "" }

// ParseDeviceID validates a device identifier from a trust boundary.
func ParseDeviceID(s string) (DeviceID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "device id cannot be empty")
	}
	return DeviceID(s), nil
}

func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be the nil UUID")
	}
	return u, nil
}

// ParseVisitID validates and converts a string into a VisitID.
func ParseVisitID(s string) (VisitID, error) {
	u, err := parseUUID(s, "visit id")
	return VisitID(u), err
}

// ParseClientID validates and converts a string into a ClientID.
func ParseClientID(s string) (ClientID, error) {
	u, err := parseUUID(s, "client id")
	return ClientID(u), err
}

// ParseCaregiverID validates and converts a string into a CaregiverID.
func ParseCaregiverID(s string) (CaregiverID, error) {
	u, err := parseUUID(s, "caregiver id")
	return CaregiverID(u), err
}

// ParseRecordID validates and converts a string into a RecordID.
func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s, "record id")
	return RecordID(u), err
}

// ParseEntryID validates and converts a string into an EntryID.
func ParseEntryID(s string) (EntryID, error) {
	u, err := parseUUID(s, "entry id")
	return EntryID(u), err
}

// ParseConflictID validates and converts a string into a ConflictID.
func ParseConflictID(s string) (ConflictID, error) {
	u, err := parseUUID(s, "conflict id")
	return ConflictID(u), err
}

// NewVisitID returns a fresh random VisitID.
func NewVisitID() VisitID { return VisitID(uuid.New()) }

// NewClientID returns a fresh random ClientID.
func NewClientID() ClientID { return ClientID(uuid.New()) }

// NewCaregiverID returns a fresh random CaregiverID.
func NewCaregiverID() CaregiverID { return CaregiverID(uuid.New()) }

// NewRecordID returns a fresh random RecordID.
func NewRecordID() RecordID { return RecordID(uuid.New()) }

// NewEntryID returns a fresh random EntryID.
func NewEntryID() EntryID { return EntryID(uuid.New()) }

// NewConflictID returns a fresh random ConflictID.
func NewConflictID() ConflictID { return ConflictID(uuid.New()) }

func (v VisitID) String() string     { return uuid.UUID(v).String() }
func (c ClientID) String() string    { return uuid.UUID(c).String() }
func (c CaregiverID) String() string { return uuid.UUID(c).String() }
func (r RecordID) String() string    { return uuid.UUID(r).String() }
func (e EntryID) String() string     { return uuid.UUID(e).String() }
func (c ConflictID) String() string  { return uuid.UUID(c).String() }

func (v VisitID) IsNil() bool     { return uuid.UUID(v) == uuid.Nil }
func (c ClientID) IsNil() bool    { return uuid.UUID(c) == uuid.Nil }
func (c CaregiverID) IsNil() bool { return uuid.UUID(c) == uuid.Nil }
func (r RecordID) IsNil() bool    { return uuid.UUID(r) == uuid.Nil }
func (e EntryID) IsNil() bool     { return uuid.UUID(e) == uuid.Nil }
func (c ConflictID) IsNil() bool  { return uuid.UUID(c) == uuid.Nil }

// UUID-backed identifiers travel as canonical uuid strings on the wire.

func (v VisitID) MarshalText() ([]byte, error)     { return uuid.UUID(v).MarshalText() }
func (c ClientID) MarshalText() ([]byte, error)    { return uuid.UUID(c).MarshalText() }
func (c CaregiverID) MarshalText() ([]byte, error) { return uuid.UUID(c).MarshalText() }
func (r RecordID) MarshalText() ([]byte, error)    { return uuid.UUID(r).MarshalText() }
func (e EntryID) MarshalText() ([]byte, error)     { return uuid.UUID(e).MarshalText() }
func (c ConflictID) MarshalText() ([]byte, error)  { return uuid.UUID(c).MarshalText() }

func (v *VisitID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(v).UnmarshalText(b) }
func (c *ClientID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(c).UnmarshalText(b) }
func (c *CaregiverID) UnmarshalText(b []byte) error { return (*uuid.UUID)(c).UnmarshalText(b) }
func (r *RecordID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(r).UnmarshalText(b) }
func (e *EntryID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(e).UnmarshalText(b) }
func (c *ConflictID) UnmarshalText(b []byte) error  { return (*uuid.UUID)(c).UnmarshalText(b) }
