package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "caretrack/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs".
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseVisitID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseVisitID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseRecordID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseVisitID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, VisitID(valid), id)
	})
}

func TestParseDeviceID(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseDeviceID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts opaque install identifier", func(t *testing.T) {
		id, err := ParseDeviceID("android-7f3c9b")
		require.NoError(t, err)
		assert.Equal(t, DeviceID("android-7f3c9b"), id)
	})
}

// TestTypeDistinction verifies the compiler enforces type safety.
// This is a compile-time check - if this compiles, the invariant holds.
func TestTypeDistinction(t *testing.T) {
	visitID := VisitID(uuid.New())
	recordID := RecordID(uuid.New())

	// These would fail to compile if types were interchangeable:
	// var _ VisitID = recordID   // compile error
	// var _ RecordID = visitID   // compile error

	assert.NotEqual(t, uuid.UUID(visitID), uuid.UUID(recordID))
}
