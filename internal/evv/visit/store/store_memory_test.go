package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caretrack/internal/evv/models"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/sentinel"
)

func newVisit() *models.Visit {
	now := time.Now().UTC()
	return &models.Visit{
		ID:             id.VisitID(uuid.New()),
		ClientID:       id.ClientID(uuid.New()),
		CaregiverID:    id.CaregiverID(uuid.New()),
		Jurisdiction:   "OH",
		ServiceCode:    "T1019",
		ScheduledStart: now,
		ScheduledEnd:   now.Add(2 * time.Hour),
		Status:         models.StatusScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestInMemoryVisitStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	visit := newVisit()

	require.NoError(t, s.Create(ctx, visit))
	assert.EqualValues(t, 1, visit.Version)

	got, err := s.Get(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, visit.ID, got.ID)

	_, err = s.Get(ctx, id.VisitID(uuid.New()))
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryVisitStore_OptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	visit := newVisit()
	require.NoError(t, s.Create(ctx, visit))

	got, err := s.Get(ctx, visit.ID)
	require.NoError(t, err)

	got.AppendStatus(models.StatusAssigned, visit.CaregiverID, false, "", time.Now())
	require.NoError(t, s.Update(ctx, got, 1))
	assert.EqualValues(t, 2, got.Version)

	// A second writer holding the stale version must fail cleanly.
	stale := newVisit()
	stale.ID = visit.ID
	err = s.Update(ctx, stale, 1)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestInMemoryVisitStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	visit := newVisit()
	require.NoError(t, s.Create(ctx, visit))

	got, err := s.Get(ctx, visit.ID)
	require.NoError(t, err)
	got.AppendStatus(models.StatusCancelled, visit.CaregiverID, false, "tamper", time.Now())

	again, err := s.Get(ctx, visit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, again.Status, "store state must not alias returned values")
	assert.Empty(t, again.StatusHistory)
}

func TestInMemoryVisitStore_ListByCaregiver(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	caregiver := id.CaregiverID(uuid.New())
	later := newVisit()
	later.CaregiverID = caregiver
	later.ScheduledStart = later.ScheduledStart.Add(3 * time.Hour)
	earlier := newVisit()
	earlier.CaregiverID = caregiver
	other := newVisit()

	require.NoError(t, s.Create(ctx, later))
	require.NoError(t, s.Create(ctx, earlier))
	require.NoError(t, s.Create(ctx, other))

	visits, err := s.ListByCaregiver(ctx, caregiver)
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, earlier.ID, visits[0].ID, "ordered by scheduled start")
}
