package entity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	evvmodels "caretrack/internal/evv/models"
	rstore "caretrack/internal/evv/record/store"
	vstore "caretrack/internal/evv/visit/store"
	syncmodels "caretrack/internal/sync/models"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/sentinel"
)

type EntityStoreSuite struct {
	suite.Suite
	visits  *vstore.InMemoryVisitStore
	records *rstore.InMemoryRecordStore
	store   *Store
}

func TestEntityStoreSuite(t *testing.T) {
	suite.Run(t, new(EntityStoreSuite))
}

func (s *EntityStoreSuite) SetupTest() {
	s.visits = vstore.NewInMemory()
	s.records = rstore.NewInMemory()
	s.store = NewStore(s.visits, s.records, NewInMemoryGeneric())
}

func (s *EntityStoreSuite) seedVisit() *evvmodels.Visit {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	visit := &evvmodels.Visit{
		ID:             id.NewVisitID(),
		ClientID:       id.NewClientID(),
		CaregiverID:    id.NewCaregiverID(),
		Jurisdiction:   "OH",
		ServiceCode:    "T1019",
		ScheduledStart: now,
		ScheduledEnd:   now.Add(2 * time.Hour),
		Status:         evvmodels.StatusScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.Require().NoError(s.visits.Create(context.Background(), visit))
	return visit
}

// =============================================================================
// Routing Tests
// =============================================================================

func (s *EntityStoreSuite) TestVisitRouting() {
	s.Run("get returns the marshaled domain visit", func() {
		visit := s.seedVisit()

		state, err := s.store.Get(context.Background(), syncmodels.EntityVisit, visit.ID.String())
		s.Require().NoError(err)
		s.Equal(visit.Version, state.Version)

		var decoded evvmodels.Visit
		s.Require().NoError(json.Unmarshal(state.Payload, &decoded))
		s.Equal(visit.ID, decoded.ID)
		s.Equal(evvmodels.StatusScheduled, decoded.Status)
	})

	s.Run("update goes through the versioned visit store", func() {
		visit := s.seedVisit()
		visit.Status = evvmodels.StatusConfirmed
		payload, err := json.Marshal(visit)
		s.Require().NoError(err)

		s.Require().NoError(s.store.Update(context.Background(), syncmodels.EntityVisit, visit.ID.String(), payload, visit.Version))

		stored, err := s.visits.Get(context.Background(), visit.ID)
		s.Require().NoError(err)
		s.Equal(evvmodels.StatusConfirmed, stored.Status)
		s.Equal(visit.Version+1, stored.Version)
	})

	s.Run("stale version is a conflict", func() {
		visit := s.seedVisit()
		payload, err := json.Marshal(visit)
		s.Require().NoError(err)

		err = s.store.Update(context.Background(), syncmodels.EntityVisit, visit.ID.String(), payload, visit.Version+5)
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("malformed visit id is rejected", func() {
		_, err := s.store.Get(context.Background(), syncmodels.EntityVisit, "not-a-uuid")
		s.Error(err)
	})
}

func (s *EntityStoreSuite) TestComplianceDeleteGuard() {
	visit := s.seedVisit()

	err := s.store.Delete(context.Background(), syncmodels.EntityVisit, visit.ID.String(), visit.Version)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidationFailed))

	err = s.store.Delete(context.Background(), syncmodels.EntityEVVRecord, id.NewRecordID().String(), 1)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidationFailed))
}

func (s *EntityStoreSuite) TestGenericRouting() {
	ctx := context.Background()
	payload := json.RawMessage(`{"text":"first note"}`)

	s.Run("unknown entity types land in the generic store", func() {
		s.Require().NoError(s.store.Create(ctx, syncmodels.EntityVisitNote, "note-1", payload))

		state, err := s.store.Get(ctx, syncmodels.EntityVisitNote, "note-1")
		s.Require().NoError(err)
		s.Equal(int64(1), state.Version)
		s.JSONEq(string(payload), string(state.Payload))
	})

	s.Run("generic documents are versioned", func() {
		s.Require().NoError(s.store.Create(ctx, syncmodels.EntityVisitNote, "note-2", payload))
		s.Require().NoError(s.store.Update(ctx, syncmodels.EntityVisitNote, "note-2", json.RawMessage(`{"text":"edited"}`), 1))

		err := s.store.Update(ctx, syncmodels.EntityVisitNote, "note-2", payload, 1)
		s.Require().ErrorIs(err, sentinel.ErrConflict)

		s.Require().NoError(s.store.Delete(ctx, syncmodels.EntityVisitNote, "note-2", 2))
		_, err = s.store.Get(ctx, syncmodels.EntityVisitNote, "note-2")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("duplicate create conflicts", func() {
		s.Require().NoError(s.store.Create(ctx, syncmodels.EntityVisitNote, "note-3", payload))
		err := s.store.Create(ctx, syncmodels.EntityVisitNote, "note-3", payload)
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})
}
