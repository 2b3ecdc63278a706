package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	cstore "caretrack/internal/sync/conflict/store"
	"caretrack/internal/sync/entity"
	"caretrack/internal/sync/models"
	qstore "caretrack/internal/sync/queue/store"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/audit"
	"caretrack/pkg/platform/audit/publisher"
	auditmem "caretrack/pkg/platform/audit/store/memory"
	"caretrack/pkg/requestcontext"
)

type ConflictServiceSuite struct {
	suite.Suite
	conflicts  *cstore.InMemoryConflictStore
	entities   *entity.InMemoryGenericStore
	queue      *qstore.InMemoryQueueStore
	auditStore *auditmem.InMemoryStore
	service    *Service
	now        time.Time
}

func TestConflictServiceSuite(t *testing.T) {
	suite.Run(t, new(ConflictServiceSuite))
}

func (s *ConflictServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.conflicts = cstore.NewInMemory()
	s.entities = entity.NewInMemoryGeneric().WithClock(func() time.Time { return s.now })
	s.queue = qstore.NewInMemory()
	s.auditStore = auditmem.NewInMemoryStore()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var err error
	s.service, err = New(s.conflicts, s.entities, s.queue,
		WithLogger(logger),
		WithAuditPublisher(publisher.NewPublisher(s.auditStore, publisher.WithLogger(logger))),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
}

func (s *ConflictServiceSuite) coordinatorCtx() context.Context {
	ctx := requestcontext.WithCaregiverID(context.Background(), id.NewCaregiverID())
	return requestcontext.WithRole(ctx, requestcontext.RoleCoordinator)
}

// seedEntry persists a queued UPDATE with the given base version.
func (s *ConflictServiceSuite) seedEntry(entityType, entityID string, baseVersion int64, payload string) *models.SyncQueueEntry {
	entry := &models.SyncQueueEntry{
		ID:             id.NewEntryID(),
		DeviceID:       "device-1",
		EntityType:     entityType,
		EntityID:       entityID,
		Operation:      models.OpUpdate,
		Payload:        json.RawMessage(payload),
		BaseVersion:    baseVersion,
		SequenceNumber: 1,
		Priority:       models.PriorityNormal,
		Status:         models.EntryInProgress,
		NextAttemptAt:  s.now,
		CreatedAt:      s.now,
		UpdatedAt:      s.now,
	}
	s.Require().NoError(s.queue.Create(context.Background(), entry))
	return entry
}

// seedEntity puts the server copy at the given version by creating then
// updating it the required number of times.
func (s *ConflictServiceSuite) seedEntity(entityType, entityID string, version int64, payload string) {
	ctx := context.Background()
	s.Require().NoError(s.entities.Create(ctx, entityType, entityID, json.RawMessage(payload)))
	for v := int64(1); v < version; v++ {
		s.Require().NoError(s.entities.Update(ctx, entityType, entityID, json.RawMessage(payload), v))
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *ConflictServiceSuite) TestNew() {
	s.Run("nil stores return errors", func() {
		_, err := New(nil, s.entities, s.queue)
		s.Error(err)
		_, err = New(s.conflicts, nil, s.queue)
		s.Error(err)
		_, err = New(s.conflicts, s.entities, nil)
		s.Error(err)
	})

	s.Run("relaxing the EVV policy is rejected", func() {
		_, err := New(s.conflicts, s.entities, s.queue,
			WithPolicy(models.EntityEVVRecord, models.ResolveNewestWins))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConfiguration))
	})

	s.Run("other entity policies are configurable", func() {
		svc, err := New(s.conflicts, s.entities, s.queue,
			WithPolicy(models.EntityVisitNote, models.ResolveClientWins))
		s.Require().NoError(err)
		s.NotNil(svc)
	})
}

// =============================================================================
// Detection Tests
// =============================================================================

func (s *ConflictServiceSuite) TestDetect() {
	s.Run("update against moved server copy is UPDATE_UPDATE", func() {
		// The queued mutation was built against v4; the server is at v5.
		entry := s.seedEntry(models.EntityVisitNote, "note-uu", 4, `{"text":"offline edit","author":"cg-1"}`)
		s.seedEntity(models.EntityVisitNote, "note-uu", 5, `{"text":"online edit","author":"cg-1"}`)

		current, err := s.entities.Get(context.Background(), models.EntityVisitNote, "note-uu")
		s.Require().NoError(err)

		conflict, err := s.service.Detect(context.Background(), entry, current)
		s.Require().NoError(err)
		s.Equal(models.ConflictUpdateUpdate, conflict.Type)
		s.Equal(int64(4), conflict.LocalVersion)
		s.Equal(int64(5), conflict.RemoteVersion)
		s.Equal([]string{"text"}, conflict.DivergentFields)
		s.Equal(models.ConflictDetected, conflict.Status)

		events, err := s.auditStore.ListByAction(context.Background(), audit.EventConflictDetected)
		s.Require().NoError(err)
		s.Len(events, 1)
	})

	s.Run("update against deleted entity is UPDATE_DELETE", func() {
		entry := s.seedEntry(models.EntityVisitNote, "note-ud", 2, `{"text":"orphaned edit"}`)

		conflict, err := s.service.Detect(context.Background(), entry, nil)
		s.Require().NoError(err)
		s.Equal(models.ConflictUpdateDelete, conflict.Type)
		s.Nil(conflict.RemotePayload)
	})

	s.Run("duplicate create is CREATE_CREATE", func() {
		entry := s.seedEntry(models.EntityVisitNote, "note-cc", 0, `{"text":"mine"}`)
		entry.Operation = models.OpCreate
		s.seedEntity(models.EntityVisitNote, "note-cc", 1, `{"text":"theirs"}`)

		current, err := s.entities.Get(context.Background(), models.EntityVisitNote, "note-cc")
		s.Require().NoError(err)

		conflict, err := s.service.Detect(context.Background(), entry, current)
		s.Require().NoError(err)
		s.Equal(models.ConflictCreateCreate, conflict.Type)
	})
}

// =============================================================================
// Auto-Resolution Tests
// =============================================================================

func (s *ConflictServiceSuite) TestAutoResolve() {
	s.Run("newest wins applies the later side", func() {
		s.seedEntity(models.EntityVisit, "visit-nw", 3, `{"status":"CONFIRMED"}`)
		current, err := s.entities.Get(context.Background(), models.EntityVisit, "visit-nw")
		s.Require().NoError(err)

		// Queue acceptance is after the server write, so the local copy wins.
		s.now = s.now.Add(time.Hour)
		entry := s.seedEntry(models.EntityVisit, "visit-nw", 2, `{"status":"CANCELLED"}`)

		conflict, err := s.service.Detect(context.Background(), entry, current)
		s.Require().NoError(err)

		resolved, err := s.service.AutoResolve(context.Background(), conflict)
		s.Require().NoError(err)
		s.True(resolved)
		s.Equal(models.ConflictResolved, conflict.Status)
		s.Equal(models.ResolveNewestWins, conflict.Resolution)

		state, err := s.entities.Get(context.Background(), models.EntityVisit, "visit-nw")
		s.Require().NoError(err)
		s.JSONEq(`{"status":"CANCELLED"}`, string(state.Payload))
		s.Equal(int64(4), state.Version)

		// The originating entry completes so the device sequence advances.
		stored, err := s.queue.Get(context.Background(), entry.ID)
		s.Require().NoError(err)
		s.Equal(models.EntryCompleted, stored.Status)
	})

	s.Run("newest wins keeps the server copy when it is later", func() {
		entry := s.seedEntry(models.EntityVisit, "visit-sw", 2, `{"status":"CANCELLED"}`)

		s.now = s.now.Add(time.Hour)
		s.seedEntity(models.EntityVisit, "visit-sw", 3, `{"status":"CONFIRMED"}`)
		current, err := s.entities.Get(context.Background(), models.EntityVisit, "visit-sw")
		s.Require().NoError(err)

		conflict, err := s.service.Detect(context.Background(), entry, current)
		s.Require().NoError(err)

		resolved, err := s.service.AutoResolve(context.Background(), conflict)
		s.Require().NoError(err)
		s.True(resolved)

		state, err := s.entities.Get(context.Background(), models.EntityVisit, "visit-sw")
		s.Require().NoError(err)
		s.JSONEq(`{"status":"CONFIRMED"}`, string(state.Payload))
		s.Equal(int64(3), state.Version, "server side winning writes nothing")
	})

	s.Run("field merge combines disjoint edits", func() {
		s.seedEntity(models.EntityVisitNote, "note-fm", 2, `{"text":"base","mood":"calm"}`)
		current, err := s.entities.Get(context.Background(), models.EntityVisitNote, "note-fm")
		s.Require().NoError(err)

		entry := s.seedEntry(models.EntityVisitNote, "note-fm", 1, `{"text":"base","meal":"eaten"}`)
		conflict, err := s.service.Detect(context.Background(), entry, current)
		s.Require().NoError(err)

		resolved, err := s.service.AutoResolve(context.Background(), conflict)
		s.Require().NoError(err)
		s.True(resolved)

		state, err := s.entities.Get(context.Background(), models.EntityVisitNote, "note-fm")
		s.Require().NoError(err)
		s.JSONEq(`{"text":"base","mood":"calm","meal":"eaten"}`, string(state.Payload))
	})

	s.Run("field merge with overlapping edits escalates to manual", func() {
		s.seedEntity(models.EntityVisitNote, "note-ov", 2, `{"text":"server edit"}`)
		current, err := s.entities.Get(context.Background(), models.EntityVisitNote, "note-ov")
		s.Require().NoError(err)

		entry := s.seedEntry(models.EntityVisitNote, "note-ov", 1, `{"text":"offline edit"}`)
		conflict, err := s.service.Detect(context.Background(), entry, current)
		s.Require().NoError(err)

		resolved, err := s.service.AutoResolve(context.Background(), conflict)
		s.Require().NoError(err)
		s.False(resolved)
		s.Equal(models.ConflictPendingManual, conflict.Status)
	})

	s.Run("EVV record conflicts always escalate", func() {
		entry := s.seedEntry(models.EntityEVVRecord, "rec-1", 1, `{"service_code":"T1019"}`)
		conflict, err := s.service.Detect(context.Background(), entry, nil)
		s.Require().NoError(err)

		resolved, err := s.service.AutoResolve(context.Background(), conflict)
		s.Require().NoError(err)
		s.False(resolved)
		s.Equal(models.ConflictPendingManual, conflict.Status)
	})
}

// =============================================================================
// Manual Resolution Tests
// =============================================================================

func (s *ConflictServiceSuite) TestResolve() {
	seq := 0
	detect := func(entityType string) (*models.SyncQueueEntry, *models.SyncConflict) {
		seq++
		entityID := fmt.Sprintf("entity-%d", seq)
		entry := s.seedEntry(entityType, entityID, 1, `{"text":"offline edit"}`)
		s.seedEntity(entityType, entityID, 2, `{"text":"server edit"}`)
		current, err := s.entities.Get(context.Background(), entityType, entityID)
		s.Require().NoError(err)
		conflict, err := s.service.Detect(context.Background(), entry, current)
		s.Require().NoError(err)
		return entry, conflict
	}

	s.Run("caregiver cannot resolve", func() {
		_, conflict := detect(models.EntityVisitNote)
		ctx := requestcontext.WithRole(context.Background(), requestcontext.RoleCaregiver)

		_, err := s.service.Resolve(ctx, conflict.ID, models.ResolveClientWins, nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("manual resolution applies the reviewed payload", func() {
		entry, conflict := detect(models.EntityVisitNote)
		reviewed := json.RawMessage(`{"text":"reconciled edit"}`)

		resolved, err := s.service.Resolve(s.coordinatorCtx(), conflict.ID, models.ResolveManual, reviewed)
		s.Require().NoError(err)
		s.Equal(models.ConflictResolved, resolved.Status)
		s.NotNil(resolved.ResolvedAt)
		s.False(resolved.ResolvedBy.IsNil())

		state, err := s.entities.Get(context.Background(), models.EntityVisitNote, entry.EntityID)
		s.Require().NoError(err)
		s.JSONEq(string(reviewed), string(state.Payload))

		stored, err := s.queue.Get(context.Background(), entry.ID)
		s.Require().NoError(err)
		s.Equal(models.EntryCompleted, stored.Status)

		events, err := s.auditStore.ListByAction(context.Background(), audit.EventConflictResolved)
		s.Require().NoError(err)
		s.Len(events, 1)
	})

	s.Run("client wins applies the local payload", func() {
		entry, conflict := detect(models.EntityVisitNote)

		_, err := s.service.Resolve(s.coordinatorCtx(), conflict.ID, models.ResolveClientWins, nil)
		s.Require().NoError(err)

		state, err := s.entities.Get(context.Background(), models.EntityVisitNote, entry.EntityID)
		s.Require().NoError(err)
		s.JSONEq(`{"text":"offline edit"}`, string(state.Payload))
	})

	s.Run("EVV record accepts only manual", func() {
		_, conflict := detect(models.EntityEVVRecord)

		_, err := s.service.Resolve(s.coordinatorCtx(), conflict.ID, models.ResolveClientWins, nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidationFailed))
	})

	s.Run("manual without payload is rejected", func() {
		_, conflict := detect(models.EntityVisitNote)

		_, err := s.service.Resolve(s.coordinatorCtx(), conflict.ID, models.ResolveManual, nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("unknown strategy is rejected", func() {
		_, conflict := detect(models.EntityVisitNote)

		_, err := s.service.Resolve(s.coordinatorCtx(), conflict.ID, "COIN_FLIP", nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("already resolved conflict cannot be resolved again", func() {
		_, conflict := detect(models.EntityVisitNote)
		_, err := s.service.Resolve(s.coordinatorCtx(), conflict.ID, models.ResolveClientWins, nil)
		s.Require().NoError(err)

		_, err = s.service.Resolve(s.coordinatorCtx(), conflict.ID, models.ResolveServerWins, nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidationFailed))
	})

	s.Run("entity moving again during resolution surfaces a conflict", func() {
		entry, conflict := detect(models.EntityVisitNote)

		// A concurrent write bumps the entity past the captured remote version.
		s.Require().NoError(s.entities.Update(context.Background(), models.EntityVisitNote, entry.EntityID,
			json.RawMessage(`{"text":"concurrent edit"}`), 2))

		_, err := s.service.Resolve(s.coordinatorCtx(), conflict.ID, models.ResolveClientWins, nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("missing conflict returns not found", func() {
		_, err := s.service.Resolve(s.coordinatorCtx(), id.NewConflictID(), models.ResolveClientWins, nil)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}
