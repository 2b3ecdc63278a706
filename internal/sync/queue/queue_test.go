package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	evvmodels "caretrack/internal/evv/models"
	"caretrack/internal/sync/models"
	"caretrack/internal/sync/queue/store"
	id "caretrack/pkg/domain"
	"caretrack/pkg/platform/audit"
	"caretrack/pkg/platform/audit/publisher"
	auditmem "caretrack/pkg/platform/audit/store/memory"
)

type QueueServiceSuite struct {
	suite.Suite
	store      *store.InMemoryQueueStore
	auditStore *auditmem.InMemoryStore
	service    *Service
	now        time.Time
}

func TestQueueServiceSuite(t *testing.T) {
	suite.Run(t, new(QueueServiceSuite))
}

func (s *QueueServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.auditStore = auditmem.NewInMemoryStore()
	s.now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var err error
	s.service, err = New(s.store, Config{
		MaxRetries:  3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  time.Minute,
	},
		WithLogger(logger),
		WithAuditPublisher(publisher.NewPublisher(s.auditStore, publisher.WithLogger(logger))),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
}

func (s *QueueServiceSuite) enqueue(deviceID id.DeviceID, priority models.Priority) *models.SyncQueueEntry {
	entry, err := s.service.Enqueue(context.Background(), EnqueueInput{
		DeviceID:    deviceID,
		EntityType:  models.EntityVisitNote,
		EntityID:    "note-1",
		Operation:   models.OpUpdate,
		Payload:     json.RawMessage(`{"text":"updated"}`),
		Priority:    priority,
		BaseVersion: 1,
	})
	s.Require().NoError(err)
	return entry
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *QueueServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil, DefaultConfig())
		s.Error(err)
	})

	s.Run("zero retry budget returns error", func() {
		_, err := New(s.store, Config{BaseBackoff: time.Second, MaxBackoff: time.Minute})
		s.Error(err)
	})

	s.Run("cap below base returns error", func() {
		_, err := New(s.store, Config{MaxRetries: 3, BaseBackoff: time.Minute, MaxBackoff: time.Second})
		s.Error(err)
	})
}

// =============================================================================
// Enqueue Tests
// =============================================================================

func (s *QueueServiceSuite) TestEnqueue() {
	s.Run("assigns sequence numbers per device", func() {
		first := s.enqueue("device-a", models.PriorityNormal)
		second := s.enqueue("device-a", models.PriorityNormal)
		other := s.enqueue("device-b", models.PriorityNormal)

		s.Equal(int64(1), first.SequenceNumber)
		s.Equal(int64(2), second.SequenceNumber)
		s.Equal(int64(1), other.SequenceNumber)
	})

	s.Run("starts pending and immediately eligible", func() {
		entry := s.enqueue("device-a", models.PriorityNormal)
		s.Equal(models.EntryPending, entry.Status)
		s.Equal(s.now, entry.NextAttemptAt)
		s.Zero(entry.RetryCount)
	})

	s.Run("defaults empty priority to normal", func() {
		entry, err := s.service.Enqueue(context.Background(), EnqueueInput{
			DeviceID:   "device-a",
			EntityType: models.EntityVisitNote,
			EntityID:   "note-2",
			Operation:  models.OpCreate,
			Payload:    json.RawMessage(`{}`),
		})
		s.Require().NoError(err)
		s.Equal(models.PriorityNormal, entry.Priority)
	})

	s.Run("rejects entry without device", func() {
		_, err := s.service.Enqueue(context.Background(), EnqueueInput{
			EntityType: models.EntityVisitNote,
			EntityID:   "note-3",
			Operation:  models.OpUpdate,
			Payload:    json.RawMessage(`{}`),
		})
		s.Error(err)
	})

	s.Run("rejects unknown operation", func() {
		_, err := s.service.Enqueue(context.Background(), EnqueueInput{
			DeviceID:   "device-a",
			EntityType: models.EntityVisitNote,
			EntityID:   "note-4",
			Operation:  "UPSERT",
			Payload:    json.RawMessage(`{}`),
		})
		s.Error(err)
	})
}

func (s *QueueServiceSuite) TestEnqueueSubmission() {
	record := &evvmodels.EVVRecord{
		ID:           id.NewRecordID(),
		VisitID:      id.NewVisitID(),
		ClientID:     id.NewClientID(),
		CaregiverID:  id.NewCaregiverID(),
		Jurisdiction: "OH",
		ServiceCode:  "T1019",
		Version:      4,
	}
	s.Require().NoError(s.service.EnqueueSubmission(context.Background(), record, "device-a"))

	entries, err := s.service.ListOpenByDevice(context.Background(), "device-a")
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(models.EntityEVVRecord, entries[0].EntityType)
	s.Equal(record.ID.String(), entries[0].EntityID)
	s.Equal(models.PriorityCritical, entries[0].Priority)
	s.Equal(int64(4), entries[0].BaseVersion)
}

// =============================================================================
// Backoff and Retry Tests
// =============================================================================

func (s *QueueServiceSuite) TestBackoff() {
	s.Equal(2*time.Second, s.service.Backoff(0))
	s.Equal(4*time.Second, s.service.Backoff(1))
	s.Equal(8*time.Second, s.service.Backoff(2))
	s.Equal(time.Minute, s.service.Backoff(10), "backoff is capped")
}

func (s *QueueServiceSuite) TestFail() {
	s.Run("within budget returns to pending with backoff", func() {
		entry := s.enqueue("device-a", models.PriorityNormal)
		s.Require().NoError(s.service.Fail(context.Background(), entry, errors.New("connection refused")))

		stored, err := s.service.Get(context.Background(), entry.ID)
		s.Require().NoError(err)
		s.Equal(models.EntryPending, stored.Status)
		s.Equal(1, stored.RetryCount)
		s.Equal("connection refused", stored.LastError)
		s.Equal(s.now.Add(2*time.Second), stored.NextAttemptAt)
	})

	s.Run("second failure doubles the backoff", func() {
		entry := s.enqueue("device-b", models.PriorityNormal)
		s.Require().NoError(s.service.Fail(context.Background(), entry, errors.New("timeout")))
		s.Require().NoError(s.service.Fail(context.Background(), entry, errors.New("timeout")))

		stored, err := s.service.Get(context.Background(), entry.ID)
		s.Require().NoError(err)
		s.Equal(s.now.Add(4*time.Second), stored.NextAttemptAt)
	})

	s.Run("exhausted budget dead-letters with audit trail", func() {
		entry := s.enqueue("device-c", models.PriorityCritical)
		for i := 0; i < 4; i++ {
			s.Require().NoError(s.service.Fail(context.Background(), entry, errors.New("timeout")))
		}

		stored, err := s.service.Get(context.Background(), entry.ID)
		s.Require().NoError(err)
		s.Equal(models.EntryFailed, stored.Status)
		s.True(stored.Status.IsTerminal())

		events, err := s.auditStore.ListByAction(context.Background(), audit.EventQueueEntryDeadLettered)
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(entry.ID.String(), events[0].EntryID)
	})
}

func (s *QueueServiceSuite) TestFailPermanent() {
	entry := s.enqueue("device-a", models.PriorityCritical)
	s.Require().NoError(s.service.FailPermanent(context.Background(), entry, errors.New("vendor rejected: SND-221")))

	stored, err := s.service.Get(context.Background(), entry.ID)
	s.Require().NoError(err)
	s.Equal(models.EntryFailed, stored.Status)
	s.Zero(stored.RetryCount, "permanent failure bypasses the retry budget")

	events, err := s.auditStore.ListByAction(context.Background(), audit.EventQueueEntryDeadLettered)
	s.Require().NoError(err)
	s.Len(events, 1)
}

// =============================================================================
// State Transition Tests
// =============================================================================

func (s *QueueServiceSuite) TestTransitions() {
	s.Run("claim then complete", func() {
		entry := s.enqueue("device-a", models.PriorityNormal)
		s.Require().NoError(s.service.MarkInProgress(context.Background(), entry))
		s.Require().NoError(s.service.Complete(context.Background(), entry))

		stored, err := s.service.Get(context.Background(), entry.ID)
		s.Require().NoError(err)
		s.Equal(models.EntryCompleted, stored.Status)
	})

	s.Run("stale claim loses the race", func() {
		entry := s.enqueue("device-b", models.PriorityNormal)
		stale := *entry
		s.Require().NoError(s.service.MarkInProgress(context.Background(), entry))

		err := s.service.MarkInProgress(context.Background(), &stale)
		s.Error(err)
	})

	s.Run("block and unblock", func() {
		entry := s.enqueue("device-c", models.PriorityNormal)
		s.Require().NoError(s.service.Block(context.Background(), entry))
		s.Equal(models.EntryBlocked, entry.Status)

		s.Require().NoError(s.service.Unblock(context.Background(), entry))
		s.Equal(models.EntryPending, entry.Status)
	})

	s.Run("unblock ignores entries that are not blocked", func() {
		entry := s.enqueue("device-d", models.PriorityNormal)
		before := entry.Version
		s.Require().NoError(s.service.Unblock(context.Background(), entry))
		s.Equal(before, entry.Version)
	})

	s.Run("needs reconciliation emits submission-unknown audit", func() {
		entry := s.enqueue("device-e", models.PriorityCritical)
		s.Require().NoError(s.service.MarkNeedsReconciliation(context.Background(), entry))

		stored, err := s.service.Get(context.Background(), entry.ID)
		s.Require().NoError(err)
		s.Equal(models.EntryNeedsReconciliation, stored.Status)
		s.True(stored.Status.IsTerminal())

		events, err := s.auditStore.ListByAction(context.Background(), audit.EventSubmissionUnknown)
		s.Require().NoError(err)
		s.Len(events, 1)
	})
}

// =============================================================================
// Device Ordering Tests
// =============================================================================

func (s *QueueServiceSuite) TestPendingDevices() {
	s.enqueue("device-normal", models.PriorityNormal)
	s.now = s.now.Add(time.Minute)
	s.enqueue("device-critical", models.PriorityCritical)

	devices, err := s.service.PendingDevices(context.Background())
	s.Require().NoError(err)
	s.Require().Len(devices, 2)
	s.Equal(id.DeviceID("device-critical"), devices[0], "critical work drains first despite being newer")
	s.Equal(id.DeviceID("device-normal"), devices[1])
}
