// Package queue implements the durable offline mutation queue: acceptance,
// per-device sequencing, retry policy, and entry state transitions. Replay
// orchestration lives in the drainer.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	evvmodels "caretrack/internal/evv/models"
	"caretrack/internal/sync/metrics"
	"caretrack/internal/sync/models"
	"caretrack/internal/sync/ports"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/audit"
)

// AuditPublisher emits audit events for queue lifecycle changes.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config is the retry policy.
type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig caps retries at five attempts with capped exponential
// backoff starting at two seconds.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

// Service owns queue entry acceptance and state transitions.
type Service struct {
	store ports.QueueStore
	cfg   Config

	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) { s.auditPublisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires the queue service.
func New(store ports.QueueStore, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "queue store is required")
	}
	if cfg.MaxRetries <= 0 || cfg.BaseBackoff <= 0 || cfg.MaxBackoff < cfg.BaseBackoff {
		return nil, dErrors.New(dErrors.CodeConfiguration, "invalid retry policy")
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnqueueInput is one mutation captured while disconnected.
type EnqueueInput struct {
	DeviceID    id.DeviceID
	EntityType  string
	EntityID    string
	Operation   models.Operation
	Payload     json.RawMessage
	Priority    models.Priority
	BaseVersion int64
	DependsOn   []id.EntryID
}

// Enqueue accepts a mutation, assigns its device sequence number, and
// persists it PENDING. Sequence numbers are server-assigned at acceptance;
// the device clock plays no part in ordering.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*models.SyncQueueEntry, error) {
	if input.Priority == "" {
		input.Priority = models.PriorityNormal
	}
	entry := &models.SyncQueueEntry{
		ID:          id.NewEntryID(),
		DeviceID:    input.DeviceID,
		EntityType:  input.EntityType,
		EntityID:    input.EntityID,
		Operation:   input.Operation,
		Payload:     input.Payload,
		BaseVersion: input.BaseVersion,
		DependsOn:   input.DependsOn,
		Priority:    input.Priority,
		Status:      models.EntryPending,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	seq, err := s.store.NextSequence(ctx, input.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("assign sequence: %w", err)
	}
	now := s.now().UTC()
	entry.SequenceNumber = seq
	entry.NextAttemptAt = now
	entry.CreatedAt = now
	entry.UpdatedAt = now

	if err := s.store.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("persist entry: %w", err)
	}
	if s.metrics != nil {
		s.metrics.EntriesEnqueued.WithLabelValues(entry.EntityType, string(entry.Priority)).Inc()
	}
	s.logger.InfoContext(ctx, "queued offline mutation",
		"entry_id", entry.ID,
		"device_id", entry.DeviceID,
		"entity_type", entry.EntityType,
		"sequence", entry.SequenceNumber,
		"priority", entry.Priority,
	)
	return entry, nil
}

// EnqueueSubmission queues a finalized EVV record for deferred delivery.
// Compliance captures are CRITICAL: they flush first when connectivity
// returns.
func (s *Service) EnqueueSubmission(ctx context.Context, record *evvmodels.EVVRecord, deviceID id.DeviceID) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.Enqueue(ctx, EnqueueInput{
		DeviceID:    deviceID,
		EntityType:  models.EntityEVVRecord,
		EntityID:    record.ID.String(),
		Operation:   models.OpUpdate,
		Payload:     payload,
		Priority:    models.PriorityCritical,
		BaseVersion: record.Version,
	})
	return err
}

// Get returns an entry by id.
func (s *Service) Get(ctx context.Context, entryID id.EntryID) (*models.SyncQueueEntry, error) {
	return s.store.Get(ctx, entryID)
}

// ListOpenByDevice returns the device's unfinished entries in sequence order.
func (s *Service) ListOpenByDevice(ctx context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error) {
	return s.store.ListOpenByDevice(ctx, deviceID)
}

// ListNeedsReconciliation returns the device's entries whose submission
// outcome is unknown, for operator review against the vendor.
func (s *Service) ListNeedsReconciliation(ctx context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error) {
	return s.store.ListNeedsReconciliation(ctx, deviceID)
}

// PendingDevices returns devices with unfinished work, CRITICAL holders first.
func (s *Service) PendingDevices(ctx context.Context) ([]id.DeviceID, error) {
	return s.store.PendingDevices(ctx)
}

// Backoff returns the delay before retry attempt n (0-based): base * 2^n,
// capped.
func (s *Service) Backoff(retry int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return d
}

// MarkInProgress claims an entry for replay. The optimistic update doubles
// as the claim: a concurrent drainer losing the race gets ErrConflict.
func (s *Service) MarkInProgress(ctx context.Context, entry *models.SyncQueueEntry) error {
	entry.Status = models.EntryInProgress
	entry.UpdatedAt = s.now().UTC()
	return s.store.Update(ctx, entry, entry.Version)
}

// Complete marks an entry successfully replayed.
func (s *Service) Complete(ctx context.Context, entry *models.SyncQueueEntry) error {
	entry.Status = models.EntryCompleted
	entry.LastError = ""
	entry.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, entry, entry.Version); err != nil {
		return err
	}
	s.countReplay("completed")
	return nil
}

// Fail records a retryable failure. Within budget the entry returns to
// PENDING with backoff; past budget it dead-letters as FAILED and an audit
// event alerts staff that a compliance record is stuck.
func (s *Service) Fail(ctx context.Context, entry *models.SyncQueueEntry, cause error) error {
	entry.RetryCount++
	entry.LastError = cause.Error()
	entry.UpdatedAt = s.now().UTC()

	if entry.RetryCount > s.cfg.MaxRetries {
		entry.Status = models.EntryFailed
		if err := s.store.Update(ctx, entry, entry.Version); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.DeadLetters.Inc()
		}
		s.countReplay("dead_lettered")
		s.emit(ctx, audit.Event{
			Category: audit.CategoryOperations,
			Action:   audit.EventQueueEntryDeadLettered,
			EntryID:  entry.ID.String(),
			DeviceID: string(entry.DeviceID),
			Detail:   entry.LastError,
		})
		s.logger.ErrorContext(ctx, "queue entry exhausted retry budget",
			"entry_id", entry.ID, "retries", entry.RetryCount, "error", cause)
		return nil
	}

	entry.Status = models.EntryPending
	entry.NextAttemptAt = s.now().UTC().Add(s.Backoff(entry.RetryCount - 1))
	if err := s.store.Update(ctx, entry, entry.Version); err != nil {
		return err
	}
	s.countReplay("retried")
	return nil
}

// FailPermanent dead-letters an entry without consuming the retry budget.
// Used when retrying the same payload cannot succeed, such as a vendor
// rejection of the record contents.
func (s *Service) FailPermanent(ctx context.Context, entry *models.SyncQueueEntry, cause error) error {
	entry.Status = models.EntryFailed
	entry.LastError = cause.Error()
	entry.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, entry, entry.Version); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.DeadLetters.Inc()
	}
	s.countReplay("dead_lettered")
	s.emit(ctx, audit.Event{
		Category: audit.CategoryOperations,
		Action:   audit.EventQueueEntryDeadLettered,
		EntryID:  entry.ID.String(),
		DeviceID: string(entry.DeviceID),
		Detail:   entry.LastError,
	})
	s.logger.ErrorContext(ctx, "queue entry failed permanently",
		"entry_id", entry.ID, "error", cause)
	return nil
}

// MarkConflict parks an entry pending conflict resolution.
func (s *Service) MarkConflict(ctx context.Context, entry *models.SyncQueueEntry) error {
	entry.Status = models.EntryConflict
	entry.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, entry, entry.Version); err != nil {
		return err
	}
	s.countReplay("conflict")
	return nil
}

// Block parks an entry whose dependency or predecessor has not completed.
func (s *Service) Block(ctx context.Context, entry *models.SyncQueueEntry) error {
	if entry.Status == models.EntryBlocked {
		return nil
	}
	entry.Status = models.EntryBlocked
	entry.UpdatedAt = s.now().UTC()
	return s.store.Update(ctx, entry, entry.Version)
}

// Unblock returns a BLOCKED entry to PENDING once its dependency completed.
func (s *Service) Unblock(ctx context.Context, entry *models.SyncQueueEntry) error {
	if entry.Status != models.EntryBlocked {
		return nil
	}
	entry.Status = models.EntryPending
	entry.UpdatedAt = s.now().UTC()
	return s.store.Update(ctx, entry, entry.Version)
}

// MarkNeedsReconciliation parks an entry whose submission reached the wire
// but whose outcome is unknown. Blind retry could double-submit; staff
// reconcile against the vendor before anything else happens.
func (s *Service) MarkNeedsReconciliation(ctx context.Context, entry *models.SyncQueueEntry) error {
	entry.Status = models.EntryNeedsReconciliation
	entry.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, entry, entry.Version); err != nil {
		return err
	}
	s.countReplay("needs_reconciliation")
	s.emit(ctx, audit.Event{
		Category: audit.CategoryCompliance,
		Action:   audit.EventSubmissionUnknown,
		EntryID:  entry.ID.String(),
		DeviceID: string(entry.DeviceID),
		Detail:   "submission interrupted after send, outcome unknown",
	})
	return nil
}

func (s *Service) countReplay(outcome string) {
	if s.metrics != nil {
		s.metrics.EntriesReplayed.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to emit audit event",
			"action", event.Action, "error", err)
	}
}
