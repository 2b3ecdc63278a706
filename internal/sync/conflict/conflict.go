// Package conflict detects and resolves divergence between queued offline
// mutations and the server's current state. Detection is version-based:
// timestamps cannot distinguish clock skew from real divergence, so they
// are only consulted inside the newest-wins strategy, and only the
// server-assigned ones.
package conflict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"caretrack/internal/sync/metrics"
	"caretrack/internal/sync/models"
	"caretrack/internal/sync/ports"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/audit"
	"caretrack/pkg/platform/sentinel"
	"caretrack/pkg/requestcontext"
)

// AuditPublisher emits audit events for conflict lifecycle changes.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service owns conflict detection and resolution. Resolution policy is
// per entity type; EVV records are pinned to manual — a compliance
// artifact is never auto-merged, whatever the configuration says.
type Service struct {
	store    ports.ConflictStore
	entities ports.EntityStore
	queue    ports.QueueStore
	policies map[string]models.ResolutionStrategy

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

// WithPolicy sets the auto-resolution strategy for an entity type.
func WithPolicy(entityType string, strategy models.ResolutionStrategy) Option {
	return func(s *Service) { s.policies[entityType] = strategy }
}

// New wires the conflict service. Attempting to relax the EVV policy away
// from manual is a configuration error, not a silent downgrade.
func New(store ports.ConflictStore, entities ports.EntityStore, queue ports.QueueStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "conflict store is required")
	}
	if entities == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "entity store is required")
	}
	if queue == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "queue store is required")
	}
	s := &Service{
		store:    store,
		entities: entities,
		queue:    queue,
		policies: map[string]models.ResolutionStrategy{
			models.EntityEVVRecord: models.ResolveManual,
			models.EntityVisit:     models.ResolveNewestWins,
			models.EntityVisitNote: models.ResolveFieldMerge,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policies[models.EntityEVVRecord] != models.ResolveManual {
		return nil, dErrors.New(dErrors.CodeConfiguration, "EVV record conflicts are manual-only")
	}
	return s, nil
}

// Detect records a divergence between a queued entry and the server's
// current state. Both sides are captured whole; nothing is overwritten.
func (s *Service) Detect(ctx context.Context, entry *models.SyncQueueEntry, current *ports.EntityState) (*models.SyncConflict, error) {
	conflict := &models.SyncConflict{
		ID:              id.NewConflictID(),
		EntryID:         entry.ID,
		EntityType:      entry.EntityType,
		EntityID:        entry.EntityID,
		DeviceID:        entry.DeviceID,
		Type:            classify(entry.Operation, current),
		LocalPayload:    entry.Payload,
		LocalVersion:    entry.BaseVersion,
		LocalReceivedAt: entry.CreatedAt,
		Status:          models.ConflictDetected,
		DetectedAt:      s.now().UTC(),
	}
	if current != nil {
		conflict.RemotePayload = current.Payload
		conflict.RemoteVersion = current.Version
		conflict.RemoteUpdatedAt = current.UpdatedAt
		conflict.DivergentFields = divergentFields(entry.Payload, current.Payload)
	}

	if err := s.store.Create(ctx, conflict); err != nil {
		return nil, fmt.Errorf("persist conflict: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Conflicts.WithLabelValues(string(conflict.Type)).Inc()
	}
	s.emit(ctx, audit.Event{
		Category:   audit.CategoryOperations,
		Action:     audit.EventConflictDetected,
		EntryID:    entry.ID.String(),
		ConflictID: conflict.ID.String(),
		DeviceID:   string(entry.DeviceID),
		Detail:     fmt.Sprintf("%s %s/%s base v%d vs server v%d", conflict.Type, conflict.EntityType, conflict.EntityID, conflict.LocalVersion, conflict.RemoteVersion),
	})
	s.logger.WarnContext(ctx, "sync conflict detected",
		"conflict_id", conflict.ID,
		"entity_type", conflict.EntityType,
		"entity_id", conflict.EntityID,
		"type", conflict.Type,
	)
	return conflict, nil
}

// AutoResolve applies the entity type's policy. It reports whether the
// conflict was resolved; a manual policy (or a merge that found
// overlapping edits) parks the conflict PENDING_MANUAL instead.
func (s *Service) AutoResolve(ctx context.Context, conflict *models.SyncConflict) (bool, error) {
	strategy, ok := s.policies[conflict.EntityType]
	if !ok {
		strategy = models.ResolveManual
	}
	if strategy == models.ResolveManual {
		return false, s.escalate(ctx, conflict)
	}
	if err := s.apply(ctx, conflict, strategy, nil); err != nil {
		if errors.Is(err, errOverlappingFields) {
			return false, s.escalate(ctx, conflict)
		}
		return false, err
	}
	return true, nil
}

// Resolve applies a caller-chosen strategy to an open conflict.
// Coordinators only. EVV record conflicts accept only MANUAL.
func (s *Service) Resolve(ctx context.Context, conflictID id.ConflictID, strategy models.ResolutionStrategy, manualPayload json.RawMessage) (*models.SyncConflict, error) {
	if requestcontext.ActorRole(ctx) != requestcontext.RoleCoordinator {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "conflict resolution requires a coordinator")
	}
	if !strategy.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown resolution strategy %q", strategy)
	}

	conflict, err := s.store.Get(ctx, conflictID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "conflict %s not found", conflictID)
	} else if err != nil {
		return nil, err
	}
	if !conflict.Status.IsOpen() {
		return nil, dErrors.Newf(dErrors.CodeValidationFailed, "conflict %s is already %s", conflictID, conflict.Status)
	}
	if conflict.EntityType == models.EntityEVVRecord && strategy != models.ResolveManual {
		return nil, dErrors.New(dErrors.CodeValidationFailed, "EVV record conflicts are manual-only")
	}
	if strategy == models.ResolveManual && len(manualPayload) == 0 && conflict.Type != models.ConflictUpdateDelete {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "manual resolution requires a resolved payload")
	}

	if err := s.apply(ctx, conflict, strategy, manualPayload); err != nil {
		if errors.Is(err, errOverlappingFields) {
			return nil, dErrors.New(dErrors.CodeValidationFailed, "payloads edit overlapping fields, merge cannot apply")
		}
		return nil, err
	}
	return conflict, nil
}

// ListOpen returns conflicts awaiting resolution, oldest first.
func (s *Service) ListOpen(ctx context.Context) ([]*models.SyncConflict, error) {
	return s.store.ListOpen(ctx)
}

var errOverlappingFields = errors.New("overlapping field edits")

// apply executes a strategy: writes the winning payload (if any), marks
// the conflict RESOLVED, and completes the originating queue entry.
func (s *Service) apply(ctx context.Context, conflict *models.SyncConflict, strategy models.ResolutionStrategy, manualPayload json.RawMessage) error {
	var winner json.RawMessage
	switch strategy {
	case models.ResolveClientWins:
		winner = conflict.LocalPayload
	case models.ResolveServerWins:
		winner = nil
	case models.ResolveNewestWins:
		// Both timestamps are server-assigned: entity write time vs queue
		// acceptance time.
		if conflict.LocalReceivedAt.After(conflict.RemoteUpdatedAt) {
			winner = conflict.LocalPayload
		}
	case models.ResolveFieldMerge:
		merged, err := mergePayloads(conflict.LocalPayload, conflict.RemotePayload)
		if err != nil {
			return err
		}
		winner = merged
	case models.ResolveManual:
		winner = manualPayload
	}

	if winner != nil {
		if err := s.entities.Update(ctx, conflict.EntityType, conflict.EntityID, winner, conflict.RemoteVersion); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Wrap(err, dErrors.CodeConflict, "entity moved again during resolution, re-resolve against fresh state")
			}
			return fmt.Errorf("apply resolution: %w", err)
		}
	}

	now := s.now().UTC()
	conflict.Status = models.ConflictResolved
	conflict.Resolution = strategy
	conflict.ResolvedPayload = winner
	conflict.ResolvedBy = requestcontext.CaregiverID(ctx)
	conflict.ResolvedAt = &now
	if err := s.store.Update(ctx, conflict); err != nil {
		return fmt.Errorf("persist resolution: %w", err)
	}

	if err := s.completeEntry(ctx, conflict.EntryID); err != nil {
		s.logger.ErrorContext(ctx, "conflict resolved but entry completion failed",
			"conflict_id", conflict.ID, "entry_id", conflict.EntryID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.Resolutions.WithLabelValues(string(strategy)).Inc()
	}
	s.emit(ctx, audit.Event{
		Category:   audit.CategoryOperations,
		Action:     audit.EventConflictResolved,
		ConflictID: conflict.ID.String(),
		EntryID:    conflict.EntryID.String(),
		DeviceID:   string(conflict.DeviceID),
		Detail:     string(strategy),
	})
	return nil
}

// escalate parks a conflict for manual resolution.
func (s *Service) escalate(ctx context.Context, conflict *models.SyncConflict) error {
	if conflict.Status == models.ConflictPendingManual {
		return nil
	}
	conflict.Status = models.ConflictPendingManual
	return s.store.Update(ctx, conflict)
}

// completeEntry marks the originating queue entry COMPLETED so the device's
// sequence can advance past the resolved mutation.
func (s *Service) completeEntry(ctx context.Context, entryID id.EntryID) error {
	entry, err := s.queue.Get(ctx, entryID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if entry.Status.IsTerminal() && entry.Status != models.EntryConflict {
		return nil
	}
	entry.Status = models.EntryCompleted
	entry.UpdatedAt = s.now().UTC()
	return s.queue.Update(ctx, entry, entry.Version)
}

func classify(op models.Operation, current *ports.EntityState) models.ConflictType {
	switch {
	case op == models.OpCreate:
		return models.ConflictCreateCreate
	case op == models.OpDelete:
		return models.ConflictDeleteUpdate
	case current == nil:
		return models.ConflictUpdateDelete
	default:
		return models.ConflictUpdateUpdate
	}
}

// divergentFields lists top-level fields whose values differ between the
// two payloads, including fields present on only one side.
func divergentFields(local, remote json.RawMessage) []string {
	var localMap, remoteMap map[string]json.RawMessage
	if json.Unmarshal(local, &localMap) != nil || json.Unmarshal(remote, &remoteMap) != nil {
		return nil
	}
	seen := make(map[string]struct{})
	for field, localVal := range localMap {
		remoteVal, ok := remoteMap[field]
		if !ok || !bytes.Equal(normalize(localVal), normalize(remoteVal)) {
			seen[field] = struct{}{}
		}
	}
	for field := range remoteMap {
		if _, ok := localMap[field]; !ok {
			seen[field] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for field := range seen {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

// mergePayloads overlays local-only fields onto the remote payload. A field
// present on both sides with different values is an overlapping edit and
// aborts the merge.
func mergePayloads(local, remote json.RawMessage) (json.RawMessage, error) {
	var localMap, remoteMap map[string]json.RawMessage
	if err := json.Unmarshal(local, &localMap); err != nil {
		return nil, fmt.Errorf("unmarshal local payload: %w", err)
	}
	if err := json.Unmarshal(remote, &remoteMap); err != nil {
		return nil, fmt.Errorf("unmarshal remote payload: %w", err)
	}
	merged := make(map[string]json.RawMessage, len(remoteMap)+len(localMap))
	for field, val := range remoteMap {
		merged[field] = val
	}
	for field, localVal := range localMap {
		if remoteVal, ok := remoteMap[field]; ok {
			if !bytes.Equal(normalize(localVal), normalize(remoteVal)) {
				return nil, errOverlappingFields
			}
			continue
		}
		merged[field] = localVal
	}
	return json.Marshal(merged)
}

// normalize re-marshals a JSON fragment so formatting differences do not
// read as divergence.
func normalize(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
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
