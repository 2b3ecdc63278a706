// Package visit implements the scheduled-visit lifecycle: the transition
// table, clock-in/clock-out with geofence verification, and the handoff of
// finalized records to the compliance router or the offline queue.
package visit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"caretrack/internal/evv/geofence"
	"caretrack/internal/evv/metrics"
	"caretrack/internal/evv/models"
	"caretrack/internal/evv/ports"
	"caretrack/internal/evv/rules"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/audit"
	"caretrack/pkg/platform/sentinel"
	"caretrack/pkg/requestcontext"
)

// Submitter dispatches a finalized record to its jurisdiction's aggregator.
// Implemented by the compliance router.
type Submitter interface {
	Submit(ctx context.Context, record *models.EVVRecord, jurisdiction rules.Jurisdiction) (*models.SubmissionResult, error)
}

// OfflineQueue accepts a submission for deferred delivery when the
// aggregator is unreachable or the device reports itself offline.
type OfflineQueue interface {
	EnqueueSubmission(ctx context.Context, record *models.EVVRecord, deviceID id.DeviceID) error
}

// coordinatorOnly lists target states a caregiver cannot move a visit into.
// Scheduling, cancellation and no-show decisions belong to coordinators.
var coordinatorOnly = map[models.VisitStatus]bool{
	models.StatusScheduled:       true,
	models.StatusUnassigned:      true,
	models.StatusAssigned:        true,
	models.StatusCancelled:       true,
	models.StatusNoShowClient:    true,
	models.StatusNoShowCaregiver: true,
}

// Service owns visit lifecycle mutations. All writes go through the stores'
// optimistic version checks; a lost race surfaces as CodeConflict and the
// caller retries with fresh state.
type Service struct {
	visits   ports.VisitStore
	records  ports.RecordStore
	registry *rules.Registry

	submitter Submitter
	queue     OfflineQueue

	auditPublisher ports.AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(s *Service) { s.auditPublisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOfflineQueue wires the sync queue used when submission must be
// deferred. Without it, transport failures surface to the caller directly.
func WithOfflineQueue(queue OfflineQueue) Option {
	return func(s *Service) { s.queue = queue }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires the lifecycle service.
func New(visits ports.VisitStore, records ports.RecordStore, registry *rules.Registry, submitter Submitter, opts ...Option) (*Service, error) {
	if visits == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "visit store is required")
	}
	if records == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "record store is required")
	}
	if registry == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "rule registry is required")
	}
	if submitter == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "submitter is required")
	}

	s := &Service{
		visits:    visits,
		records:   records,
		registry:  registry,
		submitter: submitter,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create persists a new visit in DRAFT. The jurisdiction must be one the
// registry knows; a visit in an unconfigured region could never submit.
func (s *Service) Create(ctx context.Context, visit *models.Visit) error {
	if _, err := s.registry.Get(rules.Jurisdiction(visit.Jurisdiction)); err != nil {
		return err
	}
	if visit.ID.IsNil() {
		visit.ID = id.NewVisitID()
	}
	now := s.now().UTC()
	visit.Status = models.StatusDraft
	visit.StatusHistory = nil
	visit.CreatedAt = now
	visit.UpdatedAt = now
	return s.visits.Create(ctx, visit)
}

// Get returns a visit by id.
func (s *Service) Get(ctx context.Context, visitID id.VisitID) (*models.Visit, error) {
	visit, err := s.visits.Get(ctx, visitID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "visit %s not found", visitID)
	}
	return visit, err
}

// ListByCaregiver returns a caregiver's visits ordered by scheduled start.
func (s *Service) ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID) ([]*models.Visit, error) {
	return s.visits.ListByCaregiver(ctx, caregiverID)
}

// authorizeActor admits the visit's assigned caregiver or a coordinator.
// Every lifecycle mutation passes through here: one caregiver must not be
// able to drive another caregiver's visit.
func authorizeActor(ctx context.Context, visit *models.Visit) error {
	if requestcontext.ActorRole(ctx) == requestcontext.RoleCoordinator {
		return nil
	}
	if requestcontext.CaregiverID(ctx) == visit.CaregiverID {
		return nil
	}
	return dErrors.Newf(dErrors.CodeUnauthorized, "visit %s is assigned to another caregiver", visit.ID)
}

// Transition moves a visit along the lifecycle table. Clock-guarded edges
// (ARRIVED -> IN_PROGRESS, IN_PROGRESS -> COMPLETED/INCOMPLETE) are
// rejected here: those states are only reachable through ClockIn/ClockOut
// so every service period carries a location verification.
func (s *Service) Transition(ctx context.Context, visitID id.VisitID, to models.VisitStatus, reason string) (*models.Visit, error) {
	visit, err := s.Get(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if err := authorizeActor(ctx, visit); err != nil {
		return nil, err
	}

	if visit.Status == models.StatusArrived && to == models.StatusInProgress {
		return nil, dErrors.New(dErrors.CodeValidationFailed, "starting service requires clock-in")
	}
	if visit.Status == models.StatusInProgress && (to == models.StatusCompleted || to == models.StatusIncomplete) {
		return nil, dErrors.New(dErrors.CodeValidationFailed, "ending service requires clock-out")
	}
	if err := validateTransition(visit.Status, to); err != nil {
		return nil, err
	}
	if coordinatorOnly[to] && requestcontext.ActorRole(ctx) != requestcontext.RoleCoordinator {
		return nil, dErrors.Newf(dErrors.CodeUnauthorized, "transition to %s requires a coordinator", to)
	}

	from := visit.Status
	visit.AppendStatus(to, requestcontext.CaregiverID(ctx), false, reason, s.now().UTC())
	if err := s.visits.Update(ctx, visit, visit.Version); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "visit was modified concurrently, reload and retry")
		}
		return nil, err
	}

	s.emit(ctx, audit.Event{
		Category: audit.CategoryOperations,
		Action:   audit.EventVisitStatusChanged,
		VisitID:  visit.ID.String(),
		Detail:   string(from) + " -> " + string(to),
	})
	return visit, nil
}

// ClockInInput is a caregiver's arrival capture.
type ClockInInput struct {
	VisitID id.VisitID
	Sample  geofence.Sample

	// OverrideReason accepts a failed geofence check. Coordinators only;
	// the reason is recorded on the EVV record for the auditor.
	OverrideReason string
}

// ClockInResult reports the verification outcome. A failed geofence is not
// an error: Accepted is false, Verification carries the measured distance,
// and the visit remains ARRIVED for a corrected retry or an override.
type ClockInResult struct {
	Accepted     bool                        `json:"accepted"`
	Verification models.LocationVerification `json:"verification"`
	Visit        *models.Visit               `json:"visit"`
	Record       *models.EVVRecord           `json:"record,omitempty"`
}

// ClockIn verifies the caregiver's position against the service address and,
// when the check passes (or a coordinator overrides), opens the EVV record
// and moves the visit to IN_PROGRESS.
func (s *Service) ClockIn(ctx context.Context, input ClockInInput) (*ClockInResult, error) {
	// The sample timestamp becomes the record's clock time and feeds the
	// integrity checksum; a missing one cannot be silently defaulted.
	if input.Sample.Timestamp.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "location sample timestamp is required")
	}
	visit, err := s.Get(ctx, input.VisitID)
	if err != nil {
		return nil, err
	}
	if err := authorizeActor(ctx, visit); err != nil {
		return nil, err
	}
	if visit.Status != models.StatusArrived {
		return nil, dErrors.Newf(dErrors.CodeValidationFailed, "visit is %s, clock-in requires ARRIVED", visit.Status)
	}
	if _, err := s.records.GetByVisit(ctx, visit.ID); err == nil {
		return nil, dErrors.Newf(dErrors.CodeConflict, "visit %s already has an EVV record", visit.ID)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}

	rs, err := s.registry.Get(rules.Jurisdiction(visit.Jurisdiction))
	if err != nil {
		return nil, err
	}
	verification, err := geofence.Verify(input.Sample, visit.Address, rs.ToleranceMeters)
	if err != nil {
		return nil, err
	}

	overridden := false
	if !verification.GeofencePassed {
		if s.metrics != nil {
			s.metrics.GeofenceFailures.WithLabelValues(visit.Jurisdiction).Inc()
		}
		s.emit(ctx, audit.Event{
			Category:     audit.CategoryCompliance,
			Action:       audit.EventGeofenceFailed,
			VisitID:      visit.ID.String(),
			Jurisdiction: visit.Jurisdiction,
		})
		if input.OverrideReason == "" {
			s.countClock("clock_in", "geofence_failed")
			return &ClockInResult{Accepted: false, Verification: verification, Visit: visit}, nil
		}
		if requestcontext.ActorRole(ctx) != requestcontext.RoleCoordinator {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "geofence override requires a coordinator")
		}
		overridden = true
	}

	now := s.now().UTC()
	clockInAt := input.Sample.Timestamp
	record := &models.EVVRecord{
		ID:                  id.NewRecordID(),
		VisitID:             visit.ID,
		ClientID:            visit.ClientID,
		CaregiverID:         visit.CaregiverID,
		Jurisdiction:        visit.Jurisdiction,
		ServiceCode:         visit.ServiceCode,
		ScheduledStart:      visit.ScheduledStart,
		ScheduledEnd:        visit.ScheduledEnd,
		ClockInAt:           &clockInAt,
		ClockInVerification: &verification,
		Status:              models.RecordDraft,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if overridden {
		record.GeofenceOverrideReason = input.OverrideReason
	}
	if err := s.records.Create(ctx, record); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Newf(dErrors.CodeConflict, "visit %s already has an EVV record", visit.ID)
		}
		return nil, err
	}

	visit.ActualStart = &clockInAt
	visit.AppendStatus(models.StatusInProgress, visit.CaregiverID, true, "clock-in", now)
	if err := s.visits.Update(ctx, visit, visit.Version); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "visit was modified concurrently, reload and retry")
		}
		return nil, err
	}

	s.countClock("clock_in", "accepted")
	s.emit(ctx, audit.Event{
		Category:     audit.CategoryCompliance,
		Action:       audit.EventClockInRecorded,
		VisitID:      visit.ID.String(),
		RecordID:     record.ID.String(),
		Jurisdiction: visit.Jurisdiction,
	})
	if overridden {
		if s.metrics != nil {
			s.metrics.GeofenceOverrides.Inc()
		}
		s.emit(ctx, audit.Event{
			Category:     audit.CategoryCompliance,
			Action:       audit.EventGeofenceOverridden,
			VisitID:      visit.ID.String(),
			RecordID:     record.ID.String(),
			Jurisdiction: visit.Jurisdiction,
			Detail:       input.OverrideReason,
		})
	}

	return &ClockInResult{Accepted: true, Verification: verification, Visit: visit, Record: record}, nil
}

// ClockOutInput is a caregiver's departure capture.
type ClockOutInput struct {
	VisitID id.VisitID
	Sample  geofence.Sample

	// Disposition is COMPLETED or INCOMPLETE.
	Disposition models.VisitStatus

	// Offline defers submission to the sync queue instead of attempting
	// delivery inline.
	Offline bool

	OverrideReason string
}

// ClockOutResult reports the departure outcome. Submission failure does not
// undo the clock-out: the record is finalized and persisted regardless, and
// Queued reports whether delivery was deferred to the sync queue.
type ClockOutResult struct {
	Accepted     bool                        `json:"accepted"`
	Verification models.LocationVerification `json:"verification"`
	Visit        *models.Visit               `json:"visit"`
	Record       *models.EVVRecord           `json:"record,omitempty"`
	Submission   *models.SubmissionResult    `json:"submission,omitempty"`
	Queued       bool                        `json:"queued"`
}

// ClockOut verifies the departure position, finalizes the EVV record with
// its integrity checksum, closes the visit, and submits the record — inline
// when reachable, via the offline queue otherwise.
func (s *Service) ClockOut(ctx context.Context, input ClockOutInput) (*ClockOutResult, error) {
	if input.Disposition != models.StatusCompleted && input.Disposition != models.StatusIncomplete {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "disposition must be COMPLETED or INCOMPLETE, got %q", input.Disposition)
	}
	if input.Sample.Timestamp.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "location sample timestamp is required")
	}

	visit, err := s.Get(ctx, input.VisitID)
	if err != nil {
		return nil, err
	}
	if err := authorizeActor(ctx, visit); err != nil {
		return nil, err
	}
	if visit.Status != models.StatusInProgress {
		return nil, dErrors.Newf(dErrors.CodeValidationFailed, "visit is %s, clock-out requires IN_PROGRESS", visit.Status)
	}
	record, err := s.records.GetByVisit(ctx, visit.ID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Newf(dErrors.CodeValidationFailed, "visit %s has no EVV record, clock-in never happened", visit.ID)
	} else if err != nil {
		return nil, err
	}

	rs, err := s.registry.Get(rules.Jurisdiction(visit.Jurisdiction))
	if err != nil {
		return nil, err
	}
	verification, err := geofence.Verify(input.Sample, visit.Address, rs.ToleranceMeters)
	if err != nil {
		return nil, err
	}

	overridden := false
	if !verification.GeofencePassed {
		if s.metrics != nil {
			s.metrics.GeofenceFailures.WithLabelValues(visit.Jurisdiction).Inc()
		}
		s.emit(ctx, audit.Event{
			Category:     audit.CategoryCompliance,
			Action:       audit.EventGeofenceFailed,
			VisitID:      visit.ID.String(),
			RecordID:     record.ID.String(),
			Jurisdiction: visit.Jurisdiction,
		})
		if input.OverrideReason == "" {
			s.countClock("clock_out", "geofence_failed")
			return &ClockOutResult{Accepted: false, Verification: verification, Visit: visit, Record: record}, nil
		}
		if requestcontext.ActorRole(ctx) != requestcontext.RoleCoordinator {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "geofence override requires a coordinator")
		}
		overridden = true
	}

	now := s.now().UTC()
	clockOutAt := input.Sample.Timestamp
	record.ClockOutAt = &clockOutAt
	record.ClockOutVerification = &verification
	if overridden {
		record.GeofenceOverrideReason = input.OverrideReason
	}
	if err := record.Finalize(now); err != nil {
		return nil, err
	}
	if err := s.records.Update(ctx, record, record.Version); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "record was modified concurrently, reload and retry")
		}
		return nil, err
	}

	visit.ActualEnd = &clockOutAt
	visit.AppendStatus(input.Disposition, visit.CaregiverID, true, "clock-out", now)
	if err := s.visits.Update(ctx, visit, visit.Version); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "visit was modified concurrently, reload and retry")
		}
		return nil, err
	}

	s.countClock("clock_out", "accepted")
	s.emit(ctx, audit.Event{
		Category:     audit.CategoryCompliance,
		Action:       audit.EventClockOutRecorded,
		VisitID:      visit.ID.String(),
		RecordID:     record.ID.String(),
		Jurisdiction: visit.Jurisdiction,
	})
	if overridden {
		if s.metrics != nil {
			s.metrics.GeofenceOverrides.Inc()
		}
		s.emit(ctx, audit.Event{
			Category:     audit.CategoryCompliance,
			Action:       audit.EventGeofenceOverridden,
			VisitID:      visit.ID.String(),
			RecordID:     record.ID.String(),
			Jurisdiction: visit.Jurisdiction,
			Detail:       input.OverrideReason,
		})
	}

	result := &ClockOutResult{Accepted: true, Verification: verification, Visit: visit, Record: record}
	s.deliver(ctx, record, input.Offline, result)
	return result, nil
}

// deliver submits the finalized record or defers it to the sync queue. The
// clock-out already succeeded; delivery trouble is recorded, never fatal.
func (s *Service) deliver(ctx context.Context, record *models.EVVRecord, offline bool, result *ClockOutResult) {
	deviceID := requestcontext.DeviceID(ctx)

	if offline && s.queue != nil {
		if err := s.queue.EnqueueSubmission(ctx, record, deviceID); err != nil {
			s.logger.ErrorContext(ctx, "failed to enqueue offline submission",
				"record_id", record.ID, "error", err)
			return
		}
		result.Queued = true
		return
	}

	submission, err := s.submitter.Submit(ctx, record, rules.Jurisdiction(record.Jurisdiction))
	if err == nil {
		result.Submission = submission
		return
	}

	if dErrors.HasCode(err, dErrors.CodeTransport) && s.queue != nil {
		s.logger.WarnContext(ctx, "aggregator unreachable, queueing submission",
			"record_id", record.ID, "error", err)
		if qErr := s.queue.EnqueueSubmission(ctx, record, deviceID); qErr != nil {
			s.logger.ErrorContext(ctx, "failed to queue submission after transport failure",
				"record_id", record.ID, "error", qErr)
			return
		}
		result.Queued = true
		return
	}

	s.logger.ErrorContext(ctx, "submission failed",
		"record_id", record.ID, "error", err)
}

func (s *Service) countClock(kind, outcome string) {
	if s.metrics != nil {
		s.metrics.ClockEvents.WithLabelValues(kind, outcome).Inc()
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
