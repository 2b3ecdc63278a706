// Package router selects the rule set and vendor adapter for a
// jurisdiction and orchestrates validate -> submit. Routing is by
// jurisdiction code only; what a vendor requires lives in its adapter,
// which jurisdictions a vendor serves lives in the rule registry.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"caretrack/internal/evv/aggregator"
	"caretrack/internal/evv/metrics"
	"caretrack/internal/evv/models"
	"caretrack/internal/evv/ports"
	"caretrack/internal/evv/rules"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/audit"
	"caretrack/pkg/platform/sentinel"
)

// ErrCodeValidationFailed is the submission error code used when a record
// never reaches the vendor because router validation rejected it.
const ErrCodeValidationFailed = "VALIDATION_FAILED"

// Router validates records and dispatches them to the vendor adapter
// configured for their jurisdiction.
type Router struct {
	registry *rules.Registry
	adapters map[rules.AggregatorID]aggregator.Adapter
	records  ports.RecordStore

	auditPublisher ports.AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

// Option configures the Router.
type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithAuditPublisher(publisher ports.AuditPublisher) Option {
	return func(r *Router) { r.auditPublisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New wires the router and fails fast when any configured jurisdiction
// routes to an aggregator with no adapter instance.
func New(registry *rules.Registry, adapters []aggregator.Adapter, records ports.RecordStore, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "rule registry is required")
	}
	if records == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "record store is required")
	}

	byID := make(map[rules.AggregatorID]aggregator.Adapter, len(adapters))
	for _, a := range adapters {
		byID[a.ID()] = a
	}
	for _, j := range registry.Jurisdictions() {
		aggID, err := registry.AggregatorFor(j)
		if err != nil {
			return nil, err
		}
		if _, ok := byID[aggID]; !ok {
			return nil, dErrors.Newf(dErrors.CodeConfiguration, "jurisdiction %s routes to %s but no adapter is wired", j, aggID)
		}
	}

	r := &Router{
		registry: registry,
		adapters: byID,
		records:  records,
		logger:   slog.Default(),
		tracer:   otel.Tracer("caretrack/router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Validate runs field-level validation for the jurisdiction without
// contacting the vendor. Structural problems come back in the result, not
// as an error; only configuration faults (unknown jurisdiction) error.
func (r *Router) Validate(ctx context.Context, record *models.EVVRecord, jurisdiction rules.Jurisdiction) (*models.ValidationResult, error) {
	rs, err := r.registry.Get(jurisdiction)
	if err != nil {
		return nil, err
	}

	result := r.genericValidation(record, rs)

	// Adapters may add vendor-specific checks; the permissive default
	// applies when they don't.
	adapter := r.adapters[rs.Aggregator]
	if v, ok := adapter.(aggregator.Validator); ok {
		result.Merge(v.Validate(record, rs))
	}
	return result, nil
}

func (r *Router) genericValidation(record *models.EVVRecord, rs rules.RuleSet) *models.ValidationResult {
	result := &models.ValidationResult{IsValid: true}

	missing := func(field string) {
		result.IsValid = false
		result.Errors = append(result.Errors, field+" is required")
	}

	for _, field := range rs.RequiredFields {
		switch field {
		case rules.FieldServiceCode:
			if strings.TrimSpace(record.ServiceCode) == "" {
				missing(field)
			}
		case rules.FieldClientID:
			if record.ClientID.IsNil() {
				missing(field)
			}
		case rules.FieldCaregiverID:
			if record.CaregiverID.IsNil() {
				missing(field)
			}
		case rules.FieldJurisdiction:
			if record.Jurisdiction == "" {
				missing(field)
			}
		case rules.FieldClockIn:
			if record.ClockInAt == nil {
				missing(field)
			}
		case rules.FieldClockOut:
			if record.ClockOutAt == nil {
				missing(field)
			}
		case rules.FieldClockInLoc:
			if record.ClockInVerification == nil {
				missing(field)
			}
		case rules.FieldClockOutLoc:
			if record.ClockOutVerification == nil {
				missing(field)
			}
		}
	}

	if record.ClockInAt != nil && record.ClockOutAt != nil && record.ClockOutAt.Before(*record.ClockInAt) {
		result.IsValid = false
		result.Errors = append(result.Errors, "clock-out precedes clock-in")
	}

	if record.ClockInAt != nil && record.ClockInAt.Before(record.ScheduledStart.Add(-rs.GracePeriod)) {
		result.Warnings = append(result.Warnings, "clock-in outside grace period")
	}

	if record.Status == models.RecordComplete && !record.ChecksumValid() {
		result.IsValid = false
		result.Errors = append(result.Errors, "integrity checksum is invalid; record was modified after finalize")
	}

	return result
}

// Submit validates the record and, only if it is syntactically valid,
// dispatches to the jurisdiction's adapter. Outcomes:
//
//   - validation failure: unsuccessful result, ErrorCode VALIDATION_FAILED,
//     adapter never called
//   - vendor rejection: unsuccessful result with vendor code, record REJECTED
//   - success: result with confirmation id, record SUBMITTED
//   - transport failure: CodeTransport error (retryable by the queue)
//   - auth/config failure: CodeConfiguration error (operator attention)
//
// Replaying an already-submitted record is a no-op: the stored
// confirmation id is returned and no second vendor call is made.
func (r *Router) Submit(ctx context.Context, record *models.EVVRecord, jurisdiction rules.Jurisdiction) (*models.SubmissionResult, error) {
	rs, err := r.registry.Get(jurisdiction)
	if err != nil {
		return nil, err
	}
	adapter := r.adapters[rs.Aggregator]

	ctx, span := r.tracer.Start(ctx, "router.Submit",
		trace.WithAttributes(
			attribute.String("evv.jurisdiction", string(jurisdiction)),
			attribute.String("evv.aggregator", string(rs.Aggregator)),
			attribute.String("evv.record_id", record.ID.String()),
		))
	defer span.End()

	// Idempotent replay guard.
	if current, err := r.records.Get(ctx, record.ID); err == nil &&
		current.Status == models.RecordSubmitted && current.ConfirmationID != "" {
		return &models.SubmissionResult{
			Success:          true,
			SubmissionID:     current.SubmissionID,
			ConfirmationID:   current.ConfirmationID,
			AlreadySubmitted: true,
		}, nil
	}

	validation, err := r.Validate(ctx, record, jurisdiction)
	if err != nil {
		return nil, err
	}
	if !validation.IsValid {
		r.count(rs.Aggregator, "validation_failed")
		return &models.SubmissionResult{
			Success:      false,
			ErrorCode:    ErrCodeValidationFailed,
			ErrorMessage: strings.Join(validation.Errors, "; "),
		}, nil
	}

	start := time.Now()
	result, err := adapter.Submit(ctx, record, rs)
	if r.metrics != nil {
		r.metrics.SubmissionSeconds.WithLabelValues(string(rs.Aggregator)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, r.classifySubmitError(ctx, record, rs, err)
	}

	if result.Success {
		return result, r.recordSuccess(ctx, record, rs, result)
	}
	return result, r.recordRejection(ctx, record, rs, result)
}

func (r *Router) classifySubmitError(ctx context.Context, record *models.EVVRecord, rs rules.RuleSet, err error) error {
	switch {
	case aggregator.IsAuthFailure(err):
		r.count(rs.Aggregator, "auth_failure")
		r.logger.ErrorContext(ctx, "aggregator authentication failure, operator attention required",
			"aggregator", rs.Aggregator,
			"jurisdiction", record.Jurisdiction,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeConfiguration, "aggregator authentication failed")
	case aggregator.IsRetryable(err):
		r.count(rs.Aggregator, "transport_failure")
		record.LastError = err.Error()
		if storeErr := r.records.Update(ctx, record, record.Version); storeErr != nil && !errors.Is(storeErr, sentinel.ErrConflict) {
			r.logger.WarnContext(ctx, "failed to persist transport error on record",
				"record_id", record.ID, "error", storeErr)
		}
		return dErrors.Wrap(err, dErrors.CodeTransport, "aggregator unreachable")
	default:
		r.count(rs.Aggregator, "error")
		return dErrors.Wrap(err, dErrors.CodeInternal, "aggregator submission failed")
	}
}

func (r *Router) recordSuccess(ctx context.Context, record *models.EVVRecord, rs rules.RuleSet, result *models.SubmissionResult) error {
	record.Status = models.RecordSubmitted
	record.SubmissionID = result.SubmissionID
	// The vendor confirmation id is the audit artifact; it is persisted,
	// never discarded.
	record.ConfirmationID = result.ConfirmationID
	record.LastError = ""
	record.UpdatedAt = time.Now().UTC()
	if err := r.records.Update(ctx, record, record.Version); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "record submitted but confirmation could not be persisted")
	}

	r.count(rs.Aggregator, "success")
	r.emit(ctx, audit.Event{
		Category:     audit.CategoryCompliance,
		Action:       audit.EventRecordSubmitted,
		VisitID:      record.VisitID.String(),
		RecordID:     record.ID.String(),
		Jurisdiction: record.Jurisdiction,
		Aggregator:   string(rs.Aggregator),
		Detail:       "confirmation " + result.ConfirmationID,
	})
	return nil
}

func (r *Router) recordRejection(ctx context.Context, record *models.EVVRecord, rs rules.RuleSet, result *models.SubmissionResult) error {
	record.Status = models.RecordRejected
	record.SubmissionID = result.SubmissionID
	record.LastError = result.ErrorCode + ": " + result.ErrorMessage
	record.UpdatedAt = time.Now().UTC()
	if err := r.records.Update(ctx, record, record.Version); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "vendor rejection could not be persisted")
	}

	r.count(rs.Aggregator, "vendor_rejected")
	r.emit(ctx, audit.Event{
		Category:     audit.CategoryCompliance,
		Action:       audit.EventRecordRejected,
		VisitID:      record.VisitID.String(),
		RecordID:     record.ID.String(),
		Jurisdiction: record.Jurisdiction,
		Aggregator:   string(rs.Aggregator),
		Detail:       record.LastError,
	})
	return nil
}

func (r *Router) count(agg rules.AggregatorID, outcome string) {
	if r.metrics != nil {
		r.metrics.Submissions.WithLabelValues(string(agg), outcome).Inc()
	}
}

func (r *Router) emit(ctx context.Context, event audit.Event) {
	if r.auditPublisher == nil {
		return
	}
	if err := r.auditPublisher.Emit(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to emit audit event",
			"action", event.Action, "error", err)
	}
}
