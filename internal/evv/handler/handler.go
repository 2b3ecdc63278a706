// Package handler exposes the visit lifecycle and verification operations
// over HTTP. Authentication happens upstream; the middleware forwards the
// caller's identity headers and the handlers enforce the role guards the
// services define.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"caretrack/internal/evv/geofence"
	"caretrack/internal/evv/models"
	"caretrack/internal/evv/visit"
	"caretrack/internal/platform/middleware"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/httputil"
	"caretrack/pkg/requestcontext"
)

// VisitService is the lifecycle surface the handler drives.
type VisitService interface {
	Create(ctx context.Context, v *models.Visit) error
	Get(ctx context.Context, visitID id.VisitID) (*models.Visit, error)
	ListByCaregiver(ctx context.Context, caregiverID id.CaregiverID) ([]*models.Visit, error)
	Transition(ctx context.Context, visitID id.VisitID, to models.VisitStatus, reason string) (*models.Visit, error)
	ClockIn(ctx context.Context, input visit.ClockInInput) (*visit.ClockInResult, error)
	ClockOut(ctx context.Context, input visit.ClockOutInput) (*visit.ClockOutResult, error)
}

// RecordReader fetches EVV records for read endpoints.
type RecordReader interface {
	GetByVisit(ctx context.Context, visitID id.VisitID) (*models.EVVRecord, error)
}

// Handler serves the visit endpoints.
type Handler struct {
	visits  VisitService
	records RecordReader
	logger  *slog.Logger
}

// New creates a visit Handler.
func New(visits VisitService, records RecordReader, logger *slog.Logger) *Handler {
	return &Handler{visits: visits, records: records, logger: logger}
}

// Register mounts the visit routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/visits", func(r chi.Router) {
		r.Use(middleware.DevicePlatform)
		r.Post("/", h.handleCreateVisit)
		r.Get("/", h.handleListVisits)
		r.Route("/{visitID}", func(r chi.Router) {
			r.Get("/", h.handleGetVisit)
			r.Get("/record", h.handleGetRecord)
			r.Post("/transition", h.handleTransition)
			r.Post("/clock-in", h.handleClockIn)
			r.Post("/clock-out", h.handleClockOut)
		})
	})
}

type createVisitRequest struct {
	ClientID       id.ClientID     `json:"client_id"`
	CaregiverID    id.CaregiverID  `json:"caregiver_id"`
	Jurisdiction   string          `json:"jurisdiction"`
	ServiceCode    string          `json:"service_code"`
	Address        models.GeoPoint `json:"address"`
	ScheduledStart time.Time       `json:"scheduled_start"`
	ScheduledEnd   time.Time       `json:"scheduled_end"`
}

func (h *Handler) handleCreateVisit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.Decode[createVisitRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	v := &models.Visit{
		ClientID:       req.ClientID,
		CaregiverID:    req.CaregiverID,
		Jurisdiction:   req.Jurisdiction,
		ServiceCode:    req.ServiceCode,
		Address:        req.Address,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	}
	if err := h.visits.Create(ctx, v); err != nil {
		h.logger.WarnContext(ctx, "visit creation rejected", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, v)
}

func (h *Handler) handleListVisits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caregiverID := requestcontext.CaregiverID(ctx)
	if caregiverID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "caregiver identity is required"))
		return
	}

	visits, err := h.visits.ListByCaregiver(ctx, caregiverID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list visits", "caregiver_id", caregiverID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"visits": visits})
}

func (h *Handler) handleGetVisit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID, ok := h.visitID(w, r)
	if !ok {
		return
	}

	v, err := h.visits.Get(ctx, visitID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID, ok := h.visitID(w, r)
	if !ok {
		return
	}

	record, err := h.records.GetByVisit(ctx, visitID)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "no record for visit"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

type transitionRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID, ok := h.visitID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[transitionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	status, err := models.ParseVisitStatus(req.To)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	v, err := h.visits.Transition(ctx, visitID, status, req.Reason)
	if err != nil {
		h.logger.WarnContext(ctx, "transition rejected",
			"visit_id", visitID, "to", status, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

// locationRequest is the position sample both clock endpoints accept.
type locationRequest struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp"`
	SuspectedMock  bool      `json:"suspected_mock,omitempty"`
	OverrideReason string    `json:"override_reason,omitempty"`
}

func (req locationRequest) sample() geofence.Sample {
	return geofence.Sample{
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		AccuracyMeters: req.AccuracyMeters,
		Timestamp:      req.Timestamp,
		SuspectedMock:  req.SuspectedMock,
	}
}

func (h *Handler) handleClockIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID, ok := h.visitID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[locationRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	result, err := h.visits.ClockIn(ctx, visit.ClockInInput{
		VisitID:        visitID,
		Sample:         req.sample(),
		OverrideReason: req.OverrideReason,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// A failed geofence is a structured outcome, not an error status.
	httputil.WriteJSON(w, http.StatusOK, result)
}

type clockOutRequest struct {
	locationRequest
	Disposition string `json:"disposition"`
	Offline     bool   `json:"offline,omitempty"`
}

func (h *Handler) handleClockOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	visitID, ok := h.visitID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.Decode[clockOutRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	result, err := h.visits.ClockOut(ctx, visit.ClockOutInput{
		VisitID:        visitID,
		Sample:         req.sample(),
		Disposition:    models.VisitStatus(req.Disposition),
		Offline:        req.Offline,
		OverrideReason: req.OverrideReason,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) visitID(w http.ResponseWriter, r *http.Request) (id.VisitID, bool) {
	visitID, err := id.ParseVisitID(chi.URLParam(r, "visitID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed visit id"))
		return id.VisitID{}, false
	}
	return visitID, true
}
