// Package handler exposes the offline sync surface: mutation intake from
// devices, drain triggers, and conflict review.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"caretrack/internal/sync/drainer"
	"caretrack/internal/sync/models"
	"caretrack/internal/sync/queue"
	id "caretrack/pkg/domain"
	dErrors "caretrack/pkg/domain-errors"
	"caretrack/pkg/platform/httputil"
	"caretrack/pkg/platform/sentinel"
	"caretrack/pkg/requestcontext"
)

// QueueService accepts offline mutations and answers queue queries.
type QueueService interface {
	Enqueue(ctx context.Context, input queue.EnqueueInput) (*models.SyncQueueEntry, error)
	ListOpenByDevice(ctx context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error)
	ListNeedsReconciliation(ctx context.Context, deviceID id.DeviceID) ([]*models.SyncQueueEntry, error)
}

// ConflictService lists and resolves sync conflicts.
type ConflictService interface {
	ListOpen(ctx context.Context) ([]*models.SyncConflict, error)
	Resolve(ctx context.Context, conflictID id.ConflictID, strategy models.ResolutionStrategy, manualPayload json.RawMessage) (*models.SyncConflict, error)
}

// Drainer replays device queues.
type Drainer interface {
	Drain(ctx context.Context, deviceID id.DeviceID) (drainer.Report, error)
	DrainAll(ctx context.Context) ([]drainer.Report, error)
}

// Handler serves the sync endpoints.
type Handler struct {
	queue     QueueService
	conflicts ConflictService
	drainer   Drainer
	logger    *slog.Logger
}

// New creates a sync Handler.
func New(queue QueueService, conflicts ConflictService, drainer Drainer, logger *slog.Logger) *Handler {
	return &Handler{queue: queue, conflicts: conflicts, drainer: drainer, logger: logger}
}

// Register mounts the sync routes.
func (h *Handler) Register(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		r.Post("/queue", h.handleEnqueue)
		r.Post("/drain", h.handleDrainAll)
		r.Route("/devices/{deviceID}", func(r chi.Router) {
			r.Get("/queue", h.handleListQueue)
			r.Get("/reconciliation", h.handleListReconciliation)
			r.Post("/drain", h.handleDrainDevice)
		})
		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.handleListConflicts)
			r.Post("/{conflictID}/resolve", h.handleResolveConflict)
		})
	})
}

type enqueueRequest struct {
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	BaseVersion int64           `json:"base_version"`
	DependsOn   []id.EntryID    `json:"depends_on,omitempty"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := requestcontext.DeviceID(ctx)
	if deviceID.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "X-Device-ID header is required"))
		return
	}
	req, ok := httputil.Decode[enqueueRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	entry, err := h.queue.Enqueue(ctx, queue.EnqueueInput{
		DeviceID:    deviceID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Operation:   models.Operation(req.Operation),
		Payload:     req.Payload,
		Priority:    models.Priority(req.Priority),
		BaseVersion: req.BaseVersion,
		DependsOn:   req.DependsOn,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "enqueue rejected", "device_id", deviceID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, entry)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	entries, err := h.queue.ListOpenByDevice(ctx, deviceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleListReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	entries, err := h.queue.ListNeedsReconciliation(ctx, deviceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleDrainDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	report, err := h.drainer.Drain(ctx, deviceID)
	if errors.Is(err, sentinel.ErrLocked) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, "drain already in progress for device"))
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "drain failed", "device_id", deviceID, "error", err)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "drain failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) handleDrainAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reports, err := h.drainer.DrainAll(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "drain-all failed", "error", err)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "drain failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conflicts, err := h.conflicts.ListOpen(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveRequest struct {
	Strategy string          `json:"strategy"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (h *Handler) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conflictID, err := id.ParseConflictID(chi.URLParam(r, "conflictID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed conflict id"))
		return
	}
	req, ok := httputil.Decode[resolveRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	conflict, err := h.conflicts.Resolve(ctx, conflictID, models.ResolutionStrategy(req.Strategy), req.Payload)
	if err != nil {
		h.logger.WarnContext(ctx, "conflict resolution rejected",
			"conflict_id", conflictID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, conflict)
}

func (h *Handler) deviceID(w http.ResponseWriter, r *http.Request) (id.DeviceID, bool) {
	deviceID, err := id.ParseDeviceID(chi.URLParam(r, "deviceID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed device id"))
		return "", false
	}
	return deviceID, true
}
