package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caretrack/internal/evv/models"
	rstore "caretrack/internal/evv/record/store"
	"caretrack/internal/evv/rules"
	"caretrack/internal/evv/visit"
	vstore "caretrack/internal/evv/visit/store"
	"caretrack/internal/platform/middleware"
	id "caretrack/pkg/domain"
)

// okSubmitter accepts every submission inline.
type okSubmitter struct{}

func (okSubmitter) Submit(_ context.Context, _ *models.EVVRecord, _ rules.Jurisdiction) (*models.SubmissionResult, error) {
	return &models.SubmissionResult{Success: true, ConfirmationID: "SND-CONF-T"}, nil
}

type handlerFixture struct {
	router  http.Handler
	visits  *vstore.InMemoryVisitStore
	records *rstore.InMemoryRecordStore
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	visits := vstore.NewInMemory()
	records := rstore.NewInMemory()
	registry, err := rules.Default()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := visit.New(visits, records, registry, okSubmitter{}, visit.WithLogger(logger))
	require.NoError(t, err)

	h := New(svc, records, logger)
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Actor)
	h.Register(r)
	return &handlerFixture{router: r, visits: visits, records: records}
}

// seedVisit persists a visit directly in the store at the given status.
func (f *handlerFixture) seedVisit(t *testing.T, status models.VisitStatus) *models.Visit {
	t.Helper()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	v := &models.Visit{
		ID:             id.NewVisitID(),
		ClientID:       id.NewClientID(),
		CaregiverID:    id.NewCaregiverID(),
		Jurisdiction:   "OH",
		ServiceCode:    "T1019",
		Address:        models.GeoPoint{Latitude: 39.9612, Longitude: -82.9988},
		ScheduledStart: now,
		ScheduledEnd:   now.Add(2 * time.Hour),
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.visits.Create(context.Background(), v))
	return v
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any, caregiver id.CaregiverID, coordinator bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if !caregiver.IsNil() {
		req.Header.Set("X-Caregiver-ID", caregiver.String())
	}
	if coordinator {
		req.Header.Set("X-Actor-Role", "coordinator")
	}
	req.Header.Set("X-Device-ID", "device-1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetVisit(t *testing.T) {
	f := newFixture(t)

	payload := map[string]any{
		"client_id":       id.NewClientID().String(),
		"caregiver_id":    id.NewCaregiverID().String(),
		"jurisdiction":    "OH",
		"service_code":    "T1019",
		"address":         map[string]float64{"latitude": 39.9612, "longitude": -82.9988},
		"scheduled_start": "2026-03-10T09:00:00Z",
		"scheduled_end":   "2026-03-10T11:00:00Z",
	}
	rec := f.do(t, http.MethodPost, "/visits/", payload, id.CaregiverID{}, false)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Visit
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, models.StatusDraft, created.Status)
	assert.Equal(t, int64(1), created.Version)

	rec = f.do(t, http.MethodGet, "/visits/"+created.ID.String(), nil, id.CaregiverID{}, false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateVisitUnknownJurisdiction(t *testing.T) {
	f := newFixture(t)

	payload := map[string]any{
		"client_id":       id.NewClientID().String(),
		"caregiver_id":    id.NewCaregiverID().String(),
		"jurisdiction":    "ZZ",
		"service_code":    "T1019",
		"address":         map[string]float64{"latitude": 39.9612, "longitude": -82.9988},
		"scheduled_start": "2026-03-10T09:00:00Z",
		"scheduled_end":   "2026-03-10T11:00:00Z",
	}
	rec := f.do(t, http.MethodPost, "/visits/", payload, id.CaregiverID{}, false)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListVisitsRequiresIdentity(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/visits/", nil, id.CaregiverID{}, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	v := f.seedVisit(t, models.StatusScheduled)
	rec = f.do(t, http.MethodGet, "/visits/", nil, v.CaregiverID, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Visits []*models.Visit `json:"visits"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Visits, 1)
}

func TestTransitionVisit(t *testing.T) {
	f := newFixture(t)

	t.Run("allowed edge succeeds", func(t *testing.T) {
		v := f.seedVisit(t, models.StatusAssigned)
		rec := f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/transition",
			map[string]string{"to": "CONFIRMED"}, v.CaregiverID, false)
		require.Equal(t, http.StatusOK, rec.Code)

		var updated models.Visit
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&updated))
		assert.Equal(t, models.StatusConfirmed, updated.Status)
	})

	t.Run("disallowed edge is 400", func(t *testing.T) {
		v := f.seedVisit(t, models.StatusScheduled)
		rec := f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/transition",
			map[string]string{"to": "COMPLETED"}, v.CaregiverID, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown status is 400", func(t *testing.T) {
		v := f.seedVisit(t, models.StatusScheduled)
		rec := f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/transition",
			map[string]string{"to": "TELEPORTED"}, v.CaregiverID, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cancellation needs a coordinator", func(t *testing.T) {
		v := f.seedVisit(t, models.StatusScheduled)
		body := map[string]string{"to": "CANCELLED", "reason": "client hospitalized"}

		rec := f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/transition", body, v.CaregiverID, false)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/transition", body, v.CaregiverID, true)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unassigned caregiver is 403", func(t *testing.T) {
		v := f.seedVisit(t, models.StatusAssigned)
		rec := f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/transition",
			map[string]string{"to": "CONFIRMED"}, id.NewCaregiverID(), false)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("malformed visit id is 400", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/visits/not-a-uuid/transition",
			map[string]string{"to": "CONFIRMED"}, id.NewCaregiverID(), false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing visit is 404", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/visits/"+id.NewVisitID().String()+"/transition",
			map[string]string{"to": "CONFIRMED"}, id.NewCaregiverID(), false)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestClockInAndOut(t *testing.T) {
	f := newFixture(t)
	v := f.seedVisit(t, models.StatusArrived)

	inside := map[string]any{
		"latitude":        39.9612,
		"longitude":       -82.9988,
		"accuracy_meters": 10,
		"timestamp":       "2026-03-10T09:01:00Z",
	}
	rec := f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/clock-in", inside, v.CaregiverID, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var clockIn visit.ClockInResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&clockIn))
	assert.True(t, clockIn.Accepted)
	require.NotNil(t, clockIn.Record)
	assert.Equal(t, models.StatusInProgress, clockIn.Visit.Status)

	out := map[string]any{
		"latitude":        39.9612,
		"longitude":       -82.9988,
		"accuracy_meters": 10,
		"timestamp":       "2026-03-10T11:00:00Z",
		"disposition":     "COMPLETED",
	}
	rec = f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/clock-out", out, v.CaregiverID, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var clockOut visit.ClockOutResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&clockOut))
	assert.True(t, clockOut.Accepted)
	require.NotNil(t, clockOut.Submission)
	assert.Equal(t, "SND-CONF-T", clockOut.Submission.ConfirmationID)

	// The finalized record is readable back through the visit.
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/visits/%s/record", v.ID), nil, v.CaregiverID, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var record models.EVVRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
	assert.Equal(t, models.RecordComplete, record.Status)
	assert.NotEmpty(t, record.Checksum)
}

func TestClockInOutsideGeofence(t *testing.T) {
	f := newFixture(t)
	v := f.seedVisit(t, models.StatusArrived)

	far := map[string]any{
		"latitude":        40.4406,
		"longitude":       -79.9959,
		"accuracy_meters": 10,
		"timestamp":       "2026-03-10T09:01:00Z",
	}
	rec := f.do(t, http.MethodPost, "/visits/"+v.ID.String()+"/clock-in", far, v.CaregiverID, false)
	require.Equal(t, http.StatusOK, rec.Code, "failed verification is a structured outcome, not an error")

	var result visit.ClockInResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.False(t, result.Accepted)
	assert.Equal(t, models.StatusArrived, result.Visit.Status, "visit does not advance")
	assert.Nil(t, result.Record)

	rec = f.do(t, http.MethodGet, "/visits/"+v.ID.String()+"/record", nil, v.CaregiverID, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
