package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caretrack/internal/evv/models"
	"caretrack/internal/evv/rules"
	"caretrack/internal/platform/config"
	id "caretrack/pkg/domain"
)

func completeRecord() *models.EVVRecord {
	in := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	out := in.Add(2 * time.Hour)
	rec := &models.EVVRecord{
		ID:             id.RecordID(uuid.New()),
		VisitID:        id.VisitID(uuid.New()),
		ClientID:       id.ClientID(uuid.New()),
		CaregiverID:    id.CaregiverID(uuid.New()),
		Jurisdiction:   "OH",
		ServiceCode:    "T1019",
		ScheduledStart: in,
		ScheduledEnd:   out,
		ClockInAt:      &in,
		ClockOutAt:     &out,
		ClockInVerification: &models.LocationVerification{
			Latitude: 39.9612, Longitude: -82.9988, AccuracyMeters: 8,
			Timestamp: in, GeofencePassed: true,
		},
		ClockOutVerification: &models.LocationVerification{
			Latitude: 39.9612, Longitude: -82.9988, AccuracyMeters: 11,
			Timestamp: out, GeofencePassed: true,
		},
		Status: models.RecordDraft,
	}
	if err := rec.Finalize(out); err != nil {
		panic(err)
	}
	return rec
}

func ohRules(t *testing.T) rules.RuleSet {
	t.Helper()
	reg, err := rules.Default()
	require.NoError(t, err)
	rs, err := reg.Get("OH")
	require.NoError(t, err)
	return rs
}

func TestSandata_SubmitSuccess(t *testing.T) {
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		gotAuth = ok && user == "acct" && pass == "secret"

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "T1019", payload["Service"])
		assert.NotEmpty(t, payload["RecordChecksum"])

		json.NewEncoder(w).Encode(map[string]string{
			"uuid": "SND-CONF-1", "id": "SND-SUB-1", "status": "ACCEPTED",
		})
	}))
	defer srv.Close()

	adapter := NewSandata(config.SandataConfig{BaseURL: srv.URL, Account: "acct", Password: "secret"})
	result, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
	require.NoError(t, err)

	assert.True(t, gotAuth)
	assert.True(t, result.Success)
	assert.Equal(t, "SND-CONF-1", result.ConfirmationID)
	assert.Equal(t, "SND-SUB-1", result.SubmissionID)
}

func TestSandata_VendorRejectionIsResultNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "FAILED",
			"messages": []map[string]string{
				{"code": "SND-221", "reason": "employee not enrolled"},
			},
		})
	}))
	defer srv.Close()

	adapter := NewSandata(config.SandataConfig{BaseURL: srv.URL, Account: "acct", Password: "secret"})
	result, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
	require.NoError(t, err, "vendor rejection must not be an error")

	assert.False(t, result.Success)
	assert.Equal(t, "SND-221", result.ErrorCode)
	assert.Equal(t, "employee not enrolled", result.ErrorMessage)
}

func TestSandata_ServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := NewSandata(config.SandataConfig{BaseURL: srv.URL, Account: "acct", Password: "secret"})
	_, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsAuthFailure(err))
}

func TestSandata_UnauthorizedIsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	adapter := NewSandata(config.SandataConfig{BaseURL: srv.URL, Account: "acct", Password: "stale"})
	_, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
	assert.False(t, IsRetryable(err))
}

func TestSandata_MissingCredentialsIsAuthFailure(t *testing.T) {
	adapter := NewSandata(config.SandataConfig{BaseURL: "http://localhost:0"})
	_, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
}

func TestSandata_ValidateRequiresCoordinates(t *testing.T) {
	adapter := NewSandata(config.SandataConfig{})
	rec := completeRecord()
	rec.ClockOutVerification = nil

	result := adapter.Validate(rec, ohRules(t))
	assert.False(t, result.IsValid)
	assert.NotEmpty(t, result.Errors)
}

func TestTellus_SubmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-API-Key"))
		json.NewEncoder(w).Encode(map[string]string{
			"confirmationNumber": "TEL-900", "transactionId": "tx-1",
		})
	}))
	defer srv.Close()

	adapter := NewTellus(config.TellusConfig{BaseURL: srv.URL, APIKey: "key-1"})
	result, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "TEL-900", result.ConfirmationID)
}

func TestTellus_HasNoVendorValidator(t *testing.T) {
	// The router supplies the permissive default for adapters without
	// vendor-specific validation.
	var adapter Adapter = NewTellus(config.TellusConfig{})
	_, ok := adapter.(Validator)
	assert.False(t, ok)
}

func TestHHAeXchange_SubmitSignsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		assert.Regexp(t, `^Bearer eyJ`, auth)
		json.NewEncoder(w).Encode(map[string]string{
			"ConfirmationID": "HHX-1", "BatchID": "B-1",
		})
	}))
	defer srv.Close()

	adapter := NewHHAeXchange(config.HHAeXchangeConfig{
		BaseURL: srv.URL, ClientID: "agency-1", SigningKey: "k",
	})
	result, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "HHX-1", result.ConfirmationID)
}

func TestHHAeXchange_EarlyClockInWarns(t *testing.T) {
	adapter := NewHHAeXchange(config.HHAeXchangeConfig{})
	rec := completeRecord()
	early := rec.ScheduledStart.Add(-time.Hour)
	rec.ClockInAt = &early

	result := adapter.Validate(rec, ohRules(t))
	assert.True(t, result.IsValid, "early start is a warning, not a rejection")
	assert.NotEmpty(t, result.Warnings)
}

func TestTransport_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := NewTellus(config.TellusConfig{BaseURL: srv.URL, APIKey: "k"})
	for range 5 {
		_, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
		require.Error(t, err)
	}

	srv.Close() // even with the server gone, the breaker answers first
	_, err := adapter.Submit(context.Background(), completeRecord(), ohRules(t))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "circuit open")
}
