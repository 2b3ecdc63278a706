package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"caretrack/internal/evv/models"
	"caretrack/internal/evv/rules"
	"caretrack/internal/platform/config"
)

// HHAeXchangeAdapter submits to the HHAeXchange provider API, which expects
// a short-lived signed JWT bearer token per request.
type HHAeXchangeAdapter struct {
	cfg       config.HHAeXchangeConfig
	transport *transport
	now       func() time.Time
}

func NewHHAeXchange(cfg config.HHAeXchangeConfig) *HHAeXchangeAdapter {
	return &HHAeXchangeAdapter{
		cfg:       cfg,
		transport: newTransport(rules.AggregatorHHAeXchange, cfg.Timeout),
		now:       time.Now,
	}
}

func (a *HHAeXchangeAdapter) ID() rules.AggregatorID { return rules.AggregatorHHAeXchange }

// bearerToken signs a short-lived token for one request.
func (a *HHAeXchangeAdapter) bearerToken() (string, error) {
	if a.cfg.ClientID == "" || a.cfg.SigningKey == "" {
		return "", fmt.Errorf("hhaexchange credentials not configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.cfg.ClientID,
		Subject:   a.cfg.ClientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.SigningKey))
}

type hhaxVisit struct {
	ProviderVisitID string `json:"ProviderVisitID"`
	PatientID       string `json:"PatientID"`
	CaregiverCode   string `json:"CaregiverCode"`
	ServiceCode     string `json:"ServiceCode"`
	State           string `json:"State"`
	EVVStartTime    string `json:"EVVStartTime"`
	EVVEndTime      string `json:"EVVEndTime"`
	StartLatitude   string `json:"StartLatitude,omitempty"`
	StartLongitude  string `json:"StartLongitude,omitempty"`
	EndLatitude     string `json:"EndLatitude,omitempty"`
	EndLongitude    string `json:"EndLongitude,omitempty"`
}

type hhaxAck struct {
	ConfirmationID string `json:"ConfirmationID"`
	BatchID        string `json:"BatchID"`
	ErrorCode      string `json:"ErrorCode"`
	ErrorMessage   string `json:"ErrorMessage"`
}

// Validate applies HHAeXchange-specific checks: the vendor rejects visits
// whose EVV window falls entirely outside the scheduled window plus grace.
func (a *HHAeXchangeAdapter) Validate(record *models.EVVRecord, rs rules.RuleSet) *models.ValidationResult {
	result := &models.ValidationResult{IsValid: true}
	if record.ClockInAt != nil && record.ClockInAt.Before(record.ScheduledStart.Add(-rs.GracePeriod)) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("clock-in precedes scheduled start by more than the %s grace period", rs.GracePeriod))
	}
	return result
}

func (a *HHAeXchangeAdapter) Submit(ctx context.Context, record *models.EVVRecord, rs rules.RuleSet) (*models.SubmissionResult, error) {
	payload := hhaxVisit{
		ProviderVisitID: record.VisitID.String(),
		PatientID:       record.ClientID.String(),
		CaregiverCode:   record.CaregiverID.String(),
		ServiceCode:     record.ServiceCode,
		State:           record.Jurisdiction,
	}
	if record.ClockInAt != nil {
		payload.EVVStartTime = record.ClockInAt.UTC().Format(time.RFC3339)
	}
	if record.ClockOutAt != nil {
		payload.EVVEndTime = record.ClockOutAt.UTC().Format(time.RFC3339)
	}
	if v := record.ClockInVerification; v != nil {
		payload.StartLatitude = fmt.Sprintf("%f", v.Latitude)
		payload.StartLongitude = fmt.Sprintf("%f", v.Longitude)
	}
	if v := record.ClockOutVerification; v != nil {
		payload.EndLatitude = fmt.Sprintf("%f", v.Latitude)
		payload.EndLongitude = fmt.Sprintf("%f", v.Longitude)
	}

	resp, err := a.transport.postJSON(ctx, a.cfg.BaseURL+"/visitconfirmations", payload, func(req *http.Request) error {
		token, err := a.bearerToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ack hhaxAck
	if err := resp.decode(&ack); err != nil {
		return nil, &TransportError{Vendor: a.ID(), Err: fmt.Errorf("undecodable ack: %w", err)}
	}

	if resp.status >= 200 && resp.status < 300 && ack.ErrorCode == "" {
		return &models.SubmissionResult{
			Success:        true,
			SubmissionID:   ack.BatchID,
			ConfirmationID: ack.ConfirmationID,
		}, nil
	}

	code := ack.ErrorCode
	if code == "" {
		code = fmt.Sprintf("HHAX_HTTP_%d", resp.status)
	}
	return &models.SubmissionResult{
		Success:      false,
		SubmissionID: ack.BatchID,
		ErrorCode:    code,
		ErrorMessage: ack.ErrorMessage,
	}, nil
}
