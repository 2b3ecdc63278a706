package aggregator

import (
	"context"
	"fmt"
	"net/http"

	"caretrack/internal/evv/models"
	"caretrack/internal/evv/rules"
	"caretrack/internal/platform/config"
)

// SandataAdapter submits to the Sandata intake interface. Sandata accounts
// authenticate with basic auth and acknowledge each record with a UUID
// confirmation the state audits against.
type SandataAdapter struct {
	cfg       config.SandataConfig
	transport *transport
}

// NewSandata constructs the adapter. Credentials are validated lazily: a
// bad password surfaces as an AuthError on first submit, which the router
// classifies as fatal.
func NewSandata(cfg config.SandataConfig) *SandataAdapter {
	return &SandataAdapter{
		cfg:       cfg,
		transport: newTransport(rules.AggregatorSandata, cfg.Timeout),
	}
}

func (a *SandataAdapter) ID() rules.AggregatorID { return rules.AggregatorSandata }

// sandataVisit is the vendor wire shape for one visit record.
type sandataVisit struct {
	RecordID         string  `json:"RecordID"`
	ClientIdentifier string  `json:"ClientID"`
	EmployeeID       string  `json:"EmployeeID"`
	ServiceCode      string  `json:"Service"`
	VisitDateIn      string  `json:"AdjInDateTime"`
	VisitDateOut     string  `json:"AdjOutDateTime"`
	CallLatitudeIn   float64 `json:"CallLatitudeIn"`
	CallLongitudeIn  float64 `json:"CallLongitudeIn"`
	CallLatitudeOut  float64 `json:"CallLatitudeOut"`
	CallLongitudeOut float64 `json:"CallLongitudeOut"`
	StateCode        string  `json:"StateCode"`
	Checksum         string  `json:"RecordChecksum"`
}

type sandataAck struct {
	UUID     string `json:"uuid"`
	ID       string `json:"id"`
	Status   string `json:"status"`
	Messages []struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	} `json:"messages"`
}

// Validate applies Sandata-specific payload requirements beyond the
// router's generic checks.
func (a *SandataAdapter) Validate(record *models.EVVRecord, _ rules.RuleSet) *models.ValidationResult {
	result := &models.ValidationResult{IsValid: true}
	// Sandata rejects records without both call coordinates.
	if record.ClockInVerification == nil || record.ClockOutVerification == nil {
		result.IsValid = false
		result.Errors = append(result.Errors, "sandata requires call coordinates for both clock events")
	}
	if record.Checksum == "" {
		result.IsValid = false
		result.Errors = append(result.Errors, "sandata requires a finalized record checksum")
	}
	return result
}

func (a *SandataAdapter) Submit(ctx context.Context, record *models.EVVRecord, rs rules.RuleSet) (*models.SubmissionResult, error) {
	payload := sandataVisit{
		RecordID:         record.ID.String(),
		ClientIdentifier: record.ClientID.String(),
		EmployeeID:       record.CaregiverID.String(),
		ServiceCode:      record.ServiceCode,
		StateCode:        record.Jurisdiction,
		Checksum:         record.Checksum,
	}
	if record.ClockInAt != nil {
		payload.VisitDateIn = record.ClockInAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	if record.ClockOutAt != nil {
		payload.VisitDateOut = record.ClockOutAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	if v := record.ClockInVerification; v != nil {
		payload.CallLatitudeIn, payload.CallLongitudeIn = v.Latitude, v.Longitude
	}
	if v := record.ClockOutVerification; v != nil {
		payload.CallLatitudeOut, payload.CallLongitudeOut = v.Latitude, v.Longitude
	}

	resp, err := a.transport.postJSON(ctx, a.cfg.BaseURL+"/visits", payload, func(req *http.Request) error {
		if a.cfg.Account == "" || a.cfg.Password == "" {
			return fmt.Errorf("sandata credentials not configured")
		}
		req.SetBasicAuth(a.cfg.Account, a.cfg.Password)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ack sandataAck
	if err := resp.decode(&ack); err != nil {
		return nil, &TransportError{Vendor: a.ID(), Err: fmt.Errorf("undecodable ack: %w", err)}
	}

	if resp.status >= 200 && resp.status < 300 && ack.Status != "FAILED" {
		return &models.SubmissionResult{
			Success:        true,
			SubmissionID:   ack.ID,
			ConfirmationID: ack.UUID,
		}, nil
	}

	result := &models.SubmissionResult{Success: false, SubmissionID: ack.ID}
	if len(ack.Messages) > 0 {
		result.ErrorCode = ack.Messages[0].Code
		result.ErrorMessage = ack.Messages[0].Reason
	} else {
		result.ErrorCode = fmt.Sprintf("SANDATA_HTTP_%d", resp.status)
		result.ErrorMessage = "sandata rejected the record"
	}
	return result, nil
}
