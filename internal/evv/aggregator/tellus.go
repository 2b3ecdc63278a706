package aggregator

import (
	"context"
	"fmt"
	"net/http"

	"caretrack/internal/evv/models"
	"caretrack/internal/evv/rules"
	"caretrack/internal/platform/config"
)

// TellusAdapter submits to the Tellus/Netsmart EVV gateway. Tellus uses a
// static API key header and numbers its confirmations per provider.
type TellusAdapter struct {
	cfg       config.TellusConfig
	transport *transport
}

func NewTellus(cfg config.TellusConfig) *TellusAdapter {
	return &TellusAdapter{
		cfg:       cfg,
		transport: newTransport(rules.AggregatorTellus, cfg.Timeout),
	}
}

func (a *TellusAdapter) ID() rules.AggregatorID { return rules.AggregatorTellus }

// Tellus relies entirely on the router's generic validation; it implements
// no Validator and the router's permissive default applies.

type tellusVisit struct {
	ExternalVisitID string `json:"externalVisitId"`
	RecipientID     string `json:"recipientId"`
	RenderingID     string `json:"renderingProviderId"`
	ProcedureCode   string `json:"procedureCode"`
	State           string `json:"usState"`
	CheckIn         string `json:"checkInDateTime"`
	CheckOut        string `json:"checkOutDateTime"`
	CheckInGeo      string `json:"checkInGeo,omitempty"`
	CheckOutGeo     string `json:"checkOutGeo,omitempty"`
}

type tellusAck struct {
	ConfirmationNumber string `json:"confirmationNumber"`
	TransactionID      string `json:"transactionId"`
	ErrorCode          string `json:"errorCode"`
	ErrorDescription   string `json:"errorDescription"`
}

func (a *TellusAdapter) Submit(ctx context.Context, record *models.EVVRecord, rs rules.RuleSet) (*models.SubmissionResult, error) {
	payload := tellusVisit{
		ExternalVisitID: record.VisitID.String(),
		RecipientID:     record.ClientID.String(),
		RenderingID:     record.CaregiverID.String(),
		ProcedureCode:   record.ServiceCode,
		State:           record.Jurisdiction,
	}
	if record.ClockInAt != nil {
		payload.CheckIn = record.ClockInAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if record.ClockOutAt != nil {
		payload.CheckOut = record.ClockOutAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if v := record.ClockInVerification; v != nil {
		payload.CheckInGeo = fmt.Sprintf("%f,%f", v.Latitude, v.Longitude)
	}
	if v := record.ClockOutVerification; v != nil {
		payload.CheckOutGeo = fmt.Sprintf("%f,%f", v.Latitude, v.Longitude)
	}

	resp, err := a.transport.postJSON(ctx, a.cfg.BaseURL+"/claims/evv", payload, func(req *http.Request) error {
		if a.cfg.APIKey == "" {
			return fmt.Errorf("tellus api key not configured")
		}
		req.Header.Set("X-API-Key", a.cfg.APIKey)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var ack tellusAck
	if err := resp.decode(&ack); err != nil {
		return nil, &TransportError{Vendor: a.ID(), Err: fmt.Errorf("undecodable ack: %w", err)}
	}

	if resp.status >= 200 && resp.status < 300 && ack.ErrorCode == "" {
		return &models.SubmissionResult{
			Success:        true,
			SubmissionID:   ack.TransactionID,
			ConfirmationID: ack.ConfirmationNumber,
		}, nil
	}

	code := ack.ErrorCode
	if code == "" {
		code = fmt.Sprintf("TELLUS_HTTP_%d", resp.status)
	}
	return &models.SubmissionResult{
		Success:      false,
		SubmissionID: ack.TransactionID,
		ErrorCode:    code,
		ErrorMessage: ack.ErrorDescription,
	}, nil
}
