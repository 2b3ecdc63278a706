package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"caretrack/internal/evv/rules"
	"caretrack/pkg/platform/circuit"
)

// transport is the HTTP plumbing shared by all vendor adapters: bounded
// timeout, circuit breaker, and uniform failure classification.
type transport struct {
	vendor  rules.AggregatorID
	client  *http.Client
	breaker *circuit.Breaker
}

func newTransport(vendor rules.AggregatorID, timeout time.Duration) *transport {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &transport{
		vendor:  vendor,
		client:  &http.Client{Timeout: timeout},
		breaker: circuit.New(string(vendor), circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(2)),
	}
}

// vendorResponse is a decoded vendor reply plus the HTTP status it rode on.
type vendorResponse struct {
	status int
	body   []byte
}

func (r vendorResponse) decode(v any) error {
	if len(r.body) == 0 {
		return nil
	}
	return json.Unmarshal(r.body, v)
}

// postJSON sends a payload and classifies the response. 5xx counts as a
// transport failure (retryable); 401/403 is an auth failure; everything
// else is handed back for vendor-specific interpretation.
func (t *transport) postJSON(ctx context.Context, url string, payload any, auth func(*http.Request) error) (*vendorResponse, error) {
	if t.breaker.IsOpen() {
		return nil, &TransportError{Vendor: t.vendor, Err: fmt.Errorf("circuit open for %s", t.vendor)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t.vendor, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", t.vendor, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != nil {
		if err := auth(req); err != nil {
			return nil, &AuthError{Vendor: t.vendor, Err: err}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.breaker.RecordFailure()
		return nil, &TransportError{Vendor: t.vendor, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		t.breaker.RecordFailure()
		return nil, &TransportError{Vendor: t.vendor, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		t.breaker.RecordFailure()
		return nil, &TransportError{Vendor: t.vendor, Err: fmt.Errorf("vendor returned %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		t.breaker.RecordSuccess() // the wire worked; the credentials did not
		return nil, &AuthError{Vendor: t.vendor, Err: fmt.Errorf("vendor returned %d", resp.StatusCode)}
	default:
		t.breaker.RecordSuccess()
		return &vendorResponse{status: resp.StatusCode, body: raw}, nil
	}
}
