package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrRailUnavailable marks payment rail failures. Ledger writes that must
// follow a confirmed charge are aborted when this is returned.
var ErrRailUnavailable = errors.New("payments: rail unavailable")

// Rail abstracts the fiat payment provider consumed before vault deposits
// and loan repayments are recorded.
type Rail interface {
	CreateChargeIntent(ctx context.Context, amountCents int64) (string, error)
	ChargeSucceeded(ctx context.Context, intentID string) (bool, error)
}

// HTTPRail talks to the payment provider's REST API.
type HTTPRail struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRail constructs a rail client for the given provider base URL.
func NewHTTPRail(baseURL, apiKey string) *HTTPRail {
	return &HTTPRail{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type intentRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type intentResponse struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
}

// CreateChargeIntent originates a charge with the provider and returns its
// intent handle.
func (r *HTTPRail) CreateChargeIntent(ctx context.Context, amountCents int64) (string, error) {
	body, err := json.Marshal(intentRequest{AmountCents: amountCents})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/intents", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: status %d", ErrRailUnavailable, resp.StatusCode)
	}
	var out intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrRailUnavailable, err)
	}
	if out.IntentID == "" {
		return "", fmt.Errorf("%w: empty intent id", ErrRailUnavailable)
	}
	return out.IntentID, nil
}

// ChargeSucceeded reports whether the provider settled the charge.
func (r *HTTPRail) ChargeSucceeded(ctx context.Context, intentID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/intents/"+url.PathEscape(intentID), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: status %d", ErrRailUnavailable, resp.StatusCode)
	}
	var out intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", ErrRailUnavailable, err)
	}
	return strings.EqualFold(out.Status, "succeeded"), nil
}

// DevRail is the rail used when no provider is configured: every intent is
// issued locally and reads as settled. Development and test deployments only.
type DevRail struct{}

// CreateChargeIntent returns a locally generated intent handle.
func (DevRail) CreateChargeIntent(ctx context.Context, amountCents int64) (string, error) {
	return "dev-" + uuid.NewString(), nil
}

// ChargeSucceeded always reports settled.
func (DevRail) ChargeSucceeded(ctx context.Context, intentID string) (bool, error) {
	return true, nil
}
