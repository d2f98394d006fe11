package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Mirror reflects ledger transitions onto a public chain. It is
// observability, not a dependency: callers invoke it only after the
// authoritative transaction commits, and failures never roll anything back.
type Mirror interface {
	MirrorDisbursement(ctx context.Context, destination string, amountCents int64) (string, error)
	MirrorCredentialIssuance(ctx context.Context, subject, claim string) (string, error)
}

// HTTPMirror posts mirror transactions to a relay endpoint.
type HTTPMirror struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewHTTPMirror constructs a mirror client against the relay base URL.
func NewHTTPMirror(baseURL string, log *slog.Logger) *HTTPMirror {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPMirror{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type mirrorResponse struct {
	TxRef string `json:"tx_ref"`
}

// MirrorDisbursement records a tranche disbursement on chain.
func (m *HTTPMirror) MirrorDisbursement(ctx context.Context, destination string, amountCents int64) (string, error) {
	return m.post(ctx, "/v1/disbursements", map[string]any{
		"destination":  destination,
		"amount_cents": amountCents,
	})
}

// MirrorCredentialIssuance records a membership credential on chain.
func (m *HTTPMirror) MirrorCredentialIssuance(ctx context.Context, subject, claim string) (string, error) {
	return m.post(ctx, "/v1/credentials", map[string]any{
		"subject": subject,
		"claim":   claim,
	})
}

func (m *HTTPMirror) post(ctx context.Context, path string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("mirror: status %d", resp.StatusCode)
	}
	var out mirrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.TxRef, nil
}

// Noop discards mirror calls. Used when no relay is configured.
type Noop struct{}

// MirrorDisbursement returns an empty reference.
func (Noop) MirrorDisbursement(ctx context.Context, destination string, amountCents int64) (string, error) {
	return "", nil
}

// MirrorCredentialIssuance returns an empty reference.
func (Noop) MirrorCredentialIssuance(ctx context.Context, subject, claim string) (string, error) {
	return "", nil
}
