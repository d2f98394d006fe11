package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"circlefund/auth"
	"circlefund/config"
	"circlefund/models"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	srv := New(Config{
		DB:        db,
		Policy:    config.DefaultPolicy(),
		JWTSecret: testSecret,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, db
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.NewToken(testSecret, subject, time.Hour)
	require.NoError(t, err)
	return tok
}

func call(t *testing.T, ts *httptest.Server, method, path, subject string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, subject))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t)

	status, _ := call(t, ts, http.MethodGet, "/api/v1/circles", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoanLifecycle(t *testing.T) {
	ts, db := newTestServer(t)

	// Form a four-member circle.
	status, created := call(t, ts, http.MethodPost, "/api/v1/circles", "alice", map[string]any{"name": "Makers"})
	require.Equal(t, http.StatusCreated, status)
	circleID := created["id"].(string)
	for _, member := range []string{"alice", "bob", "carol", "dave"} {
		status, _ = call(t, ts, http.MethodPost, "/api/v1/circles/"+circleID+"/join", member, nil)
		require.Equal(t, http.StatusOK, status)
	}

	// Fund the vault. The dev rail settles every intent.
	status, _ = call(t, ts, http.MethodPost, "/api/v1/vault/deposit", "lender", map[string]any{"amount_cents": 200_000})
	require.Equal(t, http.StatusOK, status)

	// Alice applies for a loan.
	status, loan := call(t, ts, http.MethodPost, "/api/v1/loans", "alice", map[string]any{
		"circle_id":       circleID,
		"principal_cents": 90_000,
	})
	require.Equal(t, http.StatusCreated, status)
	loanID := loan["id"].(string)
	require.Equal(t, float64(94_500), loan["total_repayment_cents"])

	status, tranchesBody := call(t, ts, http.MethodGet, "/api/v1/loans/"+loanID+"/tranches", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	tranches := tranchesBody["tranches"].([]any)
	require.Len(t, tranches, 3)
	trancheID := tranches[0].(map[string]any)["id"].(string)

	// Lock the first tranche, activating the loan.
	status, _ = call(t, ts, http.MethodPost, "/api/v1/tranches/"+trancheID+"/lock", "alice", nil)
	require.Equal(t, http.StatusOK, status)

	// Only the borrower may submit a proof.
	status, errBody := call(t, ts, http.MethodPost, "/api/v1/tranches/"+trancheID+"/proof", "bob", map[string]any{
		"kind": "receipt", "description": "materials",
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "policy_violation", errBody["kind"])

	status, proof := call(t, ts, http.MethodPost, "/api/v1/tranches/"+trancheID+"/proof", "alice", map[string]any{
		"kind": "receipt", "description": "materials",
	})
	require.Equal(t, http.StatusCreated, status)
	proofID := proof["id"].(string)

	// Quorum is the three non-borrower members. Release lands exactly on
	// the third distinct approval.
	for i, approver := range []string{"bob", "carol"} {
		status, result := call(t, ts, http.MethodPost, "/api/v1/proofs/"+proofID+"/approve", approver, nil)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, float64(i+1), result["approval_count"])
		require.Equal(t, false, result["released"])
	}
	status, result := call(t, ts, http.MethodPost, "/api/v1/proofs/"+proofID+"/approve", "dave", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, result["released"])

	// Only the borrower may claim.
	status, errBody = call(t, ts, http.MethodPost, "/api/v1/tranches/"+trancheID+"/claim", "bob", nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "policy_violation", errBody["kind"])

	status, claimed := call(t, ts, http.MethodPost, "/api/v1/tranches/"+trancheID+"/claim", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(models.TrancheClaimed), claimed["status"].(string))

	// Repay the full obligation.
	status, repaid := call(t, ts, http.MethodPost, "/api/v1/loans/"+loanID+"/repay", "alice", map[string]any{
		"amount_cents": 94_500,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, string(models.LoanRepaid), repaid["status"].(string))

	// A second repayment conflicts with the repaid loan.
	status, errBody = call(t, ts, http.MethodPost, "/api/v1/loans/"+loanID+"/repay", "alice", map[string]any{
		"amount_cents": 1_000,
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "state_conflict", errBody["kind"])

	// Completion promoted the borrower.
	var tier models.BorrowerTier
	require.NoError(t, db.First(&tier, "borrower_pseudonym = ?", "alice").Error)
	require.Equal(t, 2, tier.Tier)
}

func TestLoanRejectedWithoutCapital(t *testing.T) {
	ts, db := newTestServer(t)

	status, created := call(t, ts, http.MethodPost, "/api/v1/circles", "alice", map[string]any{"name": "Dry"})
	require.Equal(t, http.StatusCreated, status)
	circleID := created["id"].(string)
	status, _ = call(t, ts, http.MethodPost, "/api/v1/circles/"+circleID+"/join", "alice", nil)
	require.Equal(t, http.StatusOK, status)

	status, errBody := call(t, ts, http.MethodPost, "/api/v1/loans", "alice", map[string]any{
		"circle_id":       circleID,
		"principal_cents": 10_000,
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "policy_violation", errBody["kind"])

	var loans int64
	require.NoError(t, db.Model(&models.Loan{}).Count(&loans).Error)
	require.Equal(t, int64(0), loans)
}

func TestProofKindIsValidated(t *testing.T) {
	ts, _ := newTestServer(t)

	status, errBody := call(t, ts, http.MethodPost, "/api/v1/tranches/"+uuid.NewString()+"/proof", "alice", map[string]any{
		"kind": "testimony",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation", errBody["kind"])
}

func TestVaultStatusAndWithdraw(t *testing.T) {
	ts, _ := newTestServer(t)

	status, _ := call(t, ts, http.MethodPost, "/api/v1/vault/deposit", "lender", map[string]any{"amount_cents": 50_000})
	require.Equal(t, http.StatusOK, status)

	status, snapshot := call(t, ts, http.MethodGet, "/api/v1/vault/status", "lender", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(50_000), snapshot["total_cents"])
	require.Equal(t, float64(50_000), snapshot["lender_balance_cents"])
	require.Equal(t, float64(50_000), snapshot["available_capital_cents"])

	// Overdraw is a state conflict; a covered withdrawal succeeds.
	status, errBody := call(t, ts, http.MethodPost, "/api/v1/vault/withdraw", "lender", map[string]any{"amount_cents": 60_000})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "state_conflict", errBody["kind"])

	status, snapshot = call(t, ts, http.MethodPost, "/api/v1/vault/withdraw", "lender", map[string]any{"amount_cents": 20_000})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(30_000), snapshot["total_cents"])
}

func TestVaultCreateIntent(t *testing.T) {
	ts, _ := newTestServer(t)

	status, body := call(t, ts, http.MethodPost, "/api/v1/vault/create-intent", "lender", map[string]any{"amount_cents": 5_000})
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, body["intent_id"])
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	ts, db := newTestServer(t)

	payload, err := json.Marshal(map[string]any{"name": "Once"})
	require.NoError(t, err)
	send := func() (int, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/circles", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
		req.Header.Set("Idempotency-Key", "create-once")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]any{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	status1, first := send()
	require.Equal(t, http.StatusCreated, status1)
	status2, second := send()
	require.Equal(t, http.StatusCreated, status2)
	require.Equal(t, first["id"], second["id"])

	var count int64
	require.NoError(t, db.Model(&models.Circle{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestUnknownResourcesReturnNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	status, errBody := call(t, ts, http.MethodGet, "/api/v1/circles/"+uuid.NewString(), "alice", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", errBody["kind"])

	status, errBody = call(t, ts, http.MethodPost, "/api/v1/tranches/"+uuid.NewString()+"/lock", "alice", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", errBody["kind"])
}
