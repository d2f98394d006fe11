package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"circlefund/auth"
	"circlefund/circles"
	"circlefund/config"
	"circlefund/lending"
	cfmw "circlefund/middleware"
	"circlefund/mirror"
	"circlefund/models"
	"circlefund/observability/metrics"
	"circlefund/payments"
	"circlefund/quorum"
	"circlefund/tiers"
	"circlefund/vault"
)

const mirrorTimeout = 10 * time.Second

// Config captures the dependencies required to construct the server.
type Config struct {
	DB        *gorm.DB
	Policy    config.Policy
	JWTSecret string
	Rail      payments.Rail
	Mirror    mirror.Mirror
	Log       *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB      *gorm.DB
	Policy  config.Policy
	Circles *circles.Registry
	Loans   *lending.Engine
	Quorum  *quorum.Engine
	Vault   *vault.Ledger
	Rail    payments.Rail
	Mirror  mirror.Mirror
	Log     *slog.Logger
	Metrics *metrics.LendingMetrics

	jwtSecret string
	router    http.Handler
}

// New constructs a configured HTTP router with authentication and
// idempotency support.
func New(cfg Config) *Server {
	if cfg.Rail == nil {
		cfg.Rail = payments.DevRail{}
	}
	if cfg.Mirror == nil {
		cfg.Mirror = mirror.Noop{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ledger := vault.NewLedger(cfg.DB)
	tierReg := tiers.NewRegistry(cfg.DB, cfg.Policy)
	srv := &Server{
		DB:        cfg.DB,
		Policy:    cfg.Policy,
		Circles:   circles.NewRegistry(cfg.DB),
		Loans:     lending.NewEngine(cfg.DB, cfg.Policy, tierReg, ledger),
		Quorum:    quorum.NewEngine(cfg.DB),
		Vault:     ledger,
		Rail:      cfg.Rail,
		Mirror:    cfg.Mirror,
		Log:       cfg.Log,
		Metrics:   metrics.Lending(),
		jwtSecret: cfg.JWTSecret,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler { return cfmw.WithIdempotency(s.DB, next) })
		api.Use(auth.Authenticate(s.jwtSecret))

		api.Post("/circles", s.CreateCircle)
		api.Get("/circles", s.ListCircles)
		api.Get("/circles/{id}", s.GetCircle)
		api.Post("/circles/{id}/join", s.JoinCircle)

		api.Post("/loans", s.ApplyLoan)
		api.Get("/loans/{id}/tranches", s.LoanTranches)
		api.Post("/loans/{id}/repay", s.RecordRepayment)
		api.Post("/loans/{id}/repay-intent", s.CreateRepayIntent)

		api.Post("/tranches/{id}/lock", s.LockTranche)
		api.Post("/tranches/{id}/proof", s.SubmitProof)
		api.Get("/tranches/{id}/proofs", s.TrancheProofs)
		api.Post("/tranches/{id}/claim", s.ClaimTranche)

		api.Post("/proofs/{id}/approve", s.ApproveProof)
		api.Get("/proofs/{id}/approvals", s.ProofApprovals)

		api.Post("/vault/deposit", s.VaultDeposit)
		api.Post("/vault/create-intent", s.VaultCreateIntent)
		api.Post("/vault/withdraw", s.VaultWithdraw)
		api.Get("/vault/status", s.VaultStatus)
	})

	return r
}

// CreateCircle registers a new lending circle.
func (s *Server) CreateCircle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		MaxMembers int    `json:"max_members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	if req.MaxMembers <= 0 {
		req.MaxMembers = s.Policy.DefaultCircleCapacity
	}
	circle, err := s.Circles.Create(r.Context(), req.Name, req.MaxMembers)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, circle)
}

// ListCircles returns all circles.
func (s *Server) ListCircles(w http.ResponseWriter, r *http.Request) {
	out, err := s.Circles.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"circles": out})
}

// GetCircle returns one circle with its members.
func (s *Server) GetCircle(w http.ResponseWriter, r *http.Request) {
	circleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	circle, err := s.Circles.Get(r.Context(), circleID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, circle)
}

// JoinCircle adds the caller to a forming circle. A membership credential is
// mirrored on chain after commit, best-effort.
func (s *Server) JoinCircle(w http.ResponseWriter, r *http.Request) {
	subject, err := auth.Subject(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	circleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	circle, count, err := s.Circles.Join(r.Context(), circleID, subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.dispatchMirror("credential", func(ctx context.Context) error {
		_, err := s.Mirror.MirrorCredentialIssuance(ctx, subject, "circle-member:"+circle.ID.String())
		return err
	})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"circle_id":     circle.ID,
		"member_count":  count,
		"circle_status": circle.Status,
	})
}

// ApplyLoan validates and creates a loan with its tranches.
func (s *Server) ApplyLoan(w http.ResponseWriter, r *http.Request) {
	subject, err := auth.Subject(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		CircleID       uuid.UUID `json:"circle_id"`
		PrincipalCents int64     `json:"principal_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	loan, err := s.Loans.Apply(r.Context(), req.CircleID, subject, req.PrincipalCents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Metrics.LoanCreated()
	s.writeJSON(w, http.StatusCreated, loan)
}

// LoanTranches lists a loan's tranches in index order.
func (s *Server) LoanTranches(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	tranches, err := s.Loans.Tranches(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tranches": tranches})
}

// CreateRepayIntent originates a payment charge for the loan's remaining
// obligation.
func (s *Server) CreateRepayIntent(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	loan, err := s.Loans.Get(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	remaining := loan.TotalRepaymentCents - loan.RepaidCents
	if remaining <= 0 {
		s.writeError(w, lending.ErrLoanNotActive)
		return
	}
	intentID, err := s.Rail.CreateChargeIntent(r.Context(), remaining)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"intent_id":       intentID,
		"remaining_cents": remaining,
	})
}

// RecordRepayment posts a repayment. The payment charge must be confirmed
// on the rail before anything is recorded; rail failure aborts the write.
func (s *Server) RecordRepayment(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	var req struct {
		AmountCents int64  `json:"amount_cents"`
		IntentID    string `json:"intent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	if req.AmountCents <= 0 {
		s.writeError(w, lending.ErrInvalidAmount)
		return
	}
	if err := s.confirmCharge(r.Context(), req.IntentID, req.AmountCents); err != nil {
		s.writeError(w, err)
		return
	}
	loan, completed, err := s.Loans.RecordRepayment(r.Context(), loanID, req.AmountCents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if completed {
		s.Metrics.LoanRepaid()
	}
	s.writeJSON(w, http.StatusOK, loan)
}

// LockTranche triggers disbursement of a pending tranche.
func (s *Server) LockTranche(w http.ResponseWriter, r *http.Request) {
	trancheID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	tranche, err := s.Loans.Lock(r.Context(), trancheID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tranche)
}

// SubmitProof records milestone evidence for a locked tranche.
func (s *Server) SubmitProof(w http.ResponseWriter, r *http.Request) {
	subject, err := auth.Subject(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	trancheID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	var req struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	if !s.Policy.ValidProofKind(req.Kind) {
		s.writeError(w, errInvalidProofKind)
		return
	}
	proof, err := s.Quorum.SubmitProof(r.Context(), trancheID, subject, req.Kind, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, proof)
}

// TrancheProofs lists a tranche's proofs, newest first.
func (s *Server) TrancheProofs(w http.ResponseWriter, r *http.Request) {
	trancheID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	proofs, err := s.Quorum.Proofs(r.Context(), trancheID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proofs": proofs})
}

// ApproveProof records a peer approval; crossing the quorum releases the
// tranche exactly once and mirrors the disbursement after commit.
func (s *Server) ApproveProof(w http.ResponseWriter, r *http.Request) {
	subject, err := auth.Subject(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	proofID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	result, err := s.Quorum.Approve(r.Context(), proofID, subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Recorded {
		s.Metrics.ApprovalRecorded()
	}
	if result.Released {
		s.Metrics.TrancheReleased()
		borrower := result.Proof.BorrowerPseudonym
		amount := result.ReleasedAmt
		s.dispatchMirror("disbursement", func(ctx context.Context) error {
			_, err := s.Mirror.MirrorDisbursement(ctx, borrower, amount)
			return err
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"approval_count": result.ApprovalCount,
		"required":       result.Required,
		"released":       result.Released,
	})
}

// ProofApprovals returns the distinct approval count for a proof.
func (s *Server) ProofApprovals(w http.ResponseWriter, r *http.Request) {
	proofID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	count, err := s.Quorum.ApprovalCount(r.Context(), proofID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"approval_count": count})
}

// ClaimTranche acknowledges receipt of a released tranche. Borrower only.
func (s *Server) ClaimTranche(w http.ResponseWriter, r *http.Request) {
	subject, err := auth.Subject(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	trancheID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	tranche, err := s.Loans.Claim(r.Context(), trancheID, subject)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Metrics.TrancheClaimed()
	amount := tranche.AmountCents
	s.dispatchMirror("disbursement", func(ctx context.Context) error {
		_, err := s.Mirror.MirrorDisbursement(ctx, subject, amount)
		return err
	})
	s.writeJSON(w, http.StatusOK, tranche)
}

// VaultCreateIntent originates a payment charge for a deposit.
func (s *Server) VaultCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	if req.AmountCents <= 0 {
		s.writeError(w, vault.ErrInvalidAmount)
		return
	}
	intentID, err := s.Rail.CreateChargeIntent(r.Context(), req.AmountCents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"intent_id": intentID})
}

// VaultDeposit records a confirmed deposit in the ledger.
func (s *Server) VaultDeposit(w http.ResponseWriter, r *http.Request) {
	subject, err := auth.Subject(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		AmountCents int64  `json:"amount_cents"`
		IntentID    string `json:"intent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	if req.AmountCents <= 0 {
		s.writeError(w, vault.ErrInvalidAmount)
		return
	}
	if err := s.confirmCharge(r.Context(), req.IntentID, req.AmountCents); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.Vault.Deposit(r.Context(), subject, req.AmountCents); err != nil {
		s.writeError(w, err)
		return
	}
	s.Metrics.VaultEntry("deposit")
	s.vaultSnapshot(w, r, subject)
}

// VaultWithdraw records a withdrawal when the lender's balance covers it.
func (s *Server) VaultWithdraw(w http.ResponseWriter, r *http.Request) {
	subject, err := auth.Subject(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errInvalidPayload)
		return
	}
	if _, err := s.Vault.Withdraw(r.Context(), subject, req.AmountCents); err != nil {
		s.writeError(w, err)
		return
	}
	s.Metrics.VaultEntry("withdrawal")
	s.vaultSnapshot(w, r, subject)
}

// VaultStatus reports the derived vault aggregates.
func (s *Server) VaultStatus(w http.ResponseWriter, r *http.Request) {
	subject, err := auth.Subject(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	s.vaultSnapshot(w, r, subject)
}

func (s *Server) vaultSnapshot(w http.ResponseWriter, r *http.Request, lender string) {
	ctx := r.Context()
	total, err := s.Vault.Total(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.Vault.Balance(ctx, lender)
	if err != nil {
		s.writeError(w, err)
		return
	}
	locked, err := s.Vault.LockedCapital(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	available := total - locked
	if available < 0 {
		available = 0
	}
	var activeLoans int64
	if err := s.DB.WithContext(ctx).Model(&models.Loan{}).
		Where("status = ?", models.LoanActive).
		Count(&activeLoans).Error; err != nil {
		s.writeError(w, err)
		return
	}
	s.Metrics.SetVaultTotal(total)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_cents":             total,
		"lender_balance_cents":    balance,
		"locked_cents":            locked,
		"available_capital_cents": available,
		"active_loans":            activeLoans,
	})
}

// confirmCharge verifies the payment rail settled the charge before any
// ledger write happens. A missing intent is originated on the spot so the
// dev rail flows end to end.
func (s *Server) confirmCharge(ctx context.Context, intentID string, amountCents int64) error {
	if intentID == "" {
		created, err := s.Rail.CreateChargeIntent(ctx, amountCents)
		if err != nil {
			return err
		}
		intentID = created
	}
	settled, err := s.Rail.ChargeSucceeded(ctx, intentID)
	if err != nil {
		return err
	}
	if !settled {
		return fmt.Errorf("%w: intent %s", errChargeNotSettled, intentID)
	}
	return nil
}

// dispatchMirror runs a chain mirror call after the authoritative
// transaction has committed. Failures are logged and swallowed.
func (s *Server) dispatchMirror(operation string, call func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := call(ctx); err != nil {
			s.Metrics.MirrorFailure(operation)
			s.Log.Warn("chain mirror call failed", "operation", operation, "error", err)
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
