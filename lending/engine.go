package lending

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"circlefund/circles"
	"circlefund/config"
	"circlefund/models"
	"circlefund/tiers"
	"circlefund/vault"
)

var (
	// ErrInvalidAmount rejects non-positive principals and repayments.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrPrincipalExceedsTier rejects principals above the borrower's ceiling.
	ErrPrincipalExceedsTier = errors.New("lending: principal exceeds tier limit")
	// ErrInsufficientCapital rejects principals above available vault capital.
	ErrInsufficientCapital = errors.New("lending: insufficient vault capital")
	// ErrNotCircleMember rejects borrowers outside the guaranteeing circle.
	ErrNotCircleMember = errors.New("lending: borrower is not a circle member")
	// ErrLoanNotActive rejects repayments against loans not in active status.
	ErrLoanNotActive = errors.New("lending: loan is not active")
	// ErrInvalidTrancheState marks tranche transitions from the wrong state.
	ErrInvalidTrancheState = errors.New("lending: invalid tranche state")
	// ErrNotBorrower rejects borrower-only actions by other callers.
	ErrNotBorrower = errors.New("lending: caller is not the borrower")
)

// Engine validates and creates loans, posts repayments, and drives the
// tranche state machine.
type Engine struct {
	db     *gorm.DB
	policy config.Policy
	tiers  *tiers.Registry
	vault  *vault.Ledger
	now    func() time.Time
}

// NewEngine constructs a loan engine wired to the tier registry and vault
// ledger it consults at loan-creation and completion time.
func NewEngine(db *gorm.DB, policy config.Policy, tierReg *tiers.Registry, ledger *vault.Ledger) *Engine {
	return &Engine{
		db:     db,
		policy: policy,
		tiers:  tierReg,
		vault:  ledger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock, primarily for tests.
func (e *Engine) SetNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Apply validates a loan application against the borrower's tier ceiling and
// the vault's available capital, then creates the loan and its tranches
// atomically. The capital check takes row locks on the vault entries, so two
// concurrent applications serialize there and the second re-derives capital
// after the first commits its tranches.
func (e *Engine) Apply(ctx context.Context, circleID uuid.UUID, borrower string, principal int64) (*models.Loan, error) {
	if principal <= 0 {
		return nil, ErrInvalidAmount
	}
	var loan *models.Loan
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var circle models.Circle
		if err := tx.First(&circle, "id = ?", circleID).Error; err != nil {
			return err
		}
		member, err := circles.IsMemberTx(tx, circle.ID, borrower)
		if err != nil {
			return err
		}
		if !member {
			return ErrNotCircleMember
		}

		tier, err := e.tiers.TierOfTx(tx, borrower)
		if err != nil {
			return err
		}
		if principal > tier.MaxLoanCents {
			return ErrPrincipalExceedsTier
		}

		available, err := e.vault.AvailableCapitalForUpdateTx(tx)
		if err != nil {
			return err
		}
		if principal > available {
			return ErrInsufficientCapital
		}

		now := e.now()
		loan = &models.Loan{
			ID:                  uuid.New(),
			CircleID:            circle.ID,
			BorrowerPseudonym:   borrower,
			PrincipalCents:      principal,
			InterestRateBps:     e.policy.InterestRateBps,
			TotalRepaymentCents: obligation(principal, e.policy.InterestRateBps),
			NumTranches:         e.policy.TranchesPerLoan,
			Status:              models.LoanPending,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := tx.Create(loan).Error; err != nil {
			return err
		}
		amounts := SplitPrincipal(principal, e.policy.TranchesPerLoan)
		for i, amount := range amounts {
			tranche := models.Tranche{
				ID:          uuid.New(),
				LoanID:      loan.ID,
				Index:       i,
				AmountCents: amount,
				Status:      models.TranchePending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Create(&tranche).Error; err != nil {
				return err
			}
		}
		return e.appendEvent(tx, loan.ID, borrower, "loan.created", now)
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// obligation computes principal * (1 + rate), rounded up so a fractional
// unit of interest is never undercharged.
func obligation(principal, rateBps int64) int64 {
	gross := principal * (10_000 + rateBps)
	total := gross / 10_000
	if gross%10_000 != 0 {
		total++
	}
	return total
}

// RecordRepayment posts a repayment against an active loan under a row lock.
// Reaching the total obligation transitions the loan to repaid and promotes
// the borrower's tier exactly once; overpayment is accepted without refund.
// The returned bool reports whether this call completed the loan.
func (e *Engine) RecordRepayment(ctx context.Context, loanID uuid.UUID, amount int64) (*models.Loan, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	var (
		loan      models.Loan
		completed bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&loan, "id = ?", loanID).Error; err != nil {
			return err
		}
		if loan.Status != models.LoanActive {
			return ErrLoanNotActive
		}
		now := e.now()
		loan.RepaidCents += amount
		if loan.RepaidCents >= loan.TotalRepaymentCents {
			loan.Status = models.LoanRepaid
			completed = true
		}
		loan.UpdatedAt = now
		if err := tx.Save(&loan).Error; err != nil {
			return err
		}
		if completed {
			if _, err := e.tiers.Promote(tx, loan.BorrowerPseudonym); err != nil {
				return err
			}
			if err := e.appendEvent(tx, loan.ID, loan.BorrowerPseudonym, "loan.repaid", now); err != nil {
				return err
			}
		}
		return e.appendEvent(tx, loan.ID, loan.BorrowerPseudonym, "loan.repayment", now)
	})
	if err != nil {
		return nil, false, err
	}
	return &loan, completed, nil
}

// Lock transitions a pending tranche to locked, triggering disbursement.
// The first lock on a loan also flips the loan from pending to active.
func (e *Engine) Lock(ctx context.Context, trancheID uuid.UUID) (*models.Tranche, error) {
	var tranche models.Tranche
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&tranche, "id = ?", trancheID).Error; err != nil {
			return err
		}
		if err := ValidateTransition(tranche.Status, models.TrancheLocked); err != nil {
			return err
		}
		now := e.now()
		tranche.Status = models.TrancheLocked
		tranche.UpdatedAt = now
		if err := tx.Save(&tranche).Error; err != nil {
			return err
		}
		var loan models.Loan
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&loan, "id = ?", tranche.LoanID).Error; err != nil {
			return err
		}
		if loan.Status == models.LoanPending {
			loan.Status = models.LoanActive
			loan.UpdatedAt = now
			if err := tx.Save(&loan).Error; err != nil {
				return err
			}
		}
		return e.appendEvent(tx, tranche.ID, loan.BorrowerPseudonym, "tranche.locked", now)
	})
	if err != nil {
		return nil, err
	}
	return &tranche, nil
}

// Claim transitions a released tranche to claimed. Only the loan's borrower
// may claim.
func (e *Engine) Claim(ctx context.Context, trancheID uuid.UUID, caller string) (*models.Tranche, error) {
	var tranche models.Tranche
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&tranche, "id = ?", trancheID).Error; err != nil {
			return err
		}
		var loan models.Loan
		if err := tx.First(&loan, "id = ?", tranche.LoanID).Error; err != nil {
			return err
		}
		if loan.BorrowerPseudonym != caller {
			return ErrNotBorrower
		}
		if err := ValidateTransition(tranche.Status, models.TrancheClaimed); err != nil {
			return err
		}
		now := e.now()
		tranche.Status = models.TrancheClaimed
		tranche.UpdatedAt = now
		if err := tx.Save(&tranche).Error; err != nil {
			return err
		}
		return e.appendEvent(tx, tranche.ID, caller, "tranche.claimed", now)
	})
	if err != nil {
		return nil, err
	}
	return &tranche, nil
}

// Get loads a loan by ID.
func (e *Engine) Get(ctx context.Context, loanID uuid.UUID) (*models.Loan, error) {
	var loan models.Loan
	if err := e.db.WithContext(ctx).First(&loan, "id = ?", loanID).Error; err != nil {
		return nil, err
	}
	return &loan, nil
}

// Tranches lists a loan's tranches in index order.
func (e *Engine) Tranches(ctx context.Context, loanID uuid.UUID) ([]models.Tranche, error) {
	var loan models.Loan
	if err := e.db.WithContext(ctx).First(&loan, "id = ?", loanID).Error; err != nil {
		return nil, err
	}
	var tranches []models.Tranche
	if err := e.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("tranche_index").
		Find(&tranches).Error; err != nil {
		return nil, err
	}
	return tranches, nil
}

func (e *Engine) appendEvent(tx *gorm.DB, entityID uuid.UUID, actor, action string, at time.Time) error {
	event := models.LedgerEvent{
		ID:        uuid.New(),
		EntityID:  &entityID,
		Actor:     actor,
		Action:    action,
		CreatedAt: at,
	}
	return tx.Create(&event).Error
}
