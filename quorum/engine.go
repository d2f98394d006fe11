package quorum

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"circlefund/circles"
	"circlefund/lending"
	"circlefund/models"
)

var (
	// ErrSelfApproval rejects approvals from the borrower themself.
	ErrSelfApproval = errors.New("quorum: borrower cannot approve own proof")
	// ErrNotCircleMember rejects approvals from outside the circle.
	ErrNotCircleMember = errors.New("quorum: approver is not a circle member")
)

// Engine records peer approvals and decides when a submitted proof has met
// the dynamic quorum, releasing the owning tranche exactly once.
type Engine struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEngine constructs a proof-quorum engine.
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock, primarily for tests.
func (e *Engine) SetNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SubmitProof records milestone evidence for a locked tranche and moves it
// to proof_submitted. Only the loan's borrower may submit.
func (e *Engine) SubmitProof(ctx context.Context, trancheID uuid.UUID, borrower, kind, description string) (*models.Proof, error) {
	var proof *models.Proof
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tranche models.Tranche
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&tranche, "id = ?", trancheID).Error; err != nil {
			return err
		}
		var loan models.Loan
		if err := tx.First(&loan, "id = ?", tranche.LoanID).Error; err != nil {
			return err
		}
		if loan.BorrowerPseudonym != borrower {
			return lending.ErrNotBorrower
		}
		if err := lending.ValidateTransition(tranche.Status, models.TrancheProofSubmitted); err != nil {
			return err
		}
		now := e.now()
		proof = &models.Proof{
			ID:                uuid.New(),
			TrancheID:         tranche.ID,
			BorrowerPseudonym: borrower,
			Kind:              kind,
			Description:       description,
			SubmittedAt:       now,
		}
		if err := tx.Create(proof).Error; err != nil {
			return err
		}
		tranche.Status = models.TrancheProofSubmitted
		tranche.UpdatedAt = now
		if err := tx.Save(&tranche).Error; err != nil {
			return err
		}
		event := models.LedgerEvent{
			ID:        uuid.New(),
			EntityID:  &proof.ID,
			Actor:     borrower,
			Action:    "proof.submitted",
			CreatedAt: now,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// RequiredApprovals returns the quorum for a loan: at least one approval,
// otherwise the count of circle members excluding the borrower, evaluated
// against current membership. The bar can legitimately move over a loan's
// life as members join.
func (e *Engine) RequiredApprovals(ctx context.Context, loan *models.Loan) (int64, error) {
	return requiredApprovalsTx(e.db.WithContext(ctx), loan)
}

func requiredApprovalsTx(tx *gorm.DB, loan *models.Loan) (int64, error) {
	voters, err := circles.VoterCountTx(tx, loan.CircleID, loan.BorrowerPseudonym)
	if err != nil {
		return 0, err
	}
	if voters < 1 {
		return 1, nil
	}
	return voters, nil
}

// Result reports the outcome of one approval. Recorded is false when the
// approver had already approved this proof and the call was a no-op.
type Result struct {
	Proof         *models.Proof
	TrancheID     uuid.UUID
	LoanID        uuid.UUID
	ApprovalCount int64
	Required      int64
	Recorded      bool
	Released      bool
	ReleasedAmt   int64
}

// Approve inserts a peer approval and releases the owning tranche when the
// approval count first meets the quorum. The insert, the recount, and the
// conditional transition all run in one transaction under a row lock on the
// tranche, so two simultaneous approvals cannot both trigger release.
// Duplicate approvals by the same approver are silent no-ops.
func (e *Engine) Approve(ctx context.Context, proofID uuid.UUID, approver string) (*Result, error) {
	result := &Result{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var proof models.Proof
		if err := tx.First(&proof, "id = ?", proofID).Error; err != nil {
			return err
		}
		var tranche models.Tranche
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&tranche, "id = ?", proof.TrancheID).Error; err != nil {
			return err
		}
		var loan models.Loan
		if err := tx.First(&loan, "id = ?", tranche.LoanID).Error; err != nil {
			return err
		}
		if loan.BorrowerPseudonym == approver {
			return ErrSelfApproval
		}
		member, err := circles.IsMemberTx(tx, loan.CircleID, approver)
		if err != nil {
			return err
		}
		if !member {
			return ErrNotCircleMember
		}

		now := e.now()
		approval := models.ProofApproval{
			ID:                uuid.New(),
			ProofID:           proof.ID,
			ApproverPseudonym: approver,
			CreatedAt:         now,
		}
		insert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "proof_id"}, {Name: "approver_pseudonym"}},
			DoNothing: true,
		}).Create(&approval)
		if insert.Error != nil {
			return insert.Error
		}
		result.Recorded = insert.RowsAffected > 0

		var count int64
		if err := tx.Model(&models.ProofApproval{}).
			Where("proof_id = ?", proof.ID).
			Count(&count).Error; err != nil {
			return err
		}
		required, err := requiredApprovalsTx(tx, &loan)
		if err != nil {
			return err
		}

		result.Proof = &proof
		result.TrancheID = tranche.ID
		result.LoanID = loan.ID
		result.ApprovalCount = count
		result.Required = required

		if count < required || tranche.Status != models.TrancheProofSubmitted {
			return nil
		}
		latest, err := latestProofID(tx, tranche.ID)
		if err != nil {
			return err
		}
		if latest != proof.ID {
			// Stale proof: the approval is recorded but only the most
			// recent submission can release the tranche.
			return nil
		}
		if err := lending.ValidateTransition(tranche.Status, models.TrancheReleased); err != nil {
			return err
		}
		tranche.Status = models.TrancheReleased
		tranche.ReleasedAt = &now
		tranche.UpdatedAt = now
		if err := tx.Save(&tranche).Error; err != nil {
			return err
		}
		result.Released = true
		result.ReleasedAmt = tranche.AmountCents
		event := models.LedgerEvent{
			ID:        uuid.New(),
			EntityID:  &tranche.ID,
			Actor:     approver,
			Action:    "tranche.released",
			CreatedAt: now,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApprovalCount returns the number of distinct approvals for a proof.
func (e *Engine) ApprovalCount(ctx context.Context, proofID uuid.UUID) (int64, error) {
	var proof models.Proof
	if err := e.db.WithContext(ctx).First(&proof, "id = ?", proofID).Error; err != nil {
		return 0, err
	}
	var count int64
	err := e.db.WithContext(ctx).Model(&models.ProofApproval{}).
		Where("proof_id = ?", proofID).
		Count(&count).Error
	return count, err
}

// Proofs lists a tranche's proofs, newest first.
func (e *Engine) Proofs(ctx context.Context, trancheID uuid.UUID) ([]models.Proof, error) {
	var tranche models.Tranche
	if err := e.db.WithContext(ctx).First(&tranche, "id = ?", trancheID).Error; err != nil {
		return nil, err
	}
	var proofs []models.Proof
	if err := e.db.WithContext(ctx).
		Where("tranche_id = ?", trancheID).
		Order("submitted_at DESC").
		Find(&proofs).Error; err != nil {
		return nil, err
	}
	return proofs, nil
}

func latestProofID(tx *gorm.DB, trancheID uuid.UUID) (uuid.UUID, error) {
	var proof models.Proof
	if err := tx.Where("tranche_id = ?", trancheID).
		Order("submitted_at DESC").
		First(&proof).Error; err != nil {
		return uuid.Nil, err
	}
	return proof.ID, nil
}
