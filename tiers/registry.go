package tiers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"circlefund/config"
	"circlefund/models"
)

// Registry tracks per-borrower tiers and completed-loan counts. Tiers only
// ever rise; promotion is driven solely by loan completion.
type Registry struct {
	db     *gorm.DB
	policy config.Policy
	now    func() time.Time
}

// NewRegistry constructs a tier registry with the given lending policy.
func NewRegistry(db *gorm.DB, policy config.Policy) *Registry {
	return &Registry{db: db, policy: policy, now: func() time.Time { return time.Now().UTC() }}
}

// TierOf returns the borrower's current tier record, defaulting to tier 1
// with zero completions when no record exists. The default is not persisted.
func (r *Registry) TierOf(ctx context.Context, borrower string) (*models.BorrowerTier, error) {
	return r.tierOfTx(r.db.WithContext(ctx), borrower)
}

// TierOfTx is TierOf inside an existing transaction, used by the loan engine
// to read the ceiling under the same snapshot that creates the loan.
func (r *Registry) TierOfTx(tx *gorm.DB, borrower string) (*models.BorrowerTier, error) {
	return r.tierOfTx(tx, borrower)
}

func (r *Registry) tierOfTx(tx *gorm.DB, borrower string) (*models.BorrowerTier, error) {
	var record models.BorrowerTier
	err := tx.First(&record, "borrower_pseudonym = ?", borrower).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.BorrowerTier{
			BorrowerPseudonym: borrower,
			Tier:              1,
			CompletedLoans:    0,
			MaxLoanCents:      r.policy.CeilingForTier(1),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Promote records one loan completion for the borrower and raises the tier
// when the completion count crosses the next threshold. It must be called
// inside the transaction that transitions the loan to repaid so promotion
// happens at most once per completion event.
func (r *Registry) Promote(tx *gorm.DB, borrower string) (*models.BorrowerTier, error) {
	now := r.now()
	var record models.BorrowerTier
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&record, "borrower_pseudonym = ?", borrower).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		completions := 1
		tier := r.policy.TierForCompletions(completions)
		record = models.BorrowerTier{
			ID:                uuid.New(),
			BorrowerPseudonym: borrower,
			Tier:              tier,
			CompletedLoans:    completions,
			MaxLoanCents:      r.policy.CeilingForTier(tier),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		record.CompletedLoans++
		if next := r.policy.TierForCompletions(record.CompletedLoans); next > record.Tier {
			record.Tier = next
		}
		record.MaxLoanCents = r.policy.CeilingForTier(record.Tier)
		record.UpdatedAt = now
		if err := tx.Save(&record).Error; err != nil {
			return nil, err
		}
	}
	return &record, nil
}
