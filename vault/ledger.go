package vault

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"circlefund/models"
)

var (
	// ErrInvalidAmount rejects non-positive ledger amounts.
	ErrInvalidAmount = errors.New("vault: amount must be positive")
	// ErrInsufficientBalance rejects withdrawals exceeding the lender's fold.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
)

// Ledger is the append-only capital ledger. Vault total and per-lender
// balances are always derived by folding the entry rows, never cached.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger constructs a ledger over the given database handle.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock, primarily for tests.
func (l *Ledger) SetNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Deposit appends a deposit entry for the lender. There is no upper bound.
func (l *Ledger) Deposit(ctx context.Context, lender string, amount int64) (*models.VaultEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry := &models.VaultEntry{
		ID:              uuid.New(),
		LenderPseudonym: lender,
		AmountCents:     amount,
		Kind:            models.VaultDeposit,
		CreatedAt:       l.now(),
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return appendEvent(tx, entry.ID, lender, "vault.deposit", l.now())
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Withdraw folds the lender's prior entries under a row lock and appends a
// withdrawal entry when the balance covers the amount. Two concurrent
// withdrawals against the same lender serialize on the locked rows so both
// cannot pass the check against a stale balance.
func (l *Ledger) Withdraw(ctx context.Context, lender string, amount int64) (*models.VaultEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	entry := &models.VaultEntry{
		ID:              uuid.New(),
		LenderPseudonym: lender,
		AmountCents:     amount,
		Kind:            models.VaultWithdrawal,
		CreatedAt:       l.now(),
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []models.VaultEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("lender_pseudonym = ?", lender).
			Order("created_at").
			Find(&entries).Error; err != nil {
			return err
		}
		if foldBalance(entries) < amount {
			return ErrInsufficientBalance
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return appendEvent(tx, entry.ID, lender, "vault.withdraw", l.now())
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance folds the lender's entries into their current balance.
func (l *Ledger) Balance(ctx context.Context, lender string) (int64, error) {
	var entries []models.VaultEntry
	if err := l.db.WithContext(ctx).
		Where("lender_pseudonym = ?", lender).
		Order("created_at").
		Find(&entries).Error; err != nil {
		return 0, err
	}
	return foldBalance(entries), nil
}

// Total returns deposits minus withdrawals across all lenders.
func (l *Ledger) Total(ctx context.Context) (int64, error) {
	return l.totalTx(l.db.WithContext(ctx))
}

// LockedCapital sums tranche amounts in pending or locked status: capital
// already committed or about to be.
func (l *Ledger) LockedCapital(ctx context.Context) (int64, error) {
	return l.lockedTx(l.db.WithContext(ctx))
}

// AvailableCapital is total minus locked capital, floored at zero.
func (l *Ledger) AvailableCapital(ctx context.Context) (int64, error) {
	return l.AvailableCapitalTx(l.db.WithContext(ctx))
}

// AvailableCapitalTx computes available capital inside an existing
// transaction so loan creation can re-validate it under the same snapshot.
func (l *Ledger) AvailableCapitalTx(tx *gorm.DB) (int64, error) {
	total, err := l.totalTx(tx)
	if err != nil {
		return 0, err
	}
	locked, err := l.lockedTx(tx)
	if err != nil {
		return 0, err
	}
	available := total - locked
	if available < 0 {
		available = 0
	}
	return available, nil
}

// AvailableCapitalForUpdateTx locks every vault entry row before deriving
// available capital. Concurrent capital consumers contend on the same rows,
// so two cannot both pass a check against the same entries; the second waits
// and re-derives after the first commits.
func (l *Ledger) AvailableCapitalForUpdateTx(tx *gorm.DB) (int64, error) {
	var entries []models.VaultEntry
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Order("created_at").
		Find(&entries).Error; err != nil {
		return 0, err
	}
	locked, err := l.lockedTx(tx)
	if err != nil {
		return 0, err
	}
	available := foldBalance(entries) - locked
	if available < 0 {
		available = 0
	}
	return available, nil
}

func (l *Ledger) totalTx(tx *gorm.DB) (int64, error) {
	var total int64
	err := tx.Model(&models.VaultEntry{}).
		Select("COALESCE(SUM(CASE WHEN kind = ? THEN amount_cents ELSE -amount_cents END), 0)", models.VaultDeposit).
		Scan(&total).Error
	return total, err
}

func (l *Ledger) lockedTx(tx *gorm.DB) (int64, error) {
	var locked int64
	err := tx.Model(&models.Tranche{}).
		Where("status IN ?", []models.TrancheStatus{models.TranchePending, models.TrancheLocked}).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&locked).Error
	return locked, err
}

func foldBalance(entries []models.VaultEntry) int64 {
	var balance int64
	for _, entry := range entries {
		if entry.Kind == models.VaultDeposit {
			balance += entry.AmountCents
		} else {
			balance -= entry.AmountCents
		}
	}
	return balance
}

func appendEvent(tx *gorm.DB, entityID uuid.UUID, actor, action string, at time.Time) error {
	event := models.LedgerEvent{
		ID:        uuid.New(),
		EntityID:  &entityID,
		Actor:     actor,
		Action:    action,
		CreatedAt: at,
	}
	return tx.Create(&event).Error
}
