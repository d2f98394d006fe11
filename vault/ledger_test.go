package vault

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"circlefund/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestDepositAndBalance(t *testing.T) {
	ledger := NewLedger(openTestDB(t))
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "lender-a", 50_000)
	require.NoError(t, err)
	_, err = ledger.Deposit(ctx, "lender-a", 25_000)
	require.NoError(t, err)
	_, err = ledger.Deposit(ctx, "lender-b", 10_000)
	require.NoError(t, err)

	balance, err := ledger.Balance(ctx, "lender-a")
	require.NoError(t, err)
	require.Equal(t, int64(75_000), balance)

	total, err := ledger.Total(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(85_000), total)
}

func TestDepositRejectsNonPositiveAmounts(t *testing.T) {
	ledger := NewLedger(openTestDB(t))
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "lender-a", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ledger.Deposit(ctx, "lender-a", -100)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWithdrawChecksBalance(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "lender-a", 30_000)
	require.NoError(t, err)

	_, err = ledger.Withdraw(ctx, "lender-a", 40_000)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = ledger.Withdraw(ctx, "lender-a", 20_000)
	require.NoError(t, err)

	balance, err := ledger.Balance(ctx, "lender-a")
	require.NoError(t, err)
	require.Equal(t, int64(10_000), balance)

	// The failed withdrawal left no entry behind.
	var entries int64
	require.NoError(t, db.Model(&models.VaultEntry{}).Count(&entries).Error)
	require.Equal(t, int64(2), entries)
}

func TestWithdrawIsScopedToLender(t *testing.T) {
	ledger := NewLedger(openTestDB(t))
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "lender-a", 50_000)
	require.NoError(t, err)

	// lender-b cannot draw against lender-a's deposits.
	_, err = ledger.Withdraw(ctx, "lender-b", 1_000)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestAvailableCapitalSubtractsLockedTranches(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "lender-a", 100_000)
	require.NoError(t, err)

	loanID := uuid.New()
	for i, status := range []models.TrancheStatus{models.TranchePending, models.TrancheLocked, models.TrancheReleased} {
		require.NoError(t, db.Create(&models.Tranche{
			ID:          uuid.New(),
			LoanID:      loanID,
			Index:       i,
			AmountCents: 10_000,
			Status:      status,
		}).Error)
	}

	locked, err := ledger.LockedCapital(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(20_000), locked)

	available, err := ledger.AvailableCapital(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(80_000), available)
}

func TestAvailableCapitalForUpdateMatchesDerived(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "lender-a", 100_000)
	require.NoError(t, err)
	_, err = ledger.Withdraw(ctx, "lender-a", 10_000)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.Tranche{
		ID:          uuid.New(),
		LoanID:      uuid.New(),
		Index:       0,
		AmountCents: 30_000,
		Status:      models.TranchePending,
	}).Error)

	// The locking read derives the same figure as the plain read.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		available, err := ledger.AvailableCapitalForUpdateTx(tx)
		require.NoError(t, err)
		require.Equal(t, int64(60_000), available)
		return nil
	}))
	available, err := ledger.AvailableCapital(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(60_000), available)
}

func TestAvailableCapitalFloorsAtZero(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Tranche{
		ID:          uuid.New(),
		LoanID:      uuid.New(),
		Index:       0,
		AmountCents: 5_000,
		Status:      models.TranchePending,
	}).Error)

	available, err := ledger.AvailableCapital(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), available)
}

func TestLedgerWritesAuditEvents(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "lender-a", 10_000)
	require.NoError(t, err)
	_, err = ledger.Withdraw(ctx, "lender-a", 5_000)
	require.NoError(t, err)

	var actions []string
	require.NoError(t, db.Model(&models.LedgerEvent{}).
		Order("created_at").
		Pluck("action", &actions).Error)
	require.Equal(t, []string{"vault.deposit", "vault.withdraw"}, actions)
}
