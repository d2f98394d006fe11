package tiers

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"circlefund/config"
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

func TestTierOfDefaultsToTierOne(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db, config.DefaultPolicy())

	record, err := reg.TierOf(context.Background(), "borrower-1")
	require.NoError(t, err)
	require.Equal(t, 1, record.Tier)
	require.Equal(t, 0, record.CompletedLoans)
	require.Equal(t, int64(100_000), record.MaxLoanCents)

	// The default is not persisted.
	var count int64
	require.NoError(t, db.Model(&models.BorrowerTier{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestPromoteFollowsCompletionLadder(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db, config.DefaultPolicy())

	// First completion reaches tier 2.
	record, err := reg.Promote(db, "borrower-1")
	require.NoError(t, err)
	require.Equal(t, 2, record.Tier)
	require.Equal(t, 1, record.CompletedLoans)
	require.Equal(t, int64(300_000), record.MaxLoanCents)

	// Second completion stays at tier 2.
	record, err = reg.Promote(db, "borrower-1")
	require.NoError(t, err)
	require.Equal(t, 2, record.Tier)
	require.Equal(t, 2, record.CompletedLoans)

	// Third completion reaches tier 3.
	record, err = reg.Promote(db, "borrower-1")
	require.NoError(t, err)
	require.Equal(t, 3, record.Tier)
	require.Equal(t, 3, record.CompletedLoans)
	require.Equal(t, int64(1_000_000), record.MaxLoanCents)
}

func TestPromoteNeverLowersTier(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db, config.DefaultPolicy())

	seeded := models.BorrowerTier{
		ID:                uuid.New(),
		BorrowerPseudonym: "borrower-1",
		Tier:              3,
		CompletedLoans:    5,
		MaxLoanCents:      1_000_000,
	}
	require.NoError(t, db.Create(&seeded).Error)

	record, err := reg.Promote(db, "borrower-1")
	require.NoError(t, err)
	require.Equal(t, 3, record.Tier)
	require.Equal(t, 6, record.CompletedLoans)
	require.Equal(t, int64(1_000_000), record.MaxLoanCents)
}

func TestPromoteIsolatesBorrowers(t *testing.T) {
	db := openTestDB(t)
	reg := NewRegistry(db, config.DefaultPolicy())

	_, err := reg.Promote(db, "borrower-1")
	require.NoError(t, err)

	other, err := reg.TierOf(context.Background(), "borrower-2")
	require.NoError(t, err)
	require.Equal(t, 1, other.Tier)
	require.Equal(t, 0, other.CompletedLoans)
}
