package billingtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/patronbox/app/models"
)

var dbSeq atomic.Int64

// NewDB opens an isolated in-memory SQLite database with the billing schema.
// A single connection serializes concurrent callers the way row locks would.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, dbSeq.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.CreatorProfile{},
		&models.Tier{},
		&models.BillingAccount{},
		&models.SubscriptionRecord{},
		&models.AccessGrant{},
		&models.BillingWebhookEvent{},
	))
	return db
}

// SeedTier creates a creator with payoutAccountID (may be empty) and one tier.
func SeedTier(t testing.TB, db *gorm.DB, creatorID, tierID, payoutAccountID string, amountCents int64) *models.Tier {
	t.Helper()
	require.NoError(t, db.Save(&models.CreatorProfile{
		CreatorID:       creatorID,
		DisplayName:     "Creator " + creatorID,
		PayoutAccountID: payoutAccountID,
	}).Error)

	tier := &models.Tier{
		ID:          tierID,
		CreatorID:   creatorID,
		Name:        "Tier " + tierID,
		AmountCents: amountCents,
		Currency:    "usd",
	}
	require.NoError(t, db.Create(tier).Error)
	return tier
}
