package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/patronbox/app/models"
	"github.com/ManuelReschke/patronbox/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the shared connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// Config returns the gorm settings shared by the server, the CLI and tests.
// TranslateError maps driver duplicate-key failures to gorm.ErrDuplicatedKey,
// which the billing store relies on for its uniqueness guards.
func Config() *gorm.Config {
	cfg := &gorm.Config{TranslateError: true}
	if !env.IsDev() {
		cfg.Logger = logger.Default.LogMode(logger.Warn)
	}
	return cfg
}

// Models lists every table owned by the application, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.CreatorProfile{},
		&models.Tier{},
		&models.BillingAccount{},
		&models.SubscriptionRecord{},
		&models.AccessGrant{},
		&models.BillingWebhookEvent{},
	}
}

func SetupDatabase() {
	var err error
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), Config())
		if err == nil {
			if env.GetEnv("DB_AUTO_MIGRATE", "false") == "true" {
				if migrateErr := DB.AutoMigrate(Models()...); migrateErr != nil {
					log.Errorf("[Database] AutoMigrate failed: %v", migrateErr)
				}
			}
			return
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
