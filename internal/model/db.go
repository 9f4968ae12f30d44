// Package model holds the GORM row definitions and DB bootstrap for the
// gateway's two durable sources of truth: the quota store and the audit
// store (spec.md §3 "Ownership").
package model

import (
	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	gwlogger "github.com/laisky/llmgateway/internal/logger"
)

// OpenDB opens the configured driver and runs AutoMigrate for all rows
// owned by this module.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported db driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := db.AutoMigrate(
		&ConsumerQuota{},
		&UsageLog{},
		&ModelPricing{},
		&BlockchainBatch{},
		&BlockchainBudget{},
	); err != nil {
		return nil, errors.Wrap(err, "auto-migrate schema")
	}

	gwlogger.L().Info("database ready", zap.String("driver", driver))
	return db, nil
}
