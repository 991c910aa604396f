// Package db provides PostgreSQL connection management shared by the
// element and changeset stores. It follows the connection-pool pattern
// the teacher's db.PGInfo/PGMigrations established for GORM-backed
// services, generalized from a single-model RabbitMQ logger to the
// element-graph schema.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PoolConfig configures the underlying *sql.DB connection pool.
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig mirrors the teacher's production-ready defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
	}
}

// Open establishes a GORM connection to PostgreSQL and configures the pool.
func Open(dsn string, pool PoolConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("db: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return gdb, nil
}

// AdvisoryXactLock acquires a transaction-level advisory lock (released
// automatically on commit/rollback). It
// replaces the original's `LOCK TABLE … IN EXCLUSIVE MODE` (§4.5) with a
// primitive that doesn't require GORM to know about table names up front.
func AdvisoryXactLock(tx *gorm.DB, key int64) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error
}

// ElementWriteLockKey is the advisory lock key guarding the element/
// changeset write path (§5 "Element table").
const ElementWriteLockKey = 0x0E5E_E1E0
