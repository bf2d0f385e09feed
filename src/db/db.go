package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maguey/src/config"
	"maguey/src/errs"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

func GetDb() *gorm.DB {
	if db != nil {
		return db
	}
	_db, err := gorm.Open(postgres.Open(config.GetDSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Printf("Error connecting to database: %s\n", err.Error())
		panic(err)
	}
	sqlDB, err := _db.DB()
	if err != nil {
		log.Fatalf("Error establishing connection to database: %s\n", err.Error())
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	db = _db
	return _db
}

func NewDB(newdb *gorm.DB) {
	db = newdb
}

// OpenLocal opens a file-backed SQLite store. Write transactions begin
// immediately and wait up to the configured lock timeout for the file lock.
func OpenLocal(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", path, config.LockTimeout().Milliseconds())
	d, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Printf("Error opening local store %s: %s\n", path, err.Error())
		return nil, err
	}
	return d, nil
}

// Transaction runs fn in one unit of work bound to ctx. Lock waits are
// bounded and surface as errs.ErrLockTimeout.
func Transaction(ctx context.Context, d *gorm.DB, fn func(tx *gorm.DB) error) error {
	err := d.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			ms := config.LockTimeout().Milliseconds()
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
	return Translate(err)
}

// Translate maps driver lock failures onto the error taxonomy.
func Translate(err error) error {
	if err == nil || errors.Is(err, errs.ErrLockTimeout) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// lock_not_available, deadlock_detected, serialization_failure
		case "55P03", "40P01", "40001":
			return fmt.Errorf("%w: %w", errs.ErrLockTimeout, err)
		}
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %w", errs.ErrLockTimeout, err)
	}
	return err
}

func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
