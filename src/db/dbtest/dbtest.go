// Package dbtest opens throwaway SQLite stores for package tests.
package dbtest

import (
	"fmt"
	"path/filepath"
	"testing"

	"maguey/src/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated store backed by a file in t.TempDir. Concurrent
// writers queue on the file lock for up to 30s.
func Open(t testing.TB, extra ...any) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=30000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", path)
	d, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, d.AutoMigrate(append(models.Migrations(), extra...)...))

	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return d
}
