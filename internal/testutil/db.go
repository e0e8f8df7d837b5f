// Package testutil wires in-memory dependencies for package tests.
package testutil

import (
	"testing"
	"time"

	"kawan-hiking/backend/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDB opens a private in-memory SQLite database with the chat schema.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a second connection would see a different in-memory database
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, repository.Migrate(db))

	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// NewRepository returns a repository over NewDB.
func NewRepository(t testing.TB) *repository.GormMessageRepository {
	t.Helper()
	return repository.NewGormMessageRepository(NewDB(t), 5*time.Second)
}
