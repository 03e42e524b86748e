package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/models"
)

func TestAutoMigrateBuildsFullSchema(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))

	for _, table := range []string{
		"organizations", "users", "sessions", "mfa_secrets",
		"password_histories", "password_reset_tokens",
		"rate_limit_counters", "access_logs",
	} {
		require.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}

	// Re-running against an existing schema is a no-op.
	require.NoError(t, AutoMigrate(db))
}

func TestOrganizationCharsetRoundTrips(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))

	// The charset carries characters that would break a column default;
	// it must survive a write/read cycle untouched.
	const charset = "!@#$%^&*()_+-=[]{};:,.<>?"
	org := models.Organization{
		Name:           "Charset",
		Slug:           "charset",
		SigningKey:     "sk",
		DataKey:        "dk",
		SpecialCharset: charset,
	}
	require.NoError(t, db.Create(&org).Error)

	var loaded models.Organization
	require.NoError(t, db.First(&loaded, "id = ?", org.ID).Error)
	require.Equal(t, charset, loaded.SpecialCharset)
}
