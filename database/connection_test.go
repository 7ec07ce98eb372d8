package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/models"
)

func TestDSN(t *testing.T) {
	tcp := DSN(config.DatabaseConfig{Host: "db", Port: 5433, User: "app", Password: "pw", Name: "whatsapp"})
	assert.Equal(t, "host=db user=app password=pw dbname=whatsapp port=5433 sslmode=disable", tcp)

	socket := DSN(config.DatabaseConfig{User: "app", Password: "pw", Name: "whatsapp", InstanceConnectionName: "proj:region:inst"})
	assert.Equal(t, "host=/cloudsql/proj:region:inst user=app password=pw dbname=whatsapp sslmode=disable", socket)
}

func TestOpenAndMigrate(t *testing.T) {
	db, err := Open(sqlite.Open("file::memory:"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // every connection gets its own memory database
	require.NoError(t, Migrate(db))

	for _, table := range []interface{}{&models.User{}, &models.Session{}, &models.Message{}, &models.Flow{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}
	assert.True(t, db.Migrator().HasIndex(&models.Session{}, "idx_sessions_one_active"))
}
