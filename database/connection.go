package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Ananth-NQI/whatsapp-engine/internal/config"
	"github.com/Ananth-NQI/whatsapp-engine/internal/storage"
)

// For Cloud Run with Cloud SQL
const socketDir = "/cloudsql"

// DSN builds the postgres connection string: a unix socket when an instance
// connection name is set, TCP otherwise
func DSN(cfg config.DatabaseConfig) string {
	if cfg.InstanceConnectionName != "" {
		return fmt.Sprintf("host=%s/%s user=%s password=%s dbname=%s sslmode=disable",
			socketDir, cfg.InstanceConnectionName, cfg.User, cfg.Password, cfg.Name)
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port)
}

// Connect opens the postgres database
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.InstanceConnectionName != "" {
		log.Printf("Connecting to Cloud SQL via socket: %s", cfg.InstanceConnectionName)
	} else {
		log.Printf("Connecting to PostgreSQL at %s:%d", cfg.Host, cfg.Port)
	}

	db, err := Open(postgres.Open(DSN(cfg)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("✅ Database connected successfully!")
	return db, nil
}

// Open opens any gorm dialector with the settings the store relies on.
// TranslateError turns unique violations into gorm.ErrDuplicatedKey.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
}

// Migrate creates or updates every table the store uses
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(storage.Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	log.Println("✅ Database migrated")
	return nil
}
