package database

import (
	"errors"
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	schemeSQLite     = "sqlite://"
	schemePostgres   = "postgres://"
	schemePostgreSQL = "postgresql://"
)

var (
	// ErrMissingDSN indicates that no data source name was configured.
	ErrMissingDSN = errors.New("database: dsn required")
	// ErrUnsupportedDSN indicates a data source name with an unknown scheme.
	ErrUnsupportedDSN = errors.New("database: unsupported dsn")
)

// Config describes a tenant database connection.
type Config struct {
	DSN        string
	Models     []any
	Migrations []Migration
	Logger     *zap.Logger
}

// Open connects to the database named by the DSN, migrates the provided models,
// and applies pending named migrations. sqlite:// and postgres:// DSNs are supported.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, driver, err := dialectorFor(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	models := append([]any{&migrationRecord{}}, cfg.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, cfg.Migrations, cfg.Logger); err != nil {
		return nil, err
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}

func dialectorFor(dsn string) (gorm.Dialector, string, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		return nil, "", ErrMissingDSN
	case strings.HasPrefix(trimmed, schemeSQLite):
		path := strings.TrimPrefix(trimmed, schemeSQLite)
		if path == "" {
			return nil, "", fmt.Errorf("%w: empty sqlite path", ErrUnsupportedDSN)
		}
		return sqlite.Open(path), "sqlite", nil
	case strings.HasPrefix(trimmed, schemePostgres), strings.HasPrefix(trimmed, schemePostgreSQL):
		return postgres.Open(trimmed), "postgres", nil
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedDSN, redact(trimmed))
	}
}

func redact(dsn string) string {
	if index := strings.Index(dsn, "://"); index >= 0 {
		return dsn[:index+3] + "..."
	}
	return "..."
}
