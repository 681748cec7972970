package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/du-cki/Kana/internal/history"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	// DriverSQLite selects the embedded SQLite backend.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server.
	DriverPostgres = "postgres"
)

var (
	// ErrUnsupportedDriver is returned for drivers other than sqlite and postgres.
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
	errMissingDSN        = errors.New("database: dsn is required")
)

// Config selects and tunes the database connection.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	Logger       *zap.Logger
}

// Open connects to the configured database and migrates the history schema.
func Open(cfg Config) (*gorm.DB, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, cfg.Logger); err != nil {
		return nil, err
	}
	if cfg.Logger != nil {
		cfg.Logger.Info("database initialized", zap.String("driver", normalizeDriver(cfg.Driver)))
	}
	return db, nil
}

// Connect opens the connection without touching the schema.
func Connect(cfg Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errMissingDSN
	}

	var dialector gorm.Dialector
	maxOpen := cfg.MaxOpenConns
	switch driver := normalizeDriver(cfg.Driver); driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
		// SQLite serializes writers; a single connection avoids busy errors.
		maxOpen = 1
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(cfg.Logger)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	return db, nil
}

// Migrate creates the history tables and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&history.AvatarRecord{}, &history.NameRecord{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func normalizeDriver(driver string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(driver)); normalized {
	case "", DriverSQLite, "sqlite3":
		return DriverSQLite
	case DriverPostgres, "postgresql", "pgx":
		return DriverPostgres
	default:
		return normalized
	}
}
