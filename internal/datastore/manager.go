// Package datastore is the record store: durable, idempotent storage of call
// records and per-number aggregates on SQLite or MySQL.
//
// There is no package-level database handle. A Manager owns the connection
// lifecycle (Open, Initialize, Close) and a Store is built explicitly on top
// of an opened Manager.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphakala/callsync/internal/conf"
	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

// Manager owns a database connection and its schema.
type Manager interface {
	// Open connects to the database.
	Open() error
	// Initialize applies pending schema migrations.
	Initialize(ctx context.Context) error
	// DB returns the underlying GORM database. Open must have succeeded.
	DB() *gorm.DB
	// Path returns the database location (file path for SQLite, host/database for MySQL).
	Path() string
	// Close closes the database connection.
	Close() error
	// IsMySQL returns true if this is a MySQL manager.
	IsMySQL() bool
}

// Config holds SQLite configuration for the manager.
type Config struct {
	// Path is the database file.
	Path string
	// Logger receives GORM logs. Nil disables GORM logging.
	Logger logger.Logger
	// SlowQueryThreshold marks queries slower than this as warnings.
	SlowQueryThreshold time.Duration
}

// SQLiteManager handles a SQLite database file.
type SQLiteManager struct {
	db  *gorm.DB
	cfg Config
	log logger.Logger
}

// NewSQLiteManager creates a new SQLite database manager. The file is not
// touched until Open.
func NewSQLiteManager(cfg Config) *SQLiteManager {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &SQLiteManager{cfg: cfg, log: log.Module("datastore")}
}

// Open creates the parent directory and opens the database with WAL,
// a busy timeout and immediate write transactions.
func (m *SQLiteManager) Open() error {
	if m.db != nil {
		return nil
	}
	if m.cfg.Path == "" {
		return validationError("database.sqlite.path", "path is required")
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.Path), 0o755); err != nil {
		return storageError("open", err, "path", m.cfg.Path)
	}

	// Build DSN with recommended SQLite pragmas
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate", m.cfg.Path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger(m.cfg.Logger, m.cfg.SlowQueryThreshold),
	})
	if err != nil {
		return storageError("open", err, "path", m.cfg.Path)
	}

	m.db = db
	m.log.Info("database opened", logger.String("driver", "sqlite"), logger.String("path", m.cfg.Path))
	return nil
}

// Initialize applies pending schema migrations.
func (m *SQLiteManager) Initialize(ctx context.Context) error {
	if m.db == nil {
		return storageError("initialize", errNotOpen)
	}
	return Migrate(ctx, m.db, m.log)
}

// DB returns the underlying GORM database.
func (m *SQLiteManager) DB() *gorm.DB {
	return m.db
}

// Path returns the database file path.
func (m *SQLiteManager) Path() string {
	return m.cfg.Path
}

// Close closes the database connection.
func (m *SQLiteManager) Close() error {
	if m.db == nil {
		return nil
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		return storageError("close", err)
	}
	m.db = nil
	if err := sqlDB.Close(); err != nil {
		return storageError("close", err)
	}
	return nil
}

// IsMySQL returns false for SQLite.
func (m *SQLiteManager) IsMySQL() bool {
	return false
}

var errNotOpen = errors.NewStd("database is not open")

// gormLogger routes GORM output through the application logger.
func gormLogger(log logger.Logger, slow time.Duration) gormlogger.Interface {
	if log == nil {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	return logger.NewGormLoggerAdapter(log.Module("gorm"), slow)
}

// NewManager builds the manager selected by the database settings.
func NewManager(settings *conf.DatabaseSettings, log logger.Logger) (Manager, error) {
	switch settings.Type {
	case "", "sqlite":
		return NewSQLiteManager(Config{
			Path:               settings.SQLite.Path,
			Logger:             log,
			SlowQueryThreshold: settings.SlowQueryThreshold,
		}), nil
	case "mysql":
		return NewMySQLManager(&MySQLConfig{
			Host:               settings.MySQL.Host,
			Port:               settings.MySQL.Port,
			Username:           settings.MySQL.Username,
			Password:           settings.MySQL.Password,
			Database:           settings.MySQL.Database,
			Logger:             log,
			SlowQueryThreshold: settings.SlowQueryThreshold,
		}), nil
	default:
		return nil, validationError("database.type", fmt.Sprintf("unsupported database type %q", settings.Type))
	}
}
