package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/tphakala/callsync/internal/logger"
)

// MySQLConfig holds MySQL-specific configuration for the manager.
type MySQLConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	// Logger receives GORM logs. Nil disables GORM logging.
	Logger             logger.Logger
	SlowQueryThreshold time.Duration
}

// MySQLManager handles a shared MySQL database.
type MySQLManager struct {
	db       *gorm.DB
	config   MySQLConfig
	location string // host:port/database for display
	log      logger.Logger
}

// NewMySQLManager creates a new MySQL database manager. No connection is
// made until Open.
func NewMySQLManager(cfg *MySQLConfig) *MySQLManager {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &MySQLManager{
		config:   *cfg,
		location: fmt.Sprintf("%s:%s/%s", cfg.Host, cfg.Port, cfg.Database),
		log:      log.Module("datastore"),
	}
}

// DSN returns the go-sql-driver connection string.
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

// Open connects and configures the connection pool.
func (m *MySQLManager) Open() error {
	if m.db != nil {
		return nil
	}

	db, err := gorm.Open(mysql.Open(m.config.DSN()), &gorm.Config{
		Logger: gormLogger(m.config.Logger, m.config.SlowQueryThreshold),
	})
	if err != nil {
		return storageError("open", err, "location", m.location)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return storageError("open", err, "location", m.location)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	m.db = db
	m.log.Info("database opened", logger.String("driver", "mysql"), logger.String("location", m.location))
	return nil
}

// Initialize applies pending schema migrations.
func (m *MySQLManager) Initialize(ctx context.Context) error {
	if m.db == nil {
		return storageError("initialize", errNotOpen)
	}
	return Migrate(ctx, m.db, m.log)
}

// DB returns the underlying GORM database.
func (m *MySQLManager) DB() *gorm.DB {
	return m.db
}

// Path returns the connection location (host:port/database).
func (m *MySQLManager) Path() string {
	return m.location
}

// Close closes the database connection.
func (m *MySQLManager) Close() error {
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

// IsMySQL returns true.
func (m *MySQLManager) IsMySQL() bool {
	return true
}
