package storage

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PoolConfig holds connection pool and SQLite tuning.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections.
	// SQLite serializes writers, so the default is a single connection.
	// Default: 1
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle pool.
	// Default: 1
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	// Default: 0 (no limit)
	ConnMaxLifetime time.Duration

	// BusyTimeout is how long SQLite waits on a locked database before
	// returning SQLITE_BUSY.
	// Default: 5s
	BusyTimeout time.Duration

	// WAL enables write-ahead logging.
	// Default: true
	WAL bool
}

// DefaultPoolConfig returns settings suited to a single-process queue on SQLite.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		BusyTimeout:  5 * time.Second,
		WAL:          true,
	}
}

// PoolOption configures connection pool settings.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// MaxOpenConns sets the maximum number of open connections.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxOpenConns = n
	})
}

// MaxIdleConns sets the maximum number of idle connections.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxIdleConns = n
	})
}

// ConnMaxLifetime sets the maximum connection lifetime.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxLifetime = d
	})
}

// BusyTimeout sets the SQLite busy timeout.
func BusyTimeout(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.BusyTimeout = d
	})
}

// WAL toggles write-ahead logging.
func WAL(enabled bool) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.WAL = enabled
	})
}

// ConfigurePool applies pool configuration to a GORM database connection
// and sets the SQLite pragmas.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	config := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&config)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	if ms := config.BusyTimeout.Milliseconds(); ms > 0 {
		if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms)).Error; err != nil {
			return fmt.Errorf("set busy_timeout: %w", err)
		}
	}
	if config.WAL {
		if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
		if err := db.Exec("PRAGMA synchronous = NORMAL").Error; err != nil {
			return fmt.Errorf("set synchronous: %w", err)
		}
	}
	return nil
}

// OpenSQLite opens a SQLite database at path with a silent GORM logger and
// the pool configuration applied.
func OpenSQLite(path string, opts ...PoolOption) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}
