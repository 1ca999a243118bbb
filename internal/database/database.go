// Package database owns the Postgres connection pool, schema migrations,
// and session-scoped advisory locks used by the background workers.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"mdmd.sh/internal/metrics"
)

// Config holds database configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	// SkipMigrations leaves schema management to the migrate subcommand.
	SkipMigrations bool
}

// DefaultConfig returns pool settings sized for the ingest path.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:             url,
		MaxOpenConns:    50,
		MaxIdleConns:    50,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// DB wraps sql.DB with pool monitoring.
type DB struct {
	*sql.DB
	config      *Config
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	watchCancel context.CancelFunc
}

// New opens the pool, verifies connectivity, applies migrations, and starts
// the pool watcher.
func New(config *Config) (*DB, error) {
	if config == nil {
		return nil, errors.New("database config is nil")
	}
	if config.URL == "" {
		return nil, errors.New("database URL is required")
	}

	db := &DB{
		config: config,
		logger: slog.Default().With("component", "database"),
	}

	if err := db.connect(); err != nil {
		return nil, err
	}

	if !config.SkipMigrations {
		if err := Migrate(db.DB); err != nil {
			db.DB.Close()
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	db.watchCancel = watchCancel
	go db.watchPool(watchCtx)

	return db, nil
}

func (db *DB) connect() error {
	sqlDB, err := sql.Open("postgres", db.config.URL)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if db.config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(db.config.MaxOpenConns)
	}
	if db.config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(db.config.MaxIdleConns)
	}
	if db.config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(db.config.ConnMaxLifetime)
	}
	if db.config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(db.config.ConnMaxIdleTime)
	}

	timeout := db.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	db.DB = sqlDB
	db.logger.Info("database connection established")
	return nil
}

// Close stops the pool watcher and closes the pool.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	if db.watchCancel != nil {
		db.watchCancel()
	}
	if db.DB != nil {
		if err := db.DB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	db.logger.Info("database connection closed")
	return nil
}

// Healthy reports whether the database answers a ping within the timeout.
func (db *DB) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func (db *DB) watchPool(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.OpenConnections))
			if err := db.Ping(); err != nil {
				db.logger.Error("database health check failed", "error", err)
			}
		}
	}
}
