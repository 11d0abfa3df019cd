package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config carries the pool tuning knobs. They come from the environment so
// staging and production can run different pool sizes without a rebuild.
type Config struct {
	URL          string
	MinConns     int
	MaxConns     int
	ConnLifetime time.Duration
	ConnIdleTime time.Duration
}

// DB owns the pgx connection pool shared by the store and the handlers.
type DB struct {
	Pool *pgxpool.Pool
}

// Connect opens the pool and verifies it answers before anything starts
// depending on it. Reconciliation must not come up against a database it
// cannot reach.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MaxConnLifetime = cfg.ConnLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnIdleTime
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Printf("Database pool ready (conns %d..%d, lifetime %s, idle %s)",
		cfg.MinConns, cfg.MaxConns, cfg.ConnLifetime, cfg.ConnIdleTime)

	return &DB{Pool: pool}, nil
}

// Close drains and closes the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		log.Println("Closing database pool...")
		db.Pool.Close()
	}
}

// Health answers the readiness probe with a bounded ping. A wedged pool must
// fail the probe, not hang it.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}
