// Package database owns the durable-mode connection pool and schema
// migrations for pkg/persistence's Postgres-backed Repository,
// grounded on the teacher's pkg/database (embedded-migrations-on-
// startup idiom) adapted away from Ent (see DESIGN.md's dropped-deps
// entry) onto direct pgx/v5 SQL.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver, used by golang-migrate only
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the durable-mode connection settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Open connects a pgxpool.Pool, applies pending migrations, and pings
// the result. The pool is the only thing pkg/persistence's Postgres
// repository talks to; migrations run once up front via a short-lived
// database/sql connection, matching the teacher's startup sequence.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if err := migrate_(cfg.DSN); err != nil {
		return nil, fmt.Errorf("database: migration failed: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: invalid dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: failed to ping: %w", err)
	}
	return pool, nil
}

// migrate_ applies every pending up-migration using golang-migrate
// against a plain database/sql connection, the same two-driver split
// (database/sql for migrations, a native pool for queries) the teacher
// uses between Ent's driver and golang-migrate.
func migrate_(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
