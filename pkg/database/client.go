// Package database provides the PostgreSQL connection pool and migration
// runner shared by every Postgres-backed store (correlation state,
// evidence custody, sigma rule cache, playbook state), adapted from
// tarsy's pkg/database/client.go with the ent-generated client removed:
// ent's code generator cannot run under this module's build constraints,
// so every store here talks to Postgres directly through database/sql
// and hand-written SQL, which is what ent itself sits on top of.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps a pooled *sql.DB. Every Eleanor store (pkg/correlation,
// pkg/evidence, pkg/playbook, pkg/sigma) takes a *sql.DB directly rather
// than this wrapper; Client exists for composition-root lifecycle
// management (connect once, run migrations once, hand the pool to every
// store, close once on shutdown).
type Client struct {
	db *sql.DB
}

// DB returns the underlying connection pool.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the underlying connection pool.
func (c *Client) Close() error { return c.db.Close() }

// NewClientFromDB wraps an existing *sql.DB (used by tests against a
// testcontainers-backed Postgres instance).
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// NewClient opens a connection pool, verifies connectivity, and applies
// every pending migration.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// runMigrations applies every pending migration using golang-migrate
// against the embedded migration files.
//
// Migration workflow:
//  1. Add a schema change: write pkg/database/migrations/NNNN_name.up.sql
//     (+ .down.sql)
//  2. Files are embedded into the binary at compile time via go:embed
//  3. Review & commit the SQL files
//  4. Deploy: the binary applies pending migrations on startup (this
//     function)
func runMigrations(ctx context.Context, db *sql.DB, cfg Config) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver, not m itself — m.Close()
	// would also close the database driver, which calls db.Close() on the
	// shared *sql.DB every store still needs after this returns.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	if err := CreateGINIndexes(ctx, db); err != nil {
		return fmt.Errorf("failed to create GIN indexes: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
