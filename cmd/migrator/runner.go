package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sehatku-io/ingestor/migrations"
)

type (
	// MigrationRunner defines the commands the CLI can execute.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() error
		Version() error
		Drop() error
		Close() error
	}

	// Runner implements MigrationRunner using golang-migrate over the embedded catalog.
	Runner struct {
		config  *Config
		migrate *migrate.Migrate
		db      *sql.DB
		catalog *migrations.Catalog
	}

	migrateLogger struct{}
)

var (
	_ migrate.Logger  = (*migrateLogger)(nil)
	_ io.Writer       = (*migrateLogger)(nil)
	_ MigrationRunner = (*Runner)(nil)
)

// NewMigrationRunner validates the embedded migrations, connects to PostgreSQL and prepares
// a golang-migrate instance backed by the iofs source driver.
func NewMigrationRunner(cfg *Config) (*Runner, error) {
	log.Printf("Initializing migration runner with config: %s", cfg.String())

	catalog := migrations.NewCatalog(nil)

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(catalog.Source(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}

	return &Runner{
		config:  cfg,
		migrate: m,
		db:      db,
		catalog: catalog,
	}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	if err := r.catalog.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		log.Println("All migrations applied successfully")
	}

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	if err := r.catalog.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Println("No migrations to rollback")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		log.Println("Last migration rolled back successfully")
	}

	return nil
}

// Status reports the applied version, dirty flag and how far behind the binary it is.
func (r *Runner) Status() error {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Println("Migration Status: No migrations applied yet")
		r.showCompatibility(0)

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty (needs manual intervention)"
	}

	log.Printf("Migration Status: Version %d (%s)\n", ver, state)
	r.showCompatibility(int(ver)) // #nosec G115 - version numbers are small

	return nil
}

// Version prints the applied version.
func (r *Runner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Println("Current Version: No migrations applied")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	note := ""
	if dirty {
		note = " (dirty)"
	}

	log.Printf("Current Version: %d%s\n", ver, note)

	return nil
}

// Drop drops every table in the database.
func (r *Runner) Drop() error {
	if err := r.catalog.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	log.Println("WARNING: Dropping all tables...")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	log.Println("All tables dropped successfully")

	return nil
}

// Close releases the migrate source, driver and database handle.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (r *Runner) showCompatibility(current int) {
	supported := r.catalog.MaxVersion()

	log.Printf("Schema Compatibility:")
	log.Printf("  Database Schema: v%03d", current)
	log.Printf("  Migrator Supports: v%03d", supported)

	switch {
	case current == supported:
		log.Printf("  Status: up to date")
	case current < supported:
		log.Printf("  Status: %d migration(s) available", supported-current)
	default:
		log.Printf("  Status: database schema newer than this migrator (v%03d)", current)
	}
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[MIGRATE] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return true
}

func (l *migrateLogger) Write(p []byte) (int, error) {
	log.Printf("[MIGRATE] %s", string(p))

	return len(p), nil
}
