package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationTimeout bounds a full migration pass on startup
const migrationTimeout = time.Minute

// Migrate applies all pending schema migrations from the embedded set.
// Running against an up-to-date schema is a no-op.
func (m *Manager) Migrate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.migrateLocked(ctx)
}

// NewMigrator builds a migrator over the embedded migration set and the
// given connection. Callers own the Up/Down/Steps sequencing; the server
// startup path uses Manager.Migrate instead.
func NewMigrator(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return migrator, nil
}

func (m *Manager) migrateLocked(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("cannot migrate: database not connected")
	}

	migrator, err := NewMigrator(m.db.DB)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- migrator.Up()
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	select {
	case err = <-done:
	case <-timeoutCtx.Done():
		migrator.GracefulStop <- true
		return fmt.Errorf("migration timed out: %w", timeoutCtx.Err())
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, verr := migrator.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		m.logger.Warn("could not read migration version", map[string]interface{}{
			"error": verr.Error(),
		})
		return nil
	}
	m.logger.Info("database schema up to date", map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	})
	return nil
}
