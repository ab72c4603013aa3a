package database

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/gridbase-io/gridbase-engine/pkg/config"
)

// migrationsTable keeps migration bookkeeping under the same grid_
// prefix as the catalog tables it manages.
const migrationsTable = "grid_schema_migrations"

// Migrate applies pending catalog migrations from cfg.MigrationsPath.
// It opens its own short-lived connection; the pool used for serving
// traffic is created separately. Idempotent: only pending migrations
// run.
func Migrate(cfg *config.DatabaseConfig, logger *zap.Logger) error {
	info, err := os.Stat(cfg.MigrationsPath)
	if err != nil {
		return fmt.Errorf("migrations path %q: %w", cfg.MigrationsPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("migrations path %q is not a directory", cfg.MigrationsPath)
	}

	db, err := sql.Open("pgx", cfg.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cfg.MigrationsPath),
		"postgres", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("Failed to close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("Failed to close migration database", zap.Error(dbErr))
		}
	}()

	err = m.Up()
	if err == migrate.ErrNoChange {
		logger.Info("No migrations to apply (database up-to-date)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	logger.Info("Applied migrations successfully", zap.Uint("version", newVersion))
	return nil
}
