package db

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/cateringcrm/omnichannel/internal/config"
	"github.com/cateringcrm/omnichannel/internal/db/migrations"
)

// Migrate applies all pending embedded migrations.
func Migrate(log *slog.Logger, cfg config.PostgresConfig) error {
	return MigrateDSN(log, cfg.DSN())
}

// MigrateDSN applies all pending embedded migrations to the database at dsn.
func MigrateDSN(log *slog.Logger, dsn string) error {
	if log == nil {
		log = slog.Default()
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("schema up to date")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Info("schema migrated", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

func migrateURL(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "postgres://")
	return "pgx5://" + strings.TrimPrefix(dsn, "postgresql://")
}
