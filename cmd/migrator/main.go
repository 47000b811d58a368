package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fastprodman/pointsledger/internal/config"
	"github.com/fastprodman/pointsledger/internal/infra/logging"
	"github.com/fastprodman/pointsledger/internal/infra/pgutils"
	"github.com/fastprodman/pointsledger/pkg/envconf"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var baseFS embed.FS

//go:embed test_data/*.sql
var devFS embed.FS

const (
	envDev = "DEV"

	// seedMigrationsTable keeps demo data versions apart from the schema's.
	seedMigrationsTable = "schema_migrations_seed"
)

type migratorConfig struct {
	App      config.AppConfig
	Postgres config.PostgresConfig
	// Direction is "up" or "down". Down also removes the demo seed first.
	Direction string `env:"MIGRATE_DIRECTION" default:"up"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := migrateAll(ctx)
	if err != nil {
		slog.Error("migration run failed", "error", err)
		//nolint:gocritic
		os.Exit(1)
	}

	slog.Info("migration run finished successfully")
}

func migrateAll(ctx context.Context) error {
	cfg := new(migratorConfig)

	err := envconf.Load(cfg)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.SetupJSON(cfg.App.LogLevel)

	db, err := pgutils.OpenDB(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	//nolint:errcheck
	defer db.Close()

	base, err := newMigrate(db, baseFS, "migrations", &postgres.Config{})
	if err != nil {
		return fmt.Errorf("base migrations: %w", err)
	}

	var seed *migrate.Migrate
	if cfg.App.Env == envDev {
		seed, err = newMigrate(db, devFS, "test_data", &postgres.Config{MigrationsTable: seedMigrationsTable})
		if err != nil {
			return fmt.Errorf("dev seed migrations: %w", err)
		}
	}

	switch cfg.Direction {
	case "up":
		err = apply(base.Up)
		if err != nil {
			return fmt.Errorf("base migrations failed: %w", err)
		}

		slog.Info("base migrations applied")

		if seed != nil {
			err = apply(seed.Up)
			if err != nil {
				return fmt.Errorf("dev seed migrations failed: %w", err)
			}

			slog.Info("dev seed migrations applied")
		}

	case "down":
		if seed != nil {
			err = apply(seed.Down)
			if err != nil {
				return fmt.Errorf("dev seed rollback failed: %w", err)
			}

			slog.Info("dev seed migrations rolled back")
		}

		err = apply(base.Down)
		if err != nil {
			return fmt.Errorf("base rollback failed: %w", err)
		}

		slog.Info("base migrations rolled back")

	default:
		return fmt.Errorf("unknown MIGRATE_DIRECTION %q", cfg.Direction)
	}

	return nil
}

func newMigrate(db *sql.DB, fsys embed.FS, dir string, pgCfg *postgres.Config) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("init postgres driver: %w", err)
	}

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}

	return m, nil
}

func apply(step func() error) error {
	err := step()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
