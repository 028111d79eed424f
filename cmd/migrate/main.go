package main

import (
	"database/sql"
	"log/slog"
	"os"

	"finscope/pricesync/configs"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	_ "github.com/jackc/pgx/v5/stdlib"         // Postgres driver
	"github.com/pressly/goose/v3"
)

func main() {
	cfg := configs.AppLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Running catalog migrations...")
	if err := migrate(logger, "pgx", cfg.CatalogDSN, "postgres", "internal/migrations/catalog"); err != nil {
		os.Exit(1)
	}

	logger.Info("Running bar store migrations...")
	if err := migrate(logger, "clickhouse", cfg.BarsDSN, "clickhouse", "internal/migrations/bars"); err != nil {
		os.Exit(1)
	}

	logger.Info("Migrations completed successfully")
}

func migrate(logger *slog.Logger, driver, dsn, dialect, dir string) error {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		logger.Error("Failed to connect to database", "driver", driver, "error", err)
		return err
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("Failed to ping database", "driver", driver, "error", err)
		return err
	}

	if err := goose.SetDialect(dialect); err != nil {
		logger.Error("Goose: failed to set dialect", "dialect", dialect, "error", err)
		return err
	}

	if err := goose.Up(db, dir); err != nil {
		logger.Error("Goose migration failed", "dir", dir, "error", err)
		return err
	}
	return nil
}
