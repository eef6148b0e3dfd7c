// Package database opens the shared postgres connection pool.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/observability"
)

// New opens a postgres pool with the configured limits and verifies the
// connection. The returned pool is shared process-wide; callers own
// closing it.
func New(ctx context.Context, cfg *config.DatabaseConfig, logger observability.Logger) (*sqlx.DB, error) {
	logger.Info("connecting to postgres",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database)

	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("connected to postgres")
	return db, nil
}
