// Package database provides the Postgres access layer: the shared registry
// schema, per-tenant isolated schemas, and the tenant scope executor that
// pins every domain mutation to one tenant's schema.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// DB wraps the shared *sql.DB handle.
type DB struct {
	*sql.DB
}

// Open connects to Postgres and verifies connectivity.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	slog.Info("Postgres connected")
	return &DB{DB: db}, nil
}
