// Package database opens the SQL connection behind the journal.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// OpenPostgres connects through the pgx stdlib driver and waits for the
// server to answer.
func OpenPostgres(ctx context.Context, dsn string, log *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := ping(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres not reachable: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a file-backed database. SQLite allows one writer, so the
// pool is pinned to a single connection and appends queue behind it.
func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := ping(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite not usable: %w", err)
	}
	return db, nil
}

func ping(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	attempt := 0
	op := func() error {
		attempt++
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := db.PingContext(pctx)
		if err != nil {
			log.Warn("database not ready", "attempt", attempt, "error", err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
