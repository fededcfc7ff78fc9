package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type PoolOptions struct {
	DSN      string
	MaxConns int32
}

// NewPool connects, pings and migrates the history schema.
func NewPool(ctx context.Context, opts PoolOptions, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Infow("connected to postgres", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return pool, nil
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, `
CREATE TABLE IF NOT EXISTS call_history (
	call_id  TEXT PRIMARY KEY,
	ended_at TIMESTAMPTZ NOT NULL,
	record   JSONB NOT NULL
)`},
	{2, `CREATE INDEX IF NOT EXISTS call_history_ended_at_idx ON call_history (ended_at DESC)`},
}

// Migrate applies pending schema steps, one transaction each.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.SugaredLogger) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS callcore_schema (version INT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	var version int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM callcore_schema`).Scan(&version); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO callcore_schema (version) VALUES ($1)`, m.version); err != nil {
			tx.Rollback(ctx)
			if isUniqueViolation(err) {
				// Another process applied it first.
				continue
			}
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		logger.Infow("postgres migration applied", "version", m.version)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
