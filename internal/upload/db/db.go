// Package db is the upload schema's DAO: new_item, planned_item,
// permanent_item, failed_item, bundle, item_offset, multipart_upload
// (spec §3 "Upload schema owns DataItem-in-all-states, Bundle,
// ItemOffset"). Grounded on the same pattern as internal/payment/db
// (itself grounded on yv-was-taken-stronghold's internal/db/payments.go):
// a Querier interface satisfied by both *pgxpool.Pool and pgx.Tx, plain
// string ids, conditional UPDATE/DELETE with RowsAffected checks standing
// in for state-transition guards, and FOR UPDATE SKIP LOCKED scans for
// the plan worker's candidate fetch.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of *pgxpool.Pool and pgx.Tx this package needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps the upload schema's connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Open builds a pool from dsn with min 5 / max 50 connections, the same
// settings internal/payment/db.Open uses. No acquire timeout is
// configured on the pool: an acquire waits as long as the caller's ctx
// allows.
func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("upload db: parse dsn: %w", err)
	}
	cfg.MinConns = 5
	cfg.MaxConns = 50
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("upload db: connect: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// BeginTx starts a transaction; callers must Commit or Rollback.
func (d *DB) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return d.Pool.Begin(ctx)
}

func (d *DB) Close() {
	d.Pool.Close()
}
