// Package db is the payment schema's DAO: user, reservation, x402_payment,
// x402_nonce, fraud_attempt, ban, audit_log (spec §3 "Payment schema owns
// User, Reservation, x402Payment, x402Nonce, FraudRecord, Ban, AuditLog").
// Grounded on yv-was-taken-stronghold's internal/db/payments.go: a thin DB
// struct wrapping *pgxpool.Pool with QueryRow/Exec helpers, uuid.UUID ids,
// conditional UPDATE...WHERE status=$n with a RowsAffected check standing
// in for a state-machine transition guard, and FOR UPDATE SKIP LOCKED scans.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of *pgxpool.Pool and pgx.Tx this package needs, so
// every DAO method can run either standalone or inside a caller's
// transaction (ledger operations need the latter).
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps the payment schema's connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Open builds a pool from dsn with min 5 / max 50 connections. No acquire
// timeout is configured on the pool: an acquire waits as long as the
// caller's ctx allows.
func Open(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("payment db: parse dsn: %w", err)
	}
	cfg.MinConns = 5
	cfg.MaxConns = 50
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("payment db: connect: %w", err)
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
