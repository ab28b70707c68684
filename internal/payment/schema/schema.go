// Package schema owns the payment schema's DDL and a minimal forward-only
// migration runner, in the spirit of cuemby-warren's cmd/warren-migrate
// (a dedicated migration binary, §5 "cmd/<name>-migrate convention")
// adapted from its bbolt bucket-migration idea to ordered SQL statements
// tracked in a schema_migrations table — the common pgx-ecosystem idiom
// for schema versioning without a heavier migration framework.
package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one forward-only, idempotent-by-version DDL step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the payment schema's ordered migration set.
var Migrations = []Migration{
	{1, "create_schema", createSchemaSQL},
	{2, "create_user", createUserSQL},
	{3, "create_reservation", createReservationSQL},
	{4, "create_x402", createX402SQL},
	{5, "create_fraud_ban", createFraudBanSQL},
	{6, "create_audit_log", createAuditLogSQL},
}

const createSchemaSQL = `CREATE SCHEMA IF NOT EXISTS payment;`

const createUserSQL = `
CREATE TABLE IF NOT EXISTS payment."user" (
	address         TEXT NOT NULL,
	address_kind    TEXT NOT NULL,
	balance_credits BIGINT NOT NULL DEFAULT 0 CHECK (balance_credits >= 0),
	PRIMARY KEY (address, address_kind)
);`

const createReservationSQL = `
CREATE TABLE IF NOT EXISTS payment.reservation (
	reservation_id     TEXT PRIMARY KEY,
	user_address       TEXT NOT NULL,
	user_address_kind  TEXT NOT NULL,
	item_id            TEXT,
	credits_reserved   BIGINT NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	status             TEXT NOT NULL DEFAULT 'held',
	FOREIGN KEY (user_address, user_address_kind) REFERENCES payment."user" (address, address_kind)
);
CREATE INDEX IF NOT EXISTS reservation_status_expires_idx ON payment.reservation (status, expires_at);
CREATE INDEX IF NOT EXISTS reservation_user_idx ON payment.reservation (user_address, user_address_kind, status);`

const createX402SQL = `
CREATE TABLE IF NOT EXISTS payment.x402_nonce (
	nonce        TEXT NOT NULL,
	from_address TEXT NOT NULL,
	network      TEXT NOT NULL,
	payment_id   TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (nonce, from_address, network)
);
CREATE TABLE IF NOT EXISTS payment.x402_payment (
	payment_id        TEXT PRIMARY KEY,
	tx_hash           TEXT NOT NULL UNIQUE,
	nonce             TEXT NOT NULL,
	from_address      TEXT NOT NULL,
	user_address_kind TEXT NOT NULL,
	to_address        TEXT NOT NULL,
	network         TEXT NOT NULL,
	usdc_amount     TEXT NOT NULL,
	credit_amount   BIGINT NOT NULL,
	declared_bytes  BIGINT NOT NULL,
	actual_bytes    BIGINT,
	mode            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending_validation',
	reservation_id  TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	finalized_at    TIMESTAMPTZ
);`

const createFraudBanSQL = `
CREATE TABLE IF NOT EXISTS payment.fraud_attempt (
	id             BIGSERIAL PRIMARY KEY,
	user_address   TEXT NOT NULL,
	payment_id     TEXT NOT NULL,
	declared       BIGINT NOT NULL,
	actual         BIGINT NOT NULL,
	deviation_pct  NUMERIC NOT NULL,
	severity       TEXT NOT NULL,
	action         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS fraud_attempt_user_time_idx ON payment.fraud_attempt (user_address, created_at);
CREATE TABLE IF NOT EXISTS payment.ban (
	id             BIGSERIAL PRIMARY KEY,
	user_address   TEXT NOT NULL,
	reason         TEXT NOT NULL,
	banned_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at     TIMESTAMPTZ,
	attempt_count  INT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS ban_user_idx ON payment.ban (user_address);`

const createAuditLogSQL = `
CREATE TABLE IF NOT EXISTS payment.audit_log (
	id                 BIGSERIAL PRIMARY KEY,
	user_address       TEXT NOT NULL,
	delta              BIGINT NOT NULL,
	reason             TEXT NOT NULL,
	reference_id       TEXT NOT NULL,
	resulting_balance  BIGINT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS audit_log_user_idx ON payment.audit_log (user_address);`

const trackerSQL = `
CREATE TABLE IF NOT EXISTS payment.schema_migrations (
	version     INT PRIMARY KEY,
	name        TEXT NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Apply runs every migration not yet recorded in schema_migrations, in
// version order, each in its own transaction.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("schema: create schema: %w", err)
	}
	if _, err := pool.Exec(ctx, trackerSQL); err != nil {
		return fmt.Errorf("schema: create tracker: %w", err)
	}
	for _, m := range Migrations {
		var applied bool
		err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payment.schema_migrations WHERE version = $1)`, m.Version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("schema: check migration %d: %w", m.Version, err)
		}
		if applied {
			continue
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("schema: begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("schema: apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO payment.schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("schema: record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("schema: commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
