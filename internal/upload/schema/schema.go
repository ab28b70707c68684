// Package schema owns the upload schema's DDL and the same forward-only
// migration runner shape as internal/payment/schema (cuemby-warren's
// cmd/<name>-migrate convention, ordered SQL statements tracked in a
// schema_migrations table).
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

// Migrations is the upload schema's ordered migration set, one per
// stateful table spec §3 names.
var Migrations = []Migration{
	{1, "create_schema", createSchemaSQL},
	{2, "create_new_item", createNewItemSQL},
	{3, "create_planned_item", createPlannedItemSQL},
	{4, "create_permanent_item", createPermanentItemSQL},
	{5, "create_failed_item", createFailedItemSQL},
	{6, "create_bundle", createBundleSQL},
	{7, "create_item_offset", createItemOffsetSQL},
	{8, "create_multipart_upload", createMultipartUploadSQL},
}

const createSchemaSQL = `CREATE SCHEMA IF NOT EXISTS upload;`

// The four stateful item tables share these columns (spec §3 DataItem):
// item_id is the 43-char content-addressed primary key, byte_count is
// immutable once New, payment_id/reservation_id are optional string
// references into the payment schema (no cross-schema foreign key, per
// spec §3 "linked only by item_id and reservation_id string references").
const createNewItemSQL = `
CREATE TABLE IF NOT EXISTS upload.new_item (
	item_id         TEXT PRIMARY KEY,
	owner_address   TEXT NOT NULL,
	signature_kind  TEXT NOT NULL,
	byte_count      BIGINT NOT NULL,
	uploaded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	payment_id      TEXT,
	reservation_id  TEXT
);
CREATE INDEX IF NOT EXISTS new_item_uploaded_at_idx ON upload.new_item (uploaded_at);`

const createPlannedItemSQL = `
CREATE TABLE IF NOT EXISTS upload.planned_item (
	item_id         TEXT PRIMARY KEY,
	owner_address   TEXT NOT NULL,
	signature_kind  TEXT NOT NULL,
	byte_count      BIGINT NOT NULL,
	uploaded_at     TIMESTAMPTZ NOT NULL,
	payment_id      TEXT,
	reservation_id  TEXT,
	bundle_id       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS planned_item_bundle_idx ON upload.planned_item (bundle_id);`

const createPermanentItemSQL = `
CREATE TABLE IF NOT EXISTS upload.permanent_item (
	item_id         TEXT PRIMARY KEY,
	owner_address   TEXT NOT NULL,
	signature_kind  TEXT NOT NULL,
	byte_count      BIGINT NOT NULL,
	uploaded_at     TIMESTAMPTZ NOT NULL,
	payment_id      TEXT,
	reservation_id  TEXT,
	bundle_id       TEXT NOT NULL,
	verified_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS permanent_item_bundle_idx ON upload.permanent_item (bundle_id);`

const createFailedItemSQL = `
CREATE TABLE IF NOT EXISTS upload.failed_item (
	item_id         TEXT PRIMARY KEY,
	owner_address   TEXT NOT NULL,
	signature_kind  TEXT NOT NULL,
	byte_count      BIGINT NOT NULL,
	uploaded_at     TIMESTAMPTZ NOT NULL,
	payment_id      TEXT,
	reservation_id  TEXT,
	bundle_id       TEXT,
	failure_reason  TEXT NOT NULL,
	failed_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

const createBundleSQL = `
CREATE TABLE IF NOT EXISTS upload.bundle (
	bundle_id    TEXT PRIMARY KEY,
	planned_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	posted_at    TIMESTAMPTZ,
	verified_at  TIMESTAMPTZ,
	byte_count   BIGINT NOT NULL,
	item_count   INT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'planned'
);
CREATE INDEX IF NOT EXISTS bundle_status_idx ON upload.bundle (status);`

const createItemOffsetSQL = `
CREATE TABLE IF NOT EXISTS upload.item_offset (
	item_id    TEXT NOT NULL,
	bundle_id  TEXT NOT NULL,
	offset_    BIGINT NOT NULL,
	length     BIGINT NOT NULL,
	PRIMARY KEY (item_id, bundle_id)
);
CREATE INDEX IF NOT EXISTS item_offset_bundle_idx ON upload.item_offset (bundle_id, offset_);`

const createMultipartUploadSQL = `
CREATE TABLE IF NOT EXISTS upload.multipart_upload (
	upload_id    TEXT PRIMARY KEY,
	owner_address TEXT NOT NULL,
	signature_kind TEXT NOT NULL,
	declared_bytes BIGINT NOT NULL,
	parts        JSONB NOT NULL DEFAULT '[]',
	reservation_id TEXT,
	status       TEXT NOT NULL DEFAULT 'open',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

const trackerSQL = `
CREATE TABLE IF NOT EXISTS upload.schema_migrations (
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
		err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM upload.schema_migrations WHERE version = $1)`, m.Version).Scan(&applied)
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
		if _, err := tx.Exec(ctx, `INSERT INTO upload.schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("schema: record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("schema: commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
