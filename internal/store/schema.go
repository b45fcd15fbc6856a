package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaSQL is the complete schema for a fresh install. Statements are
// idempotent so EnsureSchema can run on every start.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS content_items (
	id               UUID PRIMARY KEY,
	source_ref       TEXT NOT NULL UNIQUE,
	phase            TEXT NOT NULL DEFAULT 'discovered',
	payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
	attempts         JSONB NOT NULL DEFAULT '{}'::jsonb,
	last_error       TEXT,
	error_class      TEXT,
	failed_from      TEXT,
	claimed_by       TEXT,
	claim_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS content_items_phase_idx ON content_items (phase, updated_at);

CREATE TABLE IF NOT EXISTS platform_posts (
	id               UUID PRIMARY KEY,
	item_id          UUID NOT NULL REFERENCES content_items(id) ON DELETE CASCADE,
	platform         TEXT NOT NULL,
	scheduled_time   TIMESTAMPTZ NOT NULL,
	external_post_id TEXT,
	status           TEXT NOT NULL DEFAULT 'pending',
	last_error       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (item_id, platform)
);

CREATE INDEX IF NOT EXISTS platform_posts_status_idx ON platform_posts (status, scheduled_time);
`

// EnsureSchema creates the pipeline tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
