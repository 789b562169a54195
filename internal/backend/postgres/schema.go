package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id            UUID         PRIMARY KEY,
    email         TEXT         NOT NULL,
    display_name  TEXT         NOT NULL DEFAULT '',
    password_hash BYTEA        NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
    ON users (lower(email));
`

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id     TEXT         PRIMARY KEY,
    data        JSONB        NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlFeeds = `
CREATE TABLE IF NOT EXISTS feed_records (
    feed        TEXT         NOT NULL,
    id          UUID         NOT NULL,
    data        JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (feed, id)
);

CREATE INDEX IF NOT EXISTS idx_feed_records_feed_created
    ON feed_records (feed, created_at);
`

// Migrate creates the tables the store needs. It is idempotent and safe to
// call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlUsers, ddlProfiles, ddlFeeds} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
