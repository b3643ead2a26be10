// Package postgres provides the PostgreSQL-backed implementation of the
// voxgate persistence boundary: user/personality/device profiles and the
// append-only conversation log.
//
// All operations share a single [pgxpool.Pool]. [Migrate] creates any
// missing tables; it is run automatically by [NewStore].
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    user_id         TEXT         PRIMARY KEY,
    email           TEXT         NOT NULL UNIQUE,
    supervisee_name TEXT         NOT NULL DEFAULT '',
    supervisee_age  INT          NOT NULL DEFAULT 0,
    personality_key TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users (email);
`

const ddlPersonalities = `
CREATE TABLE IF NOT EXISTS personalities (
    key                  TEXT         PRIMARY KEY,
    provider             TEXT         NOT NULL,
    voice                TEXT         NOT NULL DEFAULT '',
    title                TEXT         NOT NULL DEFAULT '',
    character_prompt     TEXT         NOT NULL DEFAULT '',
    first_message_prompt TEXT         NOT NULL DEFAULT '',
    pitch_factor         REAL         NOT NULL DEFAULT 1.0
);
`

const ddlDevices = `
CREATE TABLE IF NOT EXISTS devices (
    device_id   TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL REFERENCES users (user_id),
    mac_address TEXT         NOT NULL DEFAULT '',
    volume      INT          NOT NULL DEFAULT 20,
    is_ota      BOOLEAN      NOT NULL DEFAULT false,
    is_reset    BOOLEAN      NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices (user_id);
`

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id              BIGSERIAL    PRIMARY KEY,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    user_id         TEXT         NOT NULL,
    personality_key TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_personality
    ON conversations (user_id, personality_key, created_at);
`

// Migrate ensures all tables and indexes required by the store exist.
// Statements are idempotent; running Migrate repeatedly is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlUsers, ddlPersonalities, ddlDevices, ddlConversations} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
