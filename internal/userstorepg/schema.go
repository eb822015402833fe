package userstorepg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
    id BIGINT PRIMARY KEY,
    user_name TEXT NOT NULL,
    profile_picture TEXT NOT NULL,
    modified_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS user_profiles (
    user_id BIGINT PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
    bio TEXT,
    featured_maps JSONB,
    modified_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS users_osu_data (
    user_id BIGINT PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
    ranked_count BIGINT NOT NULL DEFAULT 0,
    loved_count BIGINT NOT NULL DEFAULT 0,
    nominated_count BIGINT NOT NULL DEFAULT 0,
    graveyard_count BIGINT NOT NULL DEFAULT 0,
    guest_count BIGINT NOT NULL DEFAULT 0,
    modified_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS error_records (
    id BIGSERIAL PRIMARY KEY,
    category TEXT NOT NULL,
    code TEXT NOT NULL,
    message TEXT NOT NULL,
    data JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_error_records_category ON error_records (category);
`)
	return err
}
