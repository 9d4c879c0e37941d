package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool connects to Postgres and verifies the connection before returning.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables the service reads and writes. Profiles are
// owned by the auth provider; the table is created here so a fresh database
// can serve requests.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		subscription_status TEXT NOT NULL DEFAULT 'free',
		subscription_id TEXT,
		stripe_customer_id TEXT,
		monthly_credits INTEGER NOT NULL DEFAULT 0,
		monthly_credits_used INTEGER NOT NULL DEFAULT 0 CHECK (monthly_credits_used >= 0),
		lifetime_credits_granted INTEGER NOT NULL DEFAULT 6,
		lifetime_credits_used INTEGER NOT NULL DEFAULT 0 CHECK (lifetime_credits_used >= 0),
		credits_reset_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS profiles_stripe_customer_idx ON profiles (stripe_customer_id)`,
	`CREATE INDEX IF NOT EXISTS profiles_subscription_idx ON profiles (subscription_id)`,
	`CREATE TABLE IF NOT EXISTS daily_generation_limits (
		id BIGSERIAL PRIMARY KEY,
		identifier TEXT NOT NULL,
		identifier_type TEXT NOT NULL,
		generation_date DATE NOT NULL,
		generation_type TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0 CHECK (count >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (identifier, identifier_type, generation_date, generation_type)
	)`,
	`CREATE TABLE IF NOT EXISTS credit_ledger (
		id BIGSERIAL PRIMARY KEY,
		identifier TEXT NOT NULL,
		identifier_type TEXT NOT NULL,
		generation_type TEXT,
		delta_credits INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS credit_ledger_identifier_idx ON credit_ledger (identifier, created_at)`,
	`CREATE TABLE IF NOT EXISTS svg_designs (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES profiles (id) ON DELETE CASCADE,
		prompt TEXT,
		svg_content TEXT NOT NULL,
		title TEXT NOT NULL,
		tags TEXT[],
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS svg_designs_user_idx ON svg_designs (user_id, created_at DESC)`,
}
