package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order on startup. Each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id             TEXT PRIMARY KEY,
		email          TEXT NOT NULL,
		wallet_address TEXT,
		referral_code  TEXT NOT NULL,
		referred_by    TEXT REFERENCES accounts(id),
		credit_balance BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
		verified       BOOLEAN NOT NULL DEFAULT FALSE,
		last_paid      TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT accounts_referral_code_key UNIQUE (referral_code)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_wallet_address_key
		ON accounts (wallet_address) WHERE wallet_address IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS referrals (
		seq           BIGSERIAL PRIMARY KEY,
		ancestor_id   TEXT NOT NULL REFERENCES accounts(id),
		descendant_id TEXT NOT NULL REFERENCES accounts(id),
		level         INT NOT NULL,
		UNIQUE (ancestor_id, descendant_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payout_records (
		account_id TEXT PRIMARY KEY REFERENCES accounts(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payout_entries (
		id         BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES payout_records(account_id),
		tx_id      TEXT NOT NULL,
		amount     BIGINT NOT NULL CHECK (amount > 0),
		last_valid BIGINT NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		settled_at TIMESTAMPTZ,
		UNIQUE (account_id, tx_id)
	)`,
	`ALTER TABLE payout_entries ADD COLUMN IF NOT EXISTS last_valid BIGINT NOT NULL DEFAULT 0`,
	`DROP INDEX IF EXISTS payout_entries_pending_idx`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payout_entries_one_pending_key
		ON payout_entries (account_id) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id               TEXT PRIMARY KEY,
		token_name       TEXT NOT NULL,
		asset_id         BIGINT NOT NULL,
		decimals         INT NOT NULL,
		amount_per_claim BIGINT NOT NULL CHECK (amount_per_claim > 0),
		total_amount     BIGINT NOT NULL CHECK (total_amount >= amount_per_claim),
		claimed_amount   BIGINT NOT NULL DEFAULT 0 CHECK (claimed_amount >= 0),
		completed        BOOLEAN NOT NULL DEFAULT FALSE,
		created_by       TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS campaigns_active_token_key
		ON campaigns (token_name) WHERE NOT completed`,
	`CREATE TABLE IF NOT EXISTS campaign_claims (
		id          BIGSERIAL PRIMARY KEY,
		campaign_id TEXT NOT NULL REFERENCES campaigns(id),
		address     TEXT NOT NULL,
		amount      BIGINT NOT NULL,
		tx_id       TEXT NOT NULL,
		status      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS campaign_claims_address_key
		ON campaign_claims (campaign_id, address) WHERE status <> 'failed'`,
}

// Apply runs every migration against db.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
