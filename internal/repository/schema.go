package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		id         TEXT PRIMARY KEY,
		role       TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		approved   BOOLEAN NOT NULL DEFAULT FALSE,
		lat        DOUBLE PRECISION NOT NULL DEFAULT 0,
		lng        DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id              TEXT PRIMARY KEY,
		owner_id        TEXT NOT NULL,
		balance         BIGINT NOT NULL CHECK (balance >= 0),
		initial_balance BIGINT NOT NULL DEFAULT 0,
		adjustments     BIGINT NOT NULL DEFAULT 0,
		version         BIGINT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id              TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		type            TEXT NOT NULL,
		status          TEXT NOT NULL,
		metadata        JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS transaction_legs (
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		position       INT NOT NULL,
		account_id     TEXT NOT NULL REFERENCES accounts(id),
		delta          BIGINT NOT NULL,
		PRIMARY KEY (transaction_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS transaction_legs_account ON transaction_legs (account_id)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id          BIGSERIAL PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		actor_id    TEXT,
		old_value   JSONB,
		new_value   JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS consultations (
		id                    TEXT PRIMARY KEY,
		patient_id            TEXT NOT NULL,
		doctor_id             TEXT NOT NULL,
		status                TEXT NOT NULL,
		fee_transaction_id    TEXT,
		reward_transaction_id TEXT,
		refund_transaction_id TEXT,
		archived              BOOLEAN NOT NULL DEFAULT FALSE,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS consultations_active_pair
		ON consultations (patient_id, doctor_id) WHERE status IN ('pending', 'accepted')`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id              TEXT PRIMARY KEY,
		consultation_id TEXT NOT NULL UNIQUE REFERENCES consultations(id),
		doctor_id       TEXT NOT NULL,
		patient_id      TEXT NOT NULL,
		items           JSONB NOT NULL,
		candidates      TEXT[] NOT NULL,
		accepted_by     TEXT,
		status          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		consultation_id TEXT NOT NULL REFERENCES consultations(id),
		seq             BIGINT NOT NULL,
		sender_role     TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		text            TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (consultation_id, seq)
	)`,
}

// Migrate creates the tables used by the Postgres repositories.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
