// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package payledger

import (
	"database/sql"
	"fmt"
)

// InitializeSchema creates the ledger tables in the mirror database. The
// partial unique index on payments is the storage-level enforcement of the
// one-active-payment invariant: SQLite rejects a second non-reassigned row
// for the same key even if two writers race past the application check.
// IFNULL folds the nullable stage_name into the index key so two NULL-stage
// payments still collide.
func InitializeSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			phone      TEXT,
			email      TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS employees (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS contracts (
			id         TEXT PRIMARY KEY,
			client_id  TEXT REFERENCES clients(id) ON DELETE CASCADE,
			number     TEXT,
			amount     TEXT NOT NULL DEFAULT '0',
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL
		)`,

		// Current executor per (contract, stage, role). Reassignment rewrites
		// this row and supersedes the old executor's payment in the same
		// transaction.
		`CREATE TABLE IF NOT EXISTS stage_executors (
			contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
			stage_name  TEXT NOT NULL,
			role        TEXT NOT NULL,
			employee_id TEXT NOT NULL REFERENCES employees(id),
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (contract_id, stage_name, role)
		)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id                TEXT PRIMARY KEY,
			contract_id       TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
			employee_id       TEXT NOT NULL REFERENCES employees(id),
			role              TEXT NOT NULL,
			stage_name        TEXT,
			payment_type      TEXT NOT NULL
				CHECK (payment_type IN ('advance','completion','full')),
			calculated_amount TEXT NOT NULL DEFAULT '0',
			final_amount      TEXT NOT NULL DEFAULT '0',
			payment_status    TEXT NOT NULL DEFAULT 'to_pay'
				CHECK (payment_status IN ('to_pay','paid')),
			reassigned        INTEGER NOT NULL DEFAULT 0,
			reassigned_at     TIMESTAMP,
			created_at        TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS payments_active_key_idx
			ON payments (contract_id, employee_id, role, IFNULL(stage_name, ''), payment_type)
			WHERE reassigned = 0`,
		`CREATE INDEX IF NOT EXISTS payments_contract_idx
			ON payments (contract_id, reassigned)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create ledger table: %w", err)
		}
	}
	return nil
}
