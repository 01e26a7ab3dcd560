// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the authority tables if they don't exist
func (s *Service) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the authority tables within an existing transaction
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated schema for the sync authority
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS authority`,

		// 1) Idempotency gate. One row per accepted mutation; the UNIQUE
		// constraint is what makes replays detectable. canonical_id stores the
		// server-assigned id for CREATE ops so a replay of the same mutation
		// always reports the same canonical id.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS authority.applied_mutations (
			user_id      TEXT        NOT NULL,
			source_id    TEXT        NOT NULL,
			mutation_id  BIGINT      NOT NULL,
			entity_type  TEXT        NOT NULL,
			entity_id    TEXT        NOT NULL,
			canonical_id TEXT        NOT NULL,
			op           TEXT        NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload      JSONB,
			ts           TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, source_id, mutation_id),
			CONSTRAINT applied_mutation_payload_by_op_chk
				CHECK ((op = 'DELETE' AND payload IS NULL) OR (op IN ('CREATE','UPDATE') AND payload IS NOT NULL))
		)`,
		`CREATE INDEX IF NOT EXISTS applied_mutations_entity_idx
			ON authority.applied_mutations(user_id, entity_type, entity_id)`,

		// 2) Current after-image per entity (user-scoped). UPDATE payloads are
		// sparse patches, merged field-by-field into the stored document.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS authority.entity_state (
			user_id     TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			payload     JSONB       NOT NULL,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_type, entity_id)
		)`,

		// 3) Payment projection. The partial unique index enforces the
		// one-active-payment invariant across every device of a user: two
		// offline clients creating the same payment collide here and the
		// second apply resolves to the first one's row.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS authority.payments (
			user_id           TEXT        NOT NULL,
			id                UUID        NOT NULL,
			contract_id       TEXT        NOT NULL,
			employee_id       TEXT        NOT NULL,
			role              TEXT        NOT NULL,
			stage_name        TEXT,
			payment_type      TEXT        NOT NULL
				CHECK (payment_type IN ('advance','completion','full')),
			calculated_amount NUMERIC     NOT NULL DEFAULT 0,
			final_amount      NUMERIC     NOT NULL DEFAULT 0,
			payment_status    TEXT        NOT NULL DEFAULT 'to_pay'
				CHECK (payment_status IN ('to_pay','paid')),
			reassigned        BOOLEAN     NOT NULL DEFAULT FALSE,
			reassigned_at     TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS payments_active_key_idx
			ON authority.payments(user_id, contract_id, employee_id, role, COALESCE(stage_name, ''), payment_type)
			WHERE NOT reassigned`,
		`CREATE INDEX IF NOT EXISTS payments_contract_idx
			ON authority.payments(user_id, contract_id)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			s.logger.Error("Schema migration failed", "error", err, "migration", migration)
			return err
		}
	}

	s.logger.Info("Authority schema initialized successfully")
	return nil
}
