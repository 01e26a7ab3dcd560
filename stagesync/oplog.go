// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package stagesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRecordNotFound is returned when a log record id does not exist.
var ErrRecordNotFound = errors.New("operation log record not found")

// Log is the durable, ordered record of pending local mutations. It owns the
// _sync_op_log and _sync_id_map tables in the local mirror store and is the
// only component that mutates record status after enqueue.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLog creates an operation log over an initialized mirror database.
func NewLog(db *sql.DB, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, logger: logger}
}

// Enqueue appends a mutation to the log in its own transaction. It fails only
// on storage I/O errors; the mutation is not considered applied in that case.
func (l *Log) Enqueue(ctx context.Context, op Op, entityType EntityType, entityID string, payload MutationPayload) (MutationRecord, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return MutationRecord{}, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := l.EnqueueTx(ctx, tx, op, entityType, entityID, payload)
	if err != nil {
		return MutationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return MutationRecord{}, fmt.Errorf("failed to commit enqueue transaction: %w", err)
	}
	return rec, nil
}

// EnqueueTx appends a mutation inside an existing transaction. The payment
// ledger uses this so the mirror write and the queue entry commit as one unit.
func (l *Log) EnqueueTx(ctx context.Context, tx *sql.Tx, op Op, entityType EntityType, entityID string, payload MutationPayload) (MutationRecord, error) {
	if op != OpDelete && payload == nil {
		return MutationRecord{}, fmt.Errorf("payload required for %s on %s", op, entityType)
	}
	if payload != nil && payload.Entity() != entityType {
		return MutationRecord{}, fmt.Errorf("payload entity %s does not match record entity %s", payload.Entity(), entityType)
	}

	raw, err := MarshalPayload(payload)
	if err != nil {
		return MutationRecord{}, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_op_log (op, entity_type, entity_id, payload, status, attempt_count, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, string(op), string(entityType), entityID, nullableText(raw), string(StatusPending), now)
	if err != nil {
		return MutationRecord{}, fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return MutationRecord{}, fmt.Errorf("failed to read enqueued record id: %w", err)
	}

	return MutationRecord{
		ID:         id,
		Op:         op,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  now,
	}, nil
}

// NextBatch returns the oldest pending records for one entity type in strict
// id order. The replay engine drains one entity type per worker, so this
// ordering is exactly the per-entity replay order.
func (l *Log) NextBatch(ctx context.Context, entityType EntityType, limit int) ([]MutationRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, op, entity_type, entity_id, payload, status, attempt_count, last_error, created_at, last_attempt_at
		FROM _sync_op_log
		WHERE entity_type = ? AND status = ?
		ORDER BY id
		LIMIT ?
	`, string(entityType), string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var records []MutationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending records: %w", err)
	}
	return records, nil
}

// EntityTypes returns the distinct entity types that currently have pending
// records, in first-enqueued order.
func (l *Log) EntityTypes(ctx context.Context) ([]EntityType, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT entity_type
		FROM _sync_op_log
		WHERE status = ?
		GROUP BY entity_type
		ORDER BY MIN(id)
	`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entity types: %w", err)
	}
	defer rows.Close()

	var types []EntityType
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			return nil, fmt.Errorf("failed to scan entity type: %w", err)
		}
		types = append(types, EntityType(et))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity types: %w", err)
	}
	return types, nil
}

// MarkInFlight transitions a pending record to in_flight and counts the
// dispatch attempt. A record that is not pending is left untouched.
func (l *Log) MarkInFlight(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE _sync_op_log
		SET status = ?, attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusInFlight), time.Now().UTC(), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark record %d in flight: %w", id, err)
	}
	return nil
}

// MarkSynced transitions a record to its terminal success state. Calling it
// twice is a no-op, not an error.
func (l *Log) MarkSynced(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE _sync_op_log
		SET status = ?, last_error = ''
		WHERE id = ? AND status IN (?, ?)
	`, string(StatusSynced), id, string(StatusInFlight), string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark record %d synced: %w", id, err)
	}
	return nil
}

// MarkPending returns an in-flight record to pending for a later retry,
// recording the transient error that caused it.
func (l *Log) MarkPending(ctx context.Context, id int64, cause string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE _sync_op_log
		SET status = ?, last_error = ?
		WHERE id = ? AND status = ?
	`, string(StatusPending), cause, id, string(StatusInFlight))
	if err != nil {
		return fmt.Errorf("failed to mark record %d pending: %w", id, err)
	}
	return nil
}

// MarkFailed transitions a record to the terminal failed state. Failed records
// are kept for operator inspection and are never silently dropped.
func (l *Log) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE _sync_op_log
		SET status = ?, last_error = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(StatusFailed), cause, id, string(StatusInFlight), string(StatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark record %d failed: %w", id, err)
	}
	return nil
}

// RecoverInFlight returns every in_flight record to pending. Called on
// startup: a record stuck in_flight means the process died mid-replay, and
// remote applies are idempotent, so retrying is always safe.
func (l *Log) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE _sync_op_log SET status = ? WHERE status = ?
	`, string(StatusPending), string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered records: %w", err)
	}
	if n > 0 {
		l.logger.Info("Recovered in-flight records after restart", "count", n)
	}
	return int(n), nil
}

// ReconcileProvisionalID rewrites every non-terminal record that still
// references a provisional id once the remote store has assigned the
// canonical one. This must run before any dependent record is dispatched:
// the replay engine calls it synchronously after the originating create is
// confirmed, while the entity's worker still holds the stream.
func (l *Log) ReconcileProvisionalID(ctx context.Context, entityType EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	rewritten, err := l.reconcileTx(ctx, tx, entityType, oldID, newID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconcile transaction: %w", err)
	}

	l.logger.Info("Reconciled provisional id",
		"entity_type", entityType, "provisional_id", oldID, "canonical_id", newID,
		"rewritten_payloads", rewritten)
	return nil
}

// MarkSyncedReconciled marks a create synced and reconciles its provisional id
// in the same transaction. Splitting the two would leave a crash window where
// the create is synced (so never replayed again) but the canonical mapping is
// lost and dependents keep the provisional id forever.
func (l *Log) MarkSyncedReconciled(ctx context.Context, id int64, entityType EntityType, oldID, newID string) error {
	if oldID == newID {
		return l.MarkSynced(ctx, id)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin synced-reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_op_log
		SET status = ?, last_error = ''
		WHERE id = ? AND status IN (?, ?)
	`, string(StatusSynced), id, string(StatusInFlight), string(StatusPending)); err != nil {
		return fmt.Errorf("failed to mark record %d synced: %w", id, err)
	}

	rewritten, err := l.reconcileTx(ctx, tx, entityType, oldID, newID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit synced-reconcile transaction: %w", err)
	}

	l.logger.Info("Reconciled provisional id",
		"entity_type", entityType, "provisional_id", oldID, "canonical_id", newID,
		"rewritten_payloads", rewritten)
	return nil
}

// reconcileTx is the shared body of ReconcileProvisionalID and
// MarkSyncedReconciled. It reports how many payloads were rewritten.
func (l *Log) reconcileTx(ctx context.Context, tx *sql.Tx, entityType EntityType, oldID, newID string) (int, error) {
	// Rewrite the entity id of later records in the same stream.
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_op_log
		SET entity_id = ?
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)
	`, newID, string(entityType), oldID, string(StatusPending), string(StatusInFlight)); err != nil {
		return 0, fmt.Errorf("failed to rewrite entity ids for %s/%s: %w", entityType, oldID, err)
	}

	// Rewrite payload references held by records of other entity types.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload
		FROM _sync_op_log
		WHERE status IN (?, ?) AND payload IS NOT NULL
	`, string(StatusPending), string(StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to query records for reference rewrite: %w", err)
	}

	type rewrite struct {
		id      int64
		payload []byte
	}
	var rewrites []rewrite
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan record payload: %w", err)
		}
		payload, err := UnmarshalPayload(raw)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if payload == nil || !payload.RewriteReference(entityType, oldID, newID) {
			continue
		}
		updated, err := MarshalPayload(payload)
		if err != nil {
			rows.Close()
			return 0, err
		}
		rewrites = append(rewrites, rewrite{id: id, payload: updated})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("error iterating records for reference rewrite: %w", err)
	}
	rows.Close()

	for _, rw := range rewrites {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_op_log SET payload = ? WHERE id = ?
		`, string(rw.payload), rw.id); err != nil {
			return 0, fmt.Errorf("failed to rewrite payload of record %d: %w", rw.id, err)
		}
	}

	// Record the mapping so repeated reconciliation of the same pair is a no-op
	// and callers can resolve provisional ids after the fact.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_id_map (entity_type, provisional_id, canonical_id, reconciled_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, provisional_id) DO NOTHING
	`, string(entityType), oldID, newID, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("failed to record id mapping: %w", err)
	}

	return len(rewrites), nil
}

// CanonicalID resolves a provisional id to its canonical mapping, returning
// the input id unchanged when no mapping exists.
func (l *Log) CanonicalID(ctx context.Context, entityType EntityType, id string) (string, error) {
	var canonical string
	err := l.db.QueryRowContext(ctx, `
		SELECT canonical_id FROM _sync_id_map WHERE entity_type = ? AND provisional_id = ?
	`, string(entityType), id).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve canonical id: %w", err)
	}
	return canonical, nil
}

// ResolveRecord rewrites a record's entity id and payload references through
// the canonical id map. Mutations enqueued after a reconciliation still carry
// the provisional id the mirror knows the entity by; resolving at dispatch
// time means no record ever leaves with a stale provisional id.
func (l *Log) ResolveRecord(ctx context.Context, rec MutationRecord) (MutationRecord, error) {
	canonical, err := l.CanonicalID(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return MutationRecord{}, err
	}
	rec.EntityID = canonical

	if rec.Payload == nil {
		return rec, nil
	}
	for _, ref := range rec.Payload.References() {
		canonical, err := l.CanonicalID(ctx, ref.Entity, ref.ID)
		if err != nil {
			return MutationRecord{}, err
		}
		if canonical != ref.ID {
			rec.Payload.RewriteReference(ref.Entity, ref.ID, canonical)
		}
	}
	return rec, nil
}

// HasPendingCreate reports whether a create for the entity is still waiting to
// replay. A record referencing such an entity must not be dispatched yet: its
// provisional id has no canonical mapping until the create is applied.
func (l *Log) HasPendingCreate(ctx context.Context, entityType EntityType, entityID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_op_log
		WHERE entity_type = ? AND entity_id = ? AND op = ? AND status IN (?, ?)
	`, string(entityType), entityID, string(OpCreate),
		string(StatusPending), string(StatusInFlight)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check for pending create: %w", err)
	}
	return n > 0, nil
}

// Record loads a single record by id.
func (l *Log) Record(ctx context.Context, id int64) (MutationRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, op, entity_type, entity_id, payload, status, attempt_count, last_error, created_at, last_attempt_at
		FROM _sync_op_log WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MutationRecord{}, ErrRecordNotFound
	}
	return rec, err
}

// PendingCount reports how many records are waiting for one entity type.
func (l *Log) PendingCount(ctx context.Context, entityType EntityType) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _sync_op_log WHERE entity_type = ? AND status = ?
	`, string(entityType), string(StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (MutationRecord, error) {
	var (
		rec           MutationRecord
		op, et        string
		status        string
		payload       sql.NullString
		lastError     sql.NullString
		lastAttemptAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &op, &et, &rec.EntityID, &payload, &status,
		&rec.AttemptCount, &lastError, &rec.CreatedAt, &lastAttemptAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MutationRecord{}, err
		}
		return MutationRecord{}, fmt.Errorf("failed to scan log record: %w", err)
	}
	rec.Op = Op(op)
	rec.EntityType = EntityType(et)
	rec.Status = Status(status)
	rec.LastError = lastError.String
	if lastAttemptAt.Valid {
		rec.LastAttemptAt = lastAttemptAt.Time
	}
	if payload.Valid && payload.String != "" {
		p, err := UnmarshalPayload([]byte(payload.String))
		if err != nil {
			return MutationRecord{}, err
		}
		rec.Payload = p
	}
	return rec, nil
}

func nullableText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
