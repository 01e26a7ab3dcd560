// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package payledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/FESTIVALCOLOR/NewCRM-sub002/stagesync"
)

// Ledger owns payment rows in the mirror store. Every write goes through one
// SQLite transaction that also appends the matching mutation to the operation
// log, so the local state and the replay queue can never disagree.
//
// SQLite allows one writer at a time; writeMu serializes ledger transactions
// so concurrent callers queue up instead of hitting SQLITE_BUSY.
type Ledger struct {
	db      *sql.DB
	journal *stagesync.Log
	logger  *slog.Logger
	writeMu sync.Mutex
}

// NewLedger creates a payment ledger. journal may be nil when the caller does
// not replicate (server-side tooling, some tests); writes then stay local.
func NewLedger(db *sql.DB, journal *stagesync.Log, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, journal: journal, logger: logger}
}

// CreatePayment creates a payment or, if an equivalent active payment already
// exists, returns it with AlreadyExisted=true. Nil amounts are normalized to
// zero before anything else happens. The dedup check and the insert run in one
// transaction; a unique-index violation from a concurrent writer is resolved
// by re-reading the winner, so both callers observe the same payment.
func (l *Ledger) CreatePayment(ctx context.Context, input CreatePaymentInput) (CreateResult, error) {
	normalizeAmounts(&input)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to begin create transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := l.createPaymentTx(ctx, tx, input)
	if err != nil {
		return CreateResult{}, err
	}

	if !result.AlreadyExisted && l.journal != nil {
		if err := l.enqueueCreate(ctx, tx, result.Payment); err != nil {
			return CreateResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CreateResult{}, fmt.Errorf("failed to commit create transaction: %w", err)
	}

	if result.AlreadyExisted {
		l.logger.Debug("Payment create deduplicated",
			"payment_id", result.Payment.ID, "contract_id", input.ContractID,
			"employee_id", input.EmployeeID, "payment_type", input.PaymentType)
	}
	return result, nil
}

// createPaymentTx is the transactional core of CreatePayment, shared with the
// reassignment flow.
func (l *Ledger) createPaymentTx(ctx context.Context, tx *sql.Tx, input CreatePaymentInput) (CreateResult, error) {
	key := PaymentKey{
		ContractID:  input.ContractID,
		EmployeeID:  input.EmployeeID,
		Role:        input.Role,
		StageName:   input.StageName,
		PaymentType: input.PaymentType,
	}

	existing, err := activePaymentTx(ctx, tx, key)
	if err == nil {
		return CreateResult{Payment: existing, AlreadyExisted: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return CreateResult{}, err
	}

	p := Payment{
		ID:               uuid.New().String(),
		ContractID:       input.ContractID,
		EmployeeID:       input.EmployeeID,
		Role:             input.Role,
		StageName:        input.StageName,
		PaymentType:      input.PaymentType,
		CalculatedAmount: *input.CalculatedAmount,
		FinalAmount:      *input.FinalAmount,
		PaymentStatus:    PaymentStatusToPay,
		CreatedAt:        time.Now().UTC(),
	}

	return l.insertPaymentTx(ctx, tx, p, key)
}

// insertPaymentTx inserts a fresh payment row. A unique-index violation means
// a concurrent writer won the race after the dedup check passed; the winner's
// row is re-read and returned as the deduplicated result.
func (l *Ledger) insertPaymentTx(ctx context.Context, tx *sql.Tx, p Payment, key PaymentKey) (CreateResult, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payments (id, contract_id, employee_id, role, stage_name, payment_type,
			calculated_amount, final_amount, payment_status, reassigned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, p.ID, p.ContractID, p.EmployeeID, p.Role, p.StageName, p.PaymentType,
		p.CalculatedAmount.String(), p.FinalAmount.String(), p.PaymentStatus, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			winner, readErr := activePaymentTx(ctx, tx, key)
			if readErr != nil {
				return CreateResult{}, fmt.Errorf("failed to re-read payment after unique violation: %w", readErr)
			}
			return CreateResult{Payment: winner, AlreadyExisted: true}, nil
		}
		return CreateResult{}, fmt.Errorf("failed to insert payment: %w", err)
	}
	return CreateResult{Payment: p}, nil
}

// MarkPaid transitions an active payment to paid. Marking an already-paid
// payment is a no-op; marking a reassigned history row is an error.
func (l *Ledger) MarkPaid(ctx context.Context, paymentID string) (Payment, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Payment{}, fmt.Errorf("failed to begin mark-paid transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := paymentByIDTx(ctx, tx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Reassigned {
		return Payment{}, fmt.Errorf("%w: payment %s", ErrReassignedImmutable, paymentID)
	}
	if p.PaymentStatus == PaymentStatusPaid {
		return p, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET payment_status = ? WHERE id = ? AND reassigned = 0
	`, PaymentStatusPaid, paymentID); err != nil {
		return Payment{}, fmt.Errorf("failed to mark payment %s paid: %w", paymentID, err)
	}
	p.PaymentStatus = PaymentStatusPaid

	if l.journal != nil {
		status := PaymentStatusPaid
		_, err = l.journal.EnqueueTx(ctx, tx, stagesync.OpUpdate, stagesync.EntityPayment, p.ID,
			&stagesync.PaymentFields{PaymentStatus: &status})
		if err != nil {
			return Payment{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Payment{}, fmt.Errorf("failed to commit mark-paid transaction: %w", err)
	}
	return p, nil
}

// ActivePayment returns the single non-reassigned payment for a key, or
// ErrNotFound.
func (l *Ledger) ActivePayment(ctx context.Context, key PaymentKey) (Payment, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Payment{}, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()
	return activePaymentTx(ctx, tx, key)
}

// Payment loads a payment row by id, reassigned or not.
func (l *Ledger) Payment(ctx context.Context, paymentID string) (Payment, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Payment{}, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()
	return paymentByIDTx(ctx, tx, paymentID)
}

// ContractPayments lists a contract's payments. Reassigned history rows are
// excluded unless includeHistory is set; active rows come first, then history
// by reassignment time.
func (l *Ledger) ContractPayments(ctx context.Context, contractID string, includeHistory bool) ([]Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE contract_id = ? AND reassigned = 0
		ORDER BY created_at, id`
	if includeHistory {
		query = `
			SELECT ` + paymentColumns + `
			FROM payments
			WHERE contract_id = ?
			ORDER BY reassigned, reassigned_at, created_at, id`
	}

	rows, err := l.db.QueryContext(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contract payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contract payments: %w", err)
	}
	return payments, nil
}

const paymentColumns = `id, contract_id, employee_id, role, stage_name, payment_type,
	calculated_amount, final_amount, payment_status, reassigned, reassigned_at, created_at`

func activePaymentTx(ctx context.Context, tx *sql.Tx, key PaymentKey) (Payment, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE contract_id = ? AND employee_id = ? AND role = ?
			AND IFNULL(stage_name, '') = ? AND payment_type = ? AND reassigned = 0
	`, key.ContractID, key.EmployeeID, key.Role, key.stageKey(), key.PaymentType)

	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: no active payment for contract %s employee %s type %s",
			ErrNotFound, key.ContractID, key.EmployeeID, key.PaymentType)
	}
	return p, err
}

func paymentByIDTx(ctx context.Context, tx *sql.Tx, paymentID string) (Payment, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = ?
	`, paymentID)

	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (Payment, error) {
	var (
		p            Payment
		stageName    sql.NullString
		reassignedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.ContractID, &p.EmployeeID, &p.Role, &stageName,
		&p.PaymentType, &p.CalculatedAmount, &p.FinalAmount, &p.PaymentStatus,
		&p.Reassigned, &reassignedAt, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Payment{}, err
		}
		return Payment{}, fmt.Errorf("failed to scan payment row: %w", err)
	}
	if stageName.Valid {
		p.StageName = &stageName.String
	}
	if reassignedAt.Valid {
		p.ReassignedAt = &reassignedAt.Time
	}
	return p, nil
}

// enqueueCreate appends the replication record for a freshly inserted payment.
func (l *Ledger) enqueueCreate(ctx context.Context, tx *sql.Tx, p Payment) error {
	calc, fin := p.CalculatedAmount, p.FinalAmount
	fields := &stagesync.PaymentFields{
		ContractID:       &p.ContractID,
		EmployeeID:       &p.EmployeeID,
		Role:             &p.Role,
		StageName:        p.StageName,
		PaymentType:      &p.PaymentType,
		CalculatedAmount: &calc,
		FinalAmount:      &fin,
		PaymentStatus:    &p.PaymentStatus,
	}
	_, err := l.journal.EnqueueTx(ctx, tx, stagesync.OpCreate, stagesync.EntityPayment, p.ID, fields)
	return err
}

// normalizeAmounts replaces nil amounts with zero. This runs before any
// storage or dedup logic so a null amount can never reach a payment row.
func normalizeAmounts(input *CreatePaymentInput) {
	if input.CalculatedAmount == nil {
		zero := decimal.Zero
		input.CalculatedAmount = &zero
	}
	if input.FinalAmount == nil {
		zero := decimal.Zero
		input.FinalAmount = &zero
	}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
