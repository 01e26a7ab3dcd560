// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package payledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/FESTIVALCOLOR/NewCRM-sub002/stagesync"
)

// ReassignExecutor moves a stage from one executor to another as a single
// transaction with three effects:
//
//  1. the stage_executors row is switched to the new employee,
//  2. the old executor's active payment is flagged reassigned (it becomes
//     immutable history, excluded from all uniqueness checks),
//  3. a payment for the new executor is created through the same idempotent
//     path as CreatePayment, carrying the superseded payment's amounts.
//
// All three mirror writes and their replication records commit together or
// not at all; a failure at any step leaves the ledger exactly as before.
//
// Reassigning to the same executor is rejected before any write. A paid
// payment is a settled obligation and is never reassigned.
func (l *Ledger) ReassignExecutor(ctx context.Context, intent ReassignmentIntent) (ReassignmentResult, error) {
	if intent.OldExecutorID == intent.NewExecutorID {
		return ReassignmentResult{}, fmt.Errorf("%w: executor %s reassigned to itself",
			ErrInvalidReassignment, intent.OldExecutorID)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ReassignmentResult{}, fmt.Errorf("failed to begin reassign transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stageKey := ""
	if intent.StageName != nil {
		stageKey = *intent.StageName
	}

	// Step 1: switch the executor assignment.
	res, err := tx.ExecContext(ctx, `
		UPDATE stage_executors
		SET employee_id = ?, updated_at = ?
		WHERE contract_id = ? AND stage_name = ? AND role = ? AND employee_id = ?
	`, intent.NewExecutorID, now, intent.ContractID, stageKey, intent.Role, intent.OldExecutorID)
	if err != nil {
		return ReassignmentResult{}, fmt.Errorf("failed to update stage executor: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return ReassignmentResult{}, fmt.Errorf("failed to check stage executor update: %w", err)
	} else if n == 0 {
		return ReassignmentResult{}, fmt.Errorf("%w: %s is not the %s executor of contract %s stage %q",
			ErrNotFound, intent.OldExecutorID, intent.Role, intent.ContractID, stageKey)
	}

	// Step 2: supersede the old executor's active payment.
	superseded, err := l.supersedePaymentTx(ctx, tx, intent, now)
	if err != nil {
		return ReassignmentResult{}, err
	}

	// Step 3: create the new executor's payment via the idempotent create path.
	calc, fin := superseded.CalculatedAmount, superseded.FinalAmount
	created, err := l.createPaymentTx(ctx, tx, CreatePaymentInput{
		ContractID:       intent.ContractID,
		EmployeeID:       intent.NewExecutorID,
		Role:             intent.Role,
		StageName:        intent.StageName,
		PaymentType:      superseded.PaymentType,
		CalculatedAmount: &calc,
		FinalAmount:      &fin,
	})
	if err != nil {
		return ReassignmentResult{}, err
	}

	if l.journal != nil {
		if err := l.enqueueReassignment(ctx, tx, intent, superseded, created); err != nil {
			return ReassignmentResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ReassignmentResult{}, fmt.Errorf("failed to commit reassign transaction: %w", err)
	}

	l.logger.Info("Reassigned stage executor",
		"contract_id", intent.ContractID, "stage_name", stageKey, "role", intent.Role,
		"old_executor", intent.OldExecutorID, "new_executor", intent.NewExecutorID,
		"superseded_payment", superseded.ID, "created_payment", created.Payment.ID)

	return ReassignmentResult{
		Superseded:            superseded,
		Created:               created.Payment,
		CreatedAlreadyExisted: created.AlreadyExisted,
	}, nil
}

// supersedePaymentTx finds the old executor's active payment, validates it is
// still reassignable and flags it as history.
func (l *Ledger) supersedePaymentTx(ctx context.Context, tx *sql.Tx, intent ReassignmentIntent, now time.Time) (Payment, error) {
	key := PaymentKey{
		ContractID: intent.ContractID,
		EmployeeID: intent.OldExecutorID,
		Role:       intent.Role,
		StageName:  intent.StageName,
	}

	// The old executor may hold an advance, completion or full payment for
	// this stage; reassignment supersedes whichever is active. Having more
	// than one active type per stage executor does not happen in practice,
	// but take the oldest deterministically if it does.
	row := tx.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE contract_id = ? AND employee_id = ? AND role = ?
			AND IFNULL(stage_name, '') = ? AND reassigned = 0
		ORDER BY created_at, id
		LIMIT 1
	`, key.ContractID, key.EmployeeID, key.Role, key.stageKey())

	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: no active payment for executor %s on contract %s stage %q",
			ErrNotFound, intent.OldExecutorID, intent.ContractID, key.stageKey())
	}
	if err != nil {
		return Payment{}, err
	}

	if p.PaymentStatus == PaymentStatusPaid {
		return Payment{}, fmt.Errorf("%w: payment %s is already paid", ErrInvalidReassignment, p.ID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE payments SET reassigned = 1, reassigned_at = ? WHERE id = ? AND reassigned = 0
	`, now, p.ID); err != nil {
		return Payment{}, fmt.Errorf("failed to flag payment %s reassigned: %w", p.ID, err)
	}
	p.Reassigned = true
	p.ReassignedAt = &now
	return p, nil
}

// enqueueReassignment appends the three replication records for a completed
// reassignment in their dependency order: executor switch, supersede, create.
func (l *Ledger) enqueueReassignment(ctx context.Context, tx *sql.Tx, intent ReassignmentIntent, superseded Payment, created CreateResult) error {
	executorID := reassignmentEntityID(intent)
	_, err := l.journal.EnqueueTx(ctx, tx, stagesync.OpUpdate, stagesync.EntityStageExecutor, executorID,
		&stagesync.StageExecutorFields{
			ContractID: &intent.ContractID,
			StageName:  intent.StageName,
			Role:       &intent.Role,
			EmployeeID: &intent.NewExecutorID,
		})
	if err != nil {
		return err
	}

	reassigned := true
	_, err = l.journal.EnqueueTx(ctx, tx, stagesync.OpUpdate, stagesync.EntityPayment, superseded.ID,
		&stagesync.PaymentFields{
			Reassigned:   &reassigned,
			ReassignedAt: superseded.ReassignedAt,
		})
	if err != nil {
		return err
	}

	if !created.AlreadyExisted {
		if err := l.enqueueCreate(ctx, tx, created.Payment); err != nil {
			return err
		}
	}
	return nil
}

// reassignmentEntityID is the stable id for a stage executor assignment: the
// natural key joined with '/', since the row has no surrogate id of its own.
func reassignmentEntityID(intent ReassignmentIntent) string {
	stage := ""
	if intent.StageName != nil {
		stage = *intent.StageName
	}
	return intent.ContractID + "/" + stage + "/" + intent.Role
}
