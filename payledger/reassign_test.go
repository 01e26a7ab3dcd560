package payledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FESTIVALCOLOR/NewCRM-sub002/stagesync"
)

func assignExecutor(t *testing.T, db *sql.DB, contractID, stage, role, employeeID string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO stage_executors (contract_id, stage_name, role, employee_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (contract_id, stage_name, role) DO UPDATE SET employee_id = excluded.employee_id
	`, contractID, stage, role, employeeID, time.Now().UTC())
	require.NoError(t, err)
}

func currentExecutor(t *testing.T, db *sql.DB, contractID, stage, role string) string {
	t.Helper()
	var employeeID string
	err := db.QueryRow(`
		SELECT employee_id FROM stage_executors
		WHERE contract_id = ? AND stage_name = ? AND role = ?
	`, contractID, stage, role).Scan(&employeeID)
	require.NoError(t, err)
	return employeeID
}

func createStagePayment(t *testing.T, ledger *Ledger, employeeID string) Payment {
	t.Helper()
	result, err := ledger.CreatePayment(context.Background(), CreatePaymentInput{
		ContractID:       "c1",
		EmployeeID:       employeeID,
		Role:             "lead",
		StageName:        strp("foundation"),
		PaymentType:      PaymentTypeAdvance,
		CalculatedAmount: decp("1500"),
		FinalAmount:      decp("1500"),
	})
	require.NoError(t, err)
	require.False(t, result.AlreadyExisted)
	return result.Payment
}

func TestReassign_SupersedesAndCreates(t *testing.T) {
	ctx := context.Background()
	ledger, journal, db := newLedger(t)
	assignExecutor(t, db, "c1", "foundation", "lead", "emp-a")
	old := createStagePayment(t, ledger, "emp-a")

	result, err := ledger.ReassignExecutor(ctx, ReassignmentIntent{
		ContractID:    "c1",
		StageName:     strp("foundation"),
		Role:          "lead",
		OldExecutorID: "emp-a",
		NewExecutorID: "emp-b",
	})
	require.NoError(t, err)

	require.Equal(t, "emp-b", currentExecutor(t, db, "c1", "foundation", "lead"))

	require.Equal(t, old.ID, result.Superseded.ID)
	require.True(t, result.Superseded.Reassigned)
	require.NotNil(t, result.Superseded.ReassignedAt)

	require.False(t, result.CreatedAlreadyExisted)
	require.Equal(t, "emp-b", result.Created.EmployeeID)
	require.Equal(t, PaymentStatusToPay, result.Created.PaymentStatus)
	require.True(t, result.Created.CalculatedAmount.Equal(old.CalculatedAmount))

	// The old payment is history: excluded from active lookups, visible with
	// includeHistory.
	_, err = ledger.ActivePayment(ctx, PaymentKey{
		ContractID: "c1", EmployeeID: "emp-a", Role: "lead",
		StageName: strp("foundation"), PaymentType: PaymentTypeAdvance,
	})
	require.ErrorIs(t, err, ErrNotFound)

	active, err := ledger.ContractPayments(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, result.Created.ID, active[0].ID)

	all, err := ledger.ContractPayments(ctx, "c1", true)
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Replication: the original create plus the reassignment's three records
	// (executor switch, supersede, create).
	paymentOps := pendingPaymentOps(t, journal)
	require.Len(t, paymentOps, 3)
	require.Equal(t, stagesync.OpUpdate, paymentOps[1].Op)
	require.Equal(t, old.ID, paymentOps[1].EntityID)
	supersede, ok := paymentOps[1].Payload.(*stagesync.PaymentFields)
	require.True(t, ok)
	require.NotNil(t, supersede.Reassigned)
	require.True(t, *supersede.Reassigned)
	require.Equal(t, result.Created.ID, paymentOps[2].EntityID)

	execOps, err := journal.NextBatch(ctx, stagesync.EntityStageExecutor, 10)
	require.NoError(t, err)
	require.Len(t, execOps, 1)
	execFields, ok := execOps[0].Payload.(*stagesync.StageExecutorFields)
	require.True(t, ok)
	require.Equal(t, "emp-b", *execFields.EmployeeID)
}

func TestReassign_SameExecutorRejected(t *testing.T) {
	ctx := context.Background()
	ledger, journal, db := newLedger(t)
	assignExecutor(t, db, "c1", "foundation", "lead", "emp-a")
	createStagePayment(t, ledger, "emp-a")
	before := len(pendingPaymentOps(t, journal))

	_, err := ledger.ReassignExecutor(ctx, ReassignmentIntent{
		ContractID:    "c1",
		StageName:     strp("foundation"),
		Role:          "lead",
		OldExecutorID: "emp-a",
		NewExecutorID: "emp-a",
	})
	require.ErrorIs(t, err, ErrInvalidReassignment)

	// Nothing moved.
	require.Equal(t, "emp-a", currentExecutor(t, db, "c1", "foundation", "lead"))
	require.Len(t, pendingPaymentOps(t, journal), before)
}

func TestReassign_PaidPaymentRejected(t *testing.T) {
	ctx := context.Background()
	ledger, _, db := newLedger(t)
	assignExecutor(t, db, "c1", "foundation", "lead", "emp-a")
	p := createStagePayment(t, ledger, "emp-a")
	_, err := ledger.MarkPaid(ctx, p.ID)
	require.NoError(t, err)

	_, err = ledger.ReassignExecutor(ctx, ReassignmentIntent{
		ContractID:    "c1",
		StageName:     strp("foundation"),
		Role:          "lead",
		OldExecutorID: "emp-a",
		NewExecutorID: "emp-b",
	})
	require.ErrorIs(t, err, ErrInvalidReassignment)

	// The failed attempt rolled back the executor switch too.
	require.Equal(t, "emp-a", currentExecutor(t, db, "c1", "foundation", "lead"))
	got, err := ledger.Payment(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, got.Reassigned)
	require.Equal(t, PaymentStatusPaid, got.PaymentStatus)
}

func TestReassign_MissingExecutorAssignment(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newLedger(t)

	_, err := ledger.ReassignExecutor(ctx, ReassignmentIntent{
		ContractID:    "c1",
		StageName:     strp("foundation"),
		Role:          "lead",
		OldExecutorID: "emp-a",
		NewExecutorID: "emp-b",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReassign_NoActivePaymentRollsBack(t *testing.T) {
	ctx := context.Background()
	ledger, _, db := newLedger(t)
	assignExecutor(t, db, "c1", "foundation", "lead", "emp-a")
	// No payment exists for emp-a.

	_, err := ledger.ReassignExecutor(ctx, ReassignmentIntent{
		ContractID:    "c1",
		StageName:     strp("foundation"),
		Role:          "lead",
		OldExecutorID: "emp-a",
		NewExecutorID: "emp-b",
	})
	require.ErrorIs(t, err, ErrNotFound)

	// The executor switch from step 1 was rolled back with the rest.
	require.Equal(t, "emp-a", currentExecutor(t, db, "c1", "foundation", "lead"))
}

func TestReassign_ChainLeavesOneActivePayment(t *testing.T) {
	ctx := context.Background()
	ledger, _, db := newLedger(t)
	assignExecutor(t, db, "c1", "foundation", "lead", "emp-a")
	createStagePayment(t, ledger, "emp-a")

	for _, step := range []struct{ from, to string }{
		{"emp-a", "emp-b"},
		{"emp-b", "emp-c"},
	} {
		_, err := ledger.ReassignExecutor(ctx, ReassignmentIntent{
			ContractID:    "c1",
			StageName:     strp("foundation"),
			Role:          "lead",
			OldExecutorID: step.from,
			NewExecutorID: step.to,
		})
		require.NoError(t, err)
	}

	active, err := ledger.ContractPayments(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "emp-c", active[0].EmployeeID)

	all, err := ledger.ContractPayments(ctx, "c1", true)
	require.NoError(t, err)
	require.Len(t, all, 3)

	var history int
	for _, p := range all {
		if p.Reassigned {
			history++
		}
	}
	require.Equal(t, 2, history)
}

func TestMarkPaid_ReassignedIsImmutable(t *testing.T) {
	ctx := context.Background()
	ledger, _, db := newLedger(t)
	assignExecutor(t, db, "c1", "foundation", "lead", "emp-a")
	old := createStagePayment(t, ledger, "emp-a")

	_, err := ledger.ReassignExecutor(ctx, ReassignmentIntent{
		ContractID:    "c1",
		StageName:     strp("foundation"),
		Role:          "lead",
		OldExecutorID: "emp-a",
		NewExecutorID: "emp-b",
	})
	require.NoError(t, err)

	_, err = ledger.MarkPaid(ctx, old.ID)
	require.ErrorIs(t, err, ErrReassignedImmutable)
}
