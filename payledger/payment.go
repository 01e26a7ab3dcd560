// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

// Package payledger is the domain-correctness core for payment records: it
// guarantees that for any (contract, employee, role, stage, payment type) key
// at most one active payment exists, makes repeated create calls idempotent,
// and implements the three-step executor reassignment as one atomic unit.
package payledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment type constants.
const (
	PaymentTypeAdvance    = "advance"
	PaymentTypeCompletion = "completion"
	PaymentTypeFull       = "full"
)

// Payment status constants.
const (
	PaymentStatusToPay = "to_pay"
	PaymentStatusPaid  = "paid"
)

// Payment is one payment obligation row in the mirror store. Rows with
// Reassigned=true are permanent history: excluded from every uniqueness and
// "current obligation" query, and immutable afterwards.
type Payment struct {
	ID               string
	ContractID       string
	EmployeeID       string
	Role             string
	StageName        *string // nil for contract-level payments
	PaymentType      string
	CalculatedAmount decimal.Decimal // never null; zero when not yet computed
	FinalAmount      decimal.Decimal // never null; zero when not yet computed
	PaymentStatus    string
	Reassigned       bool
	ReassignedAt     *time.Time
	CreatedAt        time.Time
}

// PaymentKey identifies the uniqueness scope of an active payment.
type PaymentKey struct {
	ContractID  string
	EmployeeID  string
	Role        string
	StageName   *string
	PaymentType string
}

// CreatePaymentInput carries a create request. Nil amounts are normalized to
// zero before any further processing; a null amount never reaches storage.
type CreatePaymentInput struct {
	ContractID       string
	EmployeeID       string
	Role             string
	StageName        *string
	PaymentType      string
	CalculatedAmount *decimal.Decimal
	FinalAmount      *decimal.Decimal
}

// CreateResult reports the payment the caller now owns. AlreadyExisted is the
// idempotency flag: true means an equivalent active payment predated the call
// and no row was inserted. Callers treat both cases as success.
type CreateResult struct {
	Payment        Payment
	AlreadyExisted bool
}

// ReassignmentIntent drives the atomic executor reassignment.
type ReassignmentIntent struct {
	ContractID    string
	StageName     *string
	Role          string
	OldExecutorID string
	NewExecutorID string
}

// ReassignmentResult reports both sides of a completed reassignment.
type ReassignmentResult struct {
	Superseded Payment // the old executor's payment, now reassigned history
	Created    Payment // the new executor's active payment

	// CreatedAlreadyExisted mirrors CreateResult.AlreadyExisted for step 3.
	CreatedAlreadyExisted bool
}

func (k PaymentKey) stageKey() string {
	if k.StageName == nil {
		return ""
	}
	return *k.StageName
}
