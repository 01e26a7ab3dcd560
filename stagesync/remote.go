// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package stagesync

import (
	"context"
)

// Outcome is the tri-state result of applying one mutation against the
// authoritative store. A binary success/failure signal is not enough: the
// replay engine must distinguish an idempotency hit (success, no new state)
// from a permanent rejection (operator attention) and from transport errors
// (retry), so the contract makes all three first-class values.
type Outcome int

const (
	// OutcomeApplied means the remote store accepted and applied the mutation.
	OutcomeApplied Outcome = iota
	// OutcomeAlreadyApplied means the remote store had already processed this
	// mutation (or an equivalent one). Treated as success, never as an error.
	OutcomeAlreadyApplied
	// OutcomeRejected means the remote store permanently refused the mutation
	// (validation, unresolvable conflict). Never retried automatically.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyApplied:
		return "already_applied"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ApplyResult carries the remote outcome for a single mutation.
type ApplyResult struct {
	Outcome Outcome

	// CanonicalID is set when the remote store assigned a different id to an
	// offline-created entity; the engine reconciles the operation log with it
	// before dispatching any dependent record.
	CanonicalID string

	// Reason and Message describe a rejection for the operator.
	Reason  string
	Message string
}

// RemoteStore is the authoritative API consumed by the replay engine.
// Implementations return an error only for transport-level faults (timeouts,
// unreachable server, 5xx); those are classified as transient and retried.
// Everything the server actually decided comes back inside ApplyResult.
type RemoteStore interface {
	Apply(ctx context.Context, rec MutationRecord) (ApplyResult, error)
}
