// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

// Package authority implements the server side of the CRM sync protocol: an
// idempotent apply endpoint over PostgreSQL that every offline client drains
// its operation log against. Each mutation carries a client-scoped id; the
// service guarantees a mutation is applied at most once per (user, source)
// and reports a tri-state outcome so clients can mark their queue correctly.
package authority

import (
	"encoding/json"
	"time"
)

// Operation constants for uploaded mutations.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Status constants for mutation outcomes.
const (
	StApplied        = "applied"
	StAlreadyApplied = "already_applied"
	StRejected       = "rejected"
)

// Rejection reason constants.
const (
	ReasonBadPayload    = "bad_payload"
	ReasonUnknownEntity = "unknown_entity"
	ReasonValidation    = "validation"
	ReasonNotFound      = "not_found"
	ReasonInternalError = "internal_error"
)

// MutationUpload is a single queued mutation sent by a client.
type MutationUpload struct {
	MutationID int64           `json:"mutation_id"`       // client-local operation log id
	EntityType string          `json:"entity_type"`       // e.g. "payment", "contract"
	Op         string          `json:"op"`                // CREATE, UPDATE, DELETE
	EntityID   string          `json:"entity_id"`         // provisional or canonical id
	Payload    json.RawMessage `json:"payload,omitempty"` // sparse field map (null for DELETE)
}

// ApplyRequest is a batch of mutations from one client. The source id is
// derived from the JWT did claim, never from the request body.
type ApplyRequest struct {
	Mutations []MutationUpload `json:"mutations"`
}

// MutationStatus is the per-mutation outcome echoed back to the client.
type MutationStatus struct {
	MutationID  int64  `json:"mutation_id"`
	Status      string `json:"status"`                 // applied, already_applied, rejected
	CanonicalID string `json:"canonical_id,omitempty"` // set when the server assigned the id
	Reason      string `json:"reason,omitempty"`       // rejection reason code
	Message     string `json:"message,omitempty"`      // human-readable details
}

// ApplyResponse is the server response to an apply request.
type ApplyResponse struct {
	Statuses []MutationStatus `json:"statuses"`
}

// ErrorResponse is the standard error body for HTTP failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse reports service health and configuration.
type StatusResponse struct {
	Status      string   `json:"status"`
	AppName     string   `json:"app_name"`
	EntityTypes []string `json:"entity_types"`
}

// AppliedMutationEntity is a row in authority.applied_mutations, the
// idempotency gate keyed by UNIQUE(user_id, source_id, mutation_id).
type AppliedMutationEntity struct {
	UserID      string          `db:"user_id"`
	SourceID    string          `db:"source_id"`
	MutationID  int64           `db:"mutation_id"`
	EntityType  string          `db:"entity_type"`
	EntityID    string          `db:"entity_id"`
	CanonicalID string          `db:"canonical_id"`
	Op          string          `db:"op"`
	Payload     json.RawMessage `db:"payload"`
	Timestamp   time.Time       `db:"ts"`
}

func statusApplied(mid int64, canonicalID string) MutationStatus {
	return MutationStatus{MutationID: mid, Status: StApplied, CanonicalID: canonicalID}
}

func statusAlreadyApplied(mid int64, canonicalID string) MutationStatus {
	return MutationStatus{MutationID: mid, Status: StAlreadyApplied, CanonicalID: canonicalID}
}

func statusRejected(mid int64, reason string, err error) MutationStatus {
	st := MutationStatus{MutationID: mid, Status: StRejected, Reason: reason}
	if err != nil {
		st.Message = err.Error()
	}
	return st
}
