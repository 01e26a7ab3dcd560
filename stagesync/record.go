// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

// Package stagesync implements the offline mutation queue and replay engine
// used by the CRM client: every local write is applied to the SQLite mirror
// and appended to a durable operation log, then drained against the
// authoritative server once connectivity returns.
package stagesync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Op is the mutation kind recorded in the operation log.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Status is the replay lifecycle state of a queued mutation.
// Allowed transitions: pending -> in_flight -> {synced | pending | failed}.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

// EntityType tags which mirror table a mutation belongs to. Records for the
// same entity type are always replayed in enqueue order.
type EntityType string

const (
	EntityClient          EntityType = "client"
	EntityContract        EntityType = "contract"
	EntityPayment         EntityType = "payment"
	EntitySupervisionCard EntityType = "supervisionCard"
	EntityStageExecutor   EntityType = "stageExecutor"
)

// MutationRecord is the operation log's unit of work.
type MutationRecord struct {
	ID            int64
	Op            Op
	EntityType    EntityType
	EntityID      string
	Payload       MutationPayload // nil for DELETE
	Status        Status
	AttemptCount  int
	LastError     string
	CreatedAt     time.Time
	LastAttemptAt time.Time
}

// MutationPayload is the tagged union of per-entity payloads. Update payloads
// are sparse patches: nil pointer fields are omitted from the wire form and
// never overwrite remote state.
type MutationPayload interface {
	Entity() EntityType

	// References lists the other entities this payload points at. The replay
	// engine uses it to resolve provisional ids before dispatch and to hold
	// a record whose referenced create has not been applied yet.
	References() []EntityRef

	// RewriteReference replaces references to a reconciled entity id and
	// reports whether anything changed. Called by the operation log when a
	// provisional id receives its canonical mapping.
	RewriteReference(ref EntityType, oldID, newID string) bool
}

// EntityRef names another entity a payload points at.
type EntityRef struct {
	Entity EntityType
	ID     string
}

// ClientFields is the payload for the "client" entity.
type ClientFields struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
}

func (ClientFields) Entity() EntityType { return EntityClient }

func (f *ClientFields) References() []EntityRef { return nil }

func (f *ClientFields) RewriteReference(EntityType, string, string) bool { return false }

// ContractFields is the payload for the "contract" entity.
type ContractFields struct {
	ClientID *string          `json:"client_id,omitempty"`
	Number   *string          `json:"number,omitempty"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Status   *string          `json:"status,omitempty"`
}

func (ContractFields) Entity() EntityType { return EntityContract }

func (f *ContractFields) References() []EntityRef {
	var refs []EntityRef
	if f.ClientID != nil {
		refs = append(refs, EntityRef{Entity: EntityClient, ID: *f.ClientID})
	}
	return refs
}

func (f *ContractFields) RewriteReference(ref EntityType, oldID, newID string) bool {
	if ref == EntityClient && f.ClientID != nil && *f.ClientID == oldID {
		f.ClientID = &newID
		return true
	}
	return false
}

// PaymentFields is the payload for the "payment" entity.
type PaymentFields struct {
	ContractID       *string          `json:"contract_id,omitempty"`
	EmployeeID       *string          `json:"employee_id,omitempty"`
	Role             *string          `json:"role,omitempty"`
	StageName        *string          `json:"stage_name,omitempty"`
	CardID           *string          `json:"card_id,omitempty"`
	PaymentType      *string          `json:"payment_type,omitempty"`
	CalculatedAmount *decimal.Decimal `json:"calculated_amount,omitempty"`
	FinalAmount      *decimal.Decimal `json:"final_amount,omitempty"`
	PaymentStatus    *string          `json:"payment_status,omitempty"`
	Reassigned       *bool            `json:"reassigned,omitempty"`
	ReassignedAt     *time.Time       `json:"reassigned_at,omitempty"`
}

func (PaymentFields) Entity() EntityType { return EntityPayment }

func (f *PaymentFields) References() []EntityRef {
	var refs []EntityRef
	if f.ContractID != nil {
		refs = append(refs, EntityRef{Entity: EntityContract, ID: *f.ContractID})
	}
	if f.CardID != nil {
		refs = append(refs, EntityRef{Entity: EntitySupervisionCard, ID: *f.CardID})
	}
	return refs
}

func (f *PaymentFields) RewriteReference(ref EntityType, oldID, newID string) bool {
	changed := false
	switch ref {
	case EntityContract:
		if f.ContractID != nil && *f.ContractID == oldID {
			f.ContractID = &newID
			changed = true
		}
	case EntitySupervisionCard:
		if f.CardID != nil && *f.CardID == oldID {
			f.CardID = &newID
			changed = true
		}
	}
	return changed
}

// SupervisionCardFields is the payload for the "supervisionCard" entity.
type SupervisionCardFields struct {
	ContractID *string `json:"contract_id,omitempty"`
	StageName  *string `json:"stage_name,omitempty"`
	Status     *string `json:"status,omitempty"`
}

func (SupervisionCardFields) Entity() EntityType { return EntitySupervisionCard }

func (f *SupervisionCardFields) References() []EntityRef {
	var refs []EntityRef
	if f.ContractID != nil {
		refs = append(refs, EntityRef{Entity: EntityContract, ID: *f.ContractID})
	}
	return refs
}

func (f *SupervisionCardFields) RewriteReference(ref EntityType, oldID, newID string) bool {
	if ref == EntityContract && f.ContractID != nil && *f.ContractID == oldID {
		f.ContractID = &newID
		return true
	}
	return false
}

// StageExecutorFields is the payload for the "stageExecutor" entity.
type StageExecutorFields struct {
	ContractID *string `json:"contract_id,omitempty"`
	StageName  *string `json:"stage_name,omitempty"`
	Role       *string `json:"role,omitempty"`
	EmployeeID *string `json:"employee_id,omitempty"`
}

func (StageExecutorFields) Entity() EntityType { return EntityStageExecutor }

func (f *StageExecutorFields) References() []EntityRef {
	var refs []EntityRef
	if f.ContractID != nil {
		refs = append(refs, EntityRef{Entity: EntityContract, ID: *f.ContractID})
	}
	return refs
}

func (f *StageExecutorFields) RewriteReference(ref EntityType, oldID, newID string) bool {
	if ref == EntityContract && f.ContractID != nil && *f.ContractID == oldID {
		f.ContractID = &newID
		return true
	}
	return false
}

// payloadEnvelope is the stored/wire form of a MutationPayload.
type payloadEnvelope struct {
	Entity EntityType      `json:"entity"`
	Fields json.RawMessage `json:"fields"`
}

// MarshalPayload serializes a typed payload into its envelope form.
func MarshalPayload(p MutationPayload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	fields, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload fields: %w", err)
	}
	return json.Marshal(payloadEnvelope{Entity: p.Entity(), Fields: fields})
}

// UnmarshalPayload decodes an envelope back into the typed union. The switch
// is exhaustive over the registered entity types; an unknown tag is an error,
// not a silently dropped mutation.
func UnmarshalPayload(data []byte) (MutationPayload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload envelope: %w", err)
	}

	var p MutationPayload
	switch env.Entity {
	case EntityClient:
		p = &ClientFields{}
	case EntityContract:
		p = &ContractFields{}
	case EntityPayment:
		p = &PaymentFields{}
	case EntitySupervisionCard:
		p = &SupervisionCardFields{}
	case EntityStageExecutor:
		p = &StageExecutorFields{}
	default:
		return nil, fmt.Errorf("unknown payload entity type %q", env.Entity)
	}
	if err := json.Unmarshal(env.Fields, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Entity, err)
	}
	return p, nil
}
