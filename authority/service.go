// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig configures the authority service
type ServiceConfig struct {
	AppName          string
	MaxApplyAttempts int // full-transaction retries on serialization failures

	// DisableAutoMigrate skips schema creation on startup (for deployments
	// that manage migrations externally).
	DisableAutoMigrate bool
}

// knownEntityTypes is the closed set of entity tags the authority accepts.
var knownEntityTypes = map[string]bool{
	"client":          true,
	"contract":        true,
	"payment":         true,
	"supervisionCard": true,
	"stageExecutor":   true,
}

// EntityTypes returns the accepted entity type tags in stable order.
func EntityTypes() []string {
	return []string{"client", "contract", "payment", "supervisionCard", "stageExecutor"}
}

// Service is the sync authority: it applies uploaded mutations to the
// authoritative PostgreSQL state, exactly once per (user, source, mutation).
type Service struct {
	pool   *pgxpool.Pool
	config *ServiceConfig
	logger *slog.Logger
}

// NewService creates an authority service and initializes its schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &ServiceConfig{}
	}
	if config.AppName == "" {
		config.AppName = "crm-authority"
	}
	if config.MaxApplyAttempts <= 0 {
		config.MaxApplyAttempts = 3
	}

	s := &Service{
		pool:   pool,
		config: config,
		logger: logger,
	}

	if !config.DisableAutoMigrate {
		if err := s.initializeSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize authority schema: %w", err)
		}
	}
	return s, nil
}

// ProcessApply applies a batch of mutations for one (user, source) pair. The
// whole batch runs in a single REPEATABLE READ transaction with a SAVEPOINT
// per mutation, so one rejected mutation never poisons its neighbors. The
// transaction is retried as a unit on serialization failures; that is safe
// because the idempotency gate converts any partially observed replay into
// already_applied.
func (s *Service) ProcessApply(ctx context.Context, userID, sourceID string, req *ApplyRequest) (*ApplyResponse, error) {
	if userID == "" || sourceID == "" {
		return nil, fmt.Errorf("user id and source id are required")
	}

	var statuses []MutationStatus
	var lastErr error
	for attempt := 0; attempt < s.config.MaxApplyAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, time.Duration(attempt)*100*time.Millisecond); err != nil {
				return nil, err
			}
			s.logger.Warn("Retrying apply transaction", "attempt", attempt+1, "user_id", userID, "source_id", sourceID)
		}

		statuses = statuses[:0]
		lastErr = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
			for _, m := range req.Mutations {
				st, err := s.applyMutation(ctx, tx, userID, sourceID, m)
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}
			return nil
		})
		if lastErr == nil {
			return &ApplyResponse{Statuses: statuses}, nil
		}
		if !isRetryablePGTxError(lastErr) {
			return nil, fmt.Errorf("failed to process apply: %w", lastErr)
		}
	}
	return nil, fmt.Errorf("apply transaction did not converge after %d attempts: %w", s.config.MaxApplyAttempts, lastErr)
}

// applyMutation applies one mutation under a SAVEPOINT. It returns an error
// only for faults that must fail (and retry) the whole transaction; every
// per-mutation problem is reported through the returned status instead.
func (s *Service) applyMutation(ctx context.Context, tx pgx.Tx, userID, sourceID string, m MutationUpload) (MutationStatus, error) {
	if err := validateMutation(m); err != nil {
		reason := ReasonBadPayload
		if errors.Is(err, errUnknownEntity) {
			reason = ReasonUnknownEntity
		}
		s.logger.Error("Mutation validation failed",
			"user_id", userID, "source_id", sourceID, "mutation_id", m.MutationID,
			"entity_type", m.EntityType, "op", m.Op, "reason", reason, "error", err)
		return statusRejected(m.MutationID, reason, err), nil
	}

	spName := fmt.Sprintf("sp_%d", m.MutationID)
	if _, err := tx.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", pgx.Identifier{spName}.Sanitize())); err != nil {
		return MutationStatus{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	// The canonical id is assigned by the authority on CREATE; for UPDATE and
	// DELETE the client has already reconciled to a canonical id.
	canonicalID := m.EntityID
	if m.Op == OpCreate {
		canonicalID = uuid.New().String()
	}

	// Insert-first idempotency gate. A conflicting row means this mutation was
	// applied by an earlier request; report the canonical id recorded then.
	inserted, err := s.insertGateRow(ctx, tx, userID, sourceID, m, canonicalID)
	if err != nil {
		_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
		_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
		return MutationStatus{}, fmt.Errorf("idempotency gate insert failed: %w", err)
	}
	if !inserted {
		storedID, err := s.gateCanonicalID(ctx, tx, userID, sourceID, m.MutationID)
		if err != nil {
			_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
			return MutationStatus{}, fmt.Errorf("idempotency gate lookup failed: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize())); err != nil {
			return MutationStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
		}
		return statusAlreadyApplied(m.MutationID, storedID), nil
	}

	st, applyErr := s.applyToState(ctx, tx, userID, m, canonicalID)
	if applyErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(applyErr, &pgErr) && pgErr.SQLState() == "23505" && m.EntityType == "payment" && m.Op == OpCreate {
			// The payment's active-key index fired: an equivalent payment from
			// another device already exists. Roll the insert (and our gate row)
			// back, then re-record the gate pointing at the winner so replays
			// of this mutation keep resolving to the same payment.
			_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
			winnerID, winErr := s.activePaymentID(ctx, tx, userID, m.Payload)
			if winErr != nil {
				_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
				return MutationStatus{}, fmt.Errorf("failed to resolve duplicate payment winner: %w", winErr)
			}
			if _, gateErr := s.insertGateRow(ctx, tx, userID, sourceID, m, winnerID); gateErr != nil {
				_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
				return MutationStatus{}, fmt.Errorf("failed to re-record idempotency gate: %w", gateErr)
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize())); err != nil {
				return MutationStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
			}
			return statusAlreadyApplied(m.MutationID, winnerID), nil
		}

		_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
		_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
		return MutationStatus{}, fmt.Errorf("failed to apply mutation %d: %w", m.MutationID, applyErr)
	}
	if st.Status == StRejected {
		// State-level rejection (e.g. update of an unknown entity). Keep the
		// rejection but roll back any partial effects including the gate row:
		// a rejection is terminal on the client, so the gate is not needed.
		_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", pgx.Identifier{spName}.Sanitize()))
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", pgx.Identifier{spName}.Sanitize())); err != nil {
		return MutationStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return st, nil
}

// insertGateRow records the mutation in the idempotency gate. It reports
// false when the (user, source, mutation) triplet was already recorded.
func (s *Service) insertGateRow(ctx context.Context, tx pgx.Tx, userID, sourceID string, m MutationUpload, canonicalID string) (bool, error) {
	var payload any
	if m.Op != OpDelete {
		payload = []byte(m.Payload)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO authority.applied_mutations
			(user_id, source_id, mutation_id, entity_type, entity_id, canonical_id, op, payload)
		VALUES (@user_id, @source_id, @mutation_id, @entity_type, @entity_id, @canonical_id, @op, @payload)
		ON CONFLICT (user_id, source_id, mutation_id) DO NOTHING
	`, pgx.NamedArgs{
		"user_id":      userID,
		"source_id":    sourceID,
		"mutation_id":  m.MutationID,
		"entity_type":  m.EntityType,
		"entity_id":    m.EntityID,
		"canonical_id": canonicalID,
		"op":           m.Op,
		"payload":      payload,
	})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Service) gateCanonicalID(ctx context.Context, tx pgx.Tx, userID, sourceID string, mutationID int64) (string, error) {
	var canonicalID string
	err := tx.QueryRow(ctx, `
		SELECT canonical_id FROM authority.applied_mutations
		WHERE user_id = $1 AND source_id = $2 AND mutation_id = $3
	`, userID, sourceID, mutationID).Scan(&canonicalID)
	if err != nil {
		return "", err
	}
	return canonicalID, nil
}

// applyToState applies the mutation to entity_state and, for payments, to the
// payment projection that carries the active-key invariant.
func (s *Service) applyToState(ctx context.Context, tx pgx.Tx, userID string, m MutationUpload, canonicalID string) (MutationStatus, error) {
	switch m.Op {
	case OpCreate:
		if _, err := tx.Exec(ctx, `
			INSERT INTO authority.entity_state (user_id, entity_type, entity_id, payload)
			VALUES ($1, $2, $3, $4)
		`, userID, m.EntityType, canonicalID, []byte(m.Payload)); err != nil {
			return MutationStatus{}, err
		}
		if m.EntityType == "payment" {
			if err := s.insertPayment(ctx, tx, userID, canonicalID, m.Payload); err != nil {
				return MutationStatus{}, err
			}
		}
		return statusApplied(m.MutationID, canonicalID), nil

	case OpUpdate:
		// stageExecutor rows are natural-keyed assignments; an update is an
		// upsert because the first write a device replicates may already be a
		// reassignment.
		if m.EntityType == "stageExecutor" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO authority.entity_state (user_id, entity_type, entity_id, payload)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (user_id, entity_type, entity_id)
				DO UPDATE SET payload = authority.entity_state.payload || EXCLUDED.payload,
					deleted = FALSE, updated_at = now()
			`, userID, m.EntityType, m.EntityID, []byte(m.Payload)); err != nil {
				return MutationStatus{}, err
			}
			return statusApplied(m.MutationID, m.EntityID), nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE authority.entity_state
			SET payload = payload || $4, updated_at = now()
			WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3 AND NOT deleted
		`, userID, m.EntityType, m.EntityID, []byte(m.Payload))
		if err != nil {
			return MutationStatus{}, err
		}
		if tag.RowsAffected() == 0 {
			return statusRejected(m.MutationID, ReasonNotFound,
				fmt.Errorf("%s %s does not exist", m.EntityType, m.EntityID)), nil
		}
		if m.EntityType == "payment" {
			if err := s.updatePayment(ctx, tx, userID, m.EntityID, m.Payload); err != nil {
				return MutationStatus{}, err
			}
		}
		return statusApplied(m.MutationID, m.EntityID), nil

	case OpDelete:
		// Deleting an entity the server never saw is idempotent, not an error.
		if _, err := tx.Exec(ctx, `
			UPDATE authority.entity_state
			SET deleted = TRUE, updated_at = now()
			WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3
		`, userID, m.EntityType, m.EntityID); err != nil {
			return MutationStatus{}, err
		}
		return statusApplied(m.MutationID, m.EntityID), nil

	default:
		return statusRejected(m.MutationID, ReasonBadPayload, fmt.Errorf("unknown op %q", m.Op)), nil
	}
}

// paymentDoc is the wire shape of a payment payload, matching the client's
// sparse field encoding.
type paymentDoc struct {
	ContractID       *string          `json:"contract_id"`
	EmployeeID       *string          `json:"employee_id"`
	Role             *string          `json:"role"`
	StageName        *string          `json:"stage_name"`
	PaymentType      *string          `json:"payment_type"`
	CalculatedAmount *json.RawMessage `json:"calculated_amount"`
	FinalAmount      *json.RawMessage `json:"final_amount"`
	PaymentStatus    *string          `json:"payment_status"`
	Reassigned       *bool            `json:"reassigned"`
	ReassignedAt     *time.Time       `json:"reassigned_at"`
}

var errIncompletePayment = errors.New("payment create payload is missing required fields")

func (s *Service) insertPayment(ctx context.Context, tx pgx.Tx, userID, paymentID string, payload json.RawMessage) error {
	var doc paymentDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("failed to decode payment payload: %w", err)
	}
	if doc.ContractID == nil || doc.EmployeeID == nil || doc.Role == nil || doc.PaymentType == nil {
		return errIncompletePayment
	}

	status := "to_pay"
	if doc.PaymentStatus != nil {
		status = *doc.PaymentStatus
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO authority.payments
			(user_id, id, contract_id, employee_id, role, stage_name, payment_type,
			 calculated_amount, final_amount, payment_status)
		VALUES (@user_id, @id, @contract_id, @employee_id, @role, @stage_name, @payment_type,
			COALESCE(@calculated_amount::numeric, 0), COALESCE(@final_amount::numeric, 0), @payment_status)
	`, pgx.NamedArgs{
		"user_id":           userID,
		"id":                paymentID,
		"contract_id":       *doc.ContractID,
		"employee_id":       *doc.EmployeeID,
		"role":              *doc.Role,
		"stage_name":        doc.StageName,
		"payment_type":      *doc.PaymentType,
		"calculated_amount": rawNumeric(doc.CalculatedAmount),
		"final_amount":      rawNumeric(doc.FinalAmount),
		"payment_status":    status,
	})
	return err
}

func (s *Service) updatePayment(ctx context.Context, tx pgx.Tx, userID, paymentID string, payload json.RawMessage) error {
	var doc paymentDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("failed to decode payment payload: %w", err)
	}

	_, err := tx.Exec(ctx, `
		UPDATE authority.payments
		SET payment_status    = COALESCE(@payment_status, payment_status),
			calculated_amount = COALESCE(@calculated_amount::numeric, calculated_amount),
			final_amount      = COALESCE(@final_amount::numeric, final_amount),
			reassigned        = COALESCE(@reassigned, reassigned),
			reassigned_at     = COALESCE(@reassigned_at, reassigned_at)
		WHERE user_id = @user_id AND id = @id
	`, pgx.NamedArgs{
		"user_id":           userID,
		"id":                paymentID,
		"payment_status":    doc.PaymentStatus,
		"calculated_amount": rawNumeric(doc.CalculatedAmount),
		"final_amount":      rawNumeric(doc.FinalAmount),
		"reassigned":        doc.Reassigned,
		"reassigned_at":     doc.ReassignedAt,
	})
	return err
}

// activePaymentID resolves the existing payment that won a duplicate create.
func (s *Service) activePaymentID(ctx context.Context, tx pgx.Tx, userID string, payload json.RawMessage) (string, error) {
	var doc paymentDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", fmt.Errorf("failed to decode payment payload: %w", err)
	}
	if doc.ContractID == nil || doc.EmployeeID == nil || doc.Role == nil || doc.PaymentType == nil {
		return "", errIncompletePayment
	}

	stage := ""
	if doc.StageName != nil {
		stage = *doc.StageName
	}
	var id string
	err := tx.QueryRow(ctx, `
		SELECT id::text FROM authority.payments
		WHERE user_id = $1 AND contract_id = $2 AND employee_id = $3 AND role = $4
			AND COALESCE(stage_name, '') = $5 AND payment_type = $6 AND NOT reassigned
	`, userID, *doc.ContractID, *doc.EmployeeID, *doc.Role, stage, *doc.PaymentType).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// rawNumeric passes a JSON number (or quoted decimal string) through as text
// for the ::numeric cast, nil when absent.
func rawNumeric(raw *json.RawMessage) *string {
	if raw == nil {
		return nil
	}
	s := string(*raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		return nil
	}
	return &s
}

var errUnknownEntity = errors.New("unknown entity type")

func validateMutation(m MutationUpload) error {
	switch m.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
	if !knownEntityTypes[m.EntityType] {
		return fmt.Errorf("%w: %q", errUnknownEntity, m.EntityType)
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if m.Op == OpDelete {
		if len(m.Payload) != 0 && string(m.Payload) != "null" {
			return fmt.Errorf("DELETE must not carry a payload")
		}
		return nil
	}
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return fmt.Errorf("payload required for %s", m.Op)
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}
