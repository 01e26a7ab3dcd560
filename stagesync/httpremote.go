// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package stagesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/FESTIVALCOLOR/NewCRM-sub002/authority"
)

// HTTPRemoteStore talks to the authority server's /sync/apply endpoint.
// Transport faults and 5xx responses surface as errors (transient); the
// server's per-mutation decision is translated into the tri-state ApplyResult.
type HTTPRemoteStore struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
}

// NewHTTPRemoteStore creates a remote store adapter for the given server.
func NewHTTPRemoteStore(baseURL string, tok func(context.Context) (string, error)) *HTTPRemoteStore {
	return &HTTPRemoteStore{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Apply sends a single mutation and classifies the response.
func (r *HTTPRemoteStore) Apply(ctx context.Context, rec MutationRecord) (ApplyResult, error) {
	var payload json.RawMessage
	if rec.Payload != nil {
		fields, err := json.Marshal(rec.Payload)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("failed to marshal mutation payload: %w", err)
		}
		payload = fields
	}

	applyReq := &authority.ApplyRequest{
		Mutations: []authority.MutationUpload{{
			MutationID: rec.ID,
			EntityType: string(rec.EntityType),
			Op:         string(rec.Op),
			EntityID:   rec.EntityID,
			Payload:    payload,
		}},
	}

	body, err := json.Marshal(applyReq)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to marshal apply request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/sync/apply", bytes.NewBuffer(body))
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := r.Token(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to get JWT token: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to send apply request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return ApplyResult{}, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		// 4xx without a per-mutation status is a permanent protocol-level
		// rejection (bad token, malformed request).
		respBody, _ := io.ReadAll(resp.Body)
		return ApplyResult{
			Outcome: OutcomeRejected,
			Reason:  fmt.Sprintf("http_%d", resp.StatusCode),
			Message: string(respBody),
		}, nil
	}

	var applyResp authority.ApplyResponse
	if err := json.NewDecoder(resp.Body).Decode(&applyResp); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to decode apply response: %w", err)
	}
	if len(applyResp.Statuses) != 1 {
		return ApplyResult{}, fmt.Errorf("status count mismatch: sent 1 mutation, got %d statuses", len(applyResp.Statuses))
	}

	st := applyResp.Statuses[0]
	switch st.Status {
	case authority.StApplied:
		return ApplyResult{Outcome: OutcomeApplied, CanonicalID: st.CanonicalID}, nil
	case authority.StAlreadyApplied:
		return ApplyResult{Outcome: OutcomeAlreadyApplied, CanonicalID: st.CanonicalID}, nil
	case authority.StRejected:
		return ApplyResult{Outcome: OutcomeRejected, Reason: st.Reason, Message: st.Message}, nil
	default:
		return ApplyResult{}, fmt.Errorf("unknown mutation status %q", st.Status)
	}
}
