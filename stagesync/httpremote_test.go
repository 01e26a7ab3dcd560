package stagesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FESTIVALCOLOR/NewCRM-sub002/authority"
)

func staticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

func paymentRecord() MutationRecord {
	return MutationRecord{
		ID:         42,
		Op:         OpCreate,
		EntityType: EntityPayment,
		EntityID:   "prov-p1",
		Payload: &PaymentFields{
			ContractID:  strp("c1"),
			EmployeeID:  strp("emp-1"),
			Role:        strp("lead"),
			PaymentType: strp("advance"),
		},
	}
}

func TestHTTPRemoteStore_Applied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/apply", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req authority.ApplyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Mutations, 1)
		require.Equal(t, int64(42), req.Mutations[0].MutationID)
		require.Equal(t, "payment", req.Mutations[0].EntityType)
		require.Equal(t, "CREATE", req.Mutations[0].Op)

		var fields map[string]any
		require.NoError(t, json.Unmarshal(req.Mutations[0].Payload, &fields))
		require.Equal(t, "c1", fields["contract_id"])

		_ = json.NewEncoder(w).Encode(authority.ApplyResponse{
			Statuses: []authority.MutationStatus{{
				MutationID:  42,
				Status:      authority.StApplied,
				CanonicalID: "canon-p1",
			}},
		})
	}))
	defer server.Close()

	remote := NewHTTPRemoteStore(server.URL, staticToken("test-token"))
	result, err := remote.Apply(context.Background(), paymentRecord())
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, "canon-p1", result.CanonicalID)
}

func TestHTTPRemoteStore_AlreadyApplied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authority.ApplyResponse{
			Statuses: []authority.MutationStatus{{
				MutationID:  42,
				Status:      authority.StAlreadyApplied,
				CanonicalID: "canon-p1",
			}},
		})
	}))
	defer server.Close()

	remote := NewHTTPRemoteStore(server.URL, staticToken("t"))
	result, err := remote.Apply(context.Background(), paymentRecord())
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyApplied, result.Outcome)
	require.Equal(t, "canon-p1", result.CanonicalID)
}

func TestHTTPRemoteStore_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authority.ApplyResponse{
			Statuses: []authority.MutationStatus{{
				MutationID: 42,
				Status:     authority.StRejected,
				Reason:     "validation",
				Message:    "unknown role",
			}},
		})
	}))
	defer server.Close()

	remote := NewHTTPRemoteStore(server.URL, staticToken("t"))
	result, err := remote.Apply(context.Background(), paymentRecord())
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, "validation", result.Reason)
	require.Equal(t, "unknown role", result.Message)
}

func TestHTTPRemoteStore_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	remote := NewHTTPRemoteStore(server.URL, staticToken("t"))
	_, err := remote.Apply(context.Background(), paymentRecord())
	require.Error(t, err, "5xx must surface as a transport error so the engine retries")
}

func TestHTTPRemoteStore_UnauthorizedIsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer server.Close()

	remote := NewHTTPRemoteStore(server.URL, staticToken("t"))
	result, err := remote.Apply(context.Background(), paymentRecord())
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, result.Outcome)
	require.Equal(t, "http_401", result.Reason)
}

func TestHTTPRemoteStore_ConnectionRefusedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing is listening anymore

	remote := NewHTTPRemoteStore(server.URL, staticToken("t"))
	_, err := remote.Apply(context.Background(), paymentRecord())
	require.Error(t, err)
}

func TestHTTPRemoteStore_StatusCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authority.ApplyResponse{})
	}))
	defer server.Close()

	remote := NewHTTPRemoteStore(server.URL, staticToken("t"))
	_, err := remote.Apply(context.Background(), paymentRecord())
	require.Error(t, err)
	require.Contains(t, err.Error(), "status count mismatch")
}
