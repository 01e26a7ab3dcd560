// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPHandlers provides the HTTP surface of the sync authority.
type HTTPHandlers struct {
	service       *Service
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of authority handlers
func NewHTTPHandlers(service *Service, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleApply processes a batch of uploaded mutations
func (h *HTTPHandlers) HandleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var applyReq ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&applyReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse apply request")
		return
	}
	if len(applyReq.Mutations) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "At least one mutation is required")
		return
	}

	response, err := h.service.ProcessApply(r.Context(), userID, sourceID, &applyReq)
	if err != nil {
		h.logger.Error("Failed to process apply", "error", err, "user_id", userID, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "apply_failed", "Failed to process apply")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode apply response", "error", err, "source_id", sourceID)
	}
}

// HandleStatus reports service health and the accepted entity types
func (h *HTTPHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	response := StatusResponse{
		Status:      "ok",
		AppName:     h.service.config.AppName,
		EntityTypes: EntityTypes(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode status response", "error", err)
	}
}

// HandleHealthz is the unauthenticated liveness probe clients use to detect
// connectivity.
func (h *HTTPHandlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// writeError writes a JSON error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}
