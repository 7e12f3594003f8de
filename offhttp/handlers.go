// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/offlinekit/go-offsync/internal/auth"
	"github.com/offlinekit/go-offsync/offsync"
)

// ClientAuthenticator extracts user and client identity from HTTP requests.
// Implementations validate auth (e.g. JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetClientID(r *http.Request) (string, error)
}

// Applier is the server-side judgment boundary: it applies one submitted
// operation against authoritative state and reports the verdict, and serves
// current resource snapshots.
type Applier interface {
	Apply(ctx context.Context, userID string, req *SubmitRequest) (*SubmitResponse, error)
	ResourceState(ctx context.Context, userID, resourceType, resourceID string) (json.RawMessage, error)
}

// Handlers exposes the sync endpoints over net/http.
type Handlers struct {
	applier       Applier
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHandlers creates handler instances over one applier.
func NewHandlers(applier Applier, authenticator ClientAuthenticator, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{applier: applier, authenticator: authenticator, logger: logger}
}

// Mux returns a ready-to-serve mux with the sync routes mounted.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/submit", h.HandleSubmit)
	mux.HandleFunc("/sync/resource", h.HandleResourceState)
	return mux
}

// HandleSubmit judges one uploaded operation.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	ctx, userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse submit request")
		return
	}
	if req.ResourceType == "" || req.ResourceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "resource_type and resource_id are required")
		return
	}

	resp, err := h.applier.Apply(ctx, userID, &req)
	if err != nil {
		h.logger.Error("Failed to apply submitted operation", "error", err, "operation", req.OperationID)
		h.writeError(w, http.StatusInternalServerError, "submit_failed", "Failed to process submit")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode submit response", "error", err, "operation", req.OperationID)
	}
}

// HandleResourceState serves the current snapshot of one resource.
func (h *Handlers) HandleResourceState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	ctx, userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	resourceType := r.URL.Query().Get("type")
	resourceID := r.URL.Query().Get("id")
	if resourceType == "" || resourceID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "type and id are required")
		return
	}

	data, err := h.applier.ResourceState(ctx, userID, resourceType, resourceID)
	if err != nil {
		h.logger.Error("Failed to fetch resource state", "error", err,
			"resource", resourceType+"/"+resourceID)
		h.writeError(w, http.StatusInternalServerError, "fetch_failed", "Failed to fetch resource state")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := ResourceStateResponse{ResourceType: resourceType, ResourceID: resourceID, Data: data}
	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		h.logger.Error("Failed to encode resource state response", "error", err)
	}
}

func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (context.Context, string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return nil, "", false
	}
	clientID, err := h.authenticator.GetClientID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return nil, "", false
	}

	ctx := auth.WithUserID(r.Context(), userID)
	ctx = auth.WithClientID(ctx, clientID)
	return ctx, userID, true
}

// errorResponse is the JSON error envelope shared by all endpoints.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: code, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}

// Compile-time check that Transport satisfies the engine boundary.
var _ offsync.Transport = (*Transport)(nil)
