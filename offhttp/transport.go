// Package offhttp implements the go-offsync transport boundary over
// HTTP/JSON with JWT bearer authentication, plus the matching server-side
// handlers.
//
// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/offlinekit/go-offsync/offsync"
)

// TokenFunc supplies a fresh bearer token for each request.
type TokenFunc func(ctx context.Context) (string, error)

// SubmitRequest is the wire form of one operation submission.
type SubmitRequest struct {
	OperationID  string          `json:"operation_id"`
	Type         string          `json:"type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	BaseData     json.RawMessage `json:"base_data,omitempty"`
}

// SubmitResponse is the wire form of the server's verdict.
type SubmitResponse struct {
	Status     string          `json:"status"` // accepted, conflict, rejected
	ServerData json.RawMessage `json:"server_data,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// ResourceStateResponse is the wire form of a resource snapshot fetch.
type ResourceStateResponse struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Data         json.RawMessage `json:"data"`
}

// Transport is the HTTP client implementation of offsync.Transport.
type Transport struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// NewTransport creates a transport against one server base URL.
func NewTransport(baseURL string, token TokenFunc) *Transport {
	return &Transport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Submit posts one operation and decodes the server's verdict. Any failure
// to reach a verdict (network error, non-2xx status) is returned as an
// error and treated as transient by the engine.
func (t *Transport) Submit(ctx context.Context, op *offsync.Operation) (*offsync.SubmitResult, error) {
	reqBody := SubmitRequest{
		OperationID:  op.ID,
		Type:         op.Type,
		ResourceType: op.ResourceType,
		ResourceID:   op.ResourceID,
		Payload:      op.Payload,
		BaseData:     op.BaseData,
	}
	jsonData, err := json.Marshal(&reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync/submit", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var submitResp SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}

	switch submitResp.Status {
	case offsync.StAccepted, offsync.StConflict, offsync.StRejected:
	default:
		return nil, fmt.Errorf("unknown submit status %q", submitResp.Status)
	}
	return &offsync.SubmitResult{
		Status:     submitResp.Status,
		ServerData: submitResp.ServerData,
		Message:    submitResp.Message,
	}, nil
}

// FetchResourceState retrieves the server's current snapshot of a resource.
func (t *Transport) FetchResourceState(ctx context.Context, resourceType, resourceID string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/sync/resource?type=%s&id=%s",
		t.BaseURL, url.QueryEscape(resourceType), url.QueryEscape(resourceID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := t.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var stateResp ResourceStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&stateResp); err != nil {
		return nil, fmt.Errorf("failed to decode resource state response: %w", err)
	}
	return stateResp.Data, nil
}

func (t *Transport) authorize(ctx context.Context, req *http.Request) error {
	if t.Token == nil {
		return nil
	}
	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
