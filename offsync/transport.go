// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
)

// SubmitResult is the server's verdict on one transmitted operation.
type SubmitResult struct {
	// Status is one of StAccepted, StConflict, StRejected.
	Status string `json:"status"`

	// ServerData carries the server's authoritative resource snapshot.
	// Present on accept (post-apply state) and on conflict (current state
	// the operation diverged from).
	ServerData json.RawMessage `json:"server_data,omitempty"`

	// Message carries optional details, primarily the rejection reason.
	Message string `json:"message,omitempty"`
}

// Transport is the server boundary consumed by the sync engine. The wire
// format is irrelevant to the core; any request/response or message-queue
// transport that produces the three submit outcomes can implement it.
//
// A returned error means the attempt failed before a verdict was reached
// (timeout, network failure) and is treated as transient.
type Transport interface {
	// Submit transmits one operation and returns the server's verdict.
	Submit(ctx context.Context, op *Operation) (*SubmitResult, error)

	// FetchResourceState returns the server's current snapshot of a resource.
	FetchResourceState(ctx context.Context, resourceType, resourceID string) (json.RawMessage, error)
}
