// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import "context"

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	clientIDKey contextKey = "client_id"
)

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID retrieves the authenticated user id from the context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// WithClientID returns a context carrying the submitting client id.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientID retrieves the submitting client id from the context.
func ClientID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey).(string)
	return id, ok
}
