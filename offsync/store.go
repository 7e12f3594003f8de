// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Store is the durable local store boundary. The queue persists its full
// state synchronously through this interface before acknowledging any
// mutation, so an abrupt process termination loses no acknowledged state.
//
// Implementations: offsqlite.Store (SQLite), offpg.Store (Postgres),
// MemoryStore (tests and ephemeral clients).
type Store interface {
	// Persist durably writes the given state, replacing any previous state.
	Persist(ctx context.Context, state *QueueState) error

	// Load returns the previously persisted state, or an empty state when
	// nothing has been persisted yet.
	Load(ctx context.Context) (*QueueState, error)
}

// MemoryStore keeps the serialized state in memory. It provides the Store
// contract without durability; crash-safety requires offsqlite or offpg.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Persist serializes and retains the state.
func (m *MemoryStore) Persist(_ context.Context, state *QueueState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

// Load deserializes the retained state.
func (m *MemoryStore) Load(_ context.Context) (*QueueState, error) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()

	if len(data) == 0 {
		return &QueueState{}, nil
	}
	var state QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue state: %w", err)
	}
	return &state, nil
}
