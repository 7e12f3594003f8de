// Package offpg provides a Postgres-backed durable store for the go-offsync
// operation queue, for server-resident deployments (e.g. a per-user queue
// owned by an API node) where SQLite is not the right home for state.
//
// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/offlinekit/go-offsync/offsync"
)

// Store persists offsync.QueueState as one JSONB document per owner.
type Store struct {
	pool   *pgxpool.Pool
	userID string
	logger *slog.Logger
}

// NewStore initializes the schema and returns a store scoped to one owner.
func NewStore(ctx context.Context, pool *pgxpool.Pool, userID string, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS offsync_queue_state (
				user_id    TEXT PRIMARY KEY,
				state      JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize offsync schema: %w", err)
	}

	return &Store{pool: pool, userID: userID, logger: logger}, nil
}

// Persist upserts the owner's state document. Transient serialization and
// lock errors are retried a few times with a short backoff; the queue
// treats Persist as synchronous durability, so giving up surfaces an error.
func (s *Store) Persist(ctx context.Context, state *offsync.QueueState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}

	const maxRetries = 3
	for attempt := 0; ; attempt++ {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO offsync_queue_state (user_id, state, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (user_id) DO UPDATE SET
				state = excluded.state,
				updated_at = excluded.updated_at
		`, s.userID, data)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || !isRetryablePGError(err) {
			return fmt.Errorf("failed to persist queue state: %w", err)
		}
		s.logger.Debug("Retrying queue state persist", "attempt", attempt+1, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt+1)*50*time.Millisecond); serr != nil {
			return serr
		}
	}
}

// Load returns the owner's state document, or an empty state for a new owner.
func (s *Store) Load(ctx context.Context) (*offsync.QueueState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT state FROM offsync_queue_state WHERE user_id = $1
	`, s.userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return &offsync.QueueState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue state: %w", err)
	}

	var state offsync.QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue state: %w", err)
	}
	return &state, nil
}

func isRetryablePGError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
