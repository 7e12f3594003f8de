// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offpg

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/offlinekit/go-offsync/offsync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("offsync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestLoadNewOwnerIsEmpty(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	store, err := NewStore(ctx, pool, "user-1", testLogger())
	require.NoError(t, err)

	state, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, state.Operations)
	require.Zero(t, state.NextSeq)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	store, err := NewStore(ctx, pool, "user-1", testLogger())
	require.NoError(t, err)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want := &offsync.QueueState{
		Operations: []*offsync.Operation{
			{
				ID: "op-1", Type: offsync.OpUpdate,
				ResourceType: "task", ResourceID: "t1",
				Payload:  json.RawMessage(`{"status":"IN_PROGRESS"}`),
				BaseData: json.RawMessage(`{"status":"TODO"}`),
				Status:   offsync.StatusPending, Priority: offsync.PriorityHigh,
				MaxAttempts: 3, CreatedAt: created, UpdatedAt: created,
			},
		},
		NextSeq:        1,
		CompletedTotal: 7,
		FailedTotal:    1,
	}
	require.NoError(t, store.Persist(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// Upsert: a second persist replaces the document rather than duplicating it.
	want.NextSeq = 2
	require.NoError(t, store.Persist(ctx, want))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.NextSeq)
}

func TestOwnersAreIsolated(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	alice, err := NewStore(ctx, pool, "alice", testLogger())
	require.NoError(t, err)
	bob, err := NewStore(ctx, pool, "bob", testLogger())
	require.NoError(t, err)

	require.NoError(t, alice.Persist(ctx, &offsync.QueueState{NextSeq: 42}))

	state, err := bob.Load(ctx)
	require.NoError(t, err)
	require.Zero(t, state.NextSeq, "one owner's state must not leak into another's")

	state, err = alice.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(42), state.NextSeq)
}

func TestQueueOverPostgresStore(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	store, err := NewStore(ctx, pool, "user-1", testLogger())
	require.NoError(t, err)

	q, err := offsync.NewQueue(ctx, store, nil, testLogger())
	require.NoError(t, err)
	op, err := q.Enqueue(ctx, &offsync.Operation{
		Type: offsync.OpCreate, ResourceType: "task", ResourceID: "t1",
		Payload: json.RawMessage(`{"title":"hello"}`),
	})
	require.NoError(t, err)

	q2, err := offsync.NewQueue(ctx, store, nil, testLogger())
	require.NoError(t, err)
	got, err := q2.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, offsync.StatusPending, got.Status)
}

func TestIsRetryablePGError(t *testing.T) {
	require.True(t, isRetryablePGError(&pgconn.PgError{Code: "40001"}))
	require.True(t, isRetryablePGError(&pgconn.PgError{Code: "40P01"}))
	require.True(t, isRetryablePGError(&pgconn.PgError{Code: "55P03"}))
	require.False(t, isRetryablePGError(&pgconn.PgError{Code: "23505"}))
	require.False(t, isRetryablePGError(errors.New("plain error")))
}
