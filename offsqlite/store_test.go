// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/offlinekit/go-offsync/offsync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, dsn string) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, testLogger())
	require.NoError(t, err)
	return store
}

func sampleState() *offsync.QueueState {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	resolved := created.Add(time.Hour)
	return &offsync.QueueState{
		Operations: []*offsync.Operation{
			{
				ID: "op-1", Type: offsync.OpUpdate,
				ResourceType: "task", ResourceID: "t1",
				Payload:  json.RawMessage(`{"status":"IN_PROGRESS"}`),
				BaseData: json.RawMessage(`{"status":"TODO"}`),
				Status:   offsync.StatusPending, Priority: offsync.PriorityHigh,
				MaxAttempts: 3, CreatedAt: created, UpdatedAt: created, Seq: 0,
			},
			{
				ID: "op-2", Type: offsync.OpDelete,
				ResourceType: "task", ResourceID: "t2",
				Status: offsync.StatusPending, Priority: offsync.PriorityLow,
				MaxAttempts: 3, CreatedAt: created, UpdatedAt: created,
				Dependencies: []string{"op-1"}, Seq: 1,
			},
		},
		Conflicts: []*offsync.Conflict{
			{
				ID: "c-1", OperationID: "op-1",
				ResourceType: "task", ResourceID: "t1",
				LocalData:      json.RawMessage(`{"status":"IN_PROGRESS"}`),
				RemoteData:     json.RawMessage(`{"status":"DONE"}`),
				ConflictFields: []string{"status"},
				Severity:       offsync.SeverityHigh,
				ConflictType:   offsync.ConflictTypeData,
				Status:         offsync.ConflictPending,
				DetectedAt:     created,
			},
		},
		Templates: []*offsync.ConflictTemplate{
			{
				ID: "tpl-1", Name: "server wins",
				ResourceType: offsync.TemplateResourceAll,
				Strategy:     offsync.StrategyRemote,
				UsageCount:   4, SuccessRate: 0.75,
			},
		},
		History: []*offsync.ConflictHistoryEntry{
			{
				ID: "h-1", ConflictID: "c-0", OperationID: "op-0",
				ResourceType: "task", ResourceID: "t0",
				Strategy: offsync.StrategyLocal, ResolvedBy: "user-1",
				ResolvedAt: resolved,
			},
		},
		NextSeq:               2,
		CompletedTotal:        10,
		FailedTotal:           2,
		ProcessingMillisTotal: 3000,
		LatencyMillisTotal:    900,
		LatencySamples:        10,
	}
}

func TestLoadFreshDatabase(t *testing.T) {
	store := openStore(t, ":memory:")

	state, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, state.Operations)
	require.Empty(t, state.Conflicts)
	require.Zero(t, state.NextSeq)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	store := openStore(t, ":memory:")
	ctx := context.Background()

	want := sampleState()
	require.NoError(t, store.Persist(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPersistReplacesPreviousState(t *testing.T) {
	store := openStore(t, ":memory:")
	ctx := context.Background()

	require.NoError(t, store.Persist(ctx, sampleState()))

	// The queue completed op-2 and dropped the conflict; the store must not
	// resurrect them on the next load.
	next := sampleState()
	next.Operations = next.Operations[:1]
	next.Conflicts = nil
	next.NextSeq = 5
	require.NoError(t, store.Persist(ctx, next))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Operations, 1)
	require.Equal(t, "op-1", got.Operations[0].ID)
	require.Empty(t, got.Conflicts)
	require.Equal(t, int64(5), got.NextSeq)
}

func TestStateSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store := openStore(t, dbPath)
	require.NoError(t, store.Persist(ctx, sampleState()))

	reopened := openStore(t, dbPath)
	got, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, sampleState(), got)
}

func TestHistoryPreservesAppendOrder(t *testing.T) {
	store := openStore(t, ":memory:")
	ctx := context.Background()

	state := &offsync.QueueState{}
	for i := 0; i < 10; i++ {
		state.History = append(state.History, &offsync.ConflictHistoryEntry{
			ID:         string(rune('a' + i)),
			ConflictID: "c", OperationID: "op",
			Strategy:   offsync.StrategyLocal,
			ResolvedAt: time.Date(2025, 6, 1, 0, 0, i, 0, time.UTC),
		})
	}
	require.NoError(t, store.Persist(ctx, state))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.History, 10)
	for i, h := range got.History {
		require.Equal(t, string(rune('a'+i)), h.ID)
	}
}

func TestQueueOverSQLiteStore(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	q, err := offsync.NewQueue(ctx, store, nil, testLogger())
	require.NoError(t, err)

	op, err := q.Enqueue(ctx, &offsync.Operation{
		Type: offsync.OpCreate, ResourceType: "task", ResourceID: "t1",
		Payload: json.RawMessage(`{"title":"hello"}`),
	})
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, op.ID))

	// A second queue over the same store picks up where the first left off,
	// with the in-flight operation reverted to pending.
	q2, err := offsync.NewQueue(ctx, store, nil, testLogger())
	require.NoError(t, err)
	got, err := q2.Get(op.ID)
	require.NoError(t, err)
	require.Equal(t, offsync.StatusPending, got.Status)
	require.JSONEq(t, `{"title":"hello"}`, string(got.Payload))
}
