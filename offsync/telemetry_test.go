// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	r := NewReporter(q, testLogger())
	r.SetOnline(true)

	m := r.Snapshot()
	require.Zero(t, m.PendingCount)
	require.Zero(t, m.FailedCount)
	require.Zero(t, m.ConflictCount)
	require.InDelta(t, 1.0, m.SuccessRate, 0.001, "no history means no evidence of failure")
	require.Zero(t, m.EstimatedSyncTimeSeconds)
	require.Equal(t, 100, m.HealthScore)
	require.True(t, m.Online)
	require.False(t, m.GeneratedAt.IsZero())
}

func TestSnapshotCountsAndRates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, &Operation{
			Type: OpUpdate, ResourceType: "task", ResourceID: id,
			Payload: json.RawMessage(`{"title":"x"}`),
		})
		require.NoError(t, err)
	}
	ops := q.List()
	require.NoError(t, q.MarkProcessing(ctx, ops[0].ID))
	require.NoError(t, q.MarkCompleted(ctx, ops[0].ID))
	require.NoError(t, q.RecordTimings(ctx, 200*time.Millisecond, 80*time.Millisecond))
	require.NoError(t, q.MarkProcessing(ctx, ops[1].ID))
	require.NoError(t, q.MarkCompleted(ctx, ops[1].ID))
	require.NoError(t, q.RecordTimings(ctx, 400*time.Millisecond, 120*time.Millisecond))

	r := NewReporter(q, testLogger())
	r.SetOnline(true)
	m := r.Snapshot()

	require.Equal(t, 1, m.PendingCount)
	require.Equal(t, 2, m.CompletedCount)
	require.InDelta(t, 300, m.AvgProcessingMillis, 0.001)
	require.InDelta(t, 100, m.AvgLatencyMillis, 0.001)
	// One pending operation at 300ms average.
	require.InDelta(t, 0.3, m.EstimatedSyncTimeSeconds, 0.001)
	require.Greater(t, m.QueueSizeBytes, int64(0))
}

func TestSuccessRateBlendsFailures(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	good, err := q.Enqueue(ctx, &Operation{Type: OpUpdate, ResourceType: "task", ResourceID: "good"})
	require.NoError(t, err)
	bad, err := q.Enqueue(ctx, &Operation{Type: OpUpdate, ResourceType: "task", ResourceID: "bad", MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, q.MarkProcessing(ctx, good.ID))
	require.NoError(t, q.MarkCompleted(ctx, good.ID))
	require.NoError(t, q.MarkProcessing(ctx, bad.ID))
	require.NoError(t, q.MarkFailed(ctx, bad.ID, "boom"))

	r := NewReporter(q, testLogger())
	m := r.Snapshot()
	require.InDelta(t, 0.5, m.SuccessRate, 0.001)
}

func TestHealthScorePenalties(t *testing.T) {
	base := Metrics{SuccessRate: 1.0, Online: true}
	require.Equal(t, 100, healthScore(base))

	offline := base
	offline.Online = false
	require.Equal(t, 70, healthScore(offline))

	conflicted := base
	conflicted.ConflictCount = 2
	require.Equal(t, 92, healthScore(conflicted))

	failing := base
	failing.FailedCount = 1
	require.Equal(t, 95, healthScore(failing))

	backlogged := base
	backlogged.PendingCount = 50
	require.Equal(t, 90, healthScore(backlogged))

	flaky := base
	flaky.SuccessRate = 0.5
	require.Equal(t, 90, healthScore(flaky))
}

func TestHealthScorePenaltiesAreCapped(t *testing.T) {
	m := Metrics{
		Online:        false,
		ConflictCount: 1000,
		FailedCount:   1000,
		PendingCount:  100000,
		SuccessRate:   0,
	}
	require.Equal(t, 0, healthScore(m), "the score never goes negative")

	// Each penalty saturates: twice the conflicts beyond the cap changes nothing.
	capped := Metrics{SuccessRate: 1.0, Online: true, ConflictCount: 5}
	doubled := capped
	doubled.ConflictCount = 10
	require.Equal(t, healthScore(capped), healthScore(doubled))
}

func TestHealthScoreMonotonicity(t *testing.T) {
	base := Metrics{SuccessRate: 1.0, Online: true, PendingCount: 10, ConflictCount: 1}
	score := healthScore(base)

	worse := []Metrics{base, base, base, base}
	worse[0].ConflictCount++
	worse[1].FailedCount++
	worse[2].PendingCount += 10
	worse[3].SuccessRate = 0.8

	for i, m := range worse {
		require.LessOrEqual(t, healthScore(m), score, "degradation %d must not raise the score", i)
	}
}

func TestPublishNotifiesAllObservers(t *testing.T) {
	q, _ := newTestQueue(t)
	r := NewReporter(q, testLogger())

	var got []Metrics
	for i := 0; i < 3; i++ {
		r.Subscribe(MetricsObserverFunc(func(_ context.Context, m Metrics) {
			got = append(got, m)
		}))
	}
	r.Subscribe(nil) // ignored

	r.Publish(context.Background())
	require.Len(t, got, 3)
}
