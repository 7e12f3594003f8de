// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is one aggregated view over queue and conflict state, suitable
// for dashboards. Rates are computed from rolling counters that survive
// individual sync runs.
type Metrics struct {
	PendingCount    int   `json:"pending_count"`
	ProcessingCount int   `json:"processing_count"`
	CompletedCount  int   `json:"completed_count"`
	FailedCount     int   `json:"failed_count"`
	ConflictCount   int   `json:"conflict_count"`
	QueueSizeBytes  int64 `json:"queue_size_bytes"`

	SuccessRate              float64 `json:"success_rate"`
	AvgProcessingMillis      float64 `json:"avg_processing_millis"`
	AvgLatencyMillis         float64 `json:"avg_latency_millis"`
	EstimatedSyncTimeSeconds float64 `json:"estimated_sync_time_seconds"`
	HealthScore              int     `json:"health_score"`

	Online      bool      `json:"online"`
	GeneratedAt time.Time `json:"generated_at"`
}

// MetricsObserver receives pushed metrics snapshots. Consumers subscribe
// instead of polling; the engine publishes after every state change.
type MetricsObserver interface {
	ObserveMetrics(ctx context.Context, m Metrics)
}

// MetricsObserverFunc adapts a function to the MetricsObserver interface.
type MetricsObserverFunc func(ctx context.Context, m Metrics)

func (f MetricsObserverFunc) ObserveMetrics(ctx context.Context, m Metrics) {
	f(ctx, m)
}

// Reporter aggregates queue and conflict state into operator-facing
// metrics. It owns no queue state of its own; everything is derived from
// the queue's tallies and rolling counters.
type Reporter struct {
	queue  *Queue
	logger *slog.Logger
	online int32

	mu        sync.Mutex
	observers []MetricsObserver
}

// NewReporter creates a reporter over one queue.
func NewReporter(queue *Queue, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{queue: queue, logger: logger}
}

// SetOnline records the connectivity state reflected in health scoring.
func (r *Reporter) SetOnline(online bool) {
	var v int32
	if online {
		v = 1
	}
	atomic.StoreInt32(&r.online, v)
}

// Subscribe registers an observer for pushed snapshots.
func (r *Reporter) Subscribe(obs MetricsObserver) {
	if obs == nil {
		return
	}
	r.mu.Lock()
	r.observers = append(r.observers, obs)
	r.mu.Unlock()
}

// Snapshot computes the current metrics.
func (r *Reporter) Snapshot() Metrics {
	counts := r.queue.Counts()
	completedTotal, failedTotal, procMillis, latMillis, samples := r.queue.Totals()

	m := Metrics{
		PendingCount:    counts.Pending,
		ProcessingCount: counts.Processing,
		CompletedCount:  counts.Completed,
		FailedCount:     counts.Failed,
		ConflictCount:   counts.Conflicts,
		QueueSizeBytes:  counts.SizeBytes,
		Online:          atomic.LoadInt32(&r.online) == 1,
		GeneratedAt:     time.Now(),
	}

	if total := completedTotal + failedTotal; total > 0 {
		m.SuccessRate = float64(completedTotal) / float64(total)
	} else {
		m.SuccessRate = 1.0
	}
	if samples > 0 {
		m.AvgProcessingMillis = float64(procMillis) / float64(samples)
		m.AvgLatencyMillis = float64(latMillis) / float64(samples)
	}
	m.EstimatedSyncTimeSeconds = float64(m.PendingCount) * m.AvgProcessingMillis / 1000.0
	m.HealthScore = healthScore(m)
	return m
}

// Publish pushes a fresh snapshot to every observer.
func (r *Reporter) Publish(ctx context.Context) {
	m := r.Snapshot()

	r.mu.Lock()
	observers := append([]MetricsObserver(nil), r.observers...)
	r.mu.Unlock()

	for _, obs := range observers {
		obs.ObserveMetrics(ctx, m)
	}
}

// healthScore folds queue state into a 0-100 summary. Each penalty is
// monotonic in its input: more conflicts, more failures, deeper queues,
// lower success rates and offline state can only lower the score.
func healthScore(m Metrics) int {
	score := 100.0
	if !m.Online {
		score -= 30
	}
	score -= minF(20, float64(m.ConflictCount)*4)
	score -= minF(25, float64(m.FailedCount)*5)
	score -= minF(15, float64(m.PendingCount)/5)
	score -= (1 - m.SuccessRate) * 20

	if score < 0 {
		return 0
	}
	return int(score)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
