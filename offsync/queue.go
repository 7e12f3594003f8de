// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueueConfig holds tunables for the operation queue.
type QueueConfig struct {
	DefaultMaxAttempts int           // applied when an operation does not set its own bound
	BackoffMin         time.Duration // first retry delay
	BackoffMax         time.Duration // retry delay cap
	CompletedRetention time.Duration // how long completed operations stay before ClearCompleted purges them
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		DefaultMaxAttempts: 3,
		BackoffMin:         1 * time.Second,
		BackoffMax:         60 * time.Second,
		CompletedRetention: 24 * time.Hour,
	}
}

// Queue is the durable, ordered store of pending local mutations. It is the
// single source of truth for what still needs to reach the server, and it
// owns the conflict registry and resolution audit trail because they share
// the same durable state.
//
// Every mutating method persists the full state through the Store before
// returning, so an abrupt process termination loses no acknowledged state.
// The queue accepts concurrent Enqueue calls at any time; a single mutex
// guards all state.
type Queue struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
	config *QueueConfig
	state  *QueueState
	ops    map[string]*Operation
	now    func() time.Time
}

// NewQueue loads previously persisted state from the store and returns a
// ready queue. Operations left in `processing` by a crash are reverted to
// `pending`, except those a pending conflict still references: the conflict
// owns them until resolved or ignored, and reverting would let the next
// drain re-submit and register a duplicate conflict.
func NewQueue(ctx context.Context, store Store, config *QueueConfig, logger *slog.Logger) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultQueueConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue state: %w", err)
	}
	if state == nil {
		state = &QueueState{}
	}

	q := &Queue{
		store:  store,
		logger: logger,
		config: config,
		state:  state,
		ops:    make(map[string]*Operation, len(state.Operations)),
		now:    time.Now,
	}

	conflicted := make(map[string]bool, len(state.Conflicts))
	for _, c := range state.Conflicts {
		if c.Status == ConflictPending {
			conflicted[c.OperationID] = true
		}
	}

	recovered := 0
	for _, op := range state.Operations {
		q.ops[op.ID] = op
		if op.Status == StatusProcessing && !conflicted[op.ID] {
			op.Status = StatusPending
			op.UpdatedAt = q.now()
			recovered++
		}
	}
	if recovered > 0 {
		q.logger.Warn("Recovered in-flight operations after restart", "count", recovered)
		if err := q.persistLocked(ctx); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// Enqueue validates and appends a new operation with status pending.
// A missing ID is assigned; a missing priority defaults to medium; a missing
// MaxAttempts defaults from the queue config. Fails with ErrValidation when
// resource identity is missing or a dependency id is unknown, and with
// ErrDependencyCycle when dependencies reference the operation itself or
// form a cycle.
func (q *Queue) Enqueue(ctx context.Context, op *Operation) (*Operation, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: operation cannot be nil", ErrValidation)
	}
	switch op.Type {
	case OpCreate, OpUpdate, OpDelete, OpSync:
	default:
		return nil, fmt.Errorf("%w: invalid operation type %q", ErrValidation, op.Type)
	}
	if op.ResourceType == "" {
		return nil, fmt.Errorf("%w: resource_type is required", ErrValidation)
	}
	if op.ResourceID == "" {
		return nil, fmt.Errorf("%w: resource_id is required", ErrValidation)
	}
	if op.Priority == "" {
		op.Priority = PriorityMedium
	}
	if _, ok := priorityRank[op.Priority]; !ok {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrValidation, op.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.New().String()
	} else if _, exists := q.ops[op.ID]; exists {
		return nil, fmt.Errorf("%w: duplicate operation id %s", ErrValidation, op.ID)
	}

	for _, dep := range op.Dependencies {
		if dep == op.ID {
			return nil, fmt.Errorf("%w: operation %s depends on itself", ErrDependencyCycle, op.ID)
		}
		if _, ok := q.ops[dep]; !ok {
			return nil, fmt.Errorf("%w: unknown dependency id %s", ErrValidation, dep)
		}
	}
	if q.hasCycleLocked(op) {
		return nil, fmt.Errorf("%w: dependencies of operation %s form a cycle", ErrDependencyCycle, op.ID)
	}

	now := q.now()
	op.Status = StatusPending
	op.Attempts = 0
	op.CreatedAt = now
	op.UpdatedAt = now
	op.ScheduledAt = nil
	op.CompletedAt = nil
	op.Error = ""
	op.EstimatedSize = int64(len(op.Payload) + len(op.BaseData))
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.config.DefaultMaxAttempts
	}
	op.Seq = q.state.NextSeq
	q.state.NextSeq++

	// The queue keeps its own copy so a caller that goes on mutating the
	// passed-in struct cannot race with the queue's mutations.
	stored := op.Clone()
	q.state.Operations = append(q.state.Operations, stored)
	q.ops[stored.ID] = stored

	if err := q.persistLocked(ctx); err != nil {
		// Roll back the in-memory append so state matches the store.
		q.state.Operations = q.state.Operations[:len(q.state.Operations)-1]
		delete(q.ops, stored.ID)
		return nil, err
	}
	return stored.Clone(), nil
}

// hasCycleLocked walks the dependency graph from the candidate operation.
// The graph is small (a client-side queue), so a plain DFS is fine.
func (q *Queue) hasCycleLocked(candidate *Operation) bool {
	visited := map[string]bool{}
	var visit func(id string) bool
	visit = func(id string) bool {
		if id == candidate.ID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		dep, ok := q.ops[id]
		if !ok {
			return false
		}
		for _, next := range dep.Dependencies {
			if visit(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range candidate.Dependencies {
		if visit(dep) {
			return true
		}
	}
	return false
}

// DequeueNext returns the highest-priority pending operation whose
// dependencies are all completed and whose ScheduledAt (if set) has passed.
// Ties break by earliest CreatedAt, then by enqueue order, so the ordering
// is stable and deterministic. Returns (nil, nil) when nothing is eligible;
// that is the caller's "nothing to do" signal, not an error.
func (q *Queue) DequeueNext(_ context.Context) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *Operation
	for _, op := range q.state.Operations {
		if op.Status != StatusPending {
			continue
		}
		if op.ScheduledAt != nil && op.ScheduledAt.After(now) {
			continue
		}
		if !q.dependenciesSatisfiedLocked(op) {
			continue
		}
		if best == nil || q.ordersBefore(op, best) {
			best = op
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

func (q *Queue) dependenciesSatisfiedLocked(op *Operation) bool {
	for _, dep := range op.Dependencies {
		d, ok := q.ops[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (q *Queue) ordersBefore(a, b *Operation) bool {
	if priorityRank[a.Priority] != priorityRank[b.Priority] {
		return priorityRank[a.Priority] > priorityRank[b.Priority]
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// MarkProcessing transitions an operation from pending to processing.
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if op.Status != StatusPending {
		return fmt.Errorf("%w: cannot mark %s operation %s as processing", ErrInvalidState, op.Status, id)
	}
	op.Status = StatusProcessing
	op.UpdatedAt = q.now()
	return q.persistLocked(ctx)
}

// MarkCompleted transitions an operation to completed and stamps CompletedAt.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.markCompletedLocked(ctx, id, true)
}

func (q *Queue) markCompletedLocked(ctx context.Context, id string, persist bool) error {
	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if op.terminal() {
		return fmt.Errorf("%w: cannot complete %s operation %s", ErrInvalidState, op.Status, id)
	}
	now := q.now()
	op.Status = StatusCompleted
	op.UpdatedAt = now
	op.CompletedAt = &now
	op.ScheduledAt = nil
	op.Error = ""
	q.state.CompletedTotal++
	if persist {
		return q.persistLocked(ctx)
	}
	return nil
}

// MarkFailed records a transient failure. Attempts is incremented; when the
// bound is reached the operation becomes terminally failed, otherwise it
// returns to pending with an exponential-backoff ScheduledAt.
func (q *Queue) MarkFailed(ctx context.Context, id string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if op.terminal() {
		return fmt.Errorf("%w: cannot fail %s operation %s", ErrInvalidState, op.Status, id)
	}

	op.Attempts++
	op.Error = errMsg
	op.UpdatedAt = q.now()

	if op.Attempts >= op.MaxAttempts {
		op.Status = StatusFailed
		op.ScheduledAt = nil
		q.state.FailedTotal++
		q.logger.Warn("Operation exhausted retry budget",
			"id", id, "resource", op.ResourceType+"/"+op.ResourceID, "attempts", op.Attempts, "error", errMsg)
	} else {
		delay := q.backoffDelay(op.Attempts)
		at := q.now().Add(delay)
		op.Status = StatusPending
		op.ScheduledAt = &at
	}
	return q.persistLocked(ctx)
}

// MarkRejected records a terminal server rejection. Unlike MarkFailed the
// operation never returns to pending regardless of remaining attempts; a
// rejection is not transient.
func (q *Queue) MarkRejected(ctx context.Context, id string, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if op.terminal() {
		return fmt.Errorf("%w: cannot reject %s operation %s", ErrInvalidState, op.Status, id)
	}
	if op.Attempts < op.MaxAttempts {
		op.Attempts++
	}
	op.Status = StatusFailed
	op.Error = errMsg
	op.ScheduledAt = nil
	op.UpdatedAt = q.now()
	q.state.FailedTotal++
	return q.persistLocked(ctx)
}

// ReturnToPending reverts an in-flight operation to pending without
// consuming an attempt. Used when connectivity drops mid-drain or the sync
// run is cancelled: the operation was never judged by the server.
func (q *Queue) ReturnToPending(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if op.Status != StatusProcessing {
		return fmt.Errorf("%w: cannot return %s operation %s to pending", ErrInvalidState, op.Status, id)
	}
	op.Status = StatusPending
	op.ScheduledAt = nil
	op.UpdatedAt = q.now()
	return q.persistLocked(ctx)
}

// Requeue puts an in-flight operation back to pending with a new payload and
// base snapshot. Used by conflict resolution when the merged result must be
// re-submitted: advancing the base to the server's current state makes the
// next submit an intentional overwrite.
func (q *Queue) Requeue(ctx context.Context, id string, payload, base []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeueLocked(ctx, id, payload, base, true)
}

func (q *Queue) requeueLocked(ctx context.Context, id string, payload, base []byte, persist bool) error {
	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if op.Status != StatusProcessing {
		return fmt.Errorf("%w: cannot requeue %s operation %s", ErrInvalidState, op.Status, id)
	}
	if payload != nil {
		op.Payload = append([]byte(nil), payload...)
	}
	if base != nil {
		op.BaseData = append([]byte(nil), base...)
	}
	op.EstimatedSize = int64(len(op.Payload) + len(op.BaseData))
	op.Status = StatusPending
	op.ScheduledAt = nil
	op.UpdatedAt = q.now()
	if persist {
		return q.persistLocked(ctx)
	}
	return nil
}

// Cancel transitions a pending or processing operation to cancelled and
// cascades to every operation that depends on it, directly or transitively:
// a dependency that will never complete makes its dependents undequeuable.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if op.Status != StatusPending && op.Status != StatusProcessing {
		return fmt.Errorf("%w: cannot cancel %s operation %s", ErrInvalidState, op.Status, id)
	}

	cancelled := map[string]bool{}
	q.cancelTreeLocked(id, cancelled)
	return q.persistLocked(ctx)
}

func (q *Queue) cancelTreeLocked(id string, seen map[string]bool) {
	if seen[id] {
		return
	}
	seen[id] = true

	op := q.ops[id]
	if op.Status == StatusPending || op.Status == StatusProcessing {
		op.Status = StatusCancelled
		op.ScheduledAt = nil
		op.UpdatedAt = q.now()
	}
	for _, other := range q.state.Operations {
		for _, dep := range other.Dependencies {
			if dep == id {
				q.cancelTreeLocked(other.ID, seen)
				break
			}
		}
	}
}

// Retry resets a terminally failed operation for another round of attempts.
// This is the only path back from failed; the engine never retries a failed
// operation on its own.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if op.Status != StatusFailed {
		return fmt.Errorf("%w: cannot retry %s operation %s", ErrInvalidState, op.Status, id)
	}
	op.Status = StatusPending
	op.Attempts = 0
	op.Error = ""
	op.ScheduledAt = nil
	op.UpdatedAt = q.now()
	return q.persistLocked(ctx)
}

// ClearCompleted purges completed operations older than the retention window.
func (q *Queue) ClearCompleted(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.config.CompletedRetention)
	kept := make([]*Operation, 0, len(q.state.Operations))
	var purged []*Operation
	for _, op := range q.state.Operations {
		if op.Status == StatusCompleted && op.CompletedAt != nil && op.CompletedAt.Before(cutoff) {
			purged = append(purged, op)
			continue
		}
		kept = append(kept, op)
	}
	if len(purged) == 0 {
		return 0, nil
	}

	prev := q.state.Operations
	q.state.Operations = kept
	for _, op := range purged {
		delete(q.ops, op.ID)
	}
	if err := q.persistLocked(ctx); err != nil {
		// Roll back the purge so state matches the store.
		q.state.Operations = prev
		for _, op := range purged {
			q.ops[op.ID] = op
		}
		return 0, err
	}
	return len(purged), nil
}

// Get returns a copy of one operation.
func (q *Queue) Get(id string) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return op.Clone(), nil
}

// List returns copies of all operations in enqueue order.
func (q *Queue) List() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Operation, 0, len(q.state.Operations))
	for _, op := range q.state.Operations {
		out = append(out, op.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// QueueCounts is a point-in-time tally of operations by status.
type QueueCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
	Conflicts  int
	SizeBytes  int64
}

// Counts tallies the current queue composition for telemetry.
func (q *Queue) Counts() QueueCounts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c QueueCounts
	for _, op := range q.state.Operations {
		switch op.Status {
		case StatusPending:
			c.Pending++
			c.SizeBytes += op.EstimatedSize
		case StatusProcessing:
			c.Processing++
			c.SizeBytes += op.EstimatedSize
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	for _, cf := range q.state.Conflicts {
		if cf.Status == ConflictPending {
			c.Conflicts++
		}
	}
	return c
}

// Totals returns the rolling counters that survive across sync runs.
func (q *Queue) Totals() (completed, failed, processingMillis, latencyMillis, latencySamples int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.CompletedTotal, q.state.FailedTotal,
		q.state.ProcessingMillisTotal, q.state.LatencyMillisTotal, q.state.LatencySamples
}

// RecordTimings folds one operation's processing duration and transport
// latency into the rolling counters.
func (q *Queue) RecordTimings(ctx context.Context, processing, latency time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state.ProcessingMillisTotal += processing.Milliseconds()
	q.state.LatencyMillisTotal += latency.Milliseconds()
	q.state.LatencySamples++
	return q.persistLocked(ctx)
}

func (q *Queue) backoffDelay(attempts int) time.Duration {
	delay := q.config.BackoffMin
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.config.BackoffMax {
			return q.config.BackoffMax
		}
	}
	if delay > q.config.BackoffMax {
		return q.config.BackoffMax
	}
	return delay
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if err := q.store.Persist(ctx, q.state); err != nil {
		return fmt.Errorf("failed to persist queue state: %w", err)
	}
	return nil
}
