// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// EngineConfig holds tunables for the sync engine.
type EngineConfig struct {
	SubmitTimeout time.Duration // per-attempt transmission bound
	BackoffMin    time.Duration // background loop: first delay after a failed drain
	BackoffMax    time.Duration // background loop: delay cap
	DrainInterval time.Duration // background loop: pause between successful drains
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		SubmitTimeout: 30 * time.Second,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		DrainInterval: 2 * time.Second,
	}
}

// Engine drives the operation queue when connectivity is available: it
// dequeues by priority and dependency order, transmits each operation over
// the transport boundary, applies the verdict, and keeps telemetry current.
//
// The engine is the composition root's single handle on the sync subsystem.
// It exposes the full command surface (enqueue, cancel, retry, resolve,
// metrics) so applications depend on one injected instance instead of a
// global singleton.
type Engine struct {
	Detector *Detector
	Resolver *Resolver
	Reporter *Reporter

	queue     *Queue
	transport Transport
	config    *EngineConfig
	logger    *slog.Logger
	rules     *MergeRuleSet

	// Single-drain guard and connectivity switch (atomic).
	draining int32
	online   int32
}

// NewEngine wires an engine over a queue and transport with default
// detector, resolver and reporter components sharing one merge rule set.
// The engine starts offline; call SetOnline(true) once connectivity is
// established.
func NewEngine(queue *Queue, transport Transport, config *EngineConfig, logger *slog.Logger) (*Engine, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultEngineConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rules := NewMergeRuleSet()
	return &Engine{
		Detector:  NewDetector(DefaultSeverityPolicy(), rules, queue, logger),
		Resolver:  NewResolver(queue, rules, logger),
		Reporter:  NewReporter(queue, logger),
		queue:     queue,
		transport: transport,
		config:    config,
		logger:    logger,
		rules:     rules,
	}, nil
}

// Queue returns the underlying operation queue.
func (e *Engine) Queue() *Queue { return e.queue }

// MergeRules returns the rule set shared by the detector and resolver.
// Register domain rules on it before the first drain.
func (e *Engine) MergeRules() *MergeRuleSet { return e.rules }

// SetOnline flips the connectivity switch. Going offline halts the current
// drain at the next suspension point; the in-flight operation reverts to
// pending.
func (e *Engine) SetOnline(online bool) {
	var v int32
	if online {
		v = 1
	}
	atomic.StoreInt32(&e.online, v)
	e.Reporter.SetOnline(online)
}

// Online reports the connectivity switch.
func (e *Engine) Online() bool { return atomic.LoadInt32(&e.online) == 1 }

// Draining reports whether a sync run is currently in progress.
func (e *Engine) Draining() bool { return atomic.LoadInt32(&e.draining) == 1 }

// StartSync performs a single drain of the queue. It is idempotent: a call
// while a drain is already running is a no-op. The drain halts when the
// queue has nothing eligible, connectivity is lost, or ctx is cancelled;
// in the latter two cases any in-flight operation reverts to pending so no
// operation is left processing without an owner.
func (e *Engine) StartSync(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.draining, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.draining, 0)
	defer e.Reporter.Publish(context.WithoutCancel(ctx))

	for {
		if ctx.Err() != nil || !e.Online() {
			return nil
		}

		op, err := e.queue.DequeueNext(ctx)
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}

		if err := e.queue.MarkProcessing(ctx, op.ID); err != nil {
			return err
		}
		if err := e.processOne(ctx, op); err != nil {
			return err
		}
		e.Reporter.Publish(context.WithoutCancel(ctx))
	}
}

// processOne transmits a single in-flight operation and applies the verdict.
func (e *Engine) processOne(ctx context.Context, op *Operation) error {
	start := time.Now()

	submitCtx, cancel := context.WithTimeout(ctx, e.config.SubmitTimeout)
	result, err := e.transport.Submit(submitCtx, op)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		// The run being cancelled or connectivity dropping is not the
		// operation's failure: it was never judged by the server.
		if ctx.Err() != nil || !e.Online() {
			revertCtx := context.WithoutCancel(ctx)
			if rerr := e.queue.ReturnToPending(revertCtx, op.ID); rerr != nil {
				e.logger.Error("Failed to revert in-flight operation", "id", op.ID, "error", rerr)
			}
			return nil
		}
		// Timeout or network failure: transient, consumes one attempt.
		e.logger.Warn("Transient transport failure",
			"id", op.ID, "resource", op.ResourceType+"/"+op.ResourceID,
			"attempt", op.Attempts+1, "error", err)
		return e.queue.MarkFailed(ctx, op.ID, fmt.Sprintf("%v: %v", ErrTransientTransport, err))
	}

	switch result.Status {
	case StAccepted:
		if err := e.queue.MarkCompleted(ctx, op.ID); err != nil {
			return err
		}
		return e.queue.RecordTimings(ctx, elapsed, elapsed)

	case StConflict:
		return e.handleConflict(ctx, op, result.ServerData)

	case StRejected:
		e.logger.Warn("Operation rejected by server",
			"id", op.ID, "resource", op.ResourceType+"/"+op.ResourceID, "message", result.Message)
		return e.queue.MarkRejected(ctx, op.ID, fmt.Sprintf("%v: %s", ErrRejectedByServer, result.Message))

	default:
		return e.queue.MarkFailed(ctx, op.ID, fmt.Sprintf("unknown submit status %q", result.Status))
	}
}

// handleConflict runs detection against the server's snapshot. When every
// divergence is one-sided the engine applies the merged state and completes
// the operation directly; otherwise the conflict is recorded and the
// operation stays processing until resolved.
func (e *Engine) handleConflict(ctx context.Context, op *Operation, serverData json.RawMessage) error {
	detection, err := e.Detector.Detect(op, serverData)
	if err != nil {
		return e.queue.MarkFailed(ctx, op.ID, fmt.Sprintf("conflict detection failed: %v", err))
	}

	if detection.Conflict == nil {
		// Fast path: no field conflicts with the remote edit.
		if e.Resolver.ApplyLocal != nil {
			if err := e.Resolver.ApplyLocal(ctx, op.ResourceType, op.ResourceID, detection.Merged); err != nil {
				return e.queue.MarkFailed(ctx, op.ID, fmt.Sprintf("failed to apply merged state: %v", err))
			}
		}
		return e.queue.MarkCompleted(ctx, op.ID)
	}

	if _, err := e.queue.AddConflict(ctx, detection.Conflict); err != nil {
		return err
	}
	return nil
}

// Start runs background drains until ctx is cancelled, backing off
// exponentially after failed drains.
func (e *Engine) Start(ctx context.Context) {
	go e.drainLoop(ctx)
}

func (e *Engine) drainLoop(ctx context.Context) {
	backoff := e.config.BackoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		if !e.Online() {
			if err := sleepWithContext(ctx, e.config.DrainInterval); err != nil {
				return
			}
			continue
		}

		if err := e.StartSync(ctx); err != nil {
			e.logger.Warn("Sync drain failed", "error", err, "backoff", backoff)
			if serr := sleepWithContext(ctx, backoff); serr != nil {
				return
			}
			backoff *= 2
			if backoff > e.config.BackoffMax {
				backoff = e.config.BackoffMax
			}
			continue
		}

		backoff = e.config.BackoffMin
		if err := sleepWithContext(ctx, e.config.DrainInterval); err != nil {
			return
		}
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

// Command surface for UI/telemetry consumers.

// Enqueue adds a local mutation to the queue and publishes fresh metrics.
func (e *Engine) Enqueue(ctx context.Context, op *Operation) (*Operation, error) {
	out, err := e.queue.Enqueue(ctx, op)
	if err != nil {
		return nil, err
	}
	e.Reporter.Publish(ctx)
	return out, nil
}

// CancelOperation cancels a pending or in-flight operation.
func (e *Engine) CancelOperation(ctx context.Context, id string) error {
	if err := e.queue.Cancel(ctx, id); err != nil {
		return err
	}
	e.Reporter.Publish(ctx)
	return nil
}

// RetryOperation resets a terminally failed operation for another round.
func (e *Engine) RetryOperation(ctx context.Context, id string) error {
	if err := e.queue.Retry(ctx, id); err != nil {
		return err
	}
	e.Reporter.Publish(ctx)
	return nil
}

// Resolve applies one strategy to one pending conflict.
func (e *Engine) Resolve(ctx context.Context, conflictID, strategy string, opts ResolveOptions) error {
	if err := e.Resolver.Resolve(ctx, conflictID, strategy, opts); err != nil {
		return err
	}
	e.Reporter.Publish(ctx)
	return nil
}

// ResolveAll applies one strategy across all matching pending conflicts.
func (e *Engine) ResolveAll(ctx context.Context, strategy string, filter ConflictFilter, opts ResolveOptions) (*BatchResult, error) {
	result, err := e.Resolver.ResolveAll(ctx, strategy, filter, opts)
	if err != nil {
		return nil, err
	}
	e.Reporter.Publish(ctx)
	return result, nil
}

// ApplyTemplate resolves matching conflicts with a stored template.
func (e *Engine) ApplyTemplate(ctx context.Context, templateID string, conflictIDs []string) (*BatchResult, error) {
	result, err := e.Resolver.ApplyTemplate(ctx, templateID, conflictIDs)
	if err != nil {
		return nil, err
	}
	e.Reporter.Publish(ctx)
	return result, nil
}

// PendingConflicts lists unresolved conflicts for UI consumers.
func (e *Engine) PendingConflicts() []*Conflict {
	return e.queue.PendingConflicts()
}

// Metrics returns a point-in-time telemetry snapshot.
func (e *Engine) Metrics() Metrics {
	return e.Reporter.Snapshot()
}
