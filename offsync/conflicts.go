// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Conflict registry. Conflicts, templates and the resolution audit trail
// live on the Queue because they share its durable state: a detected
// conflict must survive a restart together with the operation it blocks.

// AddConflict registers a newly detected conflict with status pending.
func (q *Queue) AddConflict(ctx context.Context, c *Conflict) (*Conflict, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: conflict cannot be nil", ErrValidation)
	}
	if c.OperationID == "" {
		return nil, fmt.Errorf("%w: conflict must reference an operation", ErrValidation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ops[c.OperationID]; !ok {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, c.OperationID)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = ConflictPending
	if c.DetectedAt.IsZero() {
		c.DetectedAt = q.now()
	}

	q.state.Conflicts = append(q.state.Conflicts, c)
	if err := q.persistLocked(ctx); err != nil {
		q.state.Conflicts = q.state.Conflicts[:len(q.state.Conflicts)-1]
		return nil, err
	}
	return c.Clone(), nil
}

// GetConflict returns a copy of one conflict.
func (q *Queue) GetConflict(id string) (*Conflict, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := q.findConflictLocked(id)
	if c == nil {
		return nil, fmt.Errorf("%w: conflict %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// PendingConflicts returns copies of all unresolved conflicts.
func (q *Queue) PendingConflicts() []*Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Conflict
	for _, c := range q.state.Conflicts {
		if c.Status == ConflictPending {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (q *Queue) findConflictLocked(id string) *Conflict {
	for _, c := range q.state.Conflicts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ResolutionOutcome describes how a resolved conflict feeds back into the
// queue: either the originating operation completes, or it is re-queued
// with a merged payload and an advanced base snapshot.
type ResolutionOutcome struct {
	Strategy      string
	TemplateID    string
	ResolvedBy    string
	MergedPayload json.RawMessage
	NewBase       json.RawMessage
	Requeue       bool // true: re-submit merged payload; false: complete the operation
}

// CommitResolution atomically applies a resolution decision: it re-checks
// under the lock that the conflict is still pending and its operation still
// in-flight, then updates both and appends the audit entry in one persisted
// step. Fails with ErrStaleConflict when the operation was cancelled or
// completed between the resolver's read and this write.
func (q *Queue) CommitResolution(ctx context.Context, conflictID string, outcome ResolutionOutcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := q.findConflictLocked(conflictID)
	if c == nil {
		return fmt.Errorf("%w: conflict %s", ErrNotFound, conflictID)
	}
	if c.Status != ConflictPending {
		return fmt.Errorf("%w: conflict %s is already %s", ErrStaleConflict, conflictID, c.Status)
	}
	op, ok := q.ops[c.OperationID]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, c.OperationID)
	}
	if op.Status != StatusProcessing {
		return fmt.Errorf("%w: operation %s is %s, expected processing", ErrStaleConflict, op.ID, op.Status)
	}

	if outcome.Requeue {
		if err := q.requeueLocked(ctx, op.ID, outcome.MergedPayload, outcome.NewBase, false); err != nil {
			return err
		}
	} else {
		if err := q.markCompletedLocked(ctx, op.ID, false); err != nil {
			return err
		}
	}

	now := q.now()
	c.Status = ConflictResolved
	c.ResolvedAt = &now
	c.ResolvedBy = outcome.ResolvedBy

	q.state.History = append(q.state.History, &ConflictHistoryEntry{
		ID:            uuid.New().String(),
		ConflictID:    c.ID,
		OperationID:   c.OperationID,
		ResourceType:  c.ResourceType,
		ResourceID:    c.ResourceID,
		Strategy:      outcome.Strategy,
		TemplateID:    outcome.TemplateID,
		MergedPayload: outcome.MergedPayload,
		ResolvedBy:    outcome.ResolvedBy,
		ResolvedAt:    now,
	})

	return q.persistLocked(ctx)
}

// IgnoreConflict marks a conflict ignored and returns its operation to
// pending. The next drain will re-submit and most likely re-detect, which
// is the point: ignoring defers the decision without dropping user data.
func (q *Queue) IgnoreConflict(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := q.findConflictLocked(id)
	if c == nil {
		return fmt.Errorf("%w: conflict %s", ErrNotFound, id)
	}
	if c.Status != ConflictPending {
		return fmt.Errorf("%w: conflict %s is already %s", ErrStaleConflict, id, c.Status)
	}
	op, ok := q.ops[c.OperationID]
	if ok && op.Status == StatusProcessing {
		op.Status = StatusPending
		op.UpdatedAt = q.now()
	}
	c.Status = ConflictIgnored
	return q.persistLocked(ctx)
}

// History returns a copy of the append-only resolution audit trail.
func (q *Queue) History() []*ConflictHistoryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*ConflictHistoryEntry, 0, len(q.state.History))
	for _, h := range q.state.History {
		dup := *h
		out = append(out, &dup)
	}
	return out
}

// AddTemplate registers a reusable resolution template.
func (q *Queue) AddTemplate(ctx context.Context, t *ConflictTemplate) (*ConflictTemplate, error) {
	if t == nil || t.Name == "" {
		return nil, fmt.Errorf("%w: template requires a name", ErrValidation)
	}
	switch t.Strategy {
	case StrategyLocal, StrategyRemote, StrategyMerge:
	default:
		return nil, fmt.Errorf("%w: invalid template strategy %q", ErrValidation, t.Strategy)
	}
	if t.ResourceType == "" {
		t.ResourceType = TemplateResourceAll
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	q.state.Templates = append(q.state.Templates, t)
	if err := q.persistLocked(ctx); err != nil {
		q.state.Templates = q.state.Templates[:len(q.state.Templates)-1]
		return nil, err
	}
	dup := *t
	return &dup, nil
}

// GetTemplate returns a copy of one template.
func (q *Queue) GetTemplate(id string) (*ConflictTemplate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.state.Templates {
		if t.ID == id {
			dup := *t
			return &dup, nil
		}
	}
	return nil, fmt.Errorf("%w: template %s", ErrNotFound, id)
}

// Templates returns copies of all registered templates.
func (q *Queue) Templates() []*ConflictTemplate {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*ConflictTemplate, 0, len(q.state.Templates))
	for _, t := range q.state.Templates {
		dup := *t
		out = append(out, &dup)
	}
	return out
}

// RecordTemplateOutcome folds one application outcome into the template's
// usage count and rolling success rate.
func (q *Queue) RecordTemplateOutcome(ctx context.Context, id string, success bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.state.Templates {
		if t.ID != id {
			continue
		}
		t.UsageCount++
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		n := float64(t.UsageCount)
		t.SuccessRate = (t.SuccessRate*(n-1) + outcome) / n
		return q.persistLocked(ctx)
	}
	return fmt.Errorf("%w: template %s", ErrNotFound, id)
}
