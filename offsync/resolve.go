// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ApplyLocalFunc materializes a server-side or merged snapshot into the
// application's local storage. Optional; a nil hook means the application
// reads resolved state back through its own channels.
type ApplyLocalFunc func(ctx context.Context, resourceType, resourceID string, payload json.RawMessage) error

// Resolver applies chosen or automatic resolutions to pending conflicts and
// feeds the result back into the queue. It operates on a snapshot of the
// conflict; the queue's commit step re-validates under its lock and fails
// with ErrStaleConflict when the underlying operation moved concurrently.
type Resolver struct {
	queue  *Queue
	rules  *MergeRuleSet
	logger *slog.Logger

	// ApplyLocal is invoked with the winning snapshot whenever a resolution
	// changes local state (remote and merge strategies).
	ApplyLocal ApplyLocalFunc
}

// NewResolver creates a resolver sharing the detector's merge rule set.
func NewResolver(queue *Queue, rules *MergeRuleSet, logger *slog.Logger) *Resolver {
	if rules == nil {
		rules = NewMergeRuleSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{queue: queue, rules: rules, logger: logger}
}

// ResolveOptions carries the optional inputs of a resolution.
type ResolveOptions struct {
	ResolvedBy    string          // audit identity, defaults to "auto"
	CustomPayload json.RawMessage // required for StrategyCustom
	TemplateID    string          // set when driven by ApplyTemplate
}

// Resolve applies one strategy to one pending conflict.
//
//   - local: re-queue the operation with its local payload unchanged and the
//     base advanced to the server state, forcing an overwrite on re-submit.
//   - remote: complete the operation and apply the server data locally.
//   - merge: three-way auto-merge; every still-conflicting field must have a
//     deterministic rule, otherwise ErrManualResolution.
//   - custom: the caller-supplied payload must cover all conflict fields.
func (r *Resolver) Resolve(ctx context.Context, conflictID, strategy string, opts ResolveOptions) error {
	c, err := r.queue.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if c.Status != ConflictPending {
		return fmt.Errorf("%w: conflict %s is already %s", ErrStaleConflict, conflictID, c.Status)
	}

	resolvedBy := opts.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = "auto"
	}
	outcome := ResolutionOutcome{
		Strategy:   strategy,
		TemplateID: opts.TemplateID,
		ResolvedBy: resolvedBy,
	}

	switch strategy {
	case StrategyLocal:
		outcome.Requeue = true
		outcome.MergedPayload = c.LocalData
		outcome.NewBase = c.RemoteData

	case StrategyRemote:
		if err := r.applyLocal(ctx, c, c.RemoteData); err != nil {
			return err
		}
		outcome.MergedPayload = c.RemoteData

	case StrategyMerge:
		merged, err := r.autoMerge(c)
		if err != nil {
			return err
		}
		if err := r.applyLocal(ctx, c, merged); err != nil {
			return err
		}
		outcome.Requeue = true
		outcome.MergedPayload = merged
		outcome.NewBase = c.RemoteData

	case StrategyCustom:
		if err := validateCustomPayload(c, opts.CustomPayload); err != nil {
			return err
		}
		if err := r.applyLocal(ctx, c, opts.CustomPayload); err != nil {
			return err
		}
		outcome.Requeue = true
		outcome.MergedPayload = opts.CustomPayload
		outcome.NewBase = c.RemoteData

	default:
		return fmt.Errorf("%w: unknown resolution strategy %q", ErrValidation, strategy)
	}

	if err := r.queue.CommitResolution(ctx, conflictID, outcome); err != nil {
		return err
	}
	r.logger.Info("Resolved conflict",
		"conflict", conflictID, "strategy", strategy,
		"resource", c.ResourceType+"/"+c.ResourceID, "resolved_by", resolvedBy)
	return nil
}

// autoMerge runs the three-way merge and demands a deterministic rule for
// every still-conflicting field.
func (r *Resolver) autoMerge(c *Conflict) (json.RawMessage, error) {
	base, err := decodeObject(c.BaseData)
	if err != nil {
		return nil, err
	}
	local, err := decodeObject(c.LocalData)
	if err != nil {
		return nil, err
	}
	remote, err := decodeObject(c.RemoteData)
	if err != nil {
		return nil, err
	}

	merged, unresolved := mergeThreeWay(base, local, remote, c.ConflictFields, c.ResourceType, r.rules)
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("%w: no deterministic rule for fields %v", ErrManualResolution, unresolved)
	}
	return encodeObject(merged)
}

func (r *Resolver) applyLocal(ctx context.Context, c *Conflict, payload json.RawMessage) error {
	if r.ApplyLocal == nil {
		return nil
	}
	if err := r.ApplyLocal(ctx, c.ResourceType, c.ResourceID, payload); err != nil {
		return fmt.Errorf("failed to apply resolved data locally: %w", err)
	}
	return nil
}

// validateCustomPayload demands that a custom merge decides every
// conflicting field.
func validateCustomPayload(c *Conflict, payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: custom strategy requires a merged payload", ErrValidation)
	}
	fields, err := decodeObject(payload)
	if err != nil {
		return err
	}
	var missing []string
	for _, f := range c.ConflictFields {
		if _, ok := fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: custom payload does not cover conflict fields %v", ErrValidation, missing)
	}
	return nil
}

// ConflictFilter narrows a batch resolution to matching conflicts. Zero
// values match everything.
type ConflictFilter struct {
	ResourceType string
	ConflictType string
	Severity     string
}

func (f ConflictFilter) matches(c *Conflict) bool {
	if f.ResourceType != "" && f.ResourceType != c.ResourceType {
		return false
	}
	if f.ConflictType != "" && f.ConflictType != c.ConflictType {
		return false
	}
	if f.Severity != "" && f.Severity != c.Severity {
		return false
	}
	return true
}

// BatchResult reports the partial success of a batch resolution. Conflicts
// that needed manual input are listed separately from hard failures.
type BatchResult struct {
	Resolved       []string
	ManualRequired []string
	Failed         map[string]error
}

// ResolveAll applies one strategy across all pending conflicts matching the
// filter. Each conflict is processed independently: one failure never
// aborts the rest.
func (r *Resolver) ResolveAll(ctx context.Context, strategy string, filter ConflictFilter, opts ResolveOptions) (*BatchResult, error) {
	switch strategy {
	case StrategyLocal, StrategyRemote, StrategyMerge:
	default:
		return nil, fmt.Errorf("%w: batch resolution does not support strategy %q", ErrValidation, strategy)
	}

	result := &BatchResult{Failed: map[string]error{}}
	for _, c := range r.queue.PendingConflicts() {
		if !filter.matches(c) {
			continue
		}
		err := r.Resolve(ctx, c.ID, strategy, opts)
		switch {
		case err == nil:
			result.Resolved = append(result.Resolved, c.ID)
		case isManualResolution(err):
			result.ManualRequired = append(result.ManualRequired, c.ID)
		default:
			result.Failed[c.ID] = err
		}
	}
	return result, nil
}

// ApplyTemplate resolves the given conflicts (all pending ones when ids is
// empty) with the template's strategy, skipping conflicts the template does
// not match. Each application updates the template's usage statistics.
func (r *Resolver) ApplyTemplate(ctx context.Context, templateID string, conflictIDs []string) (*BatchResult, error) {
	tmpl, err := r.queue.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}

	var candidates []*Conflict
	if len(conflictIDs) == 0 {
		candidates = r.queue.PendingConflicts()
	} else {
		for _, id := range conflictIDs {
			c, err := r.queue.GetConflict(id)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, c)
		}
	}

	result := &BatchResult{Failed: map[string]error{}}
	for _, c := range candidates {
		ok, err := tmpl.Matches(c)
		if err != nil {
			result.Failed[c.ID] = err
			continue
		}
		if !ok {
			continue
		}

		err = r.Resolve(ctx, c.ID, tmpl.Strategy, ResolveOptions{
			ResolvedBy: "template:" + tmpl.Name,
			TemplateID: tmpl.ID,
		})
		success := err == nil
		switch {
		case success:
			result.Resolved = append(result.Resolved, c.ID)
		case isManualResolution(err):
			result.ManualRequired = append(result.ManualRequired, c.ID)
		default:
			result.Failed[c.ID] = err
		}
		if recErr := r.queue.RecordTemplateOutcome(ctx, tmpl.ID, success); recErr != nil {
			r.logger.Warn("Failed to record template outcome", "template", tmpl.ID, "error", recErr)
		}
	}
	return result, nil
}
