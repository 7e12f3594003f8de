// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// SeverityPolicy derives a conflict's severity from which fields diverged.
// Field rules can be registered per resource type or under "all"; the most
// severe matching field wins. Unknown fields get the default severity.
type SeverityPolicy struct {
	fields          map[string]map[string]string // resourceType -> field -> severity
	defaultSeverity string
}

// NewSeverityPolicy creates a policy with the given default severity.
func NewSeverityPolicy(defaultSeverity string) *SeverityPolicy {
	if _, ok := severityRank[defaultSeverity]; !ok {
		defaultSeverity = SeverityMedium
	}
	return &SeverityPolicy{
		fields:          make(map[string]map[string]string),
		defaultSeverity: defaultSeverity,
	}
}

// SetFieldSeverity registers a severity for one field of one resource type
// (or "all").
func (p *SeverityPolicy) SetFieldSeverity(resourceType, field, severity string) {
	if p.fields[resourceType] == nil {
		p.fields[resourceType] = make(map[string]string)
	}
	p.fields[resourceType][field] = severity
}

// FieldSeverity resolves the severity of one conflicting field.
func (p *SeverityPolicy) FieldSeverity(resourceType, field string) string {
	if byField, ok := p.fields[resourceType]; ok {
		if sev, ok := byField[field]; ok {
			return sev
		}
	}
	if byField, ok := p.fields[TemplateResourceAll]; ok {
		if sev, ok := byField[field]; ok {
			return sev
		}
	}
	return p.defaultSeverity
}

// Severity returns the maximum severity across the conflicting fields.
func (p *SeverityPolicy) Severity(resourceType string, conflictFields []string) string {
	out := SeverityLow
	for _, f := range conflictFields {
		sev := p.FieldSeverity(resourceType, f)
		if severityRank[sev] > severityRank[out] {
			out = sev
		}
	}
	if len(conflictFields) == 0 {
		return p.defaultSeverity
	}
	return out
}

// permissionFields are treated as permission conflicts regardless of policy.
var permissionFields = map[string]bool{
	"permissions": true,
	"role":        true,
	"acl":         true,
	"owner_id":    true,
	"visibility":  true,
}

// DefaultSeverityPolicy encodes the stock field rules: identity and
// permission fields are critical, workflow fields high, cosmetic metadata
// low, everything else medium.
func DefaultSeverityPolicy() *SeverityPolicy {
	p := NewSeverityPolicy(SeverityMedium)
	for f := range permissionFields {
		p.SetFieldSeverity(TemplateResourceAll, f, SeverityCritical)
	}
	p.SetFieldSeverity(TemplateResourceAll, "id", SeverityCritical)
	for _, f := range []string{"status", "assignee_id", "due_date", "amount"} {
		p.SetFieldSeverity(TemplateResourceAll, f, SeverityHigh)
	}
	for _, f := range []string{"notes", "description", "tags", "color", "metadata"} {
		p.SetFieldSeverity(TemplateResourceAll, f, SeverityLow)
	}
	return p
}

// Detection is the detector's verdict on one divergent submit.
type Detection struct {
	// Conflict is nil when every divergence is one-sided; the caller can
	// apply Merged and complete the operation directly.
	Conflict *Conflict

	// Merged is the three-way combination of all non-conflicting changes.
	// Always set; when Conflict is non-nil it is the auto-merge preview.
	Merged json.RawMessage
}

// Detector classifies divergence between an operation's base snapshot, its
// local post-edit payload and the server's current state.
type Detector struct {
	policy    *SeverityPolicy
	rules     *MergeRuleSet
	templates interface{ Templates() []*ConflictTemplate }
	logger    *slog.Logger
	now       func() time.Time
}

// NewDetector creates a detector. templates may be nil; when set (normally
// the Queue), matching template statistics feed suggestion confidence.
func NewDetector(policy *SeverityPolicy, rules *MergeRuleSet, templates interface{ Templates() []*ConflictTemplate }, logger *slog.Logger) *Detector {
	if policy == nil {
		policy = DefaultSeverityPolicy()
	}
	if rules == nil {
		rules = NewMergeRuleSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		policy:    policy,
		rules:     rules,
		templates: templates,
		logger:    logger,
		now:       time.Now,
	}
}

// Detect compares (base, local, remote) field by field. A field conflicts
// only when both sides changed it from base to different values; one-sided
// changes are safe to auto-merge and never reported.
func (d *Detector) Detect(op *Operation, remote json.RawMessage) (*Detection, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: operation cannot be nil", ErrValidation)
	}

	base, err := decodeObject(op.BaseData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base snapshot: %w", err)
	}
	local, err := decodeObject(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode local payload: %w", err)
	}
	remoteMap, err := decodeObject(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remote snapshot: %w", err)
	}

	conflictFields := threeWayDiff(base, local, remoteMap)
	merged, _ := mergeThreeWay(base, local, remoteMap, conflictFields, op.ResourceType, d.rules)
	mergedRaw, err := encodeObject(merged)
	if err != nil {
		return nil, err
	}

	if len(conflictFields) == 0 {
		return &Detection{Merged: mergedRaw}, nil
	}

	autoResolvable := true
	for _, f := range conflictFields {
		if _, ok := d.rules.Lookup(op.ResourceType, f); !ok {
			autoResolvable = false
			break
		}
	}

	conflict := &Conflict{
		OperationID:    op.ID,
		ResourceType:   op.ResourceType,
		ResourceID:     op.ResourceID,
		LocalData:      append(json.RawMessage(nil), op.Payload...),
		RemoteData:     append(json.RawMessage(nil), remote...),
		BaseData:       append(json.RawMessage(nil), op.BaseData...),
		ConflictFields: conflictFields,
		Severity:       d.policy.Severity(op.ResourceType, conflictFields),
		ConflictType:   classifyConflict(conflictFields, remoteMap),
		Status:         ConflictPending,
		AutoResolvable: autoResolvable,
		DetectedAt:     d.now(),
	}
	conflict.Suggestions = d.buildSuggestions(op, conflict, local, remoteMap, mergedRaw)

	d.logger.Debug("Detected conflict",
		"operation", op.ID, "resource", op.ResourceType+"/"+op.ResourceID,
		"fields", conflictFields, "severity", conflict.Severity,
		"auto_resolvable", autoResolvable)

	return &Detection{Conflict: conflict, Merged: mergedRaw}, nil
}

// classifyConflict picks the conflict type: a remotely vanished resource is
// a structure conflict, divergence on permission fields a permission
// conflict, everything else plain data divergence.
func classifyConflict(conflictFields []string, remote map[string]any) string {
	if len(remote) == 0 {
		return ConflictTypeStructure
	}
	for _, f := range conflictFields {
		if permissionFields[f] {
			return ConflictTypePermission
		}
	}
	return ConflictTypeData
}

// buildSuggestions ranks merge/keep-local/keep-remote by confidence.
// Confidence blends three signals: whether a deterministic merge exists,
// which side edited more recently (updated_at when present), how many
// fields conflict, and the success rate of any matching template.
func (d *Detector) buildSuggestions(op *Operation, c *Conflict, local, remote map[string]any, merged json.RawMessage) []Suggestion {
	fieldPenalty := 0.05 * float64(min(len(c.ConflictFields), 5))

	mergeConf := 0.35
	if c.AutoResolvable {
		mergeConf = 0.9
	}
	mergeConf -= fieldPenalty

	localConf := 0.5 - fieldPenalty
	remoteConf := 0.5 - fieldPenalty
	switch compareRecency(local, remote) {
	case 1:
		localConf += 0.15
	case -1:
		remoteConf += 0.15
	}

	// Fold in historical outcomes of templates covering this shape.
	if d.templates != nil {
		for _, t := range d.templates.Templates() {
			if t.UsageCount == 0 || !matchesScope(t, c) {
				continue
			}
			boost := 0.2 * t.SuccessRate
			switch t.Strategy {
			case StrategyMerge:
				mergeConf += boost
			case StrategyLocal:
				localConf += boost
			case StrategyRemote:
				remoteConf += boost
			}
		}
	}

	suggestions := []Suggestion{
		{
			Strategy:    StrategyMerge,
			Confidence:  clampConfidence(mergeConf),
			Description: fmt.Sprintf("Three-way merge; %d field(s) need reconciliation", len(c.ConflictFields)),
			Preview:     merged,
		},
		{
			Strategy:    StrategyLocal,
			Confidence:  clampConfidence(localConf),
			Description: "Keep the local edit and overwrite the server",
			Preview:     c.LocalData,
		},
		{
			Strategy:    StrategyRemote,
			Confidence:  clampConfidence(remoteConf),
			Description: "Discard the local edit and accept the server state",
			Preview:     c.RemoteData,
		},
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	return suggestions
}

// compareRecency returns 1 when the local snapshot carries a later
// updated_at than the remote one, -1 for the reverse, 0 when undecidable.
func compareRecency(local, remote map[string]any) int {
	lt, lok := snapshotTime(local)
	rt, rok := snapshotTime(remote)
	if !lok || !rok {
		return 0
	}
	if lt.After(rt) {
		return 1
	}
	if rt.After(lt) {
		return -1
	}
	return 0
}

func snapshotTime(m map[string]any) (time.Time, bool) {
	for _, key := range []string{"updated_at", "modified_at"} {
		if s, ok := m[key].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func clampConfidence(v float64) float64 {
	if v < 0.05 {
		return 0.05
	}
	if v > 0.99 {
		return 0.99
	}
	return v
}
