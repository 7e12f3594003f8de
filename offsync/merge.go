// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MergeRule deterministically combines one field's three versions. It
// returns the winning value and true, or (nil, false) when the rule does
// not apply to the given values (e.g. a numeric rule on strings).
type MergeRule func(base, local, remote any) (any, bool)

// NumericMaxRule keeps the larger of the two edited numbers. Useful for
// monotonic counters such as usage tallies or revision numbers.
func NumericMaxRule(_, local, remote any) (any, bool) {
	l, lok := local.(float64)
	r, rok := remote.(float64)
	if !lok || !rok {
		return nil, false
	}
	if l > r {
		return l, true
	}
	return r, true
}

// RemoteWinsRule accepts the server's value unconditionally: "server
// timestamp wins" for fields the server is authoritative over.
func RemoteWinsRule(_, _, remote any) (any, bool) {
	return remote, true
}

// BooleanOrRule keeps true if either side set the flag. Fits one-way flags
// such as archived or read markers.
func BooleanOrRule(_, local, remote any) (any, bool) {
	l, lok := local.(bool)
	r, rok := remote.(bool)
	if !lok || !rok {
		return nil, false
	}
	return l || r, true
}

// MergeRuleSet maps (resourceType, field) to a deterministic merge rule.
// Rules registered under the "all" resource type apply to every resource.
type MergeRuleSet struct {
	rules map[string]map[string]MergeRule
}

// NewMergeRuleSet creates an empty rule set.
func NewMergeRuleSet() *MergeRuleSet {
	return &MergeRuleSet{rules: make(map[string]map[string]MergeRule)}
}

// Register adds a rule for one field of one resource type (or "all").
func (s *MergeRuleSet) Register(resourceType, field string, rule MergeRule) {
	if s.rules[resourceType] == nil {
		s.rules[resourceType] = make(map[string]MergeRule)
	}
	s.rules[resourceType][field] = rule
}

// Lookup returns the rule for a field, preferring a resource-specific rule
// over an "all" wildcard rule.
func (s *MergeRuleSet) Lookup(resourceType, field string) (MergeRule, bool) {
	if byField, ok := s.rules[resourceType]; ok {
		if rule, ok := byField[field]; ok {
			return rule, true
		}
	}
	if byField, ok := s.rules[TemplateResourceAll]; ok {
		if rule, ok := byField[field]; ok {
			return rule, true
		}
	}
	return nil, false
}

// decodeObject parses a snapshot into a field map. A nil or empty snapshot
// decodes to an empty map (the resource did not exist in that version).
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: snapshot is not a JSON object: %v", ErrValidation, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// jsonEqual compares two decoded JSON values structurally by re-encoding.
// Map key order is normalized by encoding/json, so the comparison is stable.
func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// fieldChange reports whether a side changed a field relative to base,
// treating presence and value as one dimension: adding, removing and
// editing a field all count as a change.
func fieldChange(base, side map[string]any, field string) bool {
	bv, bok := base[field]
	sv, sok := side[field]
	if bok != sok {
		return true
	}
	if !bok {
		return false
	}
	return !jsonEqual(bv, sv)
}

// threeWayDiff computes the exact conflicting field set: fields both sides
// changed from base to different values. Fields changed by only one side
// are never conflicts. The returned slice is sorted for determinism.
func threeWayDiff(base, local, remote map[string]any) (conflictFields []string) {
	fields := map[string]bool{}
	for f := range base {
		fields[f] = true
	}
	for f := range local {
		fields[f] = true
	}
	for f := range remote {
		fields[f] = true
	}

	for f := range fields {
		localChanged := fieldChange(base, local, f)
		remoteChanged := fieldChange(base, remote, f)
		if !localChanged || !remoteChanged {
			continue
		}
		lv, lok := local[f]
		rv, rok := remote[f]
		if lok == rok && (!lok || jsonEqual(lv, rv)) {
			// Both sides made the same change; nothing to reconcile.
			continue
		}
		conflictFields = append(conflictFields, f)
	}
	sort.Strings(conflictFields)
	return conflictFields
}

// mergeThreeWay combines base, local and remote into a merged field map.
// Non-conflicting changes from either side are taken as-is. For fields in
// conflictFields the given rule set decides; fields without a rule are
// returned in unresolved (sorted), and the merged map keeps the local value
// for them so a preview is still renderable.
func mergeThreeWay(base, local, remote map[string]any, conflictFields []string, resourceType string, rules *MergeRuleSet) (merged map[string]any, unresolved []string) {
	conflicting := make(map[string]bool, len(conflictFields))
	for _, f := range conflictFields {
		conflicting[f] = true
	}

	merged = map[string]any{}
	fields := map[string]bool{}
	for f := range base {
		fields[f] = true
	}
	for f := range local {
		fields[f] = true
	}
	for f := range remote {
		fields[f] = true
	}

	for f := range fields {
		if conflicting[f] {
			var rule MergeRule
			var ok bool
			if rules != nil {
				rule, ok = rules.Lookup(resourceType, f)
			}
			if ok {
				if v, applied := rule(base[f], local[f], remote[f]); applied {
					merged[f] = v
					continue
				}
			}
			unresolved = append(unresolved, f)
			if v, present := local[f]; present {
				merged[f] = v
			}
			continue
		}

		switch {
		case fieldChange(base, local, f):
			if v, present := local[f]; present {
				merged[f] = v
			}
			// Locally removed fields stay removed.
		case fieldChange(base, remote, f):
			if v, present := remote[f]; present {
				merged[f] = v
			}
		default:
			if v, present := base[f]; present {
				merged[f] = v
			}
		}
	}
	sort.Strings(unresolved)
	return merged, unresolved
}

// encodeObject marshals a merged field map back into a snapshot.
func encodeObject(m map[string]any) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return data, nil
}
