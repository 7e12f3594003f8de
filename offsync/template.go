// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"fmt"
	"strings"
)

// matchesScope reports whether a template's (resourceType, conflictType)
// scope covers a conflict. Field conditions are evaluated separately.
func matchesScope(t *ConflictTemplate, c *Conflict) bool {
	if t.ResourceType != TemplateResourceAll && t.ResourceType != c.ResourceType {
		return false
	}
	if t.ConflictType != "" && t.ConflictType != c.ConflictType {
		return false
	}
	return true
}

// Matches reports whether the template applies to a conflict: the scope
// must cover it and every field condition must hold against the conflict's
// local snapshot.
func (t *ConflictTemplate) Matches(c *Conflict) (bool, error) {
	if !matchesScope(t, c) {
		return false, nil
	}
	if len(t.Conditions) == 0 {
		return true, nil
	}

	local, err := decodeObject(c.LocalData)
	if err != nil {
		return false, fmt.Errorf("failed to decode conflict local data: %w", err)
	}
	for _, cond := range t.Conditions {
		ok, err := evalCondition(cond, local)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalCondition(cond TemplateCondition, fields map[string]any) (bool, error) {
	value, present := fields[cond.Field]

	switch cond.Op {
	case CondExists:
		return present, nil
	case CondEquals:
		return present && stringify(value) == cond.Value, nil
	case CondNotEquals:
		return !present || stringify(value) != cond.Value, nil
	case CondContains:
		return present && strings.Contains(stringify(value), cond.Value), nil
	default:
		return false, fmt.Errorf("%w: unknown condition operator %q", ErrValidation, cond.Op)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
