// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func obj(t *testing.T, s string) map[string]any {
	t.Helper()
	m, err := decodeObject(json.RawMessage(s))
	require.NoError(t, err)
	return m
}

func TestThreeWayDiff(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		local  string
		remote string
		want   []string
	}{
		{
			name:   "no changes",
			base:   `{"a":1,"b":"x"}`,
			local:  `{"a":1,"b":"x"}`,
			remote: `{"a":1,"b":"x"}`,
			want:   nil,
		},
		{
			name:   "one sided local change",
			base:   `{"a":1}`,
			local:  `{"a":2}`,
			remote: `{"a":1}`,
			want:   nil,
		},
		{
			name:   "one sided remote change",
			base:   `{"a":1}`,
			local:  `{"a":1}`,
			remote: `{"a":2}`,
			want:   nil,
		},
		{
			name:   "disjoint changes",
			base:   `{"a":1,"b":1}`,
			local:  `{"a":2,"b":1}`,
			remote: `{"a":1,"b":2}`,
			want:   nil,
		},
		{
			name:   "both changed to different values",
			base:   `{"status":"TODO"}`,
			local:  `{"status":"IN_PROGRESS"}`,
			remote: `{"status":"DONE"}`,
			want:   []string{"status"},
		},
		{
			name:   "both made the same change",
			base:   `{"a":1}`,
			local:  `{"a":2}`,
			remote: `{"a":2}`,
			want:   nil,
		},
		{
			name:   "local edit vs remote delete",
			base:   `{"a":1}`,
			local:  `{"a":2}`,
			remote: `{}`,
			want:   []string{"a"},
		},
		{
			name:   "both deleted the same field",
			base:   `{"a":1,"b":2}`,
			local:  `{"b":2}`,
			remote: `{"b":2}`,
			want:   nil,
		},
		{
			name:   "both added different values",
			base:   `{}`,
			local:  `{"a":1}`,
			remote: `{"a":2}`,
			want:   []string{"a"},
		},
		{
			name:   "multiple conflicts sorted",
			base:   `{"a":1,"b":1,"c":1}`,
			local:  `{"a":2,"b":2,"c":1}`,
			remote: `{"a":3,"b":3,"c":1}`,
			want:   []string{"a", "b"},
		},
		{
			name:   "nested objects compared structurally",
			base:   `{"meta":{"x":1}}`,
			local:  `{"meta":{"x":2}}`,
			remote: `{"meta":{"x":1}}`,
			want:   nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := threeWayDiff(obj(t, tc.base), obj(t, tc.local), obj(t, tc.remote))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestMergeThreeWayNonConflicting(t *testing.T) {
	base := obj(t, `{"title":"Report","status":"TODO","notes":"draft"}`)
	local := obj(t, `{"title":"Q2 Report","status":"TODO","notes":"draft"}`)
	remote := obj(t, `{"title":"Report","status":"DONE","notes":"draft"}`)

	merged, unresolved := mergeThreeWay(base, local, remote, nil, "task", nil)
	require.Empty(t, unresolved)
	require.Equal(t, "Q2 Report", merged["title"])
	require.Equal(t, "DONE", merged["status"])
	require.Equal(t, "draft", merged["notes"])
}

func TestMergeThreeWayLocalDeletionSticks(t *testing.T) {
	base := obj(t, `{"a":1,"b":2}`)
	local := obj(t, `{"b":2}`)
	remote := obj(t, `{"a":1,"b":2}`)

	merged, unresolved := mergeThreeWay(base, local, remote, nil, "task", nil)
	require.Empty(t, unresolved)
	_, present := merged["a"]
	require.False(t, present)
}

func TestMergeThreeWayRuleResolvesConflict(t *testing.T) {
	rules := NewMergeRuleSet()
	rules.Register("task", "view_count", NumericMaxRule)

	base := obj(t, `{"view_count":3}`)
	local := obj(t, `{"view_count":7}`)
	remote := obj(t, `{"view_count":5}`)

	merged, unresolved := mergeThreeWay(base, local, remote, []string{"view_count"}, "task", rules)
	require.Empty(t, unresolved)
	require.Equal(t, float64(7), merged["view_count"])
}

func TestMergeThreeWayUnresolvedKeepsLocalForPreview(t *testing.T) {
	base := obj(t, `{"status":"TODO"}`)
	local := obj(t, `{"status":"IN_PROGRESS"}`)
	remote := obj(t, `{"status":"DONE"}`)

	merged, unresolved := mergeThreeWay(base, local, remote, []string{"status"}, "task", NewMergeRuleSet())
	require.Equal(t, []string{"status"}, unresolved)
	require.Equal(t, "IN_PROGRESS", merged["status"])
}

func TestMergeThreeWayWildcardRule(t *testing.T) {
	rules := NewMergeRuleSet()
	rules.Register(TemplateResourceAll, "archived", BooleanOrRule)

	base := obj(t, `{"archived":false}`)
	local := obj(t, `{"archived":true}`)
	remote := obj(t, `{"archived":false,"x":1}`)

	// The wildcard rule applies to any resource type.
	merged, unresolved := mergeThreeWay(base, local, remote, []string{"archived"}, "invoice", rules)
	require.Empty(t, unresolved)
	require.Equal(t, true, merged["archived"])
}

func TestMergeIsIdempotent(t *testing.T) {
	rules := NewMergeRuleSet()
	rules.Register("task", "view_count", NumericMaxRule)

	base := obj(t, `{"title":"Report","status":"TODO","view_count":3}`)
	local := obj(t, `{"title":"Q2 Report","status":"TODO","view_count":7}`)
	remote := obj(t, `{"title":"Report","status":"DONE","view_count":5}`)

	conflicts := threeWayDiff(base, local, remote)
	merged, unresolved := mergeThreeWay(base, local, remote, conflicts, "task", rules)
	require.Empty(t, unresolved)

	// Re-merging the settled state with itself changes nothing.
	again, unresolved := mergeThreeWay(merged, merged, merged, nil, "task", rules)
	require.Empty(t, unresolved)
	require.Equal(t, merged, again)
}

func TestMergeRuleSetPrefersResourceSpecific(t *testing.T) {
	rules := NewMergeRuleSet()
	rules.Register(TemplateResourceAll, "updated_at", RemoteWinsRule)
	rules.Register("task", "updated_at", NumericMaxRule)

	rule, ok := rules.Lookup("task", "updated_at")
	require.True(t, ok)
	v, applied := rule(nil, float64(2), float64(1))
	require.True(t, applied)
	require.Equal(t, float64(2), v, "resource-specific rule must win over the wildcard")

	rule, ok = rules.Lookup("invoice", "updated_at")
	require.True(t, ok)
	v, applied = rule(nil, "a", "b")
	require.True(t, applied)
	require.Equal(t, "b", v)
}

func TestBuiltinRuleTypeMismatch(t *testing.T) {
	_, ok := NumericMaxRule(nil, "seven", float64(5))
	require.False(t, ok)
	_, ok = BooleanOrRule(nil, "yes", true)
	require.False(t, ok)
}

func TestDecodeObject(t *testing.T) {
	m, err := decodeObject(nil)
	require.NoError(t, err)
	require.Empty(t, m)

	m, err = decodeObject(json.RawMessage(`null`))
	require.NoError(t, err)
	require.Empty(t, m)

	_, err = decodeObject(json.RawMessage(`[1,2]`))
	require.ErrorIs(t, err, ErrValidation)

	_, err = decodeObject(json.RawMessage(`"text"`))
	require.ErrorIs(t, err, ErrValidation)
}
