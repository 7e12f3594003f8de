// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"encoding/json"
	"time"
)

// Operation is a queued local mutation that has not yet been acknowledged by
// the server. BaseData records the resource state the edit was made against
// and doubles as the optimistic-concurrency token on submit.
type Operation struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"` // create, update, delete, sync
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	BaseData      json.RawMessage `json:"base_data,omitempty"`
	Status        string          `json:"status"`
	Priority      string          `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"` // delayed retry
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Error         string          `json:"error,omitempty"`
	EstimatedSize int64           `json:"estimated_size"`
	Dependencies  []string        `json:"dependencies,omitempty"`

	// Seq is the enqueue sequence number, the final ordering tie-breaker.
	Seq int64 `json:"seq"`
}

// Clone returns a deep copy safe to hand to callers while the queue keeps
// mutating its own copy.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	dup := *o
	dup.Payload = append(json.RawMessage(nil), o.Payload...)
	dup.BaseData = append(json.RawMessage(nil), o.BaseData...)
	dup.Dependencies = append([]string(nil), o.Dependencies...)
	if o.ScheduledAt != nil {
		t := *o.ScheduledAt
		dup.ScheduledAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}

// terminal reports whether the operation can no longer change state on its own.
func (o *Operation) terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed || o.Status == StatusCancelled
}

// Suggestion is one ranked resolution proposal attached to a conflict.
type Suggestion struct {
	Strategy    string          `json:"strategy"`
	Confidence  float64         `json:"confidence"` // 0..1
	Description string          `json:"description"`
	Preview     json.RawMessage `json:"preview,omitempty"`
}

// Conflict records a detected divergence between local and remote state for
// one resource. Retained after resolution only as a ConflictHistoryEntry.
type Conflict struct {
	ID             string          `json:"id"`
	OperationID    string          `json:"operation_id"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	LocalData      json.RawMessage `json:"local_data"`
	RemoteData     json.RawMessage `json:"remote_data"`
	BaseData       json.RawMessage `json:"base_data,omitempty"`
	ConflictFields []string        `json:"conflict_fields"`
	Severity       string          `json:"severity"`
	ConflictType   string          `json:"conflict_type"`
	Status         string          `json:"status"`
	AutoResolvable bool            `json:"auto_resolvable"`
	Suggestions    []Suggestion    `json:"suggestions,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
}

// Clone returns a deep copy of the conflict.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	dup := *c
	dup.LocalData = append(json.RawMessage(nil), c.LocalData...)
	dup.RemoteData = append(json.RawMessage(nil), c.RemoteData...)
	dup.BaseData = append(json.RawMessage(nil), c.BaseData...)
	dup.ConflictFields = append([]string(nil), c.ConflictFields...)
	dup.Suggestions = append([]Suggestion(nil), c.Suggestions...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		dup.ResolvedAt = &t
	}
	return &dup
}

// TemplateCondition is a field-level predicate evaluated against a conflict's
// local data when matching a template.
type TemplateCondition struct {
	Field string `json:"field"`
	Op    string `json:"op"` // eq, neq, exists, contains
	Value string `json:"value,omitempty"`
}

// ConflictTemplate is a named, reusable resolution rule.
type ConflictTemplate struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	ResourceType string              `json:"resource_type"` // or "all"
	ConflictType string              `json:"conflict_type"`
	Strategy     string              `json:"strategy"`
	Conditions   []TemplateCondition `json:"conditions,omitempty"`
	UsageCount   int                 `json:"usage_count"`
	SuccessRate  float64             `json:"success_rate"` // rolling, 0..1
}

// ConflictHistoryEntry is one append-only audit record of a resolution.
type ConflictHistoryEntry struct {
	ID            string          `json:"id"`
	ConflictID    string          `json:"conflict_id"`
	OperationID   string          `json:"operation_id"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Strategy      string          `json:"strategy"`
	TemplateID    string          `json:"template_id,omitempty"`
	MergedPayload json.RawMessage `json:"merged_payload,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	ResolvedAt    time.Time       `json:"resolved_at"`
}

// QueueState is the aggregate persisted by a Store. It is the single source
// of truth for what still needs to reach the server, plus the conflict
// registry and audit trail that must survive a restart.
type QueueState struct {
	Operations []*Operation            `json:"operations"`
	Conflicts  []*Conflict             `json:"conflicts"`
	Templates  []*ConflictTemplate     `json:"templates,omitempty"`
	History    []*ConflictHistoryEntry `json:"history,omitempty"`
	NextSeq    int64                   `json:"next_seq"`

	// Rolling telemetry counters (survive across sync runs).
	CompletedTotal        int64 `json:"completed_total"`
	FailedTotal           int64 `json:"failed_total"`
	ProcessingMillisTotal int64 `json:"processing_millis_total"`
	LatencyMillisTotal    int64 `json:"latency_millis_total"`
	LatencySamples        int64 `json:"latency_samples"`
}
