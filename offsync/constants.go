// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

// Operation type constants
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpSync   = "sync"
)

// Operation status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Priority constants, ordered by dequeue precedence
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// priorityRank maps a priority to its dequeue precedence (higher drains first).
// Unknown priorities rank below low so malformed input never jumps the queue.
var priorityRank = map[string]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// Submit outcome constants returned by the transport boundary
const (
	StAccepted = "accepted"
	StConflict = "conflict"
	StRejected = "rejected"
)

// Conflict severity constants
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Conflict type constants
const (
	ConflictTypeData       = "data"
	ConflictTypeStructure  = "structure"
	ConflictTypePermission = "permission"
	ConflictTypeVersion    = "version"
)

// Conflict status constants
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
	ConflictIgnored  = "ignored"
)

// Resolution strategy constants
const (
	StrategyLocal  = "local"
	StrategyRemote = "remote"
	StrategyMerge  = "merge"
	StrategyCustom = "custom"
)

// TemplateResourceAll is the wildcard resource type for conflict templates.
const TemplateResourceAll = "all"

// Template condition operators
const (
	CondEquals    = "eq"
	CondNotEquals = "neq"
	CondExists    = "exists"
	CondContains  = "contains"
)
