// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import "errors"

// Error sentinels for classification with errors.Is. Expected terminal
// outcomes (exhausted retries, server rejection) are reflected in
// Operation.Status/Error rather than returned as errors; these sentinels
// cover programming errors and first-class routed outcomes.
var (
	// ErrValidation marks a malformed enqueue or resolve request, rejected
	// before touching queue state.
	ErrValidation = errors.New("validation_error")

	// ErrDependencyCycle marks an enqueue whose dependencies reference the
	// operation itself or form a cycle.
	ErrDependencyCycle = errors.New("dependency_cycle")

	// ErrInvalidState marks an illegal status transition, such as cancelling
	// a completed operation.
	ErrInvalidState = errors.New("invalid_state")

	// ErrTransientTransport marks a timeout or network failure; the engine
	// retries these up to MaxAttempts with backoff.
	ErrTransientTransport = errors.New("transient_transport")

	// ErrRejectedByServer marks a terminal server rejection unrelated to
	// concurrent edits; never retried automatically.
	ErrRejectedByServer = errors.New("rejected_by_server")

	// ErrManualResolution marks a merge attempt on a conflict that is not
	// auto-resolvable; the caller must supply a per-field choice.
	ErrManualResolution = errors.New("manual_resolution_required")

	// ErrStaleConflict marks a resolution attempt on a conflict whose
	// underlying operation changed state concurrently.
	ErrStaleConflict = errors.New("stale_conflict")

	// ErrNotFound marks a lookup of an unknown operation, conflict or
	// template id.
	ErrNotFound = errors.New("not_found")
)

func isManualResolution(err error) bool {
	return errors.Is(err, ErrManualResolution)
}
