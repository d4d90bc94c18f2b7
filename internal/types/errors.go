package types

import (
	"fmt"
	"time"
)

// BackendErrorKind classifies a BackendError for retry purposes (§7).
type BackendErrorKind string

const (
	BackendTransient BackendErrorKind = "transient"
	BackendPermanent BackendErrorKind = "permanent"
	BackendUnknown   BackendErrorKind = "unknown"
)

// ValidationFailed is returned when input is rejected before any backend work.
type ValidationFailed struct {
	Issues []string
}

func (e *ValidationFailed) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Issues)
}

// CircuitOpenError is raised when the breaker rejects a call outright.
type CircuitOpenError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Endpoint, e.RetryAfter)
}

// BulkheadFullError is raised when the admission semaphore/queue is saturated.
type BulkheadFullError struct {
	Active int
	Queued int
}

func (e *BulkheadFullError) Error() string {
	return fmt.Sprintf("bulkhead full (active=%d, queued=%d)", e.Active, e.Queued)
}

// TimeoutError is raised when a call's deadline is exceeded.
type TimeoutError struct {
	Operation string
	ElapsedMS int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout on %s after %dms", e.Operation, e.ElapsedMS)
}

// OfflineError is raised when the backend path is chosen while offline; the
// work was enqueued under QueuedID.
type OfflineError struct {
	QueuedID string
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("offline, queued as %s", e.QueuedID)
}

// ConflictError is surfaced during sync only.
type ConflictError struct {
	EntityKey           string
	ResolutionRequired  bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s (resolution_required=%v)", e.EntityKey, e.ResolutionRequired)
}

// BackendError wraps a failure returned by a registered backend handler.
type BackendError struct {
	Kind    BackendErrorKind
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (%s): %s", e.Kind, e.Message)
}

// Retryable reports whether this error kind should be retried (§7).
func (e *BackendError) Retryable() bool {
	return e.Kind == BackendTransient || e.Kind == BackendUnknown
}

// InternalError marks a core bug; callers should treat it as permanent.
type InternalError struct {
	Detail string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Detail)
}
