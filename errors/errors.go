// Package errors provides structured error types for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its failure mode.
type Kind string

const (
	// KindValidation marks a malformed mutation rejected before enqueue.
	KindValidation Kind = "VALIDATION"
	// KindConnectivity marks a transient network or remote-store failure.
	KindConnectivity Kind = "CONNECTIVITY"
	// KindDivergence marks a stale write: the remote record changed since
	// the last known local state.
	KindDivergence Kind = "DIVERGENCE"
	// KindCapacity marks a full local durable store.
	KindCapacity Kind = "CAPACITY"
	// KindCorruption marks an unreadable durable store at startup.
	KindCorruption Kind = "CORRUPTION"
)

// Operation represents the engine operation during which an error occurred.
type Operation string

const (
	OpEnqueue   Operation = "enqueue"
	OpDrain     Operation = "drain"
	OpApply     Operation = "apply"
	OpDedupe    Operation = "dedupe"
	OpProbe     Operation = "probe"
	OpResolve   Operation = "resolve"
	OpSubscribe Operation = "subscribe"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpClose     Operation = "close"
)

// SyncError is the structured error type used throughout the engine.
type SyncError struct {
	// Op is the operation during which the error occurred.
	Op Operation

	// Component that generated the error (e.g. "queue", "orchestrator").
	Component string

	// Kind classifies the failure mode.
	Kind Kind

	// Err is the underlying error.
	Err error

	// Retryable reports whether the operation may be retried.
	Retryable bool

	// Metadata carries additional context, such as the current remote
	// record on a divergence error.
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation SyncError. Validation failures are
// reported synchronously to the caller and never enter the queue.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindValidation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewConnectivityError creates a transient connectivity SyncError.
func NewConnectivityError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindConnectivity,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewDivergenceError creates a divergence SyncError carrying the current
// remote record in its metadata under the "remote" key.
func NewDivergenceError(op Operation, cause error, remoteRecord map[string]interface{}) *SyncError {
	return &SyncError{
		Kind:      KindDivergence,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: false,
		Metadata:  map[string]interface{}{"remote": remoteRecord},
	}
}

// NewCapacityError creates a capacity SyncError, surfaced immediately to the
// caller of enqueue.
func NewCapacityError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindCapacity,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// NewCorruptionError creates a corruption SyncError. Corruption is self-healed
// at startup and logged, never fatal.
func NewCorruptionError(op Operation, cause error) *SyncError {
	return &SyncError{
		Kind:      KindCorruption,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: false,
	}
}

// New creates a plain SyncError.
func New(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

// NewWithComponent creates a SyncError with component information.
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{Op: op, Component: component, Err: err}
}

// NewRetryable creates a retryable SyncError.
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{Op: op, Err: err, Retryable: true}
}

// IsRetryable checks whether an error is a retryable SyncError.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsKind checks whether an error is a SyncError of the given kind.
func IsKind(err error, kind Kind) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == kind
	}
	return false
}

// RemoteRecord extracts the remote record attached to a divergence error.
// It returns nil when the error carries none.
func RemoteRecord(err error) map[string]interface{} {
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Metadata == nil {
		return nil
	}
	rec, _ := syncErr.Metadata["remote"].(map[string]interface{})
	return rec
}
