// Package queue provides the durable, ordered store of pending local
// mutations. Entries survive process restarts and are drained by the
// orchestrator in enqueue order.
package queue

import (
	"time"

	"github.com/recsync/recsync/remote"
)

// Kind is the mutation type of a queued operation.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// ValidKind reports whether k is one of the known operation kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	default:
		return false
	}
}

// Operation is a single pending local mutation.
type Operation struct {
	// ID uniquely identifies the operation within the queue.
	ID string `json:"id"`

	// Kind is the mutation type.
	Kind Kind `json:"kind"`

	// Table is the remote table the mutation targets.
	Table string `json:"table"`

	// Data is the record snapshot to apply.
	Data remote.Record `json:"data"`

	// PriorData is the optional pre-mutation snapshot, used as the common
	// ancestor during conflict resolution.
	PriorData remote.Record `json:"priorData,omitempty"`

	// EnqueuedAt orders operations; assigned at enqueue time.
	EnqueuedAt time.Time `json:"enqueuedAt"`

	// RetryCount starts at 0 and is incremented by the orchestrator on
	// transient apply failures.
	RetryCount int `json:"retryCount"`
}

// RecordID returns the id of the record the operation targets, preferring
// the mutation payload over the prior snapshot.
func (op Operation) RecordID() string {
	if id := op.Data.ID(); id != "" {
		return id
	}
	return op.PriorData.ID()
}

// Status is a snapshot of the queue's externally visible state.
type Status struct {
	PendingCount int  `json:"pendingCount"`
	FailedCount  int  `json:"failedCount"`
	IsProcessing bool `json:"isProcessing"`
}

// Store is the durable backing store for queued operations. The queue is
// the only writer; all other components interact through Queue's methods.
type Store interface {
	// Insert persists a new pending operation. Returns a SyncError of
	// KindCapacity when the store is full.
	Insert(op Operation) error

	// Delete removes an operation regardless of its state.
	Delete(id string) error

	// SetRetryCount updates the retry counter of a pending operation.
	SetRetryCount(id string, count int) error

	// MarkFailed moves an operation into the dead-letter state.
	MarkFailed(id string) error

	// ReviveFailed moves all dead-letter operations back to pending,
	// resetting their retry counters. Returns the number revived.
	ReviveFailed() (int, error)

	// Pending returns pending operations ordered by enqueue time.
	Pending() ([]Operation, error)

	// Failed returns dead-letter operations ordered by enqueue time.
	Failed() ([]Operation, error)

	// ReplacePending atomically replaces the pending set, preserving the
	// given order. Used by deduplication.
	ReplacePending(ops []Operation) error

	// Counts returns the number of pending and failed operations.
	Counts() (pending int, failed int, err error)

	// Clear removes all operations.
	Clear() error

	// Close releases the store's resources.
	Close() error
}
