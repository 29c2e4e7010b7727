package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/internal/dispatch"
	"github.com/recsync/recsync/logging"
)

// Queue is the durable operation queue. It owns its backing Store: no other
// component writes to the store directly.
type Queue struct {
	mu           sync.RWMutex
	store        Store
	pendingCount int
	failedCount  int
	isProcessing bool
	notifier     *dispatch.Notifier[Status]
	logger       *logging.Logger
}

// New creates a queue on top of a durable store. The store is expected to
// have already self-healed any corruption during its own initialization.
func New(store Store) (*Queue, error) {
	q := &Queue{
		store:    store,
		notifier: dispatch.NewNotifier[Status]("queue"),
		logger:   logging.WithComponent("queue"),
	}

	pending, failed, err := store.Counts()
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "queue")
	}
	q.pendingCount = pending
	q.failedCount = failed

	return q, nil
}

// Add persists an operation and returns its id. Missing ids and enqueue
// timestamps are assigned here. Add stores whatever payload it is given;
// validation is the caller's responsibility and happens before Add.
func (q *Queue) Add(op Operation) (string, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if err := q.store.Insert(op); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.pendingCount++
	status := q.statusLocked()
	q.mu.Unlock()

	q.notifier.Publish(status)
	return op.ID, nil
}

// Remove deletes an operation by id.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	if err := q.store.Delete(id); err != nil {
		q.mu.Unlock()
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "queue")
	}
	if err := q.refreshCountsLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	status := q.statusLocked()
	q.mu.Unlock()

	q.notifier.Publish(status)
	return nil
}

// GetPending returns pending operations in enqueue order.
func (q *Queue) GetPending() ([]Operation, error) {
	ops, err := q.store.Pending()
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "queue")
	}
	return ops, nil
}

// GetFailed returns dead-letter operations in enqueue order.
func (q *Queue) GetFailed() ([]Operation, error) {
	ops, err := q.store.Failed()
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "queue")
	}
	return ops, nil
}

// PendingFor returns the pending operation targeting (table, recordID),
// if any. When several remain (before deduplication) the latest wins, since
// it carries the record's most recent local value.
func (q *Queue) PendingFor(table, recordID string) (Operation, bool) {
	ops, err := q.store.Pending()
	if err != nil {
		return Operation{}, false
	}
	var found Operation
	var ok bool
	for _, op := range ops {
		if op.Table == table && op.RecordID() == recordID {
			found = op
			ok = true
		}
	}
	return found, ok
}

// Clear removes every operation from the queue.
func (q *Queue) Clear() error {
	q.mu.Lock()
	if err := q.store.Clear(); err != nil {
		q.mu.Unlock()
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "queue")
	}
	q.pendingCount = 0
	q.failedCount = 0
	status := q.statusLocked()
	q.mu.Unlock()

	q.notifier.Publish(status)
	return nil
}

// IncrementRetry bumps an operation's retry counter and returns the new
// value.
func (q *Queue) IncrementRetry(op Operation) (int, error) {
	next := op.RetryCount + 1
	q.mu.Lock()
	err := q.store.SetRetryCount(op.ID, next)
	q.mu.Unlock()
	if err != nil {
		return op.RetryCount, syncErrors.WrapOpComponent(err, syncErrors.OpStore, "queue")
	}
	return next, nil
}

// MarkFailed moves an operation to the dead-letter bucket. It stays visible
// through GetFailed and FailedCount but is excluded from future drains.
func (q *Queue) MarkFailed(id string) error {
	q.mu.Lock()
	if err := q.store.MarkFailed(id); err != nil {
		q.mu.Unlock()
		return syncErrors.WrapOpComponent(err, syncErrors.OpStore, "queue")
	}
	if err := q.refreshCountsLocked(); err != nil {
		q.mu.Unlock()
		return err
	}
	status := q.statusLocked()
	q.mu.Unlock()

	q.notifier.Publish(status)
	return nil
}

// RetryFailed moves all dead-letter operations back into the pending set
// with reset retry counters. This is the manual recovery path after the
// underlying issue has been corrected.
func (q *Queue) RetryFailed() (int, error) {
	q.mu.Lock()
	n, err := q.store.ReviveFailed()
	if err != nil {
		q.mu.Unlock()
		return 0, syncErrors.WrapOpComponent(err, syncErrors.OpStore, "queue")
	}
	if err := q.refreshCountsLocked(); err != nil {
		q.mu.Unlock()
		return n, err
	}
	status := q.statusLocked()
	q.mu.Unlock()

	q.notifier.Publish(status)
	return n, nil
}

// Deduplicate collapses pending operations that target the same
// (table, record-id) pair into one equivalent operation each, in enqueue
// order. Running it twice yields the same queue as running it once.
func (q *Queue) Deduplicate() error {
	q.mu.Lock()
	ops, err := q.store.Pending()
	if err != nil {
		q.mu.Unlock()
		return syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "queue")
	}

	collapsed := Collapse(ops)
	if len(collapsed) == len(ops) {
		q.mu.Unlock()
		return nil
	}

	if err := q.store.ReplacePending(collapsed); err != nil {
		q.mu.Unlock()
		return syncErrors.WrapOpComponent(err, syncErrors.OpDedupe, "queue")
	}
	q.pendingCount = len(collapsed)
	status := q.statusLocked()
	q.mu.Unlock()

	q.logger.Debug("queue deduplicated", "before", len(ops), "after", len(collapsed))
	q.notifier.Publish(status)
	return nil
}

// SetProcessing flags the queue as being drained. Only the orchestrator
// calls this.
func (q *Queue) SetProcessing(processing bool) {
	q.mu.Lock()
	if q.isProcessing == processing {
		q.mu.Unlock()
		return
	}
	q.isProcessing = processing
	status := q.statusLocked()
	q.mu.Unlock()

	q.notifier.Publish(status)
}

// GetStatus returns a snapshot of the queue state.
func (q *Queue) GetStatus() Status {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.statusLocked()
}

// OnStatusChange subscribes to queue status transitions. Callbacks fire
// in transition order, after the transition commits, never from inside the
// mutating call's critical section. The returned function unsubscribes.
func (q *Queue) OnStatusChange(cb func(Status)) func() {
	return q.notifier.Subscribe(cb)
}

// Close releases the backing store.
func (q *Queue) Close() error {
	return q.store.Close()
}

func (q *Queue) statusLocked() Status {
	return Status{
		PendingCount: q.pendingCount,
		FailedCount:  q.failedCount,
		IsProcessing: q.isProcessing,
	}
}

func (q *Queue) refreshCountsLocked() error {
	pending, failed, err := q.store.Counts()
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "queue")
	}
	q.pendingCount = pending
	q.failedCount = failed
	return nil
}

