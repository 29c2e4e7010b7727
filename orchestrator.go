// Package recsync is a client-resident synchronization engine for
// offline-first applications. Mutations are queued durably on the device,
// drained to the remote store when connectivity allows, and reconciled
// field by field when the remote copy diverged in the meantime.
package recsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/recsync/recsync/connectivity"
	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/internal/dispatch"
	"github.com/recsync/recsync/local"
	"github.com/recsync/recsync/logging"
	"github.com/recsync/recsync/queue"
	"github.com/recsync/recsync/remote"
	"github.com/recsync/recsync/resolve"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	// StateIdle means no drain is running and none is scheduled.
	StateIdle State = "idle"

	// StateDraining means queued operations are being pushed to the remote
	// store.
	StateDraining State = "draining"

	// StateBackoff means the last drain failed and the next attempt waits
	// for the backoff delay.
	StateBackoff State = "backoff"

	// StateStopped is terminal; a stopped orchestrator never drains again.
	StateStopped State = "stopped"
)

// SyncStatus is the engine-level status snapshot surfaced to the
// application.
type SyncStatus struct {
	State               State               `json:"state"`
	Queue               queue.Status        `json:"queue"`
	Connectivity        connectivity.Status `json:"connectivity"`
	LastSyncAt          time.Time           `json:"lastSyncAt,omitempty"`
	LastError           string              `json:"lastError,omitempty"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
}

// Config configures the sync engine.
type Config struct {
	// SyncInterval between periodic drain attempts. Defaults to 30s.
	SyncInterval time.Duration `yaml:"interval"`

	// BatchSize caps the operations pushed per drain pass. Defaults to 25.
	BatchSize int `yaml:"batchSize"`

	// MaxRetries before an operation is moved to the dead-letter bucket.
	// Defaults to 5.
	MaxRetries int `yaml:"maxRetries"`

	Backoff BackoffConfig `yaml:"backoff"`
}

func (c *Config) setDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	c.Backoff.setDefaults()
}

type applyStats struct {
	count int
	total time.Duration
	min   time.Duration
	max   time.Duration
}

func (s *applyStats) record(d time.Duration) {
	s.count++
	s.total += d
	if s.min == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

// Orchestrator drives queue drains. At most one drain runs at a time;
// requests arriving mid-drain coalesce into a single follow-up pass.
type Orchestrator struct {
	mu       sync.Mutex
	config   Config
	queue    *queue.Queue
	probe    *connectivity.Probe
	resolver *resolve.Resolver
	remote   remote.Store
	applier  *local.Applier
	backoff  *ExponentialBackoff

	state        State
	draining     bool
	rerun        bool
	autoSync     bool
	stopChan     chan struct{}
	ticker       *time.Ticker
	backoffTimer *time.Timer

	// drainDone is closed when the in-flight drain cycle, including any
	// coalesced follow-up pass, has finished; drainErr holds its result.
	drainDone chan struct{}
	drainErr  error

	lastSyncAt          time.Time
	lastError           error
	consecutiveFailures int
	stats               applyStats

	notifier *dispatch.Notifier[SyncStatus]
	logger   *logging.Logger
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(config Config, q *queue.Queue, probe *connectivity.Probe, resolver *resolve.Resolver, remoteStore remote.Store, applier *local.Applier) *Orchestrator {
	config.setDefaults()
	return &Orchestrator{
		config:   config,
		queue:    q,
		probe:    probe,
		resolver: resolver,
		remote:   remoteStore,
		applier:  applier,
		backoff:  NewExponentialBackoff(config.Backoff),
		state:    StateIdle,
		autoSync: true,
		notifier: dispatch.NewNotifier[SyncStatus]("orchestrator"),
		logger:   logging.WithComponent("orchestrator"),
	}
}

// Start begins periodic draining and reacts to connectivity transitions: a
// return to reachability triggers an immediate drain attempt.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.stopChan != nil || o.state == StateStopped {
		o.mu.Unlock()
		return
	}
	stopChan := make(chan struct{})
	o.stopChan = stopChan
	ticker := time.NewTicker(o.config.SyncInterval)
	o.ticker = ticker
	o.mu.Unlock()

	unsubscribe := o.probe.OnStatusChange(func(s connectivity.Status) {
		if s.IsOnline && s.IsRemoteReachable && o.autoSyncEnabled() {
			go o.trySync(ctx)
		}
	})

	go func() {
		defer unsubscribe()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-ticker.C:
				if o.autoSyncEnabled() {
					o.trySync(ctx)
				}
			}
		}
	}()
}

// Stop halts the orchestrator permanently. A drain in flight finishes its
// current operation and then exits.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return
	}
	o.state = StateStopped
	if o.stopChan != nil {
		close(o.stopChan)
		o.stopChan = nil
	}
	if o.backoffTimer != nil {
		o.backoffTimer.Stop()
		o.backoffTimer = nil
	}
	status := o.statusLocked()
	o.mu.Unlock()

	o.notifier.Publish(status)
}

// EnableAutoSync resumes periodic drains.
func (o *Orchestrator) EnableAutoSync() {
	o.mu.Lock()
	o.autoSync = true
	o.mu.Unlock()
}

// DisableAutoSync pauses periodic drains. Explicit Sync calls still work.
func (o *Orchestrator) DisableAutoSync() {
	o.mu.Lock()
	o.autoSync = false
	o.mu.Unlock()
}

func (o *Orchestrator) autoSyncEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autoSync
}

// UpdateConfig adjusts drain tuning at runtime. Zero fields fall back to
// their defaults. A changed interval reschedules the periodic tick; a
// changed backoff curve restarts from its initial delay.
func (o *Orchestrator) UpdateConfig(config Config) {
	config.setDefaults()

	o.mu.Lock()
	prevInterval := o.config.SyncInterval
	prevBackoff := o.config.Backoff
	o.config = config
	if config.Backoff != prevBackoff {
		o.backoff = NewExponentialBackoff(config.Backoff)
	}
	if o.ticker != nil && config.SyncInterval != prevInterval {
		o.ticker.Reset(config.SyncInterval)
	}
	o.mu.Unlock()
}

// Sync drains the queue now and returns after the drain cycle finished.
// If a drain is already running the request coalesces into one follow-up
// pass and the caller awaits the in-flight cycle instead of starting a
// second one.
func (o *Orchestrator) Sync(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return syncErrors.New(syncErrors.OpDrain, fmt.Errorf("orchestrator is stopped"))
	}
	if o.draining {
		o.rerun = true
		done := o.drainDone
		o.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.mu.Lock()
		err := o.drainErr
		o.mu.Unlock()
		return err
	}
	o.draining = true
	done := make(chan struct{})
	o.drainDone = done
	o.mu.Unlock()

	var err error
	for {
		err = o.drainOnce(ctx)

		o.mu.Lock()
		if o.rerun && o.state != StateStopped {
			o.rerun = false
			o.mu.Unlock()
			continue
		}
		o.draining = false
		o.drainErr = err
		close(done)
		o.mu.Unlock()
		return err
	}
}

// trySync is the internal trigger path; connectivity gating is the normal
// case there, not an error worth surfacing.
func (o *Orchestrator) trySync(ctx context.Context) {
	if err := o.Sync(ctx); err != nil && !syncErrors.IsKind(err, syncErrors.KindConnectivity) {
		o.logger.LogError(ctx, err, "drain failed")
	}
}

func (o *Orchestrator) drainOnce(ctx context.Context) error {
	if !o.probe.CanAttemptOperations() {
		return syncErrors.NewConnectivityError(syncErrors.OpDrain,
			fmt.Errorf("remote store not reachable"))
	}

	start := time.Now()
	o.mu.Lock()
	batchSize := o.config.BatchSize
	o.mu.Unlock()

	o.setState(StateDraining, nil)
	o.queue.SetProcessing(true)
	defer o.queue.SetProcessing(false)

	if err := o.queue.Deduplicate(); err != nil {
		o.logger.LogError(ctx, err, "deduplication failed, draining raw queue")
	}

	ops, err := o.queue.GetPending()
	if err != nil {
		o.finishDrain(start, err)
		return err
	}

	// A failed operation blocks every later operation on the same record
	// so per-record ordering survives partial drains.
	blocked := make(map[string]struct{})
	var firstErr error
	applied := 0

	for _, op := range ops {
		if applied >= batchSize {
			o.mu.Lock()
			o.rerun = true
			o.mu.Unlock()
			break
		}
		select {
		case <-ctx.Done():
			o.finishDrain(start, ctx.Err())
			return ctx.Err()
		default:
		}

		key := op.Table + "\x00" + op.RecordID()
		if _, skip := blocked[key]; skip {
			continue
		}

		opStart := time.Now()
		err := o.applyOperation(ctx, op)
		o.mu.Lock()
		o.stats.record(time.Since(opStart))
		o.mu.Unlock()
		if err != nil {
			blocked[key] = struct{}{}
			if firstErr == nil {
				firstErr = err
			}
			o.handleFailure(ctx, op, err)
			continue
		}

		applied++
		if err := o.queue.Remove(op.ID); err != nil {
			o.logger.LogError(ctx, err, "failed to remove applied operation",
				slog.String("operation_id", op.ID))
		}
	}

	o.finishDrain(start, firstErr)
	return firstErr
}

func (o *Orchestrator) applyOperation(ctx context.Context, op queue.Operation) error {
	err := o.push(ctx, op)
	if err == nil {
		return nil
	}
	if syncErrors.IsKind(err, syncErrors.KindDivergence) {
		return o.reconcile(ctx, op, err)
	}
	return err
}

func (o *Orchestrator) push(ctx context.Context, op queue.Operation) error {
	switch op.Kind {
	case queue.KindInsert:
		return o.remote.Insert(ctx, op.Table, op.Data)
	case queue.KindUpdate:
		return o.remote.Update(ctx, op.Table, op.Data)
	case queue.KindDelete:
		return o.remote.Delete(ctx, op.Table, op.RecordID())
	default:
		return syncErrors.NewValidationError(syncErrors.OpApply,
			fmt.Errorf("unknown operation kind %q", op.Kind))
	}
}

// reconcile handles a stale write: merge local and remote versions, then
// re-apply the merged record exactly once. A second divergence fails the
// operation and goes through the normal retry path.
func (o *Orchestrator) reconcile(ctx context.Context, op queue.Operation, cause error) error {
	remoteRec := syncErrors.RemoteRecord(cause)
	if remoteRec == nil {
		fetched, err := o.remote.Fetch(ctx, op.Table, op.RecordID())
		if err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpResolve, "orchestrator")
		}
		remoteRec = fetched
	}

	res := o.resolver.Resolve(resolve.ConflictContext{
		Table:  op.Table,
		Kind:   op.Kind,
		Local:  op.Data,
		Remote: remoteRec,
		Prior:  op.PriorData,
	})

	var err error
	switch {
	case res.Resolved == nil:
		err = o.remote.Delete(ctx, op.Table, op.RecordID())
	case res.Strategy == resolve.StrategyDuplicateRename && res.Resolved.ID() == op.RecordID():
		// The renamed survivor is the local record; it does not exist
		// remotely yet.
		err = o.remote.Insert(ctx, op.Table, res.Resolved)
	default:
		err = o.remote.Update(ctx, op.Table, res.Resolved)
	}
	if err != nil {
		return err
	}

	// Converge the local copy on the merged value.
	if res.Resolved == nil {
		if err := o.applier.Delete(op.Table, op.RecordID()); err != nil {
			o.logger.LogError(ctx, err, "failed to delete local record after merge")
		}
	} else {
		if err := o.applier.Apply(op.Table, res.Resolved.ID(), res.Resolved); err != nil {
			o.logger.LogError(ctx, err, "failed to store merged record locally")
		}
	}
	return nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, op queue.Operation, cause error) {
	o.mu.Lock()
	maxRetries := o.config.MaxRetries
	o.mu.Unlock()

	retries, err := o.queue.IncrementRetry(op)
	if err != nil {
		o.logger.LogError(ctx, err, "failed to bump retry count",
			slog.String("operation_id", op.ID))
		return
	}

	o.logger.LogError(ctx, cause, "operation failed",
		slog.String("operation_id", op.ID),
		slog.String("table", op.Table),
		slog.String("record_id", op.RecordID()),
		slog.Int("retries", retries))

	if retries >= maxRetries {
		if err := o.queue.MarkFailed(op.ID); err != nil {
			o.logger.LogError(ctx, err, "failed to dead-letter operation",
				slog.String("operation_id", op.ID))
			return
		}
		o.logger.Warn("operation moved to dead-letter bucket",
			"operation_id", op.ID,
			"table", op.Table,
			"record_id", op.RecordID())
	}
}

func (o *Orchestrator) finishDrain(start time.Time, drainErr error) {
	elapsed := time.Since(start)

	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return
	}

	if drainErr != nil {
		o.consecutiveFailures++
		o.lastError = drainErr
		o.state = StateBackoff
		delay := o.backoff.Next()
		o.backoffTimer = time.AfterFunc(delay, o.backoffExpired)
		status := o.statusLocked()
		o.mu.Unlock()

		o.logger.Warn("drain failed, backing off",
			"delay", delay.String(),
			"consecutive_failures", status.ConsecutiveFailures)
		o.notifier.Publish(status)
		return
	}

	o.consecutiveFailures = 0
	o.lastError = nil
	o.lastSyncAt = time.Now()
	o.state = StateIdle
	o.backoff.Reset()
	status := o.statusLocked()
	o.mu.Unlock()

	o.logger.Debug("drain complete", "elapsed", elapsed.String())
	o.notifier.Publish(status)
}

func (o *Orchestrator) backoffExpired() {
	o.mu.Lock()
	if o.state != StateBackoff {
		o.mu.Unlock()
		return
	}
	o.state = StateIdle
	o.backoffTimer = nil
	status := o.statusLocked()
	o.mu.Unlock()

	o.notifier.Publish(status)
	if o.autoSyncEnabled() {
		go o.trySync(context.Background())
	}
}

func (o *Orchestrator) setState(state State, err error) {
	o.mu.Lock()
	if o.state == StateStopped || o.state == state {
		o.mu.Unlock()
		return
	}
	o.state = state
	if err != nil {
		o.lastError = err
	}
	status := o.statusLocked()
	o.mu.Unlock()

	o.notifier.Publish(status)
}

// PerformanceStats summarizes remote apply latency since startup.
type PerformanceStats struct {
	Operations int           `json:"operations"`
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	Average    time.Duration `json:"average"`
}

// GetPerformanceStats reports per-operation apply latency and the total
// number of operations pushed.
func (o *Orchestrator) GetPerformanceStats() PerformanceStats {
	o.mu.Lock()
	s := o.stats
	o.mu.Unlock()

	out := PerformanceStats{Operations: s.count, Min: s.min, Max: s.max}
	if s.count > 0 {
		out.Average = s.total / time.Duration(s.count)
	}
	return out
}

// GetStatus returns the current engine status snapshot.
func (o *Orchestrator) GetStatus() SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

// OnStatusChange subscribes to engine status transitions, delivered in
// order. The returned function unsubscribes.
func (o *Orchestrator) OnStatusChange(cb func(SyncStatus)) func() {
	return o.notifier.Subscribe(cb)
}

func (o *Orchestrator) statusLocked() SyncStatus {
	s := SyncStatus{
		State:               o.state,
		Queue:               o.queue.GetStatus(),
		Connectivity:        o.probe.GetStatus(),
		LastSyncAt:          o.lastSyncAt,
		ConsecutiveFailures: o.consecutiveFailures,
	}
	if o.lastError != nil {
		s.LastError = o.lastError.Error()
	}
	return s
}

