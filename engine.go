package recsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/recsync/recsync/connectivity"
	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/listener"
	"github.com/recsync/recsync/local"
	"github.com/recsync/recsync/logging"
	"github.com/recsync/recsync/queue"
	"github.com/recsync/recsync/remote"
	"github.com/recsync/recsync/resolve"
	"github.com/recsync/recsync/storage/sqlite"
)

// EngineConfig is the top-level configuration for a sync engine instance.
type EngineConfig struct {
	Sync  Config              `yaml:"sync"`
	Probe connectivity.Config `yaml:"probe"`
	Queue sqlite.Config       `yaml:"queue"`

	// Tables to subscribe to on the remote change stream. Empty means no
	// change-stream listener.
	Tables []string `yaml:"tables"`
}

// Engine is the application-facing surface of the sync engine. It owns the
// durable queue, the connectivity probe, the conflict resolver, the drain
// orchestrator, and the change-stream listener.
type Engine struct {
	config       EngineConfig
	queue        *queue.Queue
	probe        *connectivity.Probe
	resolver     *resolve.Resolver
	orchestrator *Orchestrator
	listener     *listener.Listener
	applier      *local.Applier
	logger       *logging.Logger
}

// EngineOption customizes engine construction.
type EngineOption func(*engineOptions)

type engineOptions struct {
	probeOpts []connectivity.Option
	store     queue.Store
}

// WithProbeOptions forwards options to the connectivity probe, mainly so
// tests can inject link and ping fakes.
func WithProbeOptions(opts ...connectivity.Option) EngineOption {
	return func(o *engineOptions) { o.probeOpts = append(o.probeOpts, opts...) }
}

// WithQueueStore overrides the default SQLite-backed operation store.
func WithQueueStore(store queue.Store) EngineOption {
	return func(o *engineOptions) { o.store = store }
}

// NewEngine assembles a sync engine. The remote store is the backend
// boundary; the local store holds the device-resident record state the
// application reads from.
func NewEngine(config EngineConfig, remoteStore remote.Store, localStore local.Store, opts ...EngineOption) (*Engine, error) {
	var options engineOptions
	for _, opt := range opts {
		opt(&options)
	}

	store := options.store
	if store == nil {
		if config.Queue.Path == "" {
			config.Queue.Path = "recsync.db"
		}
		s, err := sqlite.New(&config.Queue)
		if err != nil {
			return nil, err
		}
		store = s
	}

	q, err := queue.New(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	probe := connectivity.New(config.Probe, options.probeOpts...)
	resolver := resolve.New(resolve.Config{})
	applier := local.NewApplier(localStore)
	orchestrator := NewOrchestrator(config.Sync, q, probe, resolver, remoteStore, applier)

	e := &Engine{
		config:       config,
		queue:        q,
		probe:        probe,
		resolver:     resolver,
		orchestrator: orchestrator,
		applier:      applier,
		logger:       logging.WithComponent("engine"),
	}

	if len(config.Tables) > 0 {
		e.listener = listener.New(listener.Config{Tables: config.Tables},
			remoteStore, q, resolver, applier)
	}

	return e, nil
}

// Start brings up the probe, the drain loop, and the change-stream
// listener. A listener subscription failure degrades to queue-and-drain
// operation instead of failing startup.
func (e *Engine) Start(ctx context.Context) error {
	e.probe.Start(ctx)
	e.orchestrator.Start(ctx)
	if e.listener != nil {
		if err := e.listener.Initialize(ctx); err != nil {
			e.logger.LogError(ctx, err, "change-stream listener unavailable, continuing without it")
		}
	}
	return nil
}

// Stop shuts the engine down. The queue's durable contents survive.
func (e *Engine) Stop() error {
	if e.listener != nil {
		e.listener.Cleanup()
	}
	e.orchestrator.Stop()
	e.probe.Stop()
	return e.queue.Close()
}

// Enqueue validates and persists a local mutation, then nudges the
// orchestrator. The operation survives process restarts once Enqueue
// returns.
func (e *Engine) Enqueue(ctx context.Context, op queue.Operation) (string, error) {
	if err := validateOperation(op); err != nil {
		return "", err
	}

	id, err := e.queue.Add(op)
	if err != nil {
		return "", err
	}

	// Mirror the mutation into local state so the application sees its own
	// write immediately, before any network round trip.
	switch op.Kind {
	case queue.KindDelete:
		if err := e.applier.Delete(op.Table, op.RecordID()); err != nil {
			e.logger.LogError(ctx, err, "failed to delete local record",
				slog.String("operation_id", id))
		}
	default:
		if err := e.applier.Apply(op.Table, op.RecordID(), op.Data); err != nil {
			e.logger.LogError(ctx, err, "failed to store local record",
				slog.String("operation_id", id))
		}
	}

	// The nudge is an automatic drain trigger, so it honors the auto-sync
	// flag; only explicit ForceSync bypasses it.
	if e.probe.CanAttemptOperations() && e.orchestrator.autoSyncEnabled() {
		go e.orchestrator.trySync(context.WithoutCancel(ctx))
	}
	return id, nil
}

func validateOperation(op queue.Operation) error {
	if !queue.ValidKind(op.Kind) {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("unknown operation kind %q", op.Kind))
	}
	if op.Table == "" {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("operation is missing a table"))
	}
	if op.RecordID() == "" {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("operation is missing a record id"))
	}
	if op.Kind != queue.KindDelete && op.Data == nil {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue,
			fmt.Errorf("%s operation is missing data", op.Kind))
	}
	return nil
}

// CheckConnectivity probes the link and the remote store right now.
func (e *Engine) CheckConnectivity(ctx context.Context) connectivity.Status {
	return e.probe.CheckNow(ctx)
}

// ForceSync drains the queue now regardless of the periodic schedule.
func (e *Engine) ForceSync(ctx context.Context) error {
	return e.orchestrator.Sync(ctx)
}

// EnableAutoSync resumes periodic drains.
func (e *Engine) EnableAutoSync() { e.orchestrator.EnableAutoSync() }

// DisableAutoSync pauses periodic drains; explicit ForceSync still works.
func (e *Engine) DisableAutoSync() { e.orchestrator.DisableAutoSync() }

// GetStatus returns the engine status snapshot.
func (e *Engine) GetStatus() SyncStatus {
	return e.orchestrator.GetStatus()
}

// OnStatusChange subscribes to engine status transitions. The returned
// function unsubscribes.
func (e *Engine) OnStatusChange(cb func(SyncStatus)) func() {
	return e.orchestrator.OnStatusChange(cb)
}

// GetPending exposes the queued-but-unsynced operations.
func (e *Engine) GetPending() ([]queue.Operation, error) {
	return e.queue.GetPending()
}

// GetFailed exposes the dead-letter operations.
func (e *Engine) GetFailed() ([]queue.Operation, error) {
	return e.queue.GetFailed()
}

// RetryFailed moves dead-letter operations back into the pending set.
func (e *Engine) RetryFailed() (int, error) {
	return e.queue.RetryFailed()
}

// Deduplicate collapses redundant pending operations without draining.
func (e *Engine) Deduplicate() error {
	return e.queue.Deduplicate()
}

// UpdateSyncConfig adjusts drain tuning on the running engine.
func (e *Engine) UpdateSyncConfig(config Config) {
	e.orchestrator.UpdateConfig(config)
}

// DebugInfo is a diagnostic snapshot covering every engine component.
type DebugInfo struct {
	Status      SyncStatus             `json:"status"`
	Config      EngineConfig           `json:"config"`
	Pending     []queue.Operation      `json:"pending"`
	Failed      []queue.Operation      `json:"failed"`
	Conflicts   resolve.Stats          `json:"conflicts"`
	History     []resolve.HistoryEntry `json:"conflictHistory"`
	Performance PerformanceStats       `json:"performance"`
	Listener    *listener.Status       `json:"listener,omitempty"`
}

// GetDebugInfo gathers diagnostics from all components. Failures reading
// the queue leave the corresponding slices empty rather than failing the
// whole snapshot.
func (e *Engine) GetDebugInfo() DebugInfo {
	info := DebugInfo{
		Status:      e.GetStatus(),
		Config:      e.config,
		Conflicts:   e.resolver.Stats(),
		History:     e.resolver.History(),
		Performance: e.orchestrator.GetPerformanceStats(),
	}
	info.Pending, _ = e.queue.GetPending()
	info.Failed, _ = e.queue.GetFailed()

	if e.listener != nil {
		status := e.listener.GetStatus()
		info.Listener = &status
	}
	return info
}
