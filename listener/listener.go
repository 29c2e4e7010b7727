// Package listener applies remote change-stream events to local state. It
// is push-driven and advisory: when the stream is unavailable the engine
// still converges through queue drains, just more slowly.
package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/internal/dispatch"
	"github.com/recsync/recsync/local"
	"github.com/recsync/recsync/logging"
	"github.com/recsync/recsync/queue"
	"github.com/recsync/recsync/remote"
	"github.com/recsync/recsync/resolve"
)

// Status is a snapshot of the listener's stream state.
type Status struct {
	IsConnected bool      `json:"isConnected"`
	LastSync    time.Time `json:"lastSync,omitempty"`
}

// Config configures the listener.
type Config struct {
	// Tables to subscribe to. Each table gets its own subscription.
	Tables []string `yaml:"tables"`
}

// Listener subscribes to per-table change streams and folds incoming
// events into local state, deferring to the queue when a local edit for
// the same record is still unsynced.
type Listener struct {
	mu            sync.Mutex
	config        Config
	remote        remote.Store
	queue         *queue.Queue
	resolver      *resolve.Resolver
	applier       *local.Applier
	unsubscribers []func()
	connected     bool
	lastSync      time.Time
	notifier      *dispatch.Notifier[Status]
	logger        *logging.Logger
}

// New wires a listener to its collaborators. Call Initialize to subscribe.
func New(config Config, remoteStore remote.Store, q *queue.Queue, resolver *resolve.Resolver, applier *local.Applier) *Listener {
	return &Listener{
		config:   config,
		remote:   remoteStore,
		queue:    q,
		resolver: resolver,
		applier:  applier,
		notifier: dispatch.NewNotifier[Status]("listener"),
		logger:   logging.WithComponent("listener"),
	}
}

// Initialize subscribes to every configured table. Failure to subscribe is
// degraded operation, not a startup error: the listener logs it, stays
// disconnected, and returns the cause for the caller's log line.
func (l *Listener) Initialize(ctx context.Context) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	var unsubscribers []func()
	for _, table := range l.config.Tables {
		table := table
		unsubscribe, err := l.remote.Subscribe(ctx, table, func(event remote.ChangeEvent) {
			l.handleEvent(event)
		})
		if err != nil {
			for _, u := range unsubscribers {
				u()
			}
			wrapped := syncErrors.WrapOpComponent(err, syncErrors.OpSubscribe, "listener")
			l.logger.LogError(ctx, wrapped, "subscription failed", slog.String("table", table))
			return wrapped
		}
		unsubscribers = append(unsubscribers, unsubscribe)
	}

	l.mu.Lock()
	l.unsubscribers = unsubscribers
	l.connected = true
	status := l.statusLocked()
	l.mu.Unlock()

	l.logger.Info("change stream connected", "tables", l.config.Tables)
	l.notifier.Publish(status)
	return nil
}

// Cleanup tears down all subscriptions.
func (l *Listener) Cleanup() {
	l.mu.Lock()
	unsubscribers := l.unsubscribers
	l.unsubscribers = nil
	wasConnected := l.connected
	l.connected = false
	status := l.statusLocked()
	l.mu.Unlock()

	for _, u := range unsubscribers {
		u()
	}
	if wasConnected {
		l.notifier.Publish(status)
	}
}

// GetStatus returns the current stream status.
func (l *Listener) GetStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

// OnStatusChange subscribes to stream status transitions, delivered in
// order. The returned function unsubscribes.
func (l *Listener) OnStatusChange(cb func(Status)) func() {
	return l.notifier.Subscribe(cb)
}

// handleEvent folds one change-stream event into local state.
//
// When a pending local edit targets the same record the incoming version is
// merged against it instead of clobbering it, and the queue entry stays
// put: the next drain pushes the local edit, hits divergence, and reconciles
// remotely through the same resolver.
func (l *Listener) handleEvent(event remote.ChangeEvent) {
	rid := event.RecordID()
	if rid == "" || event.Table == "" {
		l.logger.Warn("dropping malformed change event",
			"event_type", string(event.Type),
			"table", event.Table)
		return
	}

	l.mu.Lock()
	l.lastSync = time.Now()
	status := l.statusLocked()
	l.mu.Unlock()
	l.notifier.Publish(status)

	if pending, ok := l.queue.PendingFor(event.Table, rid); ok {
		l.mergePending(event, pending)
		return
	}

	var err error
	switch event.Type {
	case remote.EventDelete:
		err = l.applier.Delete(event.Table, rid)
	case remote.EventInsert, remote.EventUpdate:
		if event.New == nil {
			l.logger.Warn("dropping change event without record payload",
				"event_type", string(event.Type),
				"table", event.Table,
				"record_id", rid)
			return
		}
		err = l.applier.Apply(event.Table, rid, event.New)
	default:
		l.logger.Warn("dropping change event of unknown type",
			"event_type", string(event.Type),
			"table", event.Table,
			"record_id", rid)
		return
	}
	if err != nil {
		l.logger.LogError(context.Background(), err, "failed to apply change event",
			slog.String("table", event.Table), slog.String("record_id", rid))
	}
}

func (l *Listener) mergePending(event remote.ChangeEvent, pending queue.Operation) {
	rid := event.RecordID()

	res := l.resolver.Resolve(resolve.ConflictContext{
		Table:  event.Table,
		Kind:   pending.Kind,
		Local:  pending.Data,
		Remote: event.New,
		Prior:  pending.PriorData,
	})

	var err error
	if res.Resolved == nil {
		err = l.applier.Delete(event.Table, rid)
	} else {
		err = l.applier.Apply(event.Table, res.Resolved.ID(), res.Resolved)
	}
	if err != nil {
		l.logger.LogError(context.Background(), err, "failed to apply merged record",
			slog.String("table", event.Table), slog.String("record_id", rid))
		return
	}

	l.logger.Debug("merged incoming change with pending local edit",
		"table", event.Table,
		"record_id", rid,
		"strategy", string(res.Strategy))
}

func (l *Listener) statusLocked() Status {
	return Status{IsConnected: l.connected, LastSync: l.lastSync}
}

