package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsync/recsync/local"
	"github.com/recsync/recsync/queue"
	"github.com/recsync/recsync/remote"
	"github.com/recsync/recsync/resolve"
	"github.com/recsync/recsync/storage/sqlite"
)

func newTestListener(t *testing.T) (*Listener, *remote.MemoryStore, *queue.Queue, *local.MemoryStore) {
	t.Helper()

	store, err := sqlite.New(&sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	q, err := queue.New(store)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	rs := remote.NewMemoryStore()
	localStore := local.NewMemoryStore()
	l := New(Config{Tables: []string{"recipes"}}, rs, q,
		resolve.New(resolve.Config{}), local.NewApplier(localStore))
	t.Cleanup(l.Cleanup)

	return l, rs, q, localStore
}

func TestEventsApplyToLocalState(t *testing.T) {
	l, rs, _, localStore := newTestListener(t)
	require.NoError(t, l.Initialize(context.Background()))
	assert.True(t, l.GetStatus().IsConnected)

	rs.Publish(remote.ChangeEvent{
		Type: remote.EventInsert, Table: "recipes",
		New: remote.Record{"id": "r1", "name": "Soup"},
	})

	rec, ok := localStore.Get("recipes", "r1")
	require.True(t, ok)
	assert.Equal(t, "Soup", rec["name"])

	rs.Publish(remote.ChangeEvent{
		Type: remote.EventUpdate, Table: "recipes",
		New: remote.Record{"id": "r1", "name": "Soup v2"},
	})
	rec, _ = localStore.Get("recipes", "r1")
	assert.Equal(t, "Soup v2", rec["name"])

	rs.Publish(remote.ChangeEvent{
		Type: remote.EventDelete, Table: "recipes",
		Old: remote.Record{"id": "r1"},
	})
	_, ok = localStore.Get("recipes", "r1")
	assert.False(t, ok)

	assert.False(t, l.GetStatus().LastSync.IsZero())
}

func TestPendingLocalEditIsMergedNotClobbered(t *testing.T) {
	l, rs, q, localStore := newTestListener(t)
	require.NoError(t, l.Initialize(context.Background()))

	// An unsynced local edit to r1 is in the queue.
	_, err := q.Add(queue.Operation{
		Kind:      queue.KindUpdate,
		Table:     "recipes",
		Data:      remote.Record{"id": "r1", "title": "T", "notes": "mine"},
		PriorData: remote.Record{"id": "r1", "title": "T", "notes": "old"},
	})
	require.NoError(t, err)

	// Another device edited the title.
	rs.Publish(remote.ChangeEvent{
		Type: remote.EventUpdate, Table: "recipes",
		New: remote.Record{"id": "r1", "title": "T remote", "notes": "old"},
	})

	rec, ok := localStore.Get("recipes", "r1")
	require.True(t, ok)
	assert.Equal(t, "T remote", rec["title"], "remote title edit survives")
	assert.Equal(t, "mine", rec["notes"], "local notes edit survives")

	// The queue entry stays; the next drain reconciles remotely.
	assert.Equal(t, 1, q.GetStatus().PendingCount)
}

func TestMalformedEventsDropped(t *testing.T) {
	l, rs, _, localStore := newTestListener(t)
	require.NoError(t, l.Initialize(context.Background()))

	rs.Publish(remote.ChangeEvent{Type: remote.EventInsert, Table: "recipes"})
	rs.Publish(remote.ChangeEvent{Type: "TRUNCATE", Table: "recipes",
		New: remote.Record{"id": "r1"}})
	rs.Publish(remote.ChangeEvent{Type: remote.EventUpdate, Table: "recipes",
		New: remote.Record{"id": "r2"}, Old: nil})

	_, ok := localStore.Get("recipes", "r1")
	assert.False(t, ok)
}

func TestSubscribeFailureDegrades(t *testing.T) {
	l, _, _, _ := newTestListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Initialize(ctx)
	require.Error(t, err)
	assert.False(t, l.GetStatus().IsConnected, "listener degrades instead of crashing")
}

func TestCleanupStopsDelivery(t *testing.T) {
	l, rs, _, localStore := newTestListener(t)
	require.NoError(t, l.Initialize(context.Background()))
	l.Cleanup()
	assert.False(t, l.GetStatus().IsConnected)

	rs.Publish(remote.ChangeEvent{
		Type: remote.EventInsert, Table: "recipes",
		New: remote.Record{"id": "r1", "name": "Soup"},
	})

	_, ok := localStore.Get("recipes", "r1")
	assert.False(t, ok)
}

func TestStatusNotifications(t *testing.T) {
	l, _, _, _ := newTestListener(t)

	statuses := make(chan Status, 8)
	unsubscribe := l.OnStatusChange(func(s Status) { statuses <- s })
	defer unsubscribe()

	require.NoError(t, l.Initialize(context.Background()))

	select {
	case s := <-statuses:
		assert.True(t, s.IsConnected)
	case <-time.After(time.Second):
		t.Fatal("no notification on connect")
	}
}
