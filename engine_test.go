package recsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsync/recsync/connectivity"
	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/local"
	"github.com/recsync/recsync/queue"
	"github.com/recsync/recsync/remote"
	"github.com/recsync/recsync/storage/sqlite"
)

// connStub drives both connectivity signals from tests.
type connStub struct {
	mu        sync.Mutex
	online    bool
	reachable bool
}

func (c *connStub) Online(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *connStub) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reachable {
		return fmt.Errorf("remote unreachable")
	}
	return nil
}

func (c *connStub) set(online, reachable bool) {
	c.mu.Lock()
	c.online = online
	c.reachable = reachable
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, rs remote.Store, cfg Config) (*Engine, *connStub, *local.MemoryStore) {
	t.Helper()

	store, err := sqlite.New(&sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)

	conn := &connStub{online: true, reachable: true}
	localStore := local.NewMemoryStore()

	eng, err := NewEngine(EngineConfig{Sync: cfg}, rs, localStore,
		WithQueueStore(store),
		WithProbeOptions(connectivity.WithLinkChecker(conn), connectivity.WithPinger(conn)))
	require.NoError(t, err)
	t.Cleanup(func() { eng.Stop() })

	eng.CheckConnectivity(context.Background())
	return eng, conn, localStore
}

func insertOp(table, id string, data remote.Record) queue.Operation {
	if data == nil {
		data = remote.Record{}
	}
	data["id"] = id
	return queue.Operation{Kind: queue.KindInsert, Table: table, Data: data}
}

func TestEnqueueValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, remote.NewMemoryStore(), Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		op   queue.Operation
	}{
		{"unknown kind", queue.Operation{Kind: "UPSERT", Table: "recipes", Data: remote.Record{"id": "r1"}}},
		{"missing table", queue.Operation{Kind: queue.KindInsert, Data: remote.Record{"id": "r1"}}},
		{"missing record id", queue.Operation{Kind: queue.KindInsert, Table: "recipes", Data: remote.Record{}}},
		{"missing data", queue.Operation{Kind: queue.KindUpdate, Table: "recipes", PriorData: remote.Record{"id": "r1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Enqueue(ctx, tc.op)
			require.Error(t, err)
			assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
		})
	}

	assert.Equal(t, 0, eng.GetStatus().Queue.PendingCount, "rejected mutations never enter the queue")
}

func TestEnqueueMirrorsLocalState(t *testing.T) {
	eng, conn, localStore := newTestEngine(t, remote.NewMemoryStore(), Config{})
	conn.set(false, false)
	eng.CheckConnectivity(context.Background())

	_, err := eng.Enqueue(context.Background(), insertOp("recipes", "r1", remote.Record{"name": "Soup"}))
	require.NoError(t, err)

	rec, ok := localStore.Get("recipes", "r1")
	require.True(t, ok, "the application sees its own write before any network round trip")
	assert.Equal(t, "Soup", rec["name"])

	_, err = eng.Enqueue(context.Background(), queue.Operation{
		Kind: queue.KindDelete, Table: "recipes", Data: remote.Record{"id": "r1"},
	})
	require.NoError(t, err)

	_, ok = localStore.Get("recipes", "r1")
	assert.False(t, ok)
}

func TestOfflineEditsDrainWhenConnectivityReturns(t *testing.T) {
	rs := remote.NewMemoryStore()
	eng, conn, _ := newTestEngine(t, rs, Config{})

	conn.set(false, false)
	eng.CheckConnectivity(context.Background())

	for i := 0; i < 5; i++ {
		_, err := eng.Enqueue(context.Background(),
			insertOp("recipes", fmt.Sprintf("r%d", i), remote.Record{"idx": i}))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, eng.GetStatus().Queue.PendingCount)

	// Still offline: the drain is gated, nothing is lost.
	err := eng.ForceSync(context.Background())
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindConnectivity))
	assert.Equal(t, 5, eng.GetStatus().Queue.PendingCount)

	conn.set(true, true)
	eng.CheckConnectivity(context.Background())
	require.NoError(t, eng.ForceSync(context.Background()))

	assert.Equal(t, 0, eng.GetStatus().Queue.PendingCount)
	for i := 0; i < 5; i++ {
		assert.NotNil(t, rs.Get("recipes", fmt.Sprintf("r%d", i)))
	}
}

func TestRepeatedFailuresDeadLetter(t *testing.T) {
	rs := remote.NewMemoryStore()
	rs.OnInsert = func(table string, record remote.Record) error {
		return syncErrors.NewConnectivityError(syncErrors.OpApply, fmt.Errorf("backend flapping"))
	}

	// Long backoff keeps the automatic retry timer out of the test; every
	// drain below is an explicit ForceSync.
	eng, conn, _ := newTestEngine(t, rs, Config{
		MaxRetries: 2,
		Backoff:    BackoffConfig{Initial: time.Minute, Max: time.Minute},
	})
	conn.set(false, false)
	eng.CheckConnectivity(context.Background())

	_, err := eng.Enqueue(context.Background(), insertOp("recipes", "r1", nil))
	require.NoError(t, err)

	conn.set(true, true)
	eng.CheckConnectivity(context.Background())

	require.Error(t, eng.ForceSync(context.Background()))
	status := eng.GetStatus()
	assert.Equal(t, StateBackoff, status.State)
	assert.Equal(t, 1, status.ConsecutiveFailures)

	require.Error(t, eng.ForceSync(context.Background()))

	status = eng.GetStatus()
	assert.Equal(t, 0, status.Queue.PendingCount)
	assert.Equal(t, 1, status.Queue.FailedCount, "operation dead-lettered after retry ceiling")

	// Manual recovery once the backend is healthy again.
	rs.OnInsert = nil
	n, err := eng.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, eng.ForceSync(context.Background()))
	assert.Equal(t, 0, eng.GetStatus().Queue.PendingCount)
	assert.NotNil(t, rs.Get("recipes", "r1"))
}

func TestDivergenceReconciledFieldByField(t *testing.T) {
	rs := remote.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, rs.Insert(ctx, "recipes", remote.Record{
		"id": "r1", "title": "Remote title", "notes": "old",
		"updatedAt": "2026-03-01T11:00:00Z",
	}))

	var calls int
	var callsMu sync.Mutex
	rs.OnUpdate = func(table string, record remote.Record) error {
		callsMu.Lock()
		defer callsMu.Unlock()
		calls++
		if calls == 1 {
			return syncErrors.NewDivergenceError(syncErrors.OpApply,
				fmt.Errorf("stale write"), rs.Get(table, record.ID()))
		}
		return nil
	}

	eng, conn, localStore := newTestEngine(t, rs, Config{})
	conn.set(false, false)
	eng.CheckConnectivity(ctx)

	_, err := eng.Enqueue(ctx, queue.Operation{
		Kind:  queue.KindUpdate,
		Table: "recipes",
		Data:  remote.Record{"id": "r1", "title": "Old title", "notes": "mine"},
		PriorData: remote.Record{
			"id": "r1", "title": "Old title", "notes": "old",
		},
	})
	require.NoError(t, err)

	conn.set(true, true)
	eng.CheckConnectivity(ctx)
	require.NoError(t, eng.ForceSync(ctx))

	assert.Equal(t, 0, eng.GetStatus().Queue.PendingCount)

	// Remote kept its title edit, local kept its notes edit.
	merged := rs.Get("recipes", "r1")
	require.NotNil(t, merged)
	assert.Equal(t, "Remote title", merged["title"])
	assert.Equal(t, "mine", merged["notes"])

	localRec, ok := localStore.Get("recipes", "r1")
	require.True(t, ok)
	assert.Equal(t, "Remote title", localRec["title"])
	assert.Equal(t, "mine", localRec["notes"])

	stats := eng.GetDebugInfo().Conflicts
	assert.Equal(t, 1, stats.TotalConflicts)
}

func TestConcurrentSyncRequestsAwaitInFlightDrain(t *testing.T) {
	rs := remote.NewMemoryStore()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rs.OnInsert = func(table string, record remote.Record) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}

	eng, conn, _ := newTestEngine(t, rs, Config{})
	conn.set(false, false)
	eng.CheckConnectivity(context.Background())

	_, err := eng.Enqueue(context.Background(), insertOp("recipes", "r1", nil))
	require.NoError(t, err)

	conn.set(true, true)
	eng.CheckConnectivity(context.Background())

	results := make(chan error, 4)
	go func() { results <- eng.ForceSync(context.Background()) }()
	<-started

	// Requests during a drain fold into one follow-up pass, but each caller
	// still awaits the in-flight cycle rather than returning early.
	for i := 0; i < 3; i++ {
		go func() { results <- eng.ForceSync(context.Background()) }()
	}

	select {
	case err := <-results:
		t.Fatalf("ForceSync returned %v while the drain was still blocked", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, 0, eng.GetStatus().Queue.PendingCount)
}

func TestCoalescedCallersReceiveDrainError(t *testing.T) {
	rs := remote.NewMemoryStore()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rs.OnInsert = func(table string, record remote.Record) error {
		once.Do(func() { close(started) })
		<-release
		return syncErrors.NewConnectivityError(syncErrors.OpApply, fmt.Errorf("backend flapping"))
	}

	eng, conn, _ := newTestEngine(t, rs, Config{
		Backoff: BackoffConfig{Initial: time.Minute, Max: time.Minute},
	})
	conn.set(false, false)
	eng.CheckConnectivity(context.Background())

	_, err := eng.Enqueue(context.Background(), insertOp("recipes", "r1", nil))
	require.NoError(t, err)

	conn.set(true, true)
	eng.CheckConnectivity(context.Background())

	first := make(chan error, 1)
	go func() { first <- eng.ForceSync(context.Background()) }()
	<-started

	second := make(chan error, 1)
	go func() { second <- eng.ForceSync(context.Background()) }()

	close(release)
	require.Error(t, <-first)

	// The coalesced caller sees the cycle's failure, not a silent nil.
	err = <-second
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindConnectivity))
}

func TestDisableAutoSyncStopsAutomaticDrains(t *testing.T) {
	rs := remote.NewMemoryStore()
	eng, conn, _ := newTestEngine(t, rs, Config{})
	ctx := context.Background()

	require.NoError(t, eng.Start(ctx))
	eng.DisableAutoSync()

	conn.set(false, false)
	eng.CheckConnectivity(ctx)
	_, err := eng.Enqueue(ctx, insertOp("recipes", "r1", nil))
	require.NoError(t, err)

	// Connectivity returning does not trigger a drain while auto sync is
	// off.
	conn.set(true, true)
	eng.CheckConnectivity(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, eng.GetStatus().Queue.PendingCount)

	// Neither does a fresh enqueue while reachable.
	_, err = eng.Enqueue(ctx, insertOp("recipes", "r2", nil))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, eng.GetStatus().Queue.PendingCount)

	// Explicit sync still drains.
	require.NoError(t, eng.ForceSync(ctx))
	assert.Equal(t, 0, eng.GetStatus().Queue.PendingCount)
}

func TestPerformanceStatsTrackApplies(t *testing.T) {
	eng, _, _ := newTestEngine(t, remote.NewMemoryStore(), Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := eng.Enqueue(ctx, insertOp("recipes", fmt.Sprintf("r%d", i), nil))
		require.NoError(t, err)
	}
	require.NoError(t, eng.ForceSync(ctx))

	require.Eventually(t, func() bool {
		return eng.GetStatus().Queue.PendingCount == 0
	}, time.Second, 5*time.Millisecond)

	perf := eng.GetDebugInfo().Performance
	assert.Equal(t, 3, perf.Operations)
	assert.NotZero(t, perf.Max)
	assert.LessOrEqual(t, perf.Min, perf.Average)
	assert.LessOrEqual(t, perf.Average, perf.Max)
}

func TestUpdateSyncConfigLowersRetryCeiling(t *testing.T) {
	rs := remote.NewMemoryStore()
	rs.OnInsert = func(table string, record remote.Record) error {
		return syncErrors.NewConnectivityError(syncErrors.OpApply, fmt.Errorf("backend flapping"))
	}

	eng, conn, _ := newTestEngine(t, rs, Config{
		MaxRetries: 5,
		Backoff:    BackoffConfig{Initial: time.Minute, Max: time.Minute},
	})
	conn.set(false, false)
	eng.CheckConnectivity(context.Background())

	_, err := eng.Enqueue(context.Background(), insertOp("recipes", "r1", nil))
	require.NoError(t, err)

	eng.UpdateSyncConfig(Config{
		MaxRetries: 1,
		Backoff:    BackoffConfig{Initial: time.Minute, Max: time.Minute},
	})

	conn.set(true, true)
	eng.CheckConnectivity(context.Background())
	require.Error(t, eng.ForceSync(context.Background()))

	status := eng.GetStatus()
	assert.Equal(t, 0, status.Queue.PendingCount)
	assert.Equal(t, 1, status.Queue.FailedCount, "lowered ceiling dead-letters on the first failure")
}

func TestStoppedEngineRejectsSync(t *testing.T) {
	eng, _, _ := newTestEngine(t, remote.NewMemoryStore(), Config{})
	require.NoError(t, eng.Stop())

	err := eng.ForceSync(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, eng.GetStatus().State)
}

func TestStatusNotificationsDuringDrain(t *testing.T) {
	eng, _, _ := newTestEngine(t, remote.NewMemoryStore(), Config{})

	var mu sync.Mutex
	var states []State
	unsubscribe := eng.OnStatusChange(func(s SyncStatus) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	defer unsubscribe()

	_, err := eng.Enqueue(context.Background(), insertOp("recipes", "r1", nil))
	require.NoError(t, err)
	require.NoError(t, eng.ForceSync(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		seen := map[State]bool{}
		for _, s := range states {
			seen[s] = true
		}
		return seen[StateDraining] && seen[StateIdle]
	}, time.Second, 5*time.Millisecond)
}
