package connectivity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/recsync/recsync/errors"
)

type stubLink struct {
	mu     sync.Mutex
	online bool
}

func (s *stubLink) Online(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *stubLink) set(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

type stubPinger struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubPinger) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubPinger) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestProbe(link *stubLink, pinger *stubPinger) *Probe {
	return New(Config{}, WithLinkChecker(link), WithPinger(pinger))
}

func TestCanAttemptOperationsRequiresBothSignals(t *testing.T) {
	link := &stubLink{online: true}
	pinger := &stubPinger{}
	probe := newTestProbe(link, pinger)

	probe.CheckNow(context.Background())
	assert.True(t, probe.IsOnline())
	assert.True(t, probe.IsRemoteReachable())
	assert.True(t, probe.CanAttemptOperations())

	// Link up but backend down: no operations.
	pinger.mu.Lock()
	pinger.err = fmt.Errorf("backend down for maintenance")
	pinger.mu.Unlock()
	probe.CheckNow(context.Background())
	assert.True(t, probe.IsOnline())
	assert.False(t, probe.IsRemoteReachable())
	assert.False(t, probe.CanAttemptOperations())

	link.set(false)
	probe.CheckNow(context.Background())
	assert.False(t, probe.CanAttemptOperations())
}

func TestPingSkippedWhileOffline(t *testing.T) {
	link := &stubLink{online: false}
	pinger := &stubPinger{}
	probe := newTestProbe(link, pinger)

	probe.CheckNow(context.Background())
	assert.Equal(t, 0, pinger.callCount(), "no remote probe without a link")

	link.set(true)
	probe.CheckNow(context.Background())
	assert.Equal(t, 1, pinger.callCount())
}

func TestStatusSnapshot(t *testing.T) {
	link := &stubLink{online: true}
	probe := newTestProbe(link, &stubPinger{})

	before := time.Now()
	status := probe.CheckNow(context.Background())
	assert.True(t, status.IsOnline)
	assert.True(t, status.IsRemoteReachable)
	assert.False(t, status.LastChecked.Before(before))
	assert.Equal(t, status, probe.GetStatus())
}

func TestNotifyOnTransitionsOnly(t *testing.T) {
	link := &stubLink{online: true}
	probe := newTestProbe(link, &stubPinger{})

	statuses := make(chan Status, 16)
	unsubscribe := probe.OnStatusChange(func(s Status) { statuses <- s })
	defer unsubscribe()

	// Offline -> online fires.
	probe.CheckNow(context.Background())
	select {
	case s := <-statuses:
		require.True(t, s.IsOnline)
	case <-time.After(time.Second):
		t.Fatal("no notification on transition")
	}

	// Same result again stays silent.
	probe.CheckNow(context.Background())
	select {
	case <-statuses:
		t.Fatal("notification without a transition")
	case <-time.After(50 * time.Millisecond):
	}

	link.set(false)
	probe.CheckNow(context.Background())
	select {
	case s := <-statuses:
		assert.False(t, s.IsOnline)
	case <-time.After(time.Second):
		t.Fatal("no notification on loss of connectivity")
	}
}

func TestHTTPPingerFailuresAreRetryable(t *testing.T) {
	pinger := &httpPinger{url: "http://127.0.0.1:1"}

	err := pinger.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, syncErrors.IsRetryable(err))
}

func TestStartProbesPeriodically(t *testing.T) {
	link := &stubLink{online: true}
	pinger := &stubPinger{}
	probe := New(Config{Interval: 10 * time.Millisecond},
		WithLinkChecker(link), WithPinger(pinger))

	probe.Start(context.Background())
	defer probe.Stop()

	require.Eventually(t, func() bool {
		return pinger.callCount() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestStopHaltsProbing(t *testing.T) {
	link := &stubLink{online: true}
	pinger := &stubPinger{}
	probe := New(Config{Interval: 10 * time.Millisecond},
		WithLinkChecker(link), WithPinger(pinger))

	probe.Start(context.Background())
	require.Eventually(t, func() bool {
		return pinger.callCount() >= 1
	}, time.Second, 5*time.Millisecond)
	probe.Stop()

	calls := pinger.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, pinger.callCount(), calls+1, "at most one in-flight probe after Stop")
}
