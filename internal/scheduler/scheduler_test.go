package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-school/school_sync/internal/reconcile"
)

type call struct {
	tenantID int64
	mode     reconcile.Mode
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []call
	started chan call
	release chan struct{}
	fail    atomic.Bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan call, 64)}
}

func (f *fakeEngine) ReconcileTenant(ctx context.Context, tenantID int64, mode reconcile.Mode) reconcile.Summary {
	c := call{tenantID: tenantID, mode: mode}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	release := f.release
	f.mu.Unlock()
	select {
	case f.started <- c:
	default:
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	sum := reconcile.Summary{TenantID: tenantID, Mode: mode}
	if f.fail.Load() {
		sum.Err = errors.New("primary store: connection refused")
		sum.Error = sum.Err.Error()
	}
	return sum
}

func (f *fakeEngine) callsFor(tenantID int64) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.tenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

type fakeConn struct{ offline atomic.Bool }

func (f *fakeConn) IsOnline() bool { return !f.offline.Load() }

func newCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeEngine, *fakeConn) {
	t.Helper()
	engine, conn := newFakeEngine(), &fakeConn{}
	c := New(engine, conn, cfg)
	t.Cleanup(c.Close)
	return c, engine, conn
}

func web() ClientContext { return ClientContext{Platform: "web"} }

func TestLoginRunsInitialFullPass(t *testing.T) {
	c, engine, _ := newCoordinator(t, Config{Interval: time.Hour})

	sum, err := c.TriggerLoginSync(context.Background(), 5, "s1", web())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, reconcile.ModeFull, sum.Mode)
	assert.Equal(t, []call{{5, reconcile.ModeFull}}, engine.callsFor(5))

	st, ok := c.Status(5)
	require.True(t, ok)
	assert.True(t, st.Active)
	assert.True(t, st.IsPeriodicSyncRunning)
	assert.False(t, st.Syncing)
	assert.Equal(t, 1, st.Sessions)
	assert.NotNil(t, st.LastFullSyncAt)
	assert.Empty(t, st.LastError)
}

func TestIneligiblePlatformCreatesNoState(t *testing.T) {
	c, engine, _ := newCoordinator(t, Config{})

	for _, p := range []string{"Android", "iOS", "mobile"} {
		_, err := c.TriggerLoginSync(context.Background(), 5, "s1", ClientContext{Platform: p})
		assert.ErrorIs(t, err, ErrIneligible)
	}
	_, ok := c.Status(5)
	assert.False(t, ok)
	assert.Empty(t, c.AllStatus())
	assert.Empty(t, engine.callsFor(5))
}

func TestPeriodicPassesAreIncrementalAfterFirstFull(t *testing.T) {
	c, engine, _ := newCoordinator(t, Config{Interval: 5 * time.Millisecond})
	_, err := c.TriggerLoginSync(context.Background(), 5, "s1", web())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(engine.callsFor(5)) >= 3 }, time.Second, time.Millisecond)
	calls := engine.callsFor(5)
	assert.Equal(t, reconcile.ModeFull, calls[0].mode)
	for _, c := range calls[1:] {
		assert.Equal(t, reconcile.ModeIncremental, c.mode)
	}
}

func TestOfflineLoginArmsTimerWithoutPass(t *testing.T) {
	c, engine, conn := newCoordinator(t, Config{Interval: 5 * time.Millisecond})
	conn.offline.Store(true)

	sum, err := c.TriggerLoginSync(context.Background(), 5, "s1", web())
	require.NoError(t, err)
	assert.Nil(t, sum)
	st, _ := c.Status(5)
	assert.True(t, st.IsPeriodicSyncRunning)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, engine.callsFor(5), "ticks are no-ops while offline")

	conn.offline.Store(false)
	require.Eventually(t, func() bool { return len(engine.callsFor(5)) >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, reconcile.ModeFull, engine.callsFor(5)[0].mode, "the first pass after an offline login is full")
}

// Logout stops periodic sync immediately
func TestLogoutStopsPeriodicSync(t *testing.T) {
	c, engine, _ := newCoordinator(t, Config{Interval: 5 * time.Millisecond})
	_, err := c.TriggerLoginSync(context.Background(), 5, "s1", web())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(engine.callsFor(5)) >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, c.HandleLogout(5, "s1"))
	st, _ := c.Status(5)
	assert.False(t, st.IsPeriodicSyncRunning)
	assert.False(t, st.Active)

	// a tick already past its lock check may still finish
	time.Sleep(10 * time.Millisecond)
	n := len(engine.callsFor(5))
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, len(engine.callsFor(5)))

	assert.ErrorIs(t, c.HandleLogout(5, "s1"), ErrNotActive)
}

func TestTenantStaysActiveWhileSessionsRemain(t *testing.T) {
	c, _, _ := newCoordinator(t, Config{Interval: time.Hour})
	_, _ = c.TriggerLoginSync(context.Background(), 5, "s1", web())
	_, _ = c.TriggerLoginSync(context.Background(), 5, "s2", web())

	require.NoError(t, c.HandleLogout(5, "s1"))
	st, _ := c.Status(5)
	assert.True(t, st.IsPeriodicSyncRunning)
	assert.Equal(t, 1, st.Sessions)

	require.NoError(t, c.HandleLogout(5, "s2"))
	st, _ = c.Status(5)
	assert.False(t, st.IsPeriodicSyncRunning)
}

func TestOverlappingPassIsRejected(t *testing.T) {
	c, engine, _ := newCoordinator(t, Config{Interval: time.Hour})
	engine.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := c.TriggerLoginSync(context.Background(), 5, "s1", web())
		done <- err
	}()
	<-engine.started

	st, _ := c.Status(5)
	assert.True(t, st.Syncing)
	_, err := c.ForceSync(context.Background(), 5)
	assert.ErrorIs(t, err, ErrSyncing)
	_, err = c.TriggerLoginSync(context.Background(), 5, "s2", web())
	assert.ErrorIs(t, err, ErrSyncing)

	close(engine.release)
	require.NoError(t, <-done)
	assert.Len(t, engine.callsFor(5), 1)
}

func TestForceSync(t *testing.T) {
	c, engine, conn := newCoordinator(t, Config{})

	sum, err := c.ForceSync(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, reconcile.ModeFull, sum.Mode)
	st, ok := c.Status(9)
	require.True(t, ok)
	assert.False(t, st.Active, "a forced pass does not register a session")
	assert.False(t, st.IsPeriodicSyncRunning)

	conn.offline.Store(true)
	_, err = c.ForceSync(context.Background(), 9)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Len(t, engine.callsFor(9), 1)
}

func TestFailedPassIsRecorded(t *testing.T) {
	c, engine, _ := newCoordinator(t, Config{Interval: 5 * time.Millisecond})
	engine.fail.Store(true)

	_, err := c.TriggerLoginSync(context.Background(), 5, "s1", web())
	require.NoError(t, err)
	st, _ := c.Status(5)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Nil(t, st.LastSyncAt)

	require.Eventually(t, func() bool { return len(engine.callsFor(5)) >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, reconcile.ModeFull, engine.callsFor(5)[1].mode, "full pass is retried until one succeeds")
}

func TestSharedPolicyHandsOffTimer(t *testing.T) {
	c, _, _ := newCoordinator(t, Config{Interval: time.Hour, Policy: PolicyShared})
	for _, id := range []int64{9, 5, 7} {
		_, err := c.TriggerLoginSync(context.Background(), id, "s", web())
		require.NoError(t, err)
	}

	running := func() []int64 {
		var ids []int64
		for _, st := range c.AllStatus() {
			if st.IsPeriodicSyncRunning {
				ids = append(ids, st.TenantID)
			}
		}
		return ids
	}
	assert.Equal(t, []int64{7}, running(), "the latest login owns the timer")

	require.NoError(t, c.HandleLogout(7, "s"))
	assert.Equal(t, []int64{5}, running(), "handed to the lowest active tenant")

	require.NoError(t, c.HandleLogout(5, "s"))
	require.NoError(t, c.HandleLogout(9, "s"))
	assert.Empty(t, running())
}

func TestPerTenantPolicyRunsIndependentTimers(t *testing.T) {
	c, _, _ := newCoordinator(t, Config{Interval: time.Hour})
	_, _ = c.TriggerLoginSync(context.Background(), 5, "s", web())
	_, _ = c.TriggerLoginSync(context.Background(), 7, "s", web())

	all := c.AllStatus()
	require.Len(t, all, 2)
	assert.Equal(t, int64(5), all[0].TenantID)
	assert.True(t, all[0].IsPeriodicSyncRunning)
	assert.True(t, all[1].IsPeriodicSyncRunning)
}

func TestCloseStopsTimers(t *testing.T) {
	engine, conn := newFakeEngine(), &fakeConn{}
	c := New(engine, conn, Config{Interval: time.Hour})
	_, _ = c.TriggerLoginSync(context.Background(), 5, "s", web())

	c.Close()
	st, _ := c.Status(5)
	assert.False(t, st.IsPeriodicSyncRunning)
	_, err := c.TriggerLoginSync(context.Background(), 5, "s2", web())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPlatformClass(t *testing.T) {
	assert.Equal(t, PlatformMobile, PlatformClass(" Android "))
	assert.Equal(t, "desktop", PlatformClass("Desktop"))
	c := New(newFakeEngine(), &fakeConn{}, Config{IneligiblePlatforms: []string{}})
	assert.True(t, c.Eligible(ClientContext{Platform: "ios"}), "empty policy allows every platform")
}
