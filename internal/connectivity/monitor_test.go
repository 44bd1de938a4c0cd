package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/store/storetest"
)

func countLevel(hook *logtest.Hook, level logrus.Level) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			n++
		}
	}
	return n
}

func TestThreeFailedProbesGoOffline(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	primary := storetest.New(entity.DefaultCatalog())
	m := New(primary, DefaultConfig())
	require.True(t, m.IsOnline(), "unknown state is treated as online")

	primary.SetOffline(true)
	for i := 0; i < 3; i++ {
		assert.False(t, m.Probe(context.Background()))
	}

	assert.False(t, m.IsOnline())
	stats := m.Stats()
	assert.Equal(t, 3, stats.ConsecutiveFailures)
	assert.Equal(t, 1, stats.Transitions)
	assert.NotEmpty(t, stats.LastError)
	assert.Equal(t, 1, countLevel(hook, logrus.WarnLevel), "transition is logged once, not per tick")
}

func TestRecoveryRunsHooksOnce(t *testing.T) {
	primary := storetest.New(entity.DefaultCatalog())
	m := New(primary, DefaultConfig())

	var drains atomic.Int32
	m.OnRecover(func(context.Context) { drains.Add(1) })

	// online to online is not a recovery
	require.True(t, m.Probe(context.Background()))
	m.Wait()
	assert.Equal(t, int32(0), drains.Load())

	m.MarkOffline(errors.New("connection reset by peer"))
	assert.False(t, m.IsOnline())

	require.True(t, m.Probe(context.Background()))
	require.True(t, m.Probe(context.Background()))
	m.Wait()
	assert.Equal(t, int32(1), drains.Load())
	assert.Equal(t, 0, m.Stats().ConsecutiveFailures)
}

func TestRecoveryHookOutlivesProbeContext(t *testing.T) {
	primary := storetest.New(entity.DefaultCatalog())
	m := New(primary, DefaultConfig())
	m.MarkOffline(nil)

	hookErr := make(chan error, 1)
	m.OnRecover(func(ctx context.Context) { hookErr <- ctx.Err() })

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, m.Probe(ctx))
	cancel()
	m.Wait()
	assert.NoError(t, <-hookErr)
}

func TestRunProbesOnInterval(t *testing.T) {
	primary := storetest.New(entity.DefaultCatalog())
	m := New(primary, Config{Interval: 5 * time.Millisecond, ProbeTimeout: time.Second})
	primary.SetOffline(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)
	primary.SetOffline(false)
	assert.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.GreaterOrEqual(t, primary.Calls(storetest.OpPing), 2)
}
