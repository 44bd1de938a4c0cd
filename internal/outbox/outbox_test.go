package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-school/school_sync/internal/connectivity"
	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/notify"
	"github.com/smart-school/school_sync/internal/store"
	"github.com/smart-school/school_sync/internal/store/storetest"
)

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (e *eventLog) Emit(_ context.Context, ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func newOutbox(t *testing.T, cfg Config) (*Outbox, *storetest.Fake, *connectivity.Monitor, *eventLog) {
	t.Helper()
	primary := storetest.New(entity.DefaultCatalog())
	monitor := connectivity.New(primary, connectivity.DefaultConfig())
	events := &eventLog{}
	return New(primary, monitor, events, cfg), primary, monitor, events
}

func studentOp(name string) Operation {
	return Operation{
		TenantID:    5,
		Entity:      entity.KindStudent,
		Kind:        OpUpdate,
		Key:         entity.Key{"stu1", int64(5)},
		Payload:     entity.Row{"username": "stu1", "school_id": int64(5), "name": name},
		SourceStore: store.Secondary,
	}
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	o, _, _, _ := newOutbox(t, Config{})
	id, err := o.Enqueue(studentOp("Asha"))
	require.NoError(t, err)

	pending := o.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.False(t, pending[0].CreatedAt.IsZero())
	assert.True(t, o.HasPending(5, entity.KindStudent, entity.Key{"stu1", int64(5)}))
	assert.False(t, o.HasPending(6, entity.KindStudent, entity.Key{"stu1", int64(5)}))
}

func TestEnqueueRespectsMaxSize(t *testing.T) {
	o, _, _, _ := newOutbox(t, Config{MaxSize: 1})
	_, err := o.Enqueue(studentOp("a"))
	require.NoError(t, err)
	_, err = o.Enqueue(studentOp("b"))
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 1, o.Len())
}

// Two operations for the same row apply in enqueue order
func TestDrainAppliesInFIFOOrder(t *testing.T) {
	o, primary, _, events := newOutbox(t, Config{})
	_, _ = o.Enqueue(Operation{
		TenantID: 5, Entity: entity.KindStudent, Kind: OpCreate, Key: entity.Key{"stu1", int64(5)},
		Payload: entity.Row{"username": "stu1", "school_id": int64(5), "name": "first"},
	})
	_, _ = o.Enqueue(studentOp("second"))

	res := o.Drain(context.Background())
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 0, res.Remaining)

	row, ok := primary.Get(entity.KindStudent, entity.Key{"stu1", int64(5)})
	require.True(t, ok)
	assert.Equal(t, "second", row["name"], "the later write wins")

	require.Len(t, events.events, 2)
	assert.Equal(t, "create", events.events[0].Operation)
	assert.Equal(t, "update", events.events[1].Operation)
	assert.Equal(t, notify.SourceOutbox, events.events[1].Source)
}

func TestDrainKeepsLaterOpsBehindAFailedOne(t *testing.T) {
	o, primary, _, _ := newOutbox(t, Config{})
	primary.FailNext(storetest.OpUpsert, errors.New("violates check constraint"))
	_, _ = o.Enqueue(studentOp("first"))
	_, _ = o.Enqueue(studentOp("second"))
	_, _ = o.Enqueue(Operation{
		TenantID: 5, Entity: entity.KindClass, Kind: OpCreate, Key: entity.Key{int64(3)},
		Payload: entity.Row{"id": int64(3), "school_id": int64(5), "class_name": "III"},
	})

	res := o.Drain(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Applied, "unrelated rows still drain")
	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Payload["name"])
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "second", pending[1].Payload["name"])
	assert.Equal(t, 0, pending[1].RetryCount, "not attempted while the earlier write is outstanding")

	res = o.Drain(context.Background())
	assert.Equal(t, 2, res.Applied)
	row, _ := primary.Get(entity.KindStudent, entity.Key{"stu1", int64(5)})
	assert.Equal(t, "second", row["name"])
}

// Five failed attempts abandon the operation and there is no sixth
func TestRetryCeiling(t *testing.T) {
	o, primary, _, _ := newOutbox(t, Config{})
	primary.FailKind(entity.KindStudent, errors.New("duplicate key value violates unique constraint"))
	_, _ = o.Enqueue(studentOp("Asha"))

	for i := 1; i <= 4; i++ {
		res := o.Drain(context.Background())
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 0, res.Abandoned)
		require.Equal(t, 1, o.Len())
		assert.Equal(t, i, o.Pending()[0].RetryCount)
	}

	res := o.Drain(context.Background())
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, 0, o.Len())
	assert.Equal(t, 1, o.Abandoned())

	o.Drain(context.Background())
	assert.Equal(t, 5, primary.Calls(storetest.OpUpsert))
}

func TestConnectivityFailureStopsDrain(t *testing.T) {
	o, primary, monitor, _ := newOutbox(t, Config{})
	for _, name := range []string{"a", "b", "c"} {
		op := studentOp(name)
		op.Key = entity.Key{name, int64(5)}
		op.Payload["username"] = name
		_, _ = o.Enqueue(op)
	}
	primary.FailNext(storetest.OpUpsert, &store.ConnectivityError{Err: errors.New("i/o timeout")})

	res := o.Drain(context.Background())
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, 1, primary.Calls(storetest.OpUpsert), "no cascading timeouts across the backlog")
	assert.False(t, monitor.IsOnline())

	pending := o.Pending()
	assert.Equal(t, 0, pending[1].RetryCount)
	assert.Equal(t, 0, pending[2].RetryCount)
}

func TestDrainIsNoopWhileOffline(t *testing.T) {
	o, primary, monitor, _ := newOutbox(t, Config{})
	_, _ = o.Enqueue(studentOp("Asha"))
	monitor.MarkOffline(nil)

	res := o.Drain(context.Background())
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 0, primary.Calls(storetest.OpUpsert))
}

func TestDrainIsSingleFlight(t *testing.T) {
	o, primary, _, _ := newOutbox(t, Config{})
	_, _ = o.Enqueue(studentOp("Asha"))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	primary.OnCall(func(op storetest.Op, _ entity.Kind) {
		if op == storetest.OpUpsert {
			once.Do(func() { close(started) })
			<-release
		}
	})

	done := make(chan DrainResult)
	go func() { done <- o.Drain(context.Background()) }()
	<-started

	assert.True(t, o.Drain(context.Background()).Skipped)
	close(release)
	assert.Equal(t, 1, (<-done).Applied)
}

func TestDeleteOfMissingRowCountsAsApplied(t *testing.T) {
	o, _, _, _ := newOutbox(t, Config{})
	_, _ = o.Enqueue(Operation{TenantID: 5, Entity: entity.KindFee, Kind: OpDelete, Key: entity.Key{int64(9)}})

	res := o.Drain(context.Background())
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, o.Len())
}

func TestMonitorRecoveryDrains(t *testing.T) {
	o, primary, monitor, _ := newOutbox(t, Config{})
	monitor.OnRecover(func(ctx context.Context) { o.Drain(ctx) })
	monitor.MarkOffline(nil)
	_, _ = o.Enqueue(studentOp("Asha"))

	require.True(t, monitor.Probe(context.Background()))
	monitor.Wait()
	assert.Equal(t, 0, o.Len())
	assert.Equal(t, 1, primary.Calls(storetest.OpUpsert))
}

func TestDrainAdvancesIdentityOncePerEntity(t *testing.T) {
	o, primary, _, _ := newOutbox(t, Config{})
	for id := int64(1); id <= 3; id++ {
		_, err := o.Enqueue(Operation{
			TenantID: 5, Entity: entity.KindFee, Kind: OpCreate, Key: entity.Key{id},
			Payload: entity.Row{"id": id, "school_id": int64(5), "title": "Term"},
		})
		require.NoError(t, err)
	}
	_, err := o.Enqueue(Operation{TenantID: 5, Entity: entity.KindClass, Kind: OpDelete, Key: entity.Key{int64(4)}})
	require.NoError(t, err)

	res := o.Drain(context.Background())
	assert.Equal(t, 4, res.Applied)
	assert.Equal(t, 3, primary.Calls(storetest.OpUpsert))
	assert.Equal(t, 1, primary.Calls(storetest.OpSyncIdentity), "deletes write no keys")
}
