package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/notify"
	"github.com/smart-school/school_sync/internal/reconcile"
	"github.com/smart-school/school_sync/internal/scheduler"
	"github.com/smart-school/school_sync/internal/store/storetest"
)

var web = scheduler.ClientContext{Platform: "web", UserAgent: "Mozilla/5.0"}

func newTestService(t *testing.T, withSecondary bool) (*Service, *storetest.Fake, *storetest.Fake) {
	t.Helper()
	catalog := entity.DefaultCatalog()
	primary := storetest.New(catalog)
	var secondary *storetest.Fake
	var s *Service
	if withSecondary {
		secondary = storetest.New(catalog)
		s = NewService(catalog, primary, secondary, notify.Nop{}, DefaultConfig())
	} else {
		s = NewService(catalog, primary, nil, notify.Nop{}, DefaultConfig())
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, primary, secondary
}

func seedTenant(f *storetest.Fake, tenant int64, students int) {
	f.Seed(entity.KindSchool, entity.Row{"id": tenant, "name": "Hillview", "is_active": true})
	f.Seed(entity.KindClass, entity.Row{"id": int64(3), "school_id": tenant, "class_name": "III", "section": "A"})
	for i := 1; i <= students; i++ {
		name := fmt.Sprintf("stu%02d", i)
		f.Seed(entity.KindUser, entity.Row{"username": name, "school_id": tenant, "role": "student", "name": name})
		f.Seed(entity.KindStudent, entity.Row{"username": name, "school_id": tenant, "name": "Student " + name, "class_id": int64(3)})
	}
}

func TestLoginSyncCopiesTenant(t *testing.T) {
	s, primary, secondary := newTestService(t, true)
	seedTenant(primary, 5, 3)

	resp := s.TriggerLoginSync(context.Background(), 5, "session-1", web)
	require.True(t, resp.Success, resp.Message)
	require.NotNil(t, resp.Summary)
	assert.Contains(t, resp.Message, "Initial sync completed")
	assert.Equal(t, reconcile.ModeFull, resp.Summary.Mode)
	assert.Len(t, secondary.Rows(entity.KindStudent, 5), 3)
	assert.Len(t, secondary.Rows(entity.KindUser, 5), 3)

	status := s.SyncStatus(5)
	require.NotNil(t, status.Status)
	assert.True(t, status.Status.IsPeriodicSyncRunning)
	assert.True(t, status.Connectivity.Online)

	logout := s.HandleLogout(5, "session-1")
	assert.True(t, logout.Success)
	assert.Equal(t, "Periodic sync stopped", logout.Message)
	assert.False(t, s.SyncStatus(5).Status.IsPeriodicSyncRunning)
}

func TestLogoutKeepsSyncForRemainingSessions(t *testing.T) {
	s, primary, _ := newTestService(t, true)
	seedTenant(primary, 5, 1)
	require.True(t, s.TriggerLoginSync(context.Background(), 5, "a", web).Success)
	require.True(t, s.TriggerLoginSync(context.Background(), 5, "b", web).Success)

	resp := s.HandleLogout(5, "a")
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "1 session(s) still active")

	resp = s.HandleLogout(7, "a")
	assert.False(t, resp.Success)
}

func TestLoginSyncWhileOffline(t *testing.T) {
	s, primary, secondary := newTestService(t, true)
	seedTenant(primary, 5, 2)
	primary.SetOffline(true)
	require.False(t, s.Monitor().Probe(context.Background()))

	resp := s.TriggerLoginSync(context.Background(), 5, "session-1", web)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Summary)
	assert.Contains(t, resp.Message, "offline")
	assert.Empty(t, secondary.Rows(entity.KindStudent, 5))

	status := s.SyncStatus(5)
	assert.True(t, status.Status.IsPeriodicSyncRunning)
	assert.False(t, status.Connectivity.Online)

	forced := s.ForceSync(context.Background(), 5)
	assert.False(t, forced.Success)
	assert.Contains(t, forced.Message, scheduler.ErrOffline.Error())
}

func TestMobileClientsAreRejected(t *testing.T) {
	s, _, _ := newTestService(t, true)

	resp := s.TriggerLoginSync(context.Background(), 5, "session-1", scheduler.ClientContext{Platform: "Android"})
	assert.False(t, resp.Success)
	assert.Equal(t, "Sync is disabled for mobile clients", resp.Message)
	assert.Empty(t, s.AllSyncStatus().Tenants)
}

func TestSingleStoreMode(t *testing.T) {
	s, primary, _ := newTestService(t, false)
	require.True(t, s.Router().SingleStore())

	resp := s.TriggerLoginSync(context.Background(), 5, "session-1", web)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Summary)

	forced := s.ForceSync(context.Background(), 5)
	assert.False(t, forced.Success)
	assert.Equal(t, reconcile.ErrNoSecondary.Error(), forced.Message)

	_, err := s.Router().Entity(entity.KindClass).Create(context.Background(), 5,
		entity.Row{"class_name": "IV", "section": "B"})
	require.NoError(t, err)
	assert.Len(t, primary.Rows(entity.KindClass, 5), 1)
}

func TestForceSyncReportsCounts(t *testing.T) {
	s, primary, secondary := newTestService(t, true)
	seedTenant(primary, 5, 2)
	secondary.Seed(entity.KindClass, entity.Row{"id": int64(99), "school_id": int64(5), "class_name": "X", "section": "Z"})

	resp := s.ForceSync(context.Background(), 5)
	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, 1, resp.Summary.Deleted())
	assert.Contains(t, resp.Message, "1 deleted")

	st := s.SyncStatus(5)
	require.NotNil(t, st.Status)
	assert.False(t, st.Status.Active)
	assert.NotNil(t, st.Status.LastFullSyncAt)
}

func TestUnknownTenantStatus(t *testing.T) {
	s, _, _ := newTestService(t, true)

	st := s.SyncStatus(42)
	assert.True(t, st.Success)
	assert.Equal(t, "Tenant 42 has not been synchronized", st.Message)
	assert.False(t, st.Status.Active)
	assert.Equal(t, 0, st.OutboxPending)
}

func TestRecoveryDrainsOutbox(t *testing.T) {
	s, primary, secondary := newTestService(t, true)
	ctx := context.Background()
	primary.SetOffline(true)
	require.False(t, s.Monitor().Probe(ctx))

	_, err := s.Router().Entity(entity.KindStudent).Create(ctx, 5,
		entity.Row{"username": "stu01", "name": "Asha", "class_id": int64(3)})
	require.NoError(t, err)
	assert.Len(t, secondary.Rows(entity.KindStudent, 5), 1)
	assert.Equal(t, 1, s.SyncStatus(5).OutboxPending)

	primary.SetOffline(false)
	require.True(t, s.Monitor().Probe(ctx))
	require.Eventually(t, func() bool { return s.Outbox().Len() == 0 }, time.Second, time.Millisecond)
	_, ok := primary.Get(entity.KindStudent, entity.Key{"stu01", int64(5)})
	assert.True(t, ok)
}

func TestStartStopsOnCancel(t *testing.T) {
	s, _, _ := newTestService(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestStoreDSNHelpers(t *testing.T) {
	assert.True(t, IsPostgresDSN("postgres://user@localhost/school"))
	assert.True(t, IsPostgresDSN("postgresql://localhost/school"))
	assert.True(t, IsPostgresDSN("host=localhost dbname=school"))
	assert.False(t, IsPostgresDSN("/var/lib/school_sync/local.db"))
	assert.False(t, IsPostgresDSN("sqlite://local.db"))

	assert.Equal(t, "local.db", SQLitePath("sqlite://local.db"))
	assert.Equal(t, ":memory:", SQLitePath("sqlite::memory:"))
	assert.Equal(t, "/tmp/x.db", SQLitePath("/tmp/x.db"))
}

func TestOpenPrimaryRejectsSQLite(t *testing.T) {
	_, err := OpenPrimary(context.Background(), "local.db", entity.DefaultCatalog(), true)
	assert.ErrorContains(t, err, "must be PostgreSQL")
}

func TestOpenSecondarySQLite(t *testing.T) {
	path := t.TempDir() + "/local.db"
	c, err := OpenSecondary(context.Background(), "sqlite://"+path, entity.DefaultCatalog())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(context.Background()))
}
