package sync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/connectivity"
	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/etcd"
	"github.com/smart-school/school_sync/internal/notify"
	"github.com/smart-school/school_sync/internal/outbox"
	"github.com/smart-school/school_sync/internal/reconcile"
	"github.com/smart-school/school_sync/internal/router"
	"github.com/smart-school/school_sync/internal/scheduler"
	"github.com/smart-school/school_sync/internal/store"
	"github.com/smart-school/school_sync/internal/store/postgres"
)

// Response is returned by the trigger operations; failures are reported, never raised
type Response struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Summary *reconcile.Summary `json:"summary,omitempty"`
}

// StatusResponse describes one tenant together with the process-wide sync state
type StatusResponse struct {
	Success       bool               `json:"success"`
	Message       string             `json:"message,omitempty"`
	Status        *scheduler.Status  `json:"status,omitempty"`
	Connectivity  connectivity.Stats `json:"connectivity"`
	OutboxPending int                `json:"outbox_pending"`
}

// AllStatusResponse lists every known tenant
type AllStatusResponse struct {
	Success       bool               `json:"success"`
	Tenants       []scheduler.Status `json:"tenants"`
	Connectivity  connectivity.Stats `json:"connectivity"`
	OutboxPending int                `json:"outbox_pending"`
}

// Service orchestrates offline-first synchronization between the primary and secondary store
type Service struct {
	cfg         Config
	catalog     *entity.Catalog
	primary     store.Client
	secondary   store.Client
	monitor     *connectivity.Monitor
	outbox      *outbox.Outbox
	router      *router.Router
	engine      *reconcile.Engine
	coordinator *scheduler.Coordinator
	closers     []func() error
	logger      *logrus.Entry
}

// NewService wires the components around already opened stores. secondary may be nil.
func NewService(catalog *entity.Catalog, primary, secondary store.Client, notifier notify.Notifier, cfg Config) *Service {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	s := &Service{
		cfg:       cfg,
		catalog:   catalog,
		primary:   primary,
		secondary: secondary,
		logger:    logrus.WithField("component", "sync"),
	}
	s.monitor = connectivity.New(primary, connectivity.Config{
		Interval:     cfg.ProbeInterval,
		ProbeTimeout: cfg.ProbeTimeout,
	})
	s.outbox = outbox.New(primary, s.monitor, notifier, outbox.Config{MaxSize: cfg.OutboxMaxSize})
	s.monitor.OnRecover(func(ctx context.Context) {
		s.outbox.Drain(ctx)
	})
	s.router = router.New(catalog, primary, secondary, s.monitor, s.outbox, notifier,
		router.WithMirrorTimeout(cfg.MirrorTimeout))
	s.engine = reconcile.New(catalog, primary, secondary, s.monitor, s.outbox, notifier,
		reconcile.Config{PassTimeout: cfg.PassTimeout})
	s.coordinator = scheduler.New(s.engine, s.monitor, scheduler.Config{
		Interval:            cfg.SyncInterval,
		Policy:              cfg.TimerPolicy,
		IneligiblePlatforms: cfg.IneligiblePlatforms,
	})
	return s
}

// Open connects to every configured store and builds the service
func Open(ctx context.Context, cfg Config) (_ *Service, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	catalog := entity.DefaultCatalog()
	if cfg.EntitiesConfig != "" {
		overrides, err := entity.LoadOverrides(cfg.EntitiesConfig)
		if err != nil {
			return nil, err
		}
		if catalog, err = overrides.Apply(entity.DefaultDescriptors()); err != nil {
			return nil, fmt.Errorf("failed to apply entity config: %w", err)
		}
	}

	var secondary store.Client
	if cfg.SecondaryDSN != "" {
		if secondary, err = OpenSecondary(ctx, cfg.SecondaryDSN, catalog); err != nil {
			return nil, err
		}
		closers = append(closers, secondary.Close)
	} else {
		logrus.Warn("No secondary store configured, running in single-store mode")
	}

	primary, err := OpenPrimary(ctx, cfg.PrimaryDSN, catalog, secondary != nil)
	if err != nil {
		return nil, err
	}
	closers = append(closers, primary.Close)

	if cfg.Migrate {
		if err := MigratePostgres(ctx, primary); err != nil {
			if secondary == nil || !store.IsConnectivity(err) {
				return nil, fmt.Errorf("failed to migrate primary store: %w", err)
			}
			logrus.WithError(err).Warn("Primary store is unreachable, skipping its migrations")
		}
		if pg, ok := secondary.(*postgres.Client); ok {
			if err := MigratePostgres(ctx, pg); err != nil {
				return nil, fmt.Errorf("failed to migrate secondary store: %w", err)
			}
		}
	}

	notifiers := notify.Multi{notify.LogNotifier{}}
	if cfg.EtcdDSN != "" {
		client, err := etcd.NewEtcdClientWithRetry(ctx, cfg.EtcdDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		closers = append(closers, client.Close)
		events := notify.NewEtcdNotifier(client, path.Join(client.Prefix(), "events"), cfg.EventTTL)
		// closers run in reverse, so queued events are flushed before the client closes
		closers = append(closers, events.Close)
		notifiers = append(notifiers, events)
	}

	s := NewService(catalog, primary, secondary, notifiers, cfg)
	s.closers = closers
	return s, nil
}

// Router returns the read/write entry point for request handlers
func (s *Service) Router() *router.Router {
	return s.router
}

// Monitor returns the connectivity monitor
func (s *Service) Monitor() *connectivity.Monitor {
	return s.monitor
}

// Engine returns the reconciliation engine
func (s *Service) Engine() *reconcile.Engine {
	return s.engine
}

// Outbox returns the write outbox
func (s *Service) Outbox() *outbox.Outbox {
	return s.outbox
}

// Start probes the primary store once, then runs the probe and drain loops until ctx is done
func (s *Service) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"single_store": s.router.SingleStore(),
		"entities":     len(s.catalog.Kinds()),
	}).Info("Starting school_sync")

	if s.monitor.Probe(ctx) {
		s.outbox.Drain(ctx)
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		s.monitor.Run(ctx)
	}()
	interval := s.cfg.OutboxInterval
	if interval <= 0 {
		interval = DefaultConfig().OutboxInterval
	}
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		s.outbox.Run(ctx, interval)
	}()

	<-ctx.Done()
	<-monitorDone
	<-drainDone
	s.logger.Info("Synchronization stopped due to context cancellation")
	return ctx.Err()
}

// Close stops the scheduler and closes every store
func (s *Service) Close() error {
	s.coordinator.Close()
	s.monitor.Wait()
	if n := s.outbox.Len(); n > 0 {
		s.logger.WithField("pending", n).Warn("Shutting down with queued writes that never reached the primary store")
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func summaryMessage(prefix string, sum *reconcile.Summary) string {
	return fmt.Sprintf("%s: %d upserted, %d deleted, %d failed in %s",
		prefix, sum.Upserted(), sum.Deleted(), sum.Failed(), sum.Duration.Round(time.Millisecond))
}

// TriggerLoginSync starts syncing a tenant for a new session
func (s *Service) TriggerLoginSync(ctx context.Context, tenantID int64, sessionID string, cc scheduler.ClientContext) Response {
	if s.router.SingleStore() {
		return Response{Success: true, Message: "No secondary store configured, nothing to synchronize"}
	}
	sum, err := s.coordinator.TriggerLoginSync(ctx, tenantID, sessionID, cc)
	switch {
	case errors.Is(err, scheduler.ErrIneligible):
		return Response{Success: false, Message: fmt.Sprintf("Sync is disabled for %s clients", scheduler.PlatformClass(cc.Platform))}
	case err != nil:
		return Response{Success: false, Message: err.Error()}
	case sum == nil:
		return Response{Success: true, Message: "Primary store is offline, initial sync skipped; periodic sync is armed"}
	case !sum.OK():
		return Response{Success: false, Message: summaryMessage("Initial sync finished with errors", sum), Summary: sum}
	}
	return Response{Success: true, Message: summaryMessage("Initial sync completed", sum), Summary: sum}
}

// HandleLogout ends a session and stops the tenant's periodic sync when it was the last one
func (s *Service) HandleLogout(tenantID int64, sessionID string) Response {
	if s.router.SingleStore() {
		return Response{Success: true, Message: "No secondary store configured, nothing to stop"}
	}
	if err := s.coordinator.HandleLogout(tenantID, sessionID); err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	st, _ := s.coordinator.Status(tenantID)
	if st.Active {
		return Response{Success: true, Message: fmt.Sprintf("Session closed, %d session(s) still active", st.Sessions)}
	}
	return Response{Success: true, Message: "Periodic sync stopped"}
}

// ForceSync runs a full pass for the tenant immediately
func (s *Service) ForceSync(ctx context.Context, tenantID int64) Response {
	if s.router.SingleStore() {
		return Response{Success: false, Message: reconcile.ErrNoSecondary.Error()}
	}
	sum, err := s.coordinator.ForceSync(ctx, tenantID)
	if err != nil {
		return Response{Success: false, Message: err.Error()}
	}
	if !sum.OK() {
		return Response{Success: false, Message: summaryMessage("Sync finished with errors", sum), Summary: sum}
	}
	return Response{Success: true, Message: summaryMessage("Sync completed", sum), Summary: sum}
}

// SyncStatus returns the state of one tenant
func (s *Service) SyncStatus(tenantID int64) StatusResponse {
	resp := StatusResponse{
		Success:       true,
		Connectivity:  s.monitor.Stats(),
		OutboxPending: s.outbox.Len(),
	}
	st, ok := s.coordinator.Status(tenantID)
	if !ok {
		resp.Message = fmt.Sprintf("Tenant %d has not been synchronized", tenantID)
	}
	resp.Status = &st
	return resp
}

// AllSyncStatus returns the state of every known tenant
func (s *Service) AllSyncStatus() AllStatusResponse {
	return AllStatusResponse{
		Success:       true,
		Tenants:       s.coordinator.AllStatus(),
		Connectivity:  s.monitor.Stats(),
		OutboxPending: s.outbox.Len(),
	}
}
