// Package scheduler runs reconciliation passes for the tenants that have active sessions:
// one full pass at login, then periodic incremental passes until the last session logs out.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/reconcile"
)

// Policy decides how periodic timers are shared between active tenants
type Policy string

const (
	// PolicyPerTenant gives every active tenant its own timer
	PolicyPerTenant Policy = "per-tenant"
	// PolicyShared runs a single timer owned by one tenant at a time; a new login takes it over
	PolicyShared Policy = "shared"
)

// PlatformMobile is the platform class of handheld clients
const PlatformMobile = "mobile"

var (
	ErrIneligible = errors.New("platform is not eligible for sync")
	ErrSyncing    = errors.New("a sync pass is already running for this tenant")
	ErrOffline    = errors.New("primary store is offline")
	ErrNotActive  = errors.New("tenant has no active sync session")
	ErrClosed     = errors.New("scheduler is closed")
)

// Reconciler runs one reconciliation pass for a tenant
type Reconciler interface {
	ReconcileTenant(ctx context.Context, tenantID int64, mode reconcile.Mode) reconcile.Summary
}

// Connectivity reports whether the primary store is reachable
type Connectivity interface {
	IsOnline() bool
}

// ClientContext describes the client that triggered a login
type ClientContext struct {
	Platform  string `json:"platform"`
	UserAgent string `json:"user_agent,omitempty"`
}

// PlatformClass maps a client platform name onto its class
func PlatformClass(platform string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	switch p {
	case "android", "ios", "iphone", "ipad", PlatformMobile:
		return PlatformMobile
	}
	return p
}

// Config holds scheduler settings
type Config struct {
	Interval            time.Duration
	Policy              Policy
	IneligiblePlatforms []string
}

// DefaultConfig runs per-tenant timers every 30 seconds and excludes mobile clients
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		Policy:              PolicyPerTenant,
		IneligiblePlatforms: []string{PlatformMobile},
	}
}

// Status is a read-only view of one tenant
type Status struct {
	TenantID              int64              `json:"tenant_id"`
	Active                bool               `json:"active"`
	Syncing               bool               `json:"syncing"`
	IsPeriodicSyncRunning bool               `json:"is_periodic_sync_running"`
	Sessions              int                `json:"sessions"`
	Passes                int                `json:"passes"`
	LastSyncAt            *time.Time         `json:"last_sync_at,omitempty"`
	LastFullSyncAt        *time.Time         `json:"last_full_sync_at,omitempty"`
	LastError             string             `json:"last_error,omitempty"`
	LastSummary           *reconcile.Summary `json:"last_summary,omitempty"`
}

type timer struct {
	cancel context.CancelFunc
}

type tenantState struct {
	id             int64
	active         bool
	syncing        bool
	sessions       map[string]struct{}
	fullDone       bool
	passes         int
	lastSyncAt     time.Time
	lastFullSyncAt time.Time
	lastSummary    *reconcile.Summary
	lastErr        string
	timer          *timer
}

func (t *tenantState) status() Status {
	s := Status{
		TenantID:              t.id,
		Active:                t.active,
		Syncing:               t.syncing,
		IsPeriodicSyncRunning: t.timer != nil,
		Sessions:              len(t.sessions),
		Passes:                t.passes,
		LastError:             t.lastErr,
		LastSummary:           t.lastSummary,
	}
	if !t.lastSyncAt.IsZero() {
		at := t.lastSyncAt
		s.LastSyncAt = &at
	}
	if !t.lastFullSyncAt.IsZero() {
		at := t.lastFullSyncAt
		s.LastFullSyncAt = &at
	}
	return s
}

// Coordinator owns the per-tenant sync state. All mutation goes through its methods.
type Coordinator struct {
	engine     Reconciler
	conn       Connectivity
	cfg        Config
	ineligible map[string]bool
	logger     *logrus.Entry

	mu          sync.Mutex
	tenants     map[int64]*tenantState
	sharedOwner int64
	closed      bool
	wg          sync.WaitGroup
}

// New creates a coordinator
func New(engine Reconciler, conn Connectivity, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.IneligiblePlatforms == nil {
		cfg.IneligiblePlatforms = def.IneligiblePlatforms
	}
	ineligible := make(map[string]bool, len(cfg.IneligiblePlatforms))
	for _, p := range cfg.IneligiblePlatforms {
		ineligible[PlatformClass(p)] = true
	}
	return &Coordinator{
		engine:     engine,
		conn:       conn,
		cfg:        cfg,
		ineligible: ineligible,
		logger:     logrus.WithField("component", "scheduler"),
		tenants:    make(map[int64]*tenantState),
	}
}

// Eligible reports whether a client may trigger sync
func (c *Coordinator) Eligible(cc ClientContext) bool {
	return !c.ineligible[PlatformClass(cc.Platform)]
}

func (c *Coordinator) tenant(id int64) *tenantState {
	st, ok := c.tenants[id]
	if !ok {
		st = &tenantState{id: id, sessions: make(map[string]struct{})}
		c.tenants[id] = st
	}
	return st
}

// TriggerLoginSync registers a session for the tenant, arms its periodic timer and runs the
// initial full pass. The returned summary is nil when the pass was skipped because the primary
// store is offline.
func (c *Coordinator) TriggerLoginSync(ctx context.Context, tenantID int64, sessionID string, cc ClientContext) (*reconcile.Summary, error) {
	log := c.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "platform": cc.Platform})
	if !c.Eligible(cc) {
		log.Info("Ignoring login sync from ineligible platform")
		return nil, fmt.Errorf("%w: %s", ErrIneligible, cc.Platform)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	st := c.tenant(tenantID)
	st.sessions[sessionID] = struct{}{}
	st.active = true
	c.armLocked(st)
	sessions := len(st.sessions)

	if !c.conn.IsOnline() {
		c.mu.Unlock()
		log.WithField("sessions", sessions).Warn("Primary store is offline at login, skipping initial sync")
		return nil, nil
	}
	if st.syncing {
		c.mu.Unlock()
		return nil, ErrSyncing
	}
	st.syncing = true
	c.mu.Unlock()

	log.WithField("sessions", sessions).Info("Starting initial sync for tenant")
	sum := c.runPass(ctx, st, reconcile.ModeFull)
	return &sum, nil
}

// HandleLogout removes a session. When the tenant has no sessions left its timer stops and it
// leaves the active set; under the shared policy the timer moves to another active tenant.
func (c *Coordinator) HandleLogout(tenantID int64, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tenants[tenantID]
	if !ok || !st.active {
		return fmt.Errorf("%w: %d", ErrNotActive, tenantID)
	}
	if sessionID == "" {
		st.sessions = make(map[string]struct{})
	} else {
		delete(st.sessions, sessionID)
	}
	log := c.logger.WithField("tenant_id", tenantID)
	if len(st.sessions) > 0 {
		log.WithField("sessions", len(st.sessions)).Info("Session ended, tenant still has active sessions")
		return nil
	}

	st.active = false
	c.stopLocked(st)
	log.Info("Last session ended, stopped periodic sync")

	if c.cfg.Policy == PolicyShared && c.sharedOwner == tenantID {
		c.sharedOwner = 0
		if next := c.nextActiveLocked(); next != nil {
			c.startLocked(next)
			c.sharedOwner = next.id
			c.logger.WithFields(logrus.Fields{"from": tenantID, "to": next.id}).Info("Handed periodic sync over to another tenant")
		}
	}
	return nil
}

// ForceSync runs a full pass for the tenant now
func (c *Coordinator) ForceSync(ctx context.Context, tenantID int64) (*reconcile.Summary, error) {
	if !c.conn.IsOnline() {
		return nil, ErrOffline
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	st := c.tenant(tenantID)
	if st.syncing {
		c.mu.Unlock()
		return nil, ErrSyncing
	}
	st.syncing = true
	c.mu.Unlock()

	c.logger.WithField("tenant_id", tenantID).Info("Starting forced sync for tenant")
	sum := c.runPass(ctx, st, reconcile.ModeFull)
	return &sum, nil
}

// Status returns the view of one tenant
func (c *Coordinator) Status(tenantID int64) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tenants[tenantID]
	if !ok {
		return Status{TenantID: tenantID}, false
	}
	return st.status(), true
}

// AllStatus returns the views of every known tenant ordered by id
func (c *Coordinator) AllStatus() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.tenants))
	for _, st := range c.tenants {
		out = append(out, st.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Close stops every timer and waits for in-flight timer passes to return
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for _, st := range c.tenants {
		c.stopLocked(st)
	}
	c.sharedOwner = 0
	c.mu.Unlock()
	c.wg.Wait()
}

// armLocked makes sure the tenant has a periodic timer according to the policy
func (c *Coordinator) armLocked(st *tenantState) {
	if c.cfg.Policy == PolicyShared {
		if c.sharedOwner == st.id && st.timer != nil {
			return
		}
		if owner, ok := c.tenants[c.sharedOwner]; ok && c.sharedOwner != st.id {
			c.stopLocked(owner)
			c.logger.WithFields(logrus.Fields{"from": owner.id, "to": st.id}).Info("Periodic sync taken over by new login")
		}
		c.sharedOwner = st.id
	}
	if st.timer == nil {
		c.startLocked(st)
	}
}

func (c *Coordinator) nextActiveLocked() *tenantState {
	var next *tenantState
	for _, st := range c.tenants {
		if st.active && (next == nil || st.id < next.id) {
			next = st
		}
	}
	return next
}

func (c *Coordinator) startLocked(st *tenantState) {
	ctx, cancel := context.WithCancel(context.Background())
	st.timer = &timer{cancel: cancel}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx, st)
	}()
}

func (c *Coordinator) stopLocked(st *tenantState) {
	if st.timer == nil {
		return
	}
	st.timer.cancel()
	st.timer = nil
}

func (c *Coordinator) loop(ctx context.Context, st *tenantState) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, st)
		}
	}
}

// tick runs one periodic pass. The first successful pass of a tenant is full, later ones are
// incremental.
func (c *Coordinator) tick(ctx context.Context, st *tenantState) {
	log := c.logger.WithField("tenant_id", st.id)
	if !c.conn.IsOnline() {
		log.Debug("Primary store is offline, skipping periodic sync")
		return
	}
	c.mu.Lock()
	// checked under the lock so that no pass starts after the timer was stopped
	if ctx.Err() != nil || !st.active {
		c.mu.Unlock()
		return
	}
	if st.syncing {
		c.mu.Unlock()
		log.Debug("Sync pass already running, skipping periodic sync")
		return
	}
	mode := reconcile.ModeIncremental
	if !st.fullDone {
		mode = reconcile.ModeFull
	}
	st.syncing = true
	c.mu.Unlock()

	c.runPass(ctx, st, mode)
}

// runPass runs the reconciler with st.syncing already set and records the outcome
func (c *Coordinator) runPass(ctx context.Context, st *tenantState, mode reconcile.Mode) reconcile.Summary {
	sum := c.engine.ReconcileTenant(ctx, st.id, mode)
	now := time.Now().UTC()

	c.mu.Lock()
	st.syncing = false
	st.passes++
	st.lastSummary = &sum
	if sum.OK() {
		st.lastSyncAt = now
		st.lastErr = ""
		if mode == reconcile.ModeFull {
			st.fullDone = true
			st.lastFullSyncAt = now
		}
	} else {
		st.lastErr = sum.Error
		if st.lastErr == "" {
			st.lastErr = fmt.Sprintf("%d entities failed to reconcile", sum.Failed())
		}
	}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"tenant_id": st.id,
		"mode":      mode,
		"upserted":  sum.Upserted(),
		"deleted":   sum.Deleted(),
		"ok":        sum.OK(),
	}).Debug("Sync pass recorded")
	return sum
}
