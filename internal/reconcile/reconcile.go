// Package reconcile repairs drift between the primary and secondary store for one tenant,
// entity by entity in dependency order.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/connectivity"
	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/notify"
	"github.com/smart-school/school_sync/internal/store"
)

// DefaultPassTimeout bounds one reconciliation pass
const DefaultPassTimeout = 5 * time.Minute

// Mode selects how much work a pass does per entity
type Mode string

const (
	// ModeFull resyncs every entity without the count and content checks
	ModeFull Mode = "full"
	// ModeIncremental resyncs only entities whose count or content check finds drift
	ModeIncremental Mode = "incremental"
)

// Strategy records what a pass did with one entity
type Strategy string

const (
	StrategyInSync     Strategy = "in_sync"
	StrategyFullResync Strategy = "full_resync"
	StrategyFailed     Strategy = "failed"
	StrategyAborted    Strategy = "aborted"
)

// Reasons a full resync ran
const (
	ReasonForced          = "forced"
	ReasonCountMismatch   = "count_mismatch"
	ReasonContentMismatch = "content_mismatch"
)

// ErrNoSecondary is reported when there is no secondary store to reconcile
var ErrNoSecondary = errors.New("no secondary store configured")

// DependencyMissingError reports a row whose referenced parent is absent on the secondary store
type DependencyMissingError struct {
	Entity    entity.Kind
	Key       entity.Key
	Parent    entity.Kind
	ParentKey entity.Key
}

func (e *DependencyMissingError) Error() string {
	return fmt.Sprintf("%s %s references missing %s %s", e.Entity, e.Key, e.Parent, e.ParentKey)
}

// Result is the outcome of one entity within a pass
type Result struct {
	Entity         entity.Kind   `json:"entity"`
	Strategy       Strategy      `json:"strategy"`
	Reason         string        `json:"reason,omitempty"`
	PrimaryCount   int64         `json:"primary_count"`
	SecondaryCount int64         `json:"secondary_count"`
	Upserted       int           `json:"upserted"`
	Deleted        int           `json:"deleted"`
	Skipped        int           `json:"skipped"`
	Duration       time.Duration `json:"duration"`
	Err            error         `json:"-"`
	Error          string        `json:"error,omitempty"`
}

// Summary aggregates the results of one pass for a tenant
type Summary struct {
	TenantID  int64         `json:"tenant_id"`
	Mode      Mode          `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Results   []Result      `json:"results"`
	// Aborted is set when the pass stopped before reaching every entity
	Aborted bool   `json:"aborted"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// Upserted returns the total number of rows written to the secondary store
func (s Summary) Upserted() int {
	n := 0
	for _, r := range s.Results {
		n += r.Upserted
	}
	return n
}

// Deleted returns the total number of rows removed from the secondary store
func (s Summary) Deleted() int {
	n := 0
	for _, r := range s.Results {
		n += r.Deleted
	}
	return n
}

// Failed returns the number of entities that could not be reconciled
func (s Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Strategy == StrategyFailed || r.Strategy == StrategyAborted {
			n++
		}
	}
	return n
}

// Result returns the result for kind, if the pass reached it
func (s Summary) Result(kind entity.Kind) (Result, bool) {
	for _, r := range s.Results {
		if r.Entity == kind {
			return r, true
		}
	}
	return Result{}, false
}

// OK reports whether every entity was reconciled
func (s Summary) OK() bool {
	return s.Err == nil && !s.Aborted && s.Failed() == 0
}

// PendingChecker reports whether a row still has a write waiting for the primary store
type PendingChecker interface {
	HasPending(tenantID int64, kind entity.Kind, key entity.Key) bool
}

// Config tunes the engine
type Config struct {
	PassTimeout time.Duration
	// Now is the clock used for time windows; defaults to time.Now
	Now func() time.Time
}

// Engine reconciles the secondary store against the primary store
type Engine struct {
	catalog   *entity.Catalog
	primary   store.Client
	secondary store.Client
	state     connectivity.State
	pending   PendingChecker
	notifier  notify.Notifier
	cfg       Config
	logger    *logrus.Entry
}

// New creates an engine. pending may be nil.
func New(catalog *entity.Catalog, primary, secondary store.Client, state connectivity.State,
	pending PendingChecker, notifier notify.Notifier, cfg Config) *Engine {
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultPassTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		catalog:   catalog,
		primary:   primary,
		secondary: secondary,
		state:     state,
		pending:   pending,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logrus.WithField("component", "reconcile"),
	}
}

// storeError tags an error with the store that produced it
type storeError struct {
	store store.Name
	err   error
}

func (e *storeError) Error() string { return fmt.Sprintf("%s store: %v", e.store, e.err) }

func (e *storeError) Unwrap() error { return e.err }

func onPrimary(err error) error {
	if err == nil {
		return nil
	}
	return &storeError{store: store.Primary, err: err}
}

func onSecondary(err error) error {
	if err == nil {
		return nil
	}
	return &storeError{store: store.Secondary, err: err}
}

func primaryUnreachable(err error) bool {
	var se *storeError
	return errors.As(err, &se) && se.store == store.Primary && store.IsConnectivity(err)
}

// ReconcileTenant runs one pass over every catalog entity for the tenant. Failures of single
// entities are recorded in their Result and do not stop the pass; an unreachable primary does.
func (e *Engine) ReconcileTenant(ctx context.Context, tenantID int64, mode Mode) Summary {
	sum := Summary{TenantID: tenantID, Mode: mode, StartedAt: e.cfg.Now().UTC()}
	log := e.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "mode": mode})
	if e.secondary == nil {
		sum.Err = ErrNoSecondary
		sum.Error = sum.Err.Error()
		return sum
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PassTimeout)
	defer cancel()

	started := time.Now()
	deps := newDependencies(e.catalog, e.secondary, tenantID)
	for _, desc := range e.catalog.Ordered() {
		if sum.Aborted {
			sum.Results = append(sum.Results, Result{Entity: desc.Kind, Strategy: StrategyAborted})
			continue
		}
		res := e.reconcileEntity(ctx, tenantID, desc, mode, deps)
		if res.Err != nil {
			res.Strategy = StrategyFailed
			res.Error = res.Err.Error()
			entry := log.WithError(res.Err).WithField("entity", desc.Kind.String())
			switch {
			case ctx.Err() != nil:
				sum.Aborted = true
				sum.Err = fmt.Errorf("reconciliation pass for tenant %d stopped: %w", tenantID, ctx.Err())
				entry.Error("Reconciliation pass timed out")
			case primaryUnreachable(res.Err):
				e.state.MarkOffline(res.Err)
				sum.Aborted = true
				sum.Err = fmt.Errorf("reconciliation pass for tenant %d stopped: %w", tenantID, res.Err)
				entry.Warn("Primary store became unreachable, stopping reconciliation pass")
			default:
				entry.Error("Failed to reconcile entity")
			}
		}
		sum.Results = append(sum.Results, res)
	}
	sum.Duration = time.Since(started)
	if sum.Err != nil {
		sum.Error = sum.Err.Error()
	}

	log.WithFields(logrus.Fields{
		"upserted": sum.Upserted(),
		"deleted":  sum.Deleted(),
		"failed":   sum.Failed(),
		"aborted":  sum.Aborted,
		"duration": sum.Duration,
	}).Info("Reconciliation pass finished")
	return sum
}

func (e *Engine) reconcileEntity(ctx context.Context, tenantID int64, desc *entity.Descriptor, mode Mode, deps *dependencies) Result {
	started := time.Now()
	res := Result{Entity: desc.Kind, Strategy: StrategyInSync}
	filter := store.Filter{TenantID: tenantID, Since: desc.WindowStart(e.cfg.Now())}

	reason := ReasonForced
	if mode != ModeFull {
		var err error
		reason, err = e.detectDrift(ctx, desc, filter, &res)
		if err != nil {
			res.Err = err
			res.Duration = time.Since(started)
			return res
		}
	}
	if reason != "" {
		res.Strategy = StrategyFullResync
		res.Reason = reason
		res.Err = e.resync(ctx, tenantID, desc, filter, deps, &res)
	}
	res.Duration = time.Since(started)
	return res
}

// detectDrift runs the count check and, when counts agree, the content check. It returns the
// reason for a full resync or "" when the entity is in sync.
func (e *Engine) detectDrift(ctx context.Context, desc *entity.Descriptor, filter store.Filter, res *Result) (string, error) {
	pc, err := e.primary.Count(ctx, desc.Kind, filter)
	if err != nil {
		return "", onPrimary(fmt.Errorf("failed to count %s: %w", desc.Kind, err))
	}
	sc, err := e.secondary.Count(ctx, desc.Kind, filter)
	if err != nil {
		return "", onSecondary(fmt.Errorf("failed to count %s: %w", desc.Kind, err))
	}
	res.PrimaryCount, res.SecondaryCount = pc, sc
	if pc != sc {
		return ReasonCountMismatch, nil
	}
	if pc == 0 {
		return "", nil
	}

	sample := filter
	sample.Limit = desc.SampleSize
	pRows, err := e.primary.Find(ctx, desc.Kind, sample)
	if err != nil {
		return "", onPrimary(fmt.Errorf("failed to sample %s: %w", desc.Kind, err))
	}
	sRows, err := e.secondary.Find(ctx, desc.Kind, sample)
	if err != nil {
		return "", onSecondary(fmt.Errorf("failed to sample %s: %w", desc.Kind, err))
	}
	match, err := sameContent(desc, pRows, sRows)
	if err != nil {
		return "", err
	}
	if !match {
		return ReasonContentMismatch, nil
	}
	return "", nil
}

// sameContent compares two samples by identity key presence and compared fields
func sameContent(desc *entity.Descriptor, primary, secondary []entity.Row) (bool, error) {
	if len(primary) != len(secondary) {
		return false, nil
	}
	byKey, err := index(desc, secondary)
	if err != nil {
		return false, err
	}
	for _, p := range primary {
		key, err := desc.KeyOf(p)
		if err != nil {
			return false, err
		}
		s, ok := byKey[key.String()]
		if !ok || len(desc.Diff(p, s)) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func index(desc *entity.Descriptor, rows []entity.Row) (map[string]entity.Row, error) {
	out := make(map[string]entity.Row, len(rows))
	for _, r := range rows {
		key, err := desc.KeyOf(r)
		if err != nil {
			return nil, err
		}
		out[key.String()] = r
	}
	return out, nil
}

func (e *Engine) isPending(tenantID int64, desc *entity.Descriptor, key entity.Key, secondaryRow entity.Row) bool {
	if secondaryRow != nil && desc.Pending(secondaryRow) {
		return true
	}
	return e.pending != nil && e.pending.HasPending(tenantID, desc.Kind, key)
}

// resync makes the secondary scope equal to the primary scope: rows missing on the secondary
// or differing in any column are upserted, then rows absent from the primary are deleted
func (e *Engine) resync(ctx context.Context, tenantID int64, desc *entity.Descriptor, filter store.Filter, deps *dependencies, res *Result) error {
	log := e.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "entity": desc.Kind.String()})

	pRows, err := e.primary.Find(ctx, desc.Kind, filter)
	if err != nil {
		return onPrimary(fmt.Errorf("failed to fetch %s: %w", desc.Kind, err))
	}
	sRows, err := e.secondary.Find(ctx, desc.Kind, filter)
	if err != nil {
		return onSecondary(fmt.Errorf("failed to fetch %s: %w", desc.Kind, err))
	}
	res.PrimaryCount, res.SecondaryCount = int64(len(pRows)), int64(len(sRows))

	secondary, err := index(desc, sRows)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(secondary))
	for k := range secondary {
		present[k] = true
	}

	type upsert struct {
		key entity.Key
		row entity.Row
	}
	var toUpsert []upsert
	inPrimary := make(map[string]bool, len(pRows))
	for _, row := range pRows {
		key, err := desc.KeyOf(row)
		if err != nil {
			return err
		}
		k := key.String()
		inPrimary[k] = true
		current, exists := secondary[k]
		if exists && len(desc.Changed(row, current)) == 0 {
			continue
		}
		if e.isPending(tenantID, desc, key, current) {
			res.Skipped++
			log.WithField("key", k).Info("Skipping overwrite of row with unsynced local changes")
			continue
		}
		if err := deps.check(ctx, desc, key, row); err != nil {
			var missing *DependencyMissingError
			if !errors.As(err, &missing) {
				return err
			}
			res.Skipped++
			log.WithError(err).Warn("Skipping row with missing dependency")
			continue
		}
		toUpsert = append(toUpsert, upsert{key: key, row: row})
	}

	bulk, canBulk := e.secondary.(store.BulkLoader)
	if canBulk && len(sRows) == 0 && !desc.Windowed() && len(toUpsert) > 1 {
		rows := make([]entity.Row, len(toUpsert))
		for i, u := range toUpsert {
			rows[i] = u.row
		}
		n, err := bulk.BulkLoad(ctx, desc.Kind, rows)
		if err != nil {
			return onSecondary(fmt.Errorf("failed to bulk load %s: %w", desc.Kind, err))
		}
		res.Upserted = int(n)
		for _, u := range toUpsert {
			present[u.key.String()] = true
			e.emit(ctx, tenantID, desc, "upsert", u.key, u.row)
		}
	} else {
		for _, u := range toUpsert {
			if err := e.secondary.Upsert(ctx, desc.Kind, u.key, u.row); err != nil {
				if store.IsConnectivity(err) || ctx.Err() != nil {
					return onSecondary(fmt.Errorf("failed to upsert %s %s: %w", desc.Kind, u.key, err))
				}
				res.Skipped++
				log.WithError(err).WithField("key", u.key.String()).Warn("Failed to upsert row, skipping it")
				continue
			}
			res.Upserted++
			present[u.key.String()] = true
			e.emit(ctx, tenantID, desc, "upsert", u.key, u.row)
		}
		if desc.AutoKey && res.Upserted > 0 {
			if err := store.SyncIdentity(ctx, e.secondary, desc.Kind); err != nil {
				if store.IsConnectivity(err) || ctx.Err() != nil {
					return onSecondary(err)
				}
				log.WithError(err).Warn("Failed to advance identity after resync")
			}
		}
	}

	for _, row := range sRows {
		key, _ := desc.KeyOf(row)
		k := key.String()
		if inPrimary[k] {
			continue
		}
		if e.isPending(tenantID, desc, key, row) {
			res.Skipped++
			log.WithField("key", k).Info("Skipping deletion of row with unsynced local changes")
			continue
		}
		err := e.secondary.Delete(ctx, desc.Kind, key)
		if err != nil && !store.IsNotFound(err) {
			if store.IsConnectivity(err) || ctx.Err() != nil {
				return onSecondary(fmt.Errorf("failed to delete %s %s: %w", desc.Kind, key, err))
			}
			res.Skipped++
			log.WithError(err).WithField("key", k).Warn("Failed to delete row, skipping it")
			continue
		}
		res.Deleted++
		delete(present, k)
		e.emit(ctx, tenantID, desc, "delete", key, nil)
	}

	deps.record(desc, present)
	if res.Upserted > 0 || res.Deleted > 0 || res.Skipped > 0 {
		log.WithFields(logrus.Fields{
			"reason":   res.Reason,
			"upserted": res.Upserted,
			"deleted":  res.Deleted,
			"skipped":  res.Skipped,
		}).Info("Resynced entity")
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, tenantID int64, desc *entity.Descriptor, op string, key entity.Key, row entity.Row) {
	e.notifier.Emit(ctx, notify.Event{
		TenantID:  tenantID,
		Entity:    desc.Kind,
		Operation: op,
		Key:       key.String(),
		Data:      row,
		Source:    notify.SourceReconcile,
		At:        time.Now().UTC(),
	})
}
