// Package router sends reads and writes to the primary or secondary store depending on
// connectivity, mirroring secondary writes to the primary or queueing them in the outbox.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/connectivity"
	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/notify"
	"github.com/smart-school/school_sync/internal/outbox"
	"github.com/smart-school/school_sync/internal/store"
)

// DefaultMirrorTimeout bounds a single mirror write to the primary
const DefaultMirrorTimeout = 10 * time.Second

// Router holds both stores and one Handle per catalog entity
type Router struct {
	catalog       *entity.Catalog
	primary       store.Client
	secondary     store.Client
	state         connectivity.State
	outbox        *outbox.Outbox
	notifier      notify.Notifier
	mirrorTimeout time.Duration
	logger        *logrus.Entry

	handles map[entity.Kind]*Handle
}

// Option customizes a Router
type Option func(*Router)

// WithMirrorTimeout overrides DefaultMirrorTimeout
func WithMirrorTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.mirrorTimeout = d
		}
	}
}

// New creates a router. secondary may be nil, in which case every call goes to primary.
func New(catalog *entity.Catalog, primary, secondary store.Client, state connectivity.State,
	ob *outbox.Outbox, notifier notify.Notifier, opts ...Option) *Router {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	r := &Router{
		catalog:       catalog,
		primary:       primary,
		secondary:     secondary,
		state:         state,
		outbox:        ob,
		notifier:      notifier,
		mirrorTimeout: DefaultMirrorTimeout,
		logger:        logrus.WithField("component", "router"),
		handles:       make(map[entity.Kind]*Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, desc := range catalog.Ordered() {
		r.handles[desc.Kind] = &Handle{router: r, desc: desc}
	}
	return r
}

// SingleStore reports whether the router runs without a secondary store
func (r *Router) SingleStore() bool {
	return r.secondary == nil
}

// Entity returns the accessor for kind. It panics for a kind missing from the catalog.
func (r *Router) Entity(kind entity.Kind) *Handle {
	h, ok := r.handles[kind]
	if !ok {
		panic(fmt.Sprintf("router: entity %s is not in the catalog", kind))
	}
	return h
}

// Handle is the typed CRUD accessor for one entity
type Handle struct {
	router *Router
	desc   *entity.Descriptor
}

// Kind returns the entity this handle serves
func (h *Handle) Kind() entity.Kind {
	return h.desc.Kind
}

func (h *Handle) log(tenantID int64) *logrus.Entry {
	return h.router.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"entity":    h.desc.Kind.String(),
	})
}

// read runs fn against the primary while online and falls back to the secondary on a
// connectivity failure. The primary attempt is bounded by the mirror timeout.
func (h *Handle) read(ctx context.Context, tenantID int64, fn func(context.Context, store.Client) error) error {
	r := h.router
	if r.secondary == nil {
		return fn(ctx, r.primary)
	}
	if r.state.IsOnline() {
		pctx, cancel := context.WithTimeout(ctx, r.mirrorTimeout)
		err := fn(pctx, r.primary)
		cancel()
		if err == nil || !store.IsConnectivity(err) || ctx.Err() != nil {
			return err
		}
		r.state.MarkOffline(err)
		h.log(tenantID).WithError(err).Warn("Primary read failed, reading from secondary store")
	}
	return fn(ctx, r.secondary)
}

// Find returns the tenant's rows matching filter
func (h *Handle) Find(ctx context.Context, filter store.Filter) ([]entity.Row, error) {
	var rows []entity.Row
	err := h.read(ctx, filter.TenantID, func(ctx context.Context, c store.Client) error {
		var err error
		rows, err = c.Find(ctx, h.desc.Kind, filter)
		return err
	})
	return rows, err
}

// Get returns one row of the tenant by key; store.ErrNotFound if absent
func (h *Handle) Get(ctx context.Context, tenantID int64, key entity.Key) (entity.Row, error) {
	rows, err := h.Find(ctx, store.Filter{TenantID: tenantID, Key: key, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("failed to get %s %s: %w", h.desc.Kind, key, store.ErrNotFound)
	}
	return rows[0], nil
}

// Count returns the number of the tenant's rows matching filter
func (h *Handle) Count(ctx context.Context, filter store.Filter) (int64, error) {
	var n int64
	err := h.read(ctx, filter.TenantID, func(ctx context.Context, c store.Client) error {
		var err error
		n, err = c.Count(ctx, h.desc.Kind, filter)
		return err
	})
	return n, err
}

// scoped returns a copy of row with the tenant column set to tenantID
func (h *Handle) scoped(tenantID int64, row entity.Row) (entity.Row, error) {
	out := row.Clone()
	if out == nil {
		out = entity.Row{}
	}
	if v, ok := out[h.desc.TenantColumn]; ok && v != nil {
		if !entity.Equal(entity.TypeInt, v, tenantID) {
			return nil, fmt.Errorf("%s row belongs to tenant %v, not %d", h.desc.Kind, v, tenantID)
		}
		return out, nil
	}
	out[h.desc.TenantColumn] = tenantID
	return out, nil
}

// Create inserts a row and returns it as stored by the store that took the write
func (h *Handle) Create(ctx context.Context, tenantID int64, row entity.Row) (entity.Row, error) {
	row, err := h.scoped(tenantID, row)
	if err != nil {
		return nil, err
	}
	r := h.router
	if r.secondary == nil {
		created, err := r.primary.Create(ctx, h.desc.Kind, row)
		if err != nil {
			h.markIfUnreachable(err)
			return nil, err
		}
		h.emit(ctx, tenantID, outbox.OpCreate, created)
		return created, nil
	}
	created, err := r.secondary.Create(ctx, h.desc.Kind, row)
	if err != nil {
		return nil, err
	}
	key, err := h.desc.KeyOf(created)
	if err != nil {
		return nil, err
	}
	h.mirror(ctx, tenantID, outbox.OpCreate, key, created)
	return created, nil
}

// Update changes an existing row and returns it as stored
func (h *Handle) Update(ctx context.Context, tenantID int64, key entity.Key, row entity.Row) (entity.Row, error) {
	row, err := h.scoped(tenantID, row)
	if err != nil {
		return nil, err
	}
	r := h.router
	if r.secondary == nil {
		updated, err := r.primary.Update(ctx, h.desc.Kind, key, row)
		if err != nil {
			h.markIfUnreachable(err)
			return nil, err
		}
		h.emit(ctx, tenantID, outbox.OpUpdate, updated)
		return updated, nil
	}
	updated, err := r.secondary.Update(ctx, h.desc.Kind, key, row)
	if err != nil {
		return nil, err
	}
	h.mirror(ctx, tenantID, outbox.OpUpdate, key, updated)
	return updated, nil
}

// Delete removes the row identified by key
func (h *Handle) Delete(ctx context.Context, tenantID int64, key entity.Key) error {
	r := h.router
	if r.secondary == nil {
		if err := r.primary.Delete(ctx, h.desc.Kind, key); err != nil {
			h.markIfUnreachable(err)
			return err
		}
		h.emit(ctx, tenantID, outbox.OpDelete, h.keyRow(key))
		return nil
	}
	if err := r.secondary.Delete(ctx, h.desc.Kind, key); err != nil {
		return err
	}
	h.mirror(ctx, tenantID, outbox.OpDelete, key, nil)
	return nil
}

func (h *Handle) markIfUnreachable(err error) {
	if store.IsConnectivity(err) {
		h.router.state.MarkOffline(err)
	}
}

func (h *Handle) keyRow(key entity.Key) entity.Row {
	row := make(entity.Row, len(key))
	for i, name := range h.desc.KeyColumns {
		if i < len(key) {
			row[name] = key[i]
		}
	}
	return row
}

// mirror replays a committed secondary write on the primary, or queues it when the primary
// is unreachable. Logical failures are logged and dropped.
func (h *Handle) mirror(ctx context.Context, tenantID int64, kind outbox.OpKind, key entity.Key, row entity.Row) {
	r := h.router
	if !r.state.IsOnline() {
		h.enqueue(tenantID, kind, key, row, nil)
		return
	}

	// the secondary already holds the write, so a cancelled request must not drop the mirror
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.mirrorTimeout)
	defer cancel()

	var err error
	switch kind {
	case outbox.OpDelete:
		err = r.primary.Delete(mctx, h.desc.Kind, key)
		if store.IsNotFound(err) {
			err = nil
		}
	default:
		err = r.primary.Upsert(mctx, h.desc.Kind, key, row)
		if err == nil && kind == outbox.OpCreate && h.desc.AutoKey {
			if serr := store.SyncIdentity(mctx, r.primary, h.desc.Kind); serr != nil {
				h.log(tenantID).WithError(serr).Warn("Failed to advance primary identity")
			}
		}
	}

	switch {
	case err == nil:
		if row == nil {
			row = h.keyRow(key)
		}
		h.emit(ctx, tenantID, kind, row)
	case store.IsConnectivity(err):
		r.state.MarkOffline(err)
		h.enqueue(tenantID, kind, key, row, err)
	default:
		h.log(tenantID).WithError(err).WithFields(logrus.Fields{
			"kind": kind,
			"key":  key.String(),
		}).Error("Primary rejected mirrored write, dropping it")
	}
}

func (h *Handle) enqueue(tenantID int64, kind outbox.OpKind, key entity.Key, row entity.Row, cause error) {
	r := h.router
	if r.outbox == nil {
		return
	}
	_, err := r.outbox.Enqueue(outbox.Operation{
		TenantID:    tenantID,
		Entity:      h.desc.Kind,
		Kind:        kind,
		Key:         key,
		Payload:     row,
		SourceStore: store.Secondary,
	})
	if err != nil {
		entry := h.log(tenantID).WithError(err).WithField("key", key.String())
		if cause != nil {
			entry = entry.WithField("cause", cause.Error())
		}
		entry.Error("Failed to queue write for primary store")
	}
}

func (h *Handle) emit(ctx context.Context, tenantID int64, kind outbox.OpKind, row entity.Row) {
	ev := notify.Event{
		TenantID:  tenantID,
		Entity:    h.desc.Kind,
		Operation: string(kind),
		Data:      row,
		Source:    notify.SourceRouter,
		At:        time.Now().UTC(),
	}
	if key, err := h.desc.KeyOf(row); err == nil {
		ev.Key = key.String()
	}
	h.router.notifier.Emit(ctx, ev)
}
