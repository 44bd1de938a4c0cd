// Package storetest provides an in-memory store.Client with fault injection for tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/store"
)

// Op names a client operation for fault injection and call counting
type Op string

const (
	OpFind   Op = "find"
	OpCount  Op = "count"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
	OpPing   Op = "ping"

	OpSyncIdentity Op = "sync_identity"
)

// ErrOffline is the connectivity failure returned while the fake is offline
var ErrOffline = &store.ConnectivityError{Err: errors.New("dial tcp: connection refused")}

// Fake is an in-memory store.Client
type Fake struct {
	mu        sync.Mutex
	catalog   *entity.Catalog
	tables    map[entity.Kind]map[string]entity.Row
	nextID    map[entity.Kind]int64
	offline   bool
	failNext  map[Op][]error
	failKinds map[entity.Kind]error
	calls     map[Op]int
	hook      func(op Op, kind entity.Kind)
}

var (
	_ store.Client         = (*Fake)(nil)
	_ store.IdentitySyncer = (*Fake)(nil)
)

// New returns an empty fake for the catalog
func New(catalog *entity.Catalog) *Fake {
	return &Fake{
		catalog:   catalog,
		tables:    make(map[entity.Kind]map[string]entity.Row),
		nextID:    make(map[entity.Kind]int64),
		failNext:  make(map[Op][]error),
		failKinds: make(map[entity.Kind]error),
		calls:     make(map[Op]int),
	}
}

// SetOffline makes every operation fail with ErrOffline until cleared
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailNext queues err for the next call of op
func (f *Fake) FailNext(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], err)
}

// FailKind makes every operation on kind fail with err; nil clears it
func (f *Fake) FailKind(kind entity.Kind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failKinds, kind)
		return
	}
	f.failKinds[kind] = err
}

// OnCall registers a hook run at the start of every operation, outside the lock
func (f *Fake) OnCall(hook func(op Op, kind entity.Kind)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Calls returns how many times op was invoked
func (f *Fake) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes the call counters
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[Op]int)
}

// Seed inserts rows directly, bypassing fault injection
func (f *Fake) Seed(kind entity.Kind, rows ...entity.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	desc := f.catalog.MustLookup(kind)
	for _, r := range rows {
		row, err := desc.Normalize(r)
		if err != nil {
			panic(err)
		}
		key, err := desc.KeyOf(row)
		if err != nil {
			panic(err)
		}
		f.table(kind)[key.String()] = row
		f.trackID(desc, key)
	}
}

// Rows returns a tenant's rows of kind ordered by key, bypassing fault injection
func (f *Fake) Rows(kind entity.Kind, tenantID int64) []entity.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, _ := f.find(f.catalog.MustLookup(kind), store.TenantFilter(tenantID))
	return rows
}

// Get returns one row by key, bypassing fault injection
func (f *Fake) Get(kind entity.Kind, key entity.Key) (entity.Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.table(kind)[f.canonical(kind, key)]
	return row.Clone(), ok
}

func (f *Fake) table(kind entity.Kind) map[string]entity.Row {
	t, ok := f.tables[kind]
	if !ok {
		t = make(map[string]entity.Row)
		f.tables[kind] = t
	}
	return t
}

func (f *Fake) canonical(kind entity.Kind, key entity.Key) string {
	desc := f.catalog.MustLookup(kind)
	norm := make(entity.Key, len(key))
	for i, v := range key {
		col, _ := desc.Column(desc.KeyColumns[i])
		nv, err := entity.Normalize(col.Type, v)
		if err != nil {
			nv = v
		}
		norm[i] = nv
	}
	return norm.String()
}

func (f *Fake) trackID(desc *entity.Descriptor, key entity.Key) {
	if !desc.AutoKey {
		return
	}
	if id, ok := key[0].(int64); ok && id > f.nextID[desc.Kind] {
		f.nextID[desc.Kind] = id
	}
}

// enter counts the call and returns any injected failure
func (f *Fake) enter(op Op, kind entity.Kind) error {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(op, kind)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.offline {
		return ErrOffline
	}
	if q := f.failNext[op]; len(q) > 0 {
		f.failNext[op] = q[1:]
		return q[0]
	}
	if err, ok := f.failKinds[kind]; ok && op != OpPing {
		return err
	}
	return nil
}

func (f *Fake) find(desc *entity.Descriptor, filter store.Filter) ([]entity.Row, error) {
	var since any
	if filter.Since != nil {
		col, ok := desc.Column(desc.WindowColumn)
		if !ok {
			return nil, fmt.Errorf("%s has no window column", desc.Kind)
		}
		v, err := entity.Normalize(col.Type, *filter.Since)
		if err != nil {
			return nil, err
		}
		since = v
	}
	var want string
	if len(filter.Key) > 0 {
		want = f.canonical(desc.Kind, filter.Key)
	}

	keys := make([]string, 0, len(f.table(desc.Kind)))
	for k, row := range f.table(desc.Kind) {
		if !entity.Equal(entity.TypeInt, row[desc.TenantColumn], filter.TenantID) {
			continue
		}
		if want != "" && k != want {
			continue
		}
		if since != nil && !onOrAfter(row[desc.WindowColumn], since) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if filter.Limit > 0 && len(keys) > filter.Limit {
		keys = keys[:filter.Limit]
	}
	out := make([]entity.Row, len(keys))
	for i, k := range keys {
		out[i] = f.table(desc.Kind)[k].Clone()
	}
	return out, nil
}

func onOrAfter(v, since any) bool {
	switch s := since.(type) {
	case time.Time:
		ts, ok := v.(time.Time)
		return ok && !ts.Before(s)
	case string:
		d, ok := v.(string)
		return ok && d >= s
	}
	return false
}

// Find returns the tenant-scoped rows matching the filter
func (f *Fake) Find(_ context.Context, kind entity.Kind, filter store.Filter) ([]entity.Row, error) {
	if err := f.enter(OpFind, kind); err != nil {
		return nil, err
	}
	desc, err := f.catalog.Lookup(kind)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(desc, filter)
}

// Count returns the number of tenant-scoped rows matching the filter
func (f *Fake) Count(_ context.Context, kind entity.Kind, filter store.Filter) (int64, error) {
	if err := f.enter(OpCount, kind); err != nil {
		return 0, err
	}
	desc, err := f.catalog.Lookup(kind)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	filter.Limit = 0
	rows, err := f.find(desc, filter)
	return int64(len(rows)), err
}

// Create inserts a row, assigning an auto key when absent
func (f *Fake) Create(_ context.Context, kind entity.Kind, row entity.Row) (entity.Row, error) {
	if err := f.enter(OpCreate, kind); err != nil {
		return nil, err
	}
	desc, err := f.catalog.Lookup(kind)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	norm, err := desc.Normalize(row)
	if err != nil {
		return nil, err
	}
	if desc.AutoKey && !desc.HasKey(norm) {
		f.nextID[kind]++
		norm[desc.KeyColumns[0]] = f.nextID[kind]
	}
	key, err := desc.KeyOf(norm)
	if err != nil {
		return nil, err
	}
	if _, exists := f.table(kind)[key.String()]; exists {
		return nil, fmt.Errorf("duplicate key value violates unique constraint on %s %s", desc.Table, key)
	}
	f.table(kind)[key.String()] = norm
	f.trackID(desc, key)
	return norm.Clone(), nil
}

// Update merges the non-key columns of row into an existing row
func (f *Fake) Update(_ context.Context, kind entity.Kind, key entity.Key, row entity.Row) (entity.Row, error) {
	if err := f.enter(OpUpdate, kind); err != nil {
		return nil, err
	}
	desc, err := f.catalog.Lookup(kind)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.canonical(kind, key)
	existing, ok := f.table(kind)[k]
	if !ok {
		return nil, fmt.Errorf("failed to update %s %s: %w", desc.Table, key, store.ErrNotFound)
	}
	norm, err := desc.Normalize(row)
	if err != nil {
		return nil, err
	}
	merged := existing.Clone()
	for col, v := range norm {
		if !desc.IsKeyColumn(col) {
			merged[col] = v
		}
	}
	f.table(kind)[k] = merged
	return merged.Clone(), nil
}

// Upsert inserts or merges the row identified by key
func (f *Fake) Upsert(_ context.Context, kind entity.Kind, key entity.Key, row entity.Row) error {
	if err := f.enter(OpUpsert, kind); err != nil {
		return err
	}
	desc, err := f.catalog.Lookup(kind)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	norm, err := desc.Normalize(row)
	if err != nil {
		return err
	}
	for i, name := range desc.KeyColumns {
		col, _ := desc.Column(name)
		v, err := entity.Normalize(col.Type, key[i])
		if err != nil {
			return err
		}
		norm[name] = v
	}
	k := f.canonical(kind, key)
	if existing, ok := f.table(kind)[k]; ok {
		merged := existing.Clone()
		for col, v := range norm {
			merged[col] = v
		}
		norm = merged
	}
	f.table(kind)[k] = norm
	nk, _ := desc.KeyOf(norm)
	f.trackID(desc, nk)
	return nil
}

// Delete removes the row identified by key
func (f *Fake) Delete(_ context.Context, kind entity.Kind, key entity.Key) error {
	if err := f.enter(OpDelete, kind); err != nil {
		return err
	}
	desc, err := f.catalog.Lookup(kind)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.canonical(kind, key)
	if _, ok := f.table(kind)[k]; !ok {
		return fmt.Errorf("failed to delete %s %s: %w", desc.Table, key, store.ErrNotFound)
	}
	delete(f.table(kind), k)
	return nil
}

// SyncIdentity is counted for assertions; the fake tracks auto keys on every write
func (f *Fake) SyncIdentity(_ context.Context, kind entity.Kind) error {
	return f.enter(OpSyncIdentity, kind)
}

// Ping fails while offline
func (f *Fake) Ping(_ context.Context) error {
	return f.enter(OpPing, 0)
}

// Close is a no-op
func (f *Fake) Close() error {
	return nil
}
