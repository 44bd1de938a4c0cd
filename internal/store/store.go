// Package store defines the symmetric relational-store client used for both the primary and
// the secondary store, and classifies store errors.
package store

import (
	"context"
	"time"

	"github.com/smart-school/school_sync/internal/entity"
)

// Client is the typed CRUD surface every backing store provides
type Client interface {
	// Find returns the tenant-scoped rows matching the filter, ordered by identity key
	Find(ctx context.Context, kind entity.Kind, filter Filter) ([]entity.Row, error)
	// Count returns the number of tenant-scoped rows matching the filter
	Count(ctx context.Context, kind entity.Kind, filter Filter) (int64, error)
	// Create inserts a row and returns it as stored, including store-assigned keys
	Create(ctx context.Context, kind entity.Kind, row entity.Row) (entity.Row, error)
	// Update changes an existing row and returns it as stored; ErrNotFound if absent
	Update(ctx context.Context, kind entity.Kind, key entity.Key, row entity.Row) (entity.Row, error)
	// Upsert inserts or replaces the row identified by key
	Upsert(ctx context.Context, kind entity.Kind, key entity.Key, row entity.Row) error
	// Delete removes the row identified by key; ErrNotFound if absent
	Delete(ctx context.Context, kind entity.Kind, key entity.Key) error
	// Ping runs a trivial liveness query
	Ping(ctx context.Context) error
	Close() error
}

// BulkLoader is implemented by clients that can load many rows into an empty table at once
type BulkLoader interface {
	BulkLoad(ctx context.Context, kind entity.Kind, rows []entity.Row) (int64, error)
}

// IdentitySyncer is implemented by clients whose auto keys come from a sequence that has to be
// moved past keys written explicitly by Upsert
type IdentitySyncer interface {
	SyncIdentity(ctx context.Context, kind entity.Kind) error
}

// SyncIdentity advances the auto-key sequence of kind on c, if c keeps one
func SyncIdentity(ctx context.Context, c Client, kind entity.Kind) error {
	if s, ok := c.(IdentitySyncer); ok {
		return s.SyncIdentity(ctx, kind)
	}
	return nil
}

// Filter scopes a Find or Count call
type Filter struct {
	TenantID int64
	// Since restricts time-series tables to rows whose window column is on or after it
	Since *time.Time
	// Key restricts the result to a single identity
	Key entity.Key
	// Limit bounds the number of rows returned by Find; 0 means no limit
	Limit int
}

// TenantFilter is a shorthand for the common unwindowed tenant scope
func TenantFilter(tenantID int64) Filter {
	return Filter{TenantID: tenantID}
}

// Name identifies which store a client plays in the topology
type Name string

const (
	Primary   Name = "primary"
	Secondary Name = "secondary"
)
