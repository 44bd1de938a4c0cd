package reconcile

import (
	"context"
	"fmt"

	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/store"
)

// dependencies answers whether a parent row exists on the secondary store during one pass.
// Entities resynced earlier in the pass contribute their full key set; anything else is looked
// up once and cached.
type dependencies struct {
	catalog   *entity.Catalog
	secondary store.Client
	tenantID  int64
	complete  map[entity.Kind]map[string]bool
	lookups   map[entity.Kind]map[string]bool
}

func newDependencies(catalog *entity.Catalog, secondary store.Client, tenantID int64) *dependencies {
	return &dependencies{
		catalog:   catalog,
		secondary: secondary,
		tenantID:  tenantID,
		complete:  make(map[entity.Kind]map[string]bool),
		lookups:   make(map[entity.Kind]map[string]bool),
	}
}

// record stores the key set an entity has on the secondary after its resync. Windowed
// entities only know their window, so they stay on the lookup path.
func (d *dependencies) record(desc *entity.Descriptor, present map[string]bool) {
	if desc.Windowed() {
		return
	}
	d.complete[desc.Kind] = present
}

// check returns a *DependencyMissingError when a parent referenced by row is absent
func (d *dependencies) check(ctx context.Context, desc *entity.Descriptor, key entity.Key, row entity.Row) error {
	for _, dep := range desc.Dependencies {
		parent, err := d.catalog.Lookup(dep.Parent)
		if err != nil {
			continue
		}
		parentKey, ok, err := desc.ParentKey(dep, parent, row)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		exists, err := d.exists(ctx, parent, parentKey)
		if err != nil {
			return err
		}
		if !exists {
			return &DependencyMissingError{Entity: desc.Kind, Key: key, Parent: dep.Parent, ParentKey: parentKey}
		}
	}
	return nil
}

func (d *dependencies) exists(ctx context.Context, parent *entity.Descriptor, key entity.Key) (bool, error) {
	k := key.String()
	if set, ok := d.complete[parent.Kind]; ok {
		return set[k], nil
	}
	cache, ok := d.lookups[parent.Kind]
	if !ok {
		cache = make(map[string]bool)
		d.lookups[parent.Kind] = cache
	}
	if found, ok := cache[k]; ok {
		return found, nil
	}
	n, err := d.secondary.Count(ctx, parent.Kind, store.Filter{TenantID: d.tenantID, Key: key})
	if err != nil {
		return false, onSecondary(fmt.Errorf("failed to look up %s %s: %w", parent.Kind, key, err))
	}
	cache[k] = n > 0
	return n > 0, nil
}
