package entity

import (
	"fmt"
	"strings"
	"time"
)

// Row is one table row keyed by column name
type Row map[string]any

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Key holds the identity values of a row in key column order
type Key []any

// String returns the canonical form of the key used for set membership
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		switch tv := v.(type) {
		case nil:
			parts[i] = "<nil>"
		case time.Time:
			parts[i] = tv.UTC().Format(time.RFC3339Nano)
		case []byte:
			parts[i] = string(tv)
		default:
			parts[i] = fmt.Sprint(tv)
		}
	}
	return strings.Join(parts, "|")
}

// Dependency declares that the Columns of a row reference the key of a Parent row.
// Columns map positionally onto the parent's key columns.
type Dependency struct {
	Parent  Kind
	Columns []string
}

// Descriptor is the static description of one synchronized table
type Descriptor struct {
	Kind         Kind
	Table        string
	Columns      []Column
	KeyColumns   []string
	TenantColumn string
	// AutoKey marks a surrogate key the store assigns on create when the row omits it
	AutoKey bool
	// WindowColumn and WindowDays restrict reconciliation of time-series tables to a recent window
	WindowColumn string
	WindowDays   int
	// CompareFields is the curated field subset checked by content comparison.
	// Empty means every non-key column.
	CompareFields []string
	ExcludeBinary bool
	// SampleSize bounds the content-check fetch; 0 compares the full set
	SampleSize int
	// PendingColumn optionally names a secondary-store column flagging unsynced local edits
	PendingColumn string
	Dependencies  []Dependency

	columnIndex map[string]Column
}

func (d *Descriptor) index() {
	d.columnIndex = make(map[string]Column, len(d.Columns))
	for _, c := range d.Columns {
		d.columnIndex[c.Name] = c
	}
}

// Column returns a column by name
func (d *Descriptor) Column(name string) (Column, bool) {
	if d.columnIndex == nil {
		for _, c := range d.Columns {
			if c.Name == name {
				return c, true
			}
		}
		return Column{}, false
	}
	c, ok := d.columnIndex[name]
	return c, ok
}

// ColumnNames returns all column names in declaration order
func (d *Descriptor) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// IsKeyColumn reports whether name is part of the identity key
func (d *Descriptor) IsKeyColumn(name string) bool {
	for _, k := range d.KeyColumns {
		if k == name {
			return true
		}
	}
	return false
}

// KeyOf extracts the normalized identity key of a row
func (d *Descriptor) KeyOf(row Row) (Key, error) {
	key := make(Key, len(d.KeyColumns))
	for i, name := range d.KeyColumns {
		raw, ok := row[name]
		if !ok || raw == nil {
			return nil, fmt.Errorf("%s row is missing key column %q", d.Kind, name)
		}
		col, _ := d.Column(name)
		v, err := Normalize(col.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%s key column %q: %w", d.Kind, name, err)
		}
		key[i] = v
	}
	return key, nil
}

// HasKey reports whether the row carries every key column
func (d *Descriptor) HasKey(row Row) bool {
	for _, name := range d.KeyColumns {
		if v, ok := row[name]; !ok || v == nil {
			return false
		}
	}
	return true
}

// ComparedFields returns the field set used for content comparison
func (d *Descriptor) ComparedFields() []string {
	fields := d.CompareFields
	if len(fields) == 0 {
		fields = make([]string, 0, len(d.Columns))
		for _, c := range d.Columns {
			if !d.IsKeyColumn(c.Name) && c.Name != d.PendingColumn {
				fields = append(fields, c.Name)
			}
		}
	}
	if !d.ExcludeBinary {
		return fields
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if c, ok := d.Column(f); ok && c.Type == TypeBytes {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Diff returns the compared fields whose values differ between two rows
func (d *Descriptor) Diff(a, b Row) []string {
	var diff []string
	for _, f := range d.ComparedFields() {
		col, _ := d.Column(f)
		if !Equal(col.Type, a[f], b[f]) {
			diff = append(diff, f)
		}
	}
	return diff
}

// Changed returns every non-key column whose value differs between two rows, ignoring
// the pending marker. Unlike Diff it is not limited to the compared fields.
func (d *Descriptor) Changed(a, b Row) []string {
	var changed []string
	for _, c := range d.Columns {
		if d.IsKeyColumn(c.Name) || c.Name == d.PendingColumn {
			continue
		}
		if !Equal(c.Type, a[c.Name], b[c.Name]) {
			changed = append(changed, c.Name)
		}
	}
	return changed
}

// Normalize returns a copy of the row restricted to known columns with canonical values
func (d *Descriptor) Normalize(row Row) (Row, error) {
	out := make(Row, len(d.Columns))
	for _, c := range d.Columns {
		raw, ok := row[c.Name]
		if !ok {
			continue
		}
		v, err := Normalize(c.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%s column %q: %w", d.Kind, c.Name, err)
		}
		out[c.Name] = v
	}
	return out, nil
}

// Windowed reports whether reconciliation of this table is restricted to a recent window
func (d *Descriptor) Windowed() bool {
	return d.WindowColumn != "" && d.WindowDays > 0
}

// WindowStart returns the lower bound of the reconciliation window relative to now
func (d *Descriptor) WindowStart(now time.Time) *time.Time {
	if !d.Windowed() {
		return nil
	}
	start := now.UTC().AddDate(0, 0, -d.WindowDays).Truncate(24 * time.Hour)
	return &start
}

// ParentKey extracts the referenced parent key for a dependency.
// ok is false when any referencing column is null, meaning there is nothing to check.
func (d *Descriptor) ParentKey(dep Dependency, parent *Descriptor, row Row) (key Key, ok bool, err error) {
	key = make(Key, len(dep.Columns))
	for i, name := range dep.Columns {
		raw := row[name]
		if raw == nil {
			return nil, false, nil
		}
		col, _ := parent.Column(parent.KeyColumns[i])
		v, err := Normalize(col.Type, raw)
		if err != nil {
			return nil, false, fmt.Errorf("%s reference column %q: %w", d.Kind, name, err)
		}
		key[i] = v
	}
	return key, true, nil
}

// Pending reports whether the row carries the locally-modified marker
func (d *Descriptor) Pending(row Row) bool {
	if d.PendingColumn == "" {
		return false
	}
	v, err := Normalize(TypeBool, row[d.PendingColumn])
	if err != nil || v == nil {
		return false
	}
	return v.(bool)
}
