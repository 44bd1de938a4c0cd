// Package sqlbuild renders descriptor-driven SQL statements for the relational store clients.
package sqlbuild

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/store"
)

// Dialect captures the differences between the supported SQL engines
type Dialect interface {
	Placeholder(n int) string
	// Encode converts a normalized value into the driver argument for a column
	Encode(col entity.Column, v any) any
}

// Postgres renders $n placeholders and passes times as time.Time
type Postgres struct{}

func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Postgres) Encode(col entity.Column, v any) any {
	if v == nil {
		return nil
	}
	if col.Type == entity.TypeDate {
		if ts, err := time.Parse("2006-01-02", v.(string)); err == nil {
			return ts
		}
	}
	return v
}

// SQLiteTimeLayout is a fixed-width layout so that stored times sort lexically
const SQLiteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLite renders ? placeholders and stores times, dates and booleans in sortable scalar form
type SQLite struct{}

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) Encode(col entity.Column, v any) any {
	if v == nil {
		return nil
	}
	switch col.Type {
	case entity.TypeTime:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format(SQLiteTimeLayout)
		}
	case entity.TypeBool:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return v
}

// Query is a rendered statement with its arguments
type Query struct {
	SQL  string
	Args []any
}

type builder struct {
	d    Dialect
	args []any
}

func (b *builder) arg(col entity.Column, raw any) (string, error) {
	v, err := entity.Normalize(col.Type, raw)
	if err != nil {
		return "", err
	}
	b.args = append(b.args, b.d.Encode(col, v))
	return b.d.Placeholder(len(b.args)), nil
}

// Quote quotes an identifier
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = Quote(n)
	}
	return strings.Join(q, ", ")
}

func column(desc *entity.Descriptor, name string) entity.Column {
	c, _ := desc.Column(name)
	return c
}

func (b *builder) keyPredicate(desc *entity.Descriptor, key entity.Key) (string, error) {
	if len(key) != len(desc.KeyColumns) {
		return "", fmt.Errorf("%s key has %d values, want %d", desc.Kind, len(key), len(desc.KeyColumns))
	}
	parts := make([]string, len(key))
	for i, name := range desc.KeyColumns {
		ph, err := b.arg(column(desc, name), key[i])
		if err != nil {
			return "", fmt.Errorf("%s key column %q: %w", desc.Kind, name, err)
		}
		parts[i] = Quote(name) + " = " + ph
	}
	return strings.Join(parts, " AND "), nil
}

func (b *builder) where(desc *entity.Descriptor, f store.Filter) (string, error) {
	ph, err := b.arg(column(desc, desc.TenantColumn), f.TenantID)
	if err != nil {
		return "", err
	}
	conds := []string{Quote(desc.TenantColumn) + " = " + ph}
	if f.Since != nil {
		if desc.WindowColumn == "" {
			return "", fmt.Errorf("%s has no window column", desc.Kind)
		}
		ph, err := b.arg(column(desc, desc.WindowColumn), *f.Since)
		if err != nil {
			return "", err
		}
		conds = append(conds, Quote(desc.WindowColumn)+" >= "+ph)
	}
	if len(f.Key) > 0 {
		pred, err := b.keyPredicate(desc, f.Key)
		if err != nil {
			return "", err
		}
		conds = append(conds, pred)
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

// Select renders a tenant-scoped SELECT ordered by identity key
func Select(d Dialect, desc *entity.Descriptor, f store.Filter) (Query, error) {
	b := &builder{d: d}
	where, err := b.where(desc, f)
	if err != nil {
		return Query{}, err
	}
	sql := "SELECT " + quoteAll(desc.ColumnNames()) + " FROM " + Quote(desc.Table) + where +
		" ORDER BY " + quoteAll(desc.KeyColumns)
	if f.Limit > 0 {
		sql += " LIMIT " + strconv.Itoa(f.Limit)
	}
	return Query{SQL: sql, Args: b.args}, nil
}

// Count renders a tenant-scoped COUNT(*)
func Count(d Dialect, desc *entity.Descriptor, f store.Filter) (Query, error) {
	b := &builder{d: d}
	where, err := b.where(desc, f)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: "SELECT COUNT(*) FROM " + Quote(desc.Table) + where, Args: b.args}, nil
}

// presentColumns lists the descriptor columns present in the row, in declaration order
func presentColumns(desc *entity.Descriptor, row entity.Row) []entity.Column {
	cols := make([]entity.Column, 0, len(desc.Columns))
	for _, c := range desc.Columns {
		if _, ok := row[c.Name]; ok {
			cols = append(cols, c)
		}
	}
	return cols
}

// Insert renders an INSERT ... RETURNING all columns. Auto keys absent from the row are
// left to the store.
func Insert(d Dialect, desc *entity.Descriptor, row entity.Row) (Query, error) {
	cols := presentColumns(desc, row)
	if len(cols) == 0 {
		return Query{}, fmt.Errorf("%s row has no known columns", desc.Kind)
	}
	b := &builder{d: d}
	names := make([]string, len(cols))
	phs := make([]string, len(cols))
	for i, c := range cols {
		ph, err := b.arg(c, row[c.Name])
		if err != nil {
			return Query{}, fmt.Errorf("%s column %q: %w", desc.Kind, c.Name, err)
		}
		names[i], phs[i] = c.Name, ph
	}
	sql := "INSERT INTO " + Quote(desc.Table) + " (" + quoteAll(names) + ") VALUES (" +
		strings.Join(phs, ", ") + ") RETURNING " + quoteAll(desc.ColumnNames())
	return Query{SQL: sql, Args: b.args}, nil
}

// Update renders an UPDATE of the non-key columns present in the row, RETURNING all columns
func Update(d Dialect, desc *entity.Descriptor, key entity.Key, row entity.Row) (Query, error) {
	b := &builder{d: d}
	var sets []string
	for _, c := range presentColumns(desc, row) {
		if desc.IsKeyColumn(c.Name) {
			continue
		}
		ph, err := b.arg(c, row[c.Name])
		if err != nil {
			return Query{}, fmt.Errorf("%s column %q: %w", desc.Kind, c.Name, err)
		}
		sets = append(sets, Quote(c.Name)+" = "+ph)
	}
	if len(sets) == 0 {
		return Query{}, fmt.Errorf("%s update has no columns to set", desc.Kind)
	}
	pred, err := b.keyPredicate(desc, key)
	if err != nil {
		return Query{}, err
	}
	sql := "UPDATE " + Quote(desc.Table) + " SET " + strings.Join(sets, ", ") + " WHERE " + pred +
		" RETURNING " + quoteAll(desc.ColumnNames())
	return Query{SQL: sql, Args: b.args}, nil
}

// Upsert renders INSERT ... ON CONFLICT (key) DO UPDATE. Key values override the row's own
// key columns.
func Upsert(d Dialect, desc *entity.Descriptor, key entity.Key, row entity.Row) (Query, error) {
	if len(key) != len(desc.KeyColumns) {
		return Query{}, fmt.Errorf("%s key has %d values, want %d", desc.Kind, len(key), len(desc.KeyColumns))
	}
	merged := row.Clone()
	if merged == nil {
		merged = entity.Row{}
	}
	for i, name := range desc.KeyColumns {
		merged[name] = key[i]
	}
	cols := presentColumns(desc, merged)
	b := &builder{d: d}
	names := make([]string, len(cols))
	phs := make([]string, len(cols))
	var sets []string
	for i, c := range cols {
		ph, err := b.arg(c, merged[c.Name])
		if err != nil {
			return Query{}, fmt.Errorf("%s column %q: %w", desc.Kind, c.Name, err)
		}
		names[i], phs[i] = c.Name, ph
		if !desc.IsKeyColumn(c.Name) {
			sets = append(sets, Quote(c.Name)+" = excluded."+Quote(c.Name))
		}
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	sql := "INSERT INTO " + Quote(desc.Table) + " (" + quoteAll(names) + ") VALUES (" +
		strings.Join(phs, ", ") + ") ON CONFLICT (" + quoteAll(desc.KeyColumns) + ") " + action
	return Query{SQL: sql, Args: b.args}, nil
}

// Delete renders a keyed DELETE
func Delete(d Dialect, desc *entity.Descriptor, key entity.Key) (Query, error) {
	b := &builder{d: d}
	pred, err := b.keyPredicate(desc, key)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: "DELETE FROM " + Quote(desc.Table) + " WHERE " + pred, Args: b.args}, nil
}
