// Package sqlite implements the store client on an embedded SQLite database, used as the
// on-premise secondary store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/store"
	"github.com/smart-school/school_sync/internal/store/sqlbuild"
)

//go:embed schema.sql
var schemaSQL string

// SchemaVersion is recorded in PRAGMA user_version once the schema is applied
const SchemaVersion = 1

// Client is a store.Client backed by SQLite
type Client struct {
	db      *sql.DB
	catalog *entity.Catalog
	logger  *logrus.Entry
}

var (
	_ store.Client     = (*Client)(nil)
	_ store.BulkLoader = (*Client)(nil)
)

// Open opens the SQLite database at path. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, catalog *entity.Catalog) (*Client, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers, and an in-memory database lives on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != ":memory:" && !strings.Contains(path, "mode=memory") {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return New(db, catalog), nil
}

// New wraps an open database handle
func New(db *sql.DB, catalog *entity.Catalog) *Client {
	return &Client{
		db:      db,
		catalog: catalog,
		logger:  logrus.WithField("component", "sqlite"),
	}
}

// DB exposes the underlying handle
func (c *Client) DB() *sql.DB {
	return c.db
}

// Migrate creates the school tables when the database is older than SchemaVersion
func (c *Client) Migrate(ctx context.Context) error {
	var version int
	if err := c.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version >= SchemaVersion {
		c.logger.WithField("version", version).Debug("Local schema is up to date")
		return nil
	}
	if _, err := c.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create local schema: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	c.logger.WithField("version", SchemaVersion).Info("Local schema created")
	return nil
}

func (c *Client) scanAll(desc *entity.Descriptor, rows *sql.Rows) ([]entity.Row, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []entity.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		raw := make(entity.Row, len(cols))
		for i, name := range cols {
			raw[name] = values[i]
		}
		row, err := desc.Normalize(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *Client) queryOne(ctx context.Context, desc *entity.Descriptor, q sqlbuild.Query) (entity.Row, error) {
	rows, err := c.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	result, err := c.scanAll(desc, rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, store.ErrNotFound
	}
	return result[0], nil
}

// Find returns the tenant-scoped rows matching the filter
func (c *Client) Find(ctx context.Context, kind entity.Kind, filter store.Filter) ([]entity.Row, error) {
	desc, err := c.catalog.Lookup(kind)
	if err != nil {
		return nil, err
	}
	q, err := sqlbuild.Select(sqlbuild.SQLite{}, desc, filter)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", desc.Table, err)
	}
	result, err := c.scanAll(desc, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", desc.Table, err)
	}
	return result, nil
}

// Count returns the number of tenant-scoped rows matching the filter
func (c *Client) Count(ctx context.Context, kind entity.Kind, filter store.Filter) (int64, error) {
	desc, err := c.catalog.Lookup(kind)
	if err != nil {
		return 0, err
	}
	q, err := sqlbuild.Count(sqlbuild.SQLite{}, desc, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.db.QueryRowContext(ctx, q.SQL, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", desc.Table, err)
	}
	return n, nil
}

// Create inserts a row and returns it with any assigned key
func (c *Client) Create(ctx context.Context, kind entity.Kind, row entity.Row) (entity.Row, error) {
	desc, err := c.catalog.Lookup(kind)
	if err != nil {
		return nil, err
	}
	q, err := sqlbuild.Insert(sqlbuild.SQLite{}, desc, row)
	if err != nil {
		return nil, err
	}
	created, err := c.queryOne(ctx, desc, q)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", desc.Table, err)
	}
	return created, nil
}

// Update changes an existing row
func (c *Client) Update(ctx context.Context, kind entity.Kind, key entity.Key, row entity.Row) (entity.Row, error) {
	desc, err := c.catalog.Lookup(kind)
	if err != nil {
		return nil, err
	}
	q, err := sqlbuild.Update(sqlbuild.SQLite{}, desc, key, row)
	if err != nil {
		return nil, err
	}
	updated, err := c.queryOne(ctx, desc, q)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", desc.Table, key, err)
	}
	return updated, nil
}

// Upsert inserts or replaces the row identified by key
func (c *Client) Upsert(ctx context.Context, kind entity.Kind, key entity.Key, row entity.Row) error {
	desc, err := c.catalog.Lookup(kind)
	if err != nil {
		return err
	}
	q, err := sqlbuild.Upsert(sqlbuild.SQLite{}, desc, key, row)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, q.SQL, q.Args...); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", desc.Table, key, err)
	}
	return nil
}

// Delete removes the row identified by key
func (c *Client) Delete(ctx context.Context, kind entity.Kind, key entity.Key) error {
	desc, err := c.catalog.Lookup(kind)
	if err != nil {
		return err
	}
	q, err := sqlbuild.Delete(sqlbuild.SQLite{}, desc, key)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", desc.Table, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", desc.Table, key, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to delete %s %s: %w", desc.Table, key, store.ErrNotFound)
	}
	return nil
}

// BulkLoad inserts rows in a single transaction
func (c *Client) BulkLoad(ctx context.Context, kind entity.Kind, rows []entity.Row) (int64, error) {
	desc, err := c.catalog.Lookup(kind)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin bulk load of %s: %w", desc.Table, err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	for _, row := range rows {
		key, err := desc.KeyOf(row)
		if err != nil {
			return 0, err
		}
		q, err := sqlbuild.Upsert(sqlbuild.SQLite{}, desc, key, row)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, q.SQL, q.Args...); err != nil {
			return 0, fmt.Errorf("failed to bulk load %s %s: %w", desc.Table, key, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bulk load of %s: %w", desc.Table, err)
	}
	c.logger.WithFields(logrus.Fields{"table": desc.Table, "count": n}).Info("Bulk loaded rows")
	return n, nil
}

// Ping runs a trivial liveness query
func (c *Client) Ping(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &store.ConnectivityError{Err: err}
	}
	return nil
}

// Close closes the database
func (c *Client) Close() error {
	return c.db.Close()
}
