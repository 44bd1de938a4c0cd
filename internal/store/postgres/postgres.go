// Package postgres implements the store client on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/db"
	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/store"
	"github.com/smart-school/school_sync/internal/store/sqlbuild"
)

// Client is a store.Client backed by a pgx pool or connection
type Client struct {
	pool    db.PgxIface
	catalog *entity.Catalog
	closer  func()
	logger  *logrus.Entry
}

var (
	_ store.Client     = (*Client)(nil)
	_ store.BulkLoader = (*Client)(nil)
)

// New wraps an existing pgx handle
func New(pool db.PgxIface, catalog *entity.Catalog) *Client {
	c := &Client{
		pool:    pool,
		catalog: catalog,
		logger:  logrus.WithField("component", "postgresql"),
	}
	if p, ok := pool.(db.PgxPoolIface); ok {
		c.closer = p.Close
	}
	return c
}

// Open creates a lazily-connecting pool so that an unreachable server does not block startup
func Open(ctx context.Context, dsn string, catalog *entity.Catalog, callbacks ...db.ConnConfigCallback) (*Client, error) {
	pool, err := db.New(ctx, dsn, callbacks...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	return New(pool, catalog), nil
}

// Pool exposes the underlying handle for schema setup
func (c *Client) Pool() db.PgxIface {
	return c.pool
}

func (c *Client) describe(kind entity.Kind) (*entity.Descriptor, error) {
	return c.catalog.Lookup(kind)
}

func (c *Client) collect(desc *entity.Descriptor, rows pgx.Rows) ([]entity.Row, error) {
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]entity.Row, 0, len(maps))
	for _, m := range maps {
		row, err := desc.Normalize(entity.Row(m))
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *Client) one(desc *entity.Descriptor, rows pgx.Rows) (entity.Row, error) {
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return desc.Normalize(entity.Row(m))
}

// Find returns the tenant-scoped rows matching the filter
func (c *Client) Find(ctx context.Context, kind entity.Kind, filter store.Filter) ([]entity.Row, error) {
	desc, err := c.describe(kind)
	if err != nil {
		return nil, err
	}
	q, err := sqlbuild.Select(sqlbuild.Postgres{}, desc, filter)
	if err != nil {
		return nil, err
	}
	rows, err := c.pool.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", desc.Table, err)
	}
	result, err := c.collect(desc, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", desc.Table, err)
	}
	return result, nil
}

// Count returns the number of tenant-scoped rows matching the filter
func (c *Client) Count(ctx context.Context, kind entity.Kind, filter store.Filter) (int64, error) {
	desc, err := c.describe(kind)
	if err != nil {
		return 0, err
	}
	q, err := sqlbuild.Count(sqlbuild.Postgres{}, desc, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := c.pool.QueryRow(ctx, q.SQL, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", desc.Table, err)
	}
	return n, nil
}

// Create inserts a row and returns it with any identity-assigned key
func (c *Client) Create(ctx context.Context, kind entity.Kind, row entity.Row) (entity.Row, error) {
	desc, err := c.describe(kind)
	if err != nil {
		return nil, err
	}
	q, err := sqlbuild.Insert(sqlbuild.Postgres{}, desc, row)
	if err != nil {
		return nil, err
	}
	rows, err := c.pool.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", desc.Table, err)
	}
	created, err := c.one(desc, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", desc.Table, err)
	}
	if desc.AutoKey && desc.HasKey(row) {
		if err := c.advanceIdentity(ctx, desc); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// Update changes an existing row
func (c *Client) Update(ctx context.Context, kind entity.Kind, key entity.Key, row entity.Row) (entity.Row, error) {
	desc, err := c.describe(kind)
	if err != nil {
		return nil, err
	}
	q, err := sqlbuild.Update(sqlbuild.Postgres{}, desc, key, row)
	if err != nil {
		return nil, err
	}
	rows, err := c.pool.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", desc.Table, key, err)
	}
	updated, err := c.one(desc, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", desc.Table, key, err)
	}
	return updated, nil
}

// Upsert inserts or replaces the row identified by key. Explicit auto keys do not move the
// identity sequence; callers run SyncIdentity once after a batch.
func (c *Client) Upsert(ctx context.Context, kind entity.Kind, key entity.Key, row entity.Row) error {
	desc, err := c.describe(kind)
	if err != nil {
		return err
	}
	q, err := sqlbuild.Upsert(sqlbuild.Postgres{}, desc, key, row)
	if err != nil {
		return err
	}
	if _, err := c.pool.Exec(ctx, q.SQL, q.Args...); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", desc.Table, key, err)
	}
	return nil
}

// SyncIdentity moves the identity sequence of an auto-key table past its largest key
func (c *Client) SyncIdentity(ctx context.Context, kind entity.Kind) error {
	desc, err := c.describe(kind)
	if err != nil {
		return err
	}
	if !desc.AutoKey {
		return nil
	}
	return c.advanceIdentity(ctx, desc)
}

// Delete removes the row identified by key
func (c *Client) Delete(ctx context.Context, kind entity.Kind, key entity.Key) error {
	desc, err := c.describe(kind)
	if err != nil {
		return err
	}
	q, err := sqlbuild.Delete(sqlbuild.Postgres{}, desc, key)
	if err != nil {
		return err
	}
	tag, err := c.pool.Exec(ctx, q.SQL, q.Args...)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", desc.Table, key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to delete %s %s: %w", desc.Table, key, store.ErrNotFound)
	}
	return nil
}

// BulkLoad copies rows into an empty table with COPY
func (c *Client) BulkLoad(ctx context.Context, kind entity.Kind, rows []entity.Row) (int64, error) {
	desc, err := c.describe(kind)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	columns := desc.ColumnNames()
	data := make([][]any, len(rows))
	for i, row := range rows {
		values := make([]any, len(desc.Columns))
		for j, col := range desc.Columns {
			v, err := entity.Normalize(col.Type, row[col.Name])
			if err != nil {
				return 0, fmt.Errorf("%s column %q: %w", desc.Kind, col.Name, err)
			}
			values[j] = sqlbuild.Postgres{}.Encode(col, v)
		}
		data[i] = values
	}
	n, err := c.pool.CopyFrom(ctx, pgx.Identifier{desc.Table}, columns, pgx.CopyFromRows(data))
	if err != nil {
		return 0, fmt.Errorf("failed to bulk load %s: %w", desc.Table, err)
	}
	if desc.AutoKey {
		if err := c.advanceIdentity(ctx, desc); err != nil {
			return n, err
		}
	}
	c.logger.WithFields(logrus.Fields{"table": desc.Table, "count": n}).Info("Bulk loaded rows")
	return n, nil
}

// advanceIdentity moves an identity sequence past keys written explicitly, which
// happens whenever a row created on the other store is mirrored here
func (c *Client) advanceIdentity(ctx context.Context, desc *entity.Descriptor) error {
	keyCol := desc.KeyColumns[0]
	sql := fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence($1, $2), GREATEST((SELECT COALESCE(MAX(%s), 0) FROM %s), 1))",
		sqlbuild.Quote(keyCol), sqlbuild.Quote(desc.Table))
	if _, err := c.pool.Exec(ctx, sql, sqlbuild.Quote(desc.Table), keyCol); err != nil {
		return fmt.Errorf("failed to advance %s identity: %w", desc.Table, err)
	}
	return nil
}

// Ping runs a trivial liveness query
func (c *Client) Ping(ctx context.Context) error {
	var one int
	if err := c.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return &store.ConnectivityError{Err: err}
	}
	return nil
}

// Close releases the pool if the client owns one
func (c *Client) Close() error {
	if c.closer != nil {
		c.closer()
	}
	return nil
}
