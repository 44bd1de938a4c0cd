package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/db"
	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/retry"
	"github.com/smart-school/school_sync/internal/store"
	"github.com/smart-school/school_sync/internal/store/postgres"
	"github.com/smart-school/school_sync/internal/store/sqlite"
)

// IsPostgresDSN reports whether dsn addresses a PostgreSQL server rather than a SQLite file
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// SQLitePath strips an optional sqlite:// or sqlite: scheme from dsn
func SQLitePath(dsn string) string {
	for _, p := range []string{"sqlite://", "sqlite:"} {
		if strings.HasPrefix(dsn, p) {
			return strings.TrimPrefix(dsn, p)
		}
	}
	return dsn
}

// OpenPrimary connects to the primary store. Without a secondary store nothing can absorb
// writes, so the connection is retried until it succeeds; with one, the pool connects lazily
// and the connectivity monitor decides whether the store is usable.
func OpenPrimary(ctx context.Context, dsn string, catalog *entity.Catalog, offlineCapable bool) (*postgres.Client, error) {
	if !IsPostgresDSN(dsn) {
		return nil, fmt.Errorf("primary store must be PostgreSQL, got %q", dsn)
	}
	if offlineCapable {
		return postgres.Open(ctx, dsn, catalog)
	}
	pool, err := db.NewWithRetry(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary store: %w", err)
	}
	return postgres.New(pool, catalog), nil
}

// OpenSecondary opens the co-located store: a SQLite file, created on first use, or a
// PostgreSQL server
func OpenSecondary(ctx context.Context, dsn string, catalog *entity.Catalog) (store.Client, error) {
	if IsPostgresDSN(dsn) {
		var pool db.PgxPoolIface
		err := retry.WithOperation(ctx, retry.SecondaryDefaults(), func() error {
			var attemptErr error
			pool, attemptErr = db.New(ctx, dsn)
			if attemptErr != nil {
				return attemptErr
			}
			if pingErr := pool.Ping(ctx); pingErr != nil {
				pool.Close()
				return pingErr
			}
			return nil
		}, "Secondary connect")
		if err != nil {
			return nil, fmt.Errorf("failed to connect to secondary store: %w", err)
		}
		return postgres.New(pool, catalog), nil
	}

	path := SQLitePath(dsn)
	client, err := sqlite.Open(ctx, path, catalog)
	if err != nil {
		return nil, fmt.Errorf("failed to open secondary store: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	logrus.WithField("path", path).Info("Opened local secondary store")
	return client, nil
}

// MigratePostgres applies the school schema through the client's pool
func MigratePostgres(ctx context.Context, c *postgres.Client) error {
	pool, ok := c.Pool().(db.PgxPoolIface)
	if !ok {
		return fmt.Errorf("store handle does not support migrations")
	}
	return db.ApplyPoolMigrations(ctx, pool)
}
