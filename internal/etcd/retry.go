package etcd

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/retry"
)

// NewEtcdClientWithRetry creates a new etcd client with retry logic
func NewEtcdClientWithRetry(ctx context.Context, dsn string) (*EtcdClient, error) {
	config := retry.EtcdDefaults()

	var client *EtcdClient
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		client, attemptErr = NewEtcdClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		// clientv3.New does not dial eagerly, so test the connection
		if _, _, testErr := client.Get(ctx, "healthcheck"); testErr != nil {
			_ = client.Close()
			return testErr
		}

		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}

	return client, nil
}
