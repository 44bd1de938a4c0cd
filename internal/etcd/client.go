// Package etcd provides the etcd client used to publish sync events to downstream watchers.
package etcd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdClient wraps a clientv3 connection and the key prefix taken from its DSN
type EtcdClient struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdClient creates a new etcd client with DSN parsing
func NewEtcdClient(dsn string) (*EtcdClient, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")

	return &EtcdClient{
		client: client,
		prefix: GetPrefix(dsn),
	}, nil
}

// Close closes the etcd client connection
func (c *EtcdClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Client returns the underlying etcd client for direct access
func (c *EtcdClient) Client() *clientv3.Client {
	return c.client
}

// Prefix returns the key prefix configured in the DSN path
func (c *EtcdClient) Prefix() string {
	return c.prefix
}

// PutWithTTL stores a value under a fresh lease so that it expires after ttl
func (c *EtcdClient) PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	var opts []clientv3.OpOption
	if ttl > 0 {
		seconds := int64(ttl / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		lease, err := c.client.Grant(ctx, seconds)
		if err != nil {
			return fmt.Errorf("failed to grant lease for %s: %w", key, err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	resp, err := c.client.Put(ctx, key, value, opts...)
	if err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
	}).Debug("Put key to etcd")
	return nil
}

// Get retrieves a single value; found is false when the key does not exist
func (c *EtcdClient) Get(ctx context.Context, key string) (value string, found bool, err error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// parseEtcdDSN parses etcd DSN format: etcd://host1:port1[,host2:port2]/[prefix]?param=value
func parseEtcdDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return &clientv3.Config{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		}, nil
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}
	dsn = strings.TrimPrefix(dsn, "etcd://")

	// Parse as URL to handle query parameters
	u, err := url.Parse("dummy://" + dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379" // Default etcd port
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	params := u.Query()

	if timeout := params.Get("dial_timeout"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.DialTimeout = d
		}
	}

	if username := params.Get("username"); username != "" {
		config.Username = username
	}

	if password := params.Get("password"); password != "" {
		config.Password = password
	}

	if tlsParam := params.Get("tls"); tlsParam == "enabled" {
		config.TLS = &tls.Config{
			InsecureSkipVerify: params.Get("tls_insecure") == "true",
		}
	}

	return config, nil
}

// GetPrefix extracts the prefix from the etcd DSN path
func GetPrefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return "/"
	}

	u, err := url.Parse("dummy://" + strings.TrimPrefix(dsn, "etcd://"))
	if err != nil || u.Path == "" {
		return "/"
	}

	return u.Path
}
