// Package sync wires the stores, the connectivity monitor, the outbox, the router, the
// reconciliation engine and the tenant scheduler into one service.
package sync

import (
	"time"

	"github.com/smart-school/school_sync/internal/scheduler"
)

// Config represents the service configuration assembled from the command line
type Config struct {
	PrimaryDSN string
	// SecondaryDSN is a PostgreSQL URL or a SQLite path; empty runs in single-store mode
	SecondaryDSN string
	// EtcdDSN enables publishing change events to etcd when set
	EtcdDSN        string
	EntitiesConfig string

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	OutboxInterval time.Duration
	OutboxMaxSize  int
	SyncInterval   time.Duration
	PassTimeout    time.Duration
	MirrorTimeout  time.Duration
	EventTTL       time.Duration

	TimerPolicy         scheduler.Policy
	IneligiblePlatforms []string

	// Migrate applies the school schema to PostgreSQL stores at startup
	Migrate bool
}

// DefaultConfig returns the built-in timings
func DefaultConfig() Config {
	return Config{
		ProbeInterval:       30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		OutboxInterval:      10 * time.Second,
		SyncInterval:        30 * time.Second,
		PassTimeout:         5 * time.Minute,
		MirrorTimeout:       10 * time.Second,
		EventTTL:            10 * time.Minute,
		TimerPolicy:         scheduler.PolicyPerTenant,
		IneligiblePlatforms: []string{scheduler.PlatformMobile},
	}
}
