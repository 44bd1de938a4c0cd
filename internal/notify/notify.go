// Package notify emits change events for successful mirrored and reconciled writes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/entity"
)

// Source values for Event.Source
const (
	SourceRouter    = "router"
	SourceOutbox    = "outbox"
	SourceReconcile = "reconcile"
)

// Event describes one write that reached a store
type Event struct {
	TenantID  int64       `json:"tenant_id"`
	Entity    entity.Kind `json:"entity"`
	Operation string      `json:"operation"`
	Key       string      `json:"key"`
	Data      entity.Row  `json:"data,omitempty"`
	Source    string      `json:"source"`
	At        time.Time   `json:"at"`
}

// Notifier receives events. Emit must not block the write path for long and never fails it.
type Notifier interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards events
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// Multi fans an event out to several notifiers in order
type Multi []Notifier

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Emit(ctx, ev)
	}
}

// LogNotifier writes events to the process logger
type LogNotifier struct {
	Level logrus.Level
}

func (l LogNotifier) Emit(_ context.Context, ev Event) {
	level := l.Level
	if level == 0 {
		level = logrus.DebugLevel
	}
	logrus.WithFields(logrus.Fields{
		"component": "notify",
		"tenant_id": ev.TenantID,
		"entity":    ev.Entity.String(),
		"operation": ev.Operation,
		"key":       ev.Key,
		"source":    ev.Source,
	}).Log(level, "Change event")
}

// Publisher stores a value that expires after ttl
type Publisher interface {
	PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// EtcdNotifier publishes events as JSON under <prefix>/<tenant>/<entity>/<unix-nanos> so that
// downstream watchers can broadcast them. Emit only enqueues; a single goroutine publishes
// from a bounded buffer and events arriving while the buffer is full are dropped and counted.
type EtcdNotifier struct {
	publisher Publisher
	prefix    string
	ttl       time.Duration
	timeout   time.Duration
	logger    *logrus.Entry

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	dropped atomic.Uint64
	done    chan struct{}
}

// EtcdOption configures an EtcdNotifier
type EtcdOption func(*EtcdNotifier)

// WithBufferSize bounds the number of events waiting to be published
func WithBufferSize(n int) EtcdOption {
	return func(e *EtcdNotifier) {
		if n > 0 {
			e.queue = make(chan Event, n)
		}
	}
}

// WithPublishTimeout bounds a single publish call
func WithPublishTimeout(d time.Duration) EtcdOption {
	return func(e *EtcdNotifier) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// DefaultBufferSize is the number of events an EtcdNotifier holds before dropping
const DefaultBufferSize = 1024

// NewEtcdNotifier creates a publisher-backed notifier and starts its publishing goroutine;
// events expire after ttl. Close stops it.
func NewEtcdNotifier(publisher Publisher, prefix string, ttl time.Duration, opts ...EtcdOption) *EtcdNotifier {
	n := &EtcdNotifier{
		publisher: publisher,
		prefix:    strings.TrimRight(prefix, "/"),
		ttl:       ttl,
		timeout:   2 * time.Second,
		logger:    logrus.WithField("component", "notify"),
		queue:     make(chan Event, DefaultBufferSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.run()
	return n
}

// EventKey returns the key an event is published under
func (n *EtcdNotifier) EventKey(ev Event) string {
	return fmt.Sprintf("%s/%d/%s/%d", n.prefix, ev.TenantID, ev.Entity, ev.At.UnixNano())
}

// Emit queues the event without waiting for etcd
func (n *EtcdNotifier) Emit(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- ev:
	default:
		total := n.dropped.Add(1)
		n.logger.WithFields(logrus.Fields{
			"tenant_id": ev.TenantID,
			"entity":    ev.Entity.String(),
			"dropped":   total,
		}).Warn("Change event buffer is full, dropping event")
	}
}

// Dropped returns the number of events discarded because the buffer was full
func (n *EtcdNotifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are published
func (n *EtcdNotifier) Close() error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
	return nil
}

func (n *EtcdNotifier) run() {
	defer close(n.done)
	for ev := range n.queue {
		n.publish(ev)
	}
}

func (n *EtcdNotifier) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.WithError(err).WithField("entity", ev.Entity.String()).Warn("Failed to encode change event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.publisher.PutWithTTL(ctx, n.EventKey(ev), string(payload), n.ttl); err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id": ev.TenantID,
			"entity":    ev.Entity.String(),
		}).Warn("Failed to publish change event")
	}
}
