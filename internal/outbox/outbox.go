// Package outbox queues writes that could not reach the primary store and replays them in order.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smart-school/school_sync/internal/connectivity"
	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/notify"
	"github.com/smart-school/school_sync/internal/store"
)

// OpKind is the write verb carried by an operation
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Status of a queued operation
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultMaxRetries is the number of failed attempts after which an operation is abandoned
const DefaultMaxRetries = 5

// ErrFull is returned by Enqueue when the queue is at capacity
var ErrFull = errors.New("outbox is full")

// Operation is one write waiting to be applied to the primary store
type Operation struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    int64       `json:"tenant_id"`
	Entity      entity.Kind `json:"entity"`
	Kind        OpKind      `json:"kind"`
	Key         entity.Key  `json:"key"`
	Payload     entity.Row  `json:"payload,omitempty"`
	SourceStore store.Name  `json:"source_store"`
	CreatedAt   time.Time   `json:"created_at"`
	RetryCount  int         `json:"retry_count"`
	Status      Status      `json:"status"`
	LastError   string      `json:"last_error,omitempty"`
}

// Config bounds the queue
type Config struct {
	MaxRetries int
	// MaxSize caps the number of queued operations; 0 means unlimited
	MaxSize int
}

// DrainResult reports one drain attempt
type DrainResult struct {
	// Skipped is set when the drain did not run because the store is offline or a drain is in flight
	Skipped   bool `json:"skipped"`
	Applied   int  `json:"applied"`
	Failed    int  `json:"failed"`
	Abandoned int  `json:"abandoned"`
	// Interrupted is set when a connectivity failure stopped the drain early
	Interrupted bool `json:"interrupted"`
	Remaining   int  `json:"remaining"`
}

// Outbox is a process-memory FIFO of writes pending delivery to the primary store
type Outbox struct {
	primary  store.Client
	state    connectivity.State
	notifier notify.Notifier
	cfg      Config
	logger   *logrus.Entry

	mu             sync.Mutex
	queue          []*Operation
	draining       bool
	totalAbandoned int
}

// New creates an empty outbox draining into primary
func New(primary store.Client, state connectivity.State, notifier notify.Notifier, cfg Config) *Outbox {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Outbox{
		primary:  primary,
		state:    state,
		notifier: notifier,
		cfg:      cfg,
		logger:   logrus.WithField("component", "outbox"),
	}
}

// Enqueue appends an operation, assigning its id, status and creation time
func (o *Outbox) Enqueue(op Operation) (uuid.UUID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.MaxSize > 0 && len(o.queue) >= o.cfg.MaxSize {
		return uuid.Nil, fmt.Errorf("failed to enqueue %s %s: %w (max size: %d)", op.Kind, op.Entity, ErrFull, o.cfg.MaxSize)
	}
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	op.Status = StatusPending
	op.Payload = op.Payload.Clone()
	o.queue = append(o.queue, &op)

	o.logger.WithFields(logrus.Fields{
		"id":        op.ID,
		"tenant_id": op.TenantID,
		"entity":    op.Entity.String(),
		"kind":      op.Kind,
		"key":       op.Key.String(),
		"queued":    len(o.queue),
	}).Info("Queued write for primary store")
	return op.ID, nil
}

// Len returns the number of queued operations
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Abandoned returns the number of operations dropped after reaching the retry ceiling
func (o *Outbox) Abandoned() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalAbandoned
}

// Pending returns copies of the queued operations in FIFO order
func (o *Outbox) Pending() []Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Operation, len(o.queue))
	for i, op := range o.queue {
		out[i] = *op
	}
	return out
}

// HasPending reports whether a write for the given row is still queued
func (o *Outbox) HasPending(tenantID int64, kind entity.Kind, key entity.Key) bool {
	want := key.String()
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.queue {
		if op.TenantID == tenantID && op.Entity == kind && op.Key.String() == want {
			return true
		}
	}
	return false
}

func (o *Outbox) apply(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case OpCreate, OpUpdate:
		return o.primary.Upsert(ctx, op.Entity, op.Key, op.Payload)
	case OpDelete:
		err := o.primary.Delete(ctx, op.Entity, op.Key)
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

func (o *Outbox) remove(id uuid.UUID) {
	for i, op := range o.queue {
		if op.ID == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

func identity(op *Operation) string {
	return fmt.Sprintf("%d/%s/%s", op.TenantID, op.Entity, op.Key)
}

// Drain applies queued operations to the primary store in FIFO order. It is a no-op while
// offline or while another drain runs. Operations enqueued during a drain wait for the next one.
func (o *Outbox) Drain(ctx context.Context) DrainResult {
	o.mu.Lock()
	if o.draining || !o.state.IsOnline() {
		res := DrainResult{Skipped: true, Remaining: len(o.queue)}
		o.mu.Unlock()
		return res
	}
	o.draining = true
	batch := make([]*Operation, len(o.queue))
	copy(batch, o.queue)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.draining = false
		o.mu.Unlock()
	}()

	var res DrainResult
	// a row whose earlier operation failed keeps its later ones queued so that order holds
	blocked := make(map[string]bool)
	written := make(map[entity.Kind]bool)
	for _, op := range batch {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		id := identity(op)
		if blocked[id] {
			continue
		}
		err := o.apply(ctx, op)
		if err == nil {
			o.mu.Lock()
			op.Status = StatusCompleted
			o.remove(op.ID)
			o.mu.Unlock()
			res.Applied++
			if op.Kind != OpDelete {
				written[op.Entity] = true
			}
			o.notifier.Emit(ctx, notify.Event{
				TenantID:  op.TenantID,
				Entity:    op.Entity,
				Operation: string(op.Kind),
				Key:       op.Key.String(),
				Data:      op.Payload,
				Source:    notify.SourceOutbox,
				At:        time.Now().UTC(),
			})
			continue
		}

		o.mu.Lock()
		op.RetryCount++
		op.LastError = err.Error()
		abandoned := op.RetryCount >= o.cfg.MaxRetries
		if abandoned {
			op.Status = StatusFailed
			o.remove(op.ID)
			o.totalAbandoned++
		}
		o.mu.Unlock()

		res.Failed++
		blocked[id] = true
		fields := logrus.Fields{
			"id":          op.ID,
			"tenant_id":   op.TenantID,
			"entity":      op.Entity.String(),
			"kind":        op.Kind,
			"key":         op.Key.String(),
			"retry_count": op.RetryCount,
		}
		if abandoned {
			res.Abandoned++
			o.logger.WithError(err).WithFields(fields).Error("Abandoned write after reaching retry limit")
		} else {
			o.logger.WithError(err).WithFields(fields).Warn("Failed to apply queued write")
		}

		if store.IsConnectivity(err) {
			o.state.MarkOffline(err)
			res.Interrupted = true
			break
		}
	}

	for kind := range written {
		if err := store.SyncIdentity(ctx, o.primary, kind); err != nil {
			o.logger.WithError(err).WithField("entity", kind.String()).Warn("Failed to advance identity after drain")
		}
	}

	o.mu.Lock()
	res.Remaining = len(o.queue)
	o.mu.Unlock()

	if res.Applied > 0 || res.Failed > 0 {
		o.logger.WithFields(logrus.Fields{
			"applied":     res.Applied,
			"failed":      res.Failed,
			"abandoned":   res.Abandoned,
			"interrupted": res.Interrupted,
			"remaining":   res.Remaining,
		}).Info("Outbox drain finished")
	}
	return res
}

// Run drains on the given interval until ctx is done
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Drain(ctx)
		}
	}
}
