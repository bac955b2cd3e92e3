package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/metrics"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

// StorageKey is the storage key that holds the JSON operation list.
const StorageKey = "pending_operations"

// ErrClosed is returned by operations on a closed Syncer.
var ErrClosed = errors.New("syncer is closed")

// Config holds optional Queue settings. The zero value is usable.
type Config struct {
	// Key overrides StorageKey.
	Key string

	// Priorities is the collection priority table. Defaults to
	// schema.DefaultPriorities().
	Priorities schema.Priorities

	// Now is the clock used for enqueue timestamps.
	Now func() time.Time

	// Logger defaults to stderr with a [queue] prefix.
	Logger *log.Logger

	Metrics *metrics.Metrics

	// OnChange, if set, is called with the new length after every change.
	OnChange func(count int)
}

// Queue is the durable list of pending operations.
//
// Storage is the source of truth: every mutation re-reads the stored list,
// applies the change and writes the whole list back, so writes made by
// another process (the CLI) between two mutations are not lost.
type Queue struct {
	storage    store.Storage
	key        string
	priorities schema.Priorities
	now        func() time.Time
	logger     *log.Logger
	metrics    *metrics.Metrics
	onChange   func(int)

	mu     sync.Mutex
	ops    []*schema.PendingOperation
	raw    string
	loaded bool
}

// New creates a Queue over storage. Call Load before reading from it.
func New(storage store.Storage, cfg Config) (*Queue, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if cfg.Key == "" {
		cfg.Key = StorageKey
	}
	if cfg.Priorities == nil {
		cfg.Priorities = schema.DefaultPriorities()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	return &Queue{
		storage:    storage,
		key:        cfg.Key,
		priorities: cfg.Priorities,
		now:        cfg.Now,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		onChange:   cfg.OnChange,
		ops:        []*schema.PendingOperation{},
	}, nil
}

// Load reads the stored list into memory. A missing key is an empty queue.
func (q *Queue) Load(ctx context.Context) error {
	_, err := q.load(ctx, true)
	return err
}

// Reload re-reads the list after an external writer changed it. It reports
// whether the stored list differed from the one last seen, so callers can
// ignore notifications caused by this queue's own writes.
func (q *Queue) Reload(ctx context.Context) (bool, error) {
	return q.load(ctx, false)
}

func (q *Queue) load(ctx context.Context, force bool) (bool, error) {
	q.mu.Lock()
	ops, raw, err := q.read(ctx)
	if err != nil {
		q.mu.Unlock()
		return false, err
	}
	if !force && q.loaded && raw == q.raw {
		q.mu.Unlock()
		return false, nil
	}
	q.ops = ops
	q.raw = raw
	q.loaded = true
	n := len(ops)
	q.mu.Unlock()

	q.changed(n)
	return true, nil
}

// read decodes the stored list, skipping entries that fail validation,
// and returns the raw stored value alongside. Must be called with q.mu held.
func (q *Queue) read(ctx context.Context) ([]*schema.PendingOperation, string, error) {
	raw, ok, err := q.storage.GetItem(ctx, q.key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read pending operations: %w", err)
	}
	if !ok {
		return []*schema.PendingOperation{}, "", nil
	}

	decoded, err := schema.DecodeOperations(raw)
	if err != nil {
		return nil, "", err
	}

	ops := make([]*schema.PendingOperation, 0, len(decoded))
	for _, op := range decoded {
		if op == nil {
			continue
		}
		if err := op.Validate(); err != nil {
			q.logger.Printf("WARNING: Dropping invalid stored operation %s: %v", op.ID, err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, raw, nil
}

// write persists ops. Must be called with q.mu held.
func (q *Queue) write(ctx context.Context, ops []*schema.PendingOperation) error {
	encoded, err := schema.EncodeOperations(ops)
	if err != nil {
		return err
	}
	if err := q.storage.SetItem(ctx, q.key, encoded); err != nil {
		return fmt.Errorf("failed to persist pending operations: %w", err)
	}
	q.raw = encoded
	q.loaded = true
	return nil
}

// mutate applies fn to the stored list and persists the result. The
// in-memory list is only replaced once the write succeeded.
func (q *Queue) mutate(ctx context.Context, fn func([]*schema.PendingOperation) []*schema.PendingOperation) error {
	q.mu.Lock()
	ops, _, err := q.read(ctx)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	ops = fn(ops)
	if err := q.write(ctx, ops); err != nil {
		q.mu.Unlock()
		return err
	}
	q.ops = ops
	n := len(ops)
	q.mu.Unlock()

	q.changed(n)
	return nil
}

func (q *Queue) changed(n int) {
	q.metrics.SetPending(n)
	if q.onChange != nil {
		q.onChange(n)
	}
}

// Option customizes a single enqueue.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	priority    int
	hasPriority bool
}

// WithPriority overrides the collection's default priority.
func WithPriority(p int) Option {
	return func(o *enqueueOptions) {
		o.priority = p
		o.hasPriority = true
	}
}

// QueueOperation adds a write to the queue and persists it, returning the
// operation id.
//
// If an operation for the same collection and payload id is already queued
// it is replaced in place by the new one.
func (q *Queue) QueueOperation(ctx context.Context, collection string, kind schema.Kind, payload schema.Payload, opts ...Option) (string, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	op := schema.NewPendingOperation(collection, kind, payload.Clone(), q.now())
	op.Priority = q.priorities.For(collection)
	if o.hasPriority {
		op.Priority = o.priority
	}
	if err := op.Validate(); err != nil {
		return "", fmt.Errorf("invalid operation: %w", err)
	}

	err := q.mutate(ctx, func(ops []*schema.PendingOperation) []*schema.PendingOperation {
		return upsert(ops, op)
	})
	if err != nil {
		return "", err
	}
	return op.ID, nil
}

// Add inserts an already built operation (import path), applying the same
// replace rule as QueueOperation.
func (q *Queue) Add(ctx context.Context, ops ...*schema.PendingOperation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("invalid operation %s: %w", op.ID, err)
		}
	}
	return q.mutate(ctx, func(list []*schema.PendingOperation) []*schema.PendingOperation {
		for _, op := range ops {
			list = upsert(list, op.Clone())
		}
		return list
	})
}

// upsert replaces the queued operation with the same dedup key, or appends.
func upsert(ops []*schema.PendingOperation, op *schema.PendingOperation) []*schema.PendingOperation {
	if key := op.DedupKey(); key != "" {
		for i, existing := range ops {
			if existing.DedupKey() == key {
				ops[i] = op
				return ops
			}
		}
	}
	return append(ops, op)
}

// Enqueue queues a typed record.
func Enqueue[T schema.Record](ctx context.Context, q *Queue, collection string, kind schema.Kind, rec T, opts ...Option) (string, error) {
	payload, err := schema.ToPayload(rec)
	if err != nil {
		return "", err
	}
	return q.QueueOperation(ctx, collection, kind, payload, opts...)
}

// Pending returns a copy of the queued operations in storage order.
func (q *Queue) Pending() []*schema.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*schema.PendingOperation, len(q.ops))
	for i, op := range q.ops {
		out[i] = op.Clone()
	}
	return out
}

// Count returns the number of queued operations.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear removes every queued operation.
func (q *Queue) Clear(ctx context.Context) error {
	return q.mutate(ctx, func([]*schema.PendingOperation) []*schema.PendingOperation {
		return []*schema.PendingOperation{}
	})
}

// apply removes the operations in removed and sets the retry count of those
// in retries, leaving everything else (including operations queued while a
// pass was running) untouched.
func (q *Queue) apply(ctx context.Context, removed map[string]bool, retries map[string]int) error {
	if len(removed) == 0 && len(retries) == 0 {
		return nil
	}
	return q.mutate(ctx, func(ops []*schema.PendingOperation) []*schema.PendingOperation {
		kept := ops[:0]
		for _, op := range ops {
			if removed[op.ID] {
				continue
			}
			if n, ok := retries[op.ID]; ok {
				op.RetryCount = n
			}
			kept = append(kept, op)
		}
		return kept
	})
}
