// Package queue implements the durable pending-operation queue and the
// syncer that replays it against the remote service.
//
// # Queue
//
// Writes that must survive a lost connection are added with QueueOperation
// (or the typed Enqueue). The whole list is stored as one JSON array under
// StorageKey. At most one operation per (collection, payload id) is kept:
// a newer write for the same record replaces the older one in place.
//
//	q, err := queue.New(storage, queue.Config{})
//	if err != nil {
//	    return err
//	}
//	if err := q.Load(ctx); err != nil {
//	    return err
//	}
//	id, err := q.QueueOperation(ctx, "weight_records", schema.KindInsert,
//	    schema.Payload{"id": "r1", "weight": 80})
//
// # Sync passes
//
// A Syncer drains a snapshot of the queue in ascending priority order:
//
//	retry_count = 0  →  attempt now
//	retry_count = n  →  wait min(1s·2^n, 30s), then attempt
//
//	success   → removed
//	conflict  → removed (treated as already applied)
//	otherwise → retry_count+1, removed once it reaches MaxRetries
//
// TriggerSync debounces (1.5s by default), so a burst of connectivity
// events or enqueues results in a single pass. Operations queued while a
// pass is running are left for the next one.
package queue
