// Package loadtest exercises the pending-operation queue under concurrent
// producers and drains it against a SQLite-backed remote.
//
// It simulates a busy front desk: many clients record check-ins, weight
// entries and workout logs at once while offline, then connectivity returns
// and the queue is drained pass by pass, optionally with injected transient
// failures so the retry path is exercised too.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/remote"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

// Storage backends a Harness can run on.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// insertCollections are the collections producers create records in.
var insertCollections = []string{
	schema.CollectionCheckIns,
	schema.CollectionWeightRecords,
	schema.CollectionWorkoutLogs,
	schema.CollectionNutritionLogs,
	schema.CollectionPayments,
}

// Harness is a queue plus a local remote, both under one directory.
type Harness struct {
	Queue  *queue.Queue
	Remote *remote.SQLService

	// Inserts is the number of distinct records producers created.
	Inserts int

	storage store.Storage
	logger  *log.Logger
}

// LatencyStats captures timing from a load test.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalCalls int
	Errors     int
	Durations  []time.Duration
}

// DrainStats summarizes draining the queue to empty.
type DrainStats struct {
	Passes    int
	Succeeded int
	Conflicts int
	Retried   int
	Dropped   int
	Remaining int

	// InjectedFailures counts remote calls failed on purpose.
	InjectedFailures int

	// Backoff is the total backoff the passes asked for. The harness does
	// not actually wait it out.
	Backoff  time.Duration
	Duration time.Duration
	Pass     *LatencyStats
}

// NewHarness creates the queue storage and the remote database under dir.
// A nil logger discards output.
func NewHarness(dir, backend string, logger *log.Logger) (*Harness, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create load test directory: %w", err)
	}

	var (
		storage store.Storage
		err     error
	)
	switch backend {
	case "", BackendFile:
		storage, err = store.NewFileStorage(filepath.Join(dir, "storage"))
	case BackendSQLite:
		var db *store.DB
		db, err = store.Open(filepath.Join(dir, "local.db"))
		if err == nil {
			if err = db.InitSchema(); err != nil {
				_ = db.Close()
			}
		}
		storage = db
	default:
		return nil, fmt.Errorf("unknown storage backend %q (must be %s or %s)", backend, BackendFile, BackendSQLite)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", backend, err)
	}

	q, err := queue.New(storage, queue.Config{Logger: logger})
	if err != nil {
		closeStorage(storage)
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	if err := q.Load(context.Background()); err != nil {
		closeStorage(storage)
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	svc, err := remote.OpenSQL(filepath.Join(dir, "remote.db"), logger)
	if err != nil {
		closeStorage(storage)
		return nil, err
	}

	return &Harness{
		Queue:   q,
		Remote:  svc,
		storage: storage,
		logger:  logger,
	}, nil
}

func closeStorage(s store.Storage) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

// Close releases the remote database and the queue storage.
func (h *Harness) Close() error {
	err := h.Remote.Close()
	closeStorage(h.storage)
	return err
}

// RunConcurrentEnqueues runs numClients producers that each enqueue
// opsPerClient operations and returns the enqueue latency.
//
// With probability updateRatio a producer re-saves its member profile
// instead of creating a new record. Those updates share one record id per
// client, so the queue keeps only the latest of them.
func (h *Harness) RunConcurrentEnqueues(ctx context.Context, numClients, opsPerClient int, updateRatio float64) (*LatencyStats, error) {
	if numClients <= 0 || opsPerClient <= 0 {
		return nil, fmt.Errorf("clients and operations per client must be positive")
	}

	durations := make([][]time.Duration, numClients)
	inserts := make([]int, numClients)

	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < numClients; c++ {
		g.Go(func() error {
			// Deterministic per client for reproducibility.
			rng := rand.New(rand.NewSource(42 + int64(c)))
			local := make([]time.Duration, 0, opsPerClient)

			for i := 0; i < opsPerClient; i++ {
				collection, kind, payload := generateOperation(rng, c, i, updateRatio)
				if kind == schema.KindInsert {
					inserts[c]++
				}

				start := time.Now()
				_, err := h.Queue.QueueOperation(gctx, collection, kind, payload)
				local = append(local, time.Since(start))
				if err != nil {
					return fmt.Errorf("client %d enqueue %d failed: %w", c, i, err)
				}
			}
			durations[c] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []time.Duration
	for c := range durations {
		all = append(all, durations[c]...)
		h.Inserts += inserts[c]
	}
	return computeLatencyStats(all), nil
}

// generateOperation creates one realistic front-desk write.
func generateOperation(rng *rand.Rand, client, seq int, updateRatio float64) (string, schema.Kind, schema.Payload) {
	if rng.Float64() < updateRatio {
		return schema.CollectionProfiles, schema.KindUpdate, schema.Payload{
			"id":         fmt.Sprintf("member-%d", client),
			"visits":     float64(seq),
			"updated_by": "loadtest",
		}
	}

	collection := insertCollections[rng.Intn(len(insertCollections))]
	payload := schema.Payload{
		"id":        fmt.Sprintf("%s-%d-%d", collection, client, seq),
		"member_id": fmt.Sprintf("member-%d", client),
	}
	switch collection {
	case schema.CollectionCheckIns:
		payload["gym"] = []string{"north", "south", "downtown"}[rng.Intn(3)]
	case schema.CollectionWeightRecords:
		payload["weight"] = 55 + rng.Float64()*50
	case schema.CollectionWorkoutLogs:
		payload["exercise"] = []string{"squat", "deadlift", "bench"}[rng.Intn(3)]
		payload["sets"] = float64(1 + rng.Intn(5))
	case schema.CollectionNutritionLogs:
		payload["calories"] = float64(200 + rng.Intn(800))
	case schema.CollectionPayments:
		payload["amount"] = float64(10 + rng.Intn(90))
	}
	return collection, schema.KindInsert, payload
}

// Drain runs sync passes until the queue is empty or maxPasses ran.
//
// failureRate is the probability that a remote call fails transiently
// before reaching the database. Backoff delays are accounted but not
// slept.
func (h *Harness) Drain(ctx context.Context, failureRate float64, maxPasses int) (*DrainStats, error) {
	if maxPasses <= 0 {
		maxPasses = queue.MaxRetries + 1
	}

	stats := &DrainStats{}
	var mu sync.Mutex

	rng := rand.New(rand.NewSource(42))
	svc := remote.ServiceFunc(func(ctx context.Context, kind schema.Kind, collection string, payload schema.Payload) error {
		if failureRate > 0 && rng.Float64() < failureRate {
			stats.InjectedFailures++
			return remote.NewTransientError(errors.New("injected failure"))
		}
		switch kind {
		case schema.KindInsert:
			return h.Remote.Insert(ctx, collection, payload)
		case schema.KindUpdate:
			return h.Remote.Update(ctx, collection, payload)
		default:
			return h.Remote.Delete(ctx, collection, payload)
		}
	})

	cfg := queue.DefaultSyncerConfig()
	cfg.Service = svc
	cfg.Logger = h.logger
	cfg.Sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		stats.Backoff += d
		mu.Unlock()
		return ctx.Err()
	}
	syncer, err := queue.NewSyncer(h.Queue, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}
	defer syncer.Close()

	var passes []time.Duration
	start := time.Now()
	for stats.Passes < maxPasses && h.Queue.Count() > 0 {
		res, err := syncer.SyncPendingOperations(ctx)
		if err != nil {
			return nil, fmt.Errorf("sync pass %d failed: %w", stats.Passes+1, err)
		}
		if res.Skipped {
			break
		}
		stats.Passes++
		stats.Succeeded += res.Succeeded
		stats.Conflicts += res.Conflicts
		stats.Retried += res.Retrying
		stats.Dropped += res.Dropped
		passes = append(passes, res.Duration)
		if res.Interrupted {
			break
		}
	}
	stats.Duration = time.Since(start)
	stats.Remaining = h.Queue.Count()
	stats.Pass = computeLatencyStats(passes)
	return stats, nil
}

// RemoteRecords counts the records that reached the remote across the
// collections producers insert into.
func (h *Harness) RemoteRecords(ctx context.Context) (int, error) {
	total := 0
	for _, collection := range insertCollections {
		docs, err := h.Remote.List(ctx, collection)
		if err != nil {
			return 0, err
		}
		total += len(docs)
	}
	return total, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalCalls: len(durations),
		Durations:  sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Calls:   %d\n", s.TotalCalls)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// PrintStats formats drain results to w.
func (s *DrainStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Drain Statistics:\n")
	fmt.Fprintf(w, "  Passes:            %d\n", s.Passes)
	fmt.Fprintf(w, "  Succeeded:         %d\n", s.Succeeded)
	fmt.Fprintf(w, "  Conflicts:         %d\n", s.Conflicts)
	fmt.Fprintf(w, "  Retried:           %d\n", s.Retried)
	fmt.Fprintf(w, "  Dropped:           %d\n", s.Dropped)
	fmt.Fprintf(w, "  Remaining:         %d\n", s.Remaining)
	fmt.Fprintf(w, "  Injected failures: %d\n", s.InjectedFailures)
	fmt.Fprintf(w, "  Backoff requested: %v\n", s.Backoff)
	fmt.Fprintf(w, "  Duration:          %v\n", s.Duration)
}
