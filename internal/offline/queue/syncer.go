package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/metrics"
	"github.com/fitdesk/fitsync/internal/offline/notify"
	"github.com/fitdesk/fitsync/internal/offline/remote"
	"github.com/fitdesk/fitsync/internal/offline/schema"
)

// SyncResult summarizes one drain pass.
type SyncResult struct {
	// Total is the number of operations in the pass snapshot.
	Total int `json:"total"`

	Succeeded int `json:"succeeded"`

	// Conflicts were dropped as already applied.
	Conflicts int `json:"conflicts"`

	// Retrying failed and stay queued with a higher retry count.
	Retrying int `json:"retrying"`

	// Dropped failed for the last time and were discarded.
	Dropped int `json:"dropped"`

	// Skipped is true when the pass did not run (offline, already syncing
	// or nothing queued).
	Skipped bool `json:"skipped"`

	// Interrupted is true when the context ended before every item ran.
	Interrupted bool `json:"interrupted,omitempty"`

	Duration time.Duration `json:"duration"`
}

// Hooks observe a drain pass. Any field may be nil.
type Hooks struct {
	// OnStart is called once the pass has its snapshot.
	OnStart func(total int)

	// OnProgress receives the completed percentage (0-100) after each item.
	OnProgress func(percent int)

	// OnComplete is called after the results were persisted. Skipped
	// passes do not call it.
	OnComplete func(SyncResult)
}

// SyncerConfig holds Syncer settings.
type SyncerConfig struct {
	// Service is where operations are replayed. Required.
	Service remote.Service

	// Classifier defaults to remote.ClassifyError.
	Classifier remote.Classifier

	// Online reports connectivity. Nil means always online.
	Online func() bool

	// Sleep waits out backoff delays. Defaults to SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error

	Notifier notify.Notifier
	Logger   *log.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	Hooks    Hooks

	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Debounce    time.Duration
}

// DefaultSyncerConfig returns the standard retry and debounce settings.
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		MaxRetries:  MaxRetries,
		BaseBackoff: DefaultBaseBackoff,
		MaxBackoff:  DefaultMaxBackoff,
		Debounce:    DefaultDebounce,
	}
}

// Syncer drains a Queue against a remote service.
type Syncer struct {
	queue    *Queue
	svc      remote.Service
	classify remote.Classifier
	online   func() bool
	sleep    func(context.Context, time.Duration) error
	notifier notify.Notifier
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	hooks    Hooks

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	debounce    time.Duration

	// lock collapses concurrent passes; syncing is the observable flag.
	lock    atomic.Bool
	syncing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	timer    *time.Timer
	closed   bool
	lastSync time.Time
}

// NewSyncer validates cfg and returns a Syncer for q. Zero numeric fields
// take the defaults.
func NewSyncer(q *Queue, cfg SyncerConfig) (*Syncer, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("remote service cannot be nil")
	}
	if cfg.MaxRetries < 0 || cfg.BaseBackoff < 0 || cfg.MaxBackoff < 0 || cfg.Debounce < 0 {
		return nil, fmt.Errorf("retry and debounce settings must not be negative")
	}

	def := DefaultSyncerConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Classifier == nil {
		cfg.Classifier = remote.ClassifyError
	}
	if cfg.Online == nil {
		cfg.Online = func() bool { return true }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Syncer{
		queue:       q,
		svc:         cfg.Service,
		classify:    cfg.Classifier,
		online:      cfg.Online,
		sleep:       cfg.Sleep,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
		hooks:       cfg.Hooks,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		debounce:    cfg.Debounce,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// IsSyncing reports whether a pass is running.
func (s *Syncer) IsSyncing() bool {
	return s.syncing.Load()
}

// LastSyncTime returns when the last non-skipped pass finished.
func (s *Syncer) LastSyncTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// BackoffFor returns the wait before an item with the given retry count.
func (s *Syncer) BackoffFor(retryCount int) time.Duration {
	return backoff(retryCount, s.baseBackoff, s.maxBackoff)
}

// TriggerSync schedules a pass after the debounce window. A call while a
// pass is scheduled restarts the window, so bursts collapse into one pass.
func (s *Syncer) TriggerSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.runTriggered)
}

func (s *Syncer) runTriggered() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if _, err := s.SyncPendingOperations(s.ctx); err != nil {
		s.logger.Printf("WARNING: Triggered sync failed: %v", err)
	}
}

// Close cancels any scheduled or running pass and waits for it to return.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// SyncPendingOperations drains the queue once.
//
// Concurrent calls collapse: whoever loses the race returns a skipped
// result immediately. Items run in ascending priority (stable, so ties keep
// queue order). Per-item failures never abort the pass; they are folded
// into the result. The returned error is only set when the outcome could
// not be persisted.
func (s *Syncer) SyncPendingOperations(ctx context.Context) (SyncResult, error) {
	if !s.lock.CompareAndSwap(false, true) {
		return s.skip(), nil
	}
	defer s.lock.Store(false)

	if s.isClosed() {
		return s.skip(), ErrClosed
	}
	if !s.online() {
		return s.skip(), nil
	}

	snapshot := s.queue.Pending()
	if len(snapshot) == 0 {
		return s.skip(), nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.syncing.Store(true)
	defer s.syncing.Store(false)

	start := s.now()
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].Priority < snapshot[j].Priority
	})

	res := SyncResult{Total: len(snapshot)}
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(res.Total)
	}
	s.logger.Printf("Starting sync of %d pending operations", res.Total)

	removed := make(map[string]bool)
	retries := make(map[string]int)

	for i, op := range snapshot {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		if op.RetryCount > 0 {
			if err := s.sleep(ctx, s.BackoffFor(op.RetryCount)); err != nil {
				res.Interrupted = true
				break
			}
		}

		err := remote.Execute(ctx, s.svc, op)
		if err != nil && ctx.Err() != nil {
			// Shutdown mid-call is not the item's fault.
			res.Interrupted = true
			break
		}
		s.record(op, err, &res, removed, retries)

		if s.hooks.OnProgress != nil {
			s.hooks.OnProgress((i + 1) * 100 / res.Total)
		}
	}

	// The outcome of what already ran is persisted even when interrupted.
	persistErr := s.queue.apply(context.WithoutCancel(ctx), removed, retries)

	res.Duration = s.now().Sub(start)
	s.mu.Lock()
	s.lastSync = s.now()
	s.mu.Unlock()

	s.metrics.RecordSyncPass(res.Duration)
	s.logger.Printf("Sync complete: total=%d succeeded=%d conflicts=%d retrying=%d dropped=%d",
		res.Total, res.Succeeded, res.Conflicts, res.Retrying, res.Dropped)
	s.summarize(res)

	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(res)
	}

	if persistErr != nil {
		return res, fmt.Errorf("failed to save sync results: %w", persistErr)
	}
	return res, nil
}

// record folds one attempt into the result and the pending changes.
func (s *Syncer) record(op *schema.PendingOperation, err error, res *SyncResult, removed map[string]bool, retries map[string]int) {
	if err == nil {
		removed[op.ID] = true
		res.Succeeded++
		s.metrics.RecordOperation(op.Collection, metrics.ResultSucceeded)
		return
	}

	class := s.classify(err)
	if class == remote.ClassConflict {
		// Assumed already applied remotely; the remote state is not checked.
		removed[op.ID] = true
		res.Conflicts++
		s.metrics.RecordOperation(op.Collection, metrics.ResultConflict)
		s.logger.Printf("WARNING: Dropping %s %s/%s (op %s) on conflict: %v",
			op.Kind, op.Collection, op.TargetID(), op.ID, err)
		return
	}

	next := op.RetryCount + 1
	if next >= s.maxRetries {
		removed[op.ID] = true
		res.Dropped++
		s.metrics.RecordOperation(op.Collection, metrics.ResultDropped)
		s.logger.Printf("WARNING: Giving up on %s %s (op %s) after %d attempts: %v",
			op.Kind, op.Collection, op.ID, next, err)
		return
	}

	retries[op.ID] = next
	res.Retrying++
	s.metrics.RecordOperation(op.Collection, metrics.ResultRetrying)
	if class == remote.ClassPermanent {
		s.logger.Printf("WARNING: %s %s (op %s) failed permanently, attempt %d/%d: %v",
			op.Kind, op.Collection, op.ID, next, s.maxRetries, err)
		return
	}
	s.logger.Printf("WARNING: %s %s (op %s) failed, attempt %d/%d: %v",
		op.Kind, op.Collection, op.ID, next, s.maxRetries, err)
}

// summarize sends the user-facing toasts for a finished pass.
func (s *Syncer) summarize(res SyncResult) {
	at := s.now()
	if synced := res.Succeeded + res.Conflicts; synced > 0 {
		s.notifier.Notify(notify.Notification{
			Level: notify.LevelSuccess,
			Title: fmt.Sprintf("Synced %d %s", synced, plural(synced, "change", "changes")),
			At:    at,
		})
	}
	if res.Dropped > 0 {
		s.notifier.Notify(notify.Notification{
			Level:   notify.LevelError,
			Title:   "Some changes could not be synced",
			Message: fmt.Sprintf("%d %s discarded after %d attempts", res.Dropped, plural(res.Dropped, "change was", "changes were"), s.maxRetries),
			At:      at,
		})
	}
}

func (s *Syncer) skip() SyncResult {
	return SyncResult{Skipped: true}
}

func (s *Syncer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
