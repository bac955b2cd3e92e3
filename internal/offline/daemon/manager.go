package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/cache"
	"github.com/fitdesk/fitsync/internal/offline/metrics"
	"github.com/fitdesk/fitsync/internal/offline/netwatch"
	"github.com/fitdesk/fitsync/internal/offline/notify"
	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/remote"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

// ErrNoCache is returned by cache operations on a manager built without a
// cache layer.
var ErrNoCache = errors.New("no cache layer configured")

// DefaultPruneInterval is how often expired cache entries are swept.
const DefaultPruneInterval = 10 * time.Minute

// State is the aggregate observable state of the sync engine.
type State struct {
	IsOnline     bool      `json:"is_online"`
	IsSyncing    bool      `json:"is_syncing"`
	PendingCount int       `json:"pending_count"`
	LastSyncTime time.Time `json:"last_sync_time"`

	// SyncProgress is the completed percentage of the running pass, or 0
	// while idle.
	SyncProgress int `json:"sync_progress"`
}

// Options configures a SyncManager.
type Options struct {
	// Storage holds the pending operation list. Required.
	Storage store.Storage

	// Service replays operations. Required.
	Service remote.Service

	// Cache is optional; Fetch and CacheStats return ErrNoCache without it.
	// The manager closes it on Stop.
	Cache *cache.Layer

	// Monitor is optional; without it the manager is always online.
	// The manager starts and stops it.
	Monitor *netwatch.Monitor

	Notifier notify.Notifier
	Logger   *log.Logger
	Metrics  *metrics.Metrics

	// QueueKey overrides queue.StorageKey.
	QueueKey string

	Priorities schema.Priorities

	// Sync carries retry and debounce tuning. Its Service, Online,
	// Notifier, Logger, Metrics and Hooks fields are set by the manager.
	Sync queue.SyncerConfig

	// PruneInterval defaults to DefaultPruneInterval. Negative disables
	// the periodic sweep; the sweep at start still runs.
	PruneInterval time.Duration

	// DisableWatch turns off the file watch that picks up queue changes
	// written by other processes. The watch only applies to file storage.
	DisableWatch bool
}

// SyncManager ties the queue, the syncer, the cache layer and the
// connectivity monitor to the application lifecycle and exposes their
// combined state.
type SyncManager struct {
	queue    *queue.Queue
	syncer   *queue.Syncer
	cache    *cache.Layer
	monitor  *netwatch.Monitor
	watcher  *StorageWatcher
	notifier notify.Notifier
	logger   *log.Logger
	queueKey string
	prune    time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	state     State
	listeners map[int]func(State)
	results   map[int]func(queue.SyncResult)
	nextID    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  chan struct{}

	lifeMu  sync.Mutex
	started bool
	stopped bool
}

// New wires a SyncManager from opts. Use Start() to mount it.
func New(opts Options) (*SyncManager, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if opts.Service == nil {
		return nil, fmt.Errorf("remote service cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.QueueKey == "" {
		opts.QueueKey = queue.StorageKey
	}
	if opts.PruneInterval == 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if opts.Sync.Now == nil {
		opts.Sync.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &SyncManager{
		cache:     opts.Cache,
		monitor:   opts.Monitor,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		queueKey:  opts.QueueKey,
		prune:     opts.PruneInterval,
		now:       opts.Sync.Now,
		listeners: make(map[int]func(State)),
		results:   make(map[int]func(queue.SyncResult)),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
	}
	m.state.IsOnline = m.online()

	q, err := queue.New(opts.Storage, queue.Config{
		Key:        opts.QueueKey,
		Priorities: opts.Priorities,
		Now:        opts.Sync.Now,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		OnChange:   m.setPending,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	cfg := opts.Sync
	cfg.Service = opts.Service
	cfg.Online = m.online
	cfg.Notifier = opts.Notifier
	cfg.Logger = opts.Logger
	cfg.Metrics = opts.Metrics
	cfg.Hooks = queue.Hooks{
		OnStart:    m.syncStarted,
		OnProgress: m.syncProgress,
		OnComplete: m.syncCompleted,
	}
	syncer, err := queue.NewSyncer(q, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}

	m.queue = q
	m.syncer = syncer

	if mapper, ok := opts.Storage.(KeyMapper); ok && !opts.DisableWatch {
		w, err := NewStorageWatcher(mapper)
		if err != nil {
			syncer.Close()
			cancel()
			return nil, err
		}
		m.watcher = w
	}

	return m, nil
}

// Queue returns the underlying queue.
func (m *SyncManager) Queue() *queue.Queue { return m.queue }

// Syncer returns the underlying syncer.
func (m *SyncManager) Syncer() *queue.Syncer { return m.syncer }

// Cache returns the cache layer, or nil.
func (m *SyncManager) Cache() *cache.Layer { return m.cache }

// Ready is closed once the initial mount in Start has completed.
func (m *SyncManager) Ready() <-chan struct{} { return m.ready }

// Start mounts the manager and blocks until ctx is cancelled or Stop is
// called.
//
// Mounting loads the queue, sweeps expired cache entries and, when online,
// runs one sync pass in the background. After that the manager reacts to
// connectivity transitions and to queue changes written by other processes.
func (m *SyncManager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		return fmt.Errorf("sync manager already stopped")
	}
	if m.started {
		m.lifeMu.Unlock()
		return fmt.Errorf("sync manager already running")
	}
	m.started = true
	m.lifeMu.Unlock()

	m.logger.Println("Starting sync manager")

	if err := m.mount(ctx); err != nil {
		_ = m.Stop()
		return fmt.Errorf("initial mount failed: %w", err)
	}

	if m.watcher != nil {
		if err := m.watcher.Start(); err != nil {
			_ = m.Stop()
			return fmt.Errorf("failed to watch storage: %w", err)
		}
		m.wg.Add(1)
		go m.watchStorage()
	}

	if m.monitor != nil {
		if !m.monitor.IsRunning() {
			if err := m.monitor.Start(); err != nil {
				m.logger.Printf("Connectivity probing disabled: %v", err)
			}
		}
		m.wg.Add(1)
		go m.watchConnectivity()
	}

	if m.cache != nil && m.prune > 0 {
		m.wg.Add(1)
		go m.pruneCache()
	}

	close(m.ready)

	select {
	case <-ctx.Done():
		m.logger.Println("Shutdown signal received")
		return m.Stop()
	case <-m.ctx.Done():
		return nil
	}
}

// Stop unmounts the manager: scheduled and running passes are cancelled,
// background revalidations are abandoned and all goroutines are joined.
func (m *SyncManager) Stop() error {
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		return nil
	}
	m.stopped = true
	m.lifeMu.Unlock()

	m.logger.Println("Stopping sync manager")
	m.cancel()

	m.syncer.Close()
	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Printf("Error closing watcher: %v", err)
		}
	}
	if m.monitor != nil {
		_ = m.monitor.Stop()
	}

	m.wg.Wait()

	if m.cache != nil {
		m.cache.Close()
	}

	m.logger.Println("Sync manager stopped")
	return nil
}

func (m *SyncManager) mount(ctx context.Context) error {
	if err := m.queue.Load(ctx); err != nil {
		return err
	}
	m.logger.Printf("Loaded %d pending operations", m.queue.Count())

	if m.cache != nil {
		n, err := m.cache.Prune(ctx)
		if err != nil {
			m.logger.Printf("WARNING: Failed to prune cache: %v", err)
		} else if n > 0 {
			m.logger.Printf("Pruned %d expired cache entries", n)
		}
	}

	if m.online() && m.queue.Count() > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.syncNow(m.ctx)
		}()
	}
	return nil
}

// State returns a snapshot of the aggregate state.
func (m *SyncManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn to run after every state change and returns a
// function that removes it. fn runs on the goroutine that made the change
// and must not block.
func (m *SyncManager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SubscribeResults registers fn to run after every completed sync pass.
func (m *SyncManager) SubscribeResults(fn func(queue.SyncResult)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.results[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.results, id)
	}
}

// Enqueue queues a write and schedules a sync when online.
func (m *SyncManager) Enqueue(ctx context.Context, collection string, kind schema.Kind, payload schema.Payload, opts ...queue.Option) (string, error) {
	id, err := m.queue.QueueOperation(ctx, collection, kind, payload, opts...)
	if err != nil {
		return "", err
	}
	if m.online() {
		m.syncer.TriggerSync()
	}
	return id, nil
}

// EnqueueRecord queues a typed record through m.
func EnqueueRecord[T schema.Record](ctx context.Context, m *SyncManager, collection string, kind schema.Kind, rec T, opts ...queue.Option) (string, error) {
	payload, err := schema.ToPayload(rec)
	if err != nil {
		return "", err
	}
	return m.Enqueue(ctx, collection, kind, payload, opts...)
}

// TriggerSync schedules a debounced pass.
func (m *SyncManager) TriggerSync() {
	m.syncer.TriggerSync()
}

// SyncNow runs a pass immediately, without the debounce window.
func (m *SyncManager) SyncNow(ctx context.Context) (queue.SyncResult, error) {
	return m.syncer.SyncPendingOperations(ctx)
}

// ClearPending discards every queued operation.
func (m *SyncManager) ClearPending(ctx context.Context) error {
	if err := m.queue.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear pending operations: %w", err)
	}
	m.logger.Println("Cleared pending operations")
	return nil
}

// Fetch reads key through the manager's cache layer.
func Fetch[T any](ctx context.Context, m *SyncManager, key string, fetcher cache.Fetcher[T], opts cache.FetchOptions) cache.Result[T] {
	if m.cache == nil {
		return cache.Result[T]{Err: ErrNoCache}
	}
	return cache.Fetch(ctx, m.cache, key, fetcher, opts)
}

// CacheStats reports cache occupancy.
func (m *SyncManager) CacheStats(ctx context.Context) (store.CacheStats, error) {
	if m.cache == nil {
		return store.CacheStats{}, ErrNoCache
	}
	return m.cache.Stats(ctx)
}

func (m *SyncManager) online() bool {
	if m.monitor == nil {
		return true
	}
	return m.monitor.IsOnline()
}

func (m *SyncManager) syncNow(ctx context.Context) {
	if _, err := m.syncer.SyncPendingOperations(ctx); err != nil && !errors.Is(err, queue.ErrClosed) {
		m.logger.Printf("WARNING: Sync failed: %v", err)
	}
}

// update applies fn to the state and fans the result out to listeners when
// anything changed.
func (m *SyncManager) update(fn func(*State)) {
	m.mu.Lock()
	prev := m.state
	fn(&m.state)
	next := m.state
	if next == prev {
		m.mu.Unlock()
		return
	}
	listeners := make([]func(State), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
}

func (m *SyncManager) setPending(n int) {
	m.update(func(s *State) { s.PendingCount = n })
}

func (m *SyncManager) syncStarted(int) {
	m.update(func(s *State) {
		s.IsSyncing = true
		s.SyncProgress = 0
	})
}

func (m *SyncManager) syncProgress(percent int) {
	m.update(func(s *State) { s.SyncProgress = percent })
}

func (m *SyncManager) syncCompleted(res queue.SyncResult) {
	last := m.syncer.LastSyncTime()
	m.update(func(s *State) {
		s.IsSyncing = false
		s.SyncProgress = 0
		s.LastSyncTime = last
	})

	m.mu.RLock()
	results := make([]func(queue.SyncResult), 0, len(m.results))
	for _, r := range m.results {
		results = append(results, r)
	}
	m.mu.RUnlock()

	for _, r := range results {
		r(res)
	}
}

func (m *SyncManager) setOnline(online bool) {
	m.update(func(s *State) { s.IsOnline = online })

	if online {
		m.notifier.Notify(notify.Notification{
			Level:   notify.LevelSuccess,
			Title:   "Back online",
			Message: "Syncing pending changes",
			At:      m.now(),
		})
		m.syncer.TriggerSync()
		return
	}
	m.notifier.Notify(notify.Notification{
		Level:   notify.LevelWarning,
		Title:   "You are offline",
		Message: "Changes are saved and will sync when the connection returns",
		At:      m.now(),
	})
}

// watchConnectivity turns monitor transitions into state changes and toasts.
func (m *SyncManager) watchConnectivity() {
	defer m.wg.Done()

	events := m.monitor.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.setOnline(ev.Online)
		}
	}
}

// watchStorage reloads the queue when another process rewrites it.
func (m *SyncManager) watchStorage() {
	defer m.wg.Done()

	events := m.watcher.Events()
	errs := m.watcher.Errors()
	for {
		select {
		case <-m.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Key != m.queueKey {
				continue
			}
			changed, err := m.queue.Reload(m.ctx)
			if err != nil {
				m.logger.Printf("WARNING: Failed to reload pending operations: %v", err)
				continue
			}
			if !changed {
				continue
			}
			m.logger.Printf("Pending operations changed on disk (%s), %d queued", ev.Op, m.queue.Count())
			if m.online() {
				m.syncer.TriggerSync()
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			m.logger.Printf("Watcher error: %v", err)
		}
	}
}

// pruneCache periodically removes expired cache entries.
func (m *SyncManager) pruneCache() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.prune)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			n, err := m.cache.Prune(m.ctx)
			if err != nil {
				m.logger.Printf("Error pruning cache: %v", err)
				continue
			}
			if n > 0 {
				m.logger.Printf("Pruned %d expired cache entries", n)
			}
		}
	}
}
