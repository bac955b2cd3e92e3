package daemon

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpWrite covers creation and replacement of a value file. FileStorage
	// writes through a rename, which shows up as a create.
	OpWrite EventOp = iota
	// OpRemove indicates a value file was deleted or renamed away.
	OpRemove
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// KeyMapper maps a file path to a storage key. *store.FileStorage
// implements it.
type KeyMapper interface {
	Dir() string
	KeyFor(path string) (string, bool)
}

// StorageEvent reports a change to one storage key made on disk.
type StorageEvent struct {
	// Key is the storage key whose file changed.
	Key string
	// Path is the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// StorageWatcher watches a FileStorage directory for value changes.
// It uses fsnotify for cross-platform file system event monitoring.
type StorageWatcher struct {
	mapper  KeyMapper
	watcher *fsnotify.Watcher
	events  chan StorageEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	closed  bool
}

// NewStorageWatcher creates a watcher for mapper's directory.
// The watcher must be started with Start() before it will emit events.
func NewStorageWatcher(mapper KeyMapper) (*StorageWatcher, error) {
	if mapper == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &StorageWatcher{
		mapper:  mapper,
		watcher: watcher,
		events:  make(chan StorageEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the storage directory.
func (sw *StorageWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return fmt.Errorf("watcher already stopped")
	}
	if sw.running {
		return fmt.Errorf("watcher already running")
	}

	if err := sw.watcher.Add(sw.mapper.Dir()); err != nil {
		return fmt.Errorf("failed to watch storage directory %s: %w", sw.mapper.Dir(), err)
	}

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop stops watching and closes the Events and Errors channels. It blocks
// until the event processing goroutine has exited. Stopping a watcher that
// was never started releases the fsnotify handle.
func (sw *StorageWatcher) Stop() error {
	sw.mu.Lock()
	if sw.closed {
		sw.mu.Unlock()
		return nil
	}
	sw.closed = true
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)

	// Closing the underlying watcher unblocks the event loop.
	err := sw.watcher.Close()
	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel of storage changes. It is closed by Stop.
func (sw *StorageWatcher) Events() <-chan StorageEvent {
	return sw.events
}

// Errors returns the channel of watch errors. It is closed by Stop.
func (sw *StorageWatcher) Errors() <-chan error {
	return sw.errors
}

// IsRunning returns true if the watcher is currently running.
func (sw *StorageWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *StorageWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := sw.convertEvent(event); ok {
				select {
				case sw.events <- ev:
				case <-sw.done:
					return
				}
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a StorageEvent. Temp files and
// chmod-only events are ignored.
func (sw *StorageWatcher) convertEvent(event fsnotify.Event) (StorageEvent, bool) {
	key, ok := sw.mapper.KeyFor(event.Name)
	if !ok {
		return StorageEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpRemove
	default:
		return StorageEvent{}, false
	}

	return StorageEvent{Key: key, Path: event.Name, Op: op}, true
}
