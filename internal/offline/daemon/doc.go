// Package daemon provides the SyncManager, the long-running owner of the
// offline sync engine.
//
// The manager consists of several components:
//
//   - queue.Queue and queue.Syncer: the durable write queue and its drain loop
//   - cache.Layer: the versioned read-through cache
//   - netwatch.Monitor: connectivity probing
//   - StorageWatcher: fsnotify watch on the file storage directory
//
// # Lifecycle
//
// Start mounts the engine and blocks until its context is cancelled:
//
//	m, err := daemon.New(daemon.Options{
//	    Storage: fileStorage,
//	    Service: svc,
//	    Cache:   layer,
//	    Monitor: monitor,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	if err := m.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// On mount the queue is loaded, expired cache entries are swept and, if the
// device is online, one sync pass runs. Afterwards:
//
//   - going online shows a "Back online" toast and schedules a debounced pass
//   - going offline shows a "You are offline" toast
//   - a queue file rewritten by another process (the CLI) is reloaded and,
//     when online, a debounced pass is scheduled
//
// # State
//
// State returns IsOnline, IsSyncing, PendingCount, LastSyncTime and
// SyncProgress. Subscribe registers a listener that runs on every change;
// the dashboard uses it to push state to browsers.
package daemon
