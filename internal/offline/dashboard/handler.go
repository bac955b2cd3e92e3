package dashboard

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/daemon"
	"github.com/fitdesk/fitsync/internal/offline/notify"
	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

// Handler turns sync engine events into dashboard messages.
// It bridges between the SyncManager and the WebSocket server, and is also
// a notify.Notifier so toasts reach connected browsers.
type Handler struct {
	server *Server
	logger *log.Logger
}

var _ notify.Notifier = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// Attach subscribes the handler to m and points the server's /state at it.
// The returned function detaches again.
func (h *Handler) Attach(m *daemon.SyncManager) (detach func()) {
	h.server.SetStateSource(m.State)

	unsubState := m.Subscribe(h.OnState)
	unsubResults := m.SubscribeResults(func(res queue.SyncResult) {
		h.OnSyncComplete(res)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stats, err := m.CacheStats(ctx); err == nil {
			h.OnCacheStats(stats)
		}
	})

	return func() {
		unsubState()
		unsubResults()
		h.server.SetStateSource(nil)
	}
}

// Notify implements notify.Notifier by broadcasting a toast message.
func (h *Handler) Notify(n notify.Notification) {
	if err := h.server.BroadcastData(MessageTypeToast, n); err != nil {
		h.logger.Printf("Failed to broadcast toast: %v", err)
	}
}

// OnState handles state change events
func (h *Handler) OnState(s daemon.State) {
	if err := h.server.BroadcastData(MessageTypeState, s); err != nil {
		h.logger.Printf("Failed to broadcast state: %v", err)
	}
}

// OnSyncComplete handles drain pass completion events
func (h *Handler) OnSyncComplete(res queue.SyncResult) {
	h.logger.Printf("Sync complete: %d of %d synced in %v", res.Succeeded+res.Conflicts, res.Total, res.Duration)

	data := SyncCompleteData{
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Conflicts:  res.Conflicts,
		Retrying:   res.Retrying,
		Dropped:    res.Dropped,
		DurationMs: res.Duration.Milliseconds(),
	}
	if err := h.server.BroadcastData(MessageTypeSyncComplete, data); err != nil {
		h.logger.Printf("Failed to broadcast sync result: %v", err)
	}
}

// OnCacheStats handles cache statistics refreshes
func (h *Handler) OnCacheStats(stats store.CacheStats) {
	data := CacheStatsData{
		Entries: stats.Entries,
		Expired: stats.Expired,
		Bytes:   stats.Bytes,
	}
	if err := h.server.BroadcastData(MessageTypeCacheStats, data); err != nil {
		h.logger.Printf("Failed to broadcast cache stats: %v", err)
	}
}
