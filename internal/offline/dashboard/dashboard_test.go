package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fitdesk/fitsync/internal/offline/daemon"
	"github.com/fitdesk/fitsync/internal/offline/metrics"
	"github.com/fitdesk/fitsync/internal/offline/notify"
	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/remote"
	"github.com/fitdesk/fitsync/internal/offline/schema"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startTestServer(t *testing.T, gatherer prometheus.Gatherer) *Server {
	t.Helper()
	server := NewServer(&Config{
		Host:     "127.0.0.1",
		Port:     0,
		Gatherer: gatherer,
		Logger:   quietLogger(),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client and consumes the welcome message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	return conn, readMessage(t, ctx, conn)
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: quietLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Server address = %q, want a bound port", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestServerStopWithoutStart(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})
	if err := server.Stop(); err != nil {
		t.Errorf("Stop() on unstarted server = %v", err)
	}
}

func TestWebSocketWelcomeState(t *testing.T) {
	server := startTestServer(t, nil)
	server.SetStateSource(func() daemon.State {
		return daemon.State{IsOnline: true, PendingCount: 3}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := dial(t, ctx, server)
	if welcome.Type != MessageTypeState {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeState, welcome.Type)
	}
	var state daemon.State
	if err := json.Unmarshal(welcome.Data, &state); err != nil {
		t.Fatalf("Failed to unmarshal state: %v", err)
	}
	if !state.IsOnline || state.PendingCount != 3 {
		t.Errorf("welcome state = %+v", state)
	}
	waitClients(t, server, 1)
}

func TestMultipleClients(t *testing.T) {
	server := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		dial(t, ctx, server)
	}
	waitClients(t, server, 3)
}

func TestStopWithConnectedClients(t *testing.T) {
	server := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _ := dial(t, ctx, server)
		conns = append(conns, conn)
	}
	waitClients(t, server, 2)

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	if n := server.ClientCount(); n != 0 {
		t.Errorf("clients after Stop = %d, want 0", n)
	}
	for i, conn := range conns {
		if _, _, err := conn.Read(ctx); err == nil {
			t.Errorf("client %d still readable after Stop", i)
		}
	}

	// Connections after Stop are refused or closed at once.
	if conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil); err == nil {
		_, _, rerr := conn.Read(ctx)
		if rerr == nil {
			// A welcome frame may still be buffered; the next read must fail.
			_, _, rerr = conn.Read(ctx)
		}
		if rerr == nil {
			t.Error("connection accepted after Stop")
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func TestHandlerToastAndSyncComplete(t *testing.T) {
	server := startTestServer(t, nil)
	handler := NewHandler(server, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	waitClients(t, server, 1)

	handler.Notify(notify.Notification{Level: notify.LevelSuccess, Title: "Synced 2 changes"})
	handler.OnSyncComplete(queue.SyncResult{Total: 3, Succeeded: 2, Retrying: 1, Duration: 1500 * time.Millisecond})
	handler.OnCacheStats(store.CacheStats{Entries: 4, Bytes: 128})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeToast {
		t.Fatalf("Expected message type %s, got %s", MessageTypeToast, msg.Type)
	}
	var toast notify.Notification
	if err := json.Unmarshal(msg.Data, &toast); err != nil {
		t.Fatalf("Failed to unmarshal toast: %v", err)
	}
	if toast.Title != "Synced 2 changes" || toast.Level != notify.LevelSuccess {
		t.Errorf("toast = %+v", toast)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected message type %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var result SyncCompleteData
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		t.Fatalf("Failed to unmarshal sync data: %v", err)
	}
	if result.Total != 3 || result.Succeeded != 2 || result.Retrying != 1 || result.DurationMs != 1500 {
		t.Errorf("sync data = %+v", result)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeCacheStats {
		t.Fatalf("Expected message type %s, got %s", MessageTypeCacheStats, msg.Type)
	}
	var stats CacheStatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal cache stats: %v", err)
	}
	if stats.Entries != 4 || stats.Bytes != 128 {
		t.Errorf("cache stats = %+v", stats)
	}
}

func TestHealthStateAndMetricsEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetPending(7)

	server := startTestServer(t, reg)
	base := "http://" + server.Addr()

	resp, err := http.Get(base + "/state")
	if err != nil {
		t.Fatalf("GET /state failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/state without manager = %d, want 503", resp.StatusCode)
	}

	server.SetStateSource(func() daemon.State { return daemon.State{PendingCount: 7} })

	tests := []struct {
		path     string
		contains string
	}{
		{"/health", `"status":"ok"`},
		{"/state", `"pending_count":7`},
		{"/metrics", "fitsync_queue_pending_operations 7"},
		{"/", "fitsync Dashboard"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(base + tt.path)
			if err != nil {
				t.Fatalf("GET %s failed: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("GET %s = %d", tt.path, resp.StatusCode)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Errorf("GET %s body missing %q:\n%s", tt.path, tt.contains, body)
			}
		})
	}

	resp, err = http.Get(base + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp.StatusCode)
	}
}

func TestHandlerAttach(t *testing.T) {
	server := startTestServer(t, nil)
	handler := NewHandler(server, quietLogger())

	fs, err := store.NewFileStorage(filepath.Join(t.TempDir(), "storage"))
	if err != nil {
		t.Fatal(err)
	}
	svc := remote.ServiceFunc(func(context.Context, schema.Kind, string, schema.Payload) error { return nil })
	m, err := daemon.New(daemon.Options{
		Storage:      fs,
		Service:      svc,
		Notifier:     handler,
		Logger:       quietLogger(),
		DisableWatch: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	if err := m.Queue().Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	detach := handler.Attach(m)
	defer detach()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)
	waitClients(t, server, 1)

	if _, err := m.Queue().QueueOperation(ctx, schema.CollectionCheckIns, schema.KindInsert, schema.Payload{"id": "c1"}); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeState {
		t.Fatalf("Expected message type %s, got %s", MessageTypeState, msg.Type)
	}
	var state daemon.State
	_ = json.Unmarshal(msg.Data, &state)
	if state.PendingCount != 1 {
		t.Errorf("state = %+v, want 1 pending", state)
	}

	if _, err := m.SyncNow(ctx); err != nil {
		t.Fatal(err)
	}

	// The pass produces state updates, a toast and the result, in that order
	// of first appearance.
	seen := map[MessageType]bool{}
	for !seen[MessageTypeSyncComplete] {
		seen[readMessage(t, ctx, conn).Type] = true
	}
	if !seen[MessageTypeToast] || !seen[MessageTypeState] {
		t.Errorf("messages seen = %v, want state and toast before sync_complete", seen)
	}
}
