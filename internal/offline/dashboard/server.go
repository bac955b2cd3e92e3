// Package dashboard serves the daemon's live view over HTTP.
//
// Connected WebSocket clients first receive a state snapshot and then every
// state change, toast, drain result and cache refresh the engine emits.
// The same listener answers /health, /state and /metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fitdesk/fitsync/internal/offline/daemon"
)

// MessageType tags a dashboard message.
type MessageType string

const (
	MessageTypeState        MessageType = "state"
	MessageTypeToast        MessageType = "toast"
	MessageTypeSyncComplete MessageType = "sync_complete"
	MessageTypeCacheStats   MessageType = "cache_stats"
)

// Message is one frame sent to dashboard clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncCompleteData summarizes a finished drain pass.
type SyncCompleteData struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Conflicts  int   `json:"conflicts"`
	Retrying   int   `json:"retrying"`
	Dropped    int   `json:"dropped"`
	DurationMs int64 `json:"duration_ms"`
}

// CacheStatsData is the cache occupancy pushed after each pass.
type CacheStatsData struct {
	Entries int   `json:"entries"`
	Expired int   `json:"expired"`
	Bytes   int64 `json:"bytes"`
}

// clientBuffer bounds the frames queued for one slow client before it is
// disconnected.
const clientBuffer = 64

const writeTimeout = 5 * time.Second

// Config holds server configuration.
type Config struct {
	// Host to bind. Empty binds all interfaces.
	Host string

	// Port to listen on. 0 picks a free port.
	Port int

	// Gatherer backs /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	Logger *log.Logger
}

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *log.Logger

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	clients  map[*client]struct{}
	stateFn  func() daemon.State
	closed   bool

	wg sync.WaitGroup
}

// client owns one connection and the writer goroutine draining its frames.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// NewServer creates a dashboard server. A nil config listens on :8080.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{Port: 8080}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		gatherer: gatherer,
		logger:   logger,
		clients:  make(map[*client]struct{}),
	}
}

// SetStateSource sets the function behind /state and the snapshot new
// clients receive. nil detaches it.
func (s *Server) SetStateSource(fn func() daemon.State) {
	s.mu.Lock()
	s.stateFn = fn
	s.mu.Unlock()
}

func (s *Server) snapshot() (daemon.State, bool) {
	s.mu.Lock()
	fn := s.stateFn
	s.mu.Unlock()
	if fn == nil {
		return daemon.State{}, false
	}
	return fn(), true
}

// Handler returns the HTTP routes without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/health", s.serveHealth)
	mux.HandleFunc("/state", s.serveState)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.serveIndex)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listener = ln
	s.http = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down. It is safe to
// call on a server that was never started.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	srv := s.http
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Broadcast queues msg for every connected client. A client whose buffer is
// full is disconnected instead of stalling the others.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	var slow []*client
	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
			delete(s.clients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.logger.Printf("Dropping slow client")
		c.close(websocket.StatusPolicyViolation, "too slow")
	}
}

// BroadcastData encodes data as the payload of a typ message.
func (s *Server) BroadcastData(typ MessageType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", typ, err)
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer), done: make(chan struct{})}

	// The snapshot is queued before registration so it is the first frame.
	welcome := Message{Type: MessageTypeState, Timestamp: time.Now()}
	if state, ok := s.snapshot(); ok {
		welcome.Data, _ = json.Marshal(state)
	}
	frame, _ := json.Marshal(welcome)
	c.send <- frame

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	// Added under the lock so Stop's Wait cannot miss the pumps.
	s.wg.Add(2)
	s.mu.Unlock()
	s.logger.Printf("Client connected (%d total)", n)

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.drop(c)
				return
			}
		}
	}
}

// readPump discards client frames and notices disconnects.
func (s *Server) readPump(c *client) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			s.drop(c)
			return
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	c.close(websocket.StatusNormalClosure, "")
	if ok {
		s.logger.Printf("Client disconnected (%d total)", n)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) serveState(w http.ResponseWriter, r *http.Request) {
	state, ok := s.snapshot()
	if !ok {
		http.Error(w, "sync manager not attached", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(state)
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>fitsync Dashboard</title></head>
<body>
  <h1>fitsync Dashboard</h1>
  <ul>
    <li>Live feed: <code>ws://%s/ws</code></li>
    <li><a href="/state">/state</a> engine snapshot</li>
    <li><a href="/health">/health</a></li>
    <li><a href="/metrics">/metrics</a></li>
  </ul>
</body>
</html>`, r.Host)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
