// Package netwatch detects connectivity changes by probing the remote
// service and reports online/offline transitions.
package netwatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fitdesk/fitsync/internal/offline/metrics"
)

// Event is a connectivity transition.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Config holds Monitor settings.
type Config struct {
	// Interval between probes.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Initial is the state assumed before the first probe completes.
	Initial bool

	Logger  *log.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 10 * time.Second,
		Timeout:  3 * time.Second,
		Initial:  true,
		Logger:   log.New(os.Stderr, "[netwatch] ", log.LstdFlags),
		Now:      time.Now,
	}
}

// Monitor polls a Probe and tracks whether the device is online.
//
// The state can also be set by hand with SetOnline, which is how tests and
// the CLI --offline flag drive it.
type Monitor struct {
	probe  Probe
	config *Config

	online atomic.Bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	// mu serializes transitions and guards running/stopped.
	mu      sync.Mutex
	running bool
	stopped bool
}

// NewMonitor creates a Monitor. A nil probe is allowed: the state then only
// changes through SetOnline.
func NewMonitor(probe Probe, config *Config) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Interval < 0 || config.Timeout < 0 {
		return nil, fmt.Errorf("interval and timeout must not be negative")
	}
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	m := &Monitor{
		probe:  probe,
		config: config,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	m.online.Store(config.Initial)
	config.Metrics.SetOnline(config.Initial)
	return m, nil
}

// Start begins polling in the background. The first probe runs immediately.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return fmt.Errorf("monitor already stopped")
	}
	if m.running {
		return fmt.Errorf("monitor already running")
	}
	if m.probe == nil {
		return fmt.Errorf("monitor has no probe")
	}

	m.running = true
	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop ends polling and closes the Events channel. It blocks until the
// polling goroutine has exited.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
	return nil
}

// IsRunning returns true while the polling goroutine is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Events returns the channel of transitions. It is closed by Stop.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// SetOnline sets the state by hand. An Event is emitted only when the
// state changes.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

// Check runs the probe once and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		return m.IsOnline()
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	err := m.probe.Check(ctx)
	if err != nil && m.IsOnline() {
		m.config.Logger.Printf("Probe failed: %v", err)
	}
	online := err == nil
	m.transition(online)
	return online
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online.Load() == online {
		return
	}
	m.online.Store(online)
	m.config.Metrics.SetOnline(online)

	if online {
		m.config.Logger.Println("Connectivity restored")
	} else {
		m.config.Logger.Println("Connectivity lost")
	}

	if m.stopped {
		return
	}
	select {
	case m.events <- Event{Online: online, At: m.config.Now()}:
	default:
		m.config.Logger.Printf("WARNING: Event channel full, dropping transition to online=%v", online)
	}
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.Check(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
