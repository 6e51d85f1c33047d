// Package connectors defines the Connector capability interface and the
// polling/streaming base implementations, grounded on the state-machine
// pattern of original_source/backend/app/connectors/base.py.
package connectors

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// State is the connector lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
	StatePaused   State = "paused"
)

// Config configures a connector instance.
type Config struct {
	Name            string
	PollInterval    time.Duration // default 60s for polling connectors
	TargetIndex     string
	DataType        string
	IncludePatterns []string
	ExcludePatterns []string
	BatchSize       int
	FlushInterval   time.Duration
	Extra           map[string]any
}

// Metrics holds monotonic counters and last-error fields for a connector.
type Metrics struct {
	mu            sync.Mutex
	EventsReceived  int64
	EventsProcessed int64
	EventsFailed    int64
	BytesReceived   int64
	LastEventAt     time.Time
	LastErrorAt     time.Time
	LastError       string
	startedAt       time.Time
}

func (m *Metrics) recordEvent(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsReceived++
	m.BytesReceived += int64(size)
	m.LastEventAt = time.Now().UTC()
}

func (m *Metrics) recordProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsProcessed++
}

func (m *Metrics) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsFailed++
	m.LastErrorAt = time.Now().UTC()
	m.LastError = err.Error()
}

// Snapshot is a point-in-time read of Metrics safe to serialize.
type Snapshot struct {
	EventsReceived  int64     `json:"events_received"`
	EventsProcessed int64     `json:"events_processed"`
	EventsFailed    int64     `json:"events_failed"`
	BytesReceived   int64     `json:"bytes_received"`
	LastEventAt     time.Time `json:"last_event_at,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	uptime := 0.0
	if !m.startedAt.IsZero() {
		uptime = time.Since(m.startedAt).Seconds()
	}
	return Snapshot{
		EventsReceived:  m.EventsReceived,
		EventsProcessed: m.EventsProcessed,
		EventsFailed:    m.EventsFailed,
		BytesReceived:   m.BytesReceived,
		LastEventAt:     m.LastEventAt,
		LastErrorAt:     m.LastErrorAt,
		LastError:       m.LastError,
		UptimeSeconds:   uptime,
	}
}

// Connector is the capability interface every connector implements.
type Connector interface {
	Name() string
	State() State
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	// Stream delivers RawEvents to sink until ctx is cancelled or the
	// connector is stopped. Implementations must honor ctx promptly.
	Stream(ctx context.Context, sink func(ecs.RawEvent) error) error
	Metrics() Snapshot
}

// ShouldInclude applies exclude-then-include glob filtering to a source
// identifier. Excludes win; an empty include list means include-all.
func ShouldInclude(cfg Config, source string) bool {
	for _, pattern := range cfg.ExcludePatterns {
		if matched, _ := path.Match(pattern, source); matched {
			return false
		}
	}
	if len(cfg.IncludePatterns) == 0 {
		return true
	}
	for _, pattern := range cfg.IncludePatterns {
		if matched, _ := path.Match(pattern, source); matched {
			return true
		}
	}
	return false
}

// Base provides the start/stop state machine and metrics bookkeeping shared
// by every connector. Concrete connectors embed Base and implement
// connectFn/disconnectFn/healthFn/streamFn.
type Base struct {
	cfg Config

	mu    sync.Mutex
	state State

	metrics Metrics

	connectFn    func(ctx context.Context) error
	disconnectFn func(ctx context.Context) error
	healthFn     func(ctx context.Context) error
}

// NewBase constructs a Base connector with the given lifecycle hooks.
func NewBase(cfg Config, connectFn, disconnectFn, healthFn func(ctx context.Context) error) *Base {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	return &Base{
		cfg:          cfg,
		state:        StateStopped,
		connectFn:    connectFn,
		disconnectFn: disconnectFn,
		healthFn:     healthFn,
	}
}

func (b *Base) Name() string { return b.cfg.Name }
func (b *Base) Config() Config { return b.cfg }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Connect transitions STOPPED -> STARTING -> RUNNING or ERROR.
func (b *Base) Connect(ctx context.Context) error {
	b.setState(StateStarting)
	if err := b.connectFn(ctx); err != nil {
		b.setState(StateError)
		return fmt.Errorf("connector %s: connect: %w", b.cfg.Name, err)
	}
	b.metrics.mu.Lock()
	b.metrics.startedAt = time.Now().UTC()
	b.metrics.mu.Unlock()
	b.setState(StateRunning)
	return nil
}

// Disconnect transitions RUNNING/PAUSED -> STOPPING -> STOPPED.
func (b *Base) Disconnect(ctx context.Context) error {
	b.setState(StateStopping)
	err := b.disconnectFn(ctx)
	b.setState(StateStopped)
	if err != nil {
		return fmt.Errorf("connector %s: disconnect: %w", b.cfg.Name, err)
	}
	return nil
}

func (b *Base) Pause() {
	b.mu.Lock()
	if b.state == StateRunning {
		b.state = StatePaused
	}
	b.mu.Unlock()
}

func (b *Base) Resume() {
	b.mu.Lock()
	if b.state == StatePaused {
		b.state = StateRunning
	}
	b.mu.Unlock()
}

func (b *Base) HealthCheck(ctx context.Context) error {
	if b.healthFn == nil {
		return nil
	}
	return b.healthFn(ctx)
}

func (b *Base) Metrics() Snapshot { return b.metrics.Snapshot() }

// RecordEvent/RecordProcessed/RecordError let embedding connectors update
// metrics without exposing the mutex directly.
func (b *Base) RecordEvent(size int)  { b.metrics.recordEvent(size) }
func (b *Base) RecordProcessed()      { b.metrics.recordProcessed() }
func (b *Base) RecordError(err error) { b.metrics.recordError(err) }

// ShouldIncludeSource applies this connector's include/exclude filters.
func (b *Base) ShouldIncludeSource(source string) bool {
	return ShouldInclude(b.cfg, source)
}
