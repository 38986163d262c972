// Package connection owns the single connected printer of the process.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/adapter"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/notify"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"go.uber.org/zap"
)

// DefaultProbeTimeout bounds the liveness check after a channel opens
const DefaultProbeTimeout = time.Second

// Interval between liveness probe attempts
const probeInterval = 100 * time.Millisecond

// State of the connection slot
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Failing      State = "failing"
)

// Event is published on every transition into or out of Connected
type Event struct {
	Device    printer.Device `json:"device"`
	Connected bool           `json:"connected"`
	Err       error          `json:"-"`
}

// Dialer opens a channel to a device. adapter.Transport implements it.
type Dialer interface {
	Kind() printer.Kind
	Dial(ctx context.Context, dev printer.Device, opts adapter.DialOptions) (adapter.Adapter, error)
}

// ProbeFunc checks that a freshly opened channel reaches a responsive printer
type ProbeFunc func(ctx context.Context, a adapter.Adapter) error

// Observer is told about connection attempts and state changes
type Observer interface {
	ConnectAttempt(kind printer.Kind, err error)
	ConnectionState(state State)
}

// Options tune a single Connect call
type Options struct {
	// Force tears down a stale transport session to the same device first
	Force bool
}

// Config configures a Manager
type Config struct {
	// ProbeTimeout bounds the liveness check, DefaultProbeTimeout when zero
	ProbeTimeout time.Duration

	// HeartbeatInterval probes the connected printer periodically. Zero disables it.
	HeartbeatInterval time.Duration

	// Probe replaces the status request liveness check
	Probe ProbeFunc
}

// Manager allows at most one Connected device at a time
type Manager struct {
	cfg      Config
	dialers  map[printer.Kind]Dialer
	logger   *zap.Logger
	observer Observer
	events   *notify.Hub[Event]

	// mu serialises Connect and Disconnect
	mu sync.Mutex

	stateMu sync.Mutex
	state   State
	current *conn
	lastErr error
}

// conn is one live connection
type conn struct {
	device  printer.Device
	adapter adapter.Adapter

	// ioMu is held for the duration of every exchange with the printer
	ioMu sync.Mutex
	stop chan struct{}
	once sync.Once
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the observer
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// NewManager creates a manager over the given dialers, one per kind
func NewManager(cfg Config, dialers []Dialer, opts ...Option) *Manager {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Probe == nil {
		cfg.Probe = func(ctx context.Context, a adapter.Adapter) error {
			return escpos.Probe(ctx, a)
		}
	}

	m := &Manager{
		cfg:     cfg,
		dialers: make(map[printer.Kind]Dialer),
		logger:  zap.NewNop(),
		events:  notify.NewHub[Event](),
		state:   Disconnected,
	}
	for _, d := range dialers {
		m.dialers[d.Kind()] = d
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("connection")
	return m
}

// Connect opens an exclusive connection to dev. Connecting the device that is
// already connected succeeds without doing anything; connecting any other
// device while one is connected fails with AlreadyConnected.
func (m *Manager) Connect(ctx context.Context, dev printer.Device, opts Options) (err error) {
	if err := dev.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.connection(); cur != nil {
		if cur.device.Same(dev) {
			return nil
		}
		return printer.NewError(printer.CodeAlreadyConnected, "connect",
			fmt.Sprintf("%s is connected", cur.device), nil)
	}

	dialer, ok := m.dialers[dev.Interface]
	if !ok {
		return printer.NewError(printer.CodeUnsupportedInterface, "connect", "no transport for "+string(dev.Interface), nil)
	}

	defer func() {
		if m.observer != nil {
			m.observer.ConnectAttempt(dev.Interface, err)
		}
	}()

	logger := m.logger.With(zap.Stringer("device", dev))
	logger.Info("connecting", zap.Bool("force", opts.Force))
	m.setState(Connecting, nil)

	a, err := dialer.Dial(ctx, dev, adapter.DialOptions{Force: opts.Force})
	if err != nil {
		err = printer.AsTransportError("connect", err)
		logger.Warn("connect failed", zap.Error(err))
		m.setState(Disconnected, err)
		return err
	}

	if err := m.probe(ctx, a); err != nil {
		m.setState(Failing, err)
		a.Close()
		logger.Warn("printer did not answer", zap.Error(err))
		m.setState(Disconnected, err)
		return err
	}

	c := &conn{device: dev, adapter: a, stop: make(chan struct{})}
	m.stateMu.Lock()
	m.current = c
	m.stateMu.Unlock()
	m.setState(Connected, nil)
	m.events.Publish(Event{Device: dev, Connected: true})
	go m.watch(c)

	logger.Info("connected")
	return nil
}

// probe polls the status request until the printer answers or ProbeTimeout elapses
func (m *Manager) probe(ctx context.Context, a adapter.Adapter) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	for {
		start := time.Now()
		attempt, stop := context.WithTimeout(ctx, probeInterval)
		last := m.cfg.Probe(attempt, a)
		stop()
		if last == nil {
			return nil
		}
		if !a.IsOpen() {
			return printer.AsTransportError("connect", last)
		}

		select {
		case <-time.After(max(0, probeInterval-time.Since(start))):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return printer.NewError(printer.CodeConnectTimeout, "connect",
				fmt.Sprintf("no status response within %s", m.cfg.ProbeTimeout), last)
		}
	}
}

// Disconnect closes the connection, if any. Calling it again does nothing.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.connection()
	if c == nil {
		return nil
	}

	// wait for an exchange in progress
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	err := m.drop(c, nil)
	m.logger.Info("disconnected", zap.Stringer("device", c.device))
	return err
}

// drop releases c if it is still the current connection
func (m *Manager) drop(c *conn, cause error) error {
	m.stateMu.Lock()
	if m.current != c {
		m.stateMu.Unlock()
		return nil
	}
	m.current = nil
	m.stateMu.Unlock()

	c.once.Do(func() { close(c.stop) })
	err := c.adapter.Close()
	m.setState(Disconnected, cause)
	m.events.Publish(Event{Device: c.device, Connected: false, Err: cause})
	return err
}

// watch notices a lost channel and, when enabled, an unresponsive printer
func (m *Manager) watch(c *conn) {
	var tick <-chan time.Time
	if m.cfg.HeartbeatInterval > 0 {
		t := time.NewTicker(m.cfg.HeartbeatInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-c.stop:
			return
		case <-c.adapter.Done():
			cause := errors.New("channel closed")
			if ender, ok := c.adapter.(interface{ Err() error }); ok && ender.Err() != nil {
				cause = ender.Err()
			}
			m.lost(c, printer.AsTransportError("connection lost", cause))
			return
		case <-tick:
			if err := m.heartbeat(c); err != nil {
				m.lost(c, printer.AsTransportError("heartbeat", err))
				return
			}
		}
	}
}

func (m *Manager) heartbeat(c *conn) error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	return m.cfg.Probe(ctx, c.adapter)
}

func (m *Manager) lost(c *conn, cause error) {
	m.logger.Warn("connection lost", zap.Stringer("device", c.device), zap.Error(cause))
	m.drop(c, cause)
}

// Exchange runs fn against the connected printer while holding its I/O lock
func (m *Manager) Exchange(ctx context.Context, fn func(ctx context.Context, a adapter.Adapter) error) error {
	c := m.connection()
	if c == nil {
		return printer.ErrNotConnected
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if m.connection() != c || !c.adapter.IsOpen() {
		return printer.ErrNotConnected
	}
	return fn(ctx, c.adapter)
}

// IsConnected reports whether dev is the connected device
func (m *Manager) IsConnected(dev printer.Device) bool {
	c := m.connection()
	return c != nil && c.device.Same(dev)
}

// Connected returns the connected device
func (m *Manager) Connected() (printer.Device, bool) {
	c := m.connection()
	if c == nil {
		return printer.Device{}, false
	}
	return c.device, true
}

// State returns the current state and the error that caused the last drop to Disconnected
func (m *Manager) State() (State, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state, m.lastErr
}

// Subscribe returns a channel of connection events, delivered in order
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// Close disconnects and ends every subscription
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.events.Close()
	return err
}

func (m *Manager) connection() *conn {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.current
}

func (m *Manager) setState(s State, cause error) {
	m.stateMu.Lock()
	m.state = s
	if cause != nil || s == Connected {
		m.lastErr = cause
	}
	m.stateMu.Unlock()

	if m.observer != nil {
		m.observer.ConnectionState(s)
	}
}
