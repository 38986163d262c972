// Package discovery finds printers on one transport at a time and streams
// the growing set of devices to any number of subscribers.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"go.uber.org/zap"
)

// Scanner finds devices of one kind. adapter.Transport implements it.
type Scanner interface {
	Kind() printer.Kind
	Available() error
	Scan(ctx context.Context, found func(printer.Device)) error
}

// Observer is told about discovery progress
type Observer interface {
	DevicesFound(kind printer.Kind, total int)
}

// Engine runs at most one scan at a time
type Engine struct {
	scanners map[printer.Kind]Scanner
	logger   *zap.Logger
	observer Observer

	mu      sync.Mutex
	current *Scan
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver sets the observer
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// New creates an engine over the given scanners, one per kind
func New(scanners []Scanner, opts ...Option) *Engine {
	e := &Engine{
		scanners: make(map[printer.Kind]Scanner),
		logger:   zap.NewNop(),
	}
	for _, s := range scanners {
		e.scanners[s.Kind()] = s
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("discovery")
	return e
}

// Start begins scanning for devices of kind. A timeout of zero or less runs
// until Stop. Starting the kind already being scanned returns the running scan;
// starting another kind stops the running scan first.
func (e *Engine) Start(kind printer.Kind, timeout time.Duration) (*Scan, error) {
	// scanners is fixed after New. Available may power up a radio, so it runs
	// before the lock that Stop and Current need.
	scanner, ok := e.scanners[kind]
	if !ok {
		return nil, printer.NewError(printer.CodeUnsupportedInterface, "discover", "no transport for "+string(kind), nil)
	}
	if err := scanner.Available(); err != nil {
		return nil, printer.NewError(printer.CodeUnsupportedInterface, "discover", string(kind), err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.current; cur != nil && !cur.finished() {
		if cur.kind == kind {
			return cur, nil
		}
		e.logger.Info("stopping scan", zap.Stringer("interface", cur.kind))
		cur.stop()
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	s := newScan(kind, cancel, e.logger.With(zap.Stringer("interface", kind)), e.observer)
	e.current = s
	go s.run(ctx, scanner)

	e.logger.Info("scan started", zap.Stringer("interface", kind), zap.Duration("timeout", timeout))
	return s, nil
}

// Stop ends the running scan, if any, and waits for its scanner to return
func (e *Engine) Stop() {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()

	if cur != nil {
		cur.stop()
	}
}

// Current returns the most recent scan, or nil if none was started
func (e *Engine) Current() *Scan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Discover starts a scan and subscribes to it. The channel closes when the
// scan completes or ctx is done, whichever comes first.
func (e *Engine) Discover(ctx context.Context, kind printer.Kind, timeout time.Duration) (<-chan Snapshot, error) {
	s, err := e.Start(kind, timeout)
	if err != nil {
		return nil, err
	}

	ch, cancel := s.Subscribe()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-s.Done():
		}
	}()
	return ch, nil
}
