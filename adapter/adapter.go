package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
)

var (
	ErrNotOpen       = errors.New("device not open")
	ErrReadTimeout   = errors.New("read timed out")
	ErrNoInEndpoint  = errors.New("input endpoint not available")
	ErrNoOutEndpoint = errors.New("cannot find output endpoint from printer")
)

// Adapter is an open byte channel to one printer
type Adapter interface {
	// Write sends data to the printer
	Write(data []byte) (int, error)

	// Read reads data from the printer until ctx is done
	Read(ctx context.Context, buf []byte) (int, error)

	// Close closes the channel. Closing twice is not an error.
	Close() error

	// IsOpen returns whether the channel is open
	IsOpen() bool

	// Done is closed when the channel is closed or lost
	Done() <-chan struct{}
}

// DialOptions tune how a channel is opened
type DialOptions struct {
	// Force tears down a stale session to the same device before opening a new one
	Force bool
}

// Transport discovers and opens channels for one interface kind
type Transport interface {
	Kind() printer.Kind

	// Available fails when the host cannot use this transport
	Available() error

	// Scan reports devices through found until ctx is done or the scan ends
	Scan(ctx context.Context, found func(printer.Device)) error

	// Dial opens a channel to dev
	Dial(ctx context.Context, dev printer.Device, opts DialOptions) (Adapter, error)
}

// lifecycle tracks the open/lost state shared by every adapter
type lifecycle struct {
	mu     sync.Mutex
	isOpen bool
	done   chan struct{}
	err    error
}

func newLifecycle() *lifecycle {
	return &lifecycle{isOpen: true, done: make(chan struct{})}
}

// end marks the channel closed, returning false if it already was
func (l *lifecycle) end(cause error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isOpen {
		return false
	}
	l.isOpen = false
	l.err = cause
	close(l.done)
	return true
}

func (l *lifecycle) open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOpen
}

// Err returns why the channel ended, nil while open or after a plain Close
func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
