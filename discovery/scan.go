package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nixxel-company-limited/escpos-cloud-printer/notify"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"go.uber.org/zap"
)

// Snapshot is the cumulative result of a scan at one point in time
type Snapshot struct {
	Interface printer.Kind
	Devices   []printer.Device // sorted by key
	Done      bool
	Err       error
}

// Scan is one discovery run
type Scan struct {
	kind     printer.Kind
	cancel   context.CancelFunc
	logger   *zap.Logger
	observer Observer
	hub      *notify.Hub[Snapshot]

	mu      sync.Mutex
	devices map[printer.Key]printer.Device
	done    bool
	err     error

	doneCh chan struct{}
	exited chan struct{}
}

func newScan(kind printer.Kind, cancel context.CancelFunc, logger *zap.Logger, observer Observer) *Scan {
	return &Scan{
		kind:     kind,
		cancel:   cancel,
		logger:   logger,
		observer: observer,
		hub:      notify.NewHub[Snapshot](),
		devices:  make(map[printer.Key]printer.Device),
		doneCh:   make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Interface returns the kind being scanned
func (s *Scan) Interface() printer.Kind {
	return s.kind
}

// Subscribe returns a channel receiving the current snapshot followed by every
// later one, in order. It is closed once the final snapshot has been delivered.
func (s *Scan) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.Subscribe(s.snapshot())
}

// Result returns the latest snapshot
func (s *Scan) Result() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Done is closed when the scan completes
func (s *Scan) Done() <-chan struct{} {
	return s.doneCh
}

// Wait blocks until the scan completes and returns its final snapshot
func (s *Scan) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.doneCh:
		return s.Result(), nil
	case <-ctx.Done():
		return s.Result(), ctx.Err()
	}
}

func (s *Scan) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scan) stop() {
	s.cancel()
	<-s.exited
}

func (s *Scan) run(ctx context.Context, scanner Scanner) {
	defer close(s.exited)
	defer s.cancel()

	found := make(chan printer.Device)
	errc := make(chan error, 1)
	go func() {
		errc <- scanner.Scan(ctx, func(d printer.Device) {
			select {
			case found <- d:
			case <-ctx.Done():
			}
		})
	}()

	for {
		select {
		case d := <-found:
			s.add(d)
		case err := <-errc:
			s.finish(err)
			return
		case <-ctx.Done():
			s.finish(nil)
			if err := <-errc; err != nil && !isContextErr(err) {
				s.logger.Debug("scanner returned after stop", zap.Error(err))
			}
			return
		}
	}
}

func (s *Scan) add(d printer.Device) {
	if err := d.Validate(); err != nil {
		s.logger.Debug("ignoring device", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	key := d.Key()
	prev, seen := s.devices[key]
	if seen && prev == d {
		return
	}
	s.devices[key] = d
	if !seen {
		s.logger.Info("device found", zap.Stringer("device", d))
		if s.observer != nil {
			s.observer.DevicesFound(s.kind, len(s.devices))
		}
	}
	s.hub.Publish(s.snapshot())
}

func (s *Scan) finish(err error) {
	if isContextErr(err) {
		err = nil
	}
	if err != nil {
		err = printer.AsTransportError("discover", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.hub.Publish(s.snapshot())
	s.hub.Close()
	close(s.doneCh)

	if err != nil {
		s.logger.Warn("scan failed", zap.Error(err), zap.Int("devices", len(s.devices)))
	} else {
		s.logger.Info("scan complete", zap.Int("devices", len(s.devices)))
	}
}

func (s *Scan) snapshot() Snapshot {
	devices := make([]printer.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Key().Less(devices[j].Key())
	})
	return Snapshot{Interface: s.kind, Devices: devices, Done: s.done, Err: s.err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
