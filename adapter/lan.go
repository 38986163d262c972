package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// DefaultLANPort is the raw printing port used by ESC/POS network printers
const DefaultLANPort = 9100

// Largest subnet a LAN sweep accepts
const maxSweepPrefixBits = 20

// resetDrain is how long a forced dial collects leftover output after the reset
const resetDrain = 50 * time.Millisecond

// ESC @
var resetCommand = []byte{0x1B, 0x40}

// LANConfig configures the LAN transport
type LANConfig struct {
	// Port is the raw printing port, DefaultLANPort when zero
	Port int

	// DialTimeout bounds connecting to a printer
	DialTimeout time.Duration

	// ProbeTimeout bounds each host check during a sweep
	ProbeTimeout time.Duration

	// Subnets are swept during discovery. Empty means the /24 of every local IPv4 interface.
	Subnets []netip.Prefix

	// SweepInterval is the pause between sweeps. Zero sweeps once.
	SweepInterval time.Duration

	// Concurrency caps the number of hosts checked at once
	Concurrency int

	// Dial replaces net.Dialer, mostly for tests
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// LANTransport reaches printers over TCP
type LANTransport struct {
	cfg    LANConfig
	logger *zap.Logger

	dialMu   sync.Mutex
	mu       sync.Mutex
	sessions map[string]*NetAdapter
}

// NewLANTransport creates a LAN transport
func NewLANTransport(cfg LANConfig, logger *zap.Logger) *LANTransport {
	if cfg.Port == 0 {
		cfg.Port = DefaultLANPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 300 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LANTransport{
		cfg:      cfg,
		logger:   logger.Named("lan"),
		sessions: make(map[string]*NetAdapter),
	}
}

// Kind returns printer.LAN
func (t *LANTransport) Kind() printer.Kind {
	return printer.LAN
}

// Available always succeeds, every host has TCP
func (t *LANTransport) Available() error {
	return nil
}

// Dial opens a TCP session to the printer. A session this transport still holds
// for the same address is closed first when opts.Force is set, and refused otherwise.
func (t *LANTransport) Dial(ctx context.Context, dev printer.Device, opts DialOptions) (Adapter, error) {
	if dev.Interface != printer.LAN {
		return nil, printer.NewError(printer.CodeInvalidDevice, "dial lan", fmt.Sprintf("%s is not a LAN printer", dev), nil)
	}
	addr, err := printer.ParseIPv4(dev.IPAddress)
	if err != nil {
		return nil, err
	}
	ip := addr.String()

	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	if stale := t.session(ip); stale != nil && stale.IsOpen() {
		if !opts.Force {
			return nil, printer.NewError(printer.CodeTransportError, "dial lan",
				fmt.Sprintf("a session to %s is still open", ip), nil)
		}
		t.logger.Info("closing stale session", zap.String("ip", ip))
		stale.Close()
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	target := net.JoinHostPort(ip, strconv.Itoa(t.cfg.Port))
	conn, err := t.cfg.Dial(dialCtx, "tcp", target)
	if err != nil {
		return nil, printer.NewError(printer.CodeTransportError, "dial lan", target, err)
	}

	a := NewNetAdapter(conn, t.logger)
	a.onClose = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.sessions[ip] == a {
			delete(t.sessions, ip)
		}
	}
	if opts.Force {
		if err := t.reset(a); err != nil {
			a.Close()
			return nil, printer.NewError(printer.CodeTransportError, "dial lan", target, err)
		}
	}

	t.mu.Lock()
	t.sessions[ip] = a
	t.mu.Unlock()

	t.logger.Info("session opened", zap.String("addr", target), zap.Bool("force", opts.Force))
	return a, nil
}

// reset initialises the printer on a fresh session and drops whatever it still
// had to say. A session left behind by another process cannot be closed from
// here, but the printer can be brought back to a known state.
func (t *LANTransport) reset(a *NetAdapter) error {
	if _, err := a.Write(resetCommand); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), resetDrain)
	defer cancel()
	buf := make([]byte, 64)
	for {
		if _, err := a.Read(ctx, buf); err != nil {
			if !a.IsOpen() {
				return err
			}
			return nil
		}
	}
}

func (t *LANTransport) session(ip string) *NetAdapter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[ip]
}

// Scan sweeps the configured subnets for hosts accepting connections on the printing port
func (t *LANTransport) Scan(ctx context.Context, found func(printer.Device)) error {
	subnets := t.cfg.Subnets
	if len(subnets) == 0 {
		var err error
		subnets, err = LocalSubnets()
		if err != nil {
			return printer.AsTransportError("scan lan", err)
		}
	}

	for {
		if err := t.sweep(ctx, subnets, found); err != nil {
			return err
		}
		if t.cfg.SweepInterval <= 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.SweepInterval):
		}
	}
}

func (t *LANTransport) sweep(ctx context.Context, subnets []netip.Prefix, found func(printer.Device)) error {
	p := pool.New().WithMaxGoroutines(t.cfg.Concurrency).WithContext(ctx)

	for _, prefix := range subnets {
		hosts, err := Hosts(prefix)
		if err != nil {
			p.Wait()
			return err
		}
		for _, host := range hosts {
			if ctx.Err() != nil {
				break
			}
			host := host
			p.Go(func(ctx context.Context) error {
				if t.reachable(ctx, host) {
					dev, err := printer.NewLANDevice(host.String())
					if err == nil {
						found(dev)
					}
				}
				return nil
			})
		}
	}

	if err := p.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (t *LANTransport) reachable(ctx context.Context, host netip.Addr) bool {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	conn, err := t.cfg.Dial(ctx, "tcp", net.JoinHostPort(host.String(), strconv.Itoa(t.cfg.Port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Hosts lists the usable host addresses of an IPv4 prefix
func Hosts(prefix netip.Prefix) ([]netip.Addr, error) {
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%s is not an IPv4 subnet", prefix)
	}
	if prefix.Bits() < maxSweepPrefixBits {
		return nil, fmt.Errorf("subnet %s is too large to sweep, use /%d or smaller", prefix, maxSweepPrefixBits)
	}

	prefix = prefix.Masked()
	var hosts []netip.Addr
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr)
	}

	// drop network and broadcast addresses
	if prefix.Bits() < 31 && len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

// LocalSubnets returns the /24 around every up, non-loopback IPv4 interface address
func LocalSubnets() ([]netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	seen := make(map[netip.Prefix]bool)
	var out []netip.Prefix
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP.To4())
			if !ok {
				continue
			}
			prefix := netip.PrefixFrom(ip, 24).Masked()
			if !seen[prefix] {
				seen[prefix] = true
				out = append(out, prefix)
			}
		}
	}

	if len(out) == 0 {
		return nil, errors.New("no IPv4 network interface is up")
	}
	return out, nil
}

// NetAdapter is an Adapter over a stream connection
type NetAdapter struct {
	*lifecycle

	conn    net.Conn
	logger  *zap.Logger
	onClose func()
	wmu     sync.Mutex
}

// NewNetAdapter wraps an open connection
func NewNetAdapter(conn net.Conn, logger *zap.Logger) *NetAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetAdapter{
		lifecycle: newLifecycle(),
		conn:      conn,
		logger:    logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// Write sends data to the printer
func (a *NetAdapter) Write(data []byte) (int, error) {
	if !a.open() {
		return 0, ErrNotOpen
	}

	a.wmu.Lock()
	defer a.wmu.Unlock()

	n, err := a.conn.Write(data)
	if err != nil {
		a.lost(err)
		return n, fmt.Errorf("write failed: %w", err)
	}
	return n, nil
}

// Read reads from the printer until ctx is done
func (a *NetAdapter) Read(ctx context.Context, buf []byte) (int, error) {
	if !a.open() {
		return 0, ErrNotOpen
	}

	deadline, _ := ctx.Deadline()
	a.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		a.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, err := a.conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
				return n, context.DeadlineExceeded
			}
			return n, ErrReadTimeout
		}
		a.lost(err)
		return n, fmt.Errorf("read failed: %w", err)
	}
	return n, nil
}

// Close closes the connection
func (a *NetAdapter) Close() error {
	if !a.end(nil) {
		return nil
	}
	return a.shutdown()
}

// IsOpen returns whether the connection is open
func (a *NetAdapter) IsOpen() bool {
	return a.open()
}

// Done is closed when the connection is closed or lost
func (a *NetAdapter) Done() <-chan struct{} {
	return a.done
}

func (a *NetAdapter) lost(cause error) {
	if a.end(cause) {
		a.logger.Warn("connection lost", zap.Error(cause))
		a.shutdown()
	}
}

func (a *NetAdapter) shutdown() error {
	if a.onClose != nil {
		a.onClose()
	}
	return a.conn.Close()
}
