package adapter

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos/escpostest"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// routeTo sends every dial to the emulator, whatever address is asked for
func routeTo(p *escpostest.Printer) func(ctx context.Context, network, address string) (net.Conn, error) {
	d := &net.Dialer{}
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		return d.DialContext(ctx, network, p.Addr())
	}
}

func lanDevice(t *testing.T, ip string) printer.Device {
	dev, err := printer.NewLANDevice(ip)
	require.NoError(t, err)
	return dev
}

func TestLANDialAndStatus(t *testing.T) {
	p := escpostest.NewPrinter(t)
	tr := NewLANTransport(LANConfig{Port: p.Port()}, zap.NewNop())

	a, err := tr.Dial(context.Background(), lanDevice(t, "127.0.0.1"), DialOptions{})
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.IsOpen())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, escpos.Probe(ctx, a))

	_, err = a.Write([]byte{escpos.ESC, '@'})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(p.Received()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestLANDialWrongKind(t *testing.T) {
	tr := NewLANTransport(LANConfig{}, nil)
	_, err := tr.Dial(context.Background(), printer.Device{Interface: printer.USB, USBName: "x"}, DialOptions{})
	assert.ErrorIs(t, err, printer.ErrInvalidDevice)

	_, err = tr.Dial(context.Background(), printer.Device{Interface: printer.LAN, IPAddress: "nope"}, DialOptions{})
	assert.ErrorIs(t, err, printer.ErrInvalidDevice)
}

func TestLANDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	tr := NewLANTransport(LANConfig{Port: port, DialTimeout: time.Second}, nil)
	_, err = tr.Dial(context.Background(), lanDevice(t, "127.0.0.1"), DialOptions{})
	assert.ErrorIs(t, err, printer.ErrTransport)
}

func TestLANStaleSession(t *testing.T) {
	p := escpostest.NewPrinter(t)
	tr := NewLANTransport(LANConfig{Dial: routeTo(p)}, zap.NewNop())
	dev := lanDevice(t, "192.168.1.50")

	stale, err := tr.Dial(context.Background(), dev, DialOptions{})
	require.NoError(t, err)

	// a still open session blocks a plain dial
	_, err = tr.Dial(context.Background(), dev, DialOptions{})
	assert.ErrorIs(t, err, printer.ErrTransport)
	assert.True(t, stale.IsOpen())

	fresh, err := tr.Dial(context.Background(), dev, DialOptions{Force: true})
	require.NoError(t, err)
	defer fresh.Close()

	assert.False(t, stale.IsOpen())
	assert.True(t, fresh.IsOpen())
	assert.Equal(t, 2, p.Accepted())
	assert.Eventually(t, func() bool { return p.OpenConnections() == 1 }, time.Second, 10*time.Millisecond)

	// closing the old adapter again must not evict the new session
	require.NoError(t, stale.Close())
	assert.Same(t, fresh, tr.session("192.168.1.50"))
}

func TestLANForceResetsPrinter(t *testing.T) {
	p := escpostest.NewPrinter(t)
	tr := NewLANTransport(LANConfig{Dial: routeTo(p)}, zap.NewNop())
	dev := lanDevice(t, "192.168.1.60")

	// another process may still hold a session this transport knows nothing about
	a, err := tr.Dial(context.Background(), dev, DialOptions{Force: true})
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.IsOpen())
	assert.Eventually(t, func() bool {
		ops := p.Ops()
		return len(ops) == 1 && ops[0].Kind == "init"
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := escpos.QueryStatus(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, printer.StatusReady, status)
}

func TestLANDialWithoutForceSendsNothing(t *testing.T) {
	p := escpostest.NewPrinter(t)
	tr := NewLANTransport(LANConfig{Dial: routeTo(p)}, zap.NewNop())

	a, err := tr.Dial(context.Background(), lanDevice(t, "192.168.1.61"), DialOptions{})
	require.NoError(t, err)
	defer a.Close()

	assert.Eventually(t, func() bool { return p.Accepted() == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, p.Received())
}

func TestLANSessionReleasedOnClose(t *testing.T) {
	p := escpostest.NewPrinter(t)
	tr := NewLANTransport(LANConfig{Dial: routeTo(p)}, nil)
	dev := lanDevice(t, "10.0.0.7")

	a, err := tr.Dial(context.Background(), dev, DialOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Nil(t, tr.session("10.0.0.7"))

	b, err := tr.Dial(context.Background(), dev, DialOptions{})
	require.NoError(t, err)
	b.Close()
}

func TestNetAdapterReadTimeout(t *testing.T) {
	p := escpostest.NewPrinter(t)
	p.SetSilent(true)

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	a := NewNetAdapter(conn, nil)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Read(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a timeout leaves the channel usable
	assert.True(t, a.IsOpen())
}

func TestNetAdapterReadCancel(t *testing.T) {
	p := escpostest.NewPrinter(t)
	p.SetSilent(true)

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	a := NewNetAdapter(conn, nil)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err = a.Read(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, a.IsOpen())
}

func TestNetAdapterLost(t *testing.T) {
	p := escpostest.NewPrinter(t)

	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)
	a := NewNetAdapter(conn, nil)

	assert.Eventually(t, func() bool { return p.OpenConnections() == 1 }, time.Second, 10*time.Millisecond)
	p.DropConnections()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = a.Read(ctx, make([]byte, 1))
	assert.Error(t, err)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("adapter not marked lost")
	}
	assert.False(t, a.IsOpen())
	assert.Error(t, a.Err())

	_, err = a.Write([]byte{1})
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, a.Close())
}

func TestNetAdapterDoubleClose(t *testing.T) {
	p := escpostest.NewPrinter(t)
	conn, err := net.Dial("tcp", p.Addr())
	require.NoError(t, err)

	a := NewNetAdapter(conn, nil)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Err())

	_, err = a.Read(context.Background(), make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestHosts(t *testing.T) {
	hosts, err := Hosts(netip.MustParsePrefix("192.168.1.77/24"))
	require.NoError(t, err)
	require.Len(t, hosts, 254)
	assert.Equal(t, "192.168.1.1", hosts[0].String())
	assert.Equal(t, "192.168.1.254", hosts[253].String())

	hosts, err = Hosts(netip.MustParsePrefix("127.0.0.1/32"))
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, hosts)

	_, err = Hosts(netip.MustParsePrefix("10.0.0.0/8"))
	assert.Error(t, err)

	_, err = Hosts(netip.MustParsePrefix("fe80::/120"))
	assert.Error(t, err)
}

func TestLANScanFindsPrinter(t *testing.T) {
	p := escpostest.NewPrinter(t)
	tr := NewLANTransport(LANConfig{
		Port:    p.Port(),
		Subnets: []netip.Prefix{netip.MustParsePrefix("127.0.0.1/32")},
	}, nil)

	var mu sync.Mutex
	var found []printer.Device
	err := tr.Scan(context.Background(), func(d printer.Device) {
		mu.Lock()
		defer mu.Unlock()
		found = append(found, d)
	})
	require.NoError(t, err)

	require.Len(t, found, 1)
	assert.Equal(t, "127.0.0.1", found[0].IPAddress)
	assert.Equal(t, "Printer at 127.0.0.1", found[0].Name)
}

func TestLANScanNothingListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(l.Addr().String())
	l.Close()
	n, _ := strconv.Atoi(port)

	tr := NewLANTransport(LANConfig{
		Port:    n,
		Subnets: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/30")},
	}, nil)

	calls := 0
	err = tr.Scan(context.Background(), func(printer.Device) { calls++ })
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestLANScanRepeatsUntilCancelled(t *testing.T) {
	p := escpostest.NewPrinter(t)
	tr := NewLANTransport(LANConfig{
		Port:          p.Port(),
		Subnets:       []netip.Prefix{netip.MustParsePrefix("127.0.0.1/32")},
		SweepInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	sweeps := 0
	done := make(chan error, 1)
	go func() {
		done <- tr.Scan(ctx, func(printer.Device) {
			mu.Lock()
			sweeps++
			mu.Unlock()
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sweeps >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scan did not stop")
	}
}
