package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is a serial port whose reads return nothing until data is queued
type fakePort struct {
	mu       sync.Mutex
	written  bytes.Buffer
	pending  []byte
	timeouts []time.Duration
	readErr  error
	closed   bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.written.Write(b)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		defer p.mu.Unlock()
		return 0, p.readErr
	}
	if len(p.pending) > 0 {
		defer p.mu.Unlock()
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	wait := time.Duration(0)
	if len(p.timeouts) > 0 {
		wait = p.timeouts[len(p.timeouts)-1]
	}
	p.mu.Unlock()

	// like go.bug.st/serial, a timeout is a zero byte read
	time.Sleep(wait)
	return 0, nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, t)
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) queue(b ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, b...)
}

const pairedOutput = `Device 66:22:B3:1A:09:7F MPT-II
Device aa:bb:cc:dd:ee:ff
Controller 00:1A:7D:DA:71:13 laptop [default]
garbage line
`

func TestParsePairedDevices(t *testing.T) {
	devices := ParsePairedDevices([]byte(pairedOutput))
	require.Len(t, devices, 2)
	assert.Equal(t, printer.Device{Interface: printer.Bluetooth, Name: "MPT-II", UUID: "66:22:B3:1A:09:7F"}, devices[0])
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", devices[1].UUID)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", devices[1].Name)
}

func TestParseRFCOMMBindings(t *testing.T) {
	out := []byte("rfcomm0: 66:22:B3:1A:09:7F channel 1 clean \nrfcomm3: aa:bb:cc:dd:ee:ff channel 2 closed\n")
	assert.Equal(t, map[string]string{
		"66:22:B3:1A:09:7F/1": "/dev/rfcomm0",
		"AA:BB:CC:DD:EE:FF/2": "/dev/rfcomm3",
	}, ParseRFCOMMBindings(out))
}

func fakeBluetooth(port *fakePort) (*BluetoothTransport, *[]string) {
	var binds []string
	tr := NewBluetoothTransport(BluetoothConfig{
		DisableRadio: true,
		Paired: func(context.Context) ([]printer.Device, error) {
			return ParsePairedDevices([]byte(pairedOutput)), nil
		},
		Bind: func(_ context.Context, mac string, channel int) (string, error) {
			binds = append(binds, mac)
			return "/dev/rfcomm0", nil
		},
		OpenPort: func(path string, baud int) (SerialPort, error) {
			if port == nil {
				return nil, errors.New("no such file")
			}
			return port, nil
		},
	}, nil)
	return tr, &binds
}

func TestBluetoothDial(t *testing.T) {
	port := &fakePort{}
	tr, binds := fakeBluetooth(port)
	require.NoError(t, tr.Available())

	a, err := tr.Dial(context.Background(), printer.Device{Interface: printer.Bluetooth, UUID: "66:22:b3:1a:09:7f"}, DialOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"66:22:B3:1A:09:7F"}, *binds)

	_, err = a.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", port.written.String())

	require.NoError(t, a.Close())
	assert.True(t, port.closed)
}

func TestBluetoothDialUnpaired(t *testing.T) {
	tr, binds := fakeBluetooth(&fakePort{})
	_, err := tr.Dial(context.Background(), printer.Device{Interface: printer.Bluetooth, UUID: "01:02:03:04:05:06"}, DialOptions{})
	assert.ErrorIs(t, err, printer.ErrTransport)
	assert.Empty(t, *binds)
}

func TestBluetoothDialOpenFails(t *testing.T) {
	tr, _ := fakeBluetooth(nil)
	_, err := tr.Dial(context.Background(), printer.Device{Interface: printer.Bluetooth, UUID: "66:22:B3:1A:09:7F"}, DialOptions{})
	assert.ErrorIs(t, err, printer.ErrTransport)
}

func TestBluetoothScanReportsPaired(t *testing.T) {
	tr, _ := fakeBluetooth(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var found []printer.Device
	err := tr.Scan(ctx, func(d printer.Device) { found = append(found, d) })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, found, 2)
}

func TestSerialAdapterReadPolls(t *testing.T) {
	port := &fakePort{}
	a := NewSerialAdapter(port, nil)
	defer a.Close()

	time.AfterFunc(30*time.Millisecond, func() { port.queue(0x12) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	buf := make([]byte, 1)
	n, err := a.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(0x12), buf[0])

	for _, step := range port.timeouts {
		assert.LessOrEqual(t, step, serialReadStep)
	}
}

func TestSerialAdapterReadTimeout(t *testing.T) {
	a := NewSerialAdapter(&fakePort{}, nil)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := a.Read(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, a.IsOpen())
}

func TestSerialAdapterLost(t *testing.T) {
	port := &fakePort{readErr: errors.New("input/output error")}
	a := NewSerialAdapter(port, nil)

	_, err := a.Read(context.Background(), make([]byte, 1))
	assert.ErrorContains(t, err, "input/output error")

	select {
	case <-a.Done():
	default:
		t.Fatal("adapter not marked lost")
	}
	assert.False(t, a.IsOpen())
	assert.True(t, port.closed)
	assert.NoError(t, a.Close())
}
