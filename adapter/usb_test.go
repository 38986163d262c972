package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func usbTransport(t *testing.T) *USBTransport {
	t.Helper()
	tr := NewUSBTransport(USBConfig{}, zap.NewNop())
	if err := tr.Available(); err != nil {
		t.Skip("libusb not available, skipping test")
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func scanUSB(t *testing.T, tr *USBTransport) []printer.Device {
	t.Helper()
	var found []printer.Device
	require.NoError(t, tr.Scan(context.Background(), func(d printer.Device) {
		found = append(found, d)
	}))
	return found
}

func TestUSBScan(t *testing.T) {
	tr := usbTransport(t)

	found := scanUSB(t, tr)
	if len(found) == 0 {
		t.Skip("No USB printers found")
	}

	t.Logf("Found %d printer(s)", len(found))
	for _, dev := range found {
		assert.Equal(t, printer.USB, dev.Interface)
		assert.NotEmpty(t, dev.USBName)
		assert.NoError(t, dev.Validate())
	}
}

func TestUSBDialAndProbe(t *testing.T) {
	tr := usbTransport(t)

	found := scanUSB(t, tr)
	if len(found) == 0 {
		t.Skip("No USB printer found, skipping test")
	}

	a, err := tr.Dial(context.Background(), found[0], DialOptions{})
	require.NoError(t, err)
	defer a.Close()
	assert.True(t, a.IsOpen())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := escpos.Probe(ctx, a); err != nil {
		t.Logf("printer did not answer a status request: %v", err)
	}

	require.NoError(t, a.Close())
	assert.False(t, a.IsOpen())
	assert.NoError(t, a.Close())
}

func TestUSBDialUnknown(t *testing.T) {
	tr := usbTransport(t)

	_, err := tr.Dial(context.Background(), printer.Device{Interface: printer.USB, USBName: "no such printer"}, DialOptions{})
	assert.ErrorIs(t, err, printer.ErrTransport)
}

func TestUSBDialWrongKind(t *testing.T) {
	tr := NewUSBTransport(USBConfig{}, nil)

	_, err := tr.Dial(context.Background(), printer.Device{Interface: printer.LAN, IPAddress: "10.0.0.1"}, DialOptions{})
	assert.ErrorIs(t, err, printer.ErrInvalidDevice)
}

func TestIsPrinter(t *testing.T) {
	t.Run("NilDevice", func(t *testing.T) {
		assert.False(t, IsPrinter(nil))
	})
}

func TestUSBCloseWithoutContext(t *testing.T) {
	tr := NewUSBTransport(USBConfig{}, nil)
	assert.NoError(t, tr.Close())
	assert.Equal(t, printer.USB, tr.Kind())
}
