package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/nixxel-company-limited/escpos-cloud-printer/adapter"
	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos/escpostest"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "image.png")
	f, err := os.Create(file)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, w, h))))
	return file
}

func kinds(p *escpostest.Printer) []string {
	var out []string
	for _, op := range p.PrintOps() {
		if op.Kind != "text" {
			out = append(out, op.Kind)
		}
	}
	return out
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)

	out, err = run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cloudprint dev")
	assert.Contains(t, out, "Go version")
}

func TestDiscoverLAN(t *testing.T) {
	p := escpostest.NewPrinter(t)
	t.Setenv("CLOUDPRINT_LAN_SUBNETS", "127.0.0.1/32")

	out, err := run(t, "discover", "-i", "lan", "-t", "1s", "--lan-port", strconv.Itoa(p.Port()))
	require.NoError(t, err)
	assert.Contains(t, out, "127.0.0.1")
	assert.Contains(t, out, "1 printer(s) found on LAN")
}

func TestDiscoverJSON(t *testing.T) {
	p := escpostest.NewPrinter(t)
	t.Setenv("CLOUDPRINT_LAN_SUBNETS", "127.0.0.1/32")

	out, err := run(t, "discover", "--json", "-t", "1s", "--lan-port", strconv.Itoa(p.Port()))
	require.NoError(t, err)

	var res struct {
		Interface string           `json:"interface"`
		Devices   []printer.Device `json:"devices"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "LAN", res.Interface)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, "127.0.0.1", res.Devices[0].IPAddress)
}

func TestDiscoverBadInterface(t *testing.T) {
	_, err := run(t, "discover", "-i", "serial")
	assert.Error(t, err)
}

func TestPrint(t *testing.T) {
	p := escpostest.NewPrinter(t)

	out, err := run(t, "print", "--ip", "127.0.0.1", "--lan-port", strconv.Itoa(p.Port()),
		"--text", `hello\nworld`, "--feed", "2", "--partial")
	require.NoError(t, err)
	assert.Contains(t, out, "printed job")
	assert.Contains(t, out, "ready")

	assert.Equal(t, []string{"init", "codetable", "feed", "cut"}, kinds(p))
	assert.Contains(t, string(p.Received()), "hello\nworld\n")

	ops := p.PrintOps()
	assert.True(t, ops[len(ops)-1].Partial)
}

func TestPrintImage(t *testing.T) {
	p := escpostest.NewPrinter(t)
	port := strconv.Itoa(p.Port())
	wide := writePNG(t, 600, 8)

	_, err := run(t, "print", "--ip", "127.0.0.1", "--lan-port", port, "--image", wide)
	require.Error(t, err)
	assert.Equal(t, printer.CodeImageTooWide, printer.CodeOf(err))
	assert.Empty(t, kinds(p))

	_, err = run(t, "print", "--ip", "127.0.0.1", "--lan-port", port, "--image", wide, "--fit", "--cut=false", "--feed", "0")
	require.NoError(t, err)
	assert.Equal(t, []string{"init", "raster"}, kinds(p))

	_, err = run(t, "print", "--ip", "127.0.0.1", "--lan-port", port, "--image", wide, "--max-dots", "640", "--cut=false", "--feed", "0")
	require.NoError(t, err)
}

func TestPrintFault(t *testing.T) {
	p := escpostest.NewPrinter(t)
	p.SetStatus(printer.StatusPaperOut)

	_, err := run(t, "print", "--ip", "127.0.0.1", "--lan-port", strconv.Itoa(p.Port()), "--text", "hi")
	require.Error(t, err)
	assert.Equal(t, printer.CodeFaultStatus, printer.CodeOf(err))
	assert.Contains(t, err.Error(), "paper-out")
}

func TestPrintFlags(t *testing.T) {
	_, err := run(t, "print", "--text", "hi")
	assert.Error(t, err, "a printer is required")

	_, err = run(t, "print", "--ip", "10.0.0.1", "--usb", "TM-T20", "--text", "hi")
	assert.Error(t, err, "only one printer")

	_, err = run(t, "print", "--ip", "10.0.0.1", "--feed", "0", "--cut=false")
	assert.ErrorContains(t, err, "nothing to print")

	_, err = run(t, "print", "--ip", "999.0.0.1", "--text", "hi")
	assert.Equal(t, printer.CodeInvalidDevice, printer.CodeOf(err))
}

func TestStatus(t *testing.T) {
	p := escpostest.NewPrinter(t)
	p.SetStatus(printer.StatusCoverOpen)

	out, err := run(t, "status", "--ip", "127.0.0.1", "--lan-port", strconv.Itoa(p.Port()))
	require.NoError(t, err)
	assert.Contains(t, out, "cover-open")
}

func TestStatusUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
	l.Close()

	_, err = run(t, "status", "--ip", "127.0.0.1", "--lan-port", port)
	assert.Equal(t, printer.CodeTransportError, printer.CodeOf(err))
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("CLOUDPRINT_PRINTER_DITHER", "atkinson")
	_, err := run(t, "status", "--ip", "127.0.0.1")
	assert.ErrorContains(t, err, "printer.dither")
}

func TestReconnectingSender(t *testing.T) {
	p := escpostest.NewPrinter(t)
	d := &net.Dialer{}
	lan := adapter.NewLANTransport(adapter.LANConfig{
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return d.DialContext(ctx, network, p.Addr())
		},
	}, zap.NewNop())
	m := connection.NewManager(connection.Config{}, []connection.Dialer{lan})
	t.Cleanup(func() { m.Close() })

	dev, err := printer.NewLANDevice("192.168.1.50")
	require.NoError(t, err)
	s := &reconnectingSender{
		session: session.New(m, session.Config{}),
		manager: m,
		logger:  zap.NewNop(),
		device:  &dev,
	}

	res, err := s.SendRaw(context.Background(), []byte("first\n"))
	require.NoError(t, err)
	assert.Equal(t, session.Acked, res.State)
	assert.True(t, m.IsConnected(dev))

	// a lost connection is restored before the next job
	require.NoError(t, m.Disconnect())
	res, err = s.SendRaw(context.Background(), []byte("second\n"))
	require.NoError(t, err)
	assert.Equal(t, session.Acked, res.State)
	assert.Contains(t, string(p.Received()), "first\nsecond\n")
	assert.Equal(t, 2, p.Accepted())

	// without a named printer nothing is connected on its behalf
	require.NoError(t, m.Disconnect())
	s.device = nil
	_, err = s.SendRaw(context.Background(), []byte("third\n"))
	assert.Equal(t, printer.CodeNotConnected, printer.CodeOf(err))
}
