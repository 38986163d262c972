package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"go.bug.st/serial"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// DefaultRFCOMMChannel is the serial port profile channel most printers listen on
const DefaultRFCOMMChannel = 1

// Longest single blocking read on a serial port, so a cancelled context is noticed
const serialReadStep = 250 * time.Millisecond

// SerialPort is the part of a serial port the Bluetooth adapter uses
type SerialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// BluetoothConfig configures the Bluetooth transport
type BluetoothConfig struct {
	// Channel is the RFCOMM channel, DefaultRFCOMMChannel when zero
	Channel int

	// BaudRate of the RFCOMM tty
	BaudRate int

	// Paired lists bonded devices. Defaults to asking bluetoothctl.
	Paired func(ctx context.Context) ([]printer.Device, error)

	// Bind returns the tty bound to mac on channel, binding one if needed. Defaults to rfcomm.
	Bind func(ctx context.Context, mac string, channel int) (string, error)

	// OpenPort opens the tty. Defaults to go.bug.st/serial.
	OpenPort func(path string, baud int) (SerialPort, error)

	// Radio is the BLE adapter used for scanning, bluetooth.DefaultAdapter when nil.
	// Scanning is skipped when DisableRadio is set.
	Radio        *bluetooth.Adapter
	DisableRadio bool
}

// BluetoothTransport reaches paired printers through an RFCOMM serial channel
type BluetoothTransport struct {
	cfg    BluetoothConfig
	logger *zap.Logger

	enableOnce sync.Once
	enableErr  error
}

// NewBluetoothTransport creates a Bluetooth transport
func NewBluetoothTransport(cfg BluetoothConfig, logger *zap.Logger) *BluetoothTransport {
	if cfg.Channel <= 0 {
		cfg.Channel = DefaultRFCOMMChannel
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Paired == nil {
		cfg.Paired = bluetoothctlPaired
	}
	if cfg.Bind == nil {
		cfg.Bind = rfcommBind
	}
	if cfg.OpenPort == nil {
		cfg.OpenPort = openSerialPort
	}
	if cfg.Radio == nil && !cfg.DisableRadio {
		cfg.Radio = bluetooth.DefaultAdapter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BluetoothTransport{cfg: cfg, logger: logger.Named("bluetooth")}
}

// Kind returns printer.Bluetooth
func (t *BluetoothTransport) Kind() printer.Kind {
	return printer.Bluetooth
}

// Available fails when the host has no usable Bluetooth radio
func (t *BluetoothTransport) Available() error {
	if t.cfg.DisableRadio {
		return nil
	}
	t.enableOnce.Do(func() {
		t.enableErr = t.cfg.Radio.Enable()
	})
	if t.enableErr != nil {
		return fmt.Errorf("bluetooth radio: %w", t.enableErr)
	}
	return nil
}

// Scan reports the bonded devices first, then printers advertising nearby until ctx is done
func (t *BluetoothTransport) Scan(ctx context.Context, found func(printer.Device)) error {
	paired, err := t.cfg.Paired(ctx)
	if err != nil {
		t.logger.Warn("listing paired devices failed", zap.Error(err))
	}
	for _, dev := range paired {
		found(dev)
	}

	if t.cfg.DisableRadio {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := t.Available(); err != nil {
		return err
	}

	radio := t.cfg.Radio
	stop := context.AfterFunc(ctx, func() {
		if err := radio.StopScan(); err != nil {
			t.logger.Debug("stop scan", zap.Error(err))
		}
	})
	defer stop()

	err = radio.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if name == "" {
			return
		}
		found(printer.Device{
			Interface: printer.Bluetooth,
			Name:      name,
			UUID:      strings.ToUpper(result.Address.String()),
		})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Dial binds an RFCOMM tty to a paired printer and opens it
func (t *BluetoothTransport) Dial(ctx context.Context, dev printer.Device, _ DialOptions) (Adapter, error) {
	if dev.Interface != printer.Bluetooth {
		return nil, printer.NewError(printer.CodeInvalidDevice, "dial bluetooth", fmt.Sprintf("%s is not a Bluetooth printer", dev), nil)
	}
	mac := strings.ToUpper(dev.UUID)

	paired, err := t.cfg.Paired(ctx)
	if err != nil {
		return nil, printer.NewError(printer.CodeTransportError, "dial bluetooth", "listing paired devices", err)
	}
	bonded := false
	for _, p := range paired {
		if strings.EqualFold(p.UUID, mac) {
			bonded = true
			break
		}
	}
	if !bonded {
		return nil, printer.NewError(printer.CodeTransportError, "dial bluetooth", mac+" is not paired", nil)
	}

	path, err := t.cfg.Bind(ctx, mac, t.cfg.Channel)
	if err != nil {
		return nil, printer.NewError(printer.CodeTransportError, "dial bluetooth", "rfcomm bind", err)
	}

	port, err := t.cfg.OpenPort(path, t.cfg.BaudRate)
	if err != nil {
		return nil, printer.NewError(printer.CodeTransportError, "dial bluetooth", path, err)
	}

	t.logger.Info("channel opened", zap.String("mac", mac), zap.String("tty", path))
	return NewSerialAdapter(port, t.logger.With(zap.String("mac", mac))), nil
}

func openSerialPort(path string, baud int) (SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}

var pairedLine = regexp.MustCompile(`^Device ([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5}) ?(.*)$`)

// ParsePairedDevices parses `bluetoothctl devices Paired` output
func ParsePairedDevices(out []byte) []printer.Device {
	var devices []printer.Device
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := pairedLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		mac := strings.ToUpper(m[1])
		name := strings.TrimSpace(m[2])
		if name == "" {
			name = mac
		}
		devices = append(devices, printer.Device{Interface: printer.Bluetooth, Name: name, UUID: mac})
	}
	return devices
}

func bluetoothctlPaired(ctx context.Context) ([]printer.Device, error) {
	out, err := exec.CommandContext(ctx, "bluetoothctl", "devices", "Paired").Output()
	if err != nil {
		return nil, fmt.Errorf("bluetoothctl: %w", err)
	}
	return ParsePairedDevices(out), nil
}

var rfcommLine = regexp.MustCompile(`^rfcomm(\d+): ([0-9A-Fa-f:]{17}) channel (\d+)`)

// ParseRFCOMMBindings maps "MAC/channel" to the /dev/rfcommN bound to it, from `rfcomm -a` output
func ParseRFCOMMBindings(out []byte) map[string]string {
	bindings := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := rfcommLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		bindings[strings.ToUpper(m[2])+"/"+m[3]] = "/dev/rfcomm" + m[1]
	}
	return bindings
}

func rfcommBind(ctx context.Context, mac string, channel int) (string, error) {
	out, err := exec.CommandContext(ctx, "rfcomm", "-a").Output()
	if err != nil {
		return "", fmt.Errorf("rfcomm -a: %w", err)
	}
	bindings := ParseRFCOMMBindings(out)
	if path, ok := bindings[mac+"/"+strconv.Itoa(channel)]; ok {
		return path, nil
	}

	// first free device number
	n := 0
	for {
		if !containsValue(bindings, "/dev/rfcomm"+strconv.Itoa(n)) {
			break
		}
		n++
	}
	cmd := exec.CommandContext(ctx, "rfcomm", "bind", strconv.Itoa(n), mac, strconv.Itoa(channel))
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("rfcomm bind: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return "/dev/rfcomm" + strconv.Itoa(n), nil
}

func containsValue(m map[string]string, v string) bool {
	for _, s := range m {
		if s == v {
			return true
		}
	}
	return false
}

// SerialAdapter is an Adapter over a serial port
type SerialAdapter struct {
	*lifecycle

	port   SerialPort
	logger *zap.Logger
	wmu    sync.Mutex
	rmu    sync.Mutex
}

// NewSerialAdapter wraps an open serial port
func NewSerialAdapter(port SerialPort, logger *zap.Logger) *SerialAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialAdapter{lifecycle: newLifecycle(), port: port, logger: logger}
}

// Write sends data to the printer
func (a *SerialAdapter) Write(data []byte) (int, error) {
	if !a.open() {
		return 0, ErrNotOpen
	}

	a.wmu.Lock()
	defer a.wmu.Unlock()

	n, err := a.port.Write(data)
	if err != nil {
		a.lost(err)
		return n, fmt.Errorf("write failed: %w", err)
	}
	return n, nil
}

// Read reads from the printer until ctx is done. The port is polled in short
// steps because a serial read cannot be interrupted.
func (a *SerialAdapter) Read(ctx context.Context, buf []byte) (int, error) {
	a.rmu.Lock()
	defer a.rmu.Unlock()

	for {
		if !a.open() {
			return 0, ErrNotOpen
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		step := serialReadStep
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < step {
				step = left
			}
		}
		if step <= 0 {
			return 0, context.DeadlineExceeded
		}
		if err := a.port.SetReadTimeout(step); err != nil {
			return 0, fmt.Errorf("set read timeout: %w", err)
		}

		n, err := a.port.Read(buf)
		if err != nil {
			a.lost(err)
			return n, fmt.Errorf("read failed: %w", err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Close closes the port
func (a *SerialAdapter) Close() error {
	if !a.end(nil) {
		return nil
	}
	return a.port.Close()
}

// IsOpen returns whether the port is open
func (a *SerialAdapter) IsOpen() bool {
	return a.open()
}

// Done is closed when the port is closed or lost
func (a *SerialAdapter) Done() <-chan struct{} {
	return a.done
}

func (a *SerialAdapter) lost(cause error) {
	if a.end(cause) {
		a.logger.Warn("connection lost", zap.Error(cause))
		a.port.Close()
	}
}
