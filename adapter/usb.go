package adapter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"go.uber.org/zap"
)

// Interface class codes
// Reference: http://www.usb.org/developers/defined_class
const (
	IfaceClassAudio   = 0x01
	IfaceClassHID     = 0x03
	IfaceClassPrinter = 0x07
	IfaceClassHub     = 0x09
)

// USBConfig configures the USB transport
type USBConfig struct {
	// RescanInterval is the pause between enumerations while scanning. Zero enumerates once.
	RescanInterval time.Duration
}

// USBTransport reaches printer-class USB devices through libusb
type USBTransport struct {
	cfg    USBConfig
	logger *zap.Logger

	mu  sync.Mutex
	ctx *gousb.Context
}

// NewUSBTransport creates a USB transport. libusb is initialised on first use.
func NewUSBTransport(cfg USBConfig, logger *zap.Logger) *USBTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &USBTransport{cfg: cfg, logger: logger.Named("usb")}
}

// Kind returns printer.USB
func (t *USBTransport) Kind() printer.Kind {
	return printer.USB
}

// Available fails when libusb cannot be initialised
func (t *USBTransport) Available() error {
	_, err := t.context()
	return err
}

func (t *USBTransport) context() (*gousb.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx != nil {
		return t.ctx, nil
	}
	ctx, err := newUSBContext()
	if err != nil {
		return nil, err
	}
	t.ctx = ctx
	return ctx, nil
}

// gousb panics when libusb fails to initialise
func newUSBContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("libusb init: %v", r)
		}
	}()
	return gousb.NewContext(), nil
}

// Close releases libusb
func (t *USBTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx == nil {
		return nil
	}
	err := t.ctx.Close()
	t.ctx = nil
	return err
}

// Scan enumerates printer-class devices, repeating every RescanInterval until ctx is done
func (t *USBTransport) Scan(ctx context.Context, found func(printer.Device)) error {
	usb, err := t.context()
	if err != nil {
		return err
	}

	for {
		for _, dev := range FindPrinters(usb, t.logger) {
			found(Describe(dev))
			dev.Close()
		}

		if t.cfg.RescanInterval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.RescanInterval):
		}
	}
}

// Dial opens the printer whose USB name matches dev and claims its printer interface
func (t *USBTransport) Dial(_ context.Context, dev printer.Device, _ DialOptions) (Adapter, error) {
	if dev.Interface != printer.USB {
		return nil, printer.NewError(printer.CodeInvalidDevice, "dial usb", fmt.Sprintf("%s is not a USB printer", dev), nil)
	}
	usb, err := t.context()
	if err != nil {
		return nil, printer.NewError(printer.CodeUnsupportedInterface, "dial usb", "", err)
	}

	var match *gousb.Device
	for _, d := range FindPrinters(usb, t.logger) {
		if match == nil && Describe(d).USBName == dev.USBName {
			match = d
			continue
		}
		d.Close()
	}
	if match == nil {
		return nil, printer.NewError(printer.CodeTransportError, "dial usb", "cannot find printer "+dev.USBName, nil)
	}

	a, err := openUSB(match, t.logger.With(zap.String("usbName", dev.USBName)))
	if err != nil {
		match.Close()
		return nil, printer.NewError(printer.CodeTransportError, "dial usb", dev.USBName, err)
	}
	t.logger.Info("interface claimed", zap.String("usbName", dev.USBName))
	return a, nil
}

// Describe builds the device record for a USB printer.
// The USB name is the product string, or vid:pid when the device has none.
func Describe(dev *gousb.Device) printer.Device {
	id := fmt.Sprintf("%s:%s", dev.Desc.Vendor, dev.Desc.Product)

	usbName := id
	if product, err := dev.Product(); err == nil && strings.TrimSpace(product) != "" {
		usbName = strings.TrimSpace(product)
	}

	name := usbName
	if maker, err := dev.Manufacturer(); err == nil && strings.TrimSpace(maker) != "" {
		name = strings.TrimSpace(maker) + " " + usbName
	}
	return printer.Device{Interface: printer.USB, Name: name, USBName: usbName}
}

// IsPrinter checks if a device is a printer
func IsPrinter(dev *gousb.Device) bool {
	_, ok := printerInterface(dev)
	return ok
}

func printerInterface(dev *gousb.Device) (int, bool) {
	if dev == nil {
		return 0, false
	}

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return 0, false
	}
	desc, ok := dev.Desc.Configs[cfgNum]
	if !ok {
		return 0, false
	}

	for _, iface := range desc.Interfaces {
		for _, alt := range iface.AltSettings {
			if alt.Class == IfaceClassPrinter {
				return iface.Number, true
			}
		}
	}
	return 0, false
}

// FindPrinters returns all USB printer devices. The caller closes them.
func FindPrinters(ctx *gousb.Context, logger *zap.Logger) []*gousb.Device {
	var printers []*gousb.Device

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true // check all devices
	})
	if err != nil && logger != nil {
		// devices that failed to open are skipped, the rest are still returned
		logger.Debug("open devices", zap.Error(err))
	}

	for _, dev := range devices {
		if IsPrinter(dev) {
			printers = append(printers, dev)
		} else {
			dev.Close()
		}
	}
	return printers
}

// USBAdapter is an Adapter over a claimed USB printer interface
type USBAdapter struct {
	*lifecycle

	device      *gousb.Device
	config      *gousb.Config
	iface       *gousb.Interface
	outEndpoint *gousb.OutEndpoint
	inEndpoint  *gousb.InEndpoint
	logger      *zap.Logger
	wmu         sync.Mutex
}

func openUSB(device *gousb.Device, logger *zap.Logger) (*USBAdapter, error) {
	// Set auto-detach kernel driver on Linux
	if runtime.GOOS == "linux" {
		device.SetAutoDetach(true)
	}

	ifaceNum, ok := printerInterface(device)
	if !ok {
		return nil, errors.New("no printer interface found")
	}

	cfgNum, err := device.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get active config: %w", err)
	}
	cfg, err := device.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	iface, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("failed to claim interface: %w", err)
	}

	a := &USBAdapter{
		lifecycle: newLifecycle(),
		device:    device,
		config:    cfg,
		iface:     iface,
		logger:    logger,
	}

	for _, epDesc := range iface.Setting.Endpoints {
		if epDesc.Direction == gousb.EndpointDirectionOut && a.outEndpoint == nil {
			if ep, err := iface.OutEndpoint(epDesc.Number); err == nil {
				a.outEndpoint = ep
			}
		}
		if epDesc.Direction == gousb.EndpointDirectionIn && a.inEndpoint == nil {
			if ep, err := iface.InEndpoint(epDesc.Number); err == nil {
				a.inEndpoint = ep
			}
		}
	}

	if a.outEndpoint == nil {
		iface.Close()
		cfg.Close()
		return nil, ErrNoOutEndpoint
	}
	return a, nil
}

// Write sends data to the printer
func (a *USBAdapter) Write(data []byte) (int, error) {
	if !a.open() {
		return 0, ErrNotOpen
	}

	a.wmu.Lock()
	defer a.wmu.Unlock()

	n, err := a.outEndpoint.Write(data)
	if err != nil {
		if errors.Is(err, gousb.ErrorNoDevice) {
			a.lost(err)
		}
		return n, fmt.Errorf("write failed: %w", err)
	}
	return n, nil
}

// Read reads from the printer until ctx is done
func (a *USBAdapter) Read(ctx context.Context, buf []byte) (int, error) {
	if !a.open() {
		return 0, ErrNotOpen
	}
	if a.inEndpoint == nil {
		return 0, ErrNoInEndpoint
	}

	n, err := a.inEndpoint.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if errors.Is(err, gousb.ErrorNoDevice) {
			a.lost(err)
		}
		return n, fmt.Errorf("read failed: %w", err)
	}
	return n, nil
}

// Close releases the interface and closes the device
func (a *USBAdapter) Close() error {
	if !a.end(nil) {
		return nil
	}
	return a.release()
}

// IsOpen returns whether the device is open
func (a *USBAdapter) IsOpen() bool {
	return a.open()
}

// Done is closed when the device is closed or unplugged
func (a *USBAdapter) Done() <-chan struct{} {
	return a.done
}

func (a *USBAdapter) lost(cause error) {
	if a.end(cause) {
		a.logger.Warn("device lost", zap.Error(cause))
		a.release()
	}
}

func (a *USBAdapter) release() error {
	var errs []error

	a.iface.Close()
	if err := a.config.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.device.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}
