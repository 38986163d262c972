package cli

import (
	"fmt"

	"github.com/nixxel-company-limited/escpos-cloud-printer/adapter"
	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/discovery"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/metrics"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// components is the wired set of printer components
type components struct {
	registry *prometheus.Registry
	usb      *adapter.USBTransport
	engine   *discovery.Engine
	manager  *connection.Manager
	session  *session.Session
}

func (a *app) newComponents() (*components, error) {
	opts, err := a.cfg.EncoderOptions()
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.Config{Registry: registry})

	lan := adapter.NewLANTransport(a.cfg.LANTransport(), a.logger)
	bt := adapter.NewBluetoothTransport(a.cfg.BluetoothTransport(), a.logger)
	usb := adapter.NewUSBTransport(a.cfg.USBTransport(), a.logger)

	manager := connection.NewManager(a.cfg.Manager(),
		[]connection.Dialer{lan, bt, usb},
		connection.WithLogger(a.logger),
		connection.WithObserver(m))

	return &components{
		registry: registry,
		usb:      usb,
		engine: discovery.New([]discovery.Scanner{lan, bt, usb},
			discovery.WithLogger(a.logger),
			discovery.WithObserver(m)),
		manager: manager,
		session: session.New(manager, a.cfg.SessionSettings(),
			session.WithLogger(a.logger),
			session.WithObserver(m),
			session.WithEncoder(escpos.NewEncoder(opts...))),
	}, nil
}

func (r *components) Close() error {
	r.engine.Stop()
	err := r.manager.Close()
	r.usb.Close()
	return err
}

// target selects one printer from --ip, --usb or --bt
type target struct {
	ip    string
	usb   string
	bt    string
	force bool
}

func (t *target) register(cmd *cobra.Command, required bool) {
	flags := cmd.Flags()
	flags.StringVar(&t.ip, "ip", "", "IPv4 address of a LAN printer")
	flags.StringVar(&t.usb, "usb", "", "name of a USB printer as shown by discover")
	flags.StringVar(&t.bt, "bt", "", "address of a paired Bluetooth printer")
	flags.BoolVar(&t.force, "force", false, "tear down a stale session to the same printer first")

	cmd.MarkFlagsMutuallyExclusive("ip", "usb", "bt")
	if required {
		cmd.MarkFlagsOneRequired("ip", "usb", "bt")
	}
}

func (t *target) set() bool {
	return t.ip != "" || t.usb != "" || t.bt != ""
}

// device returns the printer the flags name
func (t *target) device() (printer.Device, error) {
	switch {
	case t.ip != "":
		return printer.NewLANDevice(t.ip)
	case t.usb != "":
		return printer.Device{Interface: printer.USB, Name: t.usb, USBName: t.usb}, nil
	case t.bt != "":
		return printer.Device{Interface: printer.Bluetooth, Name: t.bt, UUID: t.bt}, nil
	}
	return printer.Device{}, fmt.Errorf("one of --ip, --usb or --bt is required")
}

func (t *target) options() connection.Options {
	return connection.Options{Force: t.force}
}
