// Package config loads settings from defaults, an optional file, the
// environment and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/adapter"
	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, CLOUDPRINT_SERVER_ADDRESS and so on
const EnvPrefix = "CLOUDPRINT"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	LAN       LANConfig       `mapstructure:"lan"`
	Bluetooth BluetoothConfig `mapstructure:"bluetooth"`
	USB       USBConfig       `mapstructure:"usb"`
	Connect   ConnectConfig   `mapstructure:"connect"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Printer   PrinterConfig   `mapstructure:"printer"`
	Session   SessionConfig   `mapstructure:"session"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address    string `mapstructure:"address"`
	MaxJobSize int64  `mapstructure:"max_job_size"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type LANConfig struct {
	Port          int           `mapstructure:"port"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	Subnets       []string      `mapstructure:"subnets"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Concurrency   int           `mapstructure:"concurrency"`
}

type BluetoothConfig struct {
	Channel  int `mapstructure:"channel"`
	BaudRate int `mapstructure:"baud_rate"`
}

type USBConfig struct {
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
}

type ConnectConfig struct {
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type DiscoveryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type PrinterConfig struct {
	MaxDots  int    `mapstructure:"max_dots"`
	CodePage string `mapstructure:"code_page"`
	Dither   string `mapstructure:"dither"`
}

type SessionConfig struct {
	ChunkSize     int           `mapstructure:"chunk_size"`
	StatusTimeout time.Duration `mapstructure:"status_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// New returns a viper instance with defaults set and the environment bound
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// unprefixed name kept for existing deployments
	v.BindEnv("server.address", EnvPrefix+"_SERVER_ADDRESS", "SERVER_ADDRESS")
	return v
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "localhost:9100")
	v.SetDefault("server.max_job_size", 16<<20)
	v.SetDefault("http.address", "localhost:8080")

	v.SetDefault("lan.port", adapter.DefaultLANPort)
	v.SetDefault("lan.dial_timeout", 3*time.Second)
	v.SetDefault("lan.probe_timeout", 300*time.Millisecond)
	v.SetDefault("lan.subnets", []string{})
	v.SetDefault("lan.sweep_interval", 10*time.Second)
	v.SetDefault("lan.concurrency", 64)

	v.SetDefault("bluetooth.channel", adapter.DefaultRFCOMMChannel)
	v.SetDefault("bluetooth.baud_rate", 115200)

	v.SetDefault("usb.rescan_interval", 2*time.Second)

	v.SetDefault("connect.probe_timeout", connection.DefaultProbeTimeout)
	v.SetDefault("connect.heartbeat_interval", time.Duration(0))

	v.SetDefault("discovery.timeout", 10*time.Second)

	v.SetDefault("printer.max_dots", escpos.DefaultMaxDots)
	v.SetDefault("printer.code_page", "cp437")
	v.SetDefault("printer.dither", string(escpos.DitherFloydSteinberg))

	v.SetDefault("session.chunk_size", session.DefaultChunkSize)
	v.SetDefault("session.status_timeout", session.DefaultStatusTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the config file, if one is given, and decodes every setting
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail late
func (c *Config) Validate() error {
	var errs []error

	if c.LAN.Port <= 0 || c.LAN.Port > 65535 {
		errs = append(errs, fmt.Errorf("lan.port %d out of range", c.LAN.Port))
	}
	if _, err := c.Subnets(); err != nil {
		errs = append(errs, err)
	}
	if c.Printer.MaxDots <= 0 {
		errs = append(errs, fmt.Errorf("printer.max_dots must be positive"))
	}
	if _, err := escpos.LookupCodePage(c.Printer.CodePage); err != nil {
		errs = append(errs, fmt.Errorf("printer.code_page: %w", err))
	}
	if _, err := escpos.ParseDither(c.Printer.Dither); err != nil {
		errs = append(errs, fmt.Errorf("printer.dither: %w", err))
	}
	if c.Server.MaxJobSize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_job_size must be positive"))
	}
	return errors.Join(errs...)
}

// Subnets parses lan.subnets
func (c *Config) Subnets() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range c.LAN.Subnets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("lan.subnets: %w", err)
		}
		if _, err := adapter.Hosts(p); err != nil {
			return nil, fmt.Errorf("lan.subnets: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// EncoderOptions returns the encoder settings for the configured printer
func (c *Config) EncoderOptions() ([]escpos.Option, error) {
	cp, err := escpos.LookupCodePage(c.Printer.CodePage)
	if err != nil {
		return nil, err
	}
	dither, err := escpos.ParseDither(c.Printer.Dither)
	if err != nil {
		return nil, err
	}
	return []escpos.Option{
		escpos.WithMaxDots(c.Printer.MaxDots),
		escpos.WithCodePage(cp),
		escpos.WithDither(dither),
	}, nil
}

// LANTransport returns the LAN transport settings
func (c *Config) LANTransport() adapter.LANConfig {
	subnets, _ := c.Subnets()
	return adapter.LANConfig{
		Port:          c.LAN.Port,
		DialTimeout:   c.LAN.DialTimeout,
		ProbeTimeout:  c.LAN.ProbeTimeout,
		Subnets:       subnets,
		SweepInterval: c.LAN.SweepInterval,
		Concurrency:   c.LAN.Concurrency,
	}
}

// BluetoothTransport returns the Bluetooth transport settings
func (c *Config) BluetoothTransport() adapter.BluetoothConfig {
	return adapter.BluetoothConfig{Channel: c.Bluetooth.Channel, BaudRate: c.Bluetooth.BaudRate}
}

// USBTransport returns the USB transport settings
func (c *Config) USBTransport() adapter.USBConfig {
	return adapter.USBConfig{RescanInterval: c.USB.RescanInterval}
}

// Manager returns the connection manager settings
func (c *Config) Manager() connection.Config {
	return connection.Config{
		ProbeTimeout:      c.Connect.ProbeTimeout,
		HeartbeatInterval: c.Connect.HeartbeatInterval,
	}
}

// SessionSettings returns the session settings
func (c *Config) SessionSettings() session.Config {
	return session.Config{
		ChunkSize:     c.Session.ChunkSize,
		StatusTimeout: c.Session.StatusTimeout,
	}
}
