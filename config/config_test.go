package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/escpos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "localhost:9100", cfg.Server.Address)
	assert.Equal(t, "localhost:8080", cfg.HTTP.Address)
	assert.Equal(t, 9100, cfg.LAN.Port)
	assert.Equal(t, time.Second, cfg.Connect.ProbeTimeout)
	assert.Zero(t, cfg.Connect.HeartbeatInterval)
	assert.Equal(t, 384, cfg.Printer.MaxDots)
	assert.Equal(t, "cp437", cfg.Printer.CodePage)
	assert.Equal(t, string(escpos.DitherFloydSteinberg), cfg.Printer.Dither)

	opts, err := cfg.EncoderOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("CLOUDPRINT_SERVER_ADDRESS", "0.0.0.0:9200")
	t.Setenv("CLOUDPRINT_CONNECT_PROBE_TIMEOUT", "2500ms")
	t.Setenv("CLOUDPRINT_PRINTER_MAX_DOTS", "576")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9200", cfg.Server.Address)
	assert.Equal(t, 2500*time.Millisecond, cfg.Connect.ProbeTimeout)
	assert.Equal(t, 576, cfg.Printer.MaxDots)
	assert.Equal(t, 2500*time.Millisecond, cfg.Manager().ProbeTimeout)
}

func TestLegacyServerAddress(t *testing.T) {
	t.Setenv("SERVER_ADDRESS", "127.0.0.1:9101")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9101", cfg.Server.Address)
}

func TestConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cloudprint.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
lan:
  port: 9101
  subnets:
    - 192.168.1.0/24
    - 10.0.0.0/28
printer:
  code_page: cp858
  dither: bayer
`), 0o600))

	cfg, err := Load(New(), file)
	require.NoError(t, err)
	assert.Equal(t, 9101, cfg.LAN.Port)

	lan := cfg.LANTransport()
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("192.168.1.0/24"),
		netip.MustParsePrefix("10.0.0.0/28"),
	}, lan.Subnets)
	assert.Equal(t, 9101, lan.Port)

	_, err = Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, env := range map[string][2]string{
		"port":      {"CLOUDPRINT_LAN_PORT", "70000"},
		"subnet":    {"CLOUDPRINT_LAN_SUBNETS", "10.0.0.0/8"},
		"code page": {"CLOUDPRINT_PRINTER_CODE_PAGE", "utf-8"},
		"dither":    {"CLOUDPRINT_PRINTER_DITHER", "atkinson"},
		"max dots":  {"CLOUDPRINT_PRINTER_MAX_DOTS", "0"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load(New(), "")
			assert.Error(t, err)
		})
	}
}
