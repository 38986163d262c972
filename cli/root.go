// Package cli implements the cloudprint command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/nixxel-company-limited/escpos-cloud-printer/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// app carries what every command needs once flags are parsed
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	out     io.Writer
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	a := &app{v: config.New(), out: os.Stdout}

	rootCmd := &cobra.Command{
		Use:   "cloudprint",
		Short: "Discover, connect and print to ESC/POS receipt printers",
		Long: `cloudprint finds ESC/POS printers over Bluetooth, LAN and USB,
keeps one of them connected and sends print jobs to it.

Settings come from flags, CLOUDPRINT_* environment variables and an
optional config file, in that order of priority.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.Bool("log-dev", false, "human friendly development logging")
	flags.Int("lan-port", 9100, "TCP port of LAN printers")
	a.bind(flags, "log.level", "log-level")
	a.bind(flags, "log.development", "log-dev")
	a.bind(flags, "lan.port", "lan-port")

	rootCmd.AddCommand(
		discoverCmd(a),
		printCmd(a),
		statusCmd(a),
		serveCmd(a),
		versionCmd(),
	)
	return rootCmd
}

// bind ties a flag to a config key so that it wins over file and environment
func (a *app) bind(flags *pflag.FlagSet, key, name string) {
	if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
