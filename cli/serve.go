package cli

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/httpapi"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/nixxel-company-limited/escpos-cloud-printer/server"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd(a *app) *cobra.Command {
	var (
		t      target
		noHTTP bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept raw print jobs over TCP and serve the HTTP API",
		Long: `Listen for raw ESC/POS jobs on server.address and forward each one to the
connected printer. The HTTP API on http.address discovers, connects and prints.

With --ip, --usb or --bt the printer is connected at startup and reconnected
before the next job whenever the connection has been lost.`,
		Example: `  cloudprint serve --ip 192.168.1.50
  CLOUDPRINT_SERVER_ADDRESS=0.0.0.0:9100 cloudprint serve --usb "EPSON TM-T20"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.newComponents()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sender := &reconnectingSender{
				session: rt.session,
				manager: rt.manager,
				logger:  a.logger.Named("serve"),
			}
			if t.set() {
				dev, err := t.device()
				if err != nil {
					return err
				}
				sender.device, sender.opts = &dev, t.options()
				if err := rt.manager.Connect(ctx, dev, sender.opts); err != nil {
					// jobs retry the connection, so a printer that is off now is not fatal
					a.logger.Warn("printer not reachable at startup", zap.Stringer("device", dev), zap.Error(err))
				}
			}

			return a.serve(ctx, rt, sender, noHTTP)
		},
	}

	t.register(cmd, false)
	flags := cmd.Flags()
	flags.String("listen", "localhost:9100", "address for raw print jobs")
	flags.String("http", "localhost:8080", "address for the HTTP API")
	flags.BoolVar(&noHTTP, "no-http", false, "do not serve the HTTP API")
	a.bind(flags, "server.address", "listen")
	a.bind(flags, "http.address", "http")

	return cmd
}

func (a *app) serve(ctx context.Context, rt *components, sender server.Sender, noHTTP bool) error {
	raw := server.NewWithLogger(sender, a.cfg.Server.Address, a.logger)
	raw.MaxJobSize = a.cfg.Server.MaxJobSize
	raw.OnFailure = func(res session.Result, err error) {
		if res.State == session.SendFailed {
			rt.manager.Disconnect()
		}
	}
	if err := raw.StartAsync(); err != nil {
		return err
	}
	defer raw.Stop()

	if noHTTP {
		<-ctx.Done()
		return nil
	}

	api := httpapi.New(httpapi.Config{
		Engine:           rt.engine,
		Manager:          rt.manager,
		Session:          rt.session,
		Gatherer:         rt.registry,
		DiscoveryTimeout: a.cfg.Discovery.Timeout,
		Logger:           a.logger,
	})
	return api.ListenAndServe(ctx, a.cfg.HTTP.Address)
}

// reconnectingSender connects the configured printer before a job when the
// connection is down
type reconnectingSender struct {
	session *session.Session
	manager *connection.Manager
	logger  *zap.Logger

	// device is nil when no printer was named on the command line
	device *printer.Device
	opts   connection.Options

	mu sync.Mutex
}

func (s *reconnectingSender) SendRaw(ctx context.Context, data []byte) (session.Result, error) {
	if s.device != nil {
		if err := s.ensureConnected(ctx); err != nil {
			return session.Result{}, err
		}
	}
	return s.session.SendRaw(ctx, data)
}

func (s *reconnectingSender) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager.IsConnected(*s.device) {
		return nil
	}
	if _, ok := s.manager.Connected(); ok {
		// another printer was connected through the API, leave it alone
		return nil
	}

	s.logger.Info("reconnecting", zap.Stringer("device", *s.device))
	err := s.manager.Connect(ctx, *s.device, s.opts)
	if errors.Is(err, printer.ErrAlreadyConnected) {
		return nil
	}
	return err
}
