package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nixxel-company-limited/escpos-cloud-printer/discovery"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/spf13/cobra"
)

func discoverCmd(a *app) *cobra.Command {
	var (
		iface   string
		asJSON  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan one interface for printers",
		Long: `Scan Bluetooth, LAN or USB for printers and list them as they are found.

The scan ends after --timeout, or on Ctrl-C. A timeout of 0 scans until interrupted.`,
		Example: `  cloudprint discover --interface lan --timeout 5s
  cloudprint discover -i usb --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := printer.ParseKind(iface)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.Discovery.Timeout
			}

			rt, err := a.newComponents()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			snapshots, err := rt.engine.Discover(ctx, kind, timeout)
			if err != nil {
				return err
			}

			final, err := a.follow(snapshots, !asJSON)
			if ctx.Err() != nil {
				// interrupted: stop the scan and report what was found
				rt.engine.Stop()
				final = rt.engine.Current().Result()
			}
			if asJSON {
				return a.writeSnapshot(final)
			}
			if err != nil {
				return err
			}
			a.printf("%d printer(s) found on %s\n", len(final.Devices), kind)
			return nil
		},
	}

	cmd.Flags().StringVarP(&iface, "interface", "i", "lan", "interface to scan: bluetooth, lan or usb")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "scan duration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final device list as JSON")

	return cmd
}

// follow prints devices as they appear and returns the last snapshot
func (a *app) follow(snapshots <-chan discovery.Snapshot, live bool) (discovery.Snapshot, error) {
	var (
		last discovery.Snapshot
		seen = make(map[printer.Key]bool)
	)
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for snap := range snapshots {
		last = snap
		if !live {
			continue
		}
		for _, d := range snap.Devices {
			if seen[d.Key()] {
				continue
			}
			seen[d.Key()] = true
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.Interface, d.Address(), d.Name)
			w.Flush()
		}
	}
	return last, last.Err
}

func (a *app) writeSnapshot(s discovery.Snapshot) error {
	out := struct {
		Interface printer.Kind     `json:"interface"`
		Devices   []printer.Device `json:"devices"`
		Error     string           `json:"error,omitempty"`
	}{Interface: s.Interface, Devices: s.Devices}
	if out.Devices == nil {
		out.Devices = []printer.Device{}
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
