package cli

import (
	"github.com/spf13/cobra"
)

func statusCmd(a *app) *cobra.Command {
	var t target

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Connect to a printer and report its condition",
		Example: `  cloudprint status --ip 192.168.1.50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := t.device()
			if err != nil {
				return err
			}

			rt, err := a.newComponents()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			if err := rt.manager.Connect(ctx, dev, t.options()); err != nil {
				return err
			}
			status, err := rt.session.DeviceState(ctx)
			if err != nil {
				return err
			}
			a.printf("%s: %s\n", dev, status)
			return nil
		},
	}

	t.register(cmd, true)
	return cmd
}
