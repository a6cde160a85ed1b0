package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/common/version"
	"github.com/bdobrica/Kanri/internal/kanri/app"
	"github.com/bdobrica/Kanri/internal/kanri/monitor"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// resolver rebuilds the target of a recorded deployment.
func (e *env) resolver() monitor.Resolver {
	return func(ctx context.Context, d *store.Deployment) (target.Target, error) {
		return e.factory.New(ctx, d.Manifest, d.Binding())
	}
}

func newMonitorCommand(e *env) *cobra.Command {
	var (
		once bool
		addr string
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll every deployment and serve health and metrics",
		Long: `Monitor derives the status of every recorded deployment on an interval,
stores it and exports it as Prometheus metrics. Unexpected transitions
(to error, or out of running) are logged at warn.

The health server exposes /health, /status, /deployments and /metrics.`,
		Example: `  # Run until interrupted
  kanri monitor

  # One pass, printing the transitions it observed
  kanri monitor --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := e.openStore()
			if err != nil {
				return err
			}
			mon := monitor.New(s, e.resolver(), e.metrics, monitor.Config{
				Interval:    e.cfg.Monitor.Interval,
				Concurrency: e.cfg.Monitor.Concurrency,
				Timeout:     e.cfg.Monitor.Timeout,
			})

			if once {
				changes, err := mon.Poll(ctx)
				if err != nil {
					return err
				}
				return e.output(cmd, changes, func(w io.Writer) error {
					for _, c := range changes {
						fmt.Fprintf(w, "%s (%s): %s -> %s\n", c.Profile, c.Target, c.From, c.To)
					}
					return nil
				})
			}

			if addr == "" {
				addr = e.cfg.Server.Addr
			}
			hs := app.NewHealthServer(addr, s, e.metrics.Handler())
			if err := hs.Start(ctx); err != nil {
				return err
			}
			defer hs.Stop()

			mon.Run(ctx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().StringVar(&addr, "addr", "", "health server listen address (default from config)")

	return cmd
}

func newVersionCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Version needs no configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			b := version.Current()
			return e.output(cmd, b, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "kanri %s\n", b)
				return err
			})
		},
	}
}
