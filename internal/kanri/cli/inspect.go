package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/internal/kanri/observability"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

type statusRow struct {
	Profile string        `json:"profile"`
	Target  string        `json:"target"`
	Port    int           `json:"port"`
	Status  target.Status `json:"status"`
}

func newStatusCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status [profile]",
		Short: "Show the platform-derived state of one or every deployment",
		Long: `Status asks each platform for the instance's current state and records
the answer. Unreachable platforms report not-installed with a detail.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := e.openStore()
			if err != nil {
				return err
			}
			var deployments []*store.Deployment
			if len(args) == 1 {
				d, err := s.GetDeployment(ctx, args[0])
				if errors.Is(err, store.ErrNotFound) {
					return notRecorded(args[0])
				}
				if err != nil {
					return err
				}
				deployments = []*store.Deployment{d}
			} else if deployments, err = s.ListDeployments(ctx); err != nil {
				return err
			}

			rows := make([]statusRow, 0, len(deployments))
			for _, d := range deployments {
				rows = append(rows, e.status(ctx, s, d))
			}
			return e.output(cmd, rows, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PROFILE\tTARGET\tPORT\tSTATE\tPID\tDETAIL")
				for _, r := range rows {
					pid := "-"
					if r.Status.PID > 0 {
						pid = fmt.Sprint(r.Status.PID)
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", r.Profile, r.Target, r.Port, r.Status.State, pid, r.Status.Detail)
				}
				return tw.Flush()
			})
		},
	}
}

// status derives one deployment's state and stores it. A target that
// cannot be built reports not-installed, like any other query failure.
func (e *env) status(ctx context.Context, s *store.Store, d *store.Deployment) statusRow {
	row := statusRow{Profile: d.Profile, Target: string(d.TargetType), Port: d.Port}
	t, err := e.factory.New(ctx, d.Manifest, d.Binding())
	if err != nil {
		row.Status = target.NotInstalled(err.Error())
	} else {
		row.Status = t.Status(ctx)
	}
	if err := s.RecordStatus(ctx, d.Profile, row.Status, time.Now()); err != nil {
		observability.WithTrace(ctx).Warn("status not recorded", "profile", d.Profile, "err", err)
	}
	e.metrics.SetInstanceState(d.Profile, row.Target, string(row.Status.State))
	return row
}

// followInterval is how often logs --follow polls for new lines.
var followInterval = 2 * time.Second

func newLogsCommand(e *env) *cobra.Command {
	var (
		lines  int
		since  time.Duration
		filter string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs <profile>",
		Short: "Print recent instance log lines",
		Example: `  kanri logs demo --lines 50
  kanri logs demo --since 1h --filter ERROR
  kanri logs demo --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, t, err := e.deployment(ctx, args[0])
			if err != nil {
				return err
			}
			opts := target.LogOptions{Lines: lines, Filter: filter, Follow: follow}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}
			out := t.Logs(ctx, opts)
			if err := e.output(cmd, out, func(w io.Writer) error { return printLines(w, out) }); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followLogs(ctx, cmd.OutOrStdout(), t, opts, out)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", target.DefaultLogLines, "maximum number of lines")
	cmd.Flags().DurationVar(&since, "since", 0, "only lines newer than this age, e.g. 30m")
	cmd.Flags().StringVar(&filter, "filter", "", "only lines containing this text")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new lines")

	return cmd
}

func printLines(w io.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// followLogs polls the bounded window and prints the lines that follow the
// last one already printed.
func followLogs(ctx context.Context, w io.Writer, t target.Target, opts target.LogOptions, printed []string) error {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		window := t.Logs(ctx, opts)
		fresh := newLines(printed, window)
		if err := printLines(w, fresh); err != nil {
			return err
		}
		if len(window) > 0 {
			printed = window
		}
	}
}

// newLines returns the suffix of window after the longest overlap between
// the end of prev and the start of window.
func newLines(prev, window []string) []string {
	for n := min(len(prev), len(window)); n > 0; n-- {
		if slices.Equal(prev[len(prev)-n:], window[:n]) {
			return window[n:]
		}
	}
	return window
}

type endpointView struct {
	target.Endpoint
	Console string `json:"console,omitempty"`
}

// consoleLinker is implemented by targets that can link to a vendor log
// console.
type consoleLinker interface {
	ConsoleURL() string
}

func newEndpointCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoint <profile>",
		Short: "Print where the instance's gateway listens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, t, err := e.deployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			v := endpointView{Endpoint: t.Endpoint()}
			if i, ok := t.(*target.Instrumented); ok {
				if c, ok := i.Unwrap().(consoleLinker); ok {
					v.Console = c.ConsoleURL()
				}
			}
			return e.output(cmd, v, func(w io.Writer) error {
				fmt.Fprintf(w, "%s://%s:%d\n", v.Protocol, v.Host, v.Port)
				if v.Console != "" {
					fmt.Fprintf(w, "logs: %s\n", v.Console)
				}
				return nil
			})
		},
	}
}

type operationView struct {
	Time     time.Time `json:"time"`
	TraceID  string    `json:"traceId"`
	Profile  string    `json:"profile"`
	Target   string    `json:"target"`
	Op       string    `json:"op"`
	Result   string    `json:"result"`
	Kind     string    `json:"kind,omitempty"`
	Message  string    `json:"message,omitempty"`
	Duration string    `json:"duration"`
}

func newHistoryCommand(e *env) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [profile]",
		Short: "List recorded lifecycle operations, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.openStore()
			if err != nil {
				return err
			}
			profile := ""
			if len(args) == 1 {
				profile = args[0]
			}
			ops, err := s.ListOperations(cmd.Context(), profile, limit)
			if err != nil {
				return err
			}
			views := make([]operationView, 0, len(ops))
			for _, o := range ops {
				views = append(views, operationView{
					Time:     o.Timestamp,
					TraceID:  o.TraceID,
					Profile:  o.Profile,
					Target:   o.TargetType,
					Op:       o.Op,
					Result:   o.Result,
					Kind:     o.Kind.String,
					Message:  o.Message.String,
					Duration: o.Duration.String(),
				})
			}
			return e.output(cmd, views, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tPROFILE\tOP\tRESULT\tDURATION\tMESSAGE")
				for _, v := range views {
					msg := v.Message
					if v.Kind != "" {
						msg = "[" + v.Kind + "] " + msg
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						v.Time.Local().Format(time.DateTime), v.Profile, v.Op, v.Result, v.Duration, msg)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of operations")
	return cmd
}

func newTargetsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "Describe the supported target types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []target.Metadata
			for _, t := range e.factory.Types() {
				if md, ok := target.MetadataFor(t); ok {
					list = append(list, md)
				}
			}
			return e.output(cmd, list, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tNAME\tSETUP\tDESCRIPTION")
				for _, md := range list {
					fmt.Fprintf(tw, "%s\t%s\t~%ds\t%s\n", md.Type, md.DisplayName, md.EstimatedDurationSec(), md.Description)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				for _, md := range list {
					var creds []string
					for _, c := range md.Credentials {
						creds = append(creds, c.Name)
					}
					if len(creds) > 0 {
						fmt.Fprintf(w, "%s needs: %s\n", md.Type, strings.Join(creds, ", "))
					}
				}
				return nil
			})
		},
	}
}
