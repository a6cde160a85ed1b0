// Package cli implements the kanri command tree.
//
// Every lifecycle command reads the deployment record the install left in
// the store, rebuilds the target from it and records the call in the
// operations log, so separate invocations act on the same instance.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Kanri/common/environment"
	"github.com/bdobrica/Kanri/common/trace"
	"github.com/bdobrica/Kanri/common/version"
	"github.com/bdobrica/Kanri/internal/kanri/config"
	"github.com/bdobrica/Kanri/internal/kanri/observability"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// FactoryFunc builds the target factory for a resolved configuration.
type FactoryFunc func(ctx context.Context, cfg config.Config, metrics *observability.Metrics) *target.Factory

// Options customise the command tree. The zero value is the production
// setup.
type Options struct {
	// Home overrides the user's home directory.
	Home string
	// Lookup overrides os.LookupEnv for configuration.
	Lookup environment.LookupFunc
	// Factory overrides the target wiring.
	Factory FactoryFunc
	Stdout  io.Writer
	Stderr  io.Writer
}

// Execute runs the root command with args.
func Execute(ctx context.Context, args []string) error {
	cmd := NewRootCommand(Options{})
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// env carries the state shared by every subcommand of one invocation.
type env struct {
	opts Options

	// Global flags
	configPath string
	logLevel   string
	logFormat  string
	jsonOutput bool

	cfg     config.Config
	metrics *observability.Metrics
	factory *target.Factory
	store   *store.Store
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Factory == nil {
		opts.Factory = NewFactory
	}
	e := &env{opts: opts}

	rootCmd := &cobra.Command{
		Use:   "kanri",
		Short: "Kanri - deploy and operate bot instances across platforms",
		Long: `Kanri installs one bot instance per profile on a deployment target and
manages it from then on.

Targets:
  - local        user service (systemd or launchd)
  - docker       container on the local Docker Engine
  - kubernetes   Deployment, Service and ConfigMap via kubectl
  - remote-vm    containers on a host reached over SSH
  - aws-ec2      EC2 instance with Secrets Manager and CloudWatch Logs
  - gcp-gce      Compute Engine instance with Secret Manager and Cloud Logging`,
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return e.close()
		},
	}
	if opts.Stdout != nil {
		rootCmd.SetOut(opts.Stdout)
	}
	if opts.Stderr != nil {
		rootCmd.SetErr(opts.Stderr)
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "config file path (default $XDG_CONFIG_HOME/kanri/config.toml)")
	rootCmd.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&e.logFormat, "log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&e.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand(e))
	rootCmd.AddCommand(newRenderScriptCommand(e))
	rootCmd.AddCommand(newInstallCommand(e))
	rootCmd.AddCommand(newConfigureCommand(e))
	rootCmd.AddCommand(newPowerCommand(e, "start", "Start an installed instance", target.Target.Start))
	rootCmd.AddCommand(newPowerCommand(e, "stop", "Stop an installed instance", target.Target.Stop))
	rootCmd.AddCommand(newPowerCommand(e, "restart", "Restart an installed instance", target.Target.Restart))
	rootCmd.AddCommand(newStatusCommand(e))
	rootCmd.AddCommand(newLogsCommand(e))
	rootCmd.AddCommand(newEndpointCommand(e))
	rootCmd.AddCommand(newDestroyCommand(e))
	rootCmd.AddCommand(newHistoryCommand(e))
	rootCmd.AddCommand(newTargetsCommand(e))
	rootCmd.AddCommand(newMonitorCommand(e))
	rootCmd.AddCommand(newVersionCommand(e))

	return rootCmd
}

// setup resolves configuration, configures logging and tags the command's
// context with a trace ID.
func (e *env) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(config.Options{Path: e.configPath, Home: e.opts.Home, Lookup: e.opts.Lookup})
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.Log.Level = e.logLevel
	}
	if e.logFormat != "" {
		cfg.Log.Format = e.logFormat
	}
	e.cfg = cfg
	observability.SetupWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = trace.Ensure(ctx)
	cmd.SetContext(ctx)

	e.metrics = observability.NewMetrics()
	e.factory = e.opts.Factory(ctx, cfg, e.metrics)
	return nil
}

// openStore opens the deployment store on first use.
func (e *env) openStore() (*store.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	s, err := store.New(e.cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	e.store = s
	return s, nil
}

func (e *env) close() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store = nil
	return err
}

// record appends one operation to the log. Failures to record are logged,
// never returned: the platform call already happened.
func (e *env) record(ctx context.Context, profile, targetType, op string, err error, started time.Time) {
	s, serr := e.openStore()
	if serr != nil {
		observability.WithTrace(ctx).Warn("operation not recorded", "op", op, "profile", profile, "err", serr)
		return
	}
	o := store.OperationOf(trace.FromContext(ctx), profile, targetType, op, err, time.Since(started))
	if werr := s.WriteOperation(ctx, o); werr != nil {
		observability.WithTrace(ctx).Warn("operation not recorded", "op", op, "profile", profile, "err", werr)
	}
}

// output writes v as indented JSON under --json, else calls text.
func (e *env) output(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	w := cmd.OutOrStdout()
	if e.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
