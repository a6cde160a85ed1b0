package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/store"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// resultError carries the kind a target reported in a failed result so the
// operations log and exit path classify it like any other error.
type resultError struct {
	kind errs.Kind
	msg  string
}

func (r *resultError) Error() string { return r.msg }

func (r *resultError) Is(target error) bool {
	s := r.kind.Sentinel()
	return s != nil && target == s
}

// installOptions fills profile and port from the manifest when not given.
func installOptions(m manifest.Manifest, profile string, port int, ver string) target.InstallOptions {
	if profile == "" {
		profile = m.Profile()
	}
	if port == 0 {
		port = m.Target.Port
	}
	return target.InstallOptions{Profile: profile, Port: port, Version: ver}
}

// collectSecrets merges name=value pairs with name=VAR pairs read from the
// environment. Both forms reject an empty name.
func collectSecrets(pairs, fromEnv []string, lookup func(string) (string, bool)) (map[string]string, error) {
	out := make(map[string]string, len(pairs)+len(fromEnv))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, errs.Validation("install", name, "secret must be name=value")
		}
		out[name] = value
	}
	for _, p := range fromEnv {
		name, key, ok := strings.Cut(p, "=")
		if !ok || name == "" || key == "" {
			return nil, errs.Validation("install", name, "secret-env must be name=VARIABLE")
		}
		value, ok := lookup(key)
		if !ok {
			return nil, errs.Validation("install", name, "environment variable %s is not set", key)
		}
		out[name] = value
	}
	return out, nil
}

func (e *env) lookup(key string) (string, bool) {
	if e.opts.Lookup != nil {
		return e.opts.Lookup(key)
	}
	return os.LookupEnv(key)
}

func notRecorded(profile string) error {
	return errs.New(errs.KindNotFound, "lookup", profile, "no deployment recorded; run kanri install first")
}

// deployment loads the record for profile and rebuilds its target.
func (e *env) deployment(ctx context.Context, profile string) (*store.Deployment, target.Target, error) {
	s, err := e.openStore()
	if err != nil {
		return nil, nil, err
	}
	d, err := s.GetDeployment(ctx, profile)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, notRecorded(profile)
	}
	if err != nil {
		return nil, nil, err
	}
	t, err := e.factory.New(ctx, d.Manifest, d.Binding())
	if err != nil {
		return nil, nil, err
	}
	return d, t, nil
}

func newInstallCommand(e *env) *cobra.Command {
	var (
		profile   string
		port      int
		ver       string
		secrets   []string
		secretEnv []string
	)

	cmd := &cobra.Command{
		Use:   "install <manifest>",
		Short: "Install an instance on the manifest's target",
		Long: `Install provisions the instance a manifest describes and records the
deployment so later commands can address it by profile.

Installing the same profile again either succeeds bound to the same
platform resource or fails as already-exists. Secret values are passed to
the platform's secret store and never printed or recorded.`,
		Example: `  # Install with the profile and port from the manifest
  kanri install demo.yaml

  # Override the profile and pass a secret from the environment
  kanri install --profile demo-2 --port 4101 --secret-env token=BOT_TOKEN demo.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, path, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			opts := installOptions(m, profile, port, ver)
			if opts.Secrets, err = collectSecrets(secrets, secretEnv, e.lookup); err != nil {
				return err
			}

			s, err := e.openStore()
			if err != nil {
				return err
			}
			var binding target.Binding
			if d, err := s.GetDeployment(ctx, opts.Profile); err == nil {
				binding = d.Binding()
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}

			t, err := e.factory.New(ctx, m, binding)
			if err != nil {
				return err
			}
			started := time.Now()
			res := t.Install(ctx, opts)
			var opErr error
			if !res.Success {
				opErr = &resultError{kind: res.Kind, msg: res.Message}
			}
			e.record(ctx, opts.Profile, string(m.Target.Type), "install", opErr, started)
			if opErr != nil {
				return opErr
			}

			d := store.NewDeployment(m, path, target.BindingOf(opts, res))
			if err := s.SaveDeployment(ctx, d); err != nil {
				return fmt.Errorf("installed %s but could not record it: %w", opts.Profile, err)
			}
			return e.output(cmd, res, func(w io.Writer) error {
				fmt.Fprintf(w, "%s\n", res.Message)
				if res.InstanceID != "" {
					fmt.Fprintf(w, "instance: %s\n", res.InstanceID)
				}
				if res.ServiceName != "" {
					fmt.Fprintf(w, "service:  %s\n", res.ServiceName)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&profile, "profile", "", "install profile (default target.profile, else metadata.name)")
	cmd.Flags().IntVar(&port, "port", 0, "host port (default target.port)")
	cmd.Flags().StringVar(&ver, "version", "", "image tag override")
	cmd.Flags().StringArrayVar(&secrets, "secret", nil, "secret as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&secretEnv, "secret-env", nil, "secret as name=ENV_VAR read from the environment (repeatable)")

	return cmd
}

// configurePayload merges a YAML or JSON settings file with key=value
// assignments. Dotted keys address nested maps; values are decoded as YAML
// scalars so "3" is a number and "true" a boolean.
func configurePayload(file string, sets []string) (target.ConfigurePayload, error) {
	settings := map[string]any{}
	if file != "" {
		data, err := readFile(file)
		if err != nil {
			return target.ConfigurePayload{}, err
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return target.ConfigurePayload{}, errs.Validation("configure", file, "settings must be a mapping: %v", err)
		}
		if settings == nil {
			settings = map[string]any{}
		}
	}
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return target.ConfigurePayload{}, errs.Validation("configure", s, "set must be key=value")
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		if err := setPath(settings, strings.Split(key, "."), value); err != nil {
			return target.ConfigurePayload{}, err
		}
	}
	return target.ConfigurePayload{Settings: settings}, nil
}

func setPath(m map[string]any, path []string, value any) error {
	for i, k := range path[:len(path)-1] {
		next, ok := m[k]
		if !ok {
			child := map[string]any{}
			m[k] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return errs.Validation("configure", strings.Join(path[:i+1], "."), "not a mapping")
		}
		m = child
	}
	m[path[len(path)-1]] = value
	return nil
}

func newConfigureCommand(e *env) *cobra.Command {
	var (
		file string
		sets []string
	)

	cmd := &cobra.Command{
		Use:   "configure <profile>",
		Short: "Write the instance configuration",
		Long: `Configure writes the instance's config.json. Applying the same settings
twice leaves the configuration unchanged; a change to a running instance
reports that a restart is required.`,
		Example: `  kanri configure demo --set model=small --set limits.rpm=60
  kanri configure demo --file settings.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			payload, err := configurePayload(file, sets)
			if err != nil {
				return err
			}
			d, t, err := e.deployment(ctx, args[0])
			if err != nil {
				return err
			}
			started := time.Now()
			res := t.Configure(ctx, payload)
			var opErr error
			if !res.Success {
				opErr = &resultError{kind: res.Kind, msg: res.Message}
			}
			e.record(ctx, d.Profile, string(d.TargetType), "configure", opErr, started)
			if opErr != nil {
				return opErr
			}
			return e.output(cmd, res, func(w io.Writer) error {
				fmt.Fprintln(w, res.Message)
				if res.RequiresRestart {
					fmt.Fprintf(w, "restart required: kanri restart %s\n", d.Profile)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON settings file")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "setting as key=value (repeatable; dotted keys nest)")

	return cmd
}

// newPowerCommand builds start, stop and restart, which differ only in the
// target method they call.
func newPowerCommand(e *env, name, short string, call func(target.Target, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <profile>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, t, err := e.deployment(ctx, args[0])
			if err != nil {
				return err
			}
			started := time.Now()
			err = call(t, ctx)
			e.record(ctx, d.Profile, string(d.TargetType), name, err, started)
			if err != nil {
				return err
			}
			st := t.Status(ctx)
			return e.output(cmd, st, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %s\n", d.Profile, st.State)
				return err
			})
		},
	}
}

func newDestroyCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <profile>",
		Short: "Tear down an instance and forget its deployment",
		Long: `Destroy stops the instance and removes every platform resource the
install created. Individual teardown failures are logged and skipped, so
destroy always completes and may be repeated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, t, err := e.deployment(ctx, args[0])
			if err != nil {
				return err
			}
			started := time.Now()
			t.Destroy(ctx)
			e.record(ctx, d.Profile, string(d.TargetType), "destroy", nil, started)
			if err := e.store.DeleteDeployment(ctx, d.Profile); err != nil {
				return err
			}
			e.metrics.ForgetInstance(d.Profile, string(d.TargetType))
			return e.output(cmd, map[string]string{"profile": d.Profile, "state": string(target.StateNotInstalled)}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: destroyed\n", d.Profile)
				return err
			})
		},
	}
}
