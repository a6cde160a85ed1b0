// Package local runs an instance on the operator's own machine as a
// user-level service: a systemd user unit on Linux, a launchd agent on
// macOS. Secrets go to the OS keyring; only their names reach the service
// definition.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// Config configures a local target. Zero values are filled from the host.
type Config struct {
	Manifest manifest.Manifest
	Runner   target.Runner
	// OS is "linux" or "darwin"; defaults to runtime.GOOS.
	OS string
	// HomeDir defaults to os.UserHomeDir.
	HomeDir string
	// DataDir holds per-profile config.json; defaults to
	// <home>/.local/share/kanri.
	DataDir string
	// User is passed to loginctl enable-linger; defaults to $USER.
	User string
	// Secrets is an optional provider declaring secret provisioning (the
	// OS keyring in production).
	Secrets *provider.Provider
	Binding target.Binding
}

// service is what a service manager installs for one profile.
type service struct {
	Profile     string
	Description string
	Argv        []string
	Env         map[string]string
	WorkDir     string
}

// serviceManager drives the platform's user-level service manager.
type serviceManager interface {
	ServiceName(profile string) string
	Install(ctx context.Context, svc service) error
	Start(ctx context.Context, profile string) error
	Stop(ctx context.Context, profile string) error
	Restart(ctx context.Context, profile string) error
	Status(ctx context.Context, profile string) target.Status
	Logs(ctx context.Context, profile string, opts target.LogOptions) []string
	Remove(ctx context.Context, profile string) error
}

// Target implements target.Target on the local machine.
type Target struct {
	m       manifest.Manifest
	mgr     serviceManager
	dataDir string
	secrets *provider.Provider

	mu          sync.Mutex
	profile     string
	port        int
	secretNames []string
}

// New builds a local target for cfg.Manifest.
func New(cfg Config) (*Target, error) {
	if cfg.Runner == nil {
		cfg.Runner = target.ExecRunner{}
	}
	if cfg.OS == "" {
		cfg.OS = goruntime.GOOS
	}
	if cfg.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("home directory: %w", err)
		}
		cfg.HomeDir = home
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, ".local", "share", "kanri")
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}

	var mgr serviceManager
	switch cfg.OS {
	case "linux":
		mgr = newSystemd(cfg.Runner, cfg.HomeDir, cfg.User)
	case "darwin":
		mgr = newLaunchd(cfg.Runner, cfg.HomeDir)
	default:
		return nil, errs.New(errs.KindUnavailable, "local.new", cfg.OS, "no user service manager supported on this OS")
	}

	t := &Target{m: cfg.Manifest, mgr: mgr, dataDir: cfg.DataDir, secrets: cfg.Secrets}
	if cfg.Binding.Bound() {
		t.profile = cfg.Binding.Profile
		t.port = cfg.Binding.Port
		t.secretNames = manifestSecretNames(cfg.Manifest)
	}
	return t, nil
}

// Builder returns a target.Builder for the factory.
func Builder(base Config) target.Builder {
	return func(_ context.Context, m manifest.Manifest, b target.Binding) (target.Target, error) {
		cfg := base
		cfg.Manifest = m
		cfg.Binding = b
		return New(cfg)
	}
}

func manifestSecretNames(m manifest.Manifest) []string {
	names := make([]string, 0, len(m.Security.Secrets))
	for _, s := range m.Security.Secrets {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

func (t *Target) bound() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile, t.port
}

func (t *Target) configPath(profile string) string {
	return filepath.Join(t.dataDir, profile, "config.json")
}

// argv is the manifest command run natively, or a foreground docker run
// of the image when no command is given.
func (t *Target) argv(opts target.InstallOptions, env map[string]string) []string {
	if len(t.m.Runtime.Command) > 0 {
		return append([]string(nil), t.m.Runtime.Command...)
	}
	args := []string{
		"docker", "run", "--rm",
		"--name", "kanri-" + opts.Profile,
		"-p", strconv.Itoa(opts.Port) + ":" + strconv.Itoa(containerPort(t.m, opts)),
		"-v", filepath.Join(t.dataDir, opts.Profile) + ":/data",
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// -e KEY without a value forwards the variable from the unit's
		// environment, so values stay in the env file.
		args = append(args, "-e", k)
	}
	return append(args, target.ImageRef(t.m.Runtime.Image, firstNonEmpty(opts.Version, t.m.Runtime.Version)))
}

func containerPort(m manifest.Manifest, opts target.InstallOptions) int {
	if p := target.ContainerPort(m); p > 0 {
		return p
	}
	return opts.Port
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (t *Target) Install(ctx context.Context, opts target.InstallOptions) target.InstallResult {
	if err := opts.Validate(); err != nil {
		return target.InstallFailure(opts.Profile, err)
	}
	secretValues := opts.SecretValues()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.profile != "" && t.profile != opts.Profile {
		return target.InstallFailure(opts.Profile,
			errs.New(errs.KindAlreadyExists, "install", opts.Profile, "target already bound to profile %s", t.profile))
	}
	for _, name := range t.m.RequiredSecrets() {
		if _, ok := opts.Secrets[name]; !ok {
			return target.InstallFailure(opts.Profile, errs.Validation("install", opts.Profile, "required secret %s not supplied", name))
		}
	}

	names := make([]string, 0, len(opts.Secrets))
	for n := range opts.Secrets {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(opts.Secrets) > 0 {
		if t.secrets == nil {
			return target.InstallFailure(opts.Profile, errs.Validation("install", opts.Profile, "secrets supplied but no secret store configured"), secretValues...)
		}
		prov, ok := t.secrets.SecretProvisioner()
		if !ok {
			return target.InstallFailure(opts.Profile, t.secrets.Require(provider.CapSecretProvisioner), secretValues...)
		}
		tags := map[string]string{"kanri:profile": opts.Profile}
		if _, err := prov.EnsureSecrets(ctx, opts.Profile, opts.Secrets, tags); err != nil {
			return target.InstallFailure(opts.Profile, err, secretValues...)
		}
	}

	workDir := filepath.Join(t.dataDir, opts.Profile)
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return target.InstallFailure(opts.Profile, err)
	}

	env := target.InstanceEnv(t.m, opts)
	env["KANRI_CONFIG"] = t.configPath(opts.Profile)
	if len(names) > 0 {
		env["KANRI_SECRETS"] = strings.Join(names, ",")
	}
	svc := service{
		Profile:     opts.Profile,
		Description: "Kanri instance " + opts.Profile,
		Argv:        t.argv(opts, env),
		Env:         env,
		WorkDir:     workDir,
	}
	if err := t.mgr.Install(ctx, svc); err != nil {
		return target.InstallFailure(opts.Profile, err, secretValues...)
	}

	t.profile, t.port = opts.Profile, opts.Port
	t.secretNames = mergeNames(manifestSecretNames(t.m), names)
	name := t.mgr.ServiceName(opts.Profile)
	return target.InstallResult{
		Success:     true,
		InstanceID:  name,
		ServiceName: name,
		Message:     "installed " + name,
	}
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, n := range append(append([]string(nil), a...), b...) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Target) Configure(ctx context.Context, payload target.ConfigurePayload) target.ConfigureResult {
	profile, _ := t.bound()
	if profile == "" {
		return target.ConfigureFailure("", errs.NotInstalled("configure"))
	}
	content, err := payload.Canonical()
	if err != nil {
		return target.ConfigureFailure(profile, errs.Validation("configure", profile, "encode payload: %v", err))
	}
	path := t.configPath(profile)
	changed, err := target.ReplaceFile(path, content, 0o600)
	if err != nil {
		return target.ConfigureFailure(profile, err)
	}
	restart := changed && t.Status(ctx).State == target.StateRunning
	msg := "configuration unchanged"
	if changed {
		msg = "wrote " + path
	}
	return target.ConfigureResult{Success: true, Message: msg, RequiresRestart: restart}
}

func (t *Target) Start(ctx context.Context) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled("start")
	}
	return errs.Wrap("start", profile, t.mgr.Start(ctx, profile))
}

func (t *Target) Stop(ctx context.Context) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled("stop")
	}
	return errs.Wrap("stop", profile, t.mgr.Stop(ctx, profile))
}

func (t *Target) Restart(ctx context.Context) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled("restart")
	}
	return errs.Wrap("restart", profile, t.mgr.Restart(ctx, profile))
}

func (t *Target) Status(ctx context.Context) target.Status {
	profile, port := t.bound()
	if profile == "" {
		return target.NotInstalled("")
	}
	st := t.mgr.Status(ctx, profile)
	if st.State == target.StateRunning {
		st.GatewayPort = port
	}
	return st
}

func (t *Target) Logs(ctx context.Context, opts target.LogOptions) []string {
	profile, _ := t.bound()
	if profile == "" {
		return []string{}
	}
	return target.Window(t.mgr.Logs(ctx, profile, opts.Normalized()), opts)
}

func (t *Target) Endpoint() target.Endpoint {
	_, port := t.bound()
	if port == 0 {
		port = t.m.Target.Port
	}
	return target.Endpoint{Host: "127.0.0.1", Port: port, Protocol: "http"}
}

func (t *Target) Destroy(ctx context.Context) {
	t.mu.Lock()
	profile, names := t.profile, t.secretNames
	t.profile, t.port, t.secretNames = "", 0, nil
	t.mu.Unlock()
	if profile == "" {
		return
	}
	logger := slog.With("op", "destroy", "target", "local", "profile", profile)

	if err := t.mgr.Stop(ctx, profile); err != nil {
		logger.Warn("stop failed", "err", err)
	}
	if err := t.mgr.Remove(ctx, profile); err != nil {
		logger.Warn("remove service failed", "err", err)
	}
	if t.secrets != nil {
		if store, ok := t.secrets.Secrets(); ok {
			for _, n := range names {
				if err := store.DeleteSecret(ctx, provider.SecretName(profile, n)); err != nil {
					logger.Warn("delete secret failed", "secret", n, "err", err)
				}
			}
		}
	}
	if err := os.Remove(t.configPath(profile)); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove config failed", "err", err)
	}
}

func (t *Target) Metadata() target.Metadata {
	md, _ := target.MetadataFor(manifest.TargetLocal)
	return md
}
