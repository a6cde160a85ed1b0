// Package remote provisions an instance on a host reached over SSH. Every
// operation builds one shell-safe command, records it (LastCommand) and
// hands it to a Transport; RecordingTransport swaps execution out in tests.
package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/common/redact"
	"github.com/bdobrica/Kanri/common/shell"
	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/startup"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// workRoot is where uploads land, relative to the login directory.
const workRoot = ".kanri"

// Config configures a remote target.
type Config struct {
	Manifest  manifest.Manifest
	Transport Transport
	Startup   target.StartupDefaults
	Binding   target.Binding
}

// Target implements target.Target over a Transport.
type Target struct {
	m        manifest.Manifest
	tr       Transport
	defaults target.StartupDefaults

	mu          sync.Mutex
	profile     string
	port        int
	lastCommand string
	sensitive   []string
}

// New builds a remote target. cfg.Transport is required.
func New(cfg Config) (*Target, error) {
	if cfg.Transport == nil {
		return nil, errs.Validation("remote.new", cfg.Manifest.Metadata.Name, "transport is required")
	}
	if cfg.Startup.DataDir == "" {
		cfg.Startup = target.DefaultStartup
	}
	t := &Target{m: cfg.Manifest, tr: cfg.Transport, defaults: cfg.Startup}
	if cfg.Binding.Bound() {
		t.profile, t.port = cfg.Binding.Profile, cfg.Binding.Port
	}
	return t, nil
}

// Builder returns a target.Builder that dials the manifest's host with
// sshCfg (host and user come from the manifest) unless base.Transport is set.
func Builder(base Config, sshCfg SSHConfig) target.Builder {
	return func(_ context.Context, m manifest.Manifest, b target.Binding) (target.Target, error) {
		cfg := base
		cfg.Manifest, cfg.Binding = m, b
		if cfg.Transport == nil {
			sc := sshCfg
			sc.Host = m.Target.Host
			if m.Target.User != "" {
				sc.User = m.Target.User
			}
			tr, err := NewSSHTransport(sc)
			if err != nil {
				return nil, err
			}
			cfg.Transport = tr
		}
		return New(cfg)
	}
}

// LastCommand returns the most recent command built, secrets redacted.
// Safe for concurrent use with lifecycle calls.
func (t *Target) LastCommand() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCommand
}

func (t *Target) bound() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile, t.port
}

func (t *Target) run(ctx context.Context, cmd string) (string, error) {
	t.mu.Lock()
	t.lastCommand = redact.String(cmd, t.sensitive...)
	t.mu.Unlock()
	return t.tr.Run(ctx, cmd)
}

func workDir(profile string) string { return workRoot + "/" + profile }

func (t *Target) dataDir(profile string) string { return t.defaults.DataDir + "/" + profile }

// containers lists the profile's containers, proxy first when middleware
// fronts the instance.
func (t *Target) containers(profile string) []string {
	name := startup.ContainerName(profile)
	if len(t.m.Security.Middleware) > 0 {
		return []string{name + "-proxy", name}
	}
	return []string{name}
}

func sudoDocker(args ...string) string {
	return shell.Join(append([]string{"sudo", "docker"}, args...)...)
}

func (t *Target) Install(ctx context.Context, opts target.InstallOptions) target.InstallResult {
	if err := opts.Validate(); err != nil {
		return target.InstallFailure(opts.Profile, err)
	}
	if t.m.Target.Host == "" {
		return target.InstallFailure(opts.Profile, errs.Validation("install", opts.Profile, "target.host is required"))
	}
	if profile, _ := t.bound(); profile != "" && profile != opts.Profile {
		return target.InstallFailure(opts.Profile,
			errs.New(errs.KindAlreadyExists, "install", opts.Profile, "target already bound to profile %s", profile))
	}
	for _, name := range t.m.RequiredSecrets() {
		if _, ok := opts.Secrets[name]; !ok {
			return target.InstallFailure(opts.Profile, errs.Validation("install", opts.Profile, "required secret %s not supplied", name))
		}
	}
	secrets := opts.SecretValues()
	t.mu.Lock()
	t.sensitive = secrets
	t.mu.Unlock()

	wd := workDir(opts.Profile)
	dataDir := t.dataDir(opts.Profile)

	refs := map[string]string{}
	if len(opts.Secrets) > 0 {
		blob, err := json.Marshal(opts.Secrets)
		if err != nil {
			return target.InstallFailure(opts.Profile, err, secrets...)
		}
		if err := t.tr.Upload(ctx, wd+"/secrets.json", blob, 0o600); err != nil {
			return target.InstallFailure(opts.Profile, err, secrets...)
		}
		cmd := shell.And(
			shell.Join("sudo", "install", "-D", "-m", "0600", wd+"/secrets.json", dataDir+"/secrets.json"),
			shell.Join("rm", "-f", wd+"/secrets.json"),
		)
		if _, err := t.run(ctx, cmd); err != nil {
			return target.InstallFailure(opts.Profile, err, secrets...)
		}
		for name := range opts.Secrets {
			refs[name] = "file:/data/secrets.json#" + name
		}
	}

	so := target.StartupOptions(t.m, opts, refs, t.defaults)
	script, err := startup.Shell(so)
	if err != nil {
		return target.InstallFailure(opts.Profile, errs.Validation("install", opts.Profile, "%v", err), secrets...)
	}
	scriptPath := wd + "/startup.sh"
	if err := t.tr.Upload(ctx, scriptPath, []byte(script), 0o755); err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}
	if _, err := t.run(ctx, shell.Join("sudo", "sh", scriptPath)); err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}
	// The script leaves the container running; installed means stopped.
	if _, err := t.run(ctx, sudoDocker(append([]string{"stop"}, t.containers(opts.Profile)...)...)); err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}

	t.mu.Lock()
	t.profile, t.port = opts.Profile, opts.Port
	t.mu.Unlock()
	name := startup.ContainerName(opts.Profile)
	return target.InstallResult{
		Success:     true,
		InstanceID:  t.m.Target.Host + "/" + name,
		ServiceName: name,
		Message:     "provisioned " + name + " on " + t.m.Target.Host,
	}
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
	dest := t.dataDir(profile) + "/config.json"
	current, err := t.run(ctx, shell.Join("sudo", "cat", dest))
	if err == nil && current == string(content) {
		return target.ConfigureResult{Success: true, Message: "configuration unchanged"}
	}
	staged := workDir(profile) + "/config.json"
	if err := t.tr.Upload(ctx, staged, content, 0o600); err != nil {
		return target.ConfigureFailure(profile, err)
	}
	if _, err := t.run(ctx, shell.Join("sudo", "install", "-D", "-m", "0600", staged, dest)); err != nil {
		return target.ConfigureFailure(profile, err)
	}
	return target.ConfigureResult{
		Success:         true,
		Message:         "wrote " + dest,
		RequiresRestart: t.Status(ctx).State == target.StateRunning,
	}
}

func (t *Target) lifecycle(ctx context.Context, op string, containers func([]string) []string) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled(op)
	}
	names := t.containers(profile)
	if containers != nil {
		names = containers(names)
	}
	_, err := t.run(ctx, sudoDocker(append([]string{op}, names...)...))
	return errs.Wrap(op, profile, err)
}

// reversed starts the instance before its proxy.
func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}

func (t *Target) Start(ctx context.Context) error   { return t.lifecycle(ctx, "start", reversed) }
func (t *Target) Stop(ctx context.Context) error    { return t.lifecycle(ctx, "stop", nil) }
func (t *Target) Restart(ctx context.Context) error { return t.lifecycle(ctx, "restart", reversed) }

const inspectFormat = "{{.State.Status}} {{.State.OOMKilled}} {{.State.Pid}}"

// parseInspect reads "<status> <oomKilled> <pid>".
func parseInspect(out string) (string, bool, int) {
	fields := strings.Fields(out)
	if len(fields) < 3 {
		return "", false, 0
	}
	oom, _ := strconv.ParseBool(fields[1])
	pid, _ := strconv.Atoi(fields[2])
	return fields[0], oom, pid
}

func (t *Target) Status(ctx context.Context) target.Status {
	profile, port := t.bound()
	if profile == "" {
		return target.NotInstalled("")
	}
	out, err := t.run(ctx, sudoDocker("inspect", "--format", inspectFormat, startup.ContainerName(profile)))
	if err != nil {
		return target.NotInstalled(err.Error())
	}
	status, oom, pid := parseInspect(out)
	st := target.Status{State: target.FromDocker(status, oom), Detail: status}
	if st.State == target.StateRunning {
		st.PID, st.GatewayPort = pid, port
	}
	return st
}

func (t *Target) Logs(ctx context.Context, opts target.LogOptions) []string {
	profile, _ := t.bound()
	if profile == "" {
		return []string{}
	}
	opts = opts.Normalized()
	n := opts.Lines
	if opts.Filter != "" {
		n *= 10
	}
	args := []string{"logs", "--tail", strconv.Itoa(n)}
	if !opts.Since.IsZero() {
		args = append(args, "--since", opts.Since.UTC().Format(time.RFC3339))
	}
	args = append(args, startup.ContainerName(profile))
	out, err := t.run(ctx, sudoDocker(args...)+" 2>&1")
	if err != nil {
		return []string{}
	}
	return target.Window(target.SplitLines(out), opts)
}

func (t *Target) Endpoint() target.Endpoint {
	_, port := t.bound()
	if port == 0 {
		port = t.m.Target.Port
	}
	return target.Endpoint{Host: t.m.Target.Host, Port: port, Protocol: "http"}
}

func (t *Target) Destroy(ctx context.Context) {
	profile, _ := t.bound()
	if profile == "" {
		return
	}
	logger := slog.With("op", "destroy", "target", "remote-vm", "profile", profile)
	if err := t.Stop(ctx); err != nil {
		logger.Warn("stop failed", "err", err)
	}
	if _, err := t.run(ctx, sudoDocker(append([]string{"rm", "-f"}, t.containers(profile)...)...)); err != nil {
		logger.Warn("remove containers failed", "err", err)
	}
	if len(t.m.Security.Middleware) > 0 {
		if _, err := t.run(ctx, sudoDocker("network", "rm", startup.ContainerName(profile))); err != nil {
			logger.Warn("remove network failed", "err", err)
		}
	}
	if _, err := t.run(ctx, shell.And(
		shell.Join("sudo", "rm", "-f", t.dataDir(profile)+"/secrets.json", t.dataDir(profile)+"/config.json"),
		shell.Join("rm", "-rf", workDir(profile)),
	)); err != nil {
		logger.Warn("remove files failed", "err", err)
	}

	t.mu.Lock()
	t.profile, t.port, t.sensitive = "", 0, nil
	t.mu.Unlock()
}

func (t *Target) Metadata() target.Metadata {
	md, _ := target.MetadataFor(manifest.TargetRemoteVM)
	return md
}
