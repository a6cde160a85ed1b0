// Package docker runs an instance as a container on a Docker Engine the
// operator can reach (the local socket or DOCKER_HOST).
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/startup"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// Config configures a docker target.
type Config struct {
	Manifest manifest.Manifest
	Client   dockerAPI
	// DataDir is the host directory bind-mounted at /data, one
	// subdirectory per profile. Defaults to ~/.local/share/kanri/docker.
	DataDir string
	Startup target.StartupDefaults
	// PullRetry overrides the image pull retry policy.
	PullRetry retry.Config
	Binding   target.Binding
}

// Target implements target.Target against the Docker Engine API.
type Target struct {
	m        manifest.Manifest
	api      dockerAPI
	defaults target.StartupDefaults
	pull     retry.Config

	// installMu serializes Install so concurrent callers do not race to
	// create the same container.
	installMu sync.Mutex

	mu          sync.Mutex
	profile     string
	port        int
	containerID string
}

// New builds a docker target. cfg.Client is required; see NewClient.
func New(cfg Config) (*Target, error) {
	if cfg.Client == nil {
		return nil, errs.Validation("docker.new", cfg.Manifest.Metadata.Name, "docker client is required")
	}
	defaults := cfg.Startup
	if defaults.ProxyImage == "" {
		defaults = target.DefaultStartup
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".local", "share", "kanri", "docker")
	}
	defaults.DataDir = cfg.DataDir
	pull := cfg.PullRetry
	if pull.MaxAttempts == 0 {
		pull = retry.Config{MaxAttempts: 3, InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	}
	if pull.ShouldRetry == nil {
		pull.ShouldRetry = errs.RetryTransient
	}
	t := &Target{m: cfg.Manifest, api: cfg.Client, defaults: defaults, pull: pull}
	if cfg.Binding.Bound() {
		t.profile, t.port, t.containerID = cfg.Binding.Profile, cfg.Binding.Port, cfg.Binding.InstanceID
	}
	return t, nil
}

// Builder returns a target.Builder sharing base's client. A nil client is
// connected lazily from the environment on first build.
func Builder(base Config) target.Builder {
	var (
		once sync.Once
		cli  dockerAPI
		err  error
	)
	return func(_ context.Context, m manifest.Manifest, b target.Binding) (target.Target, error) {
		cfg := base
		cfg.Manifest, cfg.Binding = m, b
		if cfg.Client == nil {
			once.Do(func() { cli, err = NewClient() })
			if err != nil {
				return nil, errs.New(errs.KindUnavailable, "docker.new", m.Metadata.Name, "%v", err)
			}
			cfg.Client = cli
		}
		return New(cfg)
	}
}

func (t *Target) bound() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile, t.port
}

func (t *Target) dataDir(profile string) string { return filepath.Join(t.defaults.DataDir, profile) }

// names returns the profile's containers in start order: instance first,
// then the proxy in front of it.
func (t *Target) names(profile string) []string {
	if len(t.m.Security.Middleware) > 0 {
		return []string{roleName(profile, roleInstance), roleName(profile, roleProxy)}
	}
	return []string{roleName(profile, roleInstance)}
}

// roleName is the container name for one role of a profile.
func roleName(profile, role string) string {
	if role == roleInstance {
		return startup.ContainerName(profile)
	}
	return startup.ContainerName(profile) + "-" + role
}

func (t *Target) labels(profile, role string) map[string]string {
	labels := make(map[string]string, len(t.m.Metadata.Labels)+4)
	for k, v := range t.m.Metadata.Labels {
		labels[k] = v
	}
	labels[labelManagedBy] = managedByValue
	labels[labelProfile] = profile
	labels[labelWorkspace] = t.m.Metadata.Workspace
	labels[labelRole] = role
	return labels
}

func (t *Target) Install(ctx context.Context, opts target.InstallOptions) target.InstallResult {
	t.installMu.Lock()
	defer t.installMu.Unlock()

	if err := opts.Validate(); err != nil {
		return target.InstallFailure(opts.Profile, err)
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

	existing, err := findContainers(ctx, t.api, opts.Profile)
	if err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}
	if c, ok := existing[roleInstance]; ok && t.complete(existing) {
		t.bind(opts.Profile, opts.Port, c.ID)
		return target.InstallResult{
			Success:     true,
			InstanceID:  c.ID,
			ServiceName: startup.ContainerName(opts.Profile),
			Message:     "adopted existing container " + startup.ContainerName(opts.Profile),
		}
	}
	// A partial set left by an interrupted install is rebuilt from scratch.
	for role := range existing {
		name := roleName(opts.Profile, role)
		if err := t.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errs.IsNotFound(err) {
			return target.InstallFailure(opts.Profile, fmt.Errorf("remove stale container %s: %w", name, err), secrets...)
		}
	}

	dataDir := t.dataDir(opts.Profile)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return target.InstallFailure(opts.Profile, err)
	}
	refs := map[string]string{}
	if len(opts.Secrets) > 0 {
		blob, err := json.Marshal(opts.Secrets)
		if err != nil {
			return target.InstallFailure(opts.Profile, err, secrets...)
		}
		if err := target.WriteFileAtomic(filepath.Join(dataDir, "secrets.json"), blob, 0o600); err != nil {
			return target.InstallFailure(opts.Profile, err, secrets...)
		}
		for name := range opts.Secrets {
			refs[name] = "file:/data/secrets.json#" + name
		}
	}

	so := target.StartupOptions(t.m, opts, refs, t.defaults)
	if err := startup.Validate(so); err != nil {
		return target.InstallFailure(opts.Profile, errs.Validation("install", opts.Profile, "%v", err), secrets...)
	}

	id, err := t.build(ctx, so, opts.Profile)
	if err != nil {
		if len(opts.Secrets) > 0 {
			_ = os.Remove(filepath.Join(dataDir, "secrets.json"))
		}
		return target.InstallFailure(opts.Profile, err, secrets...)
	}

	t.bind(opts.Profile, opts.Port, id)
	return target.InstallResult{
		Success:     true,
		InstanceID:  id,
		ServiceName: startup.ContainerName(opts.Profile),
		Message:     "created container " + startup.ContainerName(opts.Profile),
	}
}

// complete reports whether existing holds every role the manifest needs.
func (t *Target) complete(existing map[string]container.Summary) bool {
	if _, ok := existing[roleInstance]; !ok {
		return false
	}
	if len(t.m.Security.Middleware) > 0 {
		_, ok := existing[roleProxy]
		return ok
	}
	return true
}

// build creates the network, images and containers for profile. On
// failure everything this call created is removed again, so a retried
// install starts from the same place.
func (t *Target) build(ctx context.Context, so startup.Options, profile string) (id string, err error) {
	var (
		created    []string
		newNetwork bool
	)
	defer func() {
		if err == nil {
			return
		}
		logger := slog.With("op", "install", "target", string(manifest.TargetDocker), "profile", profile)
		for i := len(created) - 1; i >= 0; i-- {
			if rerr := t.api.ContainerRemove(ctx, created[i], container.RemoveOptions{Force: true}); rerr != nil && !errs.IsNotFound(rerr) {
				logger.Warn("rollback: remove container failed", "container", created[i], "err", rerr)
			}
		}
		if newNetwork {
			if rerr := t.api.NetworkRemove(ctx, startup.ContainerName(profile)); rerr != nil && !errs.IsNotFound(rerr) {
				logger.Warn("rollback: remove network failed", "err", rerr)
			}
		}
	}()

	if so.Middleware != nil {
		if newNetwork, err = ensureNetwork(ctx, t.api, startup.ContainerName(profile), profile); err != nil {
			return "", err
		}
	}
	if err := ensureImage(ctx, t.api, so.Image, t.pull); err != nil {
		return "", fmt.Errorf("pull %s: %w", so.Image, err)
	}
	if so.Middleware != nil {
		if err := ensureImage(ctx, t.api, so.Middleware.ProxyImage, t.pull); err != nil {
			return "", fmt.Errorf("pull %s: %w", so.Middleware.ProxyImage, err)
		}
	}

	if id, err = t.create(ctx, so, profile); err != nil {
		return "", err
	}
	created = append(created, roleName(profile, roleInstance))
	if so.Middleware != nil {
		if err = t.createProxy(ctx, so, profile); err != nil {
			return "", err
		}
		created = append(created, roleName(profile, roleProxy))
	}
	return id, nil
}

func (t *Target) bind(profile string, port int, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profile, t.port, t.containerID = profile, port, id
}

// create builds the instance container from the same options the startup
// script renders, so every target runs an identical container.
func (t *Target) create(ctx context.Context, so startup.Options, profile string) (string, error) {
	env := make([]string, 0, len(so.Env)+1)
	for _, k := range slices.Sorted(maps.Keys(so.Env)) {
		env = append(env, k+"="+so.Env[k])
	}
	if len(so.SecretRefs) > 0 {
		refs, err := json.Marshal(so.SecretRefs)
		if err != nil {
			return "", err
		}
		env = append(env, "KANRI_SECRET_REFS="+string(refs))
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(so.ContainerPort))
	if err != nil {
		return "", errs.Validation("install", profile, "container port: %v", err)
	}
	cfg := &container.Config{
		Image:        so.Image,
		Cmd:          so.Command,
		Env:          env,
		Labels:       t.labels(profile, roleInstance),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	host := &container.HostConfig{
		Binds:         []string{so.DataDir + ":/data"},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources:     t.resources(),
	}
	if so.Sandbox.Enabled {
		host.Runtime = so.Sandbox.Runtime
	}
	if so.LogDriver != "" {
		host.LogConfig = container.LogConfig{Type: so.LogDriver, Config: so.LogOptions}
	}
	var netCfg *network.NetworkingConfig
	if so.Middleware != nil {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{startup.ContainerName(profile): {}},
		}
	} else {
		host.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(so.HostPort)}}}
	}

	resp, err := t.api.ContainerCreate(ctx, cfg, host, netCfg, nil, startup.ContainerName(profile))
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (t *Target) createProxy(ctx context.Context, so startup.Options, profile string) error {
	blob, err := startup.MiddlewareJSON(so.Middleware.Assignments)
	if err != nil {
		return err
	}
	name := startup.ContainerName(profile)
	port, err := nat.NewPort("tcp", strconv.Itoa(so.Middleware.ProxyPort))
	if err != nil {
		return errs.Validation("install", profile, "proxy port: %v", err)
	}
	cfg := &container.Config{
		Image: so.Middleware.ProxyImage,
		Env: []string{
			"KANRI_UPSTREAM=http://" + name + ":" + strconv.Itoa(so.ContainerPort),
			"KANRI_MIDDLEWARE=" + blob,
		},
		Labels:       t.labels(profile, roleProxy),
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	host := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		PortBindings:  nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(so.HostPort)}}},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{name: {}},
	}
	if _, err := t.api.ContainerCreate(ctx, cfg, host, netCfg, nil, roleName(profile, roleProxy)); err != nil {
		return fmt.Errorf("create proxy container: %w", err)
	}
	return nil
}

func (t *Target) resources() container.Resources {
	var r container.Resources
	if cpu := t.m.Runtime.CPU; cpu > 0 {
		r.NanoCPUs = int64(cpu * 1e9)
	}
	if mem := t.m.Runtime.Memory; mem > 0 {
		r.Memory = int64(mem) << 20
	}
	return r
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
	path := filepath.Join(t.dataDir(profile), "config.json")
	changed, err := target.ReplaceFile(path, content, 0o600)
	if err != nil {
		return target.ConfigureFailure(profile, err)
	}
	if !changed {
		return target.ConfigureResult{Success: true, Message: "configuration unchanged"}
	}
	return target.ConfigureResult{
		Success:         true,
		Message:         "wrote " + path,
		RequiresRestart: t.Status(ctx).State == target.StateRunning,
	}
}

func (t *Target) Start(ctx context.Context) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled("start")
	}
	for _, name := range t.names(profile) {
		if err := t.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return errs.Wrap("start", profile, err)
		}
	}
	return nil
}

func (t *Target) Stop(ctx context.Context) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled("stop")
	}
	names := t.names(profile)
	for i := len(names) - 1; i >= 0; i-- {
		if err := t.api.ContainerStop(ctx, names[i], stopOptions()); err != nil {
			return errs.Wrap("stop", profile, err)
		}
	}
	return nil
}

func (t *Target) Restart(ctx context.Context) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled("restart")
	}
	for _, name := range t.names(profile) {
		if err := t.api.ContainerRestart(ctx, name, stopOptions()); err != nil {
			return errs.Wrap("restart", profile, err)
		}
	}
	return nil
}

func (t *Target) Status(ctx context.Context) target.Status {
	profile, port := t.bound()
	if profile == "" {
		return target.NotInstalled("")
	}
	inspect, err := t.api.ContainerInspect(ctx, startup.ContainerName(profile))
	if err != nil {
		if errs.IsNotFound(err) {
			return target.NotInstalled("container not found")
		}
		slog.Debug("inspect failed", "profile", profile, "err", err)
		return target.NotInstalled(err.Error())
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return target.NotInstalled("inspect returned no state")
	}
	st := inspect.State
	out := target.Status{State: target.FromDocker(string(st.Status), st.OOMKilled), Detail: string(st.Status)}
	if st.Error != "" {
		out.Detail += ": " + st.Error
	}
	if out.State == target.StateRunning {
		out.PID, out.GatewayPort = st.Pid, port
	}
	return out
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
	lo := container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: strconv.Itoa(n)}
	if !opts.Since.IsZero() {
		lo.Since = opts.Since.UTC().Format(time.RFC3339)
	}
	rc, err := t.api.ContainerLogs(ctx, startup.ContainerName(profile), lo)
	if err != nil {
		return []string{}
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		slog.Debug("docker log stream ended early", "profile", profile, "err", err)
	}
	return target.Window(target.SplitLines(buf.String()), opts)
}

func (t *Target) Endpoint() target.Endpoint {
	_, port := t.bound()
	if port == 0 {
		port = t.m.Target.Port
	}
	return target.Endpoint{Host: "127.0.0.1", Port: port, Protocol: "http"}
}

func (t *Target) Destroy(ctx context.Context) {
	profile, _ := t.bound()
	if profile == "" {
		return
	}
	logger := slog.With("op", "destroy", "target", string(manifest.TargetDocker), "profile", profile)
	names := t.names(profile)
	for i := len(names) - 1; i >= 0; i-- {
		err := t.api.ContainerRemove(ctx, names[i], container.RemoveOptions{Force: true})
		if err != nil && !errs.IsNotFound(err) {
			logger.Warn("remove container failed", "container", names[i], "err", err)
		}
	}
	if len(t.m.Security.Middleware) > 0 {
		if err := t.api.NetworkRemove(ctx, startup.ContainerName(profile)); err != nil && !errs.IsNotFound(err) {
			logger.Warn("remove network failed", "err", err)
		}
	}
	for _, f := range []string{"secrets.json", "config.json"} {
		if err := os.Remove(filepath.Join(t.dataDir(profile), f)); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove file failed", "file", f, "err", err)
		}
	}
	t.bind("", 0, "")
}

func (t *Target) Metadata() target.Metadata {
	md, _ := target.MetadataFor(manifest.TargetDocker)
	return md
}
