// Package cloud provisions an instance on managed compute (EC2, GCE) by
// composing the capabilities a provider declares. It never asks a provider
// for a capability it did not declare: a missing optional capability skips
// its step, a missing required one fails validation before any platform
// call.
package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/common/shell"
	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
	"github.com/bdobrica/Kanri/internal/kanri/startup"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// Keys of InstallResult.Resources.
const (
	ResourceSecurityGroup = "security-group"
	ResourceLogGroup      = "log-group"
	ResourceSecrets       = "secrets"
)

// Format selects the first-boot document handed to the instance.
type Format string

const (
	FormatUserData  Format = "user-data"
	FormatCloudInit Format = "cloud-init"
)

// maxLogPages bounds one Logs call.
const maxLogPages = 10

// Config configures a cloud target.
type Config struct {
	Manifest manifest.Manifest
	Provider *provider.Provider
	// Format defaults to user-data for aws-ec2 and cloud-init otherwise.
	Format  Format
	Startup target.StartupDefaults
	// Retry governs teardown steps that fail while dependents drain (a
	// security group still attached to a terminating instance).
	Retry   retry.Config
	Binding target.Binding
}

// Target implements target.Target over a provider.Provider.
type Target struct {
	m        manifest.Manifest
	p        *provider.Provider
	compute  provider.Compute
	format   Format
	defaults target.StartupDefaults
	retry    retry.Config

	installMu sync.Mutex

	mu        sync.Mutex
	profile   string
	port      int
	id        string
	name      string
	address   string
	resources map[string]string
}

// New builds a cloud target. The provider must declare compute.
func New(cfg Config) (*Target, error) {
	if cfg.Provider == nil {
		return nil, errs.Validation("cloud.new", cfg.Manifest.Metadata.Name, "provider is required")
	}
	if err := cfg.Provider.Require(provider.CapCompute); err != nil {
		return nil, errs.Validation("cloud.new", cfg.Manifest.Metadata.Name, "%v", err)
	}
	compute, _ := cfg.Provider.Compute()
	if cfg.Format == "" {
		cfg.Format = FormatCloudInit
		if cfg.Manifest.Target.Type == manifest.TargetAWSEC2 {
			cfg.Format = FormatUserData
		}
	}
	if cfg.Startup.ProxyImage == "" {
		cfg.Startup = target.DefaultStartup
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 6, InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Second}
	}
	t := &Target{
		m:        cfg.Manifest,
		p:        cfg.Provider,
		compute:  compute,
		format:   cfg.Format,
		defaults: cfg.Startup,
		retry:    cfg.Retry,
	}
	if b := cfg.Binding; b.Bound() {
		t.profile, t.port, t.id, t.name = b.Profile, b.Port, b.InstanceID, b.ServiceName
		t.resources = b.Resources
	}
	return t, nil
}

// ProviderFunc builds the provider for one manifest (region, project and
// zone come from the manifest's target block).
type ProviderFunc func(ctx context.Context, m manifest.Manifest) (*provider.Provider, error)

// Builder returns a target.Builder that resolves the provider per manifest.
func Builder(base Config, resolve ProviderFunc) target.Builder {
	return func(ctx context.Context, m manifest.Manifest, b target.Binding) (target.Target, error) {
		cfg := base
		cfg.Manifest, cfg.Binding = m, b
		if cfg.Provider == nil {
			p, err := resolve(ctx, m)
			if err != nil {
				return nil, err
			}
			cfg.Provider = p
		}
		return New(cfg)
	}
}

type binding struct {
	profile   string
	port      int
	id        string
	name      string
	resources map[string]string
}

func (t *Target) snapshot() binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	return binding{t.profile, t.port, t.id, t.name, t.resources}
}

func (t *Target) tags(profile string) map[string]string {
	tags := make(map[string]string, len(t.m.Metadata.Labels)+3)
	for k, v := range t.m.Metadata.Labels {
		tags[k] = v
	}
	tags["kanri-profile"] = profile
	tags["kanri-workspace"] = t.m.Metadata.Workspace
	tags["managed-by"] = "kanri"
	return tags
}

func (t *Target) Install(ctx context.Context, opts target.InstallOptions) target.InstallResult {
	t.installMu.Lock()
	defer t.installMu.Unlock()

	if err := opts.Validate(); err != nil {
		return target.InstallFailure(opts.Profile, err)
	}
	prior := t.snapshot()
	if prior.profile != "" && prior.profile != opts.Profile {
		return target.InstallFailure(opts.Profile,
			errs.New(errs.KindAlreadyExists, "install", opts.Profile, "target already bound to profile %s", prior.profile))
	}
	for _, name := range t.m.RequiredSecrets() {
		if _, ok := opts.Secrets[name]; !ok {
			return target.InstallFailure(opts.Profile, errs.Validation("install", opts.Profile, "required secret %s not supplied", name))
		}
	}
	secrets := opts.SecretValues()

	name, err := provider.SanitizeComputeName(opts.Profile)
	if err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}
	tags := t.tags(opts.Profile)
	resources := map[string]string{}
	logger := slog.With("op", "install", "provider", t.p.Name(), "profile", opts.Profile, "instance", name)

	// A failed first install removes what it created. A bound target keeps
	// its resources: they belong to the deployment being re-installed.
	fail := func(err error) target.InstallResult {
		if prior.profile == "" && len(resources) > 0 {
			logger.Warn("install failed, removing created resources", "err", err)
			t.teardown(ctx, logger, binding{name: name, resources: resources})
		}
		return target.InstallFailure(opts.Profile, err, secrets...)
	}

	var refs map[string]string
	if len(opts.Secrets) > 0 {
		prov, ok := t.p.SecretProvisioner()
		if !ok {
			return fail(errs.Validation("install", opts.Profile, "provider %s cannot store secrets", t.p.Name()))
		}
		if refs, err = prov.EnsureSecrets(ctx, name, opts.Secrets, tags); err != nil {
			return fail(err)
		}
		resources[ResourceSecrets] = strings.Join(slices.Sorted(maps.Keys(opts.Secrets)), ",")
		logger.Info("secrets ensured", "count", len(refs))
	}

	so := target.StartupOptions(t.m, opts, refs, t.defaults)
	if logs, ok := t.p.LogGroups(); ok {
		group, err := provider.LogGroupName(t.m.Metadata.Workspace, name)
		if err != nil {
			return fail(err)
		}
		if err := logs.EnsureLogGroup(ctx, group, t.m.Observability.LogRetentionDays, tags); err != nil {
			return fail(err)
		}
		resources[ResourceLogGroup] = group
		so.LogDriver = "awslogs"
		so.LogOptions = map[string]string{"awslogs-group": group, "awslogs-stream": name}
		if r := t.m.Target.Region; r != "" {
			so.LogOptions["awslogs-region"] = r
		}
	} else if t.format == FormatCloudInit {
		so.LogDriver = "gcplogs"
	}

	var sg string
	if network, ok := t.p.Network(); ok && t.m.Network.Inbound == manifest.InboundPublic {
		vpc, err := network.DefaultVpc(ctx)
		if err != nil {
			return fail(err)
		}
		rules := []provider.IngressRule{{Port: opts.Port, CIDR: "0.0.0.0/0"}}
		if sg, err = network.EnsureSecurityGroup(ctx, vpc, "kanri-"+name, "Kanri instance "+name, rules); err != nil {
			return fail(err)
		}
		resources[ResourceSecurityGroup] = sg
	}

	script, err := t.render(so)
	if err != nil {
		return fail(errs.Validation("install", opts.Profile, "%v", err))
	}

	inst, err := t.compute.CreateInstance(ctx, provider.InstanceSpec{
		Name:          name,
		StartupScript: script,
		Port:          opts.Port,
		SecurityGroup: sg,
		Labels:        tags,
	})
	created := err == nil
	if errs.IsAlreadyExists(err) {
		logger.Info("instance exists, adopting")
		inst, err = t.compute.FindInstance(ctx, name)
	}
	if err != nil {
		return fail(err)
	}
	msg := fmt.Sprintf("created %s instance %s (%s)", t.p.Name(), name, inst.ID)
	if !created {
		msg = fmt.Sprintf("adopted %s instance %s (%s)", t.p.Name(), name, inst.ID)
	} else if pc, ok := t.p.Power(); ok {
		// Providers boot what they create; install leaves it stopped.
		stop := t.retry
		stop.ShouldRetry = func(err error) bool { return !errs.IsNotFound(err) }
		if err := retry.Do(ctx, stop, func() error { return pc.StopInstance(ctx, inst.ID) }); err != nil {
			logger.Warn("stop after create failed", "id", inst.ID, "err", err)
			msg += "; left running: " + err.Error()
		}
	}

	t.mu.Lock()
	t.profile, t.port, t.id, t.name, t.address = opts.Profile, opts.Port, inst.ID, name, inst.Address
	t.resources = resources
	t.mu.Unlock()
	return target.InstallResult{
		Success:     true,
		InstanceID:  inst.ID,
		ServiceName: name,
		Message:     msg,
		Resources:   resources,
	}
}

func (t *Target) render(so startup.Options) (string, error) {
	if t.format == FormatUserData {
		return startup.UserData(so)
	}
	return startup.CloudInit(so)
}

// configureScript writes content to path through a staging file and prints
// "changed" or "unchanged".
func configureScript(path string, content []byte) string {
	staged := path + ".new"
	encoded := base64.StdEncoding.EncodeToString(content)
	write := shell.Pipeline(
		shell.Join("printf", "%s", encoded),
		shell.Join("base64", "-d"),
		shell.Join("sudo", "tee", staged)+" >/dev/null",
	)
	swap := "if " + shell.Join("sudo", "cmp", "-s", staged, path) +
		"; then " + shell.Join("sudo", "rm", "-f", staged) + "; echo unchanged" +
		"; else " + shell.And(shell.Join("sudo", "chmod", "0600", staged), shell.Join("sudo", "mv", staged, path)) + " && echo changed; fi"
	return shell.And(shell.Join("sudo", "mkdir", "-p", pathDir(path)), write) + " && " + swap
}

func pathDir(p string) string {
	if i := strings.LastIndex(p, "/"); i > 0 {
		return p[:i]
	}
	return "/"
}

func (t *Target) Configure(ctx context.Context, payload target.ConfigurePayload) target.ConfigureResult {
	b := t.snapshot()
	if b.profile == "" {
		return target.ConfigureFailure("", errs.NotInstalled("configure"))
	}
	exec, ok := t.p.Commands()
	if !ok {
		return target.ConfigureResult{
			Message: fmt.Sprintf("configure %s: provider %s cannot run commands on instances", b.profile, t.p.Name()),
			Kind:    errs.KindUnavailable,
		}
	}
	content, err := payload.Canonical()
	if err != nil {
		return target.ConfigureFailure(b.profile, errs.Validation("configure", b.profile, "encode payload: %v", err))
	}
	path := t.defaults.DataDir + "/" + b.profile + "/config.json"
	res, err := exec.RunCommand(ctx, b.id, []string{configureScript(path, content)})
	if err != nil {
		return target.ConfigureFailure(b.profile, err)
	}
	if res.ExitCode != 0 {
		return target.ConfigureFailure(b.profile,
			errs.New(errs.KindCommandFailed, "configure", b.profile, "exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	if strings.TrimSpace(res.Stdout) == "unchanged" {
		return target.ConfigureResult{Success: true, Message: "configuration unchanged"}
	}
	return target.ConfigureResult{
		Success:         true,
		Message:         "wrote " + path + " on " + b.id,
		RequiresRestart: t.Status(ctx).State == target.StateRunning,
	}
}

func (t *Target) power(ctx context.Context, op string, fn func(provider.InstancePowerControl, string) error) error {
	b := t.snapshot()
	if b.profile == "" {
		return errs.NotInstalled(op)
	}
	pc, ok := t.p.Power()
	if !ok {
		return errs.New(errs.KindUnavailable, op, b.profile, "provider %s cannot control instance power", t.p.Name())
	}
	return errs.Wrap(op, b.profile, fn(pc, b.id))
}

func (t *Target) Start(ctx context.Context) error {
	return t.power(ctx, "start", func(pc provider.InstancePowerControl, id string) error { return pc.StartInstance(ctx, id) })
}

func (t *Target) Stop(ctx context.Context) error {
	return t.power(ctx, "stop", func(pc provider.InstancePowerControl, id string) error { return pc.StopInstance(ctx, id) })
}

func (t *Target) Restart(ctx context.Context) error {
	return t.power(ctx, "restart", func(pc provider.InstancePowerControl, id string) error { return pc.RebootInstance(ctx, id) })
}

func (t *Target) Status(ctx context.Context) target.Status {
	b := t.snapshot()
	if b.profile == "" || b.id == "" {
		return target.NotInstalled("")
	}
	st, err := t.compute.InstanceStatus(ctx, b.id)
	if err != nil {
		if errs.IsNotFound(err) {
			return target.NotInstalled("instance not found")
		}
		return target.NotInstalled(err.Error())
	}
	if st.Address != "" {
		t.mu.Lock()
		t.address = st.Address
		t.mu.Unlock()
	}
	out := target.Status{State: target.FromPhase(st.Phase), Detail: st.Raw}
	if out.State == target.StateRunning {
		out.GatewayPort = b.port
	}
	return out
}

func (t *Target) Logs(ctx context.Context, opts target.LogOptions) []string {
	b := t.snapshot()
	if b.profile == "" {
		return []string{}
	}
	query, ok := t.p.LogQuery()
	if !ok {
		return []string{}
	}
	opts = opts.Normalized()
	in := provider.LogQueryInput{
		Group:  b.resources[ResourceLogGroup],
		Stream: b.name,
		Filter: opts.Filter,
		Since:  opts.Since,
		Limit:  opts.Lines,
	}
	var events []provider.LogEvent
	for page := 0; page < maxLogPages; page++ {
		out, err := query.QueryLogs(ctx, in)
		if err != nil {
			slog.Debug("log query failed", "profile", b.profile, "err", err)
			break
		}
		events = append(events, out.Events...)
		if out.NextToken == "" || len(events) >= opts.Lines {
			break
		}
		in.Token = out.NextToken
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	lines := make([]string, 0, len(events))
	for _, e := range events {
		lines = append(lines, target.SplitLines(e.Message)...)
	}
	return target.Window(lines, opts)
}

// ConsoleURL links to the instance's logs in the provider console, or ""
// when the provider declares no console.
func (t *Target) ConsoleURL() string {
	b := t.snapshot()
	console, ok := t.p.LogConsole()
	if !ok || b.profile == "" {
		return ""
	}
	return console.ConsoleURL(b.resources[ResourceLogGroup], b.name)
}

func (t *Target) Endpoint() target.Endpoint {
	b := t.snapshot()
	t.mu.Lock()
	host := t.address
	t.mu.Unlock()
	port := b.port
	if port == 0 {
		port = t.m.Target.Port
	}
	return target.Endpoint{Host: host, Port: port, Protocol: "http"}
}

func (t *Target) Destroy(ctx context.Context) {
	b := t.snapshot()
	if b.profile == "" {
		return
	}
	logger := slog.With("op", "destroy", "provider", t.p.Name(), "profile", b.profile)
	t.teardown(ctx, logger, b)
	t.mu.Lock()
	t.profile, t.port, t.id, t.name, t.address, t.resources = "", 0, "", "", "", nil
	t.mu.Unlock()
}

// teardown deletes the instance and every resource recorded in b. Each
// step logs its failure and moves on.
func (t *Target) teardown(ctx context.Context, logger *slog.Logger, b binding) {
	if b.id != "" {
		if err := t.compute.DeleteInstance(ctx, b.id); err != nil && !errs.IsNotFound(err) {
			logger.Warn("delete instance failed", "id", b.id, "err", err)
		}
	}
	if sg := b.resources[ResourceSecurityGroup]; sg != "" {
		if network, ok := t.p.Network(); ok {
			// The group stays attached until the instance finishes terminating.
			cfg := t.retry
			cfg.ShouldRetry = func(err error) bool { return !errs.IsNotFound(err) }
			err := retry.Do(ctx, cfg, func() error { return network.DeleteSecurityGroup(ctx, sg) })
			if err != nil {
				logger.Warn("delete security group failed", "id", sg, "err", err)
			}
		}
	}
	if group := b.resources[ResourceLogGroup]; group != "" {
		if logs, ok := t.p.LogGroups(); ok {
			if err := logs.DeleteLogGroup(ctx, group); err != nil && !errs.IsNotFound(err) {
				logger.Warn("delete log group failed", "group", group, "err", err)
			}
		}
	}
	if names := b.resources[ResourceSecrets]; names != "" {
		if store, ok := t.p.Secrets(); ok {
			for _, s := range strings.Split(names, ",") {
				if err := store.DeleteSecret(ctx, provider.SecretName(b.name, s)); err != nil && !errs.IsNotFound(err) {
					logger.Warn("delete secret failed", "secret", s, "err", err)
				}
			}
		}
	}
}

func (t *Target) Metadata() target.Metadata {
	md, _ := target.MetadataFor(t.m.Target.Type)
	return md
}
