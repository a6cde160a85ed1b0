package cli

import (
	"context"
	"sync"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/config"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/observability"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

type fakeInstance struct {
	running bool
	config  string
	logs    []string
}

// fakePlatform holds instances across the targets each command rebuilds,
// the way a real platform outlives the CLI process.
type fakePlatform struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance
	builds    int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{instances: map[string]*fakeInstance{}}
}

func (p *fakePlatform) factory(_ context.Context, _ config.Config, metrics *observability.Metrics) *target.Factory {
	f := target.NewFactory(metrics)
	f.Register(manifest.TargetDocker, func(_ context.Context, m manifest.Manifest, b target.Binding) (target.Target, error) {
		p.mu.Lock()
		p.builds++
		p.mu.Unlock()
		return &fakeTarget{p: p, m: m, profile: b.Profile, port: b.Port}, nil
	})
	return f
}

func (p *fakePlatform) get(profile string) *fakeInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instances[profile]
}

type fakeTarget struct {
	p       *fakePlatform
	m       manifest.Manifest
	profile string
	port    int
}

func (t *fakeTarget) Install(_ context.Context, opts target.InstallOptions) target.InstallResult {
	if err := opts.Validate(); err != nil {
		return target.InstallFailure(opts.Profile, err)
	}
	for _, name := range t.m.RequiredSecrets() {
		if opts.Secrets[name] == "" {
			return target.InstallFailure(opts.Profile, errs.Validation("secrets", name, "required secret missing"))
		}
	}
	t.p.mu.Lock()
	if _, ok := t.p.instances[opts.Profile]; !ok {
		t.p.instances[opts.Profile] = &fakeInstance{logs: []string{"boot", "listening on :4100", "ready"}}
	}
	t.p.mu.Unlock()
	t.profile, t.port = opts.Profile, opts.Port
	return target.InstallResult{
		Success:    true,
		InstanceID: "fake-" + opts.Profile,
		Message:    "installed " + opts.Profile,
	}
}

func (t *fakeTarget) Configure(_ context.Context, payload target.ConfigurePayload) target.ConfigureResult {
	inst := t.p.get(t.profile)
	if t.profile == "" || inst == nil {
		return target.ConfigureFailure(t.profile, errs.NotInstalled("configure"))
	}
	b, err := payload.Canonical()
	if err != nil {
		return target.ConfigureFailure(t.profile, err)
	}
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	changed := inst.config != string(b)
	inst.config = string(b)
	return target.ConfigureResult{Success: true, Message: "configured " + t.profile, RequiresRestart: changed && inst.running}
}

func (t *fakeTarget) power(op string, running bool) error {
	if t.profile == "" {
		return errs.NotInstalled(op)
	}
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	inst, ok := t.p.instances[t.profile]
	if !ok {
		return errs.New(errs.KindNotFound, op, t.profile, "no such instance")
	}
	inst.running = running
	return nil
}

func (t *fakeTarget) Start(context.Context) error   { return t.power("start", true) }
func (t *fakeTarget) Stop(context.Context) error    { return t.power("stop", false) }
func (t *fakeTarget) Restart(context.Context) error { return t.power("restart", true) }

func (t *fakeTarget) Status(context.Context) target.Status {
	inst := t.p.get(t.profile)
	switch {
	case t.profile == "" || inst == nil:
		return target.NotInstalled("")
	case inst.running:
		return target.Status{State: target.StateRunning, PID: 42, GatewayPort: t.port}
	}
	return target.Status{State: target.StateStopped}
}

func (t *fakeTarget) Logs(_ context.Context, opts target.LogOptions) []string {
	inst := t.p.get(t.profile)
	if inst == nil {
		return nil
	}
	return target.Window(inst.logs, opts)
}

func (t *fakeTarget) Endpoint() target.Endpoint {
	return target.Endpoint{Host: "127.0.0.1", Port: t.port, Protocol: "http"}
}

func (t *fakeTarget) Destroy(context.Context) {
	t.p.mu.Lock()
	delete(t.p.instances, t.profile)
	t.p.mu.Unlock()
	t.profile, t.port = "", 0
}

func (t *fakeTarget) Metadata() target.Metadata {
	md, _ := target.MetadataFor(manifest.TargetDocker)
	return md
}
