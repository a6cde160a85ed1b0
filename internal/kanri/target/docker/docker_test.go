package docker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

func demoManifest() manifest.Manifest {
	return manifest.Manifest{
		APIVersion: manifest.APIVersion,
		Metadata:   manifest.Metadata{Name: "demo", Workspace: "default", Labels: map[string]string{"team": "bots"}},
		Target:     manifest.Target{Type: manifest.TargetDocker, Port: 4100},
		Runtime:    manifest.Runtime{Image: "ghcr.io/acme/bot:1.0", CPU: 0.5, Memory: 256},
		Network:    manifest.Network{Port: 8000},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestTarget(t *testing.T, m manifest.Manifest) (*Target, *fakeEngine, string) {
	t.Helper()
	engine := newFakeEngine()
	dir := t.TempDir()
	tg, err := New(Config{
		Manifest:  m,
		Client:    engine,
		DataDir:   dir,
		PullRetry: retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Sleep: noSleep},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tg, engine, dir
}

func TestDocker_EndToEnd(t *testing.T) {
	ctx := context.Background()
	tg, engine, dir := newTestTarget(t, demoManifest())

	if st := tg.Status(ctx); st.State != target.StateNotInstalled {
		t.Fatalf("status before install = %s", st.State)
	}

	res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100, Secrets: map[string]string{"api-key": "sk-live-abcdef"}})
	if !res.Success {
		t.Fatalf("install failed: %s", res.Message)
	}
	if res.ServiceName != "kanri-demo" || res.InstanceID == "" {
		t.Errorf("result = %+v", res)
	}

	c := engine.containers["kanri-demo"]
	if c == nil {
		t.Fatal("container not created")
	}
	if c.config.Labels[labelProfile] != "demo" || c.config.Labels["team"] != "bots" {
		t.Errorf("labels = %v", c.config.Labels)
	}
	bindings := c.host.PortBindings[nat.Port("8000/tcp")]
	if len(bindings) != 1 || bindings[0].HostPort != "4100" {
		t.Errorf("port bindings = %v", c.host.PortBindings)
	}
	if c.host.Resources.NanoCPUs != 500_000_000 || c.host.Resources.Memory != 256<<20 {
		t.Errorf("resources = %+v", c.host.Resources)
	}
	if want := filepath.Join(dir, "demo") + ":/data"; len(c.host.Binds) != 1 || c.host.Binds[0] != want {
		t.Errorf("binds = %v, want %s", c.host.Binds, want)
	}
	for _, e := range c.config.Env {
		if strings.Contains(e, "sk-live-abcdef") {
			t.Errorf("secret value in container env: %s", e)
		}
	}
	if !containsPrefix(c.config.Env, "KANRI_SECRET_REFS=") || !containsPrefix(c.config.Env, "KANRI_PROFILE=demo") {
		t.Errorf("env = %v", c.config.Env)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "demo", "secrets.json"))
	if err != nil {
		t.Fatalf("secrets file: %v", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil || secrets["api-key"] != "sk-live-abcdef" {
		t.Errorf("secrets.json = %s", raw)
	}
	if len(engine.pulls) != 1 || engine.pulls[0] != "ghcr.io/acme/bot:1.0" {
		t.Errorf("pulls = %v", engine.pulls)
	}

	if st := tg.Status(ctx); st.State != target.StateStopped {
		t.Fatalf("status after install = %s", st.State)
	}
	if err := tg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := tg.Status(ctx)
	if st.State != target.StateRunning || st.PID != 4242 || st.GatewayPort != 4100 {
		t.Fatalf("status after start = %+v", st)
	}
	if err := tg.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := tg.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ep := tg.Endpoint(); ep.Host != "127.0.0.1" || ep.Port != 4100 {
		t.Errorf("endpoint = %+v", ep)
	}

	tg.Destroy(ctx)
	tg.Destroy(ctx)
	if len(engine.containers) != 0 {
		t.Errorf("containers left: %v", engine.containers)
	}
	if _, err := os.Stat(filepath.Join(dir, "demo", "secrets.json")); !os.IsNotExist(err) {
		t.Errorf("secrets.json not removed: %v", err)
	}
	if st := tg.Status(ctx); st.State != target.StateNotInstalled {
		t.Errorf("status after destroy = %s", st.State)
	}
}

func containsPrefix(env []string, prefix string) bool {
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

func TestDocker_LifecycleBeforeInstall(t *testing.T) {
	ctx := context.Background()
	tg, engine, _ := newTestTarget(t, demoManifest())
	for name, op := range map[string]func(context.Context) error{
		"start": tg.Start, "stop": tg.Stop, "restart": tg.Restart,
	} {
		if err := op(ctx); !errs.IsNotInstalled(err) {
			t.Errorf("%s before install: %v", name, err)
		}
	}
	if lines := tg.Logs(ctx, target.LogOptions{}); len(lines) != 0 {
		t.Errorf("logs before install = %v", lines)
	}
	tg.Destroy(ctx)
	if calls := engine.callLog(); len(calls) != 0 {
		t.Errorf("engine calls before install: %v", calls)
	}
}

func TestDocker_AdoptsExistingContainer(t *testing.T) {
	ctx := context.Background()
	tg, engine, dir := newTestTarget(t, demoManifest())
	opts := target.InstallOptions{Profile: "demo", Port: 4100}
	first := tg.Install(ctx, opts)
	if !first.Success {
		t.Fatalf("install: %s", first.Message)
	}

	// A second process with no binding finds the labelled container.
	again, err := New(Config{Manifest: demoManifest(), Client: engine, DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	res := again.Install(ctx, opts)
	if !res.Success || res.InstanceID != first.InstanceID || !strings.Contains(res.Message, "adopted") {
		t.Errorf("second install = %+v", res)
	}
	if n := len(engine.containers); n != 1 {
		t.Errorf("%d containers after re-install", n)
	}
}

func TestDocker_InstallOtherProfile(t *testing.T) {
	ctx := context.Background()
	tg, _, _ := newTestTarget(t, demoManifest())
	if res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("install: %s", res.Message)
	}
	res := tg.Install(ctx, target.InstallOptions{Profile: "other", Port: 4101})
	if res.Success || res.Kind != errs.KindAlreadyExists {
		t.Errorf("second profile = %+v", res)
	}
}

func TestDocker_PullRetried(t *testing.T) {
	ctx := context.Background()
	tg, engine, _ := newTestTarget(t, demoManifest())
	engine.pullErrs = []error{errdefs.Unavailable(errors.New("registry busy")), nil}
	if res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("install: %s", res.Message)
	}
	if len(engine.pulls) != 2 {
		t.Errorf("pulls = %v, want one retry", engine.pulls)
	}
}

func TestDocker_PullNotFoundIsFinal(t *testing.T) {
	ctx := context.Background()
	tg, engine, _ := newTestTarget(t, demoManifest())
	engine.pullErrs = []error{errdefs.NotFound(errors.New("manifest unknown")), nil}
	res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100})
	if res.Success || res.Kind != errs.KindNotFound {
		t.Fatalf("install = %+v", res)
	}
	if len(engine.pulls) != 1 {
		t.Errorf("pulls = %v, want no retry", engine.pulls)
	}
	if !strings.HasPrefix(res.Message, "install demo:") {
		t.Errorf("message = %q", res.Message)
	}
	if st := tg.Status(ctx); st.State != target.StateNotInstalled {
		t.Errorf("failed install left state %s", st.State)
	}
}

func TestDocker_Middleware(t *testing.T) {
	ctx := context.Background()
	m := demoManifest()
	m.Security.Middleware = []manifest.Middleware{{Name: "ratelimit", Image: "ghcr.io/acme/ratelimit:1", Config: map[string]string{"rps": "5"}}}
	tg, engine, _ := newTestTarget(t, m)
	if res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("install: %s", res.Message)
	}
	if !engine.networks["kanri-demo"] {
		t.Fatal("network not created")
	}
	inst, proxy := engine.containers["kanri-demo"], engine.containers["kanri-demo-proxy"]
	if inst == nil || proxy == nil {
		t.Fatalf("containers = %v", engine.containers)
	}
	if len(inst.host.PortBindings) != 0 {
		t.Errorf("instance should not publish ports behind a proxy: %v", inst.host.PortBindings)
	}
	if _, ok := inst.net.EndpointsConfig["kanri-demo"]; !ok {
		t.Errorf("instance not on the private network")
	}
	if !containsPrefix(proxy.config.Env, "KANRI_UPSTREAM=http://kanri-demo:8000") {
		t.Errorf("proxy env = %v", proxy.config.Env)
	}
	if !containsPrefix(proxy.config.Env, `KANRI_MIDDLEWARE=[{"name":"ratelimit"`) {
		t.Errorf("proxy env = %v", proxy.config.Env)
	}

	if err := tg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	calls := engine.callLog()
	if got := calls[len(calls)-2:]; got[0] != "start kanri-demo" || got[1] != "start kanri-demo-proxy" {
		t.Errorf("start order = %v", got)
	}
	tg.Destroy(ctx)
	if engine.networks["kanri-demo"] || len(engine.containers) != 0 {
		t.Errorf("destroy left network=%v containers=%v", engine.networks, engine.containers)
	}
}

func middlewareManifest() manifest.Manifest {
	m := demoManifest()
	m.Security.Middleware = []manifest.Middleware{{Name: "ratelimit", Image: "ghcr.io/acme/ratelimit:1", Config: map[string]string{"rps": "5"}}}
	return m
}

func TestDocker_ProxyPullFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	tg, engine, _ := newTestTarget(t, middlewareManifest())
	// The instance image pulls, the proxy image does not exist.
	engine.pullErrs = []error{nil, errdefs.NotFound(errors.New("manifest unknown"))}
	opts := target.InstallOptions{Profile: "demo", Port: 4100}

	res := tg.Install(ctx, opts)
	if res.Success || res.Kind != errs.KindNotFound {
		t.Fatalf("first install = %+v", res)
	}
	if len(engine.containers) != 0 || engine.networks["kanri-demo"] {
		t.Fatalf("failed install left containers=%v networks=%v", engine.containers, engine.networks)
	}

	res = tg.Install(ctx, opts)
	if !res.Success || strings.Contains(res.Message, "adopted") {
		t.Fatalf("retry = %+v", res)
	}
	if engine.containers["kanri-demo"] == nil || engine.containers["kanri-demo-proxy"] == nil {
		t.Fatalf("containers = %v", engine.containers)
	}
	if err := tg.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestDocker_ProxyCreateFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	tg, engine, _ := newTestTarget(t, middlewareManifest())
	// An unrelated container already holds the proxy name.
	engine.containers["kanri-demo-proxy"] = &fakeContainer{id: "foreign", config: &container.Config{}, status: "exited"}

	res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100})
	if res.Success {
		t.Fatalf("install = %+v", res)
	}
	if _, ok := engine.containers["kanri-demo"]; ok {
		t.Error("instance container not rolled back")
	}
	if engine.containers["kanri-demo-proxy"].id != "foreign" {
		t.Error("rollback removed a container it did not create")
	}
	if engine.networks["kanri-demo"] {
		t.Error("network not rolled back")
	}
	if st := tg.Status(ctx); st.State != target.StateNotInstalled {
		t.Errorf("state = %s", st.State)
	}
}

func TestDocker_PartialInstallIsRebuilt(t *testing.T) {
	ctx := context.Background()
	tg, engine, dir := newTestTarget(t, middlewareManifest())
	// An older install without middleware left only the instance.
	plain, err := New(Config{Manifest: demoManifest(), Client: engine, DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if res := plain.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("plain install: %s", res.Message)
	}
	old := engine.containers["kanri-demo"].id

	res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100})
	if !res.Success || strings.Contains(res.Message, "adopted") {
		t.Fatalf("install = %+v", res)
	}
	if engine.containers["kanri-demo"].id == old {
		t.Error("partial instance was adopted instead of rebuilt")
	}
	if engine.containers["kanri-demo-proxy"] == nil {
		t.Error("proxy missing")
	}
}

func TestDocker_Sandbox(t *testing.T) {
	ctx := context.Background()
	m := demoManifest()
	m.Security.Sandbox = true
	tg, engine, _ := newTestTarget(t, m)
	if res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("install: %s", res.Message)
	}
	if rt := engine.containers["kanri-demo"].host.Runtime; rt != "runsc" {
		t.Errorf("runtime = %q", rt)
	}
}

func TestDocker_Logs(t *testing.T) {
	ctx := context.Background()
	tg, engine, _ := newTestTarget(t, demoManifest())
	engine.stdout = "booting\nready\n"
	engine.stderr = "warn: slow disk\n"
	if res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("install: %s", res.Message)
	}
	lines := tg.Logs(ctx, target.LogOptions{})
	if len(lines) != 3 || lines[2] != "warn: slow disk" {
		t.Errorf("logs = %q", lines)
	}
	if lines := tg.Logs(ctx, target.LogOptions{Filter: "ready"}); len(lines) != 1 {
		t.Errorf("filtered = %q", lines)
	}
}

func TestDocker_Configure(t *testing.T) {
	ctx := context.Background()
	tg, _, dir := newTestTarget(t, demoManifest())
	if res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("install: %s", res.Message)
	}
	payload := target.ConfigurePayload{Settings: map[string]any{"model": "small"}}
	if res := tg.Configure(ctx, payload); !res.Success || res.RequiresRestart {
		t.Fatalf("configure stopped = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "demo", "config.json")); err != nil {
		t.Fatalf("config.json: %v", err)
	}
	if err := tg.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if res := tg.Configure(ctx, payload); !res.Success || res.RequiresRestart {
		t.Errorf("unchanged configure = %+v", res)
	}
	payload.Settings["model"] = "large"
	if res := tg.Configure(ctx, payload); !res.Success || !res.RequiresRestart {
		t.Errorf("changed configure while running = %+v", res)
	}
}

func TestDocker_StatusAfterExternalRemoval(t *testing.T) {
	ctx := context.Background()
	tg, engine, _ := newTestTarget(t, demoManifest())
	if res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("install: %s", res.Message)
	}
	delete(engine.containers, "kanri-demo")
	if st := tg.Status(ctx); st.State != target.StateNotInstalled {
		t.Errorf("status = %+v", st)
	}
	if err := tg.Start(ctx); !errs.IsNotFound(err) {
		t.Errorf("start after removal: %v", err)
	}
}
