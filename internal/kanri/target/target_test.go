package target_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/observability"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

func TestInstallOptions_Validate(t *testing.T) {
	cases := []struct {
		name string
		opts target.InstallOptions
		ok   bool
	}{
		{"valid", target.InstallOptions{Profile: "demo", Port: 4100}, true},
		{"missing profile", target.InstallOptions{Port: 4100}, false},
		{"bad profile", target.InstallOptions{Profile: "Demo Bot", Port: 4100}, false},
		{"zero port", target.InstallOptions{Profile: "demo"}, false},
		{"port too high", target.InstallOptions{Profile: "demo", Port: 70000}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errs.IsValidation(err) {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
}

func TestInstallFailure_RedactsAndNames(t *testing.T) {
	res := target.InstallFailure("demo", errs.ErrAlreadyExists, "hunter22")
	if res.Success || res.Kind != errs.KindAlreadyExists {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Message, "install demo: ") {
		t.Errorf("message = %q", res.Message)
	}

	res = target.InstallFailure("demo", errorString("token hunter22 rejected"), "hunter22")
	if strings.Contains(res.Message, "hunter22") {
		t.Errorf("secret leaked: %q", res.Message)
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }

func TestWindow(t *testing.T) {
	lines := []string{"a info", "b error", "", "c info", "d error", "e info"}
	if got := target.Window(lines, target.LogOptions{Lines: 2}); strings.Join(got, ",") != "d error,e info" {
		t.Errorf("tail = %v", got)
	}
	if got := target.Window(lines, target.LogOptions{Filter: "error"}); strings.Join(got, ",") != "b error,d error" {
		t.Errorf("filter = %v", got)
	}
	if got := target.Window(nil, target.LogOptions{}); len(got) != 0 {
		t.Errorf("empty = %v", got)
	}
}

func TestImageRef(t *testing.T) {
	cases := []struct{ image, version, want string }{
		{"ghcr.io/acme/bot:1.0", "", "ghcr.io/acme/bot:1.0"},
		{"ghcr.io/acme/bot:1.0", "1.2", "ghcr.io/acme/bot:1.2"},
		{"bot", "2", "bot:2"},
		{"localhost:5000/bot", "3", "localhost:5000/bot:3"},
		{"bot@sha256:abc", "4", "bot@sha256:abc"},
	}
	for _, tc := range cases {
		if got := target.ImageRef(tc.image, tc.version); got != tc.want {
			t.Errorf("ImageRef(%q, %q) = %q, want %q", tc.image, tc.version, got, tc.want)
		}
	}
}

func TestConfigurePayload_Canonical(t *testing.T) {
	a, _ := target.ConfigurePayload{Settings: map[string]any{"b": 1, "a": "x"}}.Canonical()
	b, _ := target.ConfigurePayload{Settings: map[string]any{"a": "x", "b": 1}}.Canonical()
	if string(a) != string(b) {
		t.Errorf("canonical output differs:\n%s\n%s", a, b)
	}
}

func TestMetadataFor_AllTypes(t *testing.T) {
	for _, tt := range manifest.TargetTypes {
		md, ok := target.MetadataFor(tt)
		if !ok {
			t.Errorf("no metadata for %s", tt)
			continue
		}
		if md.DisplayName == "" || len(md.ProvisioningSteps) == 0 || md.EstimatedDurationSec() <= 0 {
			t.Errorf("incomplete metadata for %s: %+v", tt, md)
		}
	}
}

func TestStartupOptions(t *testing.T) {
	m := manifest.Manifest{
		Metadata: manifest.Metadata{Name: "demo", Workspace: "acme"},
		Target:   manifest.Target{Type: manifest.TargetAWSEC2, Port: 4100},
		Runtime:  manifest.Runtime{Image: "ghcr.io/acme/bot:1.0", Env: map[string]string{"A": "1"}},
		Network:  manifest.Network{Port: 4100},
		Security: manifest.Security{
			Sandbox:    true,
			Middleware: []manifest.Middleware{{Name: "auth", Image: "ghcr.io/acme/auth:1"}},
		},
	}
	so := target.StartupOptions(m, target.InstallOptions{Profile: "demo", Port: 443, Version: "1.1"}, nil, target.DefaultStartup)
	if so.Image != "ghcr.io/acme/bot:1.1" || so.HostPort != 443 || so.ContainerPort != 4100 {
		t.Errorf("options = %+v", so)
	}
	if so.DataDir != "/var/lib/kanri/demo" || so.Env["KANRI_PROFILE"] != "demo" || so.Env["A"] != "1" {
		t.Errorf("options = %+v", so)
	}
	if !so.Sandbox.Enabled || so.Sandbox.Runtime != "runsc" {
		t.Errorf("sandbox = %+v", so.Sandbox)
	}
	if so.Middleware == nil || len(so.Middleware.Assignments) != 1 {
		t.Errorf("middleware = %+v", so.Middleware)
	}
}

// stubTarget records calls and returns canned results.
type stubTarget struct {
	calls    []string
	install  target.InstallResult
	startErr error
}

func (s *stubTarget) Install(ctx context.Context, opts target.InstallOptions) target.InstallResult {
	s.calls = append(s.calls, "install")
	return s.install
}
func (s *stubTarget) Configure(ctx context.Context, p target.ConfigurePayload) target.ConfigureResult {
	s.calls = append(s.calls, "configure")
	return target.ConfigureResult{Success: true}
}
func (s *stubTarget) Start(ctx context.Context) error {
	s.calls = append(s.calls, "start")
	return s.startErr
}
func (s *stubTarget) Stop(ctx context.Context) error { s.calls = append(s.calls, "stop"); return nil }
func (s *stubTarget) Restart(ctx context.Context) error {
	s.calls = append(s.calls, "restart")
	return nil
}
func (s *stubTarget) Status(ctx context.Context) target.Status {
	s.calls = append(s.calls, "status")
	return target.NotInstalled("")
}
func (s *stubTarget) Logs(ctx context.Context, o target.LogOptions) []string { return nil }
func (s *stubTarget) Endpoint() target.Endpoint                              { return target.Endpoint{} }
func (s *stubTarget) Destroy(ctx context.Context)                            { s.calls = append(s.calls, "destroy") }
func (s *stubTarget) Metadata() target.Metadata                              { return target.Metadata{} }

func TestFactory_UnknownTypeIsValidation(t *testing.T) {
	f := target.NewFactory(nil)
	_, err := f.New(context.Background(), manifest.Manifest{Target: manifest.Target{Type: "mainframe"}}, target.Binding{})
	if !errs.IsValidation(err) {
		t.Fatalf("want validation, got %v", err)
	}
}

func TestFactory_InstrumentsAndCounts(t *testing.T) {
	metrics := observability.NewMetrics()
	f := target.NewFactory(metrics)
	stub := &stubTarget{install: target.InstallResult{Success: true, InstanceID: "i-1"}, startErr: errs.NotInstalled("start")}
	f.Register(manifest.TargetDocker, func(ctx context.Context, m manifest.Manifest, b target.Binding) (target.Target, error) {
		return stub, nil
	})
	if got := f.Types(); len(got) != 1 || got[0] != manifest.TargetDocker {
		t.Fatalf("types = %v", got)
	}

	tg, err := f.New(context.Background(), manifest.Manifest{Target: manifest.Target{Type: manifest.TargetDocker}}, target.Binding{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if res := tg.Install(ctx, target.InstallOptions{Profile: "demo", Port: 4100}); !res.Success {
		t.Fatalf("install = %+v", res)
	}
	if err := tg.Start(ctx); !errs.IsNotInstalled(err) {
		t.Fatalf("start err = %v", err)
	}
	tg.Destroy(ctx)

	if strings.Join(stub.calls, ",") != "install,start,destroy" {
		t.Errorf("calls = %v", stub.calls)
	}
	inst, ok := tg.(*target.Instrumented)
	if !ok || inst.Unwrap() != stub {
		t.Fatalf("factory did not instrument: %T", tg)
	}

	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sawStartFailure bool
	for _, mf := range families {
		if mf.GetName() != "kanri_target_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["op"] == "start" && labels["result"] == string(errs.KindNotInstalled) {
				sawStartFailure = true
			}
		}
	}
	if !sawStartFailure {
		t.Error("start failure not counted")
	}
}
