// Package kubernetes deploys an instance into a cluster namespace as a
// Deployment, Service and ConfigMap, driving kubectl through target.Runner.
// Manifests always travel on stdin so secret values never reach argv.
package kubernetes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// DefaultNamespace is used when the manifest names none.
const DefaultNamespace = "default"

// Config configures a kubernetes target.
type Config struct {
	Manifest manifest.Manifest
	Runner   target.Runner
	// Kubectl is the kubectl binary; defaults to "kubectl".
	Kubectl string
	// Kubeconfig and Context select the cluster; empty uses kubectl's
	// defaults.
	Kubeconfig string
	Context    string
	Startup    target.StartupDefaults
	Binding    target.Binding
}

// Target implements target.Target with kubectl.
type Target struct {
	m         manifest.Manifest
	run       target.Runner
	kubectl   string
	global    []string
	namespace string
	defaults  target.StartupDefaults

	mu      sync.Mutex
	profile string
	port    int
}

// New builds a kubernetes target.
func New(cfg Config) (*Target, error) {
	if cfg.Runner == nil {
		cfg.Runner = target.ExecRunner{}
	}
	if cfg.Kubectl == "" {
		cfg.Kubectl = "kubectl"
	}
	if cfg.Startup.ProxyImage == "" {
		cfg.Startup = target.DefaultStartup
	}
	ns := cfg.Manifest.Target.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	var global []string
	if cfg.Kubeconfig != "" {
		global = append(global, "--kubeconfig", cfg.Kubeconfig)
	}
	if cfg.Context != "" {
		global = append(global, "--context", cfg.Context)
	}
	global = append(global, "--namespace", ns)
	t := &Target{
		m:         cfg.Manifest,
		run:       cfg.Runner,
		kubectl:   cfg.Kubectl,
		global:    global,
		namespace: ns,
		defaults:  cfg.Startup,
	}
	if cfg.Binding.Bound() {
		t.profile, t.port = cfg.Binding.Profile, cfg.Binding.Port
	}
	return t, nil
}

// Builder returns a target.Builder over base.
func Builder(base Config) target.Builder {
	return func(_ context.Context, m manifest.Manifest, b target.Binding) (target.Target, error) {
		cfg := base
		cfg.Manifest, cfg.Binding = m, b
		return New(cfg)
	}
}

func sortedKeys(m map[string]string) []string { return slices.Sorted(maps.Keys(m)) }

func (t *Target) kube(ctx context.Context, stdin string, args ...string) (string, error) {
	return t.run.Run(ctx, stdin, t.kubectl, append(slices.Clone(t.global), args...)...)
}

func (t *Target) bound() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile, t.port
}

func (t *Target) Install(ctx context.Context, opts target.InstallOptions) target.InstallResult {
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

	// Re-installing keeps the live replica count and configuration; only
	// the rendered spec (image, env, secrets) is re-applied.
	live, err := t.live(ctx, opts.Profile)
	if err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}
	objs, err := t.render(opts, live.config, live.replicas)
	if err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}
	doc, err := objs.YAML()
	if err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}
	if _, err := t.kube(ctx, doc, "apply", "-f", "-"); err != nil {
		return target.InstallFailure(opts.Profile, err, secrets...)
	}

	t.mu.Lock()
	t.profile, t.port = opts.Profile, opts.Port
	t.mu.Unlock()
	msg := "applied deployment " + t.namespace + "/" + objs.Name
	if live.exists {
		msg = "re-applied existing deployment " + t.namespace + "/" + objs.Name
	}
	return target.InstallResult{
		Success:     true,
		InstanceID:  t.namespace + "/" + objs.Name,
		ServiceName: objs.Name,
		Message:     msg,
	}
}

type liveState struct {
	exists   bool
	replicas int
	config   []byte
}

// live reads what a previous install left in the namespace. A Deployment
// of the same name that Kanri did not create for profile is an
// already-exists failure.
func (t *Target) live(ctx context.Context, profile string) (liveState, error) {
	st := liveState{config: []byte("{}\n")}
	name := resourceName(profile)
	out, err := t.kube(ctx, "", "get", "deployment", name, "-o", "json")
	if err != nil {
		if notFound(err) {
			return st, nil
		}
		return st, err
	}
	var d struct {
		Metadata struct {
			Labels map[string]string `json:"labels"`
		} `json:"metadata"`
		Spec struct {
			Replicas *int `json:"replicas"`
		} `json:"spec"`
	}
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		return st, errs.New(errs.KindUnknown, "install", profile, "decode deployment: %v", err)
	}
	owner := selectorLabels(profile)
	for k, v := range owner {
		if d.Metadata.Labels[k] != v {
			return st, errs.New(errs.KindAlreadyExists, "install", profile,
				"deployment %s/%s exists and is not managed for this profile", t.namespace, name)
		}
	}
	st.exists = true
	if d.Spec.Replicas != nil {
		st.replicas = *d.Spec.Replicas
	} else {
		st.replicas = 1
	}
	if out, err := t.kube(ctx, "", "get", "configmap", name+"-config", "-o", "json"); err == nil {
		var cm configMapData
		if json.Unmarshal([]byte(out), &cm) == nil {
			if c, ok := cm.Data["config.json"]; ok {
				st.config = []byte(c)
			}
		}
	}
	return st, nil
}

type configMapData struct {
	Data map[string]string `json:"data"`
}

func (t *Target) Configure(ctx context.Context, payload target.ConfigurePayload) target.ConfigureResult {
	profile, port := t.bound()
	if profile == "" {
		return target.ConfigureFailure("", errs.NotInstalled("configure"))
	}
	content, err := payload.Canonical()
	if err != nil {
		return target.ConfigureFailure(profile, errs.Validation("configure", profile, "encode payload: %v", err))
	}
	name := resourceName(profile) + "-config"
	if out, err := t.kube(ctx, "", "get", "configmap", name, "-o", "json"); err == nil {
		var cm configMapData
		if json.Unmarshal([]byte(out), &cm) == nil && cm.Data["config.json"] == string(content) {
			return target.ConfigureResult{Success: true, Message: "configuration unchanged"}
		}
	}

	// Re-render only the ConfigMap so replicas and secrets stay untouched.
	objs, err := t.render(target.InstallOptions{Profile: profile, Port: port}, content, 0)
	if err != nil {
		return target.ConfigureFailure(profile, err)
	}
	objs.list = objs.list[:1]
	doc, err := objs.YAML()
	if err != nil {
		return target.ConfigureFailure(profile, err)
	}
	if _, err := t.kube(ctx, doc, "apply", "-f", "-"); err != nil {
		return target.ConfigureFailure(profile, err)
	}
	return target.ConfigureResult{
		Success:         true,
		Message:         "applied configmap " + t.namespace + "/" + name,
		RequiresRestart: t.Status(ctx).State == target.StateRunning,
	}
}

func (t *Target) scale(ctx context.Context, op string, replicas int) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled(op)
	}
	_, err := t.kube(ctx, "", "scale", "deployment/"+resourceName(profile), "--replicas="+strconv.Itoa(replicas))
	return errs.Wrap(op, profile, err)
}

func (t *Target) Start(ctx context.Context) error { return t.scale(ctx, "start", 1) }
func (t *Target) Stop(ctx context.Context) error  { return t.scale(ctx, "stop", 0) }

func (t *Target) Restart(ctx context.Context) error {
	profile, _ := t.bound()
	if profile == "" {
		return errs.NotInstalled("restart")
	}
	_, err := t.kube(ctx, "", "rollout", "restart", "deployment/"+resourceName(profile))
	return errs.Wrap("restart", profile, err)
}

func (t *Target) Status(ctx context.Context) target.Status {
	profile, port := t.bound()
	if profile == "" {
		return target.NotInstalled("")
	}
	out, err := t.kube(ctx, "", "get", "deployment", resourceName(profile), "-o", "json")
	if err != nil {
		if notFound(err) {
			return target.NotInstalled("deployment not found")
		}
		return target.NotInstalled(err.Error())
	}
	var d target.Deployment
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		return target.NotInstalled("decode deployment: " + err.Error())
	}
	st := target.Status{State: target.FromDeployment(&d), Detail: readyDetail(d)}
	if st.State == target.StateRunning {
		st.GatewayPort = port
	}
	return st
}

// notFound recognizes kubectl's "Error from server (NotFound)" which
// otherwise classifies as a plain command failure.
func notFound(err error) bool {
	var ce *target.CommandError
	if errors.As(err, &ce) && strings.Contains(ce.Stderr, "(NotFound)") {
		return true
	}
	return errs.IsNotFound(err)
}

func readyDetail(d target.Deployment) string {
	want := 1
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	detail := strconv.Itoa(d.Status.ReadyReplicas) + "/" + strconv.Itoa(want) + " ready"
	for _, c := range d.Status.Conditions {
		if c.Status == "False" && c.Reason != "" {
			detail += "; " + c.Type + ": " + c.Reason
		}
	}
	return detail
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
	args := []string{"logs", "deployment/" + resourceName(profile), "--container", "instance", "--tail=" + strconv.Itoa(n)}
	if !opts.Since.IsZero() {
		args = append(args, "--since-time="+opts.Since.UTC().Format(time.RFC3339))
	}
	out, err := t.kube(ctx, "", args...)
	if err != nil {
		return []string{}
	}
	return target.Window(target.SplitLines(out), opts)
}

// Endpoint is the in-cluster service address.
func (t *Target) Endpoint() target.Endpoint {
	profile, port := t.bound()
	if port == 0 {
		port = t.m.Target.Port
	}
	if profile == "" {
		profile = t.m.Profile()
	}
	host := strings.Join([]string{resourceName(profile), t.namespace, "svc", "cluster", "local"}, ".")
	return target.Endpoint{Host: host, Port: port, Protocol: "http"}
}

func (t *Target) Destroy(ctx context.Context) {
	profile, port := t.bound()
	if profile == "" {
		return
	}
	logger := slog.With("op", "destroy", "target", string(manifest.TargetKubernetes), "profile", profile)
	// Any secret entry renders the Secret object; delete ignores it when
	// install never created one.
	objs, err := t.render(target.InstallOptions{Profile: profile, Port: port, Secrets: map[string]string{"-": ""}}, []byte("{}\n"), 0)
	if err == nil {
		var doc string
		if doc, err = objs.YAML(); err == nil {
			_, err = t.kube(ctx, doc, "delete", "-f", "-", "--ignore-not-found")
		}
	}
	if err != nil {
		logger.Warn("delete objects failed", "err", err)
	}
	t.mu.Lock()
	t.profile, t.port = "", 0
	t.mu.Unlock()
}

func (t *Target) Metadata() target.Metadata {
	md, _ := target.MetadataFor(manifest.TargetKubernetes)
	return md
}
