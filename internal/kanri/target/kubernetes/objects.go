package kubernetes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/startup"
	"github.com/bdobrica/Kanri/internal/kanri/target"
)

// Mount points inside the pod.
const (
	dataPath    = "/data"
	configPath  = "/etc/kanri"
	secretsPath = "/var/run/kanri/secrets"
)

// Only the fields Kanri sets are modelled; kubectl fills the rest.

type objectMeta struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type object struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Metadata   objectMeta `yaml:"metadata"`
}

type configMap struct {
	object `yaml:",inline"`
	Data   map[string]string `yaml:"data"`
}

type secret struct {
	object     `yaml:",inline"`
	Type       string            `yaml:"type"`
	StringData map[string]string `yaml:"stringData"`
}

type envVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type containerPort struct {
	Name          string `yaml:"name"`
	ContainerPort int    `yaml:"containerPort"`
}

type volumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
	ReadOnly  bool   `yaml:"readOnly,omitempty"`
}

type resources struct {
	Limits map[string]string `yaml:"limits,omitempty"`
}

type podContainer struct {
	Name         string          `yaml:"name"`
	Image        string          `yaml:"image"`
	Args         []string        `yaml:"args,omitempty"`
	Env          []envVar        `yaml:"env,omitempty"`
	Ports        []containerPort `yaml:"ports,omitempty"`
	VolumeMounts []volumeMount   `yaml:"volumeMounts,omitempty"`
	Resources    *resources      `yaml:"resources,omitempty"`
}

type volume struct {
	Name      string           `yaml:"name"`
	EmptyDir  *struct{}        `yaml:"emptyDir,omitempty"`
	ConfigMap *configMapVolume `yaml:"configMap,omitempty"`
	Secret    *secretVolume    `yaml:"secret,omitempty"`
}

type configMapVolume struct {
	Name string `yaml:"name"`
}

type secretVolume struct {
	SecretName string `yaml:"secretName"`
}

type podSpec struct {
	RuntimeClassName string         `yaml:"runtimeClassName,omitempty"`
	Containers       []podContainer `yaml:"containers"`
	Volumes          []volume       `yaml:"volumes,omitempty"`
}

type deployment struct {
	object `yaml:",inline"`
	Spec   struct {
		Replicas int `yaml:"replicas"`
		Selector struct {
			MatchLabels map[string]string `yaml:"matchLabels"`
		} `yaml:"selector"`
		Template struct {
			Metadata struct {
				Labels map[string]string `yaml:"labels"`
			} `yaml:"metadata"`
			Spec podSpec `yaml:"spec"`
		} `yaml:"template"`
	} `yaml:"spec"`
}

type servicePort struct {
	Name       string `yaml:"name"`
	Port       int    `yaml:"port"`
	TargetPort int    `yaml:"targetPort"`
}

type service struct {
	object `yaml:",inline"`
	Spec   struct {
		Type     string            `yaml:"type"`
		Selector map[string]string `yaml:"selector"`
		Ports    []servicePort     `yaml:"ports"`
	} `yaml:"spec"`
}

// objects is the rendered set for one profile.
type objects struct {
	Name      string
	Namespace string
	list      []any
}

func (o objects) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, obj := range o.list {
		if err := enc.Encode(obj); err != nil {
			return "", fmt.Errorf("encode %T: %w", obj, err)
		}
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func resourceName(profile string) string { return startup.ContainerName(profile) }

func selectorLabels(profile string) map[string]string {
	return map[string]string{"app.kubernetes.io/name": "kanri", "app.kubernetes.io/instance": profile}
}

func (t *Target) objectLabels(profile string) map[string]string {
	labels := make(map[string]string, len(t.m.Metadata.Labels)+3)
	for k, v := range t.m.Metadata.Labels {
		labels[k] = v
	}
	for k, v := range selectorLabels(profile) {
		labels[k] = v
	}
	labels["app.kubernetes.io/managed-by"] = "kanri"
	return labels
}

func (t *Target) meta(name, profile string) object {
	return object{Metadata: objectMeta{Name: name, Namespace: t.namespace, Labels: t.objectLabels(profile)}}
}

// render builds the ConfigMap, optional Secret, Deployment and Service.
// The Deployment starts at zero replicas; Start scales it up.
func (t *Target) render(opts target.InstallOptions, config []byte, replicas int) (objects, error) {
	name := resourceName(opts.Profile)
	so := target.StartupOptions(t.m, opts, nil, t.defaults)

	cm := configMap{object: t.meta(name+"-config", opts.Profile), Data: map[string]string{"config.json": string(config)}}
	cm.APIVersion, cm.Kind = "v1", "ConfigMap"
	out := objects{Name: name, Namespace: t.namespace, list: []any{cm}}

	env := []envVar{}
	for _, k := range sortedKeys(so.Env) {
		env = append(env, envVar{Name: k, Value: so.Env[k]})
	}
	env = append(env, envVar{Name: "KANRI_CONFIG", Value: configPath + "/config.json"})

	mounts := []volumeMount{
		{Name: "data", MountPath: dataPath},
		{Name: "config", MountPath: configPath, ReadOnly: true},
	}
	volumes := []volume{
		{Name: "data", EmptyDir: &struct{}{}},
		{Name: "config", ConfigMap: &configMapVolume{Name: name + "-config"}},
	}

	if len(opts.Secrets) > 0 {
		blob, err := json.Marshal(opts.Secrets)
		if err != nil {
			return objects{}, err
		}
		sec := secret{object: t.meta(name+"-secrets", opts.Profile), Type: "Opaque", StringData: map[string]string{"secrets.json": string(blob)}}
		sec.APIVersion, sec.Kind = "v1", "Secret"
		out.list = append(out.list, sec)

		refs := make(map[string]string, len(opts.Secrets))
		for n := range opts.Secrets {
			refs[n] = "file:" + secretsPath + "/secrets.json#" + n
		}
		refBlob, err := json.Marshal(refs)
		if err != nil {
			return objects{}, err
		}
		env = append(env, envVar{Name: "KANRI_SECRET_REFS", Value: string(refBlob)})
		mounts = append(mounts, volumeMount{Name: "secrets", MountPath: secretsPath, ReadOnly: true})
		volumes = append(volumes, volume{Name: "secrets", Secret: &secretVolume{SecretName: name + "-secrets"}})
	}

	instance := podContainer{
		Name:         "instance",
		Image:        so.Image,
		Args:         so.Command,
		Env:          env,
		Ports:        []containerPort{{Name: "gateway", ContainerPort: so.ContainerPort}},
		VolumeMounts: mounts,
		Resources:    t.resources(),
	}
	pod := podSpec{Containers: []podContainer{instance}, Volumes: volumes}
	if so.Sandbox.Enabled {
		pod.RuntimeClassName = t.runtimeClass()
	}
	servicePortTarget := so.ContainerPort
	if so.Middleware != nil {
		blob, err := startup.MiddlewareJSON(so.Middleware.Assignments)
		if err != nil {
			return objects{}, err
		}
		pod.Containers = append(pod.Containers, podContainer{
			Name:  "proxy",
			Image: so.Middleware.ProxyImage,
			Env: []envVar{
				{Name: "KANRI_MIDDLEWARE", Value: blob},
				{Name: "KANRI_UPSTREAM", Value: "http://127.0.0.1:" + strconv.Itoa(so.ContainerPort)},
			},
			Ports: []containerPort{{Name: "proxy", ContainerPort: so.Middleware.ProxyPort}},
		})
		servicePortTarget = so.Middleware.ProxyPort
	}

	dep := deployment{object: t.meta(name, opts.Profile)}
	dep.APIVersion, dep.Kind = "apps/v1", "Deployment"
	dep.Spec.Replicas = replicas
	dep.Spec.Selector.MatchLabels = selectorLabels(opts.Profile)
	dep.Spec.Template.Metadata.Labels = t.objectLabels(opts.Profile)
	dep.Spec.Template.Spec = pod
	out.list = append(out.list, dep)

	svc := service{object: t.meta(name, opts.Profile)}
	svc.APIVersion, svc.Kind = "v1", "Service"
	svc.Spec.Type = "ClusterIP"
	if t.m.Network.Inbound == manifest.InboundPublic {
		svc.Spec.Type = "LoadBalancer"
	}
	svc.Spec.Selector = selectorLabels(opts.Profile)
	svc.Spec.Ports = []servicePort{{Name: "gateway", Port: opts.Port, TargetPort: servicePortTarget}}
	out.list = append(out.list, svc)
	return out, nil
}

func (t *Target) resources() *resources {
	limits := map[string]string{}
	if cpu := t.m.Runtime.CPU; cpu > 0 {
		limits["cpu"] = strconv.Itoa(int(cpu*1000)) + "m"
	}
	if mem := t.m.Runtime.Memory; mem > 0 {
		limits["memory"] = strconv.Itoa(mem) + "Mi"
	}
	if len(limits) == 0 {
		return nil
	}
	return &resources{Limits: limits}
}

// runtimeClass maps the sandbox runtime to a RuntimeClass name; runsc is
// published as "gvisor" by convention.
func (t *Target) runtimeClass() string {
	switch rt := t.m.Security.SandboxRuntime; rt {
	case "", "runsc":
		return "gvisor"
	default:
		return rt
	}
}
