// Package startup renders the first-boot provisioning script that installs
// a container engine, optionally a sandbox runtime, and runs the instance
// container (behind a middleware proxy when configured).
//
// One ordered section list feeds three renderings: a POSIX shell script, EC2
// user-data, and a cloud-init document. Output is deterministic: map keys
// are sorted and nothing time-dependent is emitted.
package startup

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kanri/common/shell"
)

// ScriptPath is where the cloud-init rendering writes the shell script.
const ScriptPath = "/opt/kanri/startup.sh"

// UserDataLog receives the user-data script's output on the instance.
const UserDataLog = "/var/log/kanri-startup.log"

// Options describes one instance container. Field tags are enforced by
// validator/v10 before rendering.
type Options struct {
	Name          string            `validate:"required,hostname_rfc1123"`
	Image         string            `validate:"required"`
	Command       []string          `validate:"-"`
	HostPort      int               `validate:"min=1,max=65535"`
	ContainerPort int               `validate:"min=1,max=65535"`
	DataDir       string            `validate:"required,startswith=/"`
	Env           map[string]string `validate:"-"`
	// SecretRefs maps a secret name to its provider identifier. The
	// container receives the set as KANRI_SECRET_REFS (JSON).
	SecretRefs map[string]string `validate:"-"`
	Sandbox    Sandbox
	Middleware *Middleware
	LogDriver  string            `validate:"-"`
	LogOptions map[string]string `validate:"-"`
}

// Sandbox selects an alternative OCI runtime (e.g. gVisor's runsc).
type Sandbox struct {
	Enabled    bool
	Runtime    string `validate:"required_if=Enabled true"`
	PackageURL string `validate:"required_if=Enabled true"`
}

// Middleware places a proxy container in front of the instance. The proxy
// publishes the host port and forwards to the instance over a private
// network.
type Middleware struct {
	ProxyImage  string       `validate:"required"`
	ProxyPort   int          `validate:"min=1,max=65535"`
	Assignments []Assignment `validate:"dive"`
}

// Assignment is one middleware attached to the proxy.
type Assignment struct {
	Name   string            `json:"name" validate:"required"`
	Image  string            `json:"image" validate:"required"`
	Config map[string]string `json:"config,omitempty"`
}

var validate = validator.New()

// Validate checks opts against its field tags.
func Validate(opts Options) error {
	if err := validate.Struct(opts); err != nil {
		return fmt.Errorf("startup options: %w", err)
	}
	return nil
}

// ContainerName is the instance container's name.
func ContainerName(name string) string { return "kanri-" + name }

// data is what the section templates see. Strings ending in Args are
// already shell-quoted.
type data struct {
	Options
	ContainerName string
	ProxyName     string
	NetworkName   string
	SandboxBinary string
	AgentArgs     string
	ProxyArgs     string
}

func newData(opts Options) (data, error) {
	d := data{
		Options:       opts,
		ContainerName: ContainerName(opts.Name),
		ProxyName:     ContainerName(opts.Name) + "-proxy",
		NetworkName:   ContainerName(opts.Name),
	}
	if opts.Sandbox.Enabled {
		d.SandboxBinary = "/usr/local/bin/" + opts.Sandbox.Runtime
	}
	agent, err := agentArgs(d)
	if err != nil {
		return data{}, err
	}
	d.AgentArgs = shell.Join(agent...)
	if opts.Middleware != nil {
		proxy, err := proxyArgs(d)
		if err != nil {
			return data{}, err
		}
		d.ProxyArgs = shell.Join(proxy...)
	}
	return d, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func agentArgs(d data) ([]string, error) {
	o := d.Options
	args := []string{"-d", "--name", d.ContainerName, "--restart", "unless-stopped"}
	if o.Sandbox.Enabled {
		args = append(args, "--runtime", o.Sandbox.Runtime)
	}
	if o.LogDriver != "" {
		args = append(args, "--log-driver", o.LogDriver)
		for _, k := range sortedKeys(o.LogOptions) {
			args = append(args, "--log-opt", k+"="+o.LogOptions[k])
		}
	}
	args = append(args, "-v", o.DataDir+":/data")
	if o.Middleware != nil {
		args = append(args, "--network", d.NetworkName)
	} else {
		args = append(args, "-p", strconv.Itoa(o.HostPort)+":"+strconv.Itoa(o.ContainerPort))
	}
	for _, k := range sortedKeys(o.Env) {
		args = append(args, "-e", k+"="+o.Env[k])
	}
	if len(o.SecretRefs) > 0 {
		// encoding/json sorts map keys.
		refs, err := json.Marshal(o.SecretRefs)
		if err != nil {
			return nil, err
		}
		args = append(args, "-e", "KANRI_SECRET_REFS="+string(refs))
	}
	args = append(args, o.Image)
	return append(args, o.Command...), nil
}

func proxyArgs(d data) ([]string, error) {
	o := d.Options
	blob, err := MiddlewareJSON(o.Middleware.Assignments)
	if err != nil {
		return nil, err
	}
	return []string{
		"-d", "--name", d.ProxyName, "--restart", "unless-stopped",
		"--network", d.NetworkName,
		"-p", strconv.Itoa(o.HostPort) + ":" + strconv.Itoa(o.Middleware.ProxyPort),
		"-e", "KANRI_UPSTREAM=http://" + d.ContainerName + ":" + strconv.Itoa(o.ContainerPort),
		"-e", "KANRI_MIDDLEWARE=" + blob,
		o.Middleware.ProxyImage,
	}, nil
}

// MiddlewareJSON encodes assignments with sorted config keys.
func MiddlewareJSON(assignments []Assignment) (string, error) {
	if assignments == nil {
		assignments = []Assignment{}
	}
	b, err := json.Marshal(assignments)
	if err != nil {
		return "", fmt.Errorf("encode middleware: %w", err)
	}
	return string(b), nil
}

// Sections validates opts and renders every section in order.
func Sections(opts Options) ([]Section, error) {
	if err := Validate(opts); err != nil {
		return nil, err
	}
	d, err := newData(opts)
	if err != nil {
		return nil, err
	}
	return DefaultRegistry().RenderAll(d)
}

func body(opts Options) (string, error) {
	secs, err := Sections(opts)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(secs))
	for i, s := range secs {
		parts[i] = s.Body
	}
	return strings.Join(parts, "\n"), nil
}

// Shell renders a POSIX sh script.
func Shell(opts Options) (string, error) {
	b, err := body(opts)
	if err != nil {
		return "", err
	}
	return "#!/bin/sh\nset -eu\n\n" + b, nil
}

// UserData renders an EC2 user-data script that logs to UserDataLog.
func UserData(opts Options) (string, error) {
	b, err := body(opts)
	if err != nil {
		return "", err
	}
	return "#!/bin/bash\nset -euo pipefail\nexec >>" + UserDataLog + " 2>&1\n\n" + b, nil
}

type cloudConfig struct {
	WriteFiles []writeFile `yaml:"write_files"`
	RunCmd     [][]string  `yaml:"runcmd"`
}

type writeFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Owner       string `yaml:"owner"`
	Content     string `yaml:"content"`
}

// CloudInit renders a #cloud-config document that writes the shell script
// to ScriptPath and runs it once.
func CloudInit(opts Options) (string, error) {
	script, err := Shell(opts)
	if err != nil {
		return "", err
	}
	doc := cloudConfig{
		WriteFiles: []writeFile{{
			Path:        ScriptPath,
			Permissions: "0755",
			Owner:       "root:root",
			Content:     script,
		}},
		RunCmd: [][]string{{"/bin/sh", ScriptPath}},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode cloud-init: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}
