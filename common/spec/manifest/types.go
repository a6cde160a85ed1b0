// Package manifest defines the Kanri instance manifest: the YAML document
// describing one bot instance, where it runs and how it is exposed.
//
// A manifest is parsed in three stages: YAML decode, JSON-Schema validation
// against the embedded schema, then semantic rules. Parse is the only entry
// point that yields a usable Manifest.
package manifest

// APIVersion is the only manifest version this package accepts.
const APIVersion = "kanri/v1"

// TargetType is the closed set of deployment target kinds.
type TargetType string

const (
	TargetLocal      TargetType = "local"
	TargetDocker     TargetType = "docker"
	TargetKubernetes TargetType = "kubernetes"
	TargetRemoteVM   TargetType = "remote-vm"
	TargetAWSEC2     TargetType = "aws-ec2"
	TargetGCPGCE     TargetType = "gcp-gce"
)

// TargetTypes lists every TargetType in declaration order.
var TargetTypes = []TargetType{
	TargetLocal, TargetDocker, TargetKubernetes, TargetRemoteVM, TargetAWSEC2, TargetGCPGCE,
}

// Valid reports whether t is a member of the closed set.
func (t TargetType) Valid() bool {
	for _, v := range TargetTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Inbound exposure modes.
const (
	InboundNone    = "none"
	InboundPublic  = "public"
	InboundPrivate = "private"
)

// Manifest is the parsed, validated document. Treat it as read-only.
type Manifest struct {
	APIVersion    string        `yaml:"apiVersion" json:"apiVersion"`
	Metadata      Metadata      `yaml:"metadata" json:"metadata"`
	Target        Target        `yaml:"target" json:"target"`
	Runtime       Runtime       `yaml:"runtime" json:"runtime"`
	Network       Network       `yaml:"network" json:"network"`
	Observability Observability `yaml:"observability" json:"observability"`
	Security      Security      `yaml:"security" json:"security"`
}

type Metadata struct {
	Name        string            `yaml:"name" json:"name"`
	Workspace   string            `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	Environment string            `yaml:"environment,omitempty" json:"environment,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Target selects where the instance runs. Only the fields relevant to Type
// are read.
type Target struct {
	Type      TargetType `yaml:"type" json:"type"`
	Profile   string     `yaml:"profile,omitempty" json:"profile,omitempty"`
	Port      int        `yaml:"port,omitempty" json:"port,omitempty"`
	Region    string     `yaml:"region,omitempty" json:"region,omitempty"`
	Zone      string     `yaml:"zone,omitempty" json:"zone,omitempty"`
	Project   string     `yaml:"project,omitempty" json:"project,omitempty"`
	Host      string     `yaml:"host,omitempty" json:"host,omitempty"`
	User      string     `yaml:"user,omitempty" json:"user,omitempty"`
	Namespace string     `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

type Runtime struct {
	Image   string            `yaml:"image" json:"image"`
	CPU     float64           `yaml:"cpu,omitempty" json:"cpu,omitempty"`       // cores
	Memory  int               `yaml:"memory,omitempty" json:"memory,omitempty"` // MiB
	Command []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Version string            `yaml:"version,omitempty" json:"version,omitempty"`
}

type Network struct {
	Inbound string `yaml:"inbound,omitempty" json:"inbound,omitempty"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
}

type Observability struct {
	LogLevel         string `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
	LogRetentionDays int    `yaml:"logRetentionDays,omitempty" json:"logRetentionDays,omitempty"`
}

type Security struct {
	Sandbox        bool         `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
	SandboxRuntime string       `yaml:"sandboxRuntime,omitempty" json:"sandboxRuntime,omitempty"`
	Middleware     []Middleware `yaml:"middleware,omitempty" json:"middleware,omitempty"`
	Secrets        []SecretRef  `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// Middleware is a proxy placed in front of the instance's gateway port.
type Middleware struct {
	Name   string            `yaml:"name" json:"name"`
	Image  string            `yaml:"image" json:"image"`
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

// SecretRef names a secret the instance expects. Values never appear in a
// manifest.
type SecretRef struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Profile is the install profile name: target.profile, else metadata.name.
func (m Manifest) Profile() string {
	if m.Target.Profile != "" {
		return m.Target.Profile
	}
	return m.Metadata.Name
}

// RequiredSecrets returns the names of secrets marked required.
func (m Manifest) RequiredSecrets() []string {
	var out []string
	for _, s := range m.Security.Secrets {
		if s.Required {
			out = append(out, s.Name)
		}
	}
	return out
}
