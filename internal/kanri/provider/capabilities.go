// Package provider defines the capability interfaces cloud and local
// adapters implement, segregated so an adapter implements only the slices
// its platform supports. Composite interfaces are plain unions for callers
// that need the full set.
package provider

import (
	"context"
	"time"
)

// --- Secrets ---------------------------------------------------------------

// Secret is a named value with tags. ID is the opaque identifier the
// platform issued (ARN, resource name, keyring key); Kanri never parses it.
type Secret struct {
	ID    string
	Name  string
	Value string
	Tags  map[string]string
}

// SecretReader reads secrets.
type SecretReader interface {
	GetSecret(ctx context.Context, name string) (Secret, error)
	SecretExists(ctx context.Context, name string) (bool, error)
}

// SecretWriter mutates secrets. CreateSecret fails with an already-exists
// classified error when name is taken.
type SecretWriter interface {
	CreateSecret(ctx context.Context, name, value string, tags map[string]string) (string, error)
	UpdateSecret(ctx context.Context, name, value string) (string, error)
	DeleteSecret(ctx context.Context, name string) error
}

// SecretProvisioner ensures every secret of one instance exists with the
// given value: missing ones are created, existing ones updated. It returns
// secret name -> platform identifier and must succeed against partially
// existing state.
type SecretProvisioner interface {
	EnsureSecrets(ctx context.Context, instance string, values map[string]string, tags map[string]string) (map[string]string, error)
}

// SecretStore is the union of the secret capabilities.
type SecretStore interface {
	SecretReader
	SecretWriter
	SecretProvisioner
}

// --- Compute ---------------------------------------------------------------

// Health is the provider-neutral health reduction.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// Phase is the provider-neutral lifecycle phase of an instance. Each adapter
// translates its native state names through an exhaustive table.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseRunning    Phase = "running"
	PhaseStopping   Phase = "stopping"
	PhaseStopped    Phase = "stopped"
	PhaseFailed     Phase = "failed"
	PhaseTerminated Phase = "terminated"
	PhaseUnknown    Phase = "unknown"
)

// HealthOf reduces a phase to the three-value health vocabulary.
func HealthOf(p Phase) Health {
	switch p {
	case PhaseRunning:
		return HealthHealthy
	case PhaseFailed, PhaseTerminated:
		return HealthUnhealthy
	default:
		return HealthUnknown
	}
}

// InstanceSpec describes compute to create.
type InstanceSpec struct {
	Name          string // already sanitized
	Image         string // machine image (AMI ID, GCE image path); adapter default when empty
	MachineType   string
	StartupScript string // rendered user-data / cloud-init
	Port          int
	SecurityGroup string
	Subnet        string
	Labels        map[string]string
}

// Instance identifies created compute.
type Instance struct {
	ID      string
	Name    string
	Address string
}

// InstanceStatus is the observed state of an instance.
type InstanceStatus struct {
	ID      string
	Phase   Phase
	Health  Health
	Address string
	// Raw is the provider's own state name, kept for messages.
	Raw string
}

// InstanceLifecycle creates and deletes compute. CreateInstance with a name
// that already exists returns the existing instance or an already-exists
// classified error, never a second instance.
type InstanceLifecycle interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (Instance, error)
	DeleteInstance(ctx context.Context, id string) error
}

// InstanceStatusProvider observes compute. A missing instance returns a
// not-found classified error.
type InstanceStatusProvider interface {
	InstanceStatus(ctx context.Context, id string) (InstanceStatus, error)
	FindInstance(ctx context.Context, name string) (Instance, error)
}

// InstancePowerControl starts and stops existing compute.
type InstancePowerControl interface {
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	RebootInstance(ctx context.Context, id string) error
}

// CommandResult is the outcome of a remote command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// InstanceCommandExecutor runs shell commands through the provider's native
// mechanism (e.g. SSM Run Command).
type InstanceCommandExecutor interface {
	RunCommand(ctx context.Context, id string, commands []string) (CommandResult, error)
}

// Compute is the union of the compute capabilities.
type Compute interface {
	InstanceLifecycle
	InstanceStatusProvider
}

// --- Logs ------------------------------------------------------------------

// LogEvent is one log line with its timestamp.
type LogEvent struct {
	Timestamp time.Time
	Message   string
}

// LogQueryInput bounds a query by time and size. Token is the opaque
// continuation token from a previous page; never an offset.
type LogQueryInput struct {
	Group  string
	Stream string // stream or resource filter, adapter specific
	Filter string
	Since  time.Time
	Until  time.Time
	Limit  int
	Token  string
}

// LogPage is one page of query results.
type LogPage struct {
	Events    []LogEvent
	NextToken string
}

// LogGroupManager owns log group lifecycle.
type LogGroupManager interface {
	EnsureLogGroup(ctx context.Context, name string, retentionDays int, tags map[string]string) error
	DeleteLogGroup(ctx context.Context, name string) error
}

// LogQuery runs bounded, paginated queries.
type LogQuery interface {
	QueryLogs(ctx context.Context, in LogQueryInput) (LogPage, error)
}

// LogConsole builds a deep link into the provider's log viewer.
type LogConsole interface {
	ConsoleURL(group, stream string) string
}

// Logs is the union of the log capabilities.
type Logs interface {
	LogGroupManager
	LogQuery
	LogConsole
}

// --- Network ---------------------------------------------------------------

// VpcService locates the network instances are placed in.
type VpcService interface {
	DefaultVpc(ctx context.Context) (string, error)
}

// SubnetService lists subnets of a network.
type SubnetService interface {
	Subnets(ctx context.Context, vpcID string) ([]string, error)
}

// IngressRule opens one TCP port to a CIDR.
type IngressRule struct {
	Port int
	CIDR string
}

// SecurityGroupService manages instance firewalls. EnsureSecurityGroup is
// idempotent by name.
type SecurityGroupService interface {
	EnsureSecurityGroup(ctx context.Context, vpcID, name, description string, rules []IngressRule) (string, error)
	DeleteSecurityGroup(ctx context.Context, id string) error
}

// Network is the union of the network capabilities.
type Network interface {
	VpcService
	SubnetService
	SecurityGroupService
}

// --- Stacks ----------------------------------------------------------------

// StackOperations manages infrastructure-as-code stacks.
type StackOperations interface {
	CreateStack(ctx context.Context, name, template string, params map[string]string) (string, error)
	UpdateStack(ctx context.Context, name, template string, params map[string]string) error
	DeleteStack(ctx context.Context, name string) error
}

// StackOutputs reads typed stack outputs.
type StackOutputs interface {
	Outputs(ctx context.Context, name string) (map[string]string, error)
}

// Stack is the union of the stack capabilities.
type Stack interface {
	StackOperations
	StackOutputs
}
