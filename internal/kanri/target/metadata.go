package target

import "github.com/bdobrica/Kanri/common/spec/manifest"

// ProvisioningStep is progress-display metadata only.
type ProvisioningStep struct {
	ID                   string `json:"id"`
	Description          string `json:"description"`
	EstimatedDurationSec int    `json:"estimatedDurationSec"`
}

// Capabilities describes what a target supports.
type Capabilities struct {
	Scaling           bool `json:"scaling"`
	Sandbox           bool `json:"sandbox"`
	PersistentStorage bool `json:"persistentStorage"`
	HTTPSEndpoint     bool `json:"httpsEndpoint"`
	LogStreaming      bool `json:"logStreaming"`
}

// Credential names one input a setup flow must collect.
type Credential struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Secret      bool   `json:"secret"`
}

// Metadata is the static descriptor of a target type.
type Metadata struct {
	Type              manifest.TargetType `json:"type"`
	DisplayName       string              `json:"displayName"`
	Icon              string              `json:"icon"`
	Description       string              `json:"description"`
	ProvisioningSteps []ProvisioningStep  `json:"provisioningSteps"`
	Capabilities      Capabilities        `json:"capabilities"`
	Credentials       []Credential        `json:"credentials,omitempty"`
}

// EstimatedDurationSec sums the step estimates.
func (m Metadata) EstimatedDurationSec() int {
	total := 0
	for _, s := range m.ProvisioningSteps {
		total += s.EstimatedDurationSec
	}
	return total
}

var descriptors = map[manifest.TargetType]Metadata{
	manifest.TargetLocal: {
		Type:        manifest.TargetLocal,
		DisplayName: "Local machine",
		Icon:        "laptop",
		Description: "Runs the agent as a user service (systemd on Linux, launchd on macOS).",
		ProvisioningSteps: []ProvisioningStep{
			{ID: "secrets", Description: "Store secrets in the OS keyring", EstimatedDurationSec: 1},
			{ID: "unit", Description: "Write the service definition", EstimatedDurationSec: 1},
			{ID: "enable", Description: "Register the service with the service manager", EstimatedDurationSec: 2},
		},
		Capabilities: Capabilities{PersistentStorage: true, LogStreaming: true},
	},
	manifest.TargetDocker: {
		Type:        manifest.TargetDocker,
		DisplayName: "Docker",
		Icon:        "docker",
		Description: "Runs the agent as a container on the local Docker Engine.",
		ProvisioningSteps: []ProvisioningStep{
			{ID: "network", Description: "Ensure the kanri network", EstimatedDurationSec: 1},
			{ID: "pull", Description: "Pull the agent image", EstimatedDurationSec: 30},
			{ID: "create", Description: "Create the container", EstimatedDurationSec: 2},
		},
		Capabilities: Capabilities{Sandbox: true, PersistentStorage: true, LogStreaming: true},
	},
	manifest.TargetKubernetes: {
		Type:        manifest.TargetKubernetes,
		DisplayName: "Kubernetes",
		Icon:        "kubernetes",
		Description: "Deploys the agent as a Deployment with a Service and ConfigMap.",
		ProvisioningSteps: []ProvisioningStep{
			{ID: "render", Description: "Render manifests", EstimatedDurationSec: 1},
			{ID: "apply", Description: "Apply manifests with kubectl", EstimatedDurationSec: 5},
			{ID: "rollout", Description: "Wait for the rollout", EstimatedDurationSec: 60},
		},
		Capabilities: Capabilities{Scaling: true, Sandbox: true, LogStreaming: true},
		Credentials: []Credential{
			{Name: "kubeconfig", Description: "Path to the kubeconfig file", Secret: false},
		},
	},
	manifest.TargetRemoteVM: {
		Type:        manifest.TargetRemoteVM,
		DisplayName: "Remote VM",
		Icon:        "server",
		Description: "Provisions a host reached over SSH with the startup script.",
		ProvisioningSteps: []ProvisioningStep{
			{ID: "connect", Description: "Open the SSH session", EstimatedDurationSec: 5},
			{ID: "upload", Description: "Upload the startup script", EstimatedDurationSec: 2},
			{ID: "provision", Description: "Run the startup script", EstimatedDurationSec: 120},
		},
		Capabilities: Capabilities{Sandbox: true, PersistentStorage: true, LogStreaming: true},
		Credentials: []Credential{
			{Name: "ssh_key", Description: "Private key for the remote user", Secret: true},
		},
	},
	manifest.TargetAWSEC2: {
		Type:        manifest.TargetAWSEC2,
		DisplayName: "AWS EC2",
		Icon:        "aws",
		Description: "Launches an EC2 instance that runs the agent container on first boot.",
		ProvisioningSteps: []ProvisioningStep{
			{ID: "secrets", Description: "Store secrets in Secrets Manager", EstimatedDurationSec: 5},
			{ID: "logs", Description: "Create the CloudWatch log group", EstimatedDurationSec: 2},
			{ID: "network", Description: "Ensure the security group", EstimatedDurationSec: 5},
			{ID: "instance", Description: "Launch the instance", EstimatedDurationSec: 90},
		},
		Capabilities: Capabilities{Sandbox: true, PersistentStorage: true, LogStreaming: true},
		Credentials: []Credential{
			{Name: "aws_profile", Description: "Shared config profile", Secret: false},
		},
	},
	manifest.TargetGCPGCE: {
		Type:        manifest.TargetGCPGCE,
		DisplayName: "Google Compute Engine",
		Icon:        "gcp",
		Description: "Creates a GCE VM that runs the agent container via cloud-init.",
		ProvisioningSteps: []ProvisioningStep{
			{ID: "secrets", Description: "Store secrets in Secret Manager", EstimatedDurationSec: 5},
			{ID: "instance", Description: "Create the VM", EstimatedDurationSec: 60},
		},
		Capabilities: Capabilities{Sandbox: true, PersistentStorage: true, LogStreaming: true},
		Credentials: []Credential{
			{Name: "google_application_credentials", Description: "Service account key file", Secret: true},
		},
	},
}

// MetadataFor returns the descriptor of t.
func MetadataFor(t manifest.TargetType) (Metadata, bool) {
	m, ok := descriptors[t]
	return m, ok
}
