package cli

import (
	"context"
	"log/slog"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/config"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/observability"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
	"github.com/bdobrica/Kanri/internal/kanri/provider/aws"
	"github.com/bdobrica/Kanri/internal/kanri/provider/gcp"
	"github.com/bdobrica/Kanri/internal/kanri/provider/keyring"
	"github.com/bdobrica/Kanri/internal/kanri/target"
	"github.com/bdobrica/Kanri/internal/kanri/target/cloud"
	"github.com/bdobrica/Kanri/internal/kanri/target/docker"
	"github.com/bdobrica/Kanri/internal/kanri/target/kubernetes"
	"github.com/bdobrica/Kanri/internal/kanri/target/local"
	"github.com/bdobrica/Kanri/internal/kanri/target/remote"
)

// Providers returns the registry of every provider Kanri ships.
func Providers() *provider.Registry {
	r := provider.NewRegistry()
	aws.Register(r)
	gcp.Register(r)
	keyring.Register(r)
	return r
}

// StartupDefaults maps the configured first-boot defaults.
func StartupDefaults(cfg config.Config) target.StartupDefaults {
	d := target.DefaultStartup
	d.DataDir = cfg.Startup.DataDir
	d.ProxyImage = cfg.Startup.ProxyImage
	d.ProxyPort = cfg.Startup.ProxyPort
	d.SandboxRuntime = cfg.Startup.SandboxRuntime
	d.SandboxPackageURL = cfg.Startup.SandboxPackageURL
	return d
}

// NewFactory registers a builder for every target type. Platform clients
// are created when a manifest first needs them.
func NewFactory(ctx context.Context, cfg config.Config, metrics *observability.Metrics) *target.Factory {
	reg := Providers()
	defaults := StartupDefaults(cfg)
	f := target.NewFactory(metrics)

	secrets, err := reg.Build(ctx, keyring.Name, provider.Settings{"service": cfg.Local.KeyringService})
	if err != nil {
		slog.Warn("keyring unavailable; local secrets disabled", "err", err)
		secrets = nil
	}
	f.Register(manifest.TargetLocal, local.Builder(local.Config{
		Runner:  target.ExecRunner{},
		DataDir: cfg.Local.DataDir,
		Secrets: secrets,
	}))

	f.Register(manifest.TargetDocker, docker.Builder(docker.Config{
		DataDir: cfg.Docker.DataDir,
		Startup: defaults,
	}))

	f.Register(manifest.TargetKubernetes, kubernetes.Builder(kubernetes.Config{
		Runner:     target.ExecRunner{},
		Kubectl:    cfg.Kubernetes.Kubectl,
		Kubeconfig: cfg.Kubernetes.Kubeconfig,
		Context:    cfg.Kubernetes.Context,
		Startup:    defaults,
	}))

	f.Register(manifest.TargetRemoteVM, remote.Builder(remote.Config{Startup: defaults}, remote.SSHConfig{
		Port:                  cfg.Remote.Port,
		User:                  cfg.Remote.User,
		KeyPath:               cfg.Remote.KeyPath,
		KeyPassphrase:         cfg.Remote.KeyPassphrase,
		KnownHostsPath:        cfg.Remote.KnownHostsPath,
		InsecureIgnoreHostKey: cfg.Remote.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.Remote.ConnectTimeout,
	}))

	cloudBuilder := cloud.Builder(cloud.Config{Startup: defaults}, CloudProvider(reg, cfg))
	f.Register(manifest.TargetAWSEC2, cloudBuilder)
	f.Register(manifest.TargetGCPGCE, cloudBuilder)
	return f
}

// CloudProvider resolves the provider for a cloud manifest. Placement comes
// from the manifest; images and credentials profile from configuration.
func CloudProvider(reg *provider.Registry, cfg config.Config) cloud.ProviderFunc {
	return func(ctx context.Context, m manifest.Manifest) (*provider.Provider, error) {
		switch m.Target.Type {
		case manifest.TargetAWSEC2:
			return reg.Build(ctx, aws.Name, provider.Settings{
				aws.SettingRegion:       m.Target.Region,
				aws.SettingProfile:      cfg.AWS.Profile,
				aws.SettingImage:        cfg.AWS.Image,
				aws.SettingInstanceType: cfg.AWS.InstanceType,
			})
		case manifest.TargetGCPGCE:
			return reg.Build(ctx, gcp.Name, provider.Settings{
				gcp.SettingProject:     m.Target.Project,
				gcp.SettingZone:        m.Target.Zone,
				gcp.SettingImage:       cfg.GCP.Image,
				gcp.SettingMachineType: cfg.GCP.MachineType,
			})
		}
		return nil, errs.Validation("provider.resolve", m.Metadata.Name, "no cloud provider for target type %q", m.Target.Type)
	}
}
