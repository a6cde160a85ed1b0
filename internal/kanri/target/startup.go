package target

import (
	"strconv"

	"github.com/bdobrica/Kanri/common/spec/manifest"
	"github.com/bdobrica/Kanri/internal/kanri/startup"
)

// StartupDefaults fill what a manifest does not say about first boot.
type StartupDefaults struct {
	DataDir           string
	ProxyImage        string
	ProxyPort         int
	SandboxRuntime    string
	SandboxPackageURL string
	LogDriver         string
	LogOptions        map[string]string
}

// DefaultStartup matches the images and paths the startup sections expect.
var DefaultStartup = StartupDefaults{
	DataDir:           "/var/lib/kanri",
	ProxyImage:        "ghcr.io/bdobrica/kanri-proxy:latest",
	ProxyPort:         8080,
	SandboxRuntime:    "runsc",
	SandboxPackageURL: "https://storage.googleapis.com/gvisor/releases/release/latest/x86_64/runsc",
}

// ContainerPort is the port the instance listens on inside its container.
func ContainerPort(m manifest.Manifest) int {
	if m.Network.Port > 0 {
		return m.Network.Port
	}
	return m.Target.Port
}

// InstanceEnv is the manifest env plus the variables Kanri always sets.
func InstanceEnv(m manifest.Manifest, opts InstallOptions) map[string]string {
	env := make(map[string]string, len(m.Runtime.Env)+4)
	for k, v := range m.Runtime.Env {
		env[k] = v
	}
	env["KANRI_PROFILE"] = opts.Profile
	env["KANRI_WORKSPACE"] = m.Metadata.Workspace
	env["KANRI_PORT"] = strconv.Itoa(ContainerPort(m))
	if m.Observability.LogLevel != "" {
		env["KANRI_LOG_LEVEL"] = m.Observability.LogLevel
	}
	return env
}

// StartupOptions builds the startup-script options for one install.
// secretRefs maps secret names to the identifiers the provider issued.
func StartupOptions(m manifest.Manifest, opts InstallOptions, secretRefs map[string]string, d StartupDefaults) startup.Options {
	so := startup.Options{
		Name:          opts.Profile,
		Image:         ImageRef(m.Runtime.Image, firstNonEmpty(opts.Version, m.Runtime.Version)),
		Command:       m.Runtime.Command,
		HostPort:      opts.Port,
		ContainerPort: ContainerPort(m),
		DataDir:       d.DataDir + "/" + opts.Profile,
		Env:           InstanceEnv(m, opts),
		SecretRefs:    secretRefs,
		LogDriver:     d.LogDriver,
		LogOptions:    d.LogOptions,
	}
	if so.ContainerPort == 0 {
		so.ContainerPort = opts.Port
	}
	if m.Security.Sandbox {
		so.Sandbox = startup.Sandbox{
			Enabled:    true,
			Runtime:    firstNonEmpty(m.Security.SandboxRuntime, d.SandboxRuntime),
			PackageURL: d.SandboxPackageURL,
		}
	}
	if len(m.Security.Middleware) > 0 {
		mw := &startup.Middleware{ProxyImage: d.ProxyImage, ProxyPort: d.ProxyPort}
		for _, a := range m.Security.Middleware {
			mw.Assignments = append(mw.Assignments, startup.Assignment{Name: a.Name, Image: a.Image, Config: a.Config})
		}
		so.Middleware = mw
	}
	return so
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
