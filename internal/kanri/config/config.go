// Package config loads the Kanri control-plane configuration: built-in
// defaults, then an optional TOML file, then KANRI_* environment variables.
//
// Only keys present in the file override defaults, so a file may name a
// single setting. Instance manifests are not configuration; they are read
// by the CLI per command.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bdobrica/Kanri/common/environment"
)

// EnvPrefix scopes every environment override.
const EnvPrefix = "KANRI"

// Config is the resolved configuration.
type Config struct {
	Log        Log
	Store      Store
	Server     Server
	Monitor    Monitor
	Startup    Startup
	Local      Local
	Docker     Docker
	Kubernetes Kubernetes
	Remote     Remote
	AWS        AWS
	GCP        GCP
}

type Log struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json"`
}

type Store struct {
	// Path of the SQLite database holding deployment records.
	Path string `validate:"required"`
}

// Server is the health and metrics listener run by `kanri monitor`.
type Server struct {
	Addr string
}

type Monitor struct {
	Interval    time.Duration `validate:"min=1s"`
	Concurrency int           `validate:"min=1,max=64"`
	Timeout     time.Duration `validate:"min=1s"`
}

// Startup holds the first-boot defaults shared by every target.
type Startup struct {
	DataDir           string `validate:"required,startswith=/"`
	ProxyImage        string `validate:"required"`
	ProxyPort         int    `validate:"min=1,max=65535"`
	SandboxRuntime    string `validate:"required"`
	SandboxPackageURL string `validate:"required,url"`
}

type Local struct {
	DataDir        string
	KeyringService string
}

type Docker struct {
	DataDir string
}

type Kubernetes struct {
	Kubectl    string `validate:"required"`
	Kubeconfig string
	Context    string
}

type Remote struct {
	User                  string
	Port                  int `validate:"min=1,max=65535"`
	KeyPath               string
	KeyPassphrase         string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

type AWS struct {
	Profile      string
	Image        string
	InstanceType string
}

type GCP struct {
	Image       string
	MachineType string
}

// Default returns the built-in configuration. Paths are rooted at home.
func Default(home string) Config {
	share := filepath.Join(home, ".local", "share", "kanri")
	return Config{
		Log:     Log{Level: "info", Format: "text"},
		Store:   Store{Path: filepath.Join(share, "kanri.db")},
		Server:  Server{Addr: "127.0.0.1:9464"},
		Monitor: Monitor{Interval: 30 * time.Second, Concurrency: 4, Timeout: 20 * time.Second},
		Startup: Startup{
			DataDir:           "/var/lib/kanri",
			ProxyImage:        "ghcr.io/bdobrica/kanri-proxy:latest",
			ProxyPort:         8080,
			SandboxRuntime:    "runsc",
			SandboxPackageURL: "https://storage.googleapis.com/gvisor/releases/release/latest/x86_64/runsc",
		},
		Local:      Local{DataDir: share, KeyringService: "kanri"},
		Docker:     Docker{DataDir: filepath.Join(share, "docker")},
		Kubernetes: Kubernetes{Kubectl: "kubectl"},
		Remote: Remote{
			User:           "kanri",
			Port:           22,
			KeyPath:        filepath.Join(home, ".ssh", "id_ed25519"),
			KnownHostsPath: filepath.Join(home, ".ssh", "known_hosts"),
			ConnectTimeout: 15 * time.Second,
		},
	}
}

// DefaultPath is where Load looks when no path is given:
// $XDG_CONFIG_HOME/kanri/config.toml, else ~/.config/kanri/config.toml.
func DefaultPath(home string, lookup environment.LookupFunc) string {
	if dir, ok := lookup("XDG_CONFIG_HOME"); ok && dir != "" {
		return filepath.Join(dir, "kanri", "config.toml")
	}
	return filepath.Join(home, ".config", "kanri", "config.toml")
}

// Options control Load.
type Options struct {
	// Path of the TOML file. Empty falls back to DefaultPath, which may be
	// absent; an explicit path must exist.
	Path   string
	Home   string
	Lookup environment.LookupFunc
}

// Load resolves defaults, file and environment, then validates.
func Load(opts Options) (Config, error) {
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	if opts.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		opts.Home = home
	}
	cfg := Default(opts.Home)

	path, explicit := opts.Path, opts.Path != ""
	if !explicit {
		path = DefaultPath(opts.Home, opts.Lookup)
	}
	if err := applyFile(&cfg, path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	applyEnv(&cfg, environment.WithPrefix(EnvPrefix).WithLookup(opts.Lookup))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("invalid config: %w", err)
		}
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
	}
	return nil
}

// applyEnv overlays KANRI_* variables. Unset or empty variables keep the
// current value.
func applyEnv(cfg *Config, env environment.Prefix) {
	cfg.Log.Level = strings.ToLower(env.StringOr("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(env.StringOr("LOG_FORMAT", cfg.Log.Format))
	cfg.Store.Path = env.StringOr("STORE_PATH", cfg.Store.Path)
	cfg.Server.Addr = env.StringOr("SERVER_ADDR", cfg.Server.Addr)
	cfg.Monitor.Interval = env.DurationOr("MONITOR_INTERVAL", cfg.Monitor.Interval)
	cfg.Monitor.Concurrency = env.IntOr("MONITOR_CONCURRENCY", cfg.Monitor.Concurrency)
	cfg.Monitor.Timeout = env.DurationOr("MONITOR_TIMEOUT", cfg.Monitor.Timeout)
	cfg.Startup.DataDir = env.StringOr("STARTUP_DATA_DIR", cfg.Startup.DataDir)
	cfg.Startup.ProxyImage = env.StringOr("PROXY_IMAGE", cfg.Startup.ProxyImage)
	cfg.Startup.ProxyPort = env.IntOr("PROXY_PORT", cfg.Startup.ProxyPort)
	cfg.Startup.SandboxRuntime = env.StringOr("SANDBOX_RUNTIME", cfg.Startup.SandboxRuntime)
	cfg.Local.DataDir = env.StringOr("LOCAL_DATA_DIR", cfg.Local.DataDir)
	cfg.Local.KeyringService = env.StringOr("KEYRING_SERVICE", cfg.Local.KeyringService)
	cfg.Docker.DataDir = env.StringOr("DOCKER_DATA_DIR", cfg.Docker.DataDir)
	cfg.Kubernetes.Kubectl = env.StringOr("KUBECTL", cfg.Kubernetes.Kubectl)
	cfg.Kubernetes.Kubeconfig = env.StringOr("KUBECONFIG", cfg.Kubernetes.Kubeconfig)
	cfg.Kubernetes.Context = env.StringOr("KUBE_CONTEXT", cfg.Kubernetes.Context)
	cfg.Remote.User = env.StringOr("SSH_USER", cfg.Remote.User)
	cfg.Remote.Port = env.IntOr("SSH_PORT", cfg.Remote.Port)
	cfg.Remote.KeyPath = env.StringOr("SSH_KEY", cfg.Remote.KeyPath)
	cfg.Remote.KeyPassphrase = env.StringOr("SSH_KEY_PASSPHRASE", cfg.Remote.KeyPassphrase)
	cfg.Remote.KnownHostsPath = env.StringOr("SSH_KNOWN_HOSTS", cfg.Remote.KnownHostsPath)
	cfg.Remote.InsecureIgnoreHostKey = env.BoolOr("SSH_INSECURE_IGNORE_HOST_KEY", cfg.Remote.InsecureIgnoreHostKey)
	cfg.Remote.ConnectTimeout = env.DurationOr("SSH_CONNECT_TIMEOUT", cfg.Remote.ConnectTimeout)
	cfg.AWS.Profile = env.StringOr("AWS_PROFILE", cfg.AWS.Profile)
	cfg.AWS.Image = env.StringOr("AWS_IMAGE", cfg.AWS.Image)
	cfg.AWS.InstanceType = env.StringOr("AWS_INSTANCE_TYPE", cfg.AWS.InstanceType)
	cfg.GCP.Image = env.StringOr("GCP_IMAGE", cfg.GCP.Image)
	cfg.GCP.MachineType = env.StringOr("GCP_MACHINE_TYPE", cfg.GCP.MachineType)
}
