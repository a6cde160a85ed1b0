package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors config.toml. Durations are strings ("30s").
type fileConfig struct {
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Store struct {
		Path string `toml:"path"`
	} `toml:"store"`
	Server struct {
		Addr string `toml:"addr"`
	} `toml:"server"`
	Monitor struct {
		Interval    string `toml:"interval"`
		Concurrency int    `toml:"concurrency"`
		Timeout     string `toml:"timeout"`
	} `toml:"monitor"`
	Startup struct {
		DataDir           string `toml:"data_dir"`
		ProxyImage        string `toml:"proxy_image"`
		ProxyPort         int    `toml:"proxy_port"`
		SandboxRuntime    string `toml:"sandbox_runtime"`
		SandboxPackageURL string `toml:"sandbox_package_url"`
	} `toml:"startup"`
	Local struct {
		DataDir        string `toml:"data_dir"`
		KeyringService string `toml:"keyring_service"`
	} `toml:"local"`
	Docker struct {
		DataDir string `toml:"data_dir"`
	} `toml:"docker"`
	Kubernetes struct {
		Kubectl    string `toml:"kubectl"`
		Kubeconfig string `toml:"kubeconfig"`
		Context    string `toml:"context"`
	} `toml:"kubernetes"`
	Remote struct {
		User                  string `toml:"user"`
		Port                  int    `toml:"port"`
		KeyPath               string `toml:"key_path"`
		KnownHostsPath        string `toml:"known_hosts_path"`
		InsecureIgnoreHostKey bool   `toml:"insecure_ignore_host_key"`
		ConnectTimeout        string `toml:"connect_timeout"`
	} `toml:"remote"`
	AWS struct {
		Profile      string `toml:"profile"`
		Image        string `toml:"image"`
		InstanceType string `toml:"instance_type"`
	} `toml:"aws"`
	GCP struct {
		Image       string `toml:"image"`
		MachineType string `toml:"machine_type"`
	} `toml:"gcp"`
}

// applyFile decodes path and overrides only the keys it defines. Unknown
// keys are rejected so typos do not pass silently.
func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(dst *int, v int, key ...string) {
		if meta.IsDefined(key...) {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, v string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	str(&cfg.Log.Level, strings.ToLower(raw.Log.Level), "log", "level")
	str(&cfg.Log.Format, strings.ToLower(raw.Log.Format), "log", "format")
	str(&cfg.Store.Path, raw.Store.Path, "store", "path")
	str(&cfg.Server.Addr, raw.Server.Addr, "server", "addr")
	if err := dur(&cfg.Monitor.Interval, raw.Monitor.Interval, "monitor", "interval"); err != nil {
		return err
	}
	num(&cfg.Monitor.Concurrency, raw.Monitor.Concurrency, "monitor", "concurrency")
	if err := dur(&cfg.Monitor.Timeout, raw.Monitor.Timeout, "monitor", "timeout"); err != nil {
		return err
	}
	str(&cfg.Startup.DataDir, raw.Startup.DataDir, "startup", "data_dir")
	str(&cfg.Startup.ProxyImage, raw.Startup.ProxyImage, "startup", "proxy_image")
	num(&cfg.Startup.ProxyPort, raw.Startup.ProxyPort, "startup", "proxy_port")
	str(&cfg.Startup.SandboxRuntime, raw.Startup.SandboxRuntime, "startup", "sandbox_runtime")
	str(&cfg.Startup.SandboxPackageURL, raw.Startup.SandboxPackageURL, "startup", "sandbox_package_url")
	str(&cfg.Local.DataDir, raw.Local.DataDir, "local", "data_dir")
	str(&cfg.Local.KeyringService, raw.Local.KeyringService, "local", "keyring_service")
	str(&cfg.Docker.DataDir, raw.Docker.DataDir, "docker", "data_dir")
	str(&cfg.Kubernetes.Kubectl, raw.Kubernetes.Kubectl, "kubernetes", "kubectl")
	str(&cfg.Kubernetes.Kubeconfig, raw.Kubernetes.Kubeconfig, "kubernetes", "kubeconfig")
	str(&cfg.Kubernetes.Context, raw.Kubernetes.Context, "kubernetes", "context")
	str(&cfg.Remote.User, raw.Remote.User, "remote", "user")
	num(&cfg.Remote.Port, raw.Remote.Port, "remote", "port")
	str(&cfg.Remote.KeyPath, raw.Remote.KeyPath, "remote", "key_path")
	str(&cfg.Remote.KnownHostsPath, raw.Remote.KnownHostsPath, "remote", "known_hosts_path")
	if meta.IsDefined("remote", "insecure_ignore_host_key") {
		cfg.Remote.InsecureIgnoreHostKey = raw.Remote.InsecureIgnoreHostKey
	}
	if err := dur(&cfg.Remote.ConnectTimeout, raw.Remote.ConnectTimeout, "remote", "connect_timeout"); err != nil {
		return err
	}
	str(&cfg.AWS.Profile, raw.AWS.Profile, "aws", "profile")
	str(&cfg.AWS.Image, raw.AWS.Image, "aws", "image")
	str(&cfg.AWS.InstanceType, raw.AWS.InstanceType, "aws", "instance_type")
	str(&cfg.GCP.Image, raw.GCP.Image, "gcp", "image")
	str(&cfg.GCP.MachineType, raw.GCP.MachineType, "gcp", "machine_type")
	return nil
}
