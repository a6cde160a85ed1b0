// Package gcp implements the provider capabilities on Google Cloud:
// Compute Engine instances with power control, Secret Manager, and Cloud
// Logging queries with console links.
//
// Compute Engine firewall rules and stacks are not declared; targets on GCP
// expose ports through network tags on pre-existing firewall rules.
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	logging "cloud.google.com/go/logging/apiv2"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/googleapis/gax-go/v2"

	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// Name is the registry name of this provider.
const Name = "gcp"

// Settings keys understood by New.
const (
	SettingProject     = "project"
	SettingZone        = "zone"
	SettingImage       = "image"
	SettingMachineType = "machine_type"
)

const (
	defaultImage       = "projects/debian-cloud/global/images/family/debian-12"
	defaultMachineType = "e2-small"
)

// waiter is the part of a long-running compute operation Kanri uses.
type waiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (waiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (waiter, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest) (waiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (waiter, error)
	Reset(ctx context.Context, req *computepb.ResetInstanceRequest) (waiter, error)
}

// restInstances adapts the generated REST client to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (waiter, error) {
	op, err := r.c.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (waiter, error) {
	op, err := r.c.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Start(ctx context.Context, req *computepb.StartInstanceRequest) (waiter, error) {
	op, err := r.c.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (waiter, error) {
	op, err := r.c.Stop(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r restInstances) Reset(ctx context.Context, req *computepb.ResetInstanceRequest) (waiter, error) {
	op, err := r.c.Reset(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// New builds vendor clients from Application Default Credentials and
// declares the GCP capabilities.
func New(ctx context.Context, settings provider.Settings) (*provider.Provider, error) {
	project, zone := settings[SettingProject], settings[SettingZone]
	if project == "" || zone == "" {
		return nil, fmt.Errorf("gcp requires %s and %s settings", SettingProject, SettingZone)
	}
	ic, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute client: %w", err)
	}
	sc, err := secretmanager.NewClient(ctx)
	if err != nil {
		ic.Close()
		return nil, fmt.Errorf("secret manager client: %w", err)
	}
	lc, err := logging.NewClient(ctx)
	if err != nil {
		ic.Close()
		sc.Close()
		return nil, fmt.Errorf("logging client: %w", err)
	}
	slog.Debug("gcp: provider configured", "project", project, "zone", zone)
	return Declare(Clients{
		Instances: restInstances{c: ic},
		Secrets:   sc,
		Logs:      pagerLister{c: lc},
	}, settings), nil
}

// Clients bundles the vendor clients one provider instance uses.
type Clients struct {
	Instances instancesAPI
	Secrets   secretsAPI
	Logs      entryLister
}

// Declare builds the provider over explicit clients.
func Declare(c Clients, settings provider.Settings) *provider.Provider {
	project := settings[SettingProject]
	comp := &Compute{
		api:         c.Instances,
		project:     project,
		zone:        settings[SettingZone],
		image:       settings[SettingImage],
		machineType: settings[SettingMachineType],
	}
	if comp.image == "" {
		comp.image = defaultImage
	}
	if comp.machineType == "" {
		comp.machineType = defaultMachineType
	}
	secrets := &Secrets{api: c.Secrets, project: project}
	logs := &Logs{api: c.Logs, project: project}
	return provider.New(Name).
		WithCompute(comp).
		WithPower(comp).
		WithSecrets(secrets).
		WithSecretProvisioner(secrets).
		WithLogQuery(logs).
		WithLogConsole(logs)
}

// Register adds the GCP constructor to r.
func Register(r *provider.Registry) { r.Register(Name, New) }

// labels converts tags to GCP label syntax: lowercase keys and values of
// [a-z0-9_-], keys starting with a letter, at most 63 characters.
func labels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		key := labelValue(k)
		if key == "" {
			continue
		}
		if key[0] < 'a' || key[0] > 'z' {
			key = "k" + key
		}
		if len(key) > 63 {
			key = key[:63]
		}
		out[key] = labelValue(v)
	}
	return out
}

func labelValue(s string) string {
	s = strings.ToLower(s)
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
			b = append(b, c)
		default:
			b = append(b, '_')
		}
	}
	if len(b) > 63 {
		b = b[:63]
	}
	return string(b)
}
