package gcp

import (
	"context"
	"log/slog"
	"strings"

	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// Compute implements InstanceLifecycle, InstanceStatusProvider and
// InstancePowerControl on Compute Engine. Instances are addressed by name
// within the configured zone, so the instance ID is the name.
type Compute struct {
	api         instancesAPI
	project     string
	zone        string
	image       string
	machineType string
}

// phaseByStatus is exhaustive over computepb Instance.Status values. GCE
// reports a powered-off instance as TERMINATED; a deleted one is not found.
var phaseByStatus = map[string]provider.Phase{
	"PROVISIONING": provider.PhasePending,
	"STAGING":      provider.PhasePending,
	"RUNNING":      provider.PhaseRunning,
	"STOPPING":     provider.PhaseStopping,
	"SUSPENDING":   provider.PhaseStopping,
	"STOPPED":      provider.PhaseStopped,
	"SUSPENDED":    provider.PhaseStopped,
	"TERMINATED":   provider.PhaseStopped,
	"REPAIRING":    provider.PhaseFailed,
}

// PhaseOf translates a GCE instance status.
func PhaseOf(status string) provider.Phase {
	if p, ok := phaseByStatus[strings.ToUpper(status)]; ok {
		return p
	}
	return provider.PhaseUnknown
}

// requestID makes retried inserts for the same instance deduplicate
// server-side.
func (c *Compute) requestID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("kanri:"+c.project+"/"+c.zone+"/"+name)).String()
}

// CreateInstance adopts an existing instance named spec.Name or inserts one
// and waits for the operation.
func (c *Compute) CreateInstance(ctx context.Context, spec provider.InstanceSpec) (provider.Instance, error) {
	if existing, err := c.FindInstance(ctx, spec.Name); err == nil {
		slog.Info("gcp: adopting existing instance", "name", spec.Name)
		return existing, nil
	} else if !errs.IsNotFound(err) {
		return provider.Instance{}, err
	}

	image := spec.Image
	if image == "" {
		image = c.image
	}
	mt := spec.MachineType
	if mt == "" {
		mt = c.machineType
	}

	lbl := labels(spec.Labels)
	lbl["kanri-managed"] = "true"
	inst := &computepb.Instance{
		Name:        proto.String(spec.Name),
		MachineType: proto.String("zones/" + c.zone + "/machineTypes/" + mt),
		Labels:      lbl,
		Disks: []*computepb.AttachedDisk{{
			Boot:       proto.Bool(true),
			AutoDelete: proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(image),
				DiskSizeGb:  proto.Int64(20),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{{
			Network: proto.String("global/networks/default"),
			AccessConfigs: []*computepb.AccessConfig{{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			}},
		}},
	}
	if spec.StartupScript != "" {
		inst.Metadata = &computepb.Metadata{Items: []*computepb.Items{{
			Key:   proto.String(metadataKey(spec.StartupScript)),
			Value: proto.String(spec.StartupScript),
		}}}
	}
	if spec.SecurityGroup != "" {
		inst.Tags = &computepb.Tags{Items: []string{spec.SecurityGroup}}
	}

	op, err := c.api.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          c.project,
		Zone:             c.zone,
		InstanceResource: inst,
		RequestId:        proto.String(c.requestID(spec.Name)),
	})
	if errs.IsAlreadyExists(err) {
		return c.FindInstance(ctx, spec.Name)
	}
	if err != nil {
		return provider.Instance{}, errs.Wrap("gce.create", spec.Name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return provider.Instance{}, errs.Wrap("gce.create", spec.Name, err)
	}
	slog.Info("gcp: instance created", "name", spec.Name, "zone", c.zone, "machine_type", mt)
	return c.FindInstance(ctx, spec.Name)
}

// metadataKey picks the metadata key the guest agent or cloud-init reads.
func metadataKey(script string) string {
	if strings.HasPrefix(script, "#cloud-config") {
		return "user-data"
	}
	return "startup-script"
}

func (c *Compute) DeleteInstance(ctx context.Context, id string) error {
	op, err := c.api.Delete(ctx, &computepb.DeleteInstanceRequest{Project: c.project, Zone: c.zone, Instance: id})
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap("gce.delete", id, err)
	}
	return errs.Wrap("gce.delete", id, op.Wait(ctx))
}

func (c *Compute) FindInstance(ctx context.Context, name string) (provider.Instance, error) {
	inst, err := c.get(ctx, name)
	if err != nil {
		return provider.Instance{}, err
	}
	return provider.Instance{ID: inst.GetName(), Name: inst.GetName(), Address: address(inst)}, nil
}

func (c *Compute) InstanceStatus(ctx context.Context, id string) (provider.InstanceStatus, error) {
	inst, err := c.get(ctx, id)
	if err != nil {
		return provider.InstanceStatus{}, err
	}
	phase := PhaseOf(inst.GetStatus())
	return provider.InstanceStatus{
		ID:      inst.GetName(),
		Phase:   phase,
		Health:  provider.HealthOf(phase),
		Address: address(inst),
		Raw:     inst.GetStatus(),
	}, nil
}

func (c *Compute) StartInstance(ctx context.Context, id string) error {
	op, err := c.api.Start(ctx, &computepb.StartInstanceRequest{Project: c.project, Zone: c.zone, Instance: id})
	if err != nil {
		return errs.Wrap("gce.start", id, err)
	}
	return errs.Wrap("gce.start", id, op.Wait(ctx))
}

func (c *Compute) StopInstance(ctx context.Context, id string) error {
	op, err := c.api.Stop(ctx, &computepb.StopInstanceRequest{Project: c.project, Zone: c.zone, Instance: id})
	if err != nil {
		return errs.Wrap("gce.stop", id, err)
	}
	return errs.Wrap("gce.stop", id, op.Wait(ctx))
}

func (c *Compute) RebootInstance(ctx context.Context, id string) error {
	op, err := c.api.Reset(ctx, &computepb.ResetInstanceRequest{Project: c.project, Zone: c.zone, Instance: id})
	if err != nil {
		return errs.Wrap("gce.reset", id, err)
	}
	return errs.Wrap("gce.reset", id, op.Wait(ctx))
}

func (c *Compute) get(ctx context.Context, name string) (*computepb.Instance, error) {
	inst, err := c.api.Get(ctx, &computepb.GetInstanceRequest{Project: c.project, Zone: c.zone, Instance: name})
	if err != nil {
		return nil, errs.Wrap("gce.get", name, err)
	}
	return inst, nil
}

func address(inst *computepb.Instance) string {
	for _, ni := range inst.GetNetworkInterfaces() {
		for _, ac := range ni.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				return ip
			}
		}
		if ip := ni.GetNetworkIP(); ip != "" {
			return ip
		}
	}
	return ""
}
