package aws

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// Compute implements InstanceLifecycle, InstanceStatusProvider and
// InstancePowerControl on EC2.
type Compute struct {
	ec2          ec2API
	image        string
	instanceType string
}

// phaseByState is exhaustive over types.InstanceStateName.
var phaseByState = map[types.InstanceStateName]provider.Phase{
	types.InstanceStateNamePending:      provider.PhasePending,
	types.InstanceStateNameRunning:      provider.PhaseRunning,
	types.InstanceStateNameStopping:     provider.PhaseStopping,
	types.InstanceStateNameStopped:      provider.PhaseStopped,
	types.InstanceStateNameShuttingDown: provider.PhaseTerminated,
	types.InstanceStateNameTerminated:   provider.PhaseTerminated,
}

// PhaseOf translates an EC2 state name.
func PhaseOf(state types.InstanceStateName) provider.Phase {
	if p, ok := phaseByState[state]; ok {
		return p
	}
	return provider.PhaseUnknown
}

// liveStates are the states FindInstance considers a match.
var liveStates = []string{
	string(types.InstanceStateNamePending),
	string(types.InstanceStateNameRunning),
	string(types.InstanceStateNameStopping),
	string(types.InstanceStateNameStopped),
}

// CreateInstance adopts a live instance tagged with spec.Name, or launches
// one. The client token makes a retried launch return the same instance.
func (c *Compute) CreateInstance(ctx context.Context, spec provider.InstanceSpec) (provider.Instance, error) {
	existing, err := c.FindInstance(ctx, spec.Name)
	if err == nil {
		slog.Info("aws: adopting existing instance", "name", spec.Name, "id", existing.ID)
		return existing, nil
	}
	if !errs.IsNotFound(err) {
		return provider.Instance{}, err
	}

	image := spec.Image
	if image == "" {
		image = c.image
	}
	if image == "" {
		return provider.Instance{}, errs.Validation("ec2.create", spec.Name, "no machine image configured")
	}
	itype := spec.MachineType
	if itype == "" {
		itype = c.instanceType
	}

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: types.InstanceType(itype),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2Tags(spec.Name, spec.Labels),
		}},
	}
	if spec.StartupScript != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.StartupScript)))
	}
	if spec.SecurityGroup != "" {
		in.SecurityGroupIds = []string{spec.SecurityGroup}
	}
	if spec.Subnet != "" {
		in.SubnetId = aws.String(spec.Subnet)
	}

	in.ClientToken = aws.String(clientToken(spec.Name, in))
	out, err := c.run(ctx, spec.Name, in)
	if err != nil {
		return provider.Instance{}, err
	}
	// EC2 answers a reused token with the instance it launched the first
	// time. After a destroy that instance is gone, so launch again under a
	// token salted with its ID.
	if gone(out) {
		prev := aws.ToString(out.InstanceId)
		slog.Info("aws: client token maps to a terminated instance, relaunching", "name", spec.Name, "previous", prev)
		again := *in
		again.ClientToken = aws.String(clientToken(spec.Name, in, prev))
		if out, err = c.run(ctx, spec.Name, &again); err != nil {
			return provider.Instance{}, err
		}
	}
	inst := instanceOf(out)
	inst.Name = spec.Name
	slog.Info("aws: instance launched", "name", spec.Name, "id", inst.ID, "type", itype)
	return inst, nil
}

// DeleteInstance terminates id. A missing instance is not an error.
func (c *Compute) DeleteInstance(ctx context.Context, id string) error {
	_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	if err != nil && !errs.IsNotFound(err) {
		return errs.Wrap("ec2.delete", id, err)
	}
	return nil
}

// FindInstance returns the live instance tagged Name=name.
func (c *Compute) FindInstance(ctx context.Context, name string) (provider.Instance, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: liveStates},
		},
	})
	if err != nil {
		return provider.Instance{}, errs.Wrap("ec2.find", name, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			found := instanceOf(inst)
			found.Name = name
			return found, nil
		}
	}
	return provider.Instance{}, errs.New(errs.KindNotFound, "ec2.find", name, "no live instance")
}

// InstanceStatus describes id.
func (c *Compute) InstanceStatus(ctx context.Context, id string) (provider.InstanceStatus, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return provider.InstanceStatus{}, errs.Wrap("ec2.status", id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			var raw types.InstanceStateName
			if inst.State != nil {
				raw = inst.State.Name
			}
			phase := PhaseOf(raw)
			return provider.InstanceStatus{
				ID:      aws.ToString(inst.InstanceId),
				Phase:   phase,
				Health:  provider.HealthOf(phase),
				Address: address(inst),
				Raw:     string(raw),
			}, nil
		}
	}
	return provider.InstanceStatus{}, errs.New(errs.KindNotFound, "ec2.status", id, "instance not found")
}

func (c *Compute) StartInstance(ctx context.Context, id string) error {
	_, err := c.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
	return errs.Wrap("ec2.start", id, err)
}

func (c *Compute) StopInstance(ctx context.Context, id string) error {
	_, err := c.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
	return errs.Wrap("ec2.stop", id, err)
}

func (c *Compute) RebootInstance(ctx context.Context, id string) error {
	_, err := c.ec2.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{id}})
	return errs.Wrap("ec2.reboot", id, err)
}

func instanceOf(inst types.Instance) provider.Instance {
	return provider.Instance{ID: aws.ToString(inst.InstanceId), Address: address(inst)}
}

func address(inst types.Instance) string {
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		return ip
	}
	return aws.ToString(inst.PrivateIpAddress)
}

func (c *Compute) run(ctx context.Context, name string, in *ec2.RunInstancesInput) (types.Instance, error) {
	out, err := c.ec2.RunInstances(ctx, in)
	if err != nil {
		return types.Instance{}, errs.Wrap("ec2.create", name, err)
	}
	if len(out.Instances) == 0 {
		return types.Instance{}, errs.New(errs.KindUnknown, "ec2.create", name, "no instance returned")
	}
	return out.Instances[0], nil
}

func gone(inst types.Instance) bool {
	if inst.State == nil {
		return false
	}
	return inst.State.Name == types.InstanceStateNameTerminated || inst.State.Name == types.InstanceStateNameShuttingDown
}

// clientToken identifies one launch request: the name plus a digest of
// everything the request carries, so a retried install presents the same
// token and a changed one (new user-data, another image) does not collide
// with it. EC2 accepts at most 64 characters.
func clientToken(name string, in *ec2.RunInstancesInput, salt ...string) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(aws.ToString(in.ImageId), string(in.InstanceType), aws.ToString(in.UserData), aws.ToString(in.SubnetId))
	write(in.SecurityGroupIds...)
	for _, ts := range in.TagSpecifications {
		for _, tag := range ts.Tags {
			write(aws.ToString(tag.Key) + "=" + aws.ToString(tag.Value))
		}
	}
	write(salt...)
	digest := hex.EncodeToString(h.Sum(nil))[:16]

	prefix := strings.TrimRight("kanri-"+name, "-")
	if limit := 64 - len(digest) - 1; len(prefix) > limit {
		prefix = prefix[:limit]
	}
	return prefix + "-" + digest
}

func ec2Tags(name string, labels map[string]string) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String("Name"), Value: aws.String(name)},
		{Key: aws.String("kanri:managed"), Value: aws.String("true")},
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(labels[k])})
	}
	return tags
}
