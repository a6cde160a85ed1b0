package aws

import (
	"context"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// Network implements the VPC, subnet and security group services.
type Network struct {
	ec2 ec2API
}

func (n *Network) DefaultVpc(ctx context.Context) (string, error) {
	out, err := n.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []types.Filter{{Name: aws.String("is-default"), Values: []string{"true"}}},
	})
	if err != nil {
		return "", errs.Wrap("ec2.vpc", "default", err)
	}
	for _, v := range out.Vpcs {
		if id := aws.ToString(v.VpcId); id != "" {
			return id, nil
		}
	}
	return "", errs.New(errs.KindNotFound, "ec2.vpc", "default", "region has no default vpc")
}

func (n *Network) Subnets(ctx context.Context, vpcID string) ([]string, error) {
	out, err := n.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}},
	})
	if err != nil {
		return nil, errs.Wrap("ec2.subnets", vpcID, err)
	}
	ids := make([]string, 0, len(out.Subnets))
	for _, s := range out.Subnets {
		ids = append(ids, aws.ToString(s.SubnetId))
	}
	sort.Strings(ids)
	return ids, nil
}

// EnsureSecurityGroup returns the group named name in vpcID, creating it and
// its ingress rules when absent. Rules already present are ignored.
func (n *Network) EnsureSecurityGroup(ctx context.Context, vpcID, name, description string, rules []provider.IngressRule) (string, error) {
	id, err := n.findGroup(ctx, vpcID, name)
	if err != nil {
		return "", err
	}
	if id == "" {
		out, err := n.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   aws.String(name),
			Description: aws.String(description),
			VpcId:       aws.String(vpcID),
		})
		switch {
		case err == nil:
			id = aws.ToString(out.GroupId)
			slog.Info("aws: security group created", "name", name, "id", id)
		case errs.IsAlreadyExists(err):
			// Lost a race with a concurrent install.
			if id, err = n.findGroup(ctx, vpcID, name); err != nil {
				return "", err
			}
		default:
			return "", errs.Wrap("ec2.security-group", name, err)
		}
	}
	if len(rules) == 0 {
		return id, nil
	}

	perms := make([]types.IpPermission, 0, len(rules))
	for _, r := range rules {
		cidr := r.CIDR
		if cidr == "" {
			cidr = "0.0.0.0/0"
		}
		perms = append(perms, types.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(int32(r.Port)),
			ToPort:     aws.Int32(int32(r.Port)),
			IpRanges:   []types.IpRange{{CidrIp: aws.String(cidr)}},
		})
	}
	_, err = n.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(id),
		IpPermissions: perms,
	})
	if err != nil && !errs.IsAlreadyExists(err) {
		return "", errs.Wrap("ec2.security-group.ingress", name, err)
	}
	return id, nil
}

func (n *Network) DeleteSecurityGroup(ctx context.Context, id string) error {
	_, err := n.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
	if err != nil && !errs.IsNotFound(err) {
		return errs.Wrap("ec2.security-group.delete", id, err)
	}
	return nil
}

func (n *Network) findGroup(ctx context.Context, vpcID, name string) (string, error) {
	out, err := n.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil {
		return "", errs.Wrap("ec2.security-group", name, err)
	}
	for _, g := range out.SecurityGroups {
		return aws.ToString(g.GroupId), nil
	}
	return "", nil
}
