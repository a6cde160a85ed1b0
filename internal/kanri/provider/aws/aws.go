// Package aws implements the provider capabilities on Amazon Web Services:
// EC2 compute with power control and SSM Run Command, Secrets Manager,
// CloudWatch Logs and the VPC / subnet / security group services.
//
// Each SDK client is reached through a narrow interface holding only the
// calls Kanri makes, so tests substitute hand-written fakes.
package aws

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// Name is the registry name of this provider.
const Name = "aws"

// Settings keys understood by New.
const (
	SettingRegion       = "region"
	SettingProfile      = "profile"
	SettingImage        = "image"
	SettingInstanceType = "instance_type"
)

const defaultInstanceType = "t3.small"

type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, in *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
}

type ssmAPI interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

type secretsAPI interface {
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DescribeSecret(ctx context.Context, in *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

type logsAPI interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	DeleteLogGroup(ctx context.Context, in *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error)
	FilterLogEvents(ctx context.Context, in *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// Clients bundles the SDK clients one provider instance uses.
type Clients struct {
	EC2     ec2API
	SSM     ssmAPI
	Secrets secretsAPI
	Logs    logsAPI
}

// New loads the default AWS credential chain for the configured region and
// profile and declares every capability this package implements.
func New(ctx context.Context, settings provider.Settings) (*provider.Provider, error) {
	var opts []func(*config.LoadOptions) error
	if r := settings[SettingRegion]; r != "" {
		opts = append(opts, config.WithRegion(r))
	}
	if p := settings[SettingProfile]; p != "" {
		opts = append(opts, config.WithSharedConfigProfile(p))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is not configured")
	}
	slog.Debug("aws: provider configured", "region", cfg.Region)
	clients := Clients{
		EC2:     ec2.NewFromConfig(cfg),
		SSM:     ssm.NewFromConfig(cfg),
		Secrets: secretsmanager.NewFromConfig(cfg),
		Logs:    cloudwatchlogs.NewFromConfig(cfg),
	}
	return Declare(clients, cfg.Region, settings), nil
}

// Declare builds the provider over explicit clients.
func Declare(c Clients, region string, settings provider.Settings) *provider.Provider {
	compute := &Compute{
		ec2:          c.EC2,
		image:        settings[SettingImage],
		instanceType: settings[SettingInstanceType],
	}
	if compute.instanceType == "" {
		compute.instanceType = defaultInstanceType
	}
	secrets := &Secrets{api: c.Secrets}
	logs := &Logs{api: c.Logs, region: region}
	return provider.New(Name).
		WithCompute(compute).
		WithPower(compute).
		WithCommands(&Commands{ssm: c.SSM}).
		WithSecrets(secrets).
		WithSecretProvisioner(secrets).
		WithLogGroups(logs).
		WithLogQuery(logs).
		WithLogConsole(logs).
		WithNetwork(&Network{ec2: c.EC2})
}

// Register adds the AWS constructor to r.
func Register(r *provider.Registry) { r.Register(Name, New) }
