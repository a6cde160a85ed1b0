package aws

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
)

// fakeEC2 embeds ec2API so unused methods panic if reached.
type fakeEC2 struct {
	ec2API

	instances    []types.Instance // returned by every DescribeInstances
	describeErr  error
	runInputs    []*ec2.RunInstancesInput
	tokens       map[string]string // client token -> instance ID
	terminated   []string
	terminateErr error

	groups       map[string]string // name -> id
	authorized   []*ec2.AuthorizeSecurityGroupIngressInput
	authorizeErr error
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if len(f.instances) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: f.instances}}}, nil
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runInputs = append(f.runInputs, in)
	if f.tokens == nil {
		f.tokens = map[string]string{}
	}
	// Like EC2, a known client token returns the instance it launched.
	tok := aws.ToString(in.ClientToken)
	id, ok := f.tokens[tok]
	if !ok {
		id = fmt.Sprintf("i-%04d", 123+len(f.tokens))
		f.tokens[tok] = id
	}
	state := types.InstanceStateNamePending
	if slices.Contains(f.terminated, id) {
		state = types.InstanceStateNameTerminated
	}
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{
		InstanceId:       aws.String(id),
		PrivateIpAddress: aws.String("10.0.0.5"),
		State:            &types.InstanceState{Name: state},
	}}}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, in *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	name := in.Filters[0].Values[0]
	if id, ok := f.groups[name]; ok {
		return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []types.SecurityGroup{{GroupId: aws.String(id)}}}, nil
	}
	return &ec2.DescribeSecurityGroupsOutput{}, nil
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	if f.groups == nil {
		f.groups = map[string]string{}
	}
	id := "sg-" + aws.ToString(in.GroupName)
	f.groups[aws.ToString(in.GroupName)] = id
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.authorized = append(f.authorized, in)
	if f.authorizeErr != nil {
		return nil, f.authorizeErr
	}
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

// fakeSecrets is an in-memory Secrets Manager.
type fakeSecrets struct {
	secretsAPI

	mu      sync.Mutex
	values  map[string]string
	creates int
	puts    int
}

func newFakeSecrets(existing map[string]string) *fakeSecrets {
	v := map[string]string{}
	for k, val := range existing {
		v[k] = val
	}
	return &fakeSecrets{values: v}
}

func arn(name string) *string { return aws.String("arn:aws:secretsmanager:eu-west-1:1:secret:" + name) }

func (f *fakeSecrets) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	name := aws.ToString(in.Name)
	if _, ok := f.values[name]; ok {
		return nil, &smtypes.ResourceExistsException{Message: aws.String("secret exists")}
	}
	f.values[name] = aws.ToString(in.SecretString)
	return &secretsmanager.CreateSecretOutput{ARN: arn(name), Name: aws.String(name)}, nil
}

func (f *fakeSecrets) PutSecretValue(_ context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	name := aws.ToString(in.SecretId)
	if _, ok := f.values[name]; !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("missing")}
	}
	f.values[name] = aws.ToString(in.SecretString)
	return &secretsmanager.PutSecretValueOutput{ARN: arn(name)}, nil
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.SecretId)
	v, ok := f.values[name]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("missing")}
	}
	return &secretsmanager.GetSecretValueOutput{ARN: arn(name), Name: aws.String(name), SecretString: aws.String(v)}, nil
}

func (f *fakeSecrets) DescribeSecret(_ context.Context, in *secretsmanager.DescribeSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.SecretId)
	if _, ok := f.values[name]; !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("missing")}
	}
	return &secretsmanager.DescribeSecretOutput{ARN: arn(name), Name: aws.String(name)}, nil
}

func (f *fakeSecrets) DeleteSecret(_ context.Context, in *secretsmanager.DeleteSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.SecretId)
	if _, ok := f.values[name]; !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("missing")}
	}
	delete(f.values, name)
	return &secretsmanager.DeleteSecretOutput{}, nil
}

type fakeLogs struct {
	logsAPI

	groups    map[string]int32
	filterIn  []*cloudwatchlogs.FilterLogEventsInput
	filterOut *cloudwatchlogs.FilterLogEventsOutput
}

func (f *fakeLogs) CreateLogGroup(_ context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	if f.groups == nil {
		f.groups = map[string]int32{}
	}
	name := aws.ToString(in.LogGroupName)
	if _, ok := f.groups[name]; ok {
		return nil, &smithy.GenericAPIError{Code: "ResourceAlreadyExistsException", Message: "exists"}
	}
	f.groups[name] = 0
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogs) PutRetentionPolicy(_ context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	f.groups[aws.ToString(in.LogGroupName)] = aws.ToInt32(in.RetentionInDays)
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogs) DeleteLogGroup(_ context.Context, in *cloudwatchlogs.DeleteLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error) {
	name := aws.ToString(in.LogGroupName)
	if _, ok := f.groups[name]; !ok {
		return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "missing"}
	}
	delete(f.groups, name)
	return &cloudwatchlogs.DeleteLogGroupOutput{}, nil
}

func (f *fakeLogs) FilterLogEvents(_ context.Context, in *cloudwatchlogs.FilterLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	f.filterIn = append(f.filterIn, in)
	return f.filterOut, nil
}

// fakeSSM reports each status in turn, then the last one forever.
type fakeSSM struct {
	ssmAPI

	statuses []ssmtypes.CommandInvocationStatus
	code     int32
	calls    int
	sent     *ssm.SendCommandInput
}

func (f *fakeSSM) SendCommand(_ context.Context, in *ssm.SendCommandInput, _ ...func(*ssm.Options)) (*ssm.SendCommandOutput, error) {
	f.sent = in
	return &ssm.SendCommandOutput{Command: &ssmtypes.Command{CommandId: aws.String("cmd-1")}}, nil
}

func (f *fakeSSM) GetCommandInvocation(_ context.Context, _ *ssm.GetCommandInvocationInput, _ ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error) {
	i := f.calls
	f.calls++
	if i == 0 {
		return nil, &smithy.GenericAPIError{Code: "InvocationDoesNotExist", Message: "not yet"}
	}
	i--
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return &ssm.GetCommandInvocationOutput{
		Status:                f.statuses[i],
		ResponseCode:          f.code,
		StandardOutputContent: aws.String("ok\n"),
	}, nil
}
