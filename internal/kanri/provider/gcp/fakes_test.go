package gcp

import (
	"context"
	"strings"

	"cloud.google.com/go/compute/apiv1/computepb"
	"cloud.google.com/go/logging/apiv2/loggingpb"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func httpError(code int) error {
	apiErr, ok := apierror.FromError(&googleapi.Error{Code: code, Message: "http error"})
	if !ok {
		panic("apierror.FromError rejected googleapi.Error")
	}
	return apiErr
}

type doneOp struct{ err error }

func (o doneOp) Wait(context.Context, ...gax.CallOption) error { return o.err }

type fakeInstances struct {
	instances map[string]*computepb.Instance
	inserts   []*computepb.InsertInstanceRequest
	insertErr error
	deletes   int
	stops     int
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{instances: map[string]*computepb.Instance{}}
}

func (f *fakeInstances) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (waiter, error) {
	f.inserts = append(f.inserts, req)
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	inst := proto.Clone(req.GetInstanceResource()).(*computepb.Instance)
	inst.Status = proto.String("PROVISIONING")
	inst.NetworkInterfaces[0].NetworkIP = proto.String("10.128.0.4")
	f.instances[inst.GetName()] = inst
	return doneOp{}, nil
}

func (f *fakeInstances) Get(_ context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	inst, ok := f.instances[req.GetInstance()]
	if !ok {
		return nil, httpError(404)
	}
	return inst, nil
}

func (f *fakeInstances) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (waiter, error) {
	if _, ok := f.instances[req.GetInstance()]; !ok {
		return nil, httpError(404)
	}
	f.deletes++
	delete(f.instances, req.GetInstance())
	return doneOp{}, nil
}

func (f *fakeInstances) Start(_ context.Context, req *computepb.StartInstanceRequest) (waiter, error) {
	f.instances[req.GetInstance()].Status = proto.String("RUNNING")
	return doneOp{}, nil
}

func (f *fakeInstances) Stop(_ context.Context, req *computepb.StopInstanceRequest) (waiter, error) {
	f.stops++
	f.instances[req.GetInstance()].Status = proto.String("TERMINATED")
	return doneOp{}, nil
}

func (f *fakeInstances) Reset(context.Context, *computepb.ResetInstanceRequest) (waiter, error) {
	return doneOp{}, nil
}

// fakeSecretManager keeps secret resource name -> versions.
type fakeSecretManager struct {
	secrets map[string][]string
}

func newFakeSecretManager() *fakeSecretManager {
	return &fakeSecretManager{secrets: map[string][]string{}}
}

func (f *fakeSecretManager) CreateSecret(_ context.Context, req *secretmanagerpb.CreateSecretRequest, _ ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	name := req.GetParent() + "/secrets/" + req.GetSecretId()
	if _, ok := f.secrets[name]; ok {
		return nil, status.Error(codes.AlreadyExists, "secret already exists")
	}
	f.secrets[name] = nil
	return &secretmanagerpb.Secret{Name: name}, nil
}

func (f *fakeSecretManager) AddSecretVersion(_ context.Context, req *secretmanagerpb.AddSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.SecretVersion, error) {
	if _, ok := f.secrets[req.GetParent()]; !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	f.secrets[req.GetParent()] = append(f.secrets[req.GetParent()], string(req.GetPayload().GetData()))
	return &secretmanagerpb.SecretVersion{}, nil
}

func (f *fakeSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	name := strings.TrimSuffix(req.GetName(), "/versions/latest")
	versions := f.secrets[name]
	if len(versions) == 0 {
		return nil, status.Error(codes.NotFound, "no versions")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(versions[len(versions)-1])},
	}, nil
}

func (f *fakeSecretManager) GetSecret(_ context.Context, req *secretmanagerpb.GetSecretRequest, _ ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	if _, ok := f.secrets[req.GetName()]; !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	return &secretmanagerpb.Secret{Name: req.GetName()}, nil
}

func (f *fakeSecretManager) DeleteSecret(_ context.Context, req *secretmanagerpb.DeleteSecretRequest, _ ...gax.CallOption) error {
	if _, ok := f.secrets[req.GetName()]; !ok {
		return status.Error(codes.NotFound, "secret not found")
	}
	delete(f.secrets, req.GetName())
	return nil
}

type fakeLister struct {
	reqs    []*loggingpb.ListLogEntriesRequest
	entries []*loggingpb.LogEntry
	next    string
}

func (f *fakeLister) ListEntries(_ context.Context, req *loggingpb.ListLogEntriesRequest) ([]*loggingpb.LogEntry, string, error) {
	f.reqs = append(f.reqs, req)
	return f.entries, f.next, nil
}
