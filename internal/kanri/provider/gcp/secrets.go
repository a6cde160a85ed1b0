package gcp

import (
	"context"
	"log/slog"
	"sort"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

type secretsAPI interface {
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	GetSecret(ctx context.Context, req *secretmanagerpb.GetSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest, opts ...gax.CallOption) error
}

// Secrets implements the secret capabilities on Secret Manager. A secret's
// value is its latest version; updates add a version.
type Secrets struct {
	api     secretsAPI
	project string
}

func (s *Secrets) resource(name string) (string, error) {
	id, err := provider.SanitizeGCPSecretID(name)
	if err != nil {
		return "", err
	}
	return "projects/" + s.project + "/secrets/" + id, nil
}

func (s *Secrets) GetSecret(ctx context.Context, name string) (provider.Secret, error) {
	res, err := s.resource(name)
	if err != nil {
		return provider.Secret{}, err
	}
	out, err := s.api.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: res + "/versions/latest"})
	if err != nil {
		return provider.Secret{}, errs.Wrap("secrets.get", res, err)
	}
	return provider.Secret{ID: res, Name: name, Value: string(out.GetPayload().GetData())}, nil
}

func (s *Secrets) SecretExists(ctx context.Context, name string) (bool, error) {
	res, err := s.resource(name)
	if err != nil {
		return false, err
	}
	_, err = s.api.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{Name: res})
	switch {
	case err == nil:
		return true, nil
	case errs.IsNotFound(err):
		return false, nil
	default:
		return false, errs.Wrap("secrets.exists", res, err)
	}
}

// CreateSecret creates the secret with automatic replication and adds the
// first version. It returns the secret resource name.
func (s *Secrets) CreateSecret(ctx context.Context, name, value string, tags map[string]string) (string, error) {
	id, err := provider.SanitizeGCPSecretID(name)
	if err != nil {
		return "", err
	}
	sec, err := s.api.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + s.project,
		SecretId: id,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{Automatic: &secretmanagerpb.Replication_Automatic{}},
			},
			Labels: labels(tags),
		},
	})
	if err != nil {
		return "", errs.Wrap("secrets.create", id, err)
	}
	if _, err := s.addVersion(ctx, sec.GetName(), value); err != nil {
		return "", err
	}
	return sec.GetName(), nil
}

func (s *Secrets) UpdateSecret(ctx context.Context, name, value string) (string, error) {
	res, err := s.resource(name)
	if err != nil {
		return "", err
	}
	return s.addVersion(ctx, res, value)
}

func (s *Secrets) addVersion(ctx context.Context, res, value string) (string, error) {
	_, err := s.api.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  res,
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	})
	if err != nil {
		return "", errs.Wrap("secrets.version", res, err)
	}
	return res, nil
}

func (s *Secrets) DeleteSecret(ctx context.Context, name string) error {
	res, err := s.resource(name)
	if err != nil {
		return err
	}
	err = s.api.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: res})
	if err != nil && !errs.IsNotFound(err) {
		return errs.Wrap("secrets.delete", res, err)
	}
	return nil
}

// EnsureSecrets creates missing secrets and adds a version to existing ones.
func (s *Secrets) EnsureSecrets(ctx context.Context, instance string, values map[string]string, tags map[string]string) (map[string]string, error) {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, n := range names {
		full := provider.SecretName(instance, n)
		res, err := s.CreateSecret(ctx, full, values[n], tags)
		if errs.IsAlreadyExists(err) {
			res, err = s.UpdateSecret(ctx, full, values[n])
		}
		if err != nil {
			return out, err
		}
		out[n] = res
	}
	slog.Info("gcp: secrets ensured", "instance", instance, "count", len(out))
	return out, nil
}
