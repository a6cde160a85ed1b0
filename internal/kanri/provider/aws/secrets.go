package aws

import (
	"context"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// Secrets implements the secret capabilities on Secrets Manager. Names are
// passed through provider.SanitizeAWSSecretName before every call.
type Secrets struct {
	api secretsAPI
}

func (s *Secrets) GetSecret(ctx context.Context, name string) (provider.Secret, error) {
	id, err := provider.SanitizeAWSSecretName(name)
	if err != nil {
		return provider.Secret{}, err
	}
	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return provider.Secret{}, errs.Wrap("secrets.get", id, err)
	}
	return provider.Secret{
		ID:    aws.ToString(out.ARN),
		Name:  aws.ToString(out.Name),
		Value: aws.ToString(out.SecretString),
	}, nil
}

func (s *Secrets) SecretExists(ctx context.Context, name string) (bool, error) {
	id, err := provider.SanitizeAWSSecretName(name)
	if err != nil {
		return false, err
	}
	_, err = s.api.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{SecretId: aws.String(id)})
	switch {
	case err == nil:
		return true, nil
	case errs.IsNotFound(err):
		return false, nil
	default:
		return false, errs.Wrap("secrets.exists", id, err)
	}
}

// CreateSecret returns the new secret's ARN.
func (s *Secrets) CreateSecret(ctx context.Context, name, value string, tags map[string]string) (string, error) {
	id, err := provider.SanitizeAWSSecretName(name)
	if err != nil {
		return "", err
	}
	out, err := s.api.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(id),
		SecretString: aws.String(value),
		Tags:         secretTags(tags),
	})
	if err != nil {
		return "", errs.Wrap("secrets.create", id, err)
	}
	return aws.ToString(out.ARN), nil
}

func (s *Secrets) UpdateSecret(ctx context.Context, name, value string) (string, error) {
	id, err := provider.SanitizeAWSSecretName(name)
	if err != nil {
		return "", err
	}
	out, err := s.api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(id),
		SecretString: aws.String(value),
	})
	if err != nil {
		return "", errs.Wrap("secrets.update", id, err)
	}
	return aws.ToString(out.ARN), nil
}

// DeleteSecret removes the secret without a recovery window. A missing
// secret is not an error.
func (s *Secrets) DeleteSecret(ctx context.Context, name string) error {
	id, err := provider.SanitizeAWSSecretName(name)
	if err != nil {
		return err
	}
	_, err = s.api.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(id),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && !errs.IsNotFound(err) {
		return errs.Wrap("secrets.delete", id, err)
	}
	return nil
}

// EnsureSecrets creates each secret, falling back to an update when it
// already exists, so a partially provisioned instance converges.
func (s *Secrets) EnsureSecrets(ctx context.Context, instance string, values map[string]string, tags map[string]string) (map[string]string, error) {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, n := range names {
		full := provider.SecretName(instance, n)
		arn, err := s.CreateSecret(ctx, full, values[n], tags)
		if errs.IsAlreadyExists(err) {
			arn, err = s.UpdateSecret(ctx, full, values[n])
		}
		if err != nil {
			return out, err
		}
		out[n] = arn
	}
	slog.Info("aws: secrets ensured", "instance", instance, "count", len(out))
	return out, nil
}

func secretTags(m map[string]string) []smtypes.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]smtypes.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, smtypes.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return tags
}
