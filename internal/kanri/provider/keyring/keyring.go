// Package keyring stores instance secrets in the operator's OS keyring
// (Secret Service, macOS Keychain, Windows Credential Manager) for the local
// machine target.
package keyring

import (
	"context"
	"errors"
	"sort"

	"github.com/zalando/go-keyring"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// Name is the registry name of this provider.
const Name = "keyring"

// DefaultService is the keyring service every Kanri secret is filed under.
const DefaultService = "kanri"

// maxKey bounds the account name; some backends reject long keys.
const maxKey = 255

// Store implements SecretReader, SecretWriter and SecretProvisioner. The
// keyring has no tags; they are accepted and dropped.
type Store struct {
	service string
}

// NewStore returns a store filing secrets under service.
func NewStore(service string) *Store {
	if service == "" {
		service = DefaultService
	}
	return &Store{service: service}
}

// New declares the keyring provider. Settings: "service".
func New(_ context.Context, settings provider.Settings) (*provider.Provider, error) {
	s := NewStore(settings["service"])
	return provider.New(Name).WithSecrets(s).WithSecretProvisioner(s), nil
}

// Register adds the keyring constructor to r.
func Register(r *provider.Registry) { r.Register(Name, New) }

func (s *Store) key(name string) (string, error) {
	return provider.SanitizeName(name, maxKey)
}

func (s *Store) id(key string) string { return s.service + "/" + key }

func (s *Store) GetSecret(_ context.Context, name string) (provider.Secret, error) {
	key, err := s.key(name)
	if err != nil {
		return provider.Secret{}, err
	}
	v, err := keyring.Get(s.service, key)
	if err != nil {
		return provider.Secret{}, wrap("keyring.get", key, err)
	}
	return provider.Secret{ID: s.id(key), Name: name, Value: v}, nil
}

func (s *Store) SecretExists(ctx context.Context, name string) (bool, error) {
	_, err := s.GetSecret(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errs.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) CreateSecret(ctx context.Context, name, value string, _ map[string]string) (string, error) {
	exists, err := s.SecretExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return "", errs.New(errs.KindAlreadyExists, "keyring.create", name, "secret already exists")
	}
	return s.UpdateSecret(ctx, name, value)
}

func (s *Store) UpdateSecret(_ context.Context, name, value string) (string, error) {
	key, err := s.key(name)
	if err != nil {
		return "", err
	}
	if err := keyring.Set(s.service, key, value); err != nil {
		return "", wrap("keyring.set", key, err)
	}
	return s.id(key), nil
}

func (s *Store) DeleteSecret(_ context.Context, name string) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}
	if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return wrap("keyring.delete", key, err)
	}
	return nil
}

// EnsureSecrets sets every value; the keyring has no create/update split.
func (s *Store) EnsureSecrets(ctx context.Context, instance string, values map[string]string, _ map[string]string) (map[string]string, error) {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make(map[string]string, len(names))
	for _, n := range names {
		id, err := s.UpdateSecret(ctx, provider.SecretName(instance, n), values[n])
		if err != nil {
			return out, err
		}
		out[n] = id
	}
	return out, nil
}

func wrap(op, key string, err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return &errs.OpError{Op: op, Subject: key, Kind: errs.KindNotFound, Err: err}
	}
	if errors.Is(err, keyring.ErrUnsupportedPlatform) {
		return &errs.OpError{Op: op, Subject: key, Kind: errs.KindUnavailable, Err: err}
	}
	return errs.Wrap(op, key, err)
}
