package aws

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
)

func TestEnsureSecrets_ConvergesFromPartialState(t *testing.T) {
	f := newFakeSecrets(map[string]string{"kanri-demo-api-key": "old"})
	s := &Secrets{api: f}

	ids, err := s.EnsureSecrets(context.Background(), "demo",
		map[string]string{"api-key": "new", "db password": "pw"},
		map[string]string{"kanri:instance": "demo"})
	if err != nil {
		t.Fatalf("EnsureSecrets: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	if f.values["kanri-demo-api-key"] != "new" {
		t.Errorf("existing secret not updated: %q", f.values["kanri-demo-api-key"])
	}
	if f.values["kanri-demo-db-password"] != "pw" {
		t.Errorf("missing secret not created: %v", f.values)
	}
	if !strings.HasPrefix(ids["db password"], "arn:aws:secretsmanager:") {
		t.Errorf("id = %q", ids["db password"])
	}
	if f.puts != 1 {
		t.Errorf("puts = %d, want 1", f.puts)
	}

	// Running again is a no-op in effect.
	if _, err := s.EnsureSecrets(context.Background(), "demo", map[string]string{"api-key": "new"}, nil); err != nil {
		t.Fatalf("second EnsureSecrets: %v", err)
	}
}

func TestSecrets_ExistsGetDelete(t *testing.T) {
	f := newFakeSecrets(map[string]string{"kanri-demo-token": "t0ken"})
	s := &Secrets{api: f}
	ctx := context.Background()

	ok, err := s.SecretExists(ctx, "kanri-demo-token")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	ok, err = s.SecretExists(ctx, "kanri-demo-missing")
	if err != nil || ok {
		t.Fatalf("missing exists = %v, %v", ok, err)
	}

	sec, err := s.GetSecret(ctx, "kanri-demo-token")
	if err != nil || sec.Value != "t0ken" {
		t.Fatalf("GetSecret = %+v, %v", sec, err)
	}
	if _, err := s.GetSecret(ctx, "kanri-demo-missing"); !errs.IsNotFound(err) {
		t.Errorf("GetSecret missing: err = %v", err)
	}

	if err := s.DeleteSecret(ctx, "kanri-demo-token"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSecret(ctx, "kanri-demo-token"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestCreateSecret_AlreadyExistsClassified(t *testing.T) {
	f := newFakeSecrets(map[string]string{"kanri-x": "v"})
	s := &Secrets{api: f}
	_, err := s.CreateSecret(context.Background(), "kanri-x", "v2", nil)
	if !errs.IsAlreadyExists(err) {
		t.Fatalf("err = %v, want already-exists", err)
	}
}

func TestSecrets_InvalidNameIsValidation(t *testing.T) {
	s := &Secrets{api: newFakeSecrets(nil)}
	if _, err := s.CreateSecret(context.Background(), "///", "v", nil); !errs.IsValidation(err) {
		t.Fatalf("err = %v", err)
	}
}
