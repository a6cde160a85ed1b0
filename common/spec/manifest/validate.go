package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed manifest.schema.json
var schemaJSON []byte

const schemaURL = "manifest.schema.json"

// ErrInvalid is wrapped by every schema and rule violation.
var ErrInvalid = errors.New("invalid manifest")

// Defaults applied before the semantic rules run.
const (
	DefaultWorkspace        = "default"
	DefaultEnvironment      = "development"
	DefaultPort             = 4100
	DefaultCPU              = 0.5
	DefaultMemoryMiB        = 512
	DefaultLogLevel         = "info"
	DefaultLogRetentionDays = 14
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("load manifest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Parse decodes a manifest YAML document, validates it against the schema,
// applies defaults and checks the semantic rules.
func Parse(data []byte) (Manifest, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("manifest parse: %w", err)
	}
	if raw == nil {
		return Manifest{}, fmt.Errorf("%w: empty document", ErrInvalid)
	}
	if err := validateSchema(raw); err != nil {
		return Manifest{}, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest parse: %w", err)
	}
	ApplyDefaults(&m)
	if err := Validate(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// validateSchema round-trips the YAML tree through JSON so the validator
// sees plain JSON types.
func validateSchema(raw any) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", ErrInvalid, schemaMessage(ve))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// schemaMessage reports the deepest cause, which names the offending field.
func schemaMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}

// ApplyDefaults fills unset optional fields.
func ApplyDefaults(m *Manifest) {
	if m.Metadata.Workspace == "" {
		m.Metadata.Workspace = DefaultWorkspace
	}
	if m.Metadata.Environment == "" {
		m.Metadata.Environment = DefaultEnvironment
	}
	if m.Target.Port == 0 {
		m.Target.Port = DefaultPort
	}
	if m.Network.Port == 0 {
		m.Network.Port = m.Target.Port
	}
	if m.Network.Inbound == "" {
		m.Network.Inbound = InboundNone
	}
	if m.Runtime.CPU == 0 {
		m.Runtime.CPU = DefaultCPU
	}
	if m.Runtime.Memory == 0 {
		m.Runtime.Memory = DefaultMemoryMiB
	}
	if m.Observability.LogLevel == "" {
		m.Observability.LogLevel = DefaultLogLevel
	}
	if m.Observability.LogRetentionDays == 0 {
		m.Observability.LogRetentionDays = DefaultLogRetentionDays
	}
	if m.Target.Type == TargetKubernetes && m.Target.Namespace == "" {
		m.Target.Namespace = "default"
	}
}

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidName reports whether s is a valid instance or profile name:
// lowercase alphanumerics and hyphens, 1-63 characters, no leading,
// trailing or doubled hyphen.
func ValidName(s string) bool {
	return nameRe.MatchString(s) && !strings.Contains(s, "--")
}

// Validate checks the semantic rules. It returns the first violation.
func Validate(m Manifest) error {
	if m.APIVersion != APIVersion {
		return fmt.Errorf("%w: apiVersion must be %q, got %q", ErrInvalid, APIVersion, m.APIVersion)
	}

	if !ValidName(m.Metadata.Name) {
		return fmt.Errorf("%w: metadata.name %q must be 1-63 lowercase alphanumerics or single hyphens", ErrInvalid, m.Metadata.Name)
	}
	if m.Target.Profile != "" && !ValidName(m.Target.Profile) {
		return fmt.Errorf("%w: target.profile %q is not a valid name", ErrInvalid, m.Target.Profile)
	}

	if !m.Target.Type.Valid() {
		return fmt.Errorf("%w: target.type %q is not one of %v", ErrInvalid, m.Target.Type, TargetTypes)
	}
	if err := validPort("target.port", m.Target.Port); err != nil {
		return err
	}
	if err := validPort("network.port", m.Network.Port); err != nil {
		return err
	}
	switch m.Target.Type {
	case TargetRemoteVM:
		if strings.TrimSpace(m.Target.Host) == "" {
			return fmt.Errorf("%w: target.host is required for %s", ErrInvalid, m.Target.Type)
		}
	case TargetKubernetes:
		if !ValidName(m.Target.Namespace) {
			return fmt.Errorf("%w: target.namespace %q is not a valid name", ErrInvalid, m.Target.Namespace)
		}
	}

	if strings.TrimSpace(m.Runtime.Image) == "" {
		return fmt.Errorf("%w: runtime.image must not be empty", ErrInvalid)
	}
	if m.Runtime.CPU <= 0 {
		return fmt.Errorf("%w: runtime.cpu must be positive", ErrInvalid)
	}
	if m.Runtime.Memory <= 0 {
		return fmt.Errorf("%w: runtime.memory must be positive", ErrInvalid)
	}
	for k := range m.Runtime.Env {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, "= \t\n") {
			return fmt.Errorf("%w: runtime.env key %q is not a valid variable name", ErrInvalid, k)
		}
	}

	switch m.Network.Inbound {
	case InboundNone, InboundPublic, InboundPrivate:
	default:
		return fmt.Errorf("%w: network.inbound %q must be none, public or private", ErrInvalid, m.Network.Inbound)
	}

	if m.Security.SandboxRuntime != "" && !m.Security.Sandbox {
		return fmt.Errorf("%w: security.sandboxRuntime set without security.sandbox", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(m.Security.Middleware))
	for i, mw := range m.Security.Middleware {
		if strings.TrimSpace(mw.Name) == "" || strings.TrimSpace(mw.Image) == "" {
			return fmt.Errorf("%w: security.middleware[%d]: name and image are required", ErrInvalid, i)
		}
		if _, dup := seen[mw.Name]; dup {
			return fmt.Errorf("%w: security.middleware[%d]: duplicate name %q", ErrInvalid, i, mw.Name)
		}
		seen[mw.Name] = struct{}{}
	}
	seen = make(map[string]struct{}, len(m.Security.Secrets))
	for i, s := range m.Security.Secrets {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: security.secrets[%d]: name must not be empty", ErrInvalid, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: security.secrets[%d]: duplicate name %q", ErrInvalid, i, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

func validPort(field string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%w: %s %d out of range 1-65535", ErrInvalid, field, p)
	}
	return nil
}
