package provider

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Capability tags one slice of functionality a provider declares.
type Capability string

const (
	CapSecrets           Capability = "secrets"
	CapSecretProvisioner Capability = "secret-provisioner"
	CapCompute           Capability = "compute"
	CapPower             Capability = "power"
	CapCommands          Capability = "commands"
	CapLogGroups         Capability = "log-groups"
	CapLogQuery          Capability = "log-query"
	CapLogConsole        Capability = "log-console"
	CapNetwork           Capability = "network"
	CapStack             Capability = "stack"
)

// Provider is a named, declared set of capabilities. Callers ask for a
// capability through the typed accessors; an undeclared capability is
// reported as absent rather than discovered at call time.
type Provider struct {
	name string
	caps map[Capability]any
}

// New starts an empty provider declaration.
func New(name string) *Provider {
	return &Provider{name: name, caps: make(map[Capability]any)}
}

// Name returns the provider name ("aws", "gcp", "keyring").
func (p *Provider) Name() string { return p.name }

// Has reports whether c is declared.
func (p *Provider) Has(c Capability) bool {
	_, ok := p.caps[c]
	return ok
}

// Capabilities returns the declared tags, sorted.
func (p *Provider) Capabilities() []Capability {
	out := make([]Capability, 0, len(p.caps))
	for c := range p.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// declare records impl under c. A nil implementation, including a typed
// nil pointer wrapped in the interface, leaves c undeclared.
func (p *Provider) declare(c Capability, impl any) *Provider {
	if !isNil(impl) {
		p.caps[c] = impl
	}
	return p
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// WithSecrets declares the secret reader/writer slices.
func (p *Provider) WithSecrets(s interface {
	SecretReader
	SecretWriter
}) *Provider {
	return p.declare(CapSecrets, s)
}

// WithSecretProvisioner declares bulk secret provisioning.
func (p *Provider) WithSecretProvisioner(s SecretProvisioner) *Provider {
	return p.declare(CapSecretProvisioner, s)
}

// WithCompute declares instance lifecycle + status.
func (p *Provider) WithCompute(c Compute) *Provider { return p.declare(CapCompute, c) }

// WithPower declares instance power control.
func (p *Provider) WithPower(c InstancePowerControl) *Provider { return p.declare(CapPower, c) }

// WithCommands declares remote command execution.
func (p *Provider) WithCommands(c InstanceCommandExecutor) *Provider {
	return p.declare(CapCommands, c)
}

// WithLogGroups declares log group lifecycle.
func (p *Provider) WithLogGroups(l LogGroupManager) *Provider { return p.declare(CapLogGroups, l) }

// WithLogQuery declares log queries.
func (p *Provider) WithLogQuery(l LogQuery) *Provider { return p.declare(CapLogQuery, l) }

// WithLogConsole declares console deep links.
func (p *Provider) WithLogConsole(l LogConsole) *Provider { return p.declare(CapLogConsole, l) }

// WithNetwork declares VPC, subnet and security group services.
func (p *Provider) WithNetwork(n Network) *Provider { return p.declare(CapNetwork, n) }

// WithStack declares IaC stack management.
func (p *Provider) WithStack(s Stack) *Provider { return p.declare(CapStack, s) }

// Secrets returns the declared secret reader/writer.
func (p *Provider) Secrets() (interface {
	SecretReader
	SecretWriter
}, bool) {
	v, ok := p.caps[CapSecrets].(interface {
		SecretReader
		SecretWriter
	})
	return v, ok
}

// SecretProvisioner returns the declared provisioner.
func (p *Provider) SecretProvisioner() (SecretProvisioner, bool) {
	v, ok := p.caps[CapSecretProvisioner].(SecretProvisioner)
	return v, ok
}

// Compute returns the declared compute capability.
func (p *Provider) Compute() (Compute, bool) {
	v, ok := p.caps[CapCompute].(Compute)
	return v, ok
}

// Power returns the declared power control.
func (p *Provider) Power() (InstancePowerControl, bool) {
	v, ok := p.caps[CapPower].(InstancePowerControl)
	return v, ok
}

// Commands returns the declared command executor.
func (p *Provider) Commands() (InstanceCommandExecutor, bool) {
	v, ok := p.caps[CapCommands].(InstanceCommandExecutor)
	return v, ok
}

// LogGroups returns the declared log group manager.
func (p *Provider) LogGroups() (LogGroupManager, bool) {
	v, ok := p.caps[CapLogGroups].(LogGroupManager)
	return v, ok
}

// LogQuery returns the declared log query capability.
func (p *Provider) LogQuery() (LogQuery, bool) {
	v, ok := p.caps[CapLogQuery].(LogQuery)
	return v, ok
}

// LogConsole returns the declared console link builder.
func (p *Provider) LogConsole() (LogConsole, bool) {
	v, ok := p.caps[CapLogConsole].(LogConsole)
	return v, ok
}

// Network returns the declared network services.
func (p *Provider) Network() (Network, bool) {
	v, ok := p.caps[CapNetwork].(Network)
	return v, ok
}

// Stack returns the declared stack services.
func (p *Provider) Stack() (Stack, bool) {
	v, ok := p.caps[CapStack].(Stack)
	return v, ok
}

// Require returns an error naming every capability in want that p does not
// declare.
func (p *Provider) Require(want ...Capability) error {
	var missing []Capability
	for _, c := range want {
		if !p.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("provider %s does not declare %v", p.name, missing)
	}
	return nil
}

// Settings carries the provider-specific configuration the factory passes to
// a constructor (region, project, zone, credentials profile).
type Settings map[string]string

// Constructor builds a provider from settings. Each call constructs its own
// vendor clients.
type Constructor func(ctx context.Context, settings Settings) (*Provider, error)

// Registry maps provider names to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under name, replacing any previous one.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build constructs the named provider.
func (r *Registry) Build(ctx context.Context, name string, settings Settings) (*Provider, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	p, err := ctor(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	return p, nil
}
