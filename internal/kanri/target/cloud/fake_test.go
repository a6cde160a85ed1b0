package cloud

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kanri/internal/kanri/errs"
	"github.com/bdobrica/Kanri/internal/kanri/provider"
)

// fakeCloud implements every provider capability in memory.
type fakeCloud struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance // id -> instance
	nextID    int
	secrets   map[string]string
	groups    map[string]int // log group -> retention
	sgs       map[string]string
	sgBusy    int // DeleteSecurityGroup failures before success
	events    []provider.LogEvent
	pageSize  int
	files     map[string]string
	calls     []string
	createErr error
	stopErr   error
}

type fakeInstance struct {
	spec  provider.InstanceSpec
	phase provider.Phase
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		instances: map[string]*fakeInstance{},
		secrets:   map[string]string{},
		groups:    map[string]int{},
		sgs:       map[string]string{},
		files:     map[string]string{},
		pageSize:  2,
	}
}

func (f *fakeCloud) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeCloud) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func notFound(what string) error {
	return errs.New(errs.KindNotFound, "fake", what, "does not exist")
}

// full declares every capability, the way the AWS adapter does.
func (f *fakeCloud) full() *provider.Provider {
	return provider.New("fake").
		WithCompute(f).
		WithPower(f).
		WithCommands(f).
		WithSecrets(f).
		WithSecretProvisioner(f).
		WithLogGroups(f).
		WithLogQuery(f).
		WithLogConsole(f).
		WithNetwork(f)
}

// computeOnly declares compute alone.
func (f *fakeCloud) computeOnly() *provider.Provider {
	return provider.New("bare").WithCompute(f)
}

func (f *fakeCloud) CreateInstance(_ context.Context, spec provider.InstanceSpec) (provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", spec.Name)
	if f.createErr != nil {
		return provider.Instance{}, f.createErr
	}
	for id, in := range f.instances {
		if in.spec.Name == spec.Name {
			return provider.Instance{}, errs.New(errs.KindAlreadyExists, "create", id, "instance exists")
		}
	}
	f.nextID++
	id := fmt.Sprintf("i-%04d", f.nextID)
	f.instances[id] = &fakeInstance{spec: spec, phase: provider.PhaseRunning}
	return provider.Instance{ID: id, Name: spec.Name, Address: "203.0.113.7"}, nil
}

func (f *fakeCloud) DeleteInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete %s", id)
	if _, ok := f.instances[id]; !ok {
		return notFound(id)
	}
	delete(f.instances, id)
	return nil
}

func (f *fakeCloud) InstanceStatus(_ context.Context, id string) (provider.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.instances[id]
	if !ok {
		return provider.InstanceStatus{}, notFound(id)
	}
	return provider.InstanceStatus{ID: id, Phase: in.phase, Address: "203.0.113.7", Raw: string(in.phase)}, nil
}

func (f *fakeCloud) FindInstance(_ context.Context, name string) (provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, in := range f.instances {
		if in.spec.Name == name {
			return provider.Instance{ID: id, Name: name}, nil
		}
	}
	return provider.Instance{}, notFound(name)
}

func (f *fakeCloud) setPhase(id string, p provider.Phase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.instances[id]
	if !ok {
		return notFound(id)
	}
	in.phase = p
	return nil
}

func (f *fakeCloud) StartInstance(_ context.Context, id string) error {
	return f.setPhase(id, provider.PhaseRunning)
}

func (f *fakeCloud) StopInstance(_ context.Context, id string) error {
	f.mu.Lock()
	f.record("stop %s", id)
	err := f.stopErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.setPhase(id, provider.PhaseStopped)
}

func (f *fakeCloud) RebootInstance(_ context.Context, id string) error {
	f.mu.Lock()
	f.record("reboot %s", id)
	f.mu.Unlock()
	return f.setPhase(id, provider.PhaseRunning)
}

// RunCommand understands the configure script only. It tracks content by
// the encoded text, which is enough to tell changed from unchanged.
func (f *fakeCloud) RunCommand(_ context.Context, id string, commands []string) (provider.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run %s", id)
	if _, ok := f.instances[id]; !ok {
		return provider.CommandResult{}, notFound(id)
	}
	script := strings.Join(commands, "\n")
	fields := strings.Fields(script)
	var encoded string
	for i, w := range fields {
		if w == "printf" && i+2 < len(fields) {
			encoded = fields[i+2]
		}
	}
	if f.files[id] == encoded {
		return provider.CommandResult{Stdout: "unchanged\n"}, nil
	}
	f.files[id] = encoded
	return provider.CommandResult{Stdout: "changed\n"}, nil
}

func (f *fakeCloud) GetSecret(_ context.Context, name string) (provider.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.secrets[name]
	if !ok {
		return provider.Secret{}, notFound(name)
	}
	return provider.Secret{ID: "arn:" + name, Name: name, Value: v}, nil
}

func (f *fakeCloud) SecretExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.secrets[name]
	return ok, nil
}

func (f *fakeCloud) CreateSecret(_ context.Context, name, value string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[name] = value
	return "arn:" + name, nil
}

func (f *fakeCloud) UpdateSecret(_ context.Context, name, value string) (string, error) {
	return f.CreateSecret(context.Background(), name, value, nil)
}

func (f *fakeCloud) DeleteSecret(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete-secret %s", name)
	if _, ok := f.secrets[name]; !ok {
		return notFound(name)
	}
	delete(f.secrets, name)
	return nil
}

func (f *fakeCloud) EnsureSecrets(_ context.Context, instance string, values, _ map[string]string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := make(map[string]string, len(values))
	for k, v := range values {
		name := provider.SecretName(instance, k)
		f.secrets[name] = v
		refs[k] = "arn:" + name
	}
	return refs, nil
}

func (f *fakeCloud) EnsureLogGroup(_ context.Context, name string, retention int, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[name] = retention
	return nil
}

func (f *fakeCloud) DeleteLogGroup(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete-log-group %s", name)
	if _, ok := f.groups[name]; !ok {
		return notFound(name)
	}
	delete(f.groups, name)
	return nil
}

// QueryLogs pages f.events newest first, pageSize at a time. The token is
// the index of the next event.
func (f *fakeCloud) QueryLogs(_ context.Context, in provider.LogQueryInput) (provider.LogPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("query %s %s", in.Group, in.Token)
	start, _ := strconv.Atoi(in.Token)
	var page provider.LogPage
	for i := start; i < len(f.events) && len(page.Events) < f.pageSize; i++ {
		e := f.events[len(f.events)-1-i]
		if in.Filter != "" && !strings.Contains(e.Message, in.Filter) {
			continue
		}
		page.Events = append(page.Events, e)
		if len(page.Events) == f.pageSize && i+1 < len(f.events) {
			page.NextToken = fmt.Sprint(i + 1)
		}
	}
	return page, nil
}

func (f *fakeCloud) ConsoleURL(group, stream string) string {
	return "https://console.example/" + strings.TrimPrefix(group, "/") + "/" + stream
}

func (f *fakeCloud) DefaultVpc(context.Context) (string, error) { return "vpc-1", nil }

func (f *fakeCloud) Subnets(context.Context, string) ([]string, error) {
	return []string{"subnet-1"}, nil
}

func (f *fakeCloud) EnsureSecurityGroup(_ context.Context, vpc, name, _ string, rules []provider.IngressRule) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.sgs {
		if n == name {
			return id, nil
		}
	}
	id := fmt.Sprintf("sg-%d-%d", len(f.sgs)+1, rules[0].Port)
	f.sgs[id] = name
	return id, nil
}

func (f *fakeCloud) DeleteSecurityGroup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete-sg %s", id)
	if f.sgBusy > 0 {
		f.sgBusy--
		return errs.New(errs.KindUnavailable, "delete-sg", id, "DependencyViolation")
	}
	if _, ok := f.sgs[id]; !ok {
		return notFound(id)
	}
	delete(f.sgs, id)
	return nil
}

func logEvents(lines ...string) []provider.LogEvent {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]provider.LogEvent, len(lines))
	for i, l := range lines {
		out[i] = provider.LogEvent{Timestamp: base.Add(time.Duration(i) * time.Second), Message: l}
	}
	return out
}
