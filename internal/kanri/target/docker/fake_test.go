package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeContainer struct {
	id     string
	config *container.Config
	host   *container.HostConfig
	net    *network.NetworkingConfig
	status string
}

// fakeEngine is an in-memory dockerAPI keyed by container name.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	networks   map[string]bool
	images     map[string]bool
	pulls      []string
	pullErrs   []error
	stdout     string
	stderr     string
	calls      []string
	nextID     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]bool),
		images:     make(map[string]bool),
	}
}

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

func notFound(name string) error {
	return errdefs.NotFound(errors.New("No such container: " + name))
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create " + name)
	if _, ok := f.containers[name]; ok {
		return container.CreateResponse{}, errdefs.Conflict(errors.New("name in use: " + name))
	}
	f.nextID++
	c := &fakeContainer{id: fmt.Sprintf("c%04d", f.nextID), config: cfg, host: host, net: net, status: "created"}
	f.containers[name] = c
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeEngine) setStatus(call, name, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(call + " " + name)
	c, ok := f.containers[name]
	if !ok {
		return notFound(name)
	}
	c.status = status
	return nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, name string, _ container.StartOptions) error {
	return f.setStatus("start", name, "running")
}

func (f *fakeEngine) ContainerStop(_ context.Context, name string, _ container.StopOptions) error {
	return f.setStatus("stop", name, "exited")
}

func (f *fakeEngine) ContainerRestart(_ context.Context, name string, _ container.StopOptions) error {
	return f.setStatus("restart", name, "running")
}

func (f *fakeEngine) ContainerRemove(_ context.Context, name string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove " + name)
	if _, ok := f.containers[name]; !ok {
		return notFound(name)
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) ContainerInspect(_ context.Context, name string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return container.InspectResponse{}, notFound(name)
	}
	pid := 0
	if c.status == "running" {
		pid = 4242
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    c.id,
			State: &container.State{Status: container.ContainerState(c.status), Pid: pid},
		},
		Config: c.config,
	}, nil
}

func (f *fakeEngine) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := opts.Filters.Get("label")
	var out []container.Summary
	for name, c := range f.containers {
		match := true
		for _, kv := range want {
			k, v, _ := strings.Cut(kv, "=")
			if c.config.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, container.Summary{ID: c.id, Names: []string{"/" + name}, Labels: c.config.Labels})
		}
	}
	return out, nil
}

func (f *fakeEngine) ContainerLogs(_ context.Context, name string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return nil, notFound(name)
	}
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	if len(f.pullErrs) > 0 {
		err := f.pullErrs[0]
		f.pullErrs = f.pullErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (f *fakeEngine) ImageInspect(_ context.Context, ref string, _ ...dockerclient.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return image.InspectResponse{}, errdefs.NotFound(errors.New("No such image: " + ref))
	}
	return image.InspectResponse{ID: "sha256:" + ref}, nil
}

func (f *fakeEngine) NetworkList(_ context.Context, opts network.ListOptions) ([]network.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []network.Summary
	for _, name := range opts.Filters.Get("name") {
		if f.networks[name] {
			out = append(out, network.Summary{Name: name})
		}
	}
	return out, nil
}

func (f *fakeEngine) NetworkCreate(_ context.Context, name string, _ network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("network create " + name)
	f.networks[name] = true
	return network.CreateResponse{ID: "n-" + name}, nil
}

func (f *fakeEngine) NetworkRemove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("network rm " + name)
	if !f.networks[name] {
		return errdefs.NotFound(errors.New("network " + name + " not found"))
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
