package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bdobrica/Kanri/common/retry"
	"github.com/bdobrica/Kanri/internal/kanri/errs"
)

const (
	labelManagedBy = "kanri.managed-by"
	labelProfile   = "kanri.profile"
	labelWorkspace = "kanri.workspace"
	labelRole      = "kanri.role"
	managedByValue = "kanri"

	roleInstance = "instance"
	roleProxy    = "proxy"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second

	// pullTimeout bounds one image pull, retries included.
	pullTimeout = 120 * time.Second
)

// dockerAPI is the slice of the Engine client the target uses.
// *client.Client satisfies it.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerStop(ctx context.Context, container string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, container string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, container string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, image string, opts ...dockerclient.ImageInspectOption) (image.InspectResponse, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, network string) error
}

var _ dockerAPI = (*dockerclient.Client)(nil)

// NewClient connects to the engine named by DOCKER_HOST, or the default
// socket, negotiating the API version.
func NewClient() (*dockerclient.Client, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// ensureNetwork creates the named bridge network if it doesn't exist and
// reports whether this call created it.
func ensureNetwork(ctx context.Context, api dockerAPI, name, profile string) (bool, error) {
	nets, err := api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == name {
			return false, nil
		}
	}
	_, err = api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManagedBy: managedByValue, labelProfile: profile},
	})
	if err != nil {
		if errs.IsAlreadyExists(err) {
			return false, nil
		}
		return false, fmt.Errorf("create network %q: %w", name, err)
	}
	return true, nil
}

// ensureImage pulls ref unless the engine already has it. The pull stream
// must be drained for the pull to complete.
func ensureImage(ctx context.Context, api dockerAPI, ref string, cfg retry.Config) error {
	if _, err := api.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()
	return retry.Do(ctx, cfg, func() error {
		rc, err := api.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return err
		}
		defer rc.Close()
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return fmt.Errorf("pull %s: %w", ref, err)
		}
		return nil
	})
}

// findContainers returns the profile's managed containers keyed by role.
func findContainers(ctx context.Context, api dockerAPI, profile string) (map[string]container.Summary, error) {
	list, err := api.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
			filters.Arg("label", labelProfile+"="+profile),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make(map[string]container.Summary, len(list))
	for _, c := range list {
		out[c.Labels[labelRole]] = c
	}
	return out, nil
}

func stopOptions() container.StopOptions {
	timeout := int(stopTimeout.Seconds())
	return container.StopOptions{Timeout: &timeout}
}
