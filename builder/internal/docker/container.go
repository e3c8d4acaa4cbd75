package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// LabelProject tags containers with the project they serve.
const LabelProject = "dumcel.project"

// RunSpec describes a container to start for a deployment.
type RunSpec struct {
	Name          string
	Image         string
	ContainerPort int
	HostIP        string
	Env           []string
	Labels        map[string]string
}

// ContainerInfo captures the started container and its published address.
type ContainerInfo struct {
	ID       string
	HostIP   string
	HostPort string
}

// RunContainer creates and starts a container, publishing ContainerPort on an
// ephemeral host port bound to HostIP.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (ContainerInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}
	if spec.ContainerPort <= 0 {
		return ContainerInfo{}, fmt.Errorf("container port must be positive")
	}
	port, err := nat.NewPort("tcp", fmt.Sprint(spec.ContainerPort))
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container port: %w", err)
	}
	hostIP := spec.HostIP
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  nat.PortMap{port: []nat.PortBinding{{HostIP: hostIP}}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	created, err := c.engine.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.engine.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	for attempt := 0; attempt < 10; attempt++ {
		inspect, err := c.engine.ContainerInspect(ctx, created.ID)
		if err != nil {
			return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
		}
		if binding, ok := publishedPort(inspect.NetworkSettings, port); ok {
			ip := binding.HostIP
			if ip == "" || ip == "0.0.0.0" {
				ip = hostIP
			}
			return ContainerInfo{ID: created.ID, HostIP: ip, HostPort: binding.HostPort}, nil
		}
		select {
		case <-ctx.Done():
			return ContainerInfo{ID: created.ID}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return ContainerInfo{ID: created.ID}, fmt.Errorf("container %s published no host port", spec.Name)
}

func publishedPort(settings *types.NetworkSettings, port nat.Port) (nat.PortBinding, bool) {
	if settings == nil || settings.Ports == nil {
		return nat.PortBinding{}, false
	}
	for _, binding := range settings.Ports[port] {
		if strings.TrimSpace(binding.HostPort) != "" {
			return binding, true
		}
	}
	return nat.PortBinding{}, false
}

// RemoveContainer force-removes a container. A missing container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.engine.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RemoveStale removes every container labelled for projectID except keepID.
// It returns how many were removed.
func (c *Client) RemoveStale(ctx context.Context, projectID, keepID string) (int, error) {
	list, err := c.engine.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelProject+"="+projectID)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	removed := 0
	for _, item := range list {
		if item.ID == keepID {
			continue
		}
		if err := c.RemoveContainer(ctx, item.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
