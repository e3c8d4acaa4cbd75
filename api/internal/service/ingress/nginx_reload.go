package ingress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrNginxConfigInvalid means nginx -t rejected the rendered routes. The
// running nginx keeps serving its previous configuration.
var ErrNginxConfigInvalid = errors.New("nginx configuration rejected")

// ContainerReloader validates and reloads an nginx that runs in a Docker
// container sharing the route directory.
type ContainerReloader struct {
	docker *client.Client
	name   string
}

// NewDockerReloader targets the nginx container called name on the engine
// described by the DOCKER_* environment.
func NewDockerReloader(name string) (*ContainerReloader, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("ingress: nginx container name required")
	}
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("ingress: docker client: %w", err)
	}
	return &ContainerReloader{docker: docker, name: name}, nil
}

// Reload runs nginx -t inside the container and signals a reload only when
// the configuration passes.
func (r *ContainerReloader) Reload(ctx context.Context) error {
	out, code, err := r.exec(ctx, "nginx", "-t")
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: %s", ErrNginxConfigInvalid, strings.TrimSpace(out))
	}
	if err := r.docker.ContainerKill(ctx, r.name, "HUP"); err != nil {
		return r.wrap("signal", err)
	}
	return nil
}

func (r *ContainerReloader) exec(ctx context.Context, cmd ...string) (string, int, error) {
	created, err := r.docker.ContainerExecCreate(ctx, r.name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, r.wrap("exec", err)
	}
	attached, err := r.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", 0, r.wrap("attach", err)
	}
	defer attached.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attached.Reader); err != nil {
		return "", 0, r.wrap("read exec output", err)
	}
	inspect, err := r.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", 0, r.wrap("inspect exec", err)
	}
	return out.String(), inspect.ExitCode, nil
}

func (r *ContainerReloader) wrap(op string, err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("ingress: nginx container %q not found", r.name)
	}
	return fmt.Errorf("ingress: %s %s: %w", op, r.name, err)
}

func (r *ContainerReloader) Close() error {
	return r.docker.Close()
}
