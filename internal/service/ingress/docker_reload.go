package ingress

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// hupReloader reloads the proxy by sending SIGHUP to the nginx container
// through the Docker API. Used when nginx runs containerized next to the
// engine instead of on the host.
type hupReloader struct {
	docker    *client.Client
	container string
}

func newHUPReloader(container string) (*hupReloader, error) {
	container = strings.TrimSpace(container)
	if container == "" {
		return nil, fmt.Errorf("proxy container name required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &hupReloader{docker: cli, container: container}, nil
}

func (r *hupReloader) Reload(ctx context.Context) error {
	if err := r.docker.ContainerKill(ctx, r.container, "HUP"); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("proxy container %s not found", r.container)
		}
		return fmt.Errorf("signal proxy container %s: %w", r.container, err)
	}
	return nil
}

func (r *hupReloader) Close() error {
	return r.docker.Close()
}
