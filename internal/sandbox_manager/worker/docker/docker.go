package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ssuji15/jobrunner/internal/sandbox_manager/worker"
	dockerservice "github.com/ssuji15/jobrunner/internal/service/docker_service"
	"github.com/ssuji15/jobrunner/model"
)

type DockerManager struct {
	dockerservice *dockerservice.DockerService
}

var _ worker.WorkerManager = (*DockerManager)(nil)

func NewDockerWorker() (*DockerManager, error) {
	ds, err := dockerservice.NewDockerService()
	if err != nil {
		return nil, err
	}
	return &DockerManager{dockerservice: ds}, nil
}

func (d *DockerManager) EnsureImage(ctx context.Context, image string) error {
	ok, err := d.dockerservice.HasImage(ctx, image)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if err := d.dockerservice.PullImage(ctx, image); err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	return nil
}

func (d *DockerManager) Launch(ctx context.Context, opts model.CreateOptions) (string, error) {
	return d.dockerservice.CreateContainer(ctx, opts)
}

func (d *DockerManager) Status(ctx context.Context, id string) (model.ContainerStatus, error) {
	return d.dockerservice.ContainerStatus(ctx, id)
}

func (d *DockerManager) Logs(ctx context.Context, id string, since, until time.Time) ([]model.LogLine, error) {
	return d.dockerservice.Logs(ctx, id, since, until)
}

func (d *DockerManager) Destroy(ctx context.Context, id string) error {
	if _, err := d.dockerservice.StopContainer(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if _, err := d.dockerservice.RemoveContainer(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}
