package containerd

import (
	"context"
	"time"

	"github.com/ssuji15/jobrunner/internal/sandbox_manager/worker"
	containerdservice "github.com/ssuji15/jobrunner/internal/service/containerd_service"
	"github.com/ssuji15/jobrunner/model"
)

type ContainerdManager struct {
	containerdService *containerdservice.ContainerdService
}

var _ worker.WorkerManager = (*ContainerdManager)(nil)

func NewContainerdWorker() (*ContainerdManager, error) {
	cs, err := containerdservice.NewContainerdService()
	if err != nil {
		return nil, err
	}
	return &ContainerdManager{containerdService: cs}, nil
}

func (c *ContainerdManager) EnsureImage(ctx context.Context, image string) error {
	_, err := c.containerdService.EnsureImage(ctx, image)
	return err
}

// Launch ignores CgroupParent; containerd places tasks under its own
// namespace cgroup.
func (c *ContainerdManager) Launch(ctx context.Context, opts model.CreateOptions) (string, error) {
	return c.containerdService.CreateContainer(ctx, opts)
}

func (c *ContainerdManager) Status(ctx context.Context, id string) (model.ContainerStatus, error) {
	return c.containerdService.ContainerStatus(ctx, id)
}

func (c *ContainerdManager) Logs(ctx context.Context, id string, since, until time.Time) ([]model.LogLine, error) {
	return c.containerdService.Logs(ctx, id, since, until)
}

func (c *ContainerdManager) Destroy(ctx context.Context, id string) error {
	return c.containerdService.RemoveContainer(ctx, id)
}
