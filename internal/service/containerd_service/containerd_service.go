package containerdservice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/reference/docker"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/internal/util"
	"github.com/ssuji15/jobrunner/model"
)

type ContainerdService struct {
	containerd *containerd.Client

	mu   sync.Mutex
	logs map[string]*logRecorder
}

func NewContainerdService() (*ContainerdService, error) {
	cc, err := NewContainerdClient()
	if err != nil {
		return nil, fmt.Errorf("unable to initialise containerd: %w", err)
	}
	return &ContainerdService{
		containerd: cc,
		logs:       make(map[string]*logRecorder),
	}, nil
}

// EnsureImage pulls and unpacks ref unless an image with that exact name is
// already present.
func (d *ContainerdService) EnsureImage(ctx context.Context, ref string) (containerd.Image, error) {
	named, err := docker.ParseDockerRef(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	image, err := d.containerd.GetImage(ctx, named.String())
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	return d.containerd.Pull(ctx, named.String(), containerd.WithPullUnpack)
}

func (d *ContainerdService) CreateContainer(ctx context.Context, opts model.CreateOptions) (string, error) {
	image, err := d.EnsureImage(ctx, opts.Image)
	if err != nil {
		return "", err
	}

	mounts := make([]specs.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		mounts = append(mounts, specs.Mount{
			Type:        "bind",
			Source:      m.HostDir,
			Destination: m.ContainerDir,
			Options:     []string{"rbind", mode},
		})
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(util.EnvList(opts.EnvVars)),
		oci.WithMounts(mounts),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
	}
	if len(opts.Cmd) > 0 {
		// Replace the image command but keep its entrypoint.
		ispec, err := image.Spec(ctx)
		if err != nil {
			return "", err
		}
		args := append(append([]string{}, ispec.Config.Entrypoint...), opts.Cmd...)
		specOpts = append(specOpts, oci.WithProcessArgs(args...))
	}

	container, err := d.containerd.NewContainer(
		ctx,
		opts.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(opts.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithAdditionalContainerLabels(opts.Labels),
	)
	if err != nil {
		return "", err
	}

	rec := newLogRecorder()
	stdout, stderr := rec.stream(false), rec.stream(true)
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", err
	}

	exitC, err := task.Wait(context.WithoutCancel(ctx))
	if err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", err
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", err
	}

	d.mu.Lock()
	d.logs[container.ID()] = rec
	d.mu.Unlock()

	go func() {
		<-exitC
		stdout.flush()
		stderr.flush()
	}()
	return container.ID(), nil
}

func (d *ContainerdService) RemoveContainer(ctx context.Context, id string) error {
	defer func() {
		d.mu.Lock()
		delete(d.logs, id)
		d.mu.Unlock()
	}()

	container, err := d.containerd.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := d.stopContainer(ctx, container); err != nil {
		logger.Log.Warn().Err(err).Str("container", id).Msg("unable to stop task")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// ContainerStatus maps the task state onto the runner's container states.
func (d *ContainerdService) ContainerStatus(ctx context.Context, id string) (model.ContainerStatus, error) {
	container, err := d.containerd.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return model.ContainerRemoved, nil
		}
		return "", err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return model.ContainerExited, nil
		}
		return "", err
	}
	st, err := task.Status(ctx)
	if err != nil {
		return "", err
	}
	switch st.Status {
	case containerd.Created:
		return model.ContainerCreated, nil
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return model.ContainerRunning, nil
	default:
		return model.ContainerExited, nil
	}
}

func (d *ContainerdService) Logs(ctx context.Context, id string, since, until time.Time) ([]model.LogLine, error) {
	d.mu.Lock()
	rec, ok := d.logs[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no log stream for container %s: %w", id, errdefs.ErrNotFound)
	}
	return rec.between(since, until), nil
}

func (d *ContainerdService) stopContainer(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		if !errdefs.IsNotFound(err) && !strings.Contains(err.Error(), "process already finished") {
			return err
		}
	}
	exitC, err := task.Wait(ctx)
	if err == nil {
		select {
		case <-exitC:
		case <-time.After(3 * time.Second):
			logger.Log.Warn().Str("container", container.ID()).Msg("task did not exit after kill")
		}
	}

	_, err = task.Delete(ctx, containerd.WithProcessKill)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}
