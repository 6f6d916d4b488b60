package dockerservice

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/ssuji15/jobrunner/internal/util"
	"github.com/ssuji15/jobrunner/model"
)

type DockerService struct {
	docker *client.Client
}

func NewDockerService() (*DockerService, error) {
	dc, err := NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker: %w", err)
	}
	return &DockerService{
		docker: dc,
	}, nil
}

// HasImage reports whether a local image is tagged exactly as ref. Short
// names are normalised, so "kbase/sdk" matches "docker.io/kbase/sdk:latest".
func (d *DockerService) HasImage(ctx context.Context, ref string) (bool, error) {
	want, err := normalise(ref)
	if err != nil {
		return false, err
	}
	res, err := d.docker.ImageList(ctx, client.ImageListOptions{})
	if err != nil {
		return false, err
	}
	for _, img := range res.Items {
		for _, tag := range append(img.RepoTags, img.RepoDigests...) {
			if got, err := normalise(tag); err == nil && got == want {
				return true, nil
			}
		}
	}
	return false, nil
}

func (d *DockerService) PullImage(ctx context.Context, ref string) error {
	resp, err := d.docker.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer resp.Close()
	if err := resp.Wait(ctx); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

func (d *DockerService) CreateContainer(ctx context.Context, opts model.CreateOptions) (string, error) {
	binds := make([]string, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		b := m.HostDir + ":" + m.ContainerDir
		if m.ReadOnly {
			b += ":ro"
		}
		binds = append(binds, b)
	}

	hostCfg := &container.HostConfig{
		Binds:     binds,
		Resources: container.Resources{CgroupParent: opts.CgroupParent},
	}
	cfg := &container.Config{
		Image:  opts.Image,
		Labels: opts.Labels,
		Cmd:    opts.Cmd,
		Env:    util.EnvList(opts.EnvVars),
	}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             opts.Name,
	})
	if err != nil {
		return "", err
	}

	if _, err := d.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		d.RemoveContainer(ctx, created.ID)
		return "", err
	}
	return created.ID, nil
}

func (d *DockerService) StopContainer(ctx context.Context, id string) (client.ContainerStopResult, error) {
	timeout := 0
	return d.docker.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
}

func (d *DockerService) RemoveContainer(ctx context.Context, id string) (client.ContainerRemoveResult, error) {
	return d.docker.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force: true,
	})
}

func (d *DockerService) InspectContainer(ctx context.Context, id string) (client.ContainerInspectResult, error) {
	return d.docker.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
}

// ContainerStatus maps the docker state onto the runner's container states.
func (d *DockerService) ContainerStatus(ctx context.Context, id string) (model.ContainerStatus, error) {
	ic, err := d.InspectContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return model.ContainerRemoved, nil
		}
		return "", err
	}
	switch ic.Container.State.Status {
	case container.StateCreated:
		return model.ContainerCreated, nil
	case container.StateRunning, container.StatePaused, container.StateRestarting:
		return model.ContainerRunning, nil
	case container.StateRemoving:
		return model.ContainerRemoved, nil
	default:
		return model.ContainerExited, nil
	}
}

// Logs fetches timestamped stdout and stderr lines in [since, until].
func (d *DockerService) Logs(ctx context.Context, id string, since, until time.Time) ([]model.LogLine, error) {
	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Until:      unixString(until),
	}
	if !since.IsZero() {
		opts.Since = unixString(since)
	}
	rc, err := d.docker.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("demux logs: %w", err)
	}
	lines := ParseTimestamped(&stdout, false)
	return append(lines, ParseTimestamped(&stderr, true)...), nil
}

// ParseTimestamped splits docker log output whose lines are prefixed with an
// RFC3339Nano timestamp. Lines without a readable timestamp keep a zero TS.
func ParseTimestamped(r io.Reader, isError bool) []model.LogLine {
	var out []model.LogLine
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := sc.Text()
		l := model.LogLine{Line: raw, IsError: isError}
		if ts, rest, ok := strings.Cut(raw, " "); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				l.TS = t
				l.Line = rest
			}
		}
		out = append(out, l)
	}
	return out
}

func unixString(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

func normalise(ref string) (string, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return r.Name(), nil
}
