//go:build integration

package dockerservice

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/moby/moby/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/jobrunner/model"
)

var testImage = "busybox:latest"

// setupDockerTest connects to the local daemon and pulls the test image.
func setupDockerTest(t *testing.T) (*DockerService, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	dockerService, err := NewDockerService()
	require.NoError(t, err, "Failed to initialize DockerService")
	if _, err := dockerService.docker.Ping(ctx, client.PingOptions{}); err != nil {
		t.Skipf("docker daemon is not accessible: %v", err)
	}

	ok, err := dockerService.HasImage(ctx, testImage)
	require.NoError(t, err)
	if !ok {
		require.NoError(t, dockerService.PullImage(ctx, testImage))
	}

	tempDir, err := os.MkdirTemp("", "docker-integration-test-*")
	require.NoError(t, err, "Failed to create temp directory")
	t.Cleanup(func() {
		os.RemoveAll(tempDir)
	})
	return dockerService, tempDir
}

func cleanupContainer(t *testing.T, dockerService *DockerService, containerID string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = dockerService.StopContainer(ctx, containerID)
	_, _ = dockerService.RemoveContainer(ctx, containerID)
}

func TestCreateContainer(t *testing.T) {
	dockerService, tempDir := setupDockerTest(t)

	workDir := filepath.Join(tempDir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))

	tests := []struct {
		name    string
		opts    model.CreateOptions
		wantErr bool
	}{
		{
			name: "runs with binds env and labels",
			opts: model.CreateOptions{
				Name:    "jobrunner-it-basic",
				Image:   testImage,
				Cmd:     []string{"sh", "-c", "echo out; echo err >&2; echo $KB_AUTH_TOKEN > /kb/module/work/token.txt"},
				EnvVars: map[string]string{"KB_AUTH_TOKEN": "tok"},
				Mounts:  []model.Mount{{HostDir: workDir, ContainerDir: "/kb/module/work"}},
				Labels:  map[string]string{"job_id": "it-basic"},
			},
		},
		{
			name: "invalid image",
			opts: model.CreateOptions{
				Name:  "jobrunner-it-invalid",
				Image: "nonexistent-image:invalid-tag-12345",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			start := time.Now()
			id, err := dockerService.CreateContainer(ctx, tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { cleanupContainer(t, dockerService, id) })

			require.Eventually(t, func() bool {
				st, err := dockerService.ContainerStatus(ctx, id)
				return err == nil && st == model.ContainerExited
			}, 20*time.Second, 200*time.Millisecond)

			lines, err := dockerService.Logs(ctx, id, time.Time{}, time.Now())
			require.NoError(t, err)
			require.Len(t, lines, 2)
			assert.Equal(t, "out", lines[0].Line)
			assert.False(t, lines[0].IsError)
			assert.Equal(t, "err", lines[1].Line)
			assert.True(t, lines[1].IsError)
			assert.False(t, lines[0].TS.Before(start.Add(-time.Second)))

			b, err := os.ReadFile(filepath.Join(workDir, "token.txt"))
			require.NoError(t, err)
			assert.Equal(t, "tok\n", string(b))

			ic, err := dockerService.InspectContainer(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "it-basic", ic.Container.Config.Labels["job_id"])
		})
	}
}

func TestContainerStatus_NotFound(t *testing.T) {
	dockerService, _ := setupDockerTest(t)

	st, err := dockerService.ContainerStatus(context.Background(), "non-existent-container-id-12345")
	require.NoError(t, err)
	assert.Equal(t, model.ContainerRemoved, st)
}
