package dockerservice

import (
	"github.com/moby/moby/client"
)

// NewDockerClient connects using DOCKER_HOST and friends.
func NewDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
}
