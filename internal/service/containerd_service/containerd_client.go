package containerdservice

import (
	"os"

	"github.com/containerd/containerd"
)

const (
	defaultSocket    = "/run/containerd/containerd.sock"
	defaultNamespace = "jobrunner"
)

// NewContainerdClient connects to CONTAINERD_ADDRESS or the default socket.
func NewContainerdClient() (*containerd.Client, error) {
	sock := os.Getenv("CONTAINERD_ADDRESS")
	if sock == "" {
		sock = defaultSocket
	}
	return containerd.New(
		sock,
		containerd.WithDefaultNamespace(defaultNamespace),
	)
}
