package worker

import (
	"context"
	"time"

	"github.com/ssuji15/jobrunner/model"
)

type WorkerManagerType string

const (
	WorkerManagerDocker     WorkerManagerType = "docker"
	WorkerManagerContainerd WorkerManagerType = "containerd"
)

var validWorkerManager = map[WorkerManagerType]struct{}{
	WorkerManagerDocker:     {},
	WorkerManagerContainerd: {},
}

func IsValidWorker(w string) bool {
	_, ok := validWorkerManager[WorkerManagerType(w)]
	return ok
}

// WorkerManager is a container runtime able to run job containers.
type WorkerManager interface {
	// EnsureImage makes the image available locally, pulling it only when no
	// local image carries exactly the requested tag.
	EnsureImage(ctx context.Context, image string) error
	Launch(ctx context.Context, opts model.CreateOptions) (string, error)
	// Status reports ContainerRemoved with a nil error for unknown ids.
	Status(ctx context.Context, id string) (model.ContainerStatus, error)
	// Logs returns the stdout lines followed by the stderr lines emitted in
	// [since, until]. A zero since means from the start.
	Logs(ctx context.Context, id string, since, until time.Time) ([]model.LogLine, error)
	// Destroy kills and removes the container. Unknown ids are not an error.
	Destroy(ctx context.Context, id string) error
}
