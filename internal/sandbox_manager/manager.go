package sandbox_manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/mailbox"
	"github.com/ssuji15/jobrunner/internal/metrics"
	"github.com/ssuji15/jobrunner/internal/sandbox_manager/worker"
	"github.com/ssuji15/jobrunner/internal/sandbox_manager/worker/containerd"
	"github.com/ssuji15/jobrunner/internal/sandbox_manager/worker/docker"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/internal/util"
	"github.com/ssuji15/jobrunner/model"
)

const (
	DefaultLogInterval = time.Second
	destroyTimeout     = 30 * time.Second
)

// LogSink receives container output in timestamp order.
type LogSink interface {
	LogLines(ctx context.Context, lines []model.LogLine)
}

type LaunchRequest struct {
	JobID        string
	Image        string
	Cmd          []string
	Env          map[string]string
	Volumes      []model.Mount
	Labels       map[string]string
	CgroupParent string
}

type entry struct {
	handle model.ContainerHandle
	cancel context.CancelFunc
}

// SandboxManager launches job containers and supervises each one with a
// shepherd goroutine until it exits.
type SandboxManager struct {
	wm          worker.WorkerManager
	sink        LogSink
	logInterval time.Duration

	mu          sync.Mutex
	containers  map[string]*entry
	subscribers []*mailbox.Mailbox[model.Message]

	wg sync.WaitGroup
}

type Option func(*SandboxManager)

func WithLogInterval(d time.Duration) Option {
	return func(m *SandboxManager) {
		if d > 0 {
			m.logInterval = d
		}
	}
}

func NewWorkerManager(runtime string) (worker.WorkerManager, error) {
	switch worker.WorkerManagerType(runtime) {
	case worker.WorkerManagerDocker:
		return docker.NewDockerWorker()
	case worker.WorkerManagerContainerd:
		return containerd.NewContainerdWorker()
	default:
		return nil, fmt.Errorf("unsupported worker type %q", runtime)
	}
}

func NewSandboxManager(wm worker.WorkerManager, sink LogSink, opts ...Option) *SandboxManager {
	m := &SandboxManager{
		wm:          wm,
		sink:        sink,
		logInterval: DefaultLogInterval,
		containers:  make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe registers a mailbox that receives a Finished message for every
// container that exits.
func (m *SandboxManager) Subscribe(mb *mailbox.Mailbox[model.Message]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, mb)
}

// Launch starts a container for req.JobID. Pull failures wrap
// model.ErrImagePull, create or start failures wrap model.ErrLaunch.
func (m *SandboxManager) Launch(ctx context.Context, req LaunchRequest) (*model.ContainerHandle, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Launch container")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", req.JobID), attribute.String("image", req.Image))

	if err := m.wm.EnsureImage(ctx, req.Image); err != nil {
		err = fmt.Errorf("image %s for job %s: %v: %w", req.Image, req.JobID, err, model.ErrImagePull)
		util.RecordSpanError(span, err)
		return nil, err
	}

	id, err := m.wm.Launch(ctx, model.CreateOptions{
		Name:         util.ContainerName(req.JobID),
		Image:        req.Image,
		Cmd:          req.Cmd,
		EnvVars:      req.Env,
		Mounts:       req.Volumes,
		Labels:       req.Labels,
		CgroupParent: req.CgroupParent,
	})
	if err != nil {
		err = fmt.Errorf("start container for job %s: %v: %w", req.JobID, err, model.ErrLaunch)
		util.RecordSpanError(span, err)
		return nil, err
	}
	span.AddEvent("Container_Launch",
		trace.WithAttributes(attribute.String("container_id", id)),
	)

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		handle: model.ContainerHandle{
			ID:     id,
			JobID:  req.JobID,
			Image:  req.Image,
			Status: model.ContainerRunning,
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.containers[id] = e
	m.mu.Unlock()
	metrics.ContainersRunning.Inc()

	m.wg.Add(1)
	go m.shepherd(sctx, e.handle)

	h := e.handle
	return &h, nil
}

// Remove kills and removes a container, ignoring errors. Its shepherd stops
// without reporting the job as finished.
func (m *SandboxManager) Remove(ctx context.Context, h *model.ContainerHandle) {
	if h == nil {
		return
	}
	if e := m.deregister(h.ID); e != nil {
		e.cancel()
	}
	m.destroy(ctx, h.ID)
}

// CleanupAll kills and removes every tracked container.
func (m *SandboxManager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id, e := range m.containers {
		e.cancel()
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.deregister(id)
		m.destroy(ctx, id)
	}
}

// Containers lists the supervised containers.
func (m *SandboxManager) Containers() []model.ContainerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ContainerHandle, 0, len(m.containers))
	for _, e := range m.containers {
		out = append(out, e.handle)
	}
	return out
}

// Wait blocks until every shepherd has returned.
func (m *SandboxManager) Wait() {
	m.wg.Wait()
}

func (m *SandboxManager) setStatus(id string, st model.ContainerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.containers[id]; ok {
		e.handle.Status = st
	}
}

func (m *SandboxManager) touch(id string, lastLog time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.containers[id]; ok {
		e.handle.LastLog = lastLog
	}
}

func (m *SandboxManager) deregister(id string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.containers[id]
	if !ok {
		return nil
	}
	delete(m.containers, id)
	metrics.ContainersRunning.Dec()
	return e
}

func (m *SandboxManager) destroy(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	if err := m.wm.Destroy(ctx, id); err != nil {
		logger.Log.Warn().Err(err).Str("container", id).Msg("unable to remove container")
	}
}

func (m *SandboxManager) notifyFinished(jobID string) {
	m.mu.Lock()
	subs := append([]*mailbox.Mailbox[model.Message]{}, m.subscribers...)
	m.mu.Unlock()
	for _, mb := range subs {
		mb.Put(model.Message{Kind: model.MessageFinished, JobID: jobID})
	}
}
