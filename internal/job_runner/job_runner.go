package job_runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ssuji15/jobrunner/internal/clients/auth"
	"github.com/ssuji15/jobrunner/internal/clients/ee2"
	"github.com/ssuji15/jobrunner/internal/config"
	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/mailbox"
	"github.com/ssuji15/jobrunner/internal/metrics"
	"github.com/ssuji15/jobrunner/internal/provenance"
	jobservice "github.com/ssuji15/jobrunner/internal/service/job_service"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/internal/util"
	"github.com/ssuji15/jobrunner/model"
)

const (
	DefaultPollInterval     = time.Second
	DefaultFinishRetryDelay = 30 * time.Second

	specialPrefix   = "special."
	shutdownTimeout = 10 * time.Second
)

// Modules resolves module metadata and catalog volume mounts.
type Modules interface {
	Resolve(ctx context.Context, module, version string) (*model.ModuleInfo, error)
	VolumeMounts(ctx context.Context, module, method, clientGroup string) ([]model.Mount, error)
}

// Jobs prepares, launches and collects jobs.
type Jobs interface {
	SetUser(user string)
	JobDir(jobID string, subjob bool) string
	InitWorkDir(cfg map[string]any, dir string, job *model.Job) error
	Run(ctx context.Context, req jobservice.RunRequest) (model.SubAction, error)
	GetOutput(ctx context.Context, jobID string, subjob bool) map[string]any
}

type Containers interface {
	CleanupAll(ctx context.Context)
}

// Frontend is the callback server.
type Frontend interface {
	Start(addr string) error
	Shutdown(ctx context.Context) error
}

// SpecialRunner runs "special.*" methods that do not map to a module image.
// It must post a FinishedSpecial message on done when the job ends.
type SpecialRunner interface {
	Run(ctx context.Context, cfg map[string]any, job *model.Job, done *mailbox.Mailbox[model.Message]) error
}

type JobLog interface {
	Log(ctx context.Context, line string)
	Error(ctx context.Context, line string)
}

type Deps struct {
	// JobControl is nil in callback-only mode.
	JobControl ee2.JobControl
	Identity   auth.Identity
	Modules    Modules
	Jobs       Jobs
	Containers Containers
	Frontend   Frontend
	Special    SpecialRunner
	Log        JobLog
	Inbound    *mailbox.Mailbox[model.Message]
	Outbound   *mailbox.Mailbox[model.Event]
}

type Option func(*JobRunner)

func WithPollInterval(d time.Duration) Option {
	return func(r *JobRunner) {
		r.pollInterval = d
	}
}

func WithFinishRetryDelay(d time.Duration) Option {
	return func(r *JobRunner) {
		r.finishRetryDelay = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *JobRunner) {
		r.now = now
	}
}

// JobRunner owns one run: the main job, its subjobs and the callback
// server they talk to. All run state is touched from the goroutine calling
// Run or RunCallback; everything else reaches it through the mailboxes.
type JobRunner struct {
	cfg *config.RunnerConfig
	d   Deps

	pollInterval     time.Duration
	finishRetryDelay time.Duration
	now              func() time.Time

	prov      *provenance.Provenance
	count     int
	mainJobID string
	expiresAt time.Time

	mu    sync.Mutex
	state model.RunState

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewJobRunner(cfg *config.RunnerConfig, d Deps, opts ...Option) *JobRunner {
	r := &JobRunner{
		cfg:              cfg,
		d:                d,
		pollInterval:     DefaultPollInterval,
		finishRetryDelay: DefaultFinishRetryDelay,
		now:              time.Now,
		state:            model.RunStarting,
		stopCh:           make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.d.Special == nil {
		r.d.Special = unsupportedSpecial{}
	}
	return r
}

func (r *JobRunner) State() model.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *JobRunner) setState(s model.RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	logger.Log.Info().Str("job_id", r.cfg.JOB_ID).Str("state", string(s)).Msg("run state changed")
}

// Stop ends a callback-only run at its next loop iteration.
func (r *JobRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Run executes the job end to end and reports the result to the
// job-control service. The returned output is the job's output, or an
// object with an "error" entry when the run was aborted.
func (r *JobRunner) Run(ctx context.Context) (map[string]any, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JobRunner/Run")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", r.cfg.JOB_ID))

	host, _ := os.Hostname()
	r.d.Log.Log(ctx, fmt.Sprintf("Running job %s (%s) on %s in %s", r.cfg.JOB_ID, os.Getenv("CONDOR_ID"), host, r.cfg.WORKDIR))
	r.d.Log.Log(ctx, "Client group: "+r.cfg.CLIENT_GROUP)

	if r.canceled(ctx) {
		r.d.Log.Error(ctx, "Job already run or terminated")
		r.setState(model.RunErrored)
		err := fmt.Errorf("job %s: %w", r.cfg.JOB_ID, model.ErrCantRestart)
		util.RecordSpanError(span, err)
		return nil, err
	}

	params, err := r.d.JobControl.GetJobParams(ctx, r.cfg.JOB_ID)
	if err != nil {
		r.d.Log.Error(ctx, "Failed to get job parameters. Exiting.")
		r.setState(model.RunErrored)
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("get job params: %w", err)
	}
	cfg, err := r.d.JobControl.ListConfig(ctx)
	if err != nil {
		r.d.Log.Error(ctx, "Failed to get config. Exiting.")
		r.setState(model.RunErrored)
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("list config: %w", err)
	}
	r.d.Log.Log(ctx, fmt.Sprintf("Server version of Execution Engine: %v", cfg["ee.server.version"]))

	if err := r.d.JobControl.StartJob(ctx, r.cfg.JOB_ID); err != nil {
		r.d.Log.Error(ctx, "Job already started once. Job restarts are not currently supported")
		r.setState(model.RunErrored)
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("start job: %w", err)
	}

	output, err := r.execute(ctx, cfg, params)
	if err != nil {
		util.RecordSpanError(span, err)
		output = map[string]any{"error": err.Error()}
	}

	switch {
	case errors.Is(err, model.ErrCanceled):
		// The job-control service already knows; finishing would be refused.
		r.setState(model.RunCanceled)
		return output, err
	case err != nil || output["error"] != nil:
		r.setState(model.RunErrored)
	default:
		r.setState(model.RunDone)
	}

	if ferr := r.finish(ctx, output, err); ferr != nil {
		r.d.Log.Error(ctx, "Failed to report job result: "+ferr.Error())
		if err == nil {
			err = ferr
		}
	}
	return output, err
}

func (r *JobRunner) execute(ctx context.Context, cfg, params map[string]any) (map[string]any, error) {
	if err := r.prepare(ctx, true); err != nil {
		return nil, err
	}

	r.prov = provenance.New(params, r.now())
	r.publishProvenance()

	if err := r.startFrontend(); err != nil {
		return nil, err
	}
	defer r.shutdown(ctx)

	r.setState(model.RunRunning)
	main := model.NewJobFromParams(r.cfg.JOB_ID, params, false)
	r.d.Log.Log(ctx, fmt.Sprintf("Job is about to run %v", params["app_id"]))

	r.count = 1
	if err := r.runJob(ctx, cfg, main); err != nil {
		return nil, err
	}
	metrics.JobsSubmitted.WithLabelValues("main").Inc()
	r.mainJobID = main.ID
	return r.watch(ctx, cfg)
}

// RunCallback serves subjobs without a main job, for SDK development. It
// returns when Stop is called, ctx ends or a Cancel message arrives.
func (r *JobRunner) RunCallback(ctx context.Context, provParams map[string]any) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JobRunner/RunCallback")
	defer span.End()

	r.d.Log.Log(ctx, fmt.Sprintf("Running callback server for %s in %s", r.cfg.CallbackURL(), r.cfg.WORKDIR))

	if provParams == nil {
		provParams = DefaultCallbackProvenance()
	}
	r.prov = provenance.New(provParams, r.now())
	r.publishProvenance()

	if err := r.prepare(ctx, false); err != nil {
		util.RecordSpanError(span, err)
		r.setState(model.RunErrored)
		return err
	}

	cfg := r.cfg.ServiceConfig()
	job := model.NewJobFromParams(r.cfg.JOB_ID, provParams, false)
	if err := r.d.Jobs.InitWorkDir(cfg, r.d.Jobs.JobDir(job.ID, false), job); err != nil {
		util.RecordSpanError(span, err)
		r.setState(model.RunErrored)
		return err
	}

	if err := r.startFrontend(); err != nil {
		util.RecordSpanError(span, err)
		r.setState(model.RunErrored)
		return err
	}
	defer r.shutdown(ctx)

	r.setState(model.RunRunning)
	r.count = 1
	_, err := r.watch(ctx, cfg)
	if err != nil && !errors.Is(err, errStopped) {
		r.setState(model.RunErrored)
		if errors.Is(err, model.ErrCanceled) {
			r.setState(model.RunCanceled)
		}
		return err
	}
	r.setState(model.RunDone)
	return nil
}

// DefaultCallbackProvenance is used when no provenance file is supplied.
func DefaultCallbackProvenance() map[string]any {
	return map[string]any{
		"method":      "sdk.sdk",
		"service_ver": "1.0",
		"params":      []any{map[string]any{}},
	}
}

// prepare checks the working directory and the run token. The token
// lifetime is mandatory for a job run and best effort otherwise.
func (r *JobRunner) prepare(ctx context.Context, strict bool) error {
	if _, err := os.Stat(r.cfg.WORKDIR); err != nil {
		r.d.Log.Error(ctx, "Missing workdir")
		return fmt.Errorf("missing working directory %s: %w", r.cfg.WORKDIR, model.ErrValidation)
	}

	user, err := r.d.Identity.GetUser(ctx, r.cfg.TOKEN)
	if err != nil {
		r.d.Log.Error(ctx, "Token validation failed")
		return fmt.Errorf("validate token: %w", err)
	}
	r.d.Jobs.SetUser(user)

	exp, err := r.d.Identity.TokenExpiry(ctx, r.cfg.TOKEN)
	if err != nil {
		if strict {
			r.d.Log.Error(ctx, "Failed to get token lifetime")
			return fmt.Errorf("token lifetime: %w", err)
		}
		logger.Log.Warn().Err(err).Msg("token lifetime unavailable, expiry not enforced")
		return nil
	}
	r.expiresAt = exp.Add(-config.TOKEN_EXPIRY_MARGIN)
	return nil
}

func (r *JobRunner) startFrontend() error {
	if r.d.Frontend == nil {
		return nil
	}
	if err := r.d.Frontend.Start(fmt.Sprintf(":%d", r.cfg.CALLBACK_PORT)); err != nil {
		return fmt.Errorf("start callback server: %w", err)
	}
	return nil
}

// shutdown removes every container still running and stops the callback
// server. It runs on every exit path.
func (r *JobRunner) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	r.d.Containers.CleanupAll(ctx)
	if r.d.Frontend != nil {
		if err := r.d.Frontend.Shutdown(ctx); err != nil {
			logger.Log.Warn().Err(err).Msg("callback server did not stop cleanly")
		}
	}
}

func (r *JobRunner) publishProvenance() {
	r.d.Outbound.Put(model.Event{Kind: model.EventProvenance, Provenance: r.prov.Snapshot()})
}

func (r *JobRunner) publishOutput(jobID string, out map[string]any) {
	outcome := "success"
	if out["error"] != nil {
		outcome = "error"
	}
	metrics.JobsFinished.WithLabelValues(outcome).Inc()
	r.d.Outbound.Put(model.Event{Kind: model.EventOutput, JobID: jobID, Output: out})
}

// runJob resolves the job's module and launches its container.
func (r *JobRunner) runJob(ctx context.Context, cfg map[string]any, job *model.Job) error {
	module, method := job.Module(), job.Function()
	if module == "" || method == "" {
		return fmt.Errorf("invalid method %q: %w", job.Method, model.ErrValidation)
	}

	mi, err := r.d.Modules.Resolve(ctx, module, job.ServiceVer)
	if err != nil {
		return err
	}
	if mi.Cached {
		r.d.Log.Error(ctx, fmt.Sprintf(
			"WARNING: Module %s was already used once for this job. Using cached version: url: %s commit: %s version: %s release: release",
			module, mi.GitURL, mi.GitCommitHash, mi.Version))
	} else {
		r.d.Log.Log(ctx, fmt.Sprintf("Running module %s: url: %s commit: %s", module, mi.GitURL, mi.GitCommitHash))
	}

	mounts, err := r.d.Modules.VolumeMounts(ctx, module, method, r.cfg.CLIENT_GROUP)
	if err != nil {
		return err
	}

	sa, err := r.d.Jobs.Run(ctx, jobservice.RunRequest{
		Config: cfg,
		Module: mi,
		Job:    job,
		Mounts: mounts,
	})
	if err != nil {
		return err
	}
	r.prov.AddSubaction(sa)
	r.publishProvenance()
	return nil
}

func (r *JobRunner) canceled(ctx context.Context) bool {
	if r.d.JobControl == nil {
		return false
	}
	done, err := r.d.JobControl.CheckJobCanceled(ctx, r.cfg.JOB_ID)
	if err != nil {
		r.d.Log.Error(ctx, fmt.Sprintf("Warning: Job cancel check failed due to %v. However, the job will continue to run.", err))
		return false
	}
	return done
}

func (r *JobRunner) tokenExpired() bool {
	return !r.expiresAt.IsZero() && !r.now().Before(r.expiresAt)
}

// finish reports the result, retrying once after finishRetryDelay.
func (r *JobRunner) finish(ctx context.Context, output map[string]any, runErr error) error {
	if r.d.JobControl == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	params := map[string]any{"job_id": r.cfg.JOB_ID}
	switch {
	case runErr != nil:
		params["error_message"] = runErr.Error()
		params["error"] = output["error"]
	case output["error"] != nil:
		msg := "Job output contains an error"
		r.d.Log.Error(ctx, fmt.Sprintf("%s %v", msg, output["error"]))
		params["error_message"] = msg
		params["error"] = output["error"]
	default:
		if output == nil {
			output = map[string]any{}
		}
		params["job_output"] = output
	}

	err := r.d.JobControl.FinishJob(ctx, params)
	if err == nil {
		return nil
	}
	logger.Log.Warn().Err(err).Dur("retry_in", r.finishRetryDelay).Msg("finish job failed")
	time.Sleep(r.finishRetryDelay)
	if err := r.d.JobControl.FinishJob(ctx, params); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// unsupportedSpecial fails every special method.
type unsupportedSpecial struct{}

func (unsupportedSpecial) Run(_ context.Context, _ map[string]any, job *model.Job, done *mailbox.Mailbox[model.Message]) error {
	name := strings.TrimPrefix(job.Method, specialPrefix)
	msg := fmt.Sprintf("special method %s is not supported by this runner", name)
	done.Put(model.Message{
		Kind:   model.MessageFinishedSpecial,
		JobID:  job.ID,
		Output: model.ErrorOutput("Unsupported special method", msg, model.RPCMethodNotFoundErr),
	})
	return nil
}
