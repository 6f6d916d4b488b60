package component

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ssuji15/jobrunner/internal/cache"
	"github.com/ssuji15/jobrunner/internal/clients/auth"
	"github.com/ssuji15/jobrunner/internal/clients/catalog"
	"github.com/ssuji15/jobrunner/internal/clients/ee2"
	"github.com/ssuji15/jobrunner/internal/config"
	"github.com/ssuji15/jobrunner/internal/job_runner"
	"github.com/ssuji15/jobrunner/internal/mailbox"
	"github.com/ssuji15/jobrunner/internal/sandbox_manager"
	jobservice "github.com/ssuji15/jobrunner/internal/service/job_service"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	moduleservice "github.com/ssuji15/jobrunner/internal/service/module_service"
	"github.com/ssuji15/jobrunner/internal/storage"
	"github.com/ssuji15/jobrunner/internal/web"
	"github.com/ssuji15/jobrunner/model"
)

// Runner is a fully wired job runner plus what main has to release.
type Runner struct {
	JobRunner *job_runner.JobRunner
	Sandbox   *sandbox_manager.SandboxManager
	Server    *web.Server
	Inbound   *mailbox.Mailbox[model.Message]

	cache   cache.Cache
	storage storage.Storage
}

// GetRunner wires every component of a run. jc is nil in callback-only
// mode, where job logs go to stdout/stderr.
func GetRunner(ctx context.Context, cfg *config.Config, rcfg *config.RunnerConfig, jc ee2.JobControl) (*Runner, error) {
	timing, err := config.GetTimingConfig()
	if err != nil {
		return nil, err
	}

	store, err := GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		return nil, err
	}
	archive, err := GetStorage(ctx, cfg.STORAGE_TYPE)
	if err != nil {
		return nil, err
	}

	var sender logger.LogSender
	if jc != nil {
		sender = jc
	}
	jobLog := logger.NewJobLogger(rcfg.JOB_ID, sender)

	wm, err := sandbox_manager.NewWorkerManager(rcfg.RUNTIME)
	if err != nil {
		return nil, err
	}
	var smOpts []sandbox_manager.Option
	if timing.LOG_INTERVAL > 0 {
		smOpts = append(smOpts, sandbox_manager.WithLogInterval(timing.LOG_INTERVAL))
	}
	sm := sandbox_manager.NewSandboxManager(wm, jobLog, smOpts...)

	inbound := mailbox.New[model.Message]()
	outbound := mailbox.New[model.Event]()
	sm.Subscribe(inbound)

	cgroup, err := job_runner.DetectCgroup()
	if err != nil {
		logger.Log.Warn().Err(err).Msg("running job containers outside the runner's cgroup")
	}

	jobs := jobservice.NewJobService(jobservice.Options{
		WorkDir:      rcfg.WORKDIR,
		Token:        rcfg.TOKEN,
		CallbackURL:  rcfg.CallbackURL(),
		RefDataBase:  rcfg.REF_DATA_BASE,
		CgroupParent: cgroup,
	}, sm, archive)

	catalogToken := rcfg.ADMIN_TOKEN
	if catalogToken == "" {
		catalogToken = rcfg.TOKEN
	}
	// A shared cache store may serve several runs at once.
	scope := rcfg.JOB_ID + ":" + uuid.NewString()
	modules := moduleservice.NewModuleService(catalog.New(rcfg.CATALOG_URL, catalogToken), store, scope, rcfg.ADMIN_TOKEN)

	server := web.NewServer(web.Options{
		Token:              rcfg.TOKEN,
		BypassToken:        rcfg.BYPASS_TOKEN,
		AllowSetProvenance: rcfg.ALLOW_SET_PROVENANCE,
		SyncPollInterval:   timing.SYNC_POLL_INTERVAL,
		SyncTimeout:        timing.SYNC_TIMEOUT,
		QueueSize:          timing.CALLBACK_QUEUE_SIZE,
		MaxInflight:        timing.CALLBACK_MAX_INFLIGHT,
	}, modules, inbound, outbound)

	var opts []job_runner.Option
	if timing.POLL_INTERVAL > 0 {
		opts = append(opts, job_runner.WithPollInterval(timing.POLL_INTERVAL))
	}
	if timing.FINISH_RETRY_DELAY > 0 {
		opts = append(opts, job_runner.WithFinishRetryDelay(timing.FINISH_RETRY_DELAY))
	}

	runner := job_runner.NewJobRunner(rcfg, job_runner.Deps{
		JobControl: jc,
		Identity:   auth.New(rcfg.AUTH_URL, rcfg.AUTH2_URL),
		Modules:    modules,
		Jobs:       jobs,
		Containers: sm,
		Frontend:   server,
		Log:        jobLog,
		Inbound:    inbound,
		Outbound:   outbound,
	}, opts...)

	return &Runner{
		JobRunner: runner,
		Sandbox:   sm,
		Server:    server,
		Inbound:   inbound,
		cache:     store,
		storage:   archive,
	}, nil
}

// ShutDown waits for shepherds and releases the cache and storage clients.
func (r *Runner) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.Sandbox.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Log.Warn().Msg("container shepherds still running at shutdown")
	}

	var wg sync.WaitGroup
	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	shutdown(r.cache.ShutDown)
	if r.storage != nil {
		shutdown(r.storage.ShutDown)
	}
	wg.Wait()
}
