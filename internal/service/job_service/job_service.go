package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/sandbox_manager"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/internal/storage"
	"github.com/ssuji15/jobrunner/internal/util"
	"github.com/ssuji15/jobrunner/model"
)

const (
	ContainerWorkDir     = "/kb/module/work"
	ContainerRefDataDir  = "/data"
	DefaultMaxOutputSize = 1024 * 1024 * 1024

	SecureParamEnvPrefix = "KBASE_SECURE_CONFIG_PARAM_"

	inputFile  = "input.json"
	outputFile = "output.json"
	configFile = "config.properties"
	tokenFile  = "token"
)

// Launcher starts job containers.
type Launcher interface {
	Launch(ctx context.Context, req sandbox_manager.LaunchRequest) (*model.ContainerHandle, error)
}

type Options struct {
	WorkDir       string
	Token         string
	CallbackURL   string
	RefDataBase   string
	CgroupParent  string
	MaxOutputSize int64
}

// JobService prepares job directories, launches job containers and collects
// their output.
type JobService struct {
	opts     Options
	launcher Launcher
	archive  storage.Storage
	user     string
}

// NewJobService builds a JobService. archive may be nil.
func NewJobService(opts Options, launcher Launcher, archive storage.Storage) *JobService {
	if opts.MaxOutputSize <= 0 {
		opts.MaxOutputSize = DefaultMaxOutputSize
	}
	return &JobService{
		opts:     opts,
		launcher: launcher,
		archive:  archive,
	}
}

// SetUser records the user the run belongs to. It is substituted into
// catalog volume mounts and labels.
func (s *JobService) SetUser(user string) {
	s.user = user
}

// JobDir is where a job's input and output live on the host. Subjobs nest
// under the main job's scratch space so the parent can read their files.
func (s *JobService) JobDir(jobID string, subjob bool) string {
	if subjob {
		return filepath.Join(s.opts.WorkDir, "workdir", "tmp", jobID)
	}
	return filepath.Join(s.opts.WorkDir, "workdir")
}

type RunRequest struct {
	Config map[string]any
	Module *model.ModuleInfo
	Job    *model.Job
	Mounts []model.Mount
}

// Run prepares the job directory and launches the job's container. It
// returns the provenance subaction for the module that runs.
func (s *JobService) Run(ctx context.Context, req RunRequest) (model.SubAction, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "JobService/Run")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", req.Job.ID), attribute.String("method", req.Job.Method))

	dir := s.JobDir(req.Job.ID, req.Job.Subjob)
	if err := s.InitWorkDir(req.Config, dir, req.Job); err != nil {
		util.RecordSpanError(span, err)
		return model.SubAction{}, err
	}

	_, err := s.launcher.Launch(ctx, sandbox_manager.LaunchRequest{
		JobID:        req.Job.ID,
		Image:        req.Module.DockerImage,
		Cmd:          []string{"async"},
		Env:          s.env(req.Module),
		Volumes:      s.volumes(req.Config, dir, req.Module, req.Mounts),
		Labels:       s.labels(req.Job, req.Module),
		CgroupParent: s.opts.CgroupParent,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return model.SubAction{}, err
	}

	return model.SubAction{
		Name:    req.Module.ModuleName,
		Ver:     req.Module.Version,
		CodeURL: req.Module.GitURL,
		Commit:  req.Module.GitCommitHash,
	}, nil
}

// InitWorkDir writes config.properties, input.json and the token file.
func (s *JobService) InitWorkDir(cfg map[string]any, dir string, job *model.Job) error {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return fmt.Errorf("create job dir %s: %w", dir, err)
	}

	if err := os.WriteFile(filepath.Join(dir, configFile), []byte(configProperties(cfg)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", configFile, err)
	}

	params := job.Params
	if params == nil {
		params = []any{}
	}
	ctxObj := map[string]any{}
	if c, ok := job.Raw["context"].(map[string]any); ok {
		ctxObj = c
	}
	input, err := json.Marshal(map[string]any{
		"version": "1.1",
		"method":  job.Method,
		"params":  params,
		"context": ctxObj,
	})
	if err != nil {
		return fmt.Errorf("encode job input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, inputFile), input, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", inputFile, err)
	}

	if err := os.WriteFile(filepath.Join(dir, tokenFile), []byte(s.opts.Token), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tokenFile, err)
	}
	return nil
}

func configProperties(cfg map[string]any) string {
	keys := make([]string, 0, len(cfg))
	for k, v := range cfg {
		switch v.(type) {
		case map[string]any, []any, []model.Mount:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[global]\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %v\n", k, cfg[k])
	}
	return b.String()
}

func (s *JobService) env(mi *model.ModuleInfo) map[string]string {
	env := map[string]string{
		"SDK_CALLBACK_URL": s.opts.CallbackURL,
		"KB_AUTH_TOKEN":    s.opts.Token,
	}
	for _, p := range mi.SecureConfigParams {
		env[SecureParamEnvPrefix+p.ParamName] = p.ParamValue
	}
	return env
}

func (s *JobService) volumes(cfg map[string]any, dir string, mi *model.ModuleInfo, mounts []model.Mount) []model.Mount {
	vols := []model.Mount{{HostDir: dir, ContainerDir: ContainerWorkDir}}

	if mi.DataFolder != "" && mi.DataVersion != "" {
		base := s.opts.RefDataBase
		if v, ok := cfg["ref_data_base"].(string); ok && v != "" {
			base = v
		}
		vols = append(vols, model.Mount{
			HostDir:      filepath.Join(base, mi.DataFolder, mi.DataVersion),
			ContainerDir: ContainerRefDataDir,
			ReadOnly:     true,
		})
	}

	for _, m := range mounts {
		m.HostDir = strings.ReplaceAll(m.HostDir, "${username}", s.user)
		vols = append(vols, m)
	}
	return vols
}

func (s *JobService) labels(job *model.Job, mi *model.ModuleInfo) map[string]string {
	l := map[string]string{
		"job_id":     job.ID,
		"image_name": mi.DockerImage,
		"method":     job.Method,
		"user_name":  s.user,
	}
	if p := job.ParentJobID(); p != "" {
		l["parent_job_id"] = p
	}
	if v, ok := job.Raw["app_id"].(string); ok && v != "" {
		l["app_id"] = v
	}
	if v, ok := job.Raw["wsid"]; ok && v != nil {
		l["wsid"] = fmt.Sprint(v)
	}
	return l
}

// GetOutput reads the job's output.json. Failures are reported as an error
// output object, never as a Go error, since they belong to the job.
func (s *JobService) GetOutput(ctx context.Context, jobID string, subjob bool) map[string]any {
	path := filepath.Join(s.JobDir(jobID, subjob), outputFile)

	fi, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Log.Warn().Err(err).Str("job_id", jobID).Msg("unable to stat job output")
		}
		return model.ErrorOutput("Output not found", "No output generated", model.RPCMethodNotFoundErr)
	}
	if fi.Size() > s.opts.MaxOutputSize {
		msg := fmt.Sprintf("Method returned too much output (%d > %d)", fi.Size(), s.opts.MaxOutputSize)
		return model.ErrorOutput("Too much output from a method", msg, model.RPCMethodNotFoundErr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return model.ErrorOutput("Output not found", err.Error(), model.RPCMethodNotFoundErr)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		msg := "Output is not a JSON object"
		if err != nil {
			msg = err.Error()
		}
		return model.ErrorOutput("Output not parseable", msg, model.RPCMethodNotFoundErr)
	}

	s.archiveOutput(ctx, jobID, data)
	return out
}

func (s *JobService) archiveOutput(ctx context.Context, jobID string, data []byte) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Upload(ctx, util.GetOutputPath(jobID), data); err != nil {
		logger.Log.Warn().Err(err).Str("job_id", jobID).Msg("unable to archive job output")
	}
}
