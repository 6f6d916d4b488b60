package model

import (
	"strings"
	"time"
)

// Job is a unit of work run inside a container. The main job comes from the
// job-control service, subjobs come in through the callback server.
type Job struct {
	ID         string         `json:"job_id"`
	Method     string         `json:"method"`
	ServiceVer string         `json:"service_ver,omitempty"`
	Params     any            `json:"params"`
	Subjob     bool           `json:"-"`
	Raw        map[string]any `json:"-"`
}

// Module returns the module half of "module.method".
func (j *Job) Module() string {
	m, _, _ := strings.Cut(j.Method, ".")
	return m
}

// Function returns the method half of "module.method".
func (j *Job) Function() string {
	_, f, _ := strings.Cut(j.Method, ".")
	return f
}

// ParentJobID is the parent recorded in the raw parameters, if any.
func (j *Job) ParentJobID() string {
	if j.Raw == nil {
		return ""
	}
	if p, ok := j.Raw["parent_job_id"].(string); ok {
		return p
	}
	return ""
}

// NewJobFromParams builds a job out of decoded job parameters.
func NewJobFromParams(id string, params map[string]any, subjob bool) *Job {
	j := &Job{
		ID:     id,
		Subjob: subjob,
		Raw:    params,
	}
	if m, ok := params["method"].(string); ok {
		j.Method = m
	}
	if v, ok := params["service_ver"].(string); ok && v != "" {
		j.ServiceVer = v
	} else if c, ok := params["context"].(map[string]any); ok {
		j.ServiceVer, _ = c["service_ver"].(string)
	}
	j.Params = params["params"]
	return j
}

type SecureConfigParam struct {
	ParamName  string `json:"param_name" msgpack:"param_name"`
	ParamValue string `json:"param_value" msgpack:"param_value"`
}

// ModuleInfo is the catalog record for a registered module version.
type ModuleInfo struct {
	ModuleName         string              `json:"module_name" msgpack:"module_name"`
	Version            string              `json:"version" msgpack:"version"`
	GitURL             string              `json:"git_url" msgpack:"git_url"`
	GitCommitHash      string              `json:"git_commit_hash" msgpack:"git_commit_hash"`
	DockerImage        string              `json:"docker_img_name" msgpack:"docker_img_name"`
	DataFolder         string              `json:"data_folder,omitempty" msgpack:"data_folder"`
	DataVersion        string              `json:"data_version,omitempty" msgpack:"data_version"`
	SecureConfigParams []SecureConfigParam `json:"secure_config_params" msgpack:"-"`
	Cached             bool                `json:"cached" msgpack:"-"`
}

type Mount struct {
	HostDir      string `json:"host_dir"`
	ContainerDir string `json:"container_dir"`
	ReadOnly     bool   `json:"read_only"`
}

type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "created"
	ContainerRunning ContainerStatus = "running"
	ContainerExited  ContainerStatus = "exited"
	ContainerRemoved ContainerStatus = "removed"
)

// Active reports whether a container may still produce output.
func (s ContainerStatus) Active() bool {
	return s == ContainerCreated || s == ContainerRunning
}

type ContainerHandle struct {
	ID      string
	JobID   string
	Image   string
	Status  ContainerStatus
	LastLog time.Time
}

type LogLine struct {
	Line    string    `json:"line"`
	IsError bool      `json:"-"`
	TS      time.Time `json:"-"`
}

type SubAction struct {
	Name    string `json:"name"`
	Ver     string `json:"ver"`
	CodeURL string `json:"code_url"`
	Commit  string `json:"commit"`
}

// ProvenanceAction mirrors the workspace provenance action shape.
type ProvenanceAction struct {
	Time           string      `json:"time"`
	Service        string      `json:"service"`
	ServiceVer     string      `json:"service_ver"`
	Method         string      `json:"method"`
	MethodParams   any         `json:"method_params"`
	InputWSObjects any         `json:"input_ws_objects"`
	Subactions     []SubAction `json:"subactions"`
	Description    string      `json:"description"`
}

type MessageKind string

const (
	MessageSubmit          MessageKind = "submit"
	MessageCancel          MessageKind = "cancel"
	MessageFinished        MessageKind = "finished"
	MessageFinishedSpecial MessageKind = "finished_special"
	MessageSetProvenance   MessageKind = "set_provenance"
)

// Message is posted on the orchestrator's inbound mailbox.
type Message struct {
	Kind       MessageKind
	JobID      string
	Job        *Job
	Output     map[string]any
	Provenance *ProvenanceAction
}

type EventKind string

const (
	EventOutput     EventKind = "output"
	EventProvenance EventKind = "provenance"
)

// Event is posted by the orchestrator for the callback server to drain.
type Event struct {
	Kind       EventKind
	JobID      string
	Output     map[string]any
	Provenance []ProvenanceAction
}

type RunState string

const (
	RunStarting RunState = "STARTING"
	RunRunning  RunState = "RUNNING"
	RunDone     RunState = "DONE"
	RunCanceled RunState = "CANCELED"
	RunErrored  RunState = "ERRORED"
)

// CreateOptions describes a job container for a runtime backend.
type CreateOptions struct {
	Name         string
	Image        string
	Cmd          []string
	EnvVars      map[string]string
	Mounts       []Mount
	Labels       map[string]string
	CgroupParent string
}
