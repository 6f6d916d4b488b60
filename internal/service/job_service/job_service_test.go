package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssuji15/jobrunner/internal/sandbox_manager"
	"github.com/ssuji15/jobrunner/model"
)

type fakeLauncher struct {
	err  error
	reqs []sandbox_manager.LaunchRequest
}

func (f *fakeLauncher) Launch(ctx context.Context, req sandbox_manager.LaunchRequest) (*model.ContainerHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &model.ContainerHandle{ID: "c1", JobID: req.JobID}, nil
}

type fakeArchive struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakeArchive) Upload(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeArchive) Download(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path], nil
}

func (f *fakeArchive) ShutDown(ctx context.Context) {}

var moduleInfo = &model.ModuleInfo{
	ModuleName:    "echo_test",
	Version:       "0.1.1",
	GitURL:        "https://github.com/kbaseapps/echo_test",
	GitCommitHash: "abc123",
	DockerImage:   "kbase/echo_test:abc123",
	DataFolder:    "echo",
	DataVersion:   "0.2",
	SecureConfigParams: []model.SecureConfigParam{
		{ParamName: "param1", ParamValue: "secret"},
	},
}

func newService(t *testing.T, l Launcher) (*JobService, string) {
	t.Helper()
	wd := t.TempDir()
	s := NewJobService(Options{
		WorkDir:     wd,
		Token:       "tok",
		CallbackURL: "http://10.0.0.1:9999/",
		RefDataBase: "/kb/data",
	}, l, nil)
	s.SetUser("alice")
	return s, wd
}

func TestJobDir(t *testing.T) {
	s, wd := newService(t, &fakeLauncher{})
	require.Equal(t, filepath.Join(wd, "workdir"), s.JobDir("main", false))
	require.Equal(t, filepath.Join(wd, "workdir", "tmp", "sub"), s.JobDir("sub", true))
}

func TestRun(t *testing.T) {
	fl := &fakeLauncher{}
	s, wd := newService(t, fl)

	job := model.NewJobFromParams("sub1", map[string]any{
		"method":        "echo_test.echo",
		"params":        []any{map[string]any{"message": "hi"}},
		"parent_job_id": "main",
		"app_id":        "echo_test/echo",
		"wsid":          42.0,
		"context":       map[string]any{"provenance": []any{}},
	}, true)

	action, err := s.Run(context.Background(), RunRequest{
		Config: map[string]any{"kbase-endpoint": "https://x/services/", "ref_data_base": "/refs", "volume_mounts": []any{}},
		Module: moduleInfo,
		Job:    job,
		Mounts: []model.Mount{{HostDir: "/scratch/${username}", ContainerDir: "/scratch", ReadOnly: false}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.SubAction{
		Name:    "echo_test",
		Ver:     "0.1.1",
		CodeURL: "https://github.com/kbaseapps/echo_test",
		Commit:  "abc123",
	}, action)

	require.Len(t, fl.reqs, 1)
	req := fl.reqs[0]
	dir := filepath.Join(wd, "workdir", "tmp", "sub1")

	assert.Equal(t, "sub1", req.JobID)
	assert.Equal(t, "kbase/echo_test:abc123", req.Image)
	assert.Equal(t, []string{"async"}, req.Cmd)
	assert.Equal(t, map[string]string{
		"SDK_CALLBACK_URL":                  "http://10.0.0.1:9999/",
		"KB_AUTH_TOKEN":                     "tok",
		"KBASE_SECURE_CONFIG_PARAM_param1": "secret",
	}, req.Env)
	assert.Equal(t, []model.Mount{
		{HostDir: dir, ContainerDir: ContainerWorkDir},
		{HostDir: "/refs/echo/0.2", ContainerDir: ContainerRefDataDir, ReadOnly: true},
		{HostDir: "/scratch/alice", ContainerDir: "/scratch"},
	}, req.Volumes)
	assert.Equal(t, map[string]string{
		"job_id":        "sub1",
		"image_name":    "kbase/echo_test:abc123",
		"method":        "echo_test.echo",
		"user_name":     "alice",
		"parent_job_id": "main",
		"app_id":        "echo_test/echo",
		"wsid":          "42",
	}, req.Labels)

	b, err := os.ReadFile(filepath.Join(dir, inputFile))
	require.NoError(t, err)
	var input map[string]any
	require.NoError(t, json.Unmarshal(b, &input))
	assert.Equal(t, "1.1", input["version"])
	assert.Equal(t, "echo_test.echo", input["method"])
	assert.Equal(t, []any{map[string]any{"message": "hi"}}, input["params"])

	props, err := os.ReadFile(filepath.Join(dir, configFile))
	require.NoError(t, err)
	assert.Equal(t, "[global]\nkbase-endpoint = https://x/services/\nref_data_base = /refs\n", string(props))

	tok, err := os.ReadFile(filepath.Join(dir, tokenFile))
	require.NoError(t, err)
	assert.Equal(t, "tok", string(tok))

	_, err = os.Stat(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
}

func TestRun_NoRefData(t *testing.T) {
	fl := &fakeLauncher{}
	s, wd := newService(t, fl)

	mi := *moduleInfo
	mi.DataFolder = ""
	mi.SecureConfigParams = nil
	job := model.NewJobFromParams("main", map[string]any{"method": "echo_test.echo"}, false)

	_, err := s.Run(context.Background(), RunRequest{Config: map[string]any{}, Module: &mi, Job: job})
	require.NoError(t, err)
	require.Equal(t, []model.Mount{{HostDir: filepath.Join(wd, "workdir"), ContainerDir: ContainerWorkDir}}, fl.reqs[0].Volumes)
	require.NotContains(t, fl.reqs[0].Labels, "parent_job_id")

	b, err := os.ReadFile(filepath.Join(wd, "workdir", inputFile))
	require.NoError(t, err)
	require.JSONEq(t, `{"version":"1.1","method":"echo_test.echo","params":[],"context":{}}`, string(b))
}

func TestRun_LaunchFailure(t *testing.T) {
	s, _ := newService(t, &fakeLauncher{err: model.ErrImagePull})
	job := model.NewJobFromParams("main", map[string]any{"method": "echo_test.echo"}, false)

	_, err := s.Run(context.Background(), RunRequest{Config: map[string]any{}, Module: moduleInfo, Job: job})
	require.True(t, errors.Is(err, model.ErrImagePull))
}

func TestGetOutput(t *testing.T) {
	tests := []struct {
		name     string
		content  *string
		maxSize  int64
		wantErr  string
		wantKeys map[string]any
	}{
		{
			name:     "valid output",
			content:  strPtr(`{"version":"1.1","result":[{"ok":1}]}`),
			wantKeys: map[string]any{"version": "1.1", "result": []any{map[string]any{"ok": 1.0}}},
		},
		{name: "missing", content: nil, wantErr: "Output not found"},
		{name: "too large", content: strPtr(`{"result":"xxxxxxxxxxxxxxxxxxxx"}`), maxSize: 10, wantErr: "Too much output from a method"},
		{name: "garbage", content: strPtr(`not json`), wantErr: "Output not parseable"},
		{name: "not an object", content: strPtr(`[1,2]`), wantErr: "Output not parseable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wd := t.TempDir()
			archive := &fakeArchive{files: map[string][]byte{}}
			s := NewJobService(Options{WorkDir: wd, MaxOutputSize: tt.maxSize}, &fakeLauncher{}, archive)

			dir := s.JobDir("j1", true)
			require.NoError(t, os.MkdirAll(dir, 0o755))
			if tt.content != nil {
				require.NoError(t, os.WriteFile(filepath.Join(dir, outputFile), []byte(*tt.content), 0o644))
			}

			out := s.GetOutput(context.Background(), "j1", true)
			if tt.wantErr != "" {
				e, ok := out["error"].(map[string]any)
				require.True(t, ok)
				require.Equal(t, tt.wantErr, e["name"])
				require.Empty(t, archive.files)
				return
			}
			for k, v := range tt.wantKeys {
				require.Equal(t, v, out[k])
			}
			require.Contains(t, archive.files, "jobs/output/j1.json")
		})
	}
}

func TestConfigProperties(t *testing.T) {
	got := configProperties(map[string]any{
		"b":      false,
		"a":      "x",
		"nested": map[string]any{"k": 1},
	})
	require.True(t, strings.HasPrefix(got, "[global]\n"))
	require.Equal(t, "[global]\na = x\nb = false\n", got)
}

func strPtr(s string) *string { return &s }
