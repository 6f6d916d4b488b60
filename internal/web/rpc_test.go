package web

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/jobrunner/model"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]any
		wantKind   RequestKind
		wantMethod string
		wantJobID  string
		wantVer    string
		wantErr    error
		wantCode   int
	}{
		{name: "no method is liveness", body: map[string]any{}, wantKind: KindLiveness},
		{name: "empty method is liveness", body: map[string]any{"method": ""}, wantKind: KindLiveness},
		{
			name:       "async submit",
			body:       map[string]any{"method": "kb_echo._echo_submit", "params": []any{}},
			wantKind:   KindAsyncSubmit,
			wantMethod: "kb_echo.echo",
		},
		{
			name:       "async submit keeps inner underscores",
			body:       map[string]any{"method": "mod._run_my_app_submit", "service_ver": "beta"},
			wantKind:   KindAsyncSubmit,
			wantMethod: "mod.run_my_app",
			wantVer:    "beta",
		},
		{
			name:      "check job",
			body:      map[string]any{"method": "mod._check_job", "params": []any{"abc"}},
			wantKind:  KindCheckJob,
			wantJobID: "abc",
		},
		{
			name:     "check job without id",
			body:     map[string]any{"method": "mod._check_job", "params": []any{}},
			wantErr:  model.ErrValidation,
			wantCode: model.RPCErrorCode,
		},
		{name: "get provenance", body: map[string]any{"method": "CallbackServer.get_provenance"}, wantKind: KindGetProvenance, wantMethod: "CallbackServer.get_provenance"},
		{name: "set provenance", body: map[string]any{"method": "CallbackServer.set_provenance"}, wantKind: KindSetProvenance, wantMethod: "CallbackServer.set_provenance"},
		{
			name:     "unknown callback server method",
			body:     map[string]any{"method": "CallbackServer.status"},
			wantErr:  model.ErrUnknownMethod,
			wantCode: model.RPCMethodNotFoundErr,
		},
		{
			name:       "sync submit with context version",
			body:       map[string]any{"method": "mod.run", "context": map[string]any{"service_ver": "1.0.0"}},
			wantKind:   KindSyncSubmit,
			wantMethod: "mod.run",
			wantVer:    "1.0.0",
		},
		{
			name:       "bare submit suffix is a sync call",
			body:       map[string]any{"method": "mod._submit"},
			wantKind:   KindSyncSubmit,
			wantMethod: "mod._submit",
		},
		{name: "no dot", body: map[string]any{"method": "run"}, wantErr: model.ErrValidation, wantCode: model.RPCErrorCode},
		{name: "two dots", body: map[string]any{"method": "a.b.c"}, wantErr: model.ErrValidation, wantCode: model.RPCErrorCode},
		{name: "empty module", body: map[string]any{"method": ".run"}, wantErr: model.ErrValidation, wantCode: model.RPCErrorCode},
		{name: "method not a string", body: map[string]any{"method": 7.0}, wantErr: model.ErrValidation, wantCode: model.RPCErrorCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest(tt.body)
			if tt.wantErr != nil {
				require.Error(t, err)
				require.True(t, errors.Is(err, tt.wantErr))
				require.Equal(t, tt.wantCode, model.AsRPCError(err).Code)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantKind, req.Kind)
			if tt.wantMethod != "" {
				require.Equal(t, tt.wantMethod, req.Method)
			}
			require.Equal(t, tt.wantJobID, req.JobID)
			require.Equal(t, tt.wantVer, req.ServiceVer)
		})
	}
}

func TestRequest_SubmitBody(t *testing.T) {
	body := map[string]any{"method": "mod._run_submit", "params": []any{1.0}}
	req, err := DecodeRequest(body)
	require.NoError(t, err)

	sb := req.SubmitBody()
	require.Equal(t, "mod.run", sb["method"])
	require.Equal(t, []any{1.0}, sb["params"])
	require.Equal(t, "mod._run_submit", body["method"])
}
