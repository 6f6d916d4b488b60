package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobFromParams(t *testing.T) {
	tests := []struct {
		name       string
		params     map[string]any
		method     string
		serviceVer string
		module     string
		function   string
		parent     string
	}{
		{
			name:       "top level service_ver",
			params:     map[string]any{"method": "echo_test.echo", "service_ver": "beta", "params": []any{"hi"}},
			method:     "echo_test.echo",
			serviceVer: "beta",
			module:     "echo_test",
			function:   "echo",
		},
		{
			name: "service_ver from context",
			params: map[string]any{
				"method":        "echo_test.echo",
				"context":       map[string]any{"service_ver": "release"},
				"parent_job_id": "p1",
			},
			method:     "echo_test.echo",
			serviceVer: "release",
			module:     "echo_test",
			function:   "echo",
			parent:     "p1",
		},
		{
			name:   "no method",
			params: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := NewJobFromParams("j1", tt.params, true)
			assert.Equal(t, "j1", j.ID)
			assert.True(t, j.Subjob)
			assert.Equal(t, tt.method, j.Method)
			assert.Equal(t, tt.serviceVer, j.ServiceVer)
			assert.Equal(t, tt.module, j.Module())
			assert.Equal(t, tt.function, j.Function())
			assert.Equal(t, tt.parent, j.ParentJobID())
			assert.Equal(t, tt.params["params"], j.Params)
		})
	}
}

func TestAsRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"plain error", errors.New("boom"), RPCErrorCode, "boom"},
		{"unknown method", NewRPCError(ErrUnknownMethod, "No such CallbackServer method: x"), RPCMethodNotFoundErr, "No such CallbackServer method: x"},
		{"wrapped rpc error", fmt.Errorf("outer: %w", NewRPCError(ErrValidation, "bad")), RPCErrorCode, "bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re := AsRPCError(tt.err)
			assert.Equal(t, tt.code, re.Code)
			assert.Equal(t, tt.msg, re.Message)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, errors.Is(ErrOrphaned, ErrAdmission))
	assert.True(t, errdefs.IsInternal(ErrOrphaned))
	assert.True(t, errors.Is(ErrImagePull, ErrResource))
	assert.True(t, errors.Is(ErrLaunch, ErrResource))
	assert.True(t, errdefs.IsUnavailable(ErrLaunch))
	assert.True(t, errdefs.IsInvalidArgument(NewRPCError(ErrValidation, "x")))
	assert.False(t, errors.Is(ErrTransient, ErrResource))
}

func TestErrorOutput(t *testing.T) {
	out := ErrorOutput("Job failed to start", "no such module", RPCErrorCode)
	require.Equal(t, 1, out["finished"])
	e, ok := out["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Job failed to start", e["name"])
	assert.Equal(t, "no such module", e["message"])
	assert.Equal(t, RPCErrorCode, e["code"])
}
