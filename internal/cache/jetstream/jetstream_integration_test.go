//go:build integration
// +build integration

package jetstream

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/jobrunner/model"
)

func resetJetStreamSingleton() {
	jcc = nil
	initError = nil
	once = sync.Once{}
}

// Run with JETSTREAM_URL pointing at a nats server with JetStream enabled.
func setJetStreamEnv(t *testing.T) {
	t.Helper()
	if os.Getenv("JETSTREAM_URL") == "" {
		t.Skip("JETSTREAM_URL not set")
	}
	t.Setenv("JETSTREAM_TTL", "30")
	t.Setenv("JETSTREAM_BUCKET_NAME", "JOBRUNNER_TEST")
	t.Setenv("JETSTREAM_BUCKET_SIZE", "1048576")
}

func TestNewJetStreamCacheClient(t *testing.T) {
	setJetStreamEnv(t)

	tests := []struct {
		name      string
		unsetEnv  string
		expectErr bool
	}{
		{"All env set succeeds", "", false},
		{"Missing JETSTREAM_BUCKET_NAME fails", "JETSTREAM_BUCKET_NAME", true},
		{"Missing JETSTREAM_TTL fails", "JETSTREAM_TTL", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetJetStreamSingleton()
			if tt.unsetEnv != "" {
				t.Setenv(tt.unsetEnv, "")
			}
			c, err := NewJetStreamCacheClient()
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, c)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, c)
			c.ShutDown(context.Background())
		})
	}
}

func TestJetStreamCache_PutGet(t *testing.T) {
	setJetStreamEnv(t)
	resetJetStreamSingleton()

	ctx := context.Background()
	c, err := NewJetStreamCacheClient()
	require.NoError(t, err)
	t.Cleanup(func() { c.ShutDown(ctx) })

	tests := []struct {
		name      string
		key       string
		value     interface{}
		expectErr bool
	}{
		{"Empty key fails", "", "value", true},
		{"Nil value fails", "nil_value", nil, true},
		{"Scoped module key succeeds", "module:job1:echo_test", model.ModuleInfo{ModuleName: "echo_test", Version: "1.0.0"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Put(ctx, tt.key, tt.value, c.GetDefaultTTL())
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			var out model.ModuleInfo
			require.NoError(t, c.Get(ctx, tt.key, &out))
			require.Equal(t, tt.value, out)
		})
	}

	var out model.ModuleInfo
	require.Error(t, c.Get(ctx, "module:job1:missing", &out))
}
